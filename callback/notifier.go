package callback

import (
	"context"

	"go.uber.org/zap"
)

// Notification is a message for a person involved in a process.
type Notification struct {
	Kind         string // e.g. "leave.status_changed"
	WorkflowType string
	ProcessID    string
	RecipientID  string
	Subject      string
	Fields       map[string]any
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, msg Notification) error {
	fields := []zap.Field{
		zap.String("kind", msg.Kind),
		zap.String("workflow_type", msg.WorkflowType),
		zap.String("process_id", msg.ProcessID),
		zap.String("recipient", msg.RecipientID),
	}
	if len(msg.Fields) > 0 {
		fields = append(fields, zap.Any("fields", msg.Fields))
	}
	n.logger.Info(msg.Subject, fields...)
	return nil
}
