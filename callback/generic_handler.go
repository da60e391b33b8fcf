package callback

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-sync/workflow"
)

// GenericHandler serves workflow types without a dedicated handler. It only
// notifies and logs; it never touches requests or balances.
type GenericHandler struct {
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

var _ Handler = (*GenericHandler)(nil)

func NewGenericHandler(notifier Notifier, logger *zap.Logger) *GenericHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenericHandler{notifier: notifier, logger: logger.Named("callback.generic"), now: time.Now}
}

func (h *GenericHandler) WorkflowType() string { return workflow.GenericType }

func (h *GenericHandler) OnStatusChanged(ctx context.Context, ev StatusEvent) error {
	h.logger.Info("workflow status changed",
		zap.String("process_id", ev.ProcessID),
		zap.String("scheme", ev.SchemeCode),
		zap.String("from", ev.OldStatus),
		zap.String("to", ev.NewStatus))
	return h.notifier.Notify(ctx, Notification{
		Kind:         "workflow.status_changed",
		WorkflowType: workflow.TypeOf(ev.SchemeCode),
		ProcessID:    ev.ProcessID,
		Subject:      "Workflow " + ev.ProcessID + " is now " + ev.NewStatus,
		Fields:       map[string]any(ev.Instance.Params()),
	})
}

func (h *GenericHandler) OnActivityChanged(_ context.Context, ev ActivityEvent) error {
	h.logger.Info("workflow activity changed",
		zap.String("process_id", ev.ProcessID),
		zap.String("from", ev.PreviousActivity),
		zap.String("to", ev.CurrentActivity))
	return nil
}

func (h *GenericHandler) Actions(context.Context, string) []string { return []string{} }

func (h *GenericHandler) ExecuteAction(_ context.Context, call Call) (map[string]any, error) {
	h.logger.Info("action executed without handler", zap.String("action", call.Name), zap.String("process_id", call.ProcessID()))
	return map[string]any{
		"LastActionExecuted": call.Name,
		"ActionTimestamp":    h.now().UTC().Format(time.RFC3339),
	}, nil
}

func (h *GenericHandler) Conditions(context.Context, string) []string { return []string{} }

func (h *GenericHandler) ExecuteCondition(_ context.Context, call Call) (bool, error) {
	h.logger.Debug("unknown condition evaluated as false", zap.String("condition", call.Name))
	return false, nil
}
