package callback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-sync/identity"
	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/metrics"
	"github.com/warp/leave-sync/workflow"
)

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher decodes callbacks, routes them through the Registry and wraps
// the outcome in a Response. It never panics and never returns a raw error.
type Dispatcher struct {
	registry  *Registry
	audit     leave.AuditLog     // optional
	directory identity.Directory // optional, serves identity callbacks
	metrics   *metrics.Metrics   // optional
	logger    *zap.Logger
}

func NewDispatcher(registry *Registry, audit leave.AuditLog, directory identity.Directory, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  registry,
		audit:     audit,
		directory: directory,
		logger:    logger.Named("callback"),
	}
}

// WithMetrics counts callbacks by operation and outcome.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// guard runs fn, converting panics and errors into failure responses.
// Callbacks for unknown processes are acknowledged so the engine stops
// redelivering them.
func guard[T any](d *Dispatcher, op string, fn func() (T, error)) (resp Response[T]) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback panicked",
				zap.String("op", op),
				zap.Any("panic", r),
				zap.Stack("stack"))
			d.metrics.CallbackHandled(op, metrics.OutcomePanic)
			resp = Fail[T](fmt.Errorf("%s: internal error", op))
		}
	}()

	data, err := fn()
	if err != nil {
		if errors.Is(err, leave.ErrUnknownProcess) {
			d.logger.Info("callback for unknown process acknowledged", zap.String("op", op), zap.Error(err))
			d.metrics.CallbackHandled(op, metrics.OutcomeUnknownProcess)
			return OK(data, err.Error())
		}
		d.logger.Error("callback failed", zap.String("op", op), zap.Error(err))
		d.metrics.CallbackHandled(op, metrics.OutcomeError)
		return Fail[T](err)
	}
	d.metrics.CallbackHandled(op, metrics.OutcomeOK)
	return OK(data)
}

// decodeInstance decodes a snapshot; a malformed one is treated as absent.
func (d *Dispatcher) decodeInstance(op string, raw []byte) *workflow.ProcessInstance {
	pi, err := workflow.DecodeProcessInstance(raw)
	if err != nil {
		d.logger.Warn("process instance not decodable", zap.String("op", op), zap.Error(err))
		return nil
	}
	return pi
}

func schemeOf(explicit string, pi *workflow.ProcessInstance) string {
	if explicit != "" {
		return explicit
	}
	if pi != nil {
		return pi.SchemeCode
	}
	return ""
}

// =============================================================================
// PROCESS EVENTS
// =============================================================================

func (d *Dispatcher) OnStatusChanged(ctx context.Context, req StatusChangedRequest) Response[struct{}] {
	return guard(d, "status-changed", func() (struct{}, error) {
		pi := d.decodeInstance("status-changed", req.ProcessInstance)
		processID := req.ProcessID
		if processID == "" && pi != nil {
			processID = pi.ID
		}
		ev := StatusEvent{
			ProcessID:  processID,
			SchemeCode: schemeOf(req.SchemeCode, pi),
			OldStatus:  req.OldStatus,
			NewStatus:  req.NewStatus,
			Instance:   pi,
		}
		d.logger.Info("status changed",
			zap.String("process_id", ev.ProcessID),
			zap.String("scheme", ev.SchemeCode),
			zap.String("from", ev.OldStatus),
			zap.String("to", ev.NewStatus))
		return struct{}{}, d.registry.Resolve(ev.SchemeCode).OnStatusChanged(ctx, ev)
	})
}

func (d *Dispatcher) OnActivityChanged(ctx context.Context, req ActivityChangedRequest) Response[struct{}] {
	return guard(d, "activity-changed", func() (struct{}, error) {
		pi := d.decodeInstance("activity-changed", req.ProcessInstance)
		processID := req.ProcessID
		if processID == "" && pi != nil {
			processID = pi.ID
		}
		current := req.CurrentActivityName
		if current == "" && pi != nil {
			current = pi.ActivityName
		}
		ev := ActivityEvent{
			ProcessID:        processID,
			SchemeCode:       schemeOf(req.SchemeCode, pi),
			PreviousActivity: req.PreviousActivityName,
			CurrentActivity:  current,
			Instance:         pi,
		}
		return struct{}{}, d.registry.Resolve(ev.SchemeCode).OnActivityChanged(ctx, ev)
	})
}

// =============================================================================
// ACTIONS / CONDITIONS
// =============================================================================

func (d *Dispatcher) OnGetActions(ctx context.Context, schemeCode string) Response[[]string] {
	return guard(d, "get-actions", func() ([]string, error) {
		return d.registry.Resolve(schemeCode).Actions(ctx, schemeCode), nil
	})
}

func (d *Dispatcher) OnExecuteAction(ctx context.Context, req ExecuteActionRequest) Response[ActionResult] {
	return guard(d, "execute-action", func() (ActionResult, error) {
		call := d.call("execute-action", req.Name, req.Parameter, req.SchemeCode, req.ProcessInstance)
		updated, err := d.registry.Resolve(call.SchemeCode).ExecuteAction(ctx, call)
		if updated == nil {
			updated = map[string]any{}
		}
		return ActionResult{UpdatedParameters: updated}, err
	})
}

func (d *Dispatcher) OnGetConditions(ctx context.Context, schemeCode string) Response[[]string] {
	return guard(d, "get-conditions", func() ([]string, error) {
		return d.registry.Resolve(schemeCode).Conditions(ctx, schemeCode), nil
	})
}

func (d *Dispatcher) OnExecuteCondition(ctx context.Context, req ExecuteConditionRequest) Response[bool] {
	return guard(d, "execute-condition", func() (bool, error) {
		call := d.call("execute-condition", req.Name, req.Parameter, req.SchemeCode, req.ProcessInstance)
		return d.registry.Resolve(call.SchemeCode).ExecuteCondition(ctx, call)
	})
}

func (d *Dispatcher) call(op, name, parameter, scheme string, raw []byte) Call {
	pi := d.decodeInstance(op, raw)
	return Call{
		Name:       name,
		Parameter:  parameter,
		SchemeCode: schemeOf(scheme, pi),
		Instance:   pi,
	}
}

// =============================================================================
// PROCESS LOGS
// =============================================================================

// OnProcessLogs archives engine log lines. It changes no request state.
func (d *Dispatcher) OnProcessLogs(ctx context.Context, logs []ProcessLog) Response[int] {
	return guard(d, "process-log", func() (int, error) {
		if len(logs) == 0 {
			return 0, nil
		}
		if d.audit == nil {
			for _, l := range logs {
				d.logger.Info("process log", zap.String("process_id", l.ProcessID), zap.String("message", l.Message))
			}
			return len(logs), nil
		}

		entries := make([]leave.AuditEntry, 0, len(logs))
		for _, l := range logs {
			at := l.Timestamp
			if at.IsZero() {
				at = time.Now()
			}
			entries = append(entries, leave.AuditEntry{
				At:        at,
				Action:    leave.AuditProcessLog,
				ProcessID: l.ProcessID,
				Message:   l.Message,
			})
		}
		if err := d.audit.Append(ctx, entries...); err != nil {
			return 0, fmt.Errorf("archive process logs: %w", err)
		}
		return len(entries), nil
	})
}

// =============================================================================
// IDENTITY CALLBACKS
// =============================================================================

// RuleDirectManager passes for the manager of the employee named in the
// rule parameter.
const RuleDirectManager = "DirectManager"

var roleRules = []identity.Role{identity.RoleManager, identity.RoleHR, identity.RoleEmployee}

// OnGetIdentities lists the active users passing ruleName with parameter.
// An empty rule lists every active user; an unknown rule lists nobody.
func (d *Dispatcher) OnGetIdentities(ctx context.Context, ruleName, parameter string) Response[[]string] {
	return guard(d, "get-identities", func() ([]string, error) {
		ids := []string{}
		if d.directory == nil {
			return ids, nil
		}
		users, err := d.directory.ActiveUsers(ctx)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			ok := ruleName == ""
			if !ok {
				if ok, err = d.passes(ctx, u, ruleName, parameter); err != nil {
					return nil, err
				}
			}
			if ok {
				ids = append(ids, u.ID)
			}
		}
		return ids, nil
	})
}

// OnGetRules lists the rules identities can be checked against.
func (d *Dispatcher) OnGetRules(_ context.Context, _ string) Response[[]string] {
	rules := make([]string, 0, len(roleRules)+1)
	for _, role := range roleRules {
		rules = append(rules, string(role))
	}
	return OK(append(rules, RuleDirectManager))
}

// OnCheckRule reports whether an active identity passes a rule. Unknown
// identities and unknown rules never pass.
func (d *Dispatcher) OnCheckRule(ctx context.Context, req CheckRuleRequest) Response[bool] {
	return guard(d, "check-rule", func() (bool, error) {
		if d.directory == nil {
			return false, nil
		}
		u, err := d.directory.User(ctx, req.IdentityID)
		if errors.Is(err, identity.ErrUserNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !u.Active {
			return false, nil
		}
		return d.passes(ctx, u, req.RuleName, req.Parameter)
	})
}

func (d *Dispatcher) passes(ctx context.Context, u identity.User, ruleName, parameter string) (bool, error) {
	for _, role := range roleRules {
		if strings.EqualFold(ruleName, string(role)) {
			return u.HasRole(role), nil
		}
	}
	if !strings.EqualFold(ruleName, RuleDirectManager) || parameter == "" {
		return false, nil
	}
	m, err := d.directory.Manager(ctx, parameter)
	if errors.Is(err, identity.ErrUserNotFound) || errors.Is(err, identity.ErrNoManager) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.ID == u.ID, nil
}
