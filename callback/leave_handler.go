/*
leave_handler.go - Callbacks of the LeaveApproval workflow

STATUS PATH:
  status-changed   -> Synchronizer.ApplyState (may Confirm or Release)
  activity-changed -> Synchronizer.RecordActivity (never touches balances)

ACTION PATH:
  Reject / Cancel  -> Synchronizer.SettleForAction (idempotent Release)
  A process with no local request holds no days; the action is logged and
  acknowledged without touching any account.

CONDITIONS:
  Pure functions of the snapshot. Evaluating one twice gives the same answer
  and changes nothing.
*/
package callback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/workflow"
)

// Leave approval actions and conditions as named in the scheme.
const (
	ActionSubmit          = "Submit"
	ActionApprove         = "Approve"
	ActionReject          = "Reject"
	ActionRequestMoreInfo = "Request More Info"
	ActionCancel          = "Cancel"

	ConditionIsLeaveApproved            = "IsLeaveApproved"
	ConditionIsLeaveRejected            = "IsLeaveRejected"
	ConditionIsLeavePending             = "IsLeavePending"
	ConditionIsLeaveNeedManagerApproval = "IsLeaveNeedManagerApproval"
)

// DefaultManagerApprovalThreshold is the number of days above which a
// request needs a manager's approval.
var DefaultManagerApprovalThreshold = decimal.NewFromInt(3)

// LeaveApprovalHandler keeps leave requests and balances in step with the
// LeaveApproval workflow.
type LeaveApprovalHandler struct {
	sync      *leave.Synchronizer
	notifier  Notifier
	threshold decimal.Decimal
	logger    *zap.Logger
	now       func() time.Time
}

var _ Handler = (*LeaveApprovalHandler)(nil)

// NewLeaveApprovalHandler creates the handler. A zero threshold selects the default.
func NewLeaveApprovalHandler(sync *leave.Synchronizer, notifier Notifier,
	threshold decimal.Decimal, logger *zap.Logger) *LeaveApprovalHandler {
	if threshold.IsZero() {
		threshold = DefaultManagerApprovalThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaveApprovalHandler{
		sync:      sync,
		notifier:  notifier,
		threshold: threshold,
		logger:    logger.Named("callback.leave"),
		now:       time.Now,
	}
}

func (h *LeaveApprovalHandler) WorkflowType() string { return leave.WorkflowType }

// =============================================================================
// STATUS / ACTIVITY
// =============================================================================

func (h *LeaveApprovalHandler) OnStatusChanged(ctx context.Context, ev StatusEvent) error {
	params := ev.Instance.Params()
	leaveRequestID := params.StringOr(workflow.ParamLeaveRequestID, "")

	out, err := h.sync.ApplyState(ctx, leave.StateUpdate{
		ProcessID:      ev.ProcessID,
		LeaveRequestID: leaveRequestID,
		State:          ev.NewStatus,
	})
	if err != nil {
		return err
	}
	if !out.Applied {
		return nil
	}

	req := out.Request
	n := Notification{
		Kind:         "leave.status_changed",
		WorkflowType: leave.WorkflowType,
		ProcessID:    ev.ProcessID,
		RecipientID:  req.UserID,
		Subject:      "Leave request " + req.LeaveRequestID + " is now " + string(req.Status),
		Fields: map[string]any{
			"employeeName":  params.StringOr(workflow.ParamEmployeeName, req.UserID),
			"previousState": ev.OldStatus,
			"currentState":  ev.NewStatus,
		},
	}
	switch req.Status {
	case leave.StatusApproved:
		n.Kind = "leave.approved"
	case leave.StatusRejected:
		n.Kind = "leave.rejected"
		n.Fields["reason"] = params.StringOr(workflow.ParamComments, "")
	}
	if err := h.notifier.Notify(ctx, n); err != nil {
		h.logger.Warn("notification failed", zap.String("process_id", ev.ProcessID), zap.Error(err))
	}
	return nil
}

func (h *LeaveApprovalHandler) OnActivityChanged(ctx context.Context, ev ActivityEvent) error {
	h.logger.Info("leave activity changed",
		zap.String("process_id", ev.ProcessID),
		zap.String("from", ev.PreviousActivity),
		zap.String("to", ev.CurrentActivity))

	leaveRequestID := ev.Instance.Params().StringOr(workflow.ParamLeaveRequestID, "")
	_, err := h.sync.RecordActivity(ctx, ev.ProcessID, leaveRequestID, ev.CurrentActivity)
	return err
}

// =============================================================================
// ACTIONS
// =============================================================================

func (h *LeaveApprovalHandler) Actions(context.Context, string) []string {
	return []string{ActionSubmit, ActionApprove, ActionReject, ActionRequestMoreInfo, ActionCancel}
}

func (h *LeaveApprovalHandler) ExecuteAction(ctx context.Context, call Call) (map[string]any, error) {
	h.logger.Info("executing leave action", zap.String("action", call.Name), zap.String("process_id", call.ProcessID()))

	updated := map[string]any{
		"LastActionExecuted": call.Name,
		"ActionTimestamp":    h.now().UTC().Format(time.RFC3339),
	}

	switch call.Name {
	case ActionSubmit:
		if !call.Instance.Params().Has(workflow.ParamLeaveRequestID) {
			h.logger.Warn("submit action without LeaveRequestId", zap.String("process_id", call.ProcessID()))
		}
	case ActionApprove:
		updated[workflow.ParamStatus] = string(leave.StatusApproved)
	case ActionReject:
		if err := h.releaseHold(ctx, call); err != nil {
			return nil, err
		}
		updated[workflow.ParamStatus] = string(leave.StatusRejected)
	case ActionCancel:
		if err := h.releaseHold(ctx, call); err != nil {
			return nil, err
		}
		updated[workflow.ParamStatus] = string(leave.StatusCancelled)
	case ActionRequestMoreInfo:
		updated[workflow.ParamStatus] = "PendingInfo"
	default:
		h.logger.Warn("unknown leave action", zap.String("action", call.Name))
	}
	return updated, nil
}

// releaseHold releases the days held for the call's request, at most once.
// Holds only exist next to a local request, so a process without one owns
// nothing: the action is acknowledged and no account is touched.
func (h *LeaveApprovalHandler) releaseHold(ctx context.Context, call Call) error {
	leaveRequestID := call.Instance.Params().StringOr(workflow.ParamLeaveRequestID, "")

	_, err := h.sync.SettleForAction(ctx, call.ProcessID(), leaveRequestID)
	if errors.Is(err, leave.ErrUnknownProcess) {
		h.logger.Warn("action for process without a local request, nothing released",
			zap.String("process_id", call.ProcessID()),
			zap.String("action", call.Name),
			zap.Error(err))
		return nil
	}
	return err
}

// =============================================================================
// CONDITIONS
// =============================================================================

func (h *LeaveApprovalHandler) Conditions(context.Context, string) []string {
	return []string{
		ConditionIsLeaveApproved,
		ConditionIsLeaveRejected,
		ConditionIsLeavePending,
		ConditionIsLeaveNeedManagerApproval,
	}
}

func (h *LeaveApprovalHandler) ExecuteCondition(_ context.Context, call Call) (bool, error) {
	params := call.Instance.Params()
	status := params.StringOr(workflow.ParamStatus, "Unknown")
	state := call.Instance.State()
	totalDays, ok := params.Decimal(workflow.ParamTotalDays)
	if !ok && params.Has(workflow.ParamTotalDays) {
		h.logger.Warn("TotalDays is not a number", zap.Any("value", params[workflow.ParamTotalDays]))
	}

	var result bool
	switch call.Name {
	case ConditionIsLeaveApproved:
		result = strings.EqualFold(status, "Approved") || strings.EqualFold(state, "Approved")
	case ConditionIsLeaveRejected:
		result = strings.EqualFold(status, "Rejected") || strings.EqualFold(state, "Rejected")
	case ConditionIsLeavePending:
		result = strings.EqualFold(status, "Pending") ||
			strings.EqualFold(state, "Pending") ||
			strings.EqualFold(state, "Draft")
	case ConditionIsLeaveNeedManagerApproval:
		result = totalDays.GreaterThan(h.threshold)
	default:
		h.logger.Warn("unknown leave condition", zap.String("condition", call.Name))
	}

	h.logger.Debug("condition evaluated",
		zap.String("condition", call.Name),
		zap.Bool("result", result),
		zap.String("status", status),
		zap.String("state", state))
	return result, nil
}
