/*
service.go - Leave request lifecycle driven by employees and approvers

SUBMISSION (the only place days are reserved):
  1. Validate dates and approver
  2. Generate the business key and the process id locally
  3. ONE unit of work: overlap check + create the request + Reserve(totalDays)
  4. Start the engine process under the pre-bound process id
       failure -> release the hold, cancel the request, return the engine error
  5. Read the process state back and apply it
  6. Best-effort process log entry

  The process id is bound before the engine is called, so callbacks that
  race ahead of step 4 returning already find their request.

ACTOR COMMANDS:
  Manager and HR decisions execute an engine command, then apply the state
  that command leads to through the Synchronizer. The engine's own callbacks
  for the same transition are then stale and ignored.
*/
package leave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-sync/identity"
	"github.com/warp/leave-sync/ledger"
	"github.com/warp/leave-sync/workflow"
)

// WorkflowType is the engine workflow type of leave requests.
const WorkflowType = "LeaveApproval"

// StateLeaveRequestCreated is the workflow state recorded at submission.
const StateLeaveRequestCreated = "LeaveRequestCreated"

// =============================================================================
// SERVICE
// =============================================================================

// Service handles the request lifecycle.
type Service struct {
	Store      TxStore
	Ledger     *ledger.Ledger
	Sync       *Synchronizer
	Engine     workflow.Client
	Schemes    *workflow.SchemeRegistry
	Directory  identity.Directory
	AuditLog   AuditLog // optional
	LeaveTypes []LeaveType
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

// NewService wires a service with the wall clock and random UUIDs.
func NewService(store TxStore, l *ledger.Ledger, sync *Synchronizer, engine workflow.Client,
	schemes *workflow.SchemeRegistry, dir identity.Directory, types []LeaveType, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:      store,
		Ledger:     l,
		Sync:       sync,
		Engine:     engine,
		Schemes:    schemes,
		Directory:  dir,
		AuditLog:   sync.AuditLog,
		LeaveTypes: types,
		Logger:     logger.Named("leave.service"),
		Now:        time.Now,
		NewID:      uuid.NewString,
	}
}

// SubmitRequest is an employee's leave application.
type SubmitRequest struct {
	EmployeeID    string
	LeaveTypeCode string
	StartDate     time.Time
	EndDate       time.Time
	Reason        string
	ApproverID    string // defaults to the employee's manager
}

// Decision is an approver's verdict.
type Decision struct {
	ActorID  string
	Approve  bool
	Comments string
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit validates, reserves and starts the approval process.
func (s *Service) Submit(ctx context.Context, in SubmitRequest) (*Request, error) {
	employee, err := s.Directory.User(ctx, in.EmployeeID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, validationf("unknown employee %q", in.EmployeeID)
		}
		return nil, err
	}

	lt, ok := s.leaveType(in.LeaveTypeCode)
	if !ok {
		return nil, validationf("unknown leave type %q", in.LeaveTypeCode)
	}

	start, end := dateOnly(in.StartDate), dateOnly(in.EndDate)
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return nil, validationf("start and end dates are required")
	}
	if end.Before(start) {
		return nil, validationf("end date %s is before start date %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	if start.Before(dateOnly(s.Now())) {
		return nil, validationf("start date %s is in the past", start.Format(time.DateOnly))
	}

	manager, err := s.Directory.Manager(ctx, employee.ID)
	if err != nil {
		return nil, validationf("employee %s has no manager to approve the request", employee.ID)
	}
	approverID := in.ApproverID
	if approverID == "" {
		approverID = manager.ID
	}
	if approverID != manager.ID {
		return nil, validationf("approver %s is not the manager of %s", approverID, employee.ID)
	}

	scheme, err := s.Schemes.ActiveScheme(WorkflowType)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	req := &Request{
		LeaveRequestID:       s.NewID(),
		WorkflowProcessID:    s.NewID(),
		WorkflowSchemeCode:   scheme,
		UserID:               employee.ID,
		LeaveTypeID:          lt.Code,
		StartDate:            start,
		EndDate:              end,
		TotalDays:            CalendarDays(start, end),
		Reason:               in.Reason,
		SelectedApproverID:   approverID,
		Status:               StatusCreated,
		CurrentWorkflowState: StateLeaveRequestCreated,
		SubmittedAt:          &now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err = s.Store.WithTx(ctx, func(tx Store) error {
		// Read inside the unit of work so concurrent submissions by the same
		// employee see each other.
		existing, err := tx.RequestsByUser(ctx, employee.ID)
		if err != nil {
			return fmt.Errorf("load existing requests: %w", err)
		}
		for _, r := range existing {
			if !r.Status.IsTerminal() && r.Overlaps(start, end) {
				return validationf("overlaps request %s (%s to %s)",
					r.LeaveRequestID, r.StartDate.Format(time.DateOnly), r.EndDate.Format(time.DateOnly))
			}
		}
		if err := tx.CreateRequest(ctx, req); err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		return s.Ledger.WithStore(tx).Reserve(ctx, req.BalanceKey(), req.TotalDays)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, validationf("no %s balance for %s in %d", lt.Code, employee.ID, start.Year())
		}
		return nil, err
	}

	err = s.Engine.CreateInstance(ctx, workflow.CreateInstanceRequest{
		ProcessID:  req.WorkflowProcessID,
		SchemeCode: scheme,
		IdentityID: employee.ID,
		Parameters: processParams(req, employee),
	})
	if err != nil {
		s.Logger.Error("workflow instance creation failed, releasing hold",
			zap.String("leave_request_id", req.LeaveRequestID),
			zap.Error(err))
		if abandonErr := s.Sync.Abandon(ctx, req.LeaveRequestID, err.Error()); abandonErr != nil {
			s.Logger.Error("compensation failed", zap.String("leave_request_id", req.LeaveRequestID), zap.Error(abandonErr))
		}
		var upstream *workflow.UpstreamEngineError
		if !errors.As(err, &upstream) {
			err = &workflow.UpstreamEngineError{Op: "createinstance", ProcessID: req.WorkflowProcessID, Err: err}
		}
		return nil, err
	}

	s.Logger.Info("leave request submitted",
		zap.String("leave_request_id", req.LeaveRequestID),
		zap.String("process_id", req.WorkflowProcessID),
		zap.String("employee", employee.ID),
		zap.String("days", req.TotalDays.String()))
	s.audit(ctx, AuditEntry{
		ActorID:        employee.ID,
		Action:         AuditRequestSubmitted,
		LeaveRequestID: req.LeaveRequestID,
		ProcessID:      req.WorkflowProcessID,
		Message:        fmt.Sprintf("%s days of %s from %s", req.TotalDays, lt.Code, start.Format(time.DateOnly)),
	})

	s.refreshFromEngine(ctx, req.WorkflowProcessID, employee.ID)

	if err := s.Engine.WriteLog(ctx, req.WorkflowProcessID,
		fmt.Sprintf("Leave request %s submitted by %s", req.LeaveRequestID, employee.Name)); err != nil {
		s.Logger.Warn("process log write failed", zap.String("process_id", req.WorkflowProcessID), zap.Error(err))
	}

	return s.Store.Request(ctx, req.LeaveRequestID)
}

// =============================================================================
// ACTOR COMMANDS
// =============================================================================

// ManagerAction records the selected approver's decision.
func (s *Service) ManagerAction(ctx context.Context, leaveRequestID string, d Decision) (*Request, error) {
	req, err := s.Store.Request(ctx, leaveRequestID)
	if err != nil {
		return nil, err
	}
	if d.ActorID == "" || d.ActorID != req.SelectedApproverID {
		return nil, fmt.Errorf("%w: %s is not the approver of %s", ErrForbidden, d.ActorID, leaveRequestID)
	}
	if req.Status.Rank() >= StatusHRSigning.Rank() {
		return nil, fmt.Errorf("%w: request is %s, not awaiting manager approval", ErrConflict, req.Status)
	}

	command, target, action := workflow.CommandManagerReject, StatusRejected, ActionRejected
	if d.Approve {
		command, target, action = workflow.CommandManagerApprove, StatusHRSigning, ActionApproved
	}
	return s.decide(ctx, req, d, RoleManager, command, target, action)
}

// HRAction records an HR decision on a request that passed manager approval.
func (s *Service) HRAction(ctx context.Context, leaveRequestID string, d Decision) (*Request, error) {
	req, err := s.Store.Request(ctx, leaveRequestID)
	if err != nil {
		return nil, err
	}
	actor, err := s.Directory.User(ctx, d.ActorID)
	if err != nil || !actor.HasRole(identity.RoleHR) {
		return nil, fmt.Errorf("%w: %s is not HR", ErrForbidden, d.ActorID)
	}
	if req.Status != StatusHRSigning {
		return nil, fmt.Errorf("%w: request is %s, not awaiting HR approval", ErrConflict, req.Status)
	}

	command, target, action := workflow.CommandHRReject, StatusRejected, ActionRejected
	if d.Approve {
		command, target, action = workflow.CommandHRApprove, StatusApproved, ActionApproved
	}
	return s.decide(ctx, req, d, RoleHR, command, target, action)
}

func (s *Service) decide(ctx context.Context, req *Request, d Decision, role Role,
	command string, target Status, action ApprovalAction) (*Request, error) {
	err := s.Engine.ExecuteCommand(ctx, workflow.ExecuteCommandRequest{
		ProcessID:  req.WorkflowProcessID,
		Command:    command,
		IdentityID: d.ActorID,
		Parameters: map[string]any{workflow.ParamComments: d.Comments},
	})
	if err != nil {
		return nil, err
	}

	out, err := s.Sync.ApplyState(ctx, StateUpdate{
		ProcessID: req.WorkflowProcessID,
		State:     string(target),
		ActorID:   d.ActorID,
		Approval: &Approval{
			ApproverID: d.ActorID,
			Role:       role,
			Action:     action,
			Comments:   d.Comments,
		},
	})
	if err != nil {
		return nil, err
	}
	return out.Request, nil
}

// Cancel withdraws a request on behalf of its owner.
func (s *Service) Cancel(ctx context.Context, leaveRequestID, employeeID string) (*Request, error) {
	req, err := s.Store.Request(ctx, leaveRequestID)
	if err != nil {
		return nil, err
	}
	if req.UserID != employeeID {
		return nil, fmt.Errorf("%w: only the requester can cancel %s", ErrForbidden, leaveRequestID)
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: request is already %s", ErrConflict, req.Status)
	}

	err = s.Engine.ExecuteCommand(ctx, workflow.ExecuteCommandRequest{
		ProcessID:  req.WorkflowProcessID,
		Command:    workflow.CommandCancel,
		IdentityID: employeeID,
	})
	if err != nil {
		return nil, err
	}

	out, err := s.Sync.ApplyState(ctx, StateUpdate{
		ProcessID: req.WorkflowProcessID,
		State:     string(StatusCancelled),
		ActorID:   employeeID,
	})
	if err != nil {
		return nil, err
	}
	return out.Request, nil
}

// ExecuteCommand fires an arbitrary engine command and applies whatever
// state the engine reports afterwards.
func (s *Service) ExecuteCommand(ctx context.Context, leaveRequestID, actorID, command string, params map[string]any) (*Request, error) {
	if command == "" {
		return nil, validationf("command is required")
	}
	req, err := s.Store.Request(ctx, leaveRequestID)
	if err != nil {
		return nil, err
	}
	err = s.Engine.ExecuteCommand(ctx, workflow.ExecuteCommandRequest{
		ProcessID:  req.WorkflowProcessID,
		Command:    command,
		IdentityID: actorID,
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}
	s.refreshFromEngine(ctx, req.WorkflowProcessID, actorID)
	return s.Store.Request(ctx, leaveRequestID)
}

// AvailableCommands lists what actorID may do next on a request.
func (s *Service) AvailableCommands(ctx context.Context, leaveRequestID, actorID string) ([]workflow.Command, error) {
	req, err := s.Store.Request(ctx, leaveRequestID)
	if err != nil {
		return nil, err
	}
	return s.Engine.GetAvailableCommands(ctx, req.WorkflowProcessID, actorID)
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, leaveRequestID string) (*Request, error) {
	return s.Store.Request(ctx, leaveRequestID)
}

func (s *Service) Approvals(ctx context.Context, leaveRequestID string) ([]Approval, error) {
	if _, err := s.Store.Request(ctx, leaveRequestID); err != nil {
		return nil, err
	}
	return s.Store.Approvals(ctx, leaveRequestID)
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]*Request, error) {
	return s.Store.RequestsByUser(ctx, userID)
}

// PendingApprovals returns the requests waiting on approverID. HR sees every
// open request; a manager sees the open requests addressed to them that
// still need the manager's decision.
func (s *Service) PendingApprovals(ctx context.Context, approverID string) ([]*Request, error) {
	approver, err := s.Directory.User(ctx, approverID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, err)
		}
		return nil, err
	}
	open, err := s.Store.OpenRequests(ctx)
	if err != nil {
		return nil, err
	}
	if approver.HasRole(identity.RoleHR) {
		return open, nil
	}

	var out []*Request
	for _, r := range open {
		if r.SelectedApproverID == approverID && r.Status.Rank() < StatusHRSigning.Rank() {
			out = append(out, r)
		}
	}
	return out, nil
}

// InitializeBalances opens accounts for every active user and configured
// leave type in year.
func (s *Service) InitializeBalances(ctx context.Context, year int) (int, error) {
	users, err := s.Directory.ActiveUsers(ctx)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return s.Ledger.InitializeYear(ctx, year, ids, Allowances(s.LeaveTypes))
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) refreshFromEngine(ctx context.Context, processID, actorID string) {
	info, err := s.Engine.GetInstanceInfo(ctx, processID)
	if err != nil {
		s.Logger.Warn("could not read back process state", zap.String("process_id", processID), zap.Error(err))
		return
	}
	if info.StateName == "" {
		return
	}
	if _, err := s.Sync.ApplyState(ctx, StateUpdate{ProcessID: processID, State: info.StateName, ActorID: actorID}); err != nil {
		s.Logger.Warn("could not apply process state", zap.String("process_id", processID), zap.Error(err))
	}
}

func (s *Service) leaveType(code string) (LeaveType, bool) {
	for _, t := range s.LeaveTypes {
		if t.Code == code {
			return t, true
		}
	}
	return LeaveType{}, false
}

func (s *Service) audit(ctx context.Context, e AuditEntry) {
	if s.AuditLog == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.Now()
	}
	if err := s.AuditLog.Append(ctx, e); err != nil {
		s.Logger.Warn("audit append failed", zap.Error(err))
	}
}

func processParams(r *Request, employee identity.User) map[string]any {
	return map[string]any{
		workflow.ParamLeaveRequestID: r.LeaveRequestID,
		workflow.ParamEmployeeID:     r.UserID,
		workflow.ParamEmployeeName:   employee.Name,
		workflow.ParamLeaveTypeCode:  r.LeaveTypeID,
		workflow.ParamTotalDays:      json.Number(r.TotalDays.String()),
		workflow.ParamStartDate:      r.StartDate.Format(time.DateOnly),
		workflow.ParamEndDate:        r.EndDate.Format(time.DateOnly),
		workflow.ParamYear:           r.StartDate.Year(),
		workflow.ParamStatus:         string(r.Status),
		workflow.ParamComments:       r.Reason,
	}
}

// CalendarDays counts the days of the inclusive range [start, end].
func CalendarDays(start, end time.Time) decimal.Decimal {
	n := int64(dateOnly(end).Sub(dateOnly(start)).Hours()/24) + 1
	return decimal.NewFromInt(n)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
