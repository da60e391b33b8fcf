/*
sync.go - Mirroring engine state onto local requests

PURPOSE:
  The engine reports progress through callbacks that may arrive more than
  once, out of order, or before the submitting call has returned. The
  Synchronizer turns each report into at most one forward transition of the
  local request, together with the ledger settlement that transition owes.

APPLICATION RULE (ApplyState):
  1. Resolve the request by process id, then by LeaveRequestId parameter
  2. Map the engine state name to a local status (unmapped: no-op)
  3. Apply only if the status moves forward and the current one is not terminal
  4. Entering Approved confirms the hold, Rejected/Cancelled releases it,
     unless the request was already settled
  5. Status, timestamps, sync record and ledger change commit together

LOCK ORDER:
  Every unit of work reads the request row before it touches the account,
  so two callbacks for the same request serialize on the request and
  callbacks for different requests only meet on the account.
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-sync/ledger"
)

// StateSubmissionFailed is recorded as workflow state of requests whose
// engine process could not be created.
const StateSubmissionFailed = "SubmissionFailed"

// =============================================================================
// SYNCHRONIZER
// =============================================================================

// Synchronizer applies engine state to local requests.
type Synchronizer struct {
	Store    TxStore
	Ledger   *ledger.Ledger
	AuditLog AuditLog // optional
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewSynchronizer wires a synchronizer with the wall clock.
func NewSynchronizer(store TxStore, l *ledger.Ledger, audit AuditLog, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		Store:    store,
		Ledger:   l,
		AuditLog: audit,
		Logger:   logger.Named("leave.sync"),
		Now:      time.Now,
	}
}

// StateUpdate is one engine state report.
type StateUpdate struct {
	ProcessID      string
	LeaveRequestID string // fallback when the process id is not bound locally
	State          string
	ActorID        string
	Approval       *Approval // appended in the same unit of work, if set
}

// Outcome describes what ApplyState did.
type Outcome struct {
	Request  *Request
	Previous Status
	Applied  bool
	Settled  Settlement // settlement performed by this call
}

// ApplyState applies an engine state to the request it belongs to.
func (s *Synchronizer) ApplyState(ctx context.Context, upd StateUpdate) (Outcome, error) {
	target, mapped := StatusForState(upd.State)

	var out Outcome
	err := s.Store.WithTx(ctx, func(tx Store) error {
		req, err := resolve(ctx, tx, upd.ProcessID, upd.LeaveRequestID)
		if err != nil {
			return err
		}
		out.Request = req
		out.Previous = req.Status
		now := s.Now()

		if upd.Approval != nil {
			a := *upd.Approval
			a.LeaveRequestID = req.LeaveRequestID
			if a.At.IsZero() {
				a.At = now
			}
			if err := tx.AppendApproval(ctx, a); err != nil {
				return fmt.Errorf("append approval: %w", err)
			}
		}

		if !mapped {
			s.Logger.Info("unmapped workflow state ignored",
				zap.String("process_id", upd.ProcessID),
				zap.String("state", upd.State))
			return nil
		}
		if !CanTransition(req.Status, target) {
			s.Logger.Debug("stale or duplicate state ignored",
				zap.String("leave_request_id", req.LeaveRequestID),
				zap.String("current", string(req.Status)),
				zap.String("reported", upd.State))
			return nil
		}

		req.Status = target
		req.CurrentWorkflowState = upd.State
		req.Sync.LastAppliedState = upd.State
		req.Sync.LastAppliedAt = &now
		req.UpdatedAt = now
		switch target {
		case StatusApproved:
			req.ApprovedAt = &now
		case StatusRejected:
			req.RejectedAt = &now
		case StatusCancelled:
			req.CancelledAt = &now
		}

		settled, err := s.settle(ctx, tx, req, target)
		if err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		out.Applied = true
		out.Settled = settled
		return nil
	})
	if err != nil {
		s.logUnknown(err, upd.ProcessID, upd.LeaveRequestID)
		return Outcome{}, err
	}

	if out.Applied {
		s.Logger.Info("workflow state applied",
			zap.String("leave_request_id", out.Request.LeaveRequestID),
			zap.String("from", string(out.Previous)),
			zap.String("to", string(out.Request.Status)),
			zap.String("settlement", string(out.Settled)))
		s.audit(ctx, AuditEntry{
			ActorID:        upd.ActorID,
			Action:         auditActionFor(out.Request.Status),
			LeaveRequestID: out.Request.LeaveRequestID,
			ProcessID:      out.Request.WorkflowProcessID,
			Message:        fmt.Sprintf("%s -> %s (%s)", out.Previous, out.Request.Status, upd.State),
		})
	}
	return out, nil
}

// settle applies the ledger effect of entering target, once per request.
func (s *Synchronizer) settle(ctx context.Context, tx Store, req *Request, target Status) (Settlement, error) {
	var want Settlement
	switch target {
	case StatusApproved:
		want = SettlementConfirmed
	case StatusRejected, StatusCancelled:
		want = SettlementReleased
	default:
		return SettlementNone, nil
	}

	if req.Sync.Settlement != SettlementNone {
		if req.Sync.Settlement != want {
			s.Logger.Warn("request already settled differently",
				zap.String("leave_request_id", req.LeaveRequestID),
				zap.String("settlement", string(req.Sync.Settlement)),
				zap.String("status", string(target)))
		}
		return SettlementNone, nil
	}

	if req.TotalDays.IsPositive() {
		l := s.Ledger.WithStore(tx)
		var err error
		if want == SettlementConfirmed {
			err = l.Confirm(ctx, req.BalanceKey(), req.TotalDays)
		} else {
			err = l.Release(ctx, req.BalanceKey(), req.TotalDays)
		}
		if err != nil {
			return SettlementNone, err
		}
	}
	req.Sync.Settlement = want
	return want, nil
}

// =============================================================================
// ACTIVITY / ACTION PATHS
// =============================================================================

// RecordActivity stores the engine's current activity name. It never
// changes status or balances.
func (s *Synchronizer) RecordActivity(ctx context.Context, processID, leaveRequestID, activity string) (*Request, error) {
	var out *Request
	err := s.Store.WithTx(ctx, func(tx Store) error {
		req, err := resolve(ctx, tx, processID, leaveRequestID)
		if err != nil {
			return err
		}
		out = req
		if activity == "" || activity == req.CurrentWorkflowState {
			return nil
		}
		req.CurrentWorkflowState = activity
		req.UpdatedAt = s.Now()
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		s.logUnknown(err, processID, leaveRequestID)
		return nil, err
	}
	return out, nil
}

// SettleForAction releases the hold of a request in response to a reject
// or cancel action. It is a no-op for requests that are already settled.
// Returns an *UnknownProcessError when no request can be resolved.
func (s *Synchronizer) SettleForAction(ctx context.Context, processID, leaveRequestID string) (Settlement, error) {
	var settled Settlement
	err := s.Store.WithTx(ctx, func(tx Store) error {
		req, err := resolve(ctx, tx, processID, leaveRequestID)
		if err != nil {
			return err
		}
		if req.Sync.Settlement != SettlementNone {
			return nil
		}
		if req.TotalDays.IsPositive() {
			if err := s.Ledger.WithStore(tx).Release(ctx, req.BalanceKey(), req.TotalDays); err != nil {
				return err
			}
		}
		req.Sync.Settlement = SettlementReleased
		req.UpdatedAt = s.Now()
		settled = SettlementReleased
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		return SettlementNone, err
	}
	if settled != SettlementNone {
		s.Logger.Info("hold released by action",
			zap.String("process_id", processID),
			zap.String("leave_request_id", leaveRequestID))
	}
	return settled, nil
}

// Abandon cancels a request whose engine process never came to life and
// releases its hold.
func (s *Synchronizer) Abandon(ctx context.Context, leaveRequestID, reason string) error {
	err := s.Store.WithTx(ctx, func(tx Store) error {
		req, err := tx.Request(ctx, leaveRequestID)
		if err != nil {
			return err
		}
		now := s.Now()
		if req.Sync.Settlement == SettlementNone && req.TotalDays.IsPositive() {
			if err := s.Ledger.WithStore(tx).Release(ctx, req.BalanceKey(), req.TotalDays); err != nil {
				return err
			}
			req.Sync.Settlement = SettlementReleased
		}
		if !req.Status.IsTerminal() {
			req.Status = StatusCancelled
			req.CancelledAt = &now
		}
		req.CurrentWorkflowState = StateSubmissionFailed
		req.UpdatedAt = now
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("abandon %s: %w", leaveRequestID, err)
	}
	s.audit(ctx, AuditEntry{
		Action:         AuditSubmissionFailed,
		LeaveRequestID: leaveRequestID,
		Message:        reason,
	})
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func resolve(ctx context.Context, tx Store, processID, leaveRequestID string) (*Request, error) {
	if processID != "" {
		req, err := tx.RequestByProcessID(ctx, processID)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if leaveRequestID != "" {
		req, err := tx.Request(ctx, leaveRequestID)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, &UnknownProcessError{ProcessID: processID, LeaveRequestID: leaveRequestID}
}

func (s *Synchronizer) logUnknown(err error, processID, leaveRequestID string) {
	if errors.Is(err, ErrUnknownProcess) {
		s.Logger.Warn("callback for unknown process",
			zap.String("process_id", processID),
			zap.String("leave_request_id", leaveRequestID))
	}
}

func (s *Synchronizer) audit(ctx context.Context, e AuditEntry) {
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

func auditActionFor(st Status) AuditAction {
	switch st {
	case StatusApproved:
		return AuditRequestApproved
	case StatusRejected:
		return AuditRequestRejected
	case StatusCancelled:
		return AuditRequestCanceled
	default:
		return AuditStateApplied
	}
}
