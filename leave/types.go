/*
Package leave keeps local leave requests in step with the workflow engine.

PURPOSE:
  A leave request lives in two places: the engine owns the approval process,
  this package owns the request record and, through the ledger, the days it
  holds. Callbacks from the engine are folded into the local record here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Request: The local leave request record
  - Status: Local status, ranked for monotonic application
  - SyncRecord: Last applied engine state plus the settlement marker
  - Approval: Append-only record of a manager or HR decision
  - LeaveType: Configured leave type with its yearly allowance

STATUS LIFECYCLE:

    Created -> ManagerSigning -> HRSigning -> Approved
                                           -> Rejected
    any non-terminal state                 -> Cancelled

  Transitions only move forward. Once terminal, a request never changes
  status again, whatever the engine redelivers.

SETTLEMENT:
  The hold placed at submission is settled exactly once. SyncRecord.Settlement
  records which settlement happened, so the status path and the action path
  can both observe a reject or cancel without releasing twice.

SEE ALSO:
  - state.go: External state vocabulary
  - sync.go: Applying engine state to requests
  - service.go: Submission and actor commands
*/
package leave

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-sync/ledger"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the local status of a leave request.
type Status string

const (
	StatusCreated        Status = "Created"
	StatusManagerSigning Status = "ManagerSigning"
	StatusHRSigning      Status = "HRSigning"
	StatusApproved       Status = "Approved"
	StatusRejected       Status = "Rejected"
	StatusCancelled      Status = "Cancelled"
)

// Rank orders statuses along the lifecycle. All terminal statuses share the
// top rank so none of them can replace another.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusManagerSigning:
		return 1
	case StatusHRSigning:
		return 2
	case StatusApproved, StatusRejected, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// =============================================================================
// SETTLEMENT / SYNC RECORD
// =============================================================================

// Settlement records how the hold of a request was settled.
type Settlement string

const (
	SettlementNone      Settlement = ""
	SettlementConfirmed Settlement = "confirmed"
	SettlementReleased  Settlement = "released"
)

// SyncRecord tracks what was last applied from the engine.
type SyncRecord struct {
	LastAppliedState string
	LastAppliedAt    *time.Time
	Settlement       Settlement
}

// =============================================================================
// REQUEST
// =============================================================================

// Request is a local leave request.
type Request struct {
	ID                   int64
	LeaveRequestID       string
	WorkflowProcessID    string
	WorkflowSchemeCode   string
	UserID               string
	LeaveTypeID          string
	StartDate            time.Time
	EndDate              time.Time
	TotalDays            decimal.Decimal
	Reason               string
	SelectedApproverID   string
	Status               Status
	CurrentWorkflowState string
	Sync                 SyncRecord

	SubmittedAt *time.Time
	ApprovedAt  *time.Time
	RejectedAt  *time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BalanceKey is the account the request draws from: the year of its start date.
func (r *Request) BalanceKey() ledger.Key {
	return ledger.Key{
		UserID:      r.UserID,
		LeaveTypeID: r.LeaveTypeID,
		Year:        r.StartDate.Year(),
	}
}

// Overlaps reports whether the inclusive date ranges of r and [start, end] intersect.
func (r *Request) Overlaps(start, end time.Time) bool {
	return !r.StartDate.After(end) && !start.After(r.EndDate)
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Sync.LastAppliedAt = cloneTime(r.Sync.LastAppliedAt)
	cp.SubmittedAt = cloneTime(r.SubmittedAt)
	cp.ApprovedAt = cloneTime(r.ApprovedAt)
	cp.RejectedAt = cloneTime(r.RejectedAt)
	cp.CancelledAt = cloneTime(r.CancelledAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// =============================================================================
// APPROVAL
// =============================================================================

// Role of an approver.
type Role string

const (
	RoleManager Role = "Manager"
	RoleHR      Role = "HR"
)

// ApprovalAction is the decision taken by an approver.
type ApprovalAction string

const (
	ActionApproved ApprovalAction = "Approved"
	ActionRejected ApprovalAction = "Rejected"
)

// Approval is an append-only decision record.
type Approval struct {
	ID             int64
	LeaveRequestID string
	ApproverID     string
	Role           Role
	Action         ApprovalAction
	Comments       string
	At             time.Time
}

// =============================================================================
// LEAVE TYPE
// =============================================================================

// LeaveType is a configured kind of leave. Its code doubles as the
// LeaveTypeID of balance accounts.
type LeaveType struct {
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	DefaultDays decimal.Decimal `json:"defaultDays"`
	Color       string          `json:"color,omitempty"`
}

// Allowances converts leave types to ledger allowances.
func Allowances(types []LeaveType) []ledger.Allowance {
	out := make([]ledger.Allowance, 0, len(types))
	for _, t := range types {
		out = append(out, ledger.Allowance{LeaveTypeID: t.Code, Days: t.DefaultDays})
	}
	return out
}
