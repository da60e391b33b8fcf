package leave

import (
	"context"
	"time"
)

// AuditEntry records who did what to which request or process.
type AuditEntry struct {
	ID             int64
	At             time.Time
	ActorID        string // empty for engine-originated entries
	Action         AuditAction
	LeaveRequestID string
	ProcessID      string
	Message        string
}

type AuditAction string

const (
	AuditRequestSubmitted AuditAction = "request_submitted"
	AuditSubmissionFailed AuditAction = "submission_failed"
	AuditRequestApproved  AuditAction = "request_approved"
	AuditRequestRejected  AuditAction = "request_rejected"
	AuditRequestCanceled  AuditAction = "request_canceled"
	AuditStateApplied     AuditAction = "state_applied"
	AuditProcessLog       AuditAction = "process_log"
)

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	Append(ctx context.Context, entries ...AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// AuditFilter selects audit entries. Empty fields match everything.
type AuditFilter struct {
	LeaveRequestID string
	ProcessID      string
	Actions        []AuditAction
	Limit          int
}

// Matches reports whether e passes the filter, ignoring Limit.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.LeaveRequestID != "" && e.LeaveRequestID != f.LeaveRequestID {
		return false
	}
	if f.ProcessID != "" && e.ProcessID != f.ProcessID {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == e.Action {
			return true
		}
	}
	return false
}
