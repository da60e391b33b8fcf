package leave

import (
	"context"

	"github.com/warp/leave-sync/ledger"
)

// Store persists leave requests, approvals and the balance accounts they
// draw from.
type Store interface {
	ledger.Store

	// CreateRequest inserts a request and assigns its ID.
	CreateRequest(ctx context.Context, r *Request) error

	// Request returns the request with the given business key, or ErrNotFound.
	// Inside a transaction the request row stays locked until commit.
	Request(ctx context.Context, leaveRequestID string) (*Request, error)

	// RequestByProcessID returns the request bound to a process, or ErrNotFound.
	// Locks like Request.
	RequestByProcessID(ctx context.Context, processID string) (*Request, error)

	// UpdateRequest persists every mutable field of r.
	UpdateRequest(ctx context.Context, r *Request) error

	// RequestsByUser returns a user's requests, newest first. Inside a
	// transaction it also serializes with other transactions reading the
	// same user's requests until commit.
	RequestsByUser(ctx context.Context, userID string) ([]*Request, error)

	// OpenRequests returns every non-terminal request, oldest first.
	OpenRequests(ctx context.Context) ([]*Request, error)

	// AppendApproval records a decision.
	AppendApproval(ctx context.Context, a Approval) error

	// Approvals returns the decisions on a request in order.
	Approvals(ctx context.Context, leaveRequestID string) ([]Approval, error)
}

// TxStore runs units of work. Inside fn, locks are taken user first,
// request second, account last; fn's writes commit together or not at all.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
