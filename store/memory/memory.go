/*
Package memory provides an in-memory implementation of every store contract
(ledger.Store, leave.TxStore, leave.AuditLog), for tests and development.

LOCKING:
  - mu guards the maps themselves and is only held for map access
  - keyed locks serialize writers per user, per request and per balance
    account, always taken in that order
  - a transaction keeps its keyed locks until commit or rollback

TRANSACTIONS:
  Writes inside WithTx are buffered in a view and applied to the maps in one
  step on commit. A failed fn discards the buffer, so nothing it wrote is
  ever visible.
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	accounts  map[ledger.Key]ledger.Account
	requests  map[string]*leave.Request // by LeaveRequestID
	byProcess map[string]string         // WorkflowProcessID -> LeaveRequestID
	approvals map[string][]leave.Approval
	audit     []leave.AuditEntry

	nextRequestID  int64
	nextApprovalID int64

	locks keyedLocks
}

var (
	_ ledger.Store   = (*Memory)(nil)
	_ leave.TxStore  = (*Memory)(nil)
	_ leave.AuditLog = (*Memory)(nil)
)

func New() *Memory {
	return &Memory{
		accounts:  make(map[ledger.Key]ledger.Account),
		requests:  make(map[string]*leave.Request),
		byProcess: make(map[string]string),
		approvals: make(map[string][]leave.Approval),
	}
}

func accountLock(k ledger.Key) string { return "account:" + k.String() }
func requestLock(id string) string    { return "request:" + id }
func userLock(id string) string       { return "user:" + id }

// =============================================================================
// BALANCE ACCOUNTS
// =============================================================================

func (m *Memory) Account(_ context.Context, key ledger.Key) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[key]
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, key)
	}
	return a, nil
}

func (m *Memory) Accounts(_ context.Context, userID string, year int) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Account
	for k, a := range m.accounts {
		if k.UserID == userID && k.Year == year {
			out = append(out, a)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.Key]; exists {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.Key)
	}
	m.accounts[a.Key] = a
	return nil
}

// UpdateAccount serializes on the account key only.
func (m *Memory) UpdateAccount(ctx context.Context, key ledger.Key, fn func(*ledger.Account) error) error {
	unlock := m.locks.lock(accountLock(key))
	defer unlock()

	a, err := m.Account(ctx, key)
	if err != nil {
		return err
	}
	if err := fn(&a); err != nil {
		return err
	}

	m.mu.Lock()
	m.accounts[key] = a
	m.mu.Unlock()
	return nil
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

func (m *Memory) CreateRequest(_ context.Context, r *leave.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUniqueLocked(r); err != nil {
		return err
	}
	m.nextRequestID++
	r.ID = m.nextRequestID
	m.putRequestLocked(r)
	return nil
}

func (m *Memory) checkUniqueLocked(r *leave.Request) error {
	if _, dup := m.requests[r.LeaveRequestID]; dup {
		return fmt.Errorf("leave request %s already exists", r.LeaveRequestID)
	}
	if r.WorkflowProcessID != "" {
		if _, dup := m.byProcess[r.WorkflowProcessID]; dup {
			return fmt.Errorf("process %s already bound", r.WorkflowProcessID)
		}
	}
	return nil
}

func (m *Memory) putRequestLocked(r *leave.Request) {
	m.requests[r.LeaveRequestID] = r.Clone()
	if r.WorkflowProcessID != "" {
		m.byProcess[r.WorkflowProcessID] = r.LeaveRequestID
	}
}

func (m *Memory) Request(_ context.Context, leaveRequestID string) (*leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[leaveRequestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", leave.ErrNotFound, leaveRequestID)
	}
	return r.Clone(), nil
}

func (m *Memory) RequestByProcessID(ctx context.Context, processID string) (*leave.Request, error) {
	m.mu.RLock()
	id, ok := m.byProcess[processID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: process %s", leave.ErrNotFound, processID)
	}
	return m.Request(ctx, id)
}

func (m *Memory) UpdateRequest(_ context.Context, r *leave.Request) error {
	unlock := m.locks.lock(requestLock(r.LeaveRequestID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.LeaveRequestID]; !ok {
		return fmt.Errorf("%w: %s", leave.ErrNotFound, r.LeaveRequestID)
	}
	m.putRequestLocked(r)
	return nil
}

func (m *Memory) RequestsByUser(_ context.Context, userID string) ([]*leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRequests(m.requests, func(r *leave.Request) bool { return r.UserID == userID }, true), nil
}

func (m *Memory) OpenRequests(_ context.Context) ([]*leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRequests(m.requests, func(r *leave.Request) bool { return !r.Status.IsTerminal() }, false), nil
}

// =============================================================================
// APPROVALS
// =============================================================================

func (m *Memory) AppendApproval(_ context.Context, a leave.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendApprovalLocked(a)
	return nil
}

func (m *Memory) appendApprovalLocked(a leave.Approval) {
	m.nextApprovalID++
	a.ID = m.nextApprovalID
	m.approvals[a.LeaveRequestID] = append(m.approvals[a.LeaveRequestID], a)
}

func (m *Memory) Approvals(_ context.Context, leaveRequestID string) ([]leave.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]leave.Approval(nil), m.approvals[leaveRequestID]...), nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, entries ...leave.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		e.ID = int64(len(m.audit) + 1)
		m.audit = append(m.audit, e)
	}
	return nil
}

func (m *Memory) Query(_ context.Context, filter leave.AuditFilter) ([]leave.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.AuditEntry
	for _, e := range m.audit {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func sortAccounts(accounts []ledger.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].LeaveTypeID < accounts[j].LeaveTypeID
	})
}

func filterRequests(src map[string]*leave.Request, keep func(*leave.Request) bool, newestFirst bool) []*leave.Request {
	var out []*leave.Request
	for _, r := range src {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	return out
}
