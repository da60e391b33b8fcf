package memory

import (
	"context"
	"fmt"

	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/ledger"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a buffered view. Keyed locks taken by the view are
// held until fn returns and its writes are applied.
func (m *Memory) WithTx(ctx context.Context, fn func(leave.Store) error) error {
	tx := &txView{
		m:        m,
		held:     make(map[string]func()),
		accounts: make(map[ledger.Key]ledger.Account),
		requests: make(map[string]*leave.Request),
	}
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// txView buffers the writes of one transaction.
type txView struct {
	m     *Memory
	held  map[string]func()
	order []string

	accounts  map[ledger.Key]ledger.Account
	created   []ledger.Key
	requests  map[string]*leave.Request
	approvals []leave.Approval
}

var _ leave.Store = (*txView)(nil)

func (tx *txView) lock(key string) {
	if _, ok := tx.held[key]; ok {
		return
	}
	tx.held[key] = tx.m.locks.lock(key)
	tx.order = append(tx.order, key)
}

func (tx *txView) releaseLocks() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.held[tx.order[i]]()
	}
	tx.held = nil
	tx.order = nil
}

func (tx *txView) commit() error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range tx.created {
		if _, exists := m.accounts[k]; exists {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, k)
		}
	}
	for k, a := range tx.accounts {
		m.accounts[k] = a
	}
	for _, r := range tx.requests {
		m.putRequestLocked(r)
	}
	for _, a := range tx.approvals {
		m.appendApprovalLocked(a)
	}
	return nil
}

// --- balance accounts ---

func (tx *txView) Account(ctx context.Context, key ledger.Key) (ledger.Account, error) {
	if a, ok := tx.accounts[key]; ok {
		return a, nil
	}
	return tx.m.Account(ctx, key)
}

func (tx *txView) Accounts(ctx context.Context, userID string, year int) ([]ledger.Account, error) {
	base, err := tx.m.Accounts(ctx, userID, year)
	if err != nil {
		return nil, err
	}
	merged := make(map[ledger.Key]ledger.Account, len(base))
	for _, a := range base {
		merged[a.Key] = a
	}
	for k, a := range tx.accounts {
		if k.UserID == userID && k.Year == year {
			merged[k] = a
		}
	}
	out := make([]ledger.Account, 0, len(merged))
	for _, a := range merged {
		out = append(out, a)
	}
	sortAccounts(out)
	return out, nil
}

func (tx *txView) CreateAccount(ctx context.Context, a ledger.Account) error {
	tx.lock(accountLock(a.Key))
	if _, err := tx.Account(ctx, a.Key); err == nil {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.Key)
	}
	tx.accounts[a.Key] = a
	tx.created = append(tx.created, a.Key)
	return nil
}

func (tx *txView) UpdateAccount(ctx context.Context, key ledger.Key, fn func(*ledger.Account) error) error {
	tx.lock(accountLock(key))
	a, err := tx.Account(ctx, key)
	if err != nil {
		return err
	}
	if err := fn(&a); err != nil {
		return err
	}
	tx.accounts[key] = a
	return nil
}

// --- leave requests ---

func (tx *txView) CreateRequest(_ context.Context, r *leave.Request) error {
	m := tx.m
	m.mu.Lock()
	if err := m.checkUniqueLocked(r); err != nil {
		m.mu.Unlock()
		return err
	}
	m.nextRequestID++
	r.ID = m.nextRequestID
	m.mu.Unlock()

	if _, dup := tx.requests[r.LeaveRequestID]; dup {
		return fmt.Errorf("leave request %s already exists", r.LeaveRequestID)
	}
	tx.lock(requestLock(r.LeaveRequestID))
	tx.requests[r.LeaveRequestID] = r.Clone()
	return nil
}

func (tx *txView) Request(ctx context.Context, leaveRequestID string) (*leave.Request, error) {
	tx.lock(requestLock(leaveRequestID))
	if r, ok := tx.requests[leaveRequestID]; ok {
		return r.Clone(), nil
	}
	return tx.m.Request(ctx, leaveRequestID)
}

func (tx *txView) RequestByProcessID(ctx context.Context, processID string) (*leave.Request, error) {
	for _, r := range tx.requests {
		if r.WorkflowProcessID == processID {
			return r.Clone(), nil
		}
	}
	tx.m.mu.RLock()
	id, ok := tx.m.byProcess[processID]
	tx.m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: process %s", leave.ErrNotFound, processID)
	}
	return tx.Request(ctx, id)
}

func (tx *txView) UpdateRequest(ctx context.Context, r *leave.Request) error {
	if _, err := tx.Request(ctx, r.LeaveRequestID); err != nil {
		return err
	}
	tx.requests[r.LeaveRequestID] = r.Clone()
	return nil
}

func (tx *txView) RequestsByUser(ctx context.Context, userID string) ([]*leave.Request, error) {
	tx.lock(userLock(userID))
	return tx.merged(func(r *leave.Request) bool { return r.UserID == userID }, true), nil
}

func (tx *txView) OpenRequests(ctx context.Context) ([]*leave.Request, error) {
	return tx.merged(func(r *leave.Request) bool { return !r.Status.IsTerminal() }, false), nil
}

func (tx *txView) merged(keep func(*leave.Request) bool, newestFirst bool) []*leave.Request {
	tx.m.mu.RLock()
	all := make(map[string]*leave.Request, len(tx.m.requests)+len(tx.requests))
	for id, r := range tx.m.requests {
		all[id] = r
	}
	tx.m.mu.RUnlock()
	for id, r := range tx.requests {
		all[id] = r
	}
	return filterRequests(all, keep, newestFirst)
}

// --- approvals ---

func (tx *txView) AppendApproval(_ context.Context, a leave.Approval) error {
	tx.approvals = append(tx.approvals, a)
	return nil
}

func (tx *txView) Approvals(ctx context.Context, leaveRequestID string) ([]leave.Approval, error) {
	out, err := tx.m.Approvals(ctx, leaveRequestID)
	if err != nil {
		return nil, err
	}
	for _, a := range tx.approvals {
		if a.LeaveRequestID == leaveRequestID {
			out = append(out, a)
		}
	}
	return out, nil
}
