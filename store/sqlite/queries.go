package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/ledger"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// queries holds every statement; Store runs them on the pool, txStore on
// the transaction.
type queries struct {
	q querier
}

// =============================================================================
// BALANCE ACCOUNTS (ledger.Store interface)
// =============================================================================

const accountColumns = `user_id, leave_type_id, year, total_days, used_days, pending_days,
	carry_forward_days, created_at, updated_at`

func (qs queries) Account(ctx context.Context, key ledger.Key) (ledger.Account, error) {
	row := qs.q.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM balances
		WHERE user_id = ? AND leave_type_id = ? AND year = ?
	`, key.UserID, key.LeaveTypeID, key.Year)

	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, key)
	}
	return a, err
}

func (qs queries) Accounts(ctx context.Context, userID string, year int) ([]ledger.Account, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM balances
		WHERE user_id = ? AND year = ?
		ORDER BY leave_type_id
	`, userID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (qs queries) CreateAccount(ctx context.Context, a ledger.Account) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO balances (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.UserID, a.LeaveTypeID, a.Year,
		a.TotalDays.String(), a.UsedDays.String(), a.PendingDays.String(),
		a.CarryForwardDays.String(), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.Key)
	}
	return err
}

// updateAccount is the read-modify-write body. Callers must already run
// inside an immediate transaction.
func (qs queries) updateAccount(ctx context.Context, key ledger.Key, fn func(*ledger.Account) error) error {
	a, err := qs.Account(ctx, key)
	if err != nil {
		return err
	}
	if err := fn(&a); err != nil {
		return err
	}
	_, err = qs.q.ExecContext(ctx, `
		UPDATE balances
		SET total_days = ?, used_days = ?, pending_days = ?, carry_forward_days = ?, updated_at = ?
		WHERE user_id = ? AND leave_type_id = ? AND year = ?
	`, a.TotalDays.String(), a.UsedDays.String(), a.PendingDays.String(),
		a.CarryForwardDays.String(), formatTime(a.UpdatedAt),
		key.UserID, key.LeaveTypeID, key.Year)
	return err
}

func scanAccount(s scanner) (ledger.Account, error) {
	var (
		a                           ledger.Account
		total, used, pending, carry string
		createdAt, updatedAt        string
	)
	if err := s.Scan(&a.UserID, &a.LeaveTypeID, &a.Year, &total, &used, &pending,
		&carry, &createdAt, &updatedAt); err != nil {
		return ledger.Account{}, err
	}

	var err error
	if a.TotalDays, err = decimal.NewFromString(total); err != nil {
		return ledger.Account{}, fmt.Errorf("balance %s total_days: %w", a.Key, err)
	}
	if a.UsedDays, err = decimal.NewFromString(used); err != nil {
		return ledger.Account{}, fmt.Errorf("balance %s used_days: %w", a.Key, err)
	}
	if a.PendingDays, err = decimal.NewFromString(pending); err != nil {
		return ledger.Account{}, fmt.Errorf("balance %s pending_days: %w", a.Key, err)
	}
	if a.CarryForwardDays, err = decimal.NewFromString(carry); err != nil {
		return ledger.Account{}, fmt.Errorf("balance %s carry_forward_days: %w", a.Key, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Account{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Account{}, err
	}
	return a, nil
}

// =============================================================================
// LEAVE REQUESTS (leave.Store interface)
// =============================================================================

const requestColumns = `id, leave_request_id, workflow_process_id, workflow_scheme_code,
	user_id, leave_type_id, start_date, end_date, total_days, reason, selected_approver_id,
	status, current_workflow_state, last_applied_state, last_applied_at, settlement,
	submitted_at, approved_at, rejected_at, cancelled_at, created_at, updated_at`

func (qs queries) CreateRequest(ctx context.Context, r *leave.Request) error {
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO leave_requests (
			leave_request_id, workflow_process_id, workflow_scheme_code,
			user_id, leave_type_id, start_date, end_date, total_days, reason, selected_approver_id,
			status, current_workflow_state, last_applied_state, last_applied_at, settlement,
			submitted_at, approved_at, rejected_at, cancelled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.LeaveRequestID, nullString(r.WorkflowProcessID), r.WorkflowSchemeCode,
		r.UserID, r.LeaveTypeID, formatDate(r.StartDate), formatDate(r.EndDate),
		r.TotalDays.String(), r.Reason, r.SelectedApproverID,
		string(r.Status), r.CurrentWorkflowState, r.Sync.LastAppliedState,
		nullTime(r.Sync.LastAppliedAt), string(r.Sync.Settlement),
		nullTime(r.SubmittedAt), nullTime(r.ApprovedAt), nullTime(r.RejectedAt), nullTime(r.CancelledAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if isUniqueConstraintError(err) {
		if strings.Contains(err.Error(), "workflow_process_id") {
			return fmt.Errorf("process %s already bound", r.WorkflowProcessID)
		}
		return fmt.Errorf("leave request %s already exists", r.LeaveRequestID)
	}
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

func (qs queries) Request(ctx context.Context, leaveRequestID string) (*leave.Request, error) {
	row := qs.q.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM leave_requests WHERE leave_request_id = ?
	`, leaveRequestID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", leave.ErrNotFound, leaveRequestID)
	}
	return r, err
}

func (qs queries) RequestByProcessID(ctx context.Context, processID string) (*leave.Request, error) {
	row := qs.q.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM leave_requests WHERE workflow_process_id = ?
	`, processID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: process %s", leave.ErrNotFound, processID)
	}
	return r, err
}

func (qs queries) UpdateRequest(ctx context.Context, r *leave.Request) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE leave_requests SET
			workflow_process_id = ?, workflow_scheme_code = ?,
			start_date = ?, end_date = ?, total_days = ?, reason = ?, selected_approver_id = ?,
			status = ?, current_workflow_state = ?, last_applied_state = ?, last_applied_at = ?,
			settlement = ?, submitted_at = ?, approved_at = ?, rejected_at = ?, cancelled_at = ?,
			updated_at = ?
		WHERE leave_request_id = ?
	`, nullString(r.WorkflowProcessID), r.WorkflowSchemeCode,
		formatDate(r.StartDate), formatDate(r.EndDate), r.TotalDays.String(), r.Reason, r.SelectedApproverID,
		string(r.Status), r.CurrentWorkflowState, r.Sync.LastAppliedState, nullTime(r.Sync.LastAppliedAt),
		string(r.Sync.Settlement), nullTime(r.SubmittedAt), nullTime(r.ApprovedAt),
		nullTime(r.RejectedAt), nullTime(r.CancelledAt),
		formatTime(r.UpdatedAt), r.LeaveRequestID)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("process %s already bound", r.WorkflowProcessID)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", leave.ErrNotFound, r.LeaveRequestID)
	}
	return nil
}

func (qs queries) RequestsByUser(ctx context.Context, userID string) ([]*leave.Request, error) {
	return qs.requests(ctx, `
		SELECT `+requestColumns+` FROM leave_requests
		WHERE user_id = ?
		ORDER BY id DESC
	`, userID)
}

func (qs queries) OpenRequests(ctx context.Context) ([]*leave.Request, error) {
	return qs.requests(ctx, `
		SELECT `+requestColumns+` FROM leave_requests
		WHERE status NOT IN (?, ?, ?)
		ORDER BY id ASC
	`, string(leave.StatusApproved), string(leave.StatusRejected), string(leave.StatusCancelled))
}

func (qs queries) requests(ctx context.Context, query string, args ...any) ([]*leave.Request, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*leave.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(s scanner) (*leave.Request, error) {
	var (
		r                                                 leave.Request
		processID, lastAppliedAt                          sql.NullString
		submittedAt, approvedAt, rejectedAt, cancelledAt  sql.NullString
		startDate, endDate, totalDays, status, settlement string
		createdAt, updatedAt                              string
	)
	err := s.Scan(&r.ID, &r.LeaveRequestID, &processID, &r.WorkflowSchemeCode,
		&r.UserID, &r.LeaveTypeID, &startDate, &endDate, &totalDays, &r.Reason, &r.SelectedApproverID,
		&status, &r.CurrentWorkflowState, &r.Sync.LastAppliedState, &lastAppliedAt, &settlement,
		&submittedAt, &approvedAt, &rejectedAt, &cancelledAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.WorkflowProcessID = processID.String
	r.Status = leave.Status(status)
	r.Sync.Settlement = leave.Settlement(settlement)
	if r.TotalDays, err = decimal.NewFromString(totalDays); err != nil {
		return nil, fmt.Errorf("leave request %s total_days: %w", r.LeaveRequestID, err)
	}
	if r.StartDate, err = time.Parse(time.DateOnly, startDate); err != nil {
		return nil, err
	}
	if r.EndDate, err = time.Parse(time.DateOnly, endDate); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{lastAppliedAt, &r.Sync.LastAppliedAt},
		{submittedAt, &r.SubmittedAt},
		{approvedAt, &r.ApprovedAt},
		{rejectedAt, &r.RejectedAt},
		{cancelledAt, &r.CancelledAt},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// =============================================================================
// APPROVALS
// =============================================================================

func (qs queries) AppendApproval(ctx context.Context, a leave.Approval) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO approvals (leave_request_id, approver_id, role, action, comments, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.LeaveRequestID, a.ApproverID, string(a.Role), string(a.Action), a.Comments, formatTime(a.At))
	return err
}

func (qs queries) Approvals(ctx context.Context, leaveRequestID string) ([]leave.Approval, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, leave_request_id, approver_id, role, action, comments, at
		FROM approvals
		WHERE leave_request_id = ?
		ORDER BY id
	`, leaveRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.Approval
	for rows.Next() {
		var (
			a            leave.Approval
			role, action string
			at           string
		)
		if err := rows.Scan(&a.ID, &a.LeaveRequestID, &a.ApproverID, &role, &action, &a.Comments, &at); err != nil {
			return nil, err
		}
		a.Role = leave.Role(role)
		a.Action = leave.ApprovalAction(action)
		if a.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG (leave.AuditLog interface)
// =============================================================================

func (qs queries) Append(ctx context.Context, entries ...leave.AuditEntry) error {
	for _, e := range entries {
		if _, err := qs.q.ExecContext(ctx, `
			INSERT INTO audit_log (at, actor_id, action, leave_request_id, process_id, message)
			VALUES (?, ?, ?, ?, ?, ?)
		`, formatTime(e.At), e.ActorID, string(e.Action), e.LeaveRequestID, e.ProcessID, e.Message); err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
	}
	return nil
}

// Query returns matching entries, oldest first.
func (qs queries) Query(ctx context.Context, filter leave.AuditFilter) ([]leave.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.LeaveRequestID != "" {
		where = append(where, "leave_request_id = ?")
		args = append(args, filter.LeaveRequestID)
	}
	if filter.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, filter.ProcessID)
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT id, at, actor_id, action, leave_request_id, process_id, message FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.AuditEntry
	for rows.Next() {
		var (
			e          leave.AuditEntry
			at, action string
		)
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &action, &e.LeaveRequestID, &e.ProcessID, &e.Message); err != nil {
			return nil, err
		}
		e.Action = leave.AuditAction(action)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
