package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/ledger"
)

var (
	jan1 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	key  = ledger.Key{UserID: "emp-1", LeaveTypeID: "ANNUAL", Year: 2025}
)

func request(id, processID string) *leave.Request {
	return &leave.Request{
		LeaveRequestID:    id,
		WorkflowProcessID: processID,
		UserID:            "emp-1",
		LeaveTypeID:       "ANNUAL",
		StartDate:         time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		EndDate:           time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
		TotalDays:         decimal.NewFromInt(3),
		Status:            leave.StatusCreated,
		CreatedAt:         jan1,
		UpdatedAt:         jan1,
	}
}

// =============================================================================
// UNITS OF WORK
// =============================================================================

func TestWithTx_WritesInvisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.NoError(t, m.CreateAccount(ctx, ledger.NewAccount(key, decimal.NewFromInt(10), jan1)))

	err := m.WithTx(ctx, func(tx leave.Store) error {
		require.NoError(t, tx.CreateRequest(ctx, request("LR-1", "proc-1")))
		require.NoError(t, tx.UpdateAccount(ctx, key, func(a *ledger.Account) error {
			a.PendingDays = decimal.NewFromInt(3)
			return nil
		}))

		// visible inside the unit
		inside, err := tx.Account(ctx, key)
		require.NoError(t, err)
		assert.True(t, inside.PendingDays.Equal(decimal.NewFromInt(3)))
		byProcess, err := tx.RequestByProcessID(ctx, "proc-1")
		require.NoError(t, err)
		assert.Equal(t, "LR-1", byProcess.LeaveRequestID)

		// not outside it
		outside, err := m.Account(ctx, key)
		require.NoError(t, err)
		assert.True(t, outside.PendingDays.IsZero())
		_, err = m.Request(ctx, "LR-1")
		assert.ErrorIs(t, err, leave.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	got, err := m.RequestByProcessID(ctx, "proc-1")
	require.NoError(t, err)
	assert.Equal(t, "LR-1", got.LeaveRequestID)
	a, _ := m.Account(ctx, key)
	assert.True(t, a.PendingDays.Equal(decimal.NewFromInt(3)))
}

func TestWithTx_ErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.NoError(t, m.CreateAccount(ctx, ledger.NewAccount(key, decimal.NewFromInt(10), jan1)))
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx leave.Store) error {
		require.NoError(t, tx.CreateRequest(ctx, request("LR-1", "proc-1")))
		require.NoError(t, tx.AppendApproval(ctx, leave.Approval{LeaveRequestID: "LR-1", ApproverID: "mgr-1"}))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = m.Request(ctx, "LR-1")
	assert.ErrorIs(t, err, leave.ErrNotFound)
	approvals, _ := m.Approvals(ctx, "LR-1")
	assert.Empty(t, approvals)
}

func TestWithTx_SerializesOnRequestRow(t *testing.T) {
	// GIVEN: a stored request
	ctx := context.Background()
	m := New()
	require.NoError(t, m.CreateRequest(ctx, request("LR-1", "proc-1")))

	// WHEN: many units read-modify-write the same request concurrently
	var inside atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			return m.WithTx(ctx, func(tx leave.Store) error {
				r, err := tx.RequestByProcessID(ctx, "proc-1")
				if err != nil {
					return err
				}
				if inside.Add(1) != 1 {
					return errors.New("two units inside the same request")
				}
				time.Sleep(time.Millisecond)
				r.TotalDays = r.TotalDays.Add(decimal.NewFromInt(1))
				inside.Add(-1)
				return tx.UpdateRequest(ctx, r)
			})
		})
	}

	// THEN: no update is lost
	require.NoError(t, g.Wait())
	r, err := m.Request(ctx, "LR-1")
	require.NoError(t, err)
	assert.True(t, r.TotalDays.Equal(decimal.NewFromInt(13)))
}

func TestWithTx_DuplicateAccountCreationFailsAtCommit(t *testing.T) {
	ctx := context.Background()
	m := New()

	err := m.WithTx(ctx, func(tx leave.Store) error {
		if err := tx.CreateAccount(ctx, ledger.NewAccount(key, decimal.NewFromInt(5), jan1)); err != nil {
			return err
		}
		return tx.CreateAccount(ctx, ledger.NewAccount(key, decimal.NewFromInt(5), jan1))
	})
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
	_, err = m.Account(ctx, key)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestRequestsByUser_Ordering(t *testing.T) {
	ctx := context.Background()
	m := New()
	for _, id := range []string{"LR-1", "LR-2", "LR-3"} {
		require.NoError(t, m.CreateRequest(ctx, request(id, "")))
	}

	mine, err := m.RequestsByUser(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, "LR-3", mine[0].LeaveRequestID)

	open, err := m.OpenRequests(ctx)
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, "LR-1", open[0].LeaveRequestID)
}

func TestStoredRequestsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := New()
	r := request("LR-1", "proc-1")
	require.NoError(t, m.CreateRequest(ctx, r))

	r.Status = leave.StatusApproved
	got, err := m.Request(ctx, "LR-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCreated, got.Status)
}

func TestAuditQuery(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.NoError(t, m.Append(ctx,
		leave.AuditEntry{Action: leave.AuditRequestSubmitted, LeaveRequestID: "LR-1"},
		leave.AuditEntry{Action: leave.AuditProcessLog, ProcessID: "proc-1"},
		leave.AuditEntry{Action: leave.AuditProcessLog, ProcessID: "proc-1"},
	))

	logs, err := m.Query(ctx, leave.AuditFilter{ProcessID: "proc-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(2), logs[0].ID)
}
