package leave_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/leave-sync/identity"
	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/ledger"
	"github.com/warp/leave-sync/store/memory"
	"github.com/warp/leave-sync/workflow"
	"github.com/warp/leave-sync/workflow/workflowtest"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================

var (
	now      = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	annual25 = ledger.Key{UserID: "emp-1", LeaveTypeID: "ANNUAL", Year: 2025}
)

type fixture struct {
	store   *memory.Memory
	ledger  *ledger.Ledger
	sync    *leave.Synchronizer
	service *leave.Service
	engine  *workflowtest.Engine
	logs    *observer.ObservedLogs
	nextID  atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	clock := func() time.Time { return now }

	store := memory.New()
	l := ledger.New(store, logger, ledger.WithClock(clock))

	dir, err := identity.NewMemoryDirectory([]identity.User{
		{ID: "mgr-1", Name: "Maria Manager", Roles: []identity.Role{identity.RoleManager}, Active: true},
		{ID: "hr-1", Name: "Hank HR", Roles: []identity.Role{identity.RoleHR}, Active: true},
		{ID: "emp-1", Name: "Erin Employee", ManagerID: "mgr-1", Roles: []identity.Role{identity.RoleEmployee}, Active: true},
		{ID: "emp-2", Name: "Eli Employee", ManagerID: "mgr-1", Roles: []identity.Role{identity.RoleEmployee}, Active: true},
	})
	require.NoError(t, err)

	schemes, err := workflow.NewSchemeRegistry([]workflow.SchemeConfig{
		{Type: leave.WorkflowType, ActiveVersion: "LeaveApproval_v1"},
	})
	require.NoError(t, err)

	engine := workflowtest.NewEngine()
	engine.Transitions[workflow.CommandManagerApprove] = "HRSigning"
	engine.Transitions[workflow.CommandManagerReject] = "Rejected"
	engine.Transitions[workflow.CommandHRApprove] = "Approved"
	engine.Transitions[workflow.CommandHRReject] = "Rejected"
	engine.Transitions[workflow.CommandCancel] = "Cancelled"

	sync := leave.NewSynchronizer(store, l, store, logger)
	sync.Now = clock

	types := []leave.LeaveType{
		{Code: "ANNUAL", Name: "Annual leave", DefaultDays: decimal.NewFromInt(21)},
		{Code: "SICK", Name: "Sick leave", DefaultDays: decimal.NewFromInt(10)},
	}
	svc := leave.NewService(store, l, sync, engine, schemes, dir, types, logger)
	svc.Now = clock

	f := &fixture{store: store, ledger: l, sync: sync, service: svc, engine: engine, logs: logs}
	svc.NewID = func() string { return fmt.Sprintf("id-%d", f.nextID.Add(1)) }

	require.NoError(t, store.CreateAccount(ctx, ledger.NewAccount(annual25, decimal.NewFromInt(21), now)))
	return f
}

// seedRequest stores a request bound to processID and reserves its days,
// as a completed submission would.
func (f *fixture) seedRequest(t *testing.T, id, processID string, days int64) *leave.Request {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	r := &leave.Request{
		LeaveRequestID:       id,
		WorkflowProcessID:    processID,
		WorkflowSchemeCode:   "LeaveApproval_v1",
		UserID:               "emp-1",
		LeaveTypeID:          "ANNUAL",
		StartDate:            start,
		EndDate:              start.AddDate(0, 0, int(days)-1),
		TotalDays:            decimal.NewFromInt(days),
		SelectedApproverID:   "mgr-1",
		Status:               leave.StatusCreated,
		CurrentWorkflowState: leave.StateLeaveRequestCreated,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, f.store.CreateRequest(ctx, r))
	require.NoError(t, f.ledger.Reserve(ctx, r.BalanceKey(), r.TotalDays))
	return r
}

func (f *fixture) requireBalance(t *testing.T, used, pending int64) {
	t.Helper()
	a, err := f.ledger.Balance(context.Background(), annual25)
	require.NoError(t, err)
	assert.True(t, a.UsedDays.Equal(decimal.NewFromInt(used)), "used: got %s want %d", a.UsedDays, used)
	assert.True(t, a.PendingDays.Equal(decimal.NewFromInt(pending)), "pending: got %s want %d", a.PendingDays, pending)
	assert.True(t, a.Valid())
}

func (f *fixture) requireNoClamp(t *testing.T) {
	t.Helper()
	assert.Zero(t, f.logs.FilterMessage("pending days clamped to zero").Len(), "a hold was settled twice")
}

func (f *fixture) auditActions(t *testing.T, leaveRequestID string) []leave.AuditAction {
	t.Helper()
	entries, err := f.store.Query(context.Background(), leave.AuditFilter{LeaveRequestID: leaveRequestID})
	require.NoError(t, err)
	var out []leave.AuditAction
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}
