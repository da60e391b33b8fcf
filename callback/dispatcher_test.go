package callback_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/leave-sync/callback"
	"github.com/warp/leave-sync/identity"
	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/ledger"
	"github.com/warp/leave-sync/metrics"
	"github.com/warp/leave-sync/store/memory"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================

var (
	now      = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	annual25 = ledger.Key{UserID: "emp-1", LeaveTypeID: "ANNUAL", Year: 2025}
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []callback.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg callback.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

type fixture struct {
	store      *memory.Memory
	ledger     *ledger.Ledger
	notifier   *recordingNotifier
	dispatcher *callback.Dispatcher
	logs       *observer.ObservedLogs
}

func newFixture(t *testing.T, extra ...callback.Handler) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	store := memory.New()
	l := ledger.New(store, logger, ledger.WithClock(func() time.Time { return now }))
	sync := leave.NewSynchronizer(store, l, store, logger)
	notifier := &recordingNotifier{}

	dir, err := identity.NewMemoryDirectory([]identity.User{
		{ID: "emp-1", Name: "Erin", ManagerID: "mgr-1", Roles: []identity.Role{identity.RoleEmployee}, Active: true},
		{ID: "mgr-1", Name: "Maria", Roles: []identity.Role{identity.RoleManager, identity.RoleEmployee}, Active: true},
		{ID: "hr-1", Name: "Hank", Roles: []identity.Role{identity.RoleHR}, Active: true},
		{ID: "gone-1", Name: "Gina", Roles: []identity.Role{identity.RoleHR}, Active: false},
	})
	require.NoError(t, err)

	handlers := append([]callback.Handler{
		callback.NewLeaveApprovalHandler(sync, notifier, decimal.Zero, logger),
		callback.NewPurchaseOrderHandler(notifier, logger),
	}, extra...)
	registry, err := callback.NewRegistry(callback.NewGenericHandler(notifier, logger), handlers...)
	require.NoError(t, err)

	require.NoError(t, store.CreateAccount(context.Background(), ledger.NewAccount(annual25, decimal.NewFromInt(21), now)))
	return &fixture{
		store:      store,
		ledger:     l,
		notifier:   notifier,
		dispatcher: callback.NewDispatcher(registry, store, dir, logger),
		logs:       logs,
	}
}

func (f *fixture) seedRequest(t *testing.T, id, processID string, days int64) {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	r := &leave.Request{
		LeaveRequestID:     id,
		WorkflowProcessID:  processID,
		WorkflowSchemeCode: "LeaveApproval_v1",
		UserID:             "emp-1",
		LeaveTypeID:        "ANNUAL",
		StartDate:          start,
		EndDate:            start.AddDate(0, 0, int(days)-1),
		TotalDays:          decimal.NewFromInt(days),
		SelectedApproverID: "mgr-1",
		Status:             leave.StatusCreated,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, f.store.CreateRequest(ctx, r))
	require.NoError(t, f.ledger.Reserve(ctx, r.BalanceKey(), r.TotalDays))
}

func (f *fixture) requireBalance(t *testing.T, used, pending int64) {
	t.Helper()
	a, err := f.ledger.Balance(context.Background(), annual25)
	require.NoError(t, err)
	assert.True(t, a.UsedDays.Equal(decimal.NewFromInt(used)), "used: got %s want %d", a.UsedDays, used)
	assert.True(t, a.PendingDays.Equal(decimal.NewFromInt(pending)), "pending: got %s want %d", a.PendingDays, pending)
}

func (f *fixture) requireNoClamp(t *testing.T) {
	t.Helper()
	assert.Zero(t, f.logs.FilterMessage("pending days clamped to zero").Len(), "a hold was settled twice")
}

func instance(t *testing.T, processID string, params map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"Id":                processID,
		"SchemeCode":        "LeaveApproval_v1",
		"ProcessParameters": params,
	})
	require.NoError(t, err)
	return raw
}

// panicHandler blows up on every status change.
type panicHandler struct{ *callback.GenericHandler }

func (panicHandler) WorkflowType() string { return "Boom" }
func (panicHandler) OnStatusChanged(context.Context, callback.StatusEvent) error {
	panic("handler exploded")
}
func (panicHandler) OnActivityChanged(context.Context, callback.ActivityEvent) error {
	return errors.New("activity store offline")
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_Resolve(t *testing.T) {
	generic := callback.NewGenericHandler(callback.NewLogNotifier(nil), nil)
	purchase := callback.NewPurchaseOrderHandler(callback.NewLogNotifier(nil), nil)
	registry, err := callback.NewRegistry(generic, purchase)
	require.NoError(t, err)

	assert.Same(t, purchase, registry.Resolve("PurchaseOrder_v3"))
	assert.Same(t, purchase, registry.Resolve("PurchaseOrder"))
	assert.Same(t, generic, registry.Resolve("Expense_v1"))
	assert.Same(t, generic, registry.Resolve(""))
	assert.Equal(t, []string{"PurchaseOrder"}, registry.Types())
}

func TestRegistry_RejectsBadRegistrations(t *testing.T) {
	generic := callback.NewGenericHandler(callback.NewLogNotifier(nil), nil)
	purchase := callback.NewPurchaseOrderHandler(callback.NewLogNotifier(nil), nil)

	_, err := callback.NewRegistry(generic, purchase, purchase)
	assert.Error(t, err, "duplicate type")

	_, err = callback.NewRegistry(generic, callback.NewGenericHandler(callback.NewLogNotifier(nil), nil))
	assert.Error(t, err, "generic type is reserved")

	_, err = callback.NewRegistry(nil)
	assert.Error(t, err, "fallback required")
}

// =============================================================================
// STATUS / ACTIVITY CALLBACKS
// =============================================================================

func TestStatusChanged_AppliesAndNotifies(t *testing.T) {
	// GIVEN: a 5-day request on hold
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	// WHEN: the engine reports Approved twice
	req := callback.StatusChangedRequest{
		ProcessID:       "proc-1",
		SchemeCode:      "LeaveApproval_v1",
		OldStatus:       "HRSigning",
		NewStatus:       "Approved",
		ProcessInstance: instance(t, "proc-1", map[string]any{"LeaveRequestId": "LR-1", "EmployeeName": "Erin"}),
	}
	first := f.dispatcher.OnStatusChanged(ctx, req)
	second := f.dispatcher.OnStatusChanged(ctx, req)

	// THEN: both succeed, days are consumed once, one notification goes out
	assert.True(t, first.Success)
	assert.Equal(t, callback.CodeSuccess, first.Code)
	assert.True(t, second.Success)
	f.requireBalance(t, 5, 0)
	f.requireNoClamp(t)
	assert.Equal(t, []string{"leave.approved"}, f.notifier.kinds())
}

func TestStatusChanged_SchemeFromInstanceWhenMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	resp := f.dispatcher.OnStatusChanged(ctx, callback.StatusChangedRequest{
		NewStatus:       "Rejected",
		ProcessInstance: instance(t, "proc-1", nil),
	})

	assert.True(t, resp.Success)
	f.requireBalance(t, 0, 0)
}

func TestStatusChanged_UnknownProcessIsAcknowledged(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatcher.OnStatusChanged(context.Background(), callback.StatusChangedRequest{
		ProcessID:  "ghost",
		SchemeCode: "LeaveApproval_v1",
		NewStatus:  "Approved",
	})

	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Messages)
	f.requireBalance(t, 0, 0)
}

func TestStatusChanged_MalformedInstanceTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	resp := f.dispatcher.OnStatusChanged(ctx, callback.StatusChangedRequest{
		ProcessID:       "proc-1",
		SchemeCode:      "LeaveApproval_v1",
		NewStatus:       "ManagerSigning",
		ProcessInstance: json.RawMessage(`[1,2,3]`),
	})

	assert.True(t, resp.Success)
	r, _ := f.store.Request(ctx, "LR-1")
	assert.Equal(t, leave.StatusManagerSigning, r.Status)
}

func TestStatusChanged_GenericWorkflowOnlyNotifies(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatcher.OnStatusChanged(context.Background(), callback.StatusChangedRequest{
		ProcessID:  "exp-1",
		SchemeCode: "Expense_v1",
		NewStatus:  "Paid",
	})

	assert.True(t, resp.Success)
	assert.Equal(t, []string{"workflow.status_changed"}, f.notifier.kinds())
}

func TestStatusChanged_PurchaseOrderNotifiesRequestor(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatcher.OnStatusChanged(context.Background(), callback.StatusChangedRequest{
		ProcessID:       "po-1",
		SchemeCode:      "PurchaseOrder_v1",
		NewStatus:       "Approved",
		ProcessInstance: json.RawMessage(`{"id":"po-1","processParameters":{"RequestorId":"emp-1","Amount":"1200.50","Vendor":"Acme"}}`),
	})

	assert.True(t, resp.Success)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "emp-1", f.notifier.sent[0].RecipientID)
	assert.Equal(t, "1200.5", f.notifier.sent[0].Fields["amount"])
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	generic := callback.NewGenericHandler(callback.NewLogNotifier(nil), nil)
	f := newFixture(t, panicHandler{generic})

	resp := f.dispatcher.OnStatusChanged(context.Background(), callback.StatusChangedRequest{
		ProcessID:  "b-1",
		SchemeCode: "Boom_v1",
		NewStatus:  "Anything",
	})

	assert.False(t, resp.Success)
	assert.Equal(t, callback.CodeError, resp.Code)
	assert.Equal(t, 1, f.logs.FilterMessage("callback panicked").Len())
}

func TestHandlerErrorBecomesFailure(t *testing.T) {
	generic := callback.NewGenericHandler(callback.NewLogNotifier(nil), nil)
	f := newFixture(t, panicHandler{generic})

	resp := f.dispatcher.OnActivityChanged(context.Background(), callback.ActivityChangedRequest{
		ProcessID:  "b-1",
		SchemeCode: "Boom_v1",
	})

	assert.False(t, resp.Success)
	assert.Equal(t, []string{"activity store offline"}, resp.Messages)
}

func TestActivityChanged_RecordsCurrentActivity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	resp := f.dispatcher.OnActivityChanged(ctx, callback.ActivityChangedRequest{
		ProcessID:            "proc-1",
		SchemeCode:           "LeaveApproval_v1",
		PreviousActivityName: "Draft",
		CurrentActivityName:  "ManagerReview",
	})

	assert.True(t, resp.Success)
	r, _ := f.store.Request(ctx, "LR-1")
	assert.Equal(t, "ManagerReview", r.CurrentWorkflowState)
	assert.Equal(t, leave.StatusCreated, r.Status)
}

// =============================================================================
// ACTIONS
// =============================================================================

func TestActions_ListPerWorkflowType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leaveActions := f.dispatcher.OnGetActions(ctx, "LeaveApproval_v1")
	assert.Equal(t, []string{"Submit", "Approve", "Reject", "Request More Info", "Cancel"}, leaveActions.Data)

	generic := f.dispatcher.OnGetActions(ctx, "Expense_v1")
	assert.True(t, generic.Success)
	assert.Empty(t, generic.Data)
}

func TestRejectAction_ThenStatus_ReleasesOnce(t *testing.T) {
	// GIVEN: a 5-day hold
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)
	pi := instance(t, "proc-1", map[string]any{"LeaveRequestId": "LR-1"})

	// WHEN: the Reject action runs (twice) and the Rejected status follows
	action := callback.ExecuteActionRequest{Name: callback.ActionReject, SchemeCode: "LeaveApproval_v1", ProcessInstance: pi}
	resp := f.dispatcher.OnExecuteAction(ctx, action)
	again := f.dispatcher.OnExecuteAction(ctx, action)
	status := f.dispatcher.OnStatusChanged(ctx, callback.StatusChangedRequest{
		ProcessID: "proc-1", SchemeCode: "LeaveApproval_v1", NewStatus: "Rejected", ProcessInstance: pi,
	})

	// THEN: the hold is released exactly once
	require.True(t, resp.Success)
	assert.True(t, again.Success)
	assert.True(t, status.Success)
	assert.Equal(t, "Rejected", resp.Data.UpdatedParameters["Status"])
	assert.Equal(t, callback.ActionReject, resp.Data.UpdatedParameters["LastActionExecuted"])
	f.requireBalance(t, 0, 0)
	f.requireNoClamp(t)

	r, _ := f.store.Request(ctx, "LR-1")
	assert.Equal(t, leave.StatusRejected, r.Status)
	assert.Equal(t, leave.SettlementReleased, r.Sync.Settlement)
}

func TestCancelAction_UnknownProcessLeavesOtherHoldsAlone(t *testing.T) {
	// GIVEN: a 5-day hold owned by LR-A
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-A", "proc-A", 5)

	// WHEN: a Cancel for a process with no local request names the same account
	resp := f.dispatcher.OnExecuteAction(ctx, callback.ExecuteActionRequest{
		Name:       callback.ActionCancel,
		SchemeCode: "LeaveApproval_v1",
		ProcessInstance: instance(t, "proc-orphan", map[string]any{
			"EmployeeId": "emp-1", "LeaveTypeCode": "ANNUAL", "TotalDays": 5, "StartDate": "2025-03-10",
		}),
	})

	// THEN: it is acknowledged and LR-A keeps its hold
	require.True(t, resp.Success)
	assert.Equal(t, "Cancelled", resp.Data.UpdatedParameters["Status"])
	f.requireBalance(t, 0, 5)

	// AND: approving LR-A consumes all five days
	status := f.dispatcher.OnStatusChanged(ctx, callback.StatusChangedRequest{
		ProcessID: "proc-A", SchemeCode: "LeaveApproval_v1", NewStatus: "Approved",
		ProcessInstance: instance(t, "proc-A", map[string]any{"LeaveRequestId": "LR-A"}),
	})
	require.True(t, status.Success)
	f.requireBalance(t, 5, 0)
	f.requireNoClamp(t)
}

func TestRejectAction_NothingToRelease(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatcher.OnExecuteAction(context.Background(), callback.ExecuteActionRequest{
		Name:            callback.ActionReject,
		SchemeCode:      "LeaveApproval_v1",
		ProcessInstance: instance(t, "proc-orphan", nil),
	})

	assert.True(t, resp.Success)
	f.requireBalance(t, 0, 0)
}

// =============================================================================
// CONDITIONS
// =============================================================================

func TestConditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eval := func(name string, params map[string]any) bool {
		t.Helper()
		resp := f.dispatcher.OnExecuteCondition(ctx, callback.ExecuteConditionRequest{
			Name:            name,
			SchemeCode:      "LeaveApproval_v1",
			ProcessInstance: instance(t, "proc-1", params),
		})
		require.True(t, resp.Success)
		return resp.Data
	}

	assert.True(t, eval(callback.ConditionIsLeaveNeedManagerApproval, map[string]any{"TotalDays": 4}))
	assert.False(t, eval(callback.ConditionIsLeaveNeedManagerApproval, map[string]any{"TotalDays": 2}))
	assert.False(t, eval(callback.ConditionIsLeaveNeedManagerApproval, map[string]any{"TotalDays": 3}))
	assert.False(t, eval(callback.ConditionIsLeaveNeedManagerApproval, map[string]any{"TotalDays": "lots"}))
	assert.True(t, eval(callback.ConditionIsLeaveApproved, map[string]any{"Status": "approved"}))
	assert.False(t, eval(callback.ConditionIsLeaveApproved, map[string]any{"Status": "Pending"}))
	assert.True(t, eval(callback.ConditionIsLeavePending, map[string]any{"Status": "Pending"}))
	assert.True(t, eval(callback.ConditionIsLeaveRejected, map[string]any{"Status": "Rejected"}))
	assert.False(t, eval("NoSuchCondition", nil))

	// evaluation has no side effects
	f.requireBalance(t, 0, 0)
	assert.Empty(t, f.notifier.kinds())
}

func TestConditions_GenericIsFalse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	list := f.dispatcher.OnGetConditions(ctx, "Expense_v1")
	assert.Empty(t, list.Data)

	resp := f.dispatcher.OnExecuteCondition(ctx, callback.ExecuteConditionRequest{Name: "IsPaid", SchemeCode: "Expense_v1"})
	assert.True(t, resp.Success)
	assert.False(t, resp.Data)
}

// =============================================================================
// PROCESS LOGS / IDENTITIES
// =============================================================================

func TestProcessLogs_Archived(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp := f.dispatcher.OnProcessLogs(ctx, []callback.ProcessLog{
		{ProcessID: "proc-1", Message: "Activity ManagerReview started", Timestamp: now},
		{ProcessID: "proc-1", Message: "Command ManagerApprove executed"},
	})

	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Data)
	entries, err := f.store.Query(ctx, leave.AuditFilter{ProcessID: "proc-1", Actions: []leave.AuditAction{leave.AuditProcessLog}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, now, entries[0].At)
	assert.False(t, entries[1].At.IsZero())

	empty := f.dispatcher.OnProcessLogs(ctx, nil)
	assert.True(t, empty.Success)
	assert.Zero(t, empty.Data)
}

func TestIdentityCallbacks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ids := func(rule, parameter string) []string {
		t.Helper()
		resp := f.dispatcher.OnGetIdentities(ctx, rule, parameter)
		require.True(t, resp.Success)
		return resp.Data
	}
	assert.Equal(t, []string{"emp-1", "hr-1", "mgr-1"}, ids("", ""))
	assert.Equal(t, []string{"emp-1", "mgr-1"}, ids("Employee", ""))
	assert.Equal(t, []string{"hr-1"}, ids("HR", ""), "inactive users are never listed")
	assert.Equal(t, []string{"mgr-1"}, ids(callback.RuleDirectManager, "emp-1"))
	assert.Empty(t, ids(callback.RuleDirectManager, "hr-1"), "hr-1 has no manager")
	assert.Empty(t, ids("Astronaut", ""))

	rules := f.dispatcher.OnGetRules(ctx, "LeaveApproval_v1")
	assert.Equal(t, []string{"Manager", "HR", "Employee", callback.RuleDirectManager}, rules.Data)
}

func TestCheckRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	check := func(identityID, rule, parameter string) bool {
		t.Helper()
		resp := f.dispatcher.OnCheckRule(ctx, callback.CheckRuleRequest{IdentityID: identityID, RuleName: rule, Parameter: parameter})
		require.True(t, resp.Success)
		return resp.Data
	}

	tests := []struct {
		name      string
		identity  string
		rule      string
		parameter string
		want      bool
	}{
		{"role held", "hr-1", "HR", "", true},
		{"role case folded", "hr-1", "hr", "", true},
		{"role missing", "mgr-1", "HR", "", false},
		{"manager role", "mgr-1", "Manager", "", true},
		{"direct manager of employee", "mgr-1", callback.RuleDirectManager, "emp-1", true},
		{"someone else's manager", "hr-1", callback.RuleDirectManager, "emp-1", false},
		{"employee is not own manager", "emp-1", callback.RuleDirectManager, "emp-1", false},
		{"direct manager without employee", "mgr-1", callback.RuleDirectManager, "", false},
		{"direct manager of unknown employee", "mgr-1", callback.RuleDirectManager, "nobody", false},
		{"unknown rule", "emp-1", "ActiveUser", "", false},
		{"inactive user", "gone-1", "HR", "", false},
		{"unknown identity", "nobody", "Employee", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, check(tt.identity, tt.rule, tt.parameter))
		})
	}
}

// =============================================================================
// METRICS
// =============================================================================

func TestMetrics_CountCallbackOutcomes(t *testing.T) {
	// GIVEN: a dispatcher with metrics and a misbehaving handler
	generic := callback.NewGenericHandler(callback.NewLogNotifier(nil), nil)
	f := newFixture(t, panicHandler{generic})
	f.seedRequest(t, "LR-1", "proc-1", 5)
	m := metrics.New()
	f.dispatcher.WithMetrics(m)
	ctx := context.Background()

	// WHEN: one callback succeeds, one hits an unknown process, one errors and one panics
	f.dispatcher.OnStatusChanged(ctx, callback.StatusChangedRequest{ProcessID: "proc-1", SchemeCode: "LeaveApproval_v1", NewStatus: "Approved"})
	f.dispatcher.OnStatusChanged(ctx, callback.StatusChangedRequest{ProcessID: "proc-x", SchemeCode: "LeaveApproval_v1", NewStatus: "Approved"})
	f.dispatcher.OnActivityChanged(ctx, callback.ActivityChangedRequest{ProcessID: "b-1", SchemeCode: "Boom_v1"})
	f.dispatcher.OnStatusChanged(ctx, callback.StatusChangedRequest{ProcessID: "b-1", SchemeCode: "Boom_v1", NewStatus: "Anything"})

	// THEN
	expected := `
# HELP leavesync_callbacks_total Workflow engine callbacks handled, by operation and outcome.
# TYPE leavesync_callbacks_total counter
leavesync_callbacks_total{op="activity-changed",outcome="error"} 1
leavesync_callbacks_total{op="status-changed",outcome="ok"} 1
leavesync_callbacks_total{op="status-changed",outcome="panic"} 1
leavesync_callbacks_total{op="status-changed",outcome="unknown_process"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "leavesync_callbacks_total"))
}
