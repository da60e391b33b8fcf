package leave_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-sync/leave"
)

// =============================================================================
// STATE MAPPING
// =============================================================================

func TestStatusForState(t *testing.T) {
	tests := []struct {
		state  string
		want   leave.Status
		mapped bool
	}{
		{"LeaveRequestCreated", leave.StatusCreated, true},
		{"draft", leave.StatusCreated, true},
		{"ManagerSigning", leave.StatusManagerSigning, true},
		{"HRSIGNING", leave.StatusHRSigning, true},
		{"Final", leave.StatusApproved, true},
		{" Approved ", leave.StatusApproved, true},
		{"Rejected", leave.StatusRejected, true},
		{"Canceled", leave.StatusCancelled, true},
		{"ManagerReview", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			got, ok := leave.StatusForState(tt.state)
			assert.Equal(t, tt.mapped, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, leave.CanTransition(leave.StatusCreated, leave.StatusManagerSigning))
	assert.True(t, leave.CanTransition(leave.StatusCreated, leave.StatusApproved), "skipping forward is allowed")
	assert.True(t, leave.CanTransition(leave.StatusHRSigning, leave.StatusCancelled))
	assert.False(t, leave.CanTransition(leave.StatusHRSigning, leave.StatusManagerSigning))
	assert.False(t, leave.CanTransition(leave.StatusManagerSigning, leave.StatusManagerSigning))
	assert.False(t, leave.CanTransition(leave.StatusApproved, leave.StatusRejected))
	assert.False(t, leave.CanTransition(leave.StatusCancelled, leave.StatusApproved))
	assert.False(t, leave.CanTransition(leave.StatusCreated, leave.Status("Bogus")))
}

// =============================================================================
// APPLY STATE
// =============================================================================

func TestApplyState_ForwardPathConfirmsOnce(t *testing.T) {
	// GIVEN: a submitted 5-day request
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)
	f.requireBalance(t, 0, 5)

	// WHEN: the engine walks it to Approved
	for _, state := range []string{"ManagerSigning", "HRSigning"} {
		out, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: state})
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Equal(t, leave.SettlementNone, out.Settled)
	}
	out, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: "Approved"})

	// THEN: the hold is confirmed
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, leave.StatusHRSigning, out.Previous)
	assert.Equal(t, leave.SettlementConfirmed, out.Settled)
	assert.Equal(t, leave.StatusApproved, out.Request.Status)
	require.NotNil(t, out.Request.ApprovedAt)
	f.requireBalance(t, 5, 0)

	stored, err := f.store.Request(ctx, "LR-1")
	require.NoError(t, err)
	assert.Equal(t, "Approved", stored.Sync.LastAppliedState)
	assert.Equal(t, leave.SettlementConfirmed, stored.Sync.Settlement)
	assert.Equal(t, []leave.AuditAction{
		leave.AuditStateApplied, leave.AuditStateApplied, leave.AuditRequestApproved,
	}, f.auditActions(t, "LR-1"))
}

func TestApplyState_RedeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	_, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: "Approved"})
	require.NoError(t, err)

	// WHEN: the same callback arrives twice more
	for i := 0; i < 2; i++ {
		out, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: "Approved"})
		require.NoError(t, err)
		assert.False(t, out.Applied)
	}

	// THEN: days were consumed once
	f.requireBalance(t, 5, 0)
	f.requireNoClamp(t)
}

func TestApplyState_OutOfOrderIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	_, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: "HRSigning"})
	require.NoError(t, err)

	// WHEN: an older state arrives late
	out, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: "ManagerSigning"})

	// THEN: it does not move the request backwards
	require.NoError(t, err)
	assert.False(t, out.Applied)
	stored, _ := f.store.Request(ctx, "LR-1")
	assert.Equal(t, leave.StatusHRSigning, stored.Status)
}

func TestApplyState_TerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	out, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: "Rejected"})
	require.NoError(t, err)
	assert.Equal(t, leave.SettlementReleased, out.Settled)
	f.requireBalance(t, 0, 0)

	// WHEN: a conflicting terminal state follows
	out, err = f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: "Approved"})

	// THEN: nothing changes
	require.NoError(t, err)
	assert.False(t, out.Applied)
	stored, _ := f.store.Request(ctx, "LR-1")
	assert.Equal(t, leave.StatusRejected, stored.Status)
	f.requireBalance(t, 0, 0)
	f.requireNoClamp(t)
}

func TestApplyState_UnmappedStateIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	out, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: "ManagerReview"})

	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, leave.StatusCreated, out.Request.Status)
	f.requireBalance(t, 0, 5)
}

func TestApplyState_UnknownProcess(t *testing.T) {
	f := newFixture(t)

	_, err := f.sync.ApplyState(context.Background(), leave.StateUpdate{ProcessID: "ghost", State: "Approved"})

	assert.ErrorIs(t, err, leave.ErrUnknownProcess)
	assert.True(t, leave.IsNotFound(err))
}

func TestApplyState_FallsBackToLeaveRequestID(t *testing.T) {
	// GIVEN: a request whose process id is not bound locally
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "", 5)

	// WHEN: the callback carries the LeaveRequestId parameter
	out, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-x", LeaveRequestID: "LR-1", State: "ManagerSigning"})

	// THEN: it is resolved through the parameter
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, "LR-1", out.Request.LeaveRequestID)
}

func TestApplyState_AppendsApprovalEvenWhenStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	_, err := f.sync.ApplyState(ctx, leave.StateUpdate{
		ProcessID: "proc-1",
		State:     "HRSigning",
		Approval:  &leave.Approval{ApproverID: "mgr-1", Role: leave.RoleManager, Action: leave.ActionApproved},
	})
	require.NoError(t, err)

	approvals, err := f.store.Approvals(ctx, "LR-1")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, "LR-1", approvals[0].LeaveRequestID)
	assert.Equal(t, now, approvals[0].At)
}

func TestApplyState_ConcurrentDuplicatesSettleOnce(t *testing.T) {
	// GIVEN: a 5-day hold
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	// WHEN: 20 identical Approved callbacks race
	applied := make([]bool, 20)
	var g errgroup.Group
	for i := range applied {
		g.Go(func() error {
			out, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: "Approved"})
			applied[i] = out.Applied
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN: exactly one applies and the days are confirmed once
	count := 0
	for _, a := range applied {
		if a {
			count++
		}
	}
	assert.Equal(t, 1, count)
	f.requireBalance(t, 5, 0)
	f.requireNoClamp(t)
}

func TestApplyState_RequestsOnSameAccountDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i, id := range []string{"LR-1", "LR-2", "LR-3", "LR-4"} {
		f.seedRequest(t, id, "proc-"+id, int64(i+1))
	}
	f.requireBalance(t, 0, 10)

	states := map[string]string{"LR-1": "Approved", "LR-2": "Rejected", "LR-3": "Approved", "LR-4": "Cancelled"}
	var g errgroup.Group
	for id, state := range states {
		g.Go(func() error {
			_, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-" + id, State: state})
			return err
		})
	}
	require.NoError(t, g.Wait())

	// LR-1 (1 day) and LR-3 (3 days) used, the rest released
	f.requireBalance(t, 4, 0)
}

// =============================================================================
// ACTION PATH
// =============================================================================

func TestSettleForAction_ThenStatusReleasesOnce(t *testing.T) {
	// GIVEN: a 5-day hold
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	// WHEN: the reject action runs, then the Rejected status arrives
	settled, err := f.sync.SettleForAction(ctx, "proc-1", "")
	require.NoError(t, err)
	assert.Equal(t, leave.SettlementReleased, settled)

	out, err := f.sync.ApplyState(ctx, leave.StateUpdate{ProcessID: "proc-1", State: "Rejected"})

	// THEN: the status applies but the release is not repeated
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, leave.SettlementNone, out.Settled)
	f.requireBalance(t, 0, 0)
	f.requireNoClamp(t)
}

func TestSettleForAction_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	first, err := f.sync.SettleForAction(ctx, "proc-1", "LR-1")
	require.NoError(t, err)
	second, err := f.sync.SettleForAction(ctx, "proc-1", "LR-1")
	require.NoError(t, err)

	assert.Equal(t, leave.SettlementReleased, first)
	assert.Equal(t, leave.SettlementNone, second)
	f.requireBalance(t, 0, 0)
	f.requireNoClamp(t)
}

func TestSettleForAction_UnknownProcess(t *testing.T) {
	f := newFixture(t)
	_, err := f.sync.SettleForAction(context.Background(), "ghost", "LR-ghost")
	assert.ErrorIs(t, err, leave.ErrUnknownProcess)
}

func TestRecordActivity_NeverTouchesStatusOrBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	req, err := f.sync.RecordActivity(ctx, "proc-1", "", "ManagerReview")
	require.NoError(t, err)
	assert.Equal(t, "ManagerReview", req.CurrentWorkflowState)
	assert.Equal(t, leave.StatusCreated, req.Status)

	stored, _ := f.store.Request(ctx, "LR-1")
	assert.Equal(t, "ManagerReview", stored.CurrentWorkflowState)
	f.requireBalance(t, 0, 5)
}

func TestAbandon_ReleasesAndCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRequest(t, "LR-1", "proc-1", 5)

	require.NoError(t, f.sync.Abandon(ctx, "LR-1", "engine down"))

	stored, err := f.store.Request(ctx, "LR-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, stored.Status)
	assert.Equal(t, leave.StateSubmissionFailed, stored.CurrentWorkflowState)
	assert.Equal(t, leave.SettlementReleased, stored.Sync.Settlement)
	f.requireBalance(t, 0, 0)
	assert.Contains(t, f.auditActions(t, "LR-1"), leave.AuditSubmissionFailed)
}
