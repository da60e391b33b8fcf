package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/warp/leave-sync/callback"
	"github.com/warp/leave-sync/metrics"
)

// =============================================================================
// REQUEST VALIDATION
// =============================================================================

func TestSubmitLeave_ValidationMessages(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		body    SubmitLeaveRequest
		details string
	}{
		{
			"missing employee",
			SubmitLeaveRequest{LeaveTypeCode: "ANNUAL", StartDate: "2025-03-10", EndDate: "2025-03-14"},
			"employeeId is required",
		},
		{
			"missing dates",
			SubmitLeaveRequest{EmployeeID: "emp-1", LeaveTypeCode: "ANNUAL"},
			"startDate is required; endDate is required",
		},
		{
			"wrong date layout",
			SubmitLeaveRequest{EmployeeID: "emp-1", LeaveTypeCode: "ANNUAL", StartDate: "2025-03-10", EndDate: "14.03.2025"},
			"endDate must be a date formatted as 2006-01-02",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/leave/submit", tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, "Invalid request", resp.Error)
			assert.Equal(t, tt.details, resp.Details)
		})
	}
	s.requireBalance(t, 0, 0)
}

func TestDecisionAndCancel_RequireActor(t *testing.T) {
	s := newTestServer(t)
	dto := s.submit(t, "2025-03-10", "2025-03-14")

	rec := s.do(t, http.MethodPost, "/api/leave/"+dto.LeaveRequestID+"/manager-action", DecisionRequest{Approve: true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "actorId is required", decode[ErrorResponse](t, rec).Details)

	rec = s.do(t, http.MethodPost, "/api/leave/"+dto.LeaveRequestID+"/cancel", CancelRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "employeeId is required", decode[ErrorResponse](t, rec).Details)

	s.requireBalance(t, 0, 5)
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestRateLimitByIP(t *testing.T) {
	// GIVEN: a limiter with a burst of two and a negligible refill rate
	h := RateLimitByIP(0.001, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// WHEN/THEN: the third request from one address is rejected
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:5000"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:5002"))

	// AND: another address has its own bucket
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:5000"))
}

func TestRateLimitByIP_DisabledWhenRateNotPositive(t *testing.T) {
	h := RateLimitByIP(0, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestIPRateLimiter_EvictsIdleAddresses(t *testing.T) {
	// GIVEN: a limiter with a controllable clock
	clock := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l := newIPRateLimiter(rate.Limit(1), 1)
	l.now = func() time.Time { return clock }
	l.lastSweep = clock

	l.limiter("10.0.0.1")
	l.limiter("10.0.0.2")
	require.Equal(t, 2, l.size())

	// WHEN: one address keeps coming back and the other goes quiet past the TTL
	clock = clock.Add(limiterIdleTTL / 2)
	l.limiter("10.0.0.1")
	clock = clock.Add(limiterIdleTTL / 2)
	l.limiter("10.0.0.3")

	// THEN: only the idle address is dropped
	assert.Equal(t, 2, l.size())
	l.mu.Lock()
	_, idleKept := l.visitors["10.0.0.2"]
	_, activeKept := l.visitors["10.0.0.1"]
	l.mu.Unlock()
	assert.False(t, idleKept)
	assert.True(t, activeKept)
}

func TestRouter_LimitsPortalButNotCallbacks(t *testing.T) {
	s := newTestServer(t, RouterOptions{CORSOrigins: []string{"*"}, RequestsPerSecond: 0.001, Burst: 2})

	// Portal routes share one bucket per address.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/balances/emp-1?year=2025", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/leave/my-requests/emp-1", nil).Code)
	rec := s.do(t, http.MethodGet, "/api/balances/emp-1?year=2025", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)

	// Engine callbacks are never throttled.
	for i := 0; i < 5; i++ {
		rec := s.do(t, http.MethodPost, "/api/callback/status-changed", callback.StatusChangedRequest{
			ProcessID: "proc-unknown", SchemeCode: "LeaveApproval_v1", NewStatus: "Approved",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRouter_RealIPSeparatesForwardedClients(t *testing.T) {
	s := newTestServer(t, RouterOptions{RequestsPerSecond: 0.001, Burst: 1})

	call := func(forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/balances/emp-1?year=2025", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("203.0.113.7"))
	assert.Equal(t, http.StatusTooManyRequests, call("203.0.113.7"))
	assert.Equal(t, http.StatusOK, call("203.0.113.8"))
}

// =============================================================================
// METRICS
// =============================================================================

func TestRouter_MountsMetrics(t *testing.T) {
	m := metrics.New()
	m.CallbackHandled("status-changed", metrics.OutcomeOK)

	s := newTestServer(t, RouterOptions{Metrics: m.Handler()})
	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `leavesync_callbacks_total{op="status-changed",outcome="ok"} 1`)

	s = newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/metrics", nil).Code)
}
