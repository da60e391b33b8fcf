package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/leave-sync/callback"
)

// =============================================================================
// WORKFLOW ENGINE CALLBACKS
// =============================================================================
//
// Every callback answers with the callback.Response envelope. A failed
// envelope goes out as HTTP 500 so the engine redelivers; handlers are
// idempotent, so redelivery is safe.

// StatusChanged handles POST /api/callback/status-changed.
func (h *Handler) StatusChanged(w http.ResponseWriter, r *http.Request) {
	var req callback.StatusChangedRequest
	if !decodeCallback[struct{}](w, r, &req) {
		return
	}
	writeEnvelope(w, h.Dispatcher.OnStatusChanged(r.Context(), req))
}

// ActivityChanged handles POST /api/callback/activity-changed.
func (h *Handler) ActivityChanged(w http.ResponseWriter, r *http.Request) {
	var req callback.ActivityChangedRequest
	if !decodeCallback[struct{}](w, r, &req) {
		return
	}
	writeEnvelope(w, h.Dispatcher.OnActivityChanged(r.Context(), req))
}

// GetActions handles GET /api/callback/get-actions?schemeCode=.
func (h *Handler) GetActions(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, h.Dispatcher.OnGetActions(r.Context(), r.URL.Query().Get("schemeCode")))
}

// ExecuteAction handles POST /api/callback/execute-action.
func (h *Handler) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req callback.ExecuteActionRequest
	if !decodeCallback[callback.ActionResult](w, r, &req) {
		return
	}
	writeEnvelope(w, h.Dispatcher.OnExecuteAction(r.Context(), req))
}

// GetConditions handles GET /api/callback/get-conditions?schemeCode=.
func (h *Handler) GetConditions(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, h.Dispatcher.OnGetConditions(r.Context(), r.URL.Query().Get("schemeCode")))
}

// ExecuteCondition handles POST /api/callback/execute-condition.
func (h *Handler) ExecuteCondition(w http.ResponseWriter, r *http.Request) {
	var req callback.ExecuteConditionRequest
	if !decodeCallback[bool](w, r, &req) {
		return
	}
	writeEnvelope(w, h.Dispatcher.OnExecuteCondition(r.Context(), req))
}

// ProcessLogs handles POST /api/callback/process-log.
func (h *Handler) ProcessLogs(w http.ResponseWriter, r *http.Request) {
	var logs []callback.ProcessLog
	if !decodeCallback[int](w, r, &logs) {
		return
	}
	writeEnvelope(w, h.Dispatcher.OnProcessLogs(r.Context(), logs))
}

// GetIdentities handles GET /api/callback/get-identities?ruleName=&parameter=.
func (h *Handler) GetIdentities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeEnvelope(w, h.Dispatcher.OnGetIdentities(r.Context(), q.Get("ruleName"), q.Get("parameter")))
}

// GetRules handles GET /api/callback/get-rules?schemeCode=.
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, h.Dispatcher.OnGetRules(r.Context(), r.URL.Query().Get("schemeCode")))
}

// CheckRule handles POST /api/callback/check-rule.
func (h *Handler) CheckRule(w http.ResponseWriter, r *http.Request) {
	var req callback.CheckRuleRequest
	if !decodeCallback[bool](w, r, &req) {
		return
	}
	writeEnvelope(w, h.Dispatcher.OnCheckRule(r.Context(), req))
}

// decodeCallback decodes the body into dst, answering a malformed body with
// a 400 failure envelope of type T.
func decodeCallback[T any](w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, callback.Fail[T](fmt.Errorf("invalid request body: %w", err)))
		return false
	}
	return true
}

func writeEnvelope[T any](w http.ResponseWriter, resp callback.Response[T]) {
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}
