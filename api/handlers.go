/*
handlers.go - HTTP API handlers for leave requests and balances

PURPOSE:
  Exposes the leave service and the balance ledger via REST. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Leave:
    POST   /api/leave/submit                       Submit a request
    GET    /api/leave/{id}                         Request with approvals
    GET    /api/leave/my-requests/{userId}         Requests of an employee
    GET    /api/leave/pending-approvals/{approverId} Awaiting a decision
    GET    /api/leave/{id}/actions?actorId=        Engine commands for an actor
    POST   /api/leave/{id}/manager-action          Manager decision
    POST   /api/leave/{id}/hr-action               HR decision
    POST   /api/leave/{id}/cancel                  Withdraw
    POST   /api/leave/{id}/execute-command         Raw engine command

  Balances:
    GET    /api/balances/{userId}?year=            Accounts of a user
    GET    /api/balances/{userId}/check?leaveTypeCode=&days=&year=
                                                   Advisory balance check
    GET    /api/workflow/schemes                   Deployed scheme versions
    POST   /api/admin/balances/initialize?year=    Open accounts for a year

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status from statusFor:
  - 400: Validation errors, insufficient balance
  - 403: Actor may not act on the request
  - 404: Unknown request, user or account
  - 409: Request state does not allow the operation
  - 502: Workflow engine failure
  - 500: Internal errors

SEE ALSO:
  - callbacks.go: Engine callback endpoints
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-sync/callback"
	"github.com/warp/leave-sync/identity"
	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/ledger"
	"github.com/warp/leave-sync/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service    *leave.Service
	Ledger     *ledger.Ledger
	Dispatcher *callback.Dispatcher
	Store      Pinger // optional
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewHandler creates a handler using the wall clock.
func NewHandler(svc *leave.Service, l *ledger.Ledger, d *callback.Dispatcher, store Pinger, logger *zap.Logger) *Handler {
	return &Handler{
		Service:    svc,
		Ledger:     l,
		Dispatcher: d,
		Store:      store,
		Logger:     logger,
		Now:        time.Now,
	}
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// =============================================================================
// LEAVE REQUEST HANDLERS
// =============================================================================

// SubmitLeave submits a new leave request.
// POST /api/leave/submit
func (h *Handler) SubmitLeave(w http.ResponseWriter, r *http.Request) {
	var req SubmitLeaveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	start, err := time.Parse(time.DateOnly, req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid startDate format (use YYYY-MM-DD)", err)
		return
	}
	end, err := time.Parse(time.DateOnly, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid endDate format (use YYYY-MM-DD)", err)
		return
	}

	created, err := h.Service.Submit(r.Context(), leave.SubmitRequest{
		EmployeeID:    req.EmployeeID,
		LeaveTypeCode: req.LeaveTypeCode,
		StartDate:     start,
		EndDate:       end,
		Reason:        req.Reason,
		ApproverID:    req.ApproverID,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to submit leave request", err)
		return
	}

	writeJSON(w, http.StatusCreated, toLeaveRequestDTO(created))
}

// GetLeave returns a request and its approval history.
// GET /api/leave/{id}
func (h *Handler) GetLeave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := h.Service.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get leave request", err)
		return
	}
	approvals, err := h.Service.Approvals(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get approvals", err)
		return
	}

	writeJSON(w, http.StatusOK, LeaveRequestDetailDTO{
		LeaveRequestDTO: toLeaveRequestDTO(req),
		Approvals:       toApprovalDTOs(approvals),
	})
}

// ListMyRequests returns an employee's requests, newest first.
// GET /api/leave/my-requests/{userId}
func (h *Handler) ListMyRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Service.ListForUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.writeDomainError(w, "Failed to list leave requests", err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveRequestDTOs(reqs))
}

// ListPendingApprovals returns the requests waiting on an approver.
// GET /api/leave/pending-approvals/{approverId}
func (h *Handler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Service.PendingApprovals(r.Context(), chi.URLParam(r, "approverId"))
	if err != nil {
		h.writeDomainError(w, "Failed to list pending approvals", err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveRequestDTOs(reqs))
}

// GetAvailableActions lists the engine commands available to an actor.
// GET /api/leave/{id}/actions?actorId=
func (h *Handler) GetAvailableActions(w http.ResponseWriter, r *http.Request) {
	actorID := r.URL.Query().Get("actorId")
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "actorId is required", nil)
		return
	}

	commands, err := h.Service.AvailableCommands(r.Context(), chi.URLParam(r, "id"), actorID)
	if err != nil {
		h.writeDomainError(w, "Failed to get available actions", err)
		return
	}
	if commands == nil {
		commands = []workflow.Command{}
	}
	writeJSON(w, http.StatusOK, commands)
}

// ManagerAction records the manager's decision.
// POST /api/leave/{id}/manager-action
func (h *Handler) ManagerAction(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.Service.ManagerAction)
}

// HRAction records HR's decision.
// POST /api/leave/{id}/hr-action
func (h *Handler) HRAction(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.Service.HRAction)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, string, leave.Decision) (*leave.Request, error)) {
	var req DecisionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := fn(r.Context(), chi.URLParam(r, "id"), leave.Decision{
		ActorID:  req.ActorID,
		Approve:  req.Approve,
		Comments: req.Comments,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record decision", err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveRequestDTO(updated))
}

// CancelLeave withdraws a request on behalf of its owner.
// POST /api/leave/{id}/cancel
func (h *Handler) CancelLeave(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.Service.Cancel(r.Context(), chi.URLParam(r, "id"), req.EmployeeID)
	if err != nil {
		h.writeDomainError(w, "Failed to cancel leave request", err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveRequestDTO(updated))
}

// ExecuteCommand forwards an arbitrary engine command.
// POST /api/leave/{id}/execute-command
func (h *Handler) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req ExecuteCommandRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.Service.ExecuteCommand(r.Context(), chi.URLParam(r, "id"), req.ActorID, req.Command, req.Parameters)
	if err != nil {
		h.writeDomainError(w, "Failed to execute command", err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveRequestDTO(updated))
}

// ListLeaveTypes returns the configured leave types.
// GET /api/leave-types
func (h *Handler) ListLeaveTypes(w http.ResponseWriter, r *http.Request) {
	types := h.Service.LeaveTypes
	if types == nil {
		types = []leave.LeaveType{}
	}
	writeJSON(w, http.StatusOK, types)
}

// ListSchemes returns the workflow scheme versions new processes can use.
// GET /api/workflow/schemes
func (h *Handler) ListSchemes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSchemeDTOs(h.Service.Schemes))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// CheckBalance reports whether a number of days could be reserved now. The
// answer is advisory; submission re-checks atomically.
// GET /api/balances/{userId}/check?leaveTypeCode=&days=&year=
func (h *Handler) CheckBalance(w http.ResponseWriter, r *http.Request) {
	year, ok := h.yearParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	code := q.Get("leaveTypeCode")
	if code == "" {
		writeError(w, http.StatusBadRequest, "leaveTypeCode is required", nil)
		return
	}
	days, err := decimal.NewFromString(q.Get("days"))
	if err != nil || !days.IsPositive() {
		writeError(w, http.StatusBadRequest, "days must be a positive number", err)
		return
	}

	key := ledger.Key{UserID: chi.URLParam(r, "userId"), LeaveTypeID: code, Year: year}
	sufficient, err := h.Ledger.HasSufficientBalance(r.Context(), key, days)
	if err != nil {
		h.writeDomainError(w, "Failed to check balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceCheckDTO{
		UserID:        key.UserID,
		LeaveTypeCode: code,
		Year:          year,
		Days:          days,
		Sufficient:    sufficient,
	})
}

// GetBalances returns a user's accounts for a year (default: current year).
// GET /api/balances/{userId}?year=
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	year, ok := h.yearParam(w, r)
	if !ok {
		return
	}

	accounts, err := h.Ledger.Balances(r.Context(), chi.URLParam(r, "userId"), year)
	if err != nil {
		h.writeDomainError(w, "Failed to get balances", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTOs(accounts))
}

// InitializeBalances opens the year's accounts for every active user.
// POST /api/admin/balances/initialize?year=
func (h *Handler) InitializeBalances(w http.ResponseWriter, r *http.Request) {
	year, ok := h.yearParam(w, r)
	if !ok {
		return
	}

	created, err := h.Service.InitializeBalances(r.Context(), year)
	if err != nil {
		h.writeDomainError(w, "Failed to initialize balances", err)
		return
	}
	writeJSON(w, http.StatusOK, InitializeBalancesDTO{Year: year, Created: created})
}

func (h *Handler) yearParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("year")
	if raw == "" {
		return h.Now().Year(), true
	}
	year, err := strconv.Atoi(raw)
	if err != nil || year < 1 {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return 0, false
	}
	return year, true
}

// Health reports liveness and pings the store.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a service or ledger error to its HTTP status.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error(message, zap.Error(err), zap.Int("status", status))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, leave.ErrValidation), ledger.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, leave.ErrForbidden):
		return http.StatusForbidden
	case leave.IsNotFound(err), ledger.IsNotFound(err), errors.Is(err, identity.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, leave.ErrConflict), errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
