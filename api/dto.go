/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the portal API. These types decouple the
  domain model from the external contract. Callback payloads are not here:
  the engine's wire shapes live in the callback package.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags, checked by decodeBody
  before the handler runs. Domain rules stay in the leave service.

DATES:
  Calendar dates travel as YYYY-MM-DD, timestamps as RFC 3339, day counts
  as decimal strings.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/ledger"
	"github.com/warp/leave-sync/workflow"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SubmitLeaveRequest is the body of POST /api/leave/submit.
type SubmitLeaveRequest struct {
	EmployeeID    string `json:"employeeId" validate:"required"`
	LeaveTypeCode string `json:"leaveTypeCode" validate:"required"`
	StartDate     string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate       string `json:"endDate" validate:"required,datetime=2006-01-02"`
	Reason        string `json:"reason" validate:"max=1000"`
	ApproverID    string `json:"approverId,omitempty"`
}

// DecisionRequest is the body of the manager and HR action endpoints.
type DecisionRequest struct {
	ActorID  string `json:"actorId" validate:"required"`
	Approve  bool   `json:"approve"`
	Comments string `json:"comments" validate:"max=1000"`
}

// CancelRequest is the body of POST /api/leave/{id}/cancel.
type CancelRequest struct {
	EmployeeID string `json:"employeeId" validate:"required"`
}

// ExecuteCommandRequest is the body of POST /api/leave/{id}/execute-command.
type ExecuteCommandRequest struct {
	ActorID    string         `json:"actorId" validate:"required"`
	Command    string         `json:"command" validate:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BalanceCheckDTO answers GET /api/balances/{userId}/check.
type BalanceCheckDTO struct {
	UserID        string          `json:"userId"`
	LeaveTypeCode string          `json:"leaveTypeCode"`
	Year          int             `json:"year"`
	Days          decimal.Decimal `json:"days"`
	Sufficient    bool            `json:"sufficient"`
}

// SchemeDTO describes the deployed scheme versions of one workflow type.
type SchemeDTO struct {
	WorkflowType string            `json:"workflowType"`
	ActiveScheme string            `json:"activeScheme"`
	Versions     map[string]string `json:"versions"`
}

// LeaveRequestDTO represents a leave request in API responses.
type LeaveRequestDTO struct {
	LeaveRequestID     string          `json:"leaveRequestId"`
	WorkflowProcessID  string          `json:"workflowProcessId,omitempty"`
	WorkflowSchemeCode string          `json:"workflowSchemeCode,omitempty"`
	UserID             string          `json:"userId"`
	LeaveTypeID        string          `json:"leaveTypeId"`
	StartDate          string          `json:"startDate"`
	EndDate            string          `json:"endDate"`
	TotalDays          decimal.Decimal `json:"totalDays"`
	Reason             string          `json:"reason,omitempty"`
	ApproverID         string          `json:"approverId,omitempty"`
	Status             string          `json:"status"`
	WorkflowState      string          `json:"workflowState,omitempty"`
	Settlement         string          `json:"settlement,omitempty"`
	SubmittedAt        *string         `json:"submittedAt,omitempty"`
	ApprovedAt         *string         `json:"approvedAt,omitempty"`
	RejectedAt         *string         `json:"rejectedAt,omitempty"`
	CancelledAt        *string         `json:"cancelledAt,omitempty"`
	CreatedAt          string          `json:"createdAt"`
	UpdatedAt          string          `json:"updatedAt"`
}

// LeaveRequestDetailDTO adds the approval history.
type LeaveRequestDetailDTO struct {
	LeaveRequestDTO
	Approvals []ApprovalDTO `json:"approvals"`
}

// ApprovalDTO is one recorded decision.
type ApprovalDTO struct {
	ApproverID string `json:"approverId"`
	Role       string `json:"role"`
	Action     string `json:"action"`
	Comments   string `json:"comments,omitempty"`
	At         string `json:"at"`
}

// BalanceDTO is one balance account.
type BalanceDTO struct {
	LeaveTypeID      string          `json:"leaveTypeId"`
	Year             int             `json:"year"`
	TotalDays        decimal.Decimal `json:"totalDays"`
	UsedDays         decimal.Decimal `json:"usedDays"`
	PendingDays      decimal.Decimal `json:"pendingDays"`
	AvailableDays    decimal.Decimal `json:"availableDays"`
	CarryForwardDays decimal.Decimal `json:"carryForwardDays"`
}

// InitializeBalancesDTO reports how many accounts were opened.
type InitializeBalancesDTO struct {
	Year    int `json:"year"`
	Created int `json:"created"`
}

// ErrorResponse is the error body of non-callback endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLeaveRequestDTO(r *leave.Request) LeaveRequestDTO {
	return LeaveRequestDTO{
		LeaveRequestID:     r.LeaveRequestID,
		WorkflowProcessID:  r.WorkflowProcessID,
		WorkflowSchemeCode: r.WorkflowSchemeCode,
		UserID:             r.UserID,
		LeaveTypeID:        r.LeaveTypeID,
		StartDate:          r.StartDate.Format(time.DateOnly),
		EndDate:            r.EndDate.Format(time.DateOnly),
		TotalDays:          r.TotalDays,
		Reason:             r.Reason,
		ApproverID:         r.SelectedApproverID,
		Status:             string(r.Status),
		WorkflowState:      r.CurrentWorkflowState,
		Settlement:         string(r.Sync.Settlement),
		SubmittedAt:        timestamp(r.SubmittedAt),
		ApprovedAt:         timestamp(r.ApprovedAt),
		RejectedAt:         timestamp(r.RejectedAt),
		CancelledAt:        timestamp(r.CancelledAt),
		CreatedAt:          r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          r.UpdatedAt.Format(time.RFC3339),
	}
}

func toLeaveRequestDTOs(rs []*leave.Request) []LeaveRequestDTO {
	dtos := make([]LeaveRequestDTO, len(rs))
	for i, r := range rs {
		dtos[i] = toLeaveRequestDTO(r)
	}
	return dtos
}

func toApprovalDTOs(as []leave.Approval) []ApprovalDTO {
	dtos := make([]ApprovalDTO, len(as))
	for i, a := range as {
		dtos[i] = ApprovalDTO{
			ApproverID: a.ApproverID,
			Role:       string(a.Role),
			Action:     string(a.Action),
			Comments:   a.Comments,
			At:         a.At.Format(time.RFC3339),
		}
	}
	return dtos
}

func toSchemeDTOs(r *workflow.SchemeRegistry) []SchemeDTO {
	out := []SchemeDTO{}
	if r == nil {
		return out
	}
	for _, t := range r.WorkflowTypes() {
		active, err := r.ActiveScheme(t)
		if err != nil {
			continue
		}
		dto := SchemeDTO{WorkflowType: t, ActiveScheme: active, Versions: map[string]string{}}
		for _, v := range r.Versions(t) {
			if code, ok := r.SchemeVersion(t, v); ok {
				dto.Versions[v] = code
			}
		}
		out = append(out, dto)
	}
	return out
}

func toBalanceDTOs(accounts []ledger.Account) []BalanceDTO {
	dtos := make([]BalanceDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = BalanceDTO{
			LeaveTypeID:      a.LeaveTypeID,
			Year:             a.Year,
			TotalDays:        a.TotalDays,
			UsedDays:         a.UsedDays,
			PendingDays:      a.PendingDays,
			AvailableDays:    a.AvailableDays(),
			CarryForwardDays: a.CarryForwardDays,
		}
	}
	return dtos
}

func timestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
