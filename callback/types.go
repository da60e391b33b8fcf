/*
Package callback receives the workflow engine's callbacks and routes them to
the handler registered for the process's workflow type.

KEY CONCEPTS IN THIS FILE (types.go):
  - Response: Envelope returned to the engine for every callback
  - Request types: The callback payloads as the engine posts them
  - Handler: Per-workflow-type strategy

DELIVERY MODEL:
  The engine delivers at least once and in no guaranteed order. Handlers
  must therefore be idempotent: a redelivered callback must leave state
  exactly as the first delivery did. A failed response makes the engine
  retry later.

SEE ALSO:
  - registry.go: Handler lookup with generic fallback
  - dispatcher.go: Decoding, panic recovery, response envelopes
  - leave_handler.go: Ledger-aware leave approval handler
*/
package callback

import (
	"context"
	"encoding/json"
	"time"

	"github.com/warp/leave-sync/workflow"
)

// =============================================================================
// RESPONSE ENVELOPE
// =============================================================================

const (
	CodeSuccess = "SUCCESS"
	CodeError   = "ERROR"
)

// Response is the envelope every callback answers with.
type Response[T any] struct {
	Success  bool     `json:"success"`
	Data     T        `json:"data"`
	Code     string   `json:"code"`
	Messages []string `json:"messages"`
}

// OK builds a success response.
func OK[T any](data T, messages ...string) Response[T] {
	if messages == nil {
		messages = []string{}
	}
	return Response[T]{Success: true, Data: data, Code: CodeSuccess, Messages: messages}
}

// Fail builds a failure response carrying err's message.
func Fail[T any](err error) Response[T] {
	var zero T
	return Response[T]{Success: false, Data: zero, Code: CodeError, Messages: []string{err.Error()}}
}

// =============================================================================
// INBOUND PAYLOADS
// =============================================================================

// StatusChangedRequest is posted when a process enters a new state.
type StatusChangedRequest struct {
	ProcessID       string          `json:"processId"`
	SchemeCode      string          `json:"schemeCode"`
	OldStatus       string          `json:"oldStatus"`
	NewStatus       string          `json:"newStatus"`
	ProcessInstance json.RawMessage `json:"processInstance"`
}

// ActivityChangedRequest is posted when the current activity changes.
type ActivityChangedRequest struct {
	ProcessID            string          `json:"processId"`
	SchemeCode           string          `json:"schemeCode"`
	PreviousActivityName string          `json:"previousActivityName"`
	CurrentActivityName  string          `json:"currentActivityName"`
	ProcessInstance      json.RawMessage `json:"processInstance"`
}

// ExecuteActionRequest asks the host to run an action of the scheme.
type ExecuteActionRequest struct {
	Name            string          `json:"name"`
	Parameter       string          `json:"parameter"`
	SchemeCode      string          `json:"schemeCode"`
	ProcessInstance json.RawMessage `json:"processInstance"`
}

// ExecuteConditionRequest asks the host to evaluate a condition of the scheme.
type ExecuteConditionRequest struct {
	Name            string          `json:"name"`
	Parameter       string          `json:"parameter"`
	SchemeCode      string          `json:"schemeCode"`
	ProcessInstance json.RawMessage `json:"processInstance"`
}

// CheckRuleRequest asks whether an identity satisfies a rule.
type CheckRuleRequest struct {
	IdentityID string `json:"identityId"`
	RuleName   string `json:"ruleName"`
	Parameter  string `json:"parameter"`
	SchemeCode string `json:"schemeCode"`
}

// ProcessLog is one log line the engine hands over for archiving.
type ProcessLog struct {
	ProcessID string    `json:"processId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionResult is returned from an executed action.
type ActionResult struct {
	UpdatedParameters map[string]any `json:"updatedParameters"`
}

// =============================================================================
// HANDLER CONTRACT
// =============================================================================

// StatusEvent is a decoded status change.
type StatusEvent struct {
	ProcessID  string
	SchemeCode string
	OldStatus  string
	NewStatus  string
	Instance   *workflow.ProcessInstance // nil when the engine sent none
}

// ActivityEvent is a decoded activity change.
type ActivityEvent struct {
	ProcessID        string
	SchemeCode       string
	PreviousActivity string
	CurrentActivity  string
	Instance         *workflow.ProcessInstance
}

// Call is a decoded action or condition invocation.
type Call struct {
	Name       string
	Parameter  string
	SchemeCode string
	Instance   *workflow.ProcessInstance
}

// ProcessID returns the id of the process the call belongs to.
func (c Call) ProcessID() string {
	if c.Instance == nil {
		return ""
	}
	return c.Instance.ID
}

// Handler implements the callbacks of one workflow type.
type Handler interface {
	WorkflowType() string
	OnStatusChanged(ctx context.Context, ev StatusEvent) error
	OnActivityChanged(ctx context.Context, ev ActivityEvent) error
	Actions(ctx context.Context, schemeCode string) []string
	ExecuteAction(ctx context.Context, call Call) (map[string]any, error)
	Conditions(ctx context.Context, schemeCode string) []string
	// ExecuteCondition must not change any state.
	ExecuteCondition(ctx context.Context, call Call) (bool, error)
}
