/*
Package workflow models the external workflow engine: process snapshots it
sends with callbacks, the scheme codes that name workflow types, and the
outbound client used to drive process instances.

KEY CONCEPTS IN THIS FILE (instance.go):
  - ProcessInstance: Snapshot of a process as delivered by the engine
  - DecodeProcessInstance: Lenient decoder for the snapshot payload
  - TypeOf: Workflow type encoded in a scheme code

LENIENT DECODING:
  The engine serializes the snapshot as a loosely typed object. Depending on
  the callback it arrives as:
    - null / absent          -> nil instance, no error
    - a JSON object          -> decoded
    - a JSON string holding an object -> unwrapped, then decoded
  Every field is decoded on its own. A field that fails to decode keeps its
  zero value; it never poisons the others. Keys match case-insensitively.

SCHEME CODES:
  "LeaveApproval_v2" -> workflow type "LeaveApproval"
  "PurchaseOrder"    -> workflow type "PurchaseOrder"
  ""                 -> workflow type "Generic"
*/
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// GenericType is the workflow type of snapshots without a scheme code.
const GenericType = "Generic"

// TypeOf returns the workflow type prefix of a scheme code: the part before
// the first underscore, or the whole code when it has none.
func TypeOf(schemeCode string) string {
	code := strings.TrimSpace(schemeCode)
	if i := strings.IndexByte(code, '_'); i >= 0 {
		code = code[:i]
	}
	if code == "" {
		return GenericType
	}
	return code
}

// =============================================================================
// PROCESS INSTANCE
// =============================================================================

// InstanceStatus is the engine's lifecycle status of a process.
type InstanceStatus int

const (
	InstanceInitialized InstanceStatus = iota
	InstanceRunning
	InstanceIdled
	InstanceFinalized
	InstanceTerminated
	InstanceError
)

// ProcessInstance is a snapshot of an engine process.
type ProcessInstance struct {
	ID               string         `json:"id,omitempty"`
	StateName        string         `json:"stateName,omitempty"`
	ActivityName     string         `json:"activityName,omitempty"`
	SchemeID         string         `json:"schemeId,omitempty"`
	SchemeCode       string         `json:"schemeCode,omitempty"`
	PreviousState    string         `json:"previousState,omitempty"`
	PreviousActivity string         `json:"previousActivity,omitempty"`
	ParentProcessID  string         `json:"parentProcessId,omitempty"`
	RootProcessID    string         `json:"rootProcessId,omitempty"`
	InstanceStatus   InstanceStatus `json:"instanceStatus"`
	IsSubProcess     bool           `json:"isSubProcess,omitempty"`
	TenantID         string         `json:"tenantId,omitempty"`
	Transitions      []Transition   `json:"transitions,omitempty"`
	History          []HistoryItem  `json:"history,omitempty"`
	Parameters       Params         `json:"processParameters,omitempty"`
	SubProcessIDs    []string       `json:"subProcessIds,omitempty"`
}

// Transition is one executed transition in the process.
type Transition struct {
	ActorIdentityID    string    `json:"actorIdentityId,omitempty"`
	ExecutorIdentityID string    `json:"executorIdentityId,omitempty"`
	FromActivityName   string    `json:"fromActivityName,omitempty"`
	FromStateName      string    `json:"fromStateName,omitempty"`
	ToActivityName     string    `json:"toActivityName,omitempty"`
	ToStateName        string    `json:"toStateName,omitempty"`
	IsFinalised        bool      `json:"isFinalised,omitempty"`
	TriggerName        string    `json:"triggerName,omitempty"`
	TransitionTime     time.Time `json:"transitionTime"`
}

// HistoryItem is one entry of the process history.
type HistoryItem struct {
	IdentityID       string `json:"identityId,omitempty"`
	InitialState     string `json:"initialState,omitempty"`
	DestinationState string `json:"destinationState,omitempty"`
	Command          string `json:"command,omitempty"`
	Order            int64  `json:"order,omitempty"`
}

// Params returns the parameter bag; safe on a nil instance.
func (p *ProcessInstance) Params() Params {
	if p == nil {
		return nil
	}
	return p.Parameters
}

// State returns the state name; safe on a nil instance.
func (p *ProcessInstance) State() string {
	if p == nil {
		return ""
	}
	return p.StateName
}

// =============================================================================
// DECODING
// =============================================================================

// ErrMalformedInstance is returned when the payload is neither null, an
// object, nor a string containing an object.
var ErrMalformedInstance = errors.New("malformed process instance")

// DecodeProcessInstance decodes a snapshot payload leniently.
func DecodeProcessInstance(raw []byte) (*ProcessInstance, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, ErrMalformedInstance
		}
		return DecodeProcessInstance([]byte(inner))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, ErrMalformedInstance
	}
	fields = lowerKeys(fields)

	pi := &ProcessInstance{}
	decodeField(fields, &pi.ID, "id", "processid")
	decodeField(fields, &pi.StateName, "statename")
	decodeField(fields, &pi.ActivityName, "activityname")
	decodeField(fields, &pi.SchemeID, "schemeid")
	decodeField(fields, &pi.SchemeCode, "schemecode")
	decodeField(fields, &pi.PreviousState, "previousstate")
	decodeField(fields, &pi.PreviousActivity, "previousactivity")
	decodeField(fields, &pi.ParentProcessID, "parentprocessid")
	decodeField(fields, &pi.RootProcessID, "rootprocessid")
	decodeField(fields, &pi.InstanceStatus, "instancestatus")
	decodeField(fields, &pi.IsSubProcess, "issubprocess")
	decodeField(fields, &pi.TenantID, "tenantid")
	decodeField(fields, &pi.Transitions, "transitions")
	decodeField(fields, &pi.History, "history")
	decodeField(fields, &pi.SubProcessIDs, "subprocessids")

	for _, name := range []string{"processparameters", "parameters"} {
		if v, ok := fields[name]; ok {
			if params, err := decodeParams(v); err == nil {
				pi.Parameters = params
				break
			}
		}
	}
	return pi, nil
}

func lowerKeys(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

// decodeField decodes the first present alias into dst. On failure dst is reset
// to its zero value.
func decodeField[T any](fields map[string]json.RawMessage, dst *T, names ...string) {
	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			continue
		}
		var val T
		if err := json.Unmarshal(v, &val); err != nil {
			var zero T
			*dst = zero
			continue
		}
		*dst = val
		return
	}
}
