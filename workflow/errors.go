package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstream marks every failure talking to the workflow engine.
	ErrUpstream = errors.New("workflow engine unavailable")

	// ErrUnknownWorkflowType is returned by the scheme registry for unregistered types.
	ErrUnknownWorkflowType = errors.New("unknown workflow type")
)

// UpstreamEngineError is a failed outbound call to the workflow engine.
type UpstreamEngineError struct {
	Op         string
	ProcessID  string
	StatusCode int    // 0 when the request never got a response
	Body       string // truncated response body, if any
	Err        error
}

func (e *UpstreamEngineError) Error() string {
	msg := "workflow engine " + e.Op
	if e.ProcessID != "" {
		msg += " (process " + e.ProcessID + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamEngineError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstream}
	}
	return []error{ErrUpstream, e.Err}
}
