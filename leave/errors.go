/*
errors.go - Error taxonomy for leave requests

ERROR CATEGORIES:
  1. Validation: ErrValidation (bad dates, overlap, wrong approver)
  2. Authorization: ErrForbidden (actor may not act on the request)
  3. State conflict: ErrConflict (request not in the expected status)
  4. Lookup: ErrNotFound, UnknownProcessError

Errors from other packages pass through unchanged:
  *ledger.InsufficientBalanceError, *workflow.UpstreamEngineError
*/
package leave

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("request is not in a state that allows this")
	ErrNotFound   = errors.New("leave request not found")

	// ErrUnknownProcess marks callbacks for processes with no local request.
	ErrUnknownProcess = errors.New("unknown process")
)

// UnknownProcessError is returned when neither the process id nor the
// LeaveRequestId parameter resolves to a local request.
type UnknownProcessError struct {
	ProcessID      string
	LeaveRequestID string
}

func (e *UnknownProcessError) Error() string {
	if e.LeaveRequestID != "" {
		return fmt.Sprintf("no leave request for process %q (leave request id %q)", e.ProcessID, e.LeaveRequestID)
	}
	return fmt.Sprintf("no leave request for process %q", e.ProcessID)
}

func (e *UnknownProcessError) Unwrap() error {
	return ErrUnknownProcess
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsClientError returns true for errors caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConflict)
}

// IsNotFound returns true for missing requests or processes.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownProcess)
}
