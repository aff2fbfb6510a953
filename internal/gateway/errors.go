package gateway

import (
	"errors"
	"fmt"
)

// ToolUnavailableError means the quantitative service could not produce a
// result: network failure, timeout, 5xx, 429 or a malformed response.
// Callers degrade rather than fail.
type ToolUnavailableError struct {
	Operation Operation
	Status    int // HTTP status, 0 when no response was received
	Reason    string
	Err       error
}

func (e *ToolUnavailableError) Error() string {
	msg := fmt.Sprintf("tool %s unavailable: %s", e.Operation, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolUnavailableError) Unwrap() error { return e.Err }

// ToolInputError means the service rejected the request itself. Retrying the
// same payload cannot succeed.
type ToolInputError struct {
	Operation Operation
	Status    int
	Detail    string
}

func (e *ToolInputError) Error() string {
	return fmt.Sprintf("tool %s rejected input: %s", e.Operation, e.Detail)
}

// IsUnavailable reports whether err is a *ToolUnavailableError.
func IsUnavailable(err error) bool {
	var u *ToolUnavailableError
	return errors.As(err, &u)
}

// IsInput reports whether err is a *ToolInputError.
func IsInput(err error) bool {
	var in *ToolInputError
	return errors.As(err, &in)
}
