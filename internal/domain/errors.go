package domain

import (
	"errors"
	"fmt"
)

// EngineError is the unified error type for the scheduler.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches any EngineError carrying the same code, so wrapped or
// re-messaged errors still compare equal to the sentinels below.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	if cause == nil {
		return &EngineError{Code: code, Message: msg}
	}
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause), Cause: cause}
}

// Errorf builds an EngineError with the sentinel's code and a formatted message
// prefixed by the sentinel's own message.
func Errorf(sentinel *EngineError, format string, args ...any) *EngineError {
	return &EngineError{
		Code:    sentinel.Code,
		Message: sentinel.Message + ": " + fmt.Sprintf(format, args...),
	}
}

// ---- State machine errors (-32010 to -32019) ----

var (
	ErrCapacityViolation = &EngineError{Code: -32010, Message: "free agent count outside pool bounds"}
	ErrInvalidPhase      = &EngineError{Code: -32011, Message: "invalid phase value"}
)

// ---- Coordinator contract errors (-32020 to -32039) ----

var (
	ErrContractViolation  = &EngineError{Code: -32020, Message: "coordinator contract violation"}
	ErrMalformedReply     = &EngineError{Code: -32021, Message: "agent reply failed validation"}
	ErrMissingArtifact    = &EngineError{Code: -32022, Message: "required artifact missing before agent call"}
	ErrInconsistentVerify = &EngineError{Code: -32023, Message: "verify outcome inconsistent with two-try policy"}
	ErrCoordinatorInUse   = &EngineError{Code: -32024, Message: "coordinator still holds state from a previous bug"}
	ErrAgentCall          = &EngineError{Code: -32030, Message: "agent call failed"}
	ErrStaleResponse      = &EngineError{Code: -32031, Message: "agent reply arrived after the bug retired"}
	ErrRoleUnavailable    = &EngineError{Code: -32032, Message: "no agent registered for role"}
)

// ---- Resource errors (-32040 to -32049) ----

var (
	ErrResourceExhausted = &EngineError{Code: -32040, Message: "no free agent block"}
	ErrAlreadyAllocated  = &EngineError{Code: -32041, Message: "bug already holds an agent block"}
	ErrNotAllocated      = &EngineError{Code: -32042, Message: "bug holds no agent block"}
)

// ---- Config / Store / Scheduler errors (-32050 to -32079) ----

var (
	ErrConfigInvalid = &EngineError{Code: -32050, Message: "invalid configuration"}
	ErrStoreInit     = &EngineError{Code: -32060, Message: "failed to initialize store"}
	ErrStoreQuery    = &EngineError{Code: -32061, Message: "store query failed"}
	ErrStoreWrite    = &EngineError{Code: -32062, Message: "store write failed"}
	ErrTicketInvalid = &EngineError{Code: -32070, Message: "invalid bug ticket"}
	ErrBugNotFound   = &EngineError{Code: -32071, Message: "bug not found"}
	ErrDuplicateBug  = &EngineError{Code: -32072, Message: "bug id already submitted"}
)

// IsCapacityViolation reports whether err signals a broken pool invariant.
func IsCapacityViolation(err error) bool {
	return errors.Is(err, ErrCapacityViolation)
}

// IsContractViolation reports whether err is a coordinator contract violation
// or an agent call failure. Both are fatal for the owning bug's pipeline.
func IsContractViolation(err error) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return false
	}
	switch ee.Code {
	case ErrContractViolation.Code, ErrMalformedReply.Code, ErrMissingArtifact.Code,
		ErrInconsistentVerify.Code, ErrCoordinatorInUse.Code,
		ErrAgentCall.Code, ErrRoleUnavailable.Code:
		return true
	}
	return false
}

// IsStale reports whether err is a dropped late reply.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleResponse)
}
