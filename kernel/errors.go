package kernel

import (
	"errors"
	"fmt"
)

// ProtocolViolationError reports misuse of a session: submitting while
// busy, starting twice, using a torn-down session. These indicate a bug
// in the calling engine, never a kernel fault, and must not be retried
// or swallowed.
type ProtocolViolationError struct {
	// Op is the operation that was misused.
	Op string
	// State is the session state at the time of the call.
	State State
	// Reason explains the violation.
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s in state %s: %s", e.Op, e.State, e.Reason)
}

// IsProtocolViolation returns true if the error is a session misuse.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolationError
	return errors.As(err, &pv)
}

// CrashError reports that the kernel process or its connection died. Any
// execution in flight when the crash happened is lost; the session is
// unusable afterwards.
type CrashError struct {
	// KernelID identifies the dead kernel.
	KernelID string
	// Err is the underlying transport or protocol failure.
	Err error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("kernel %s crashed: %v", e.KernelID, e.Err)
}

func (e *CrashError) Unwrap() error {
	return e.Err
}

// IsCrash returns true if the error reports a dead kernel.
func IsCrash(err error) bool {
	var ce *CrashError
	return errors.As(err, &ce)
}
