package gateway

import (
	"errors"
	"fmt"
)

// StartError reports that a kernel session could not be provisioned: the
// gateway refused the start, the channels socket would not dial, or the
// kernel never answered the handshake. Verdict-wise this is an
// infrastructure fault, never a notebook failure.
type StartError struct {
	Endpoint string
	KernelID string // empty when the kernel never started
	Err      error
}

func (e *StartError) Error() string {
	switch {
	case e.Endpoint == "":
		return fmt.Sprintf("provision session: %v", e.Err)
	case e.KernelID == "":
		return fmt.Sprintf("gateway %s: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("gateway %s: kernel %s: %v", e.Endpoint, e.KernelID, e.Err)
	}
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// IsStartError reports whether err is a session provisioning failure.
func IsStartError(err error) bool {
	var se *StartError
	return errors.As(err, &se)
}

// StatusError is returned for non-2xx gateway responses. Carrying the
// status code lets callers distinguish retriable (5xx) from
// non-retriable (4xx) failures.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}
