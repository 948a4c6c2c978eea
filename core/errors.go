package core

import (
	"fmt"
	"strings"
)

// ParseError describes a malformed scenario document. It is the only error
// kind fatal to a run; it always surfaces before any network mutation.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scenario parse: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("scenario parse: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TargetUnreachableError means an endpoint could not be introspected. The
// stepper recovers by skipping that endpoint for the current step only.
type TargetUnreachableError struct {
	Endpoint string
	Err      error
}

func (e *TargetUnreachableError) Error() string {
	return fmt.Sprintf("target %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *TargetUnreachableError) Unwrap() error { return e.Err }

// ApplyFailure means a shaping command failed even after the replace retry.
// It is logged and the run continues; the step timer is unaffected.
type ApplyFailure struct {
	Endpoint  string
	Interface string
	Command   []string
	Err       error
}

func (e *ApplyFailure) Error() string {
	return fmt.Sprintf("apply on %s/%s failed: %q: %v",
		e.Endpoint, e.Interface, strings.Join(e.Command, " "), e.Err)
}

func (e *ApplyFailure) Unwrap() error { return e.Err }
