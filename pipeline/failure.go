package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/doccmill/archsafe"
)

// Kind classifies a pipeline failure. The five operational kinds mirror how
// callers react: validation and security failures are client-caused,
// execution failures carry tool stderr, resource exhaustion may warrant
// alerting, workspace errors mean operational trouble on the host.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindSecurity   Kind = "security_violation"
	KindExecution  Kind = "execution_failure"
	KindResource   Kind = "resource_exhaustion"
	KindWorkspace  Kind = "workspace_error"
	KindCancelled  Kind = "cancelled"
	KindInternal   Kind = "internal_error"
)

// Failure is the single error type that leaves the orchestrator. Message is
// safe to echo to callers; the wrapped error (with raw paths) is for
// internal logs only.
type Failure struct {
	Kind      Kind
	State     State  // state in which the pipeline failed
	Reason    string // stable reason code within the kind
	Message   string // human-readable, caller-safe
	Stderr    string // truncated tool stderr, execution failures only
	Workspace string // workspace token, for log and audit correlation

	err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("pipeline failed in %s (%s/%s): %s", f.State, f.Kind, f.Reason, f.Message)
}

func (f *Failure) Unwrap() error { return f.err }

// HTTPStatus maps the failure kind to a response status.
func (f *Failure) HTTPStatus() int {
	switch f.Kind {
	case KindValidation, KindSecurity:
		return 400
	case KindResource:
		return 503
	case KindCancelled:
		return 499
	default:
		return 500
	}
}

// classify normalizes an error raised in the given state into a Failure.
// Raw filesystem paths from wrapped errors never reach Message.
func classify(state State, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	var violation *archsafe.Violation
	if errors.As(err, &violation) {
		return &Failure{
			Kind:    KindSecurity,
			State:   state,
			Reason:  string(violation.Reason),
			Message: violation.Detail,
			err:     err,
		}
	}

	var validation *archsafe.ValidationError
	if errors.As(err, &validation) {
		return &Failure{
			Kind:    KindValidation,
			State:   state,
			Reason:  string(validation.Reason),
			Message: validation.Detail,
			err:     err,
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Failure{
			Kind:    KindCancelled,
			State:   state,
			Reason:  "request-cancelled",
			Message: "request was cancelled",
			err:     err,
		}
	}

	return &Failure{
		Kind:    KindInternal,
		State:   state,
		Reason:  "internal",
		Message: "internal error during " + string(state),
		err:     err,
	}
}
