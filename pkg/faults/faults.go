// Package faults defines the error taxonomy shared by the voice pipeline stages.
// Stages classify collaborator and internal failures into one of these kinds so
// the bridge can decide between retry, spoken apology, and graceful termination.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// KindTransient covers network errors and timeouts from collaborators.
	// Safe to retry with bounded backoff.
	KindTransient Kind = iota
	// KindRejection covers bad input / auth failures from collaborators.
	// Fatal for the current turn, not the call.
	KindRejection
	// KindProtocolViolation covers malformed tool-call arguments from the
	// model. Reported back to the model as a tool error turn.
	KindProtocolViolation
	// KindResourceExhaustion covers frame queue overflow and session-store
	// unavailability. Triggers graceful call termination.
	KindResourceExhaustion
	// KindStateViolation covers events received in a terminal or invalid
	// state. Logged and dropped.
	KindStateViolation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejection:
		return "rejection"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindStateViolation:
		return "state_violation"
	default:
		return "unknown"
	}
}

// Fault is a classified pipeline error.
type Fault struct {
	Kind Kind
	Op   string // stage or collaborator that produced the error
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s fault", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s fault: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a classified fault.
func New(kind Kind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a retryable collaborator failure.
func Transient(op string, err error) *Fault {
	return New(KindTransient, op, err)
}

// Rejection wraps err as a non-retryable collaborator failure.
func Rejection(op string, err error) *Fault {
	return New(KindRejection, op, err)
}

// ProtocolViolation wraps err as a malformed model output.
func ProtocolViolation(op string, err error) *Fault {
	return New(KindProtocolViolation, op, err)
}

// ResourceExhaustion wraps err as a capacity failure.
func ResourceExhaustion(op string, err error) *Fault {
	return New(KindResourceExhaustion, op, err)
}

// StateViolation wraps err as an event arriving in an invalid state.
func StateViolation(op string, err error) *Fault {
	return New(KindStateViolation, op, err)
}

// KindOf returns the fault kind of err, or KindTransient for unclassified
// errors so callers default to the retry path.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
