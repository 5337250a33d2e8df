// Package failure classifies errors for the job runner. Business code returns
// typed errors and never decides whether to retry; the runner does, from Classify.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration: tenant is missing required credentials or settings.
	KindConfiguration
	// KindCapacity: a collaborator is temporarily overloaded.
	KindCapacity
	// KindCollaborator: a collaborator returned an explicit error or an incomplete result.
	KindCollaborator
	// KindTransport: network failure or timeout talking to a collaborator.
	KindTransport
	// KindValidation: an inbound payload cannot be mapped.
	KindValidation
	// KindPermanent: the job refers to state that cannot change by retrying
	// (missing rows, illegal transitions).
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindCapacity:
		return "capacity"
	case KindCollaborator:
		return "collaborator"
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CapacityStats is what the AI service reports when it sheds load.
type CapacityStats struct {
	ActiveRequests  int `json:"active_requests"`
	PendingRequests int `json:"pending_requests"`
}

// Error is a classified error.
type Error struct {
	Kind  Kind
	Op    string
	Err   error
	Stats *CapacityStats
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration wraps err as a configuration error.
func Configuration(op string, err error) error { return newError(KindConfiguration, op, err) }

// Collaborator wraps err as a collaborator error.
func Collaborator(op string, err error) error { return newError(KindCollaborator, op, err) }

// Transport wraps err as a transport error.
func Transport(op string, err error) error { return newError(KindTransport, op, err) }

// Validation wraps err as a validation error.
func Validation(op string, err error) error { return newError(KindValidation, op, err) }

// Permanent wraps err as an error no retry can fix.
func Permanent(op string, err error) error { return newError(KindPermanent, op, err) }

// Capacity builds a capacity error carrying the collaborator's load stats.
func Capacity(op string, stats CapacityStats) error {
	e := newError(KindCapacity, op, fmt.Errorf("service at capacity (active=%d, pending=%d)",
		stats.ActiveRequests, stats.PendingRequests))
	e.Stats = &stats
	return e
}

// KindOf returns the kind of err, inferring transport for timeouts and network errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CapacityStatsOf returns the capacity stats carried by err, if any.
func CapacityStatsOf(err error) (*CapacityStats, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindCapacity && fe.Stats != nil {
		return fe.Stats, true
	}
	return nil, false
}

// Class is the runner's decision.
type Class int

const (
	// Retryable errors are retried while the attempt budget lasts.
	Retryable Class = iota
	// Fatal errors terminate the job immediately.
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

var permanentMarkers = []string{
	"validation error",
	"malformed",
	"invalid",
	"not verified",
	"recipient is required",
}

// Classify decides retry vs terminal for err.
// Configuration, validation and permanent errors are fatal. Capacity, collaborator and
// transport errors are retryable. Unclassified errors are retryable unless
// their message marks them as permanent.
func Classify(err error) Class {
	switch KindOf(err) {
	case KindConfiguration, KindValidation, KindPermanent:
		return Fatal
	case KindCapacity, KindCollaborator, KindTransport:
		return Retryable
	}
	if errors.Is(err, context.Canceled) {
		return Retryable
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return Fatal
		}
	}
	return Retryable
}
