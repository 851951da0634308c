// Package clustererr defines the typed error kinds the cluster manager can
// surface, and the HTTP status each kind maps to at the control plane.
package clustererr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error conditions the supervisor, dispatcher, and HTTP
// control plane can raise.
type Kind int

const (
	// KindUnknown is the zero value; never returned on purpose.
	KindUnknown Kind = iota
	KindConfigMalformed
	KindPortUnavailable
	KindSpawnFailed
	KindNoEligibleWorker
	KindUpstreamFailure
	KindUnknownPort
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindConfigMalformed:
		return "ConfigMalformed"
	case KindPortUnavailable:
		return "PortUnavailable"
	case KindSpawnFailed:
		return "SpawnFailed"
	case KindNoEligibleWorker:
		return "NoEligibleWorker"
	case KindUpstreamFailure:
		return "UpstreamFailure"
	case KindUnknownPort:
		return "UnknownPort"
	case KindBadRequest:
		return "BadRequest"
	default:
		return "Unknown"
	}
}

// Error is a typed error carrying a Kind so callers at the HTTP boundary can
// map it to a status code in one place instead of scattering http.Error
// calls with ad hoc status codes through the handlers.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise returns KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}
