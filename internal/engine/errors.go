package engine

// ============================================================================
// Engine Error Taxonomy
// Purpose: closed set of failure kinds produced at the engine boundary
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an engine failure. Callers switch on Kind instead of
// inspecting concrete error types.
type Kind int

const (
	KindUnknown            Kind = iota // Anything not covered below
	KindDisabled                       // Exposure notifications turned off
	KindPermissionRequired             // User consent needed before the call can succeed
	KindRateLimited                    // Engine quota exhausted
	KindUnsupported                    // Engine does not implement the call
	KindTimeout                        // Call exceeded its deadline
)

func (k Kind) String() string {
	switch k {
	case KindDisabled:
		return "disabled"
	case KindPermissionRequired:
		return "permission_required"
	case KindRateLimited:
		return "rate_limited"
	case KindUnsupported:
		return "unsupported"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by Engine implementations.
type Error struct {
	Op   string // Engine operation, e.g. "ProvideDiagnosisKeys"
	Kind Kind
	Err  error // Underlying cause, may be nil
}

// NewError builds an *Error.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("engine %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind carried by err. Deadline errors that never passed
// through an adapter are reported as KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Classify wraps a raw error from op into an *Error. Errors that already
// carry a kind are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(op, KindTimeout, err)
	}
	return NewError(op, KindUnknown, err)
}
