/*
errors.go - Error taxonomy for the pricing core

ERROR CATEGORIES:

	NotFound               missing customer, link, record, notification
	InvalidState           e.g. regenerating snapshots for a non-validada link
	CycleDetected          the parent graph revisits a node
	DepthExceeded          the parent chain is longer than the configured maximum
	DownstreamUnavailable  store or notification dispatch failure
	Validation             malformed input, out-of-range percent

USAGE:

	Match sentinels with errors.Is, structured details with errors.As:

	  if errors.Is(err, pricing.ErrNotFound) { ... }

	  var verr *pricing.ValidationError
	  if errors.As(err, &verr) { ... verr.Field ... }

	ErrorCode maps any error to a stable string code for API responses.
*/
package pricing

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("invalid state")
	ErrCycleDetected         = errors.New("cycle detected in customer hierarchy")
	ErrDepthExceeded         = errors.New("customer hierarchy depth exceeded")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	ErrValidation            = errors.New("validation error")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // customer, pricing_link, user, settlement, notification
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}
func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidStateError reports an operation attempted from the wrong state.
type InvalidStateError struct {
	Entity    string
	ID        string
	State     string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %q in state %q", e.Operation, e.Entity, e.ID, e.State)
}
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// HierarchyError carries the path walked before a corrupt hierarchy was
// detected. It unwraps to ErrCycleDetected or ErrDepthExceeded.
type HierarchyError struct {
	Start CustomerID
	Path  []CustomerID
	cause error
}

func (e *HierarchyError) Error() string {
	ids := make([]string, len(e.Path))
	for i, id := range e.Path {
		ids[i] = string(id)
	}
	return fmt.Sprintf("%v starting at %q: %s", e.cause, e.Start, strings.Join(ids, " -> "))
}
func (e *HierarchyError) Unwrap() error { return e.cause }

// DownstreamError wraps a failure of the store or an external collaborator.
type DownstreamError struct {
	Op  string
	Err error
}

func (e *DownstreamError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

// Unwrap exposes both the sentinel and the underlying cause.
func (e *DownstreamError) Unwrap() []error { return []error{ErrDownstreamUnavailable, e.Err} }

// Downstream wraps err as a DownstreamError unless it is nil or already
// carries a pricing sentinel.
func Downstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if ErrorCode(err) != CodeInternal {
		return err
	}
	return &DownstreamError{Op: op, Err: err}
}

// =============================================================================
// ERROR CODES
// =============================================================================

const (
	CodeNotFound              = "not_found"
	CodeInvalidState          = "invalid_state"
	CodeCycleDetected         = "cycle_detected"
	CodeDepthExceeded         = "depth_exceeded"
	CodeDownstreamUnavailable = "downstream_unavailable"
	CodeValidation            = "validation_error"
	CodeInternal              = "internal"
)

// ErrorCode returns the stable code for err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrCycleDetected):
		return CodeCycleDetected
	case errors.Is(err, ErrDepthExceeded):
		return CodeDepthExceeded
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrDownstreamUnavailable):
		return CodeDownstreamUnavailable
	default:
		return CodeInternal
	}
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidState)
}
