/*
errors.go - Centralized error types for the reservation core

ERROR CATEGORIES:
  1. Validation - malformed input, rejected before any state change
  2. Conflict   - overlapping window; not fatal, usually triggers a waitlist offer
  3. NotFound   - unknown resource, series, flow, request or entry
  4. InvalidState - decision on the wrong step, double claim, re-approval
  5. Expired    - claim after the notification window lapsed
  6. Forbidden  - capability or role check failed

Every structured error unwraps to its sentinel so callers can use errors.Is.
*/
package reservation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("scheduling conflict")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrExpired      = errors.New("expired")
	ErrForbidden    = errors.New("forbidden")

	// ErrTransient marks failures of idempotent reads that may be retried.
	ErrTransient = errors.New("transient failure")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError collects field level problems.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) Add(field, reason string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = reason
}

func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Fields) > 0
}

// Merge copies the fields of another validation error. Other errors are ignored.
func (e *ValidationError) Merge(err error) {
	var other *ValidationError
	if !errors.As(err, &other) {
		return
	}
	for k, v := range other.Fields {
		e.Add(k, v)
	}
}

func invalidArgument(field, reason string) error {
	v := &ValidationError{}
	v.Add(field, reason)
	return v
}

// ConflictError carries the detected conflicts and ranked alternatives.
type ConflictError struct {
	ResourceID   string
	Window       Window
	Conflicts    []AvailabilityConflict
	Alternatives []Alternative
}

func (e *ConflictError) Error() string {
	reasons := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		reasons = append(reasons, c.Reason)
	}
	msg := fmt.Sprintf("resource %s is not available for %s", e.ResourceID, e.Window)
	if len(reasons) > 0 {
		msg += ": " + strings.Join(reasons, "; ")
	}
	if n := len(e.Alternatives); n > 0 {
		msg += fmt.Sprintf(" (%d alternatives suggested)", n)
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type NotFoundError struct {
	Kind string // resource, reservation, series, flow, approval_request, waitlist_entry
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

type InvalidStateError struct {
	Entity string
	ID     string
	State  string
	Action string
	Reason string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("cannot %s %s %s in state %s", e.Action, e.Entity, e.ID, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ExpiredError is returned when a waitlist claim arrives after its window lapsed.
type ExpiredError struct {
	EntryID   string
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("waitlist entry %s claim window expired at %s; request the slot again",
		e.EntryID, e.ExpiredAt.Format(time.RFC3339))
}

func (e *ExpiredError) Unwrap() error { return ErrExpired }

type ForbiddenError struct {
	ActorID string
	Action  string
	Target  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s is not allowed to %s %s", e.ActorID, e.Action, e.Target)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether an idempotent read may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsClientError reports whether the error was caused by caller input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrForbidden)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrorKind maps an error to a stable label for logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrTransient):
		return "transient"
	}
	return "unexpected"
}
