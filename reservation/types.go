/*
Package reservation provides the reservation lifecycle core.

PURPOSE:
  This package owns time-bound reservations against a finite pool of shared
  resources (rooms, equipment, labs). It detects conflicts, expands recurring
  bookings, drives multi-step approvals and keeps a priority-ordered waiting
  list that is promoted whenever a window frees up.

KEY CONCEPTS IN THIS FILE (types.go):
  - Window: half-open interval [Start, End) a resource is occupied for
  - Reservation: a concrete booking and its lifecycle status
  - ReservationRequest: the immutable input of a booking attempt
  - RecurringSeries / RecurrenceInstance: a series and its dated occurrences

DESIGN PRINCIPLES:
  1. Half-open windows: touching windows never conflict
  2. One writer per resource: check-and-reserve runs under a resource lock
  3. Explicit transitions: status changes only through the transition table
  4. Arena of instances: an instance references its series by id

SEE ALSO:
  - conflict.go: availability checks and alternatives
  - orchestrator.go: the lifecycle state machine
  - store.go: persistence contracts
*/
package reservation

import (
	"fmt"
	"time"
)

// =============================================================================
// WINDOW - Half-open time interval
// =============================================================================

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a window from a start and a duration.
func NewWindow(start time.Time, d time.Duration) Window {
	return Window{Start: start, End: start.Add(d)}
}

// Validate rejects zero and inverted windows.
func (w Window) Validate() error {
	v := &ValidationError{}
	if w.Start.IsZero() {
		v.Add("window.start", "start is required")
	}
	if w.End.IsZero() {
		v.Add("window.end", "end is required")
	}
	if !w.Start.IsZero() && !w.End.IsZero() && !w.End.After(w.Start) {
		v.Add("window", "end must be after start")
	}
	if v.HasErrors() {
		return v
	}
	return nil
}

// Overlaps reports whether two windows share any instant.
// A window ending exactly when the other starts does not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Contains reports whether o lies entirely within w.
func (w Window) Contains(o Window) bool {
	return !o.Start.Before(w.Start) && !o.End.After(w.End)
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Shift moves the window by d, keeping its duration.
func (w Window) Shift(d time.Duration) Window {
	return Window{Start: w.Start.Add(d), End: w.End.Add(d)}
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// =============================================================================
// RESERVATION
// =============================================================================

type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusConfirmed       Status = "CONFIRMED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
	StatusCheckedIn       Status = "CHECKED_IN"
	StatusCheckedOut      Status = "CHECKED_OUT"
	StatusNoShow          Status = "NO_SHOW"
	StatusCompleted       Status = "COMPLETED"
)

// transitions lists every allowed status change.
var transitions = map[Status][]Status{
	StatusPendingApproval: {StatusConfirmed, StatusRejected, StatusCancelled},
	StatusConfirmed:       {StatusCheckedIn, StatusNoShow, StatusCancelled},
	StatusCheckedIn:       {StatusCheckedOut, StatusCompleted},
	StatusCheckedOut:      {StatusCompleted},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Holds reports whether a reservation in this status occupies its window.
func (s Status) Holds() bool {
	switch s {
	case StatusPendingApproval, StatusConfirmed, StatusCheckedIn:
		return true
	}
	return false
}

type Reservation struct {
	ID          string
	ResourceID  string
	RequesterID string
	Window      Window
	Status      Status
	Purpose     string

	// Optional links
	SeriesID          string
	ApprovalRequestID string
	WaitlistEntryID   string

	CheckedInAt  *time.Time
	CheckedOutAt *time.Time
	CancelReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReservationRequest is a booking attempt. It is never mutated once accepted.
type ReservationRequest struct {
	ResourceID  string
	RequesterID string
	Window      Window
	Recurrence  *RecurrenceRule
	Purpose     string

	// FlowID selects an approval flow explicitly; empty means resolve by resource.
	FlowID string

	// Priority is used when the request ends up on the waiting list.
	Priority Priority

	// SkipWaitlist returns a ConflictError instead of waitlisting on conflict.
	SkipWaitlist bool
}

// Validate checks required fields before any state change.
func (r ReservationRequest) Validate() error {
	v := &ValidationError{}
	if r.ResourceID == "" {
		v.Add("resource_id", "resource is required")
	}
	if r.RequesterID == "" {
		v.Add("requester_id", "requester is required")
	}
	if err := r.Window.Validate(); err != nil {
		v.Merge(err)
	}
	if r.Recurrence != nil {
		if err := r.Recurrence.Validate(); err != nil {
			v.Merge(err)
		}
	}
	if v.HasErrors() {
		return v
	}
	return nil
}

// Outcome is the result of submitting a request.
type Outcome string

const (
	OutcomeConfirmed       Outcome = "CONFIRMED"
	OutcomePendingApproval Outcome = "PENDING_APPROVAL"
	OutcomeWaitlisted      Outcome = "WAITLISTED"
	OutcomeSeriesCreated   Outcome = "SERIES_CREATED"
)

// SubmitResult reports what happened to a request.
type SubmitResult struct {
	Outcome      Outcome
	Reservation  *Reservation
	Approval     *ApprovalRequest
	Waitlist     *WaitlistEntry
	Series       *SeriesResult
	Conflicts    []AvailabilityConflict
	Alternatives []Alternative
}

// =============================================================================
// RECURRING SERIES
// =============================================================================

type SeriesStatus string

const (
	SeriesActive             SeriesStatus = "ACTIVE"
	SeriesPartiallyCancelled SeriesStatus = "PARTIALLY_CANCELLED"
	SeriesCancelled          SeriesStatus = "CANCELLED"
)

type RecurringSeries struct {
	ID          string
	ResourceID  string
	RequesterID string
	Rule        RecurrenceRule

	// BaseWindow carries the anchor date, time of day and duration.
	BaseWindow Window

	Status            SeriesStatus
	Purpose           string
	ApprovalRequestID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type InstanceStatus string

const (
	InstanceActive     InstanceStatus = "ACTIVE"
	InstanceCancelled  InstanceStatus = "CANCELLED"
	InstanceConflicted InstanceStatus = "CONFLICTED"
)

// RecurrenceInstance is one dated occurrence of a series.
// Active instances own a Reservation; conflicted ones wait for manual resolution.
type RecurrenceInstance struct {
	ID             string
	SeriesID       string
	Index          int // 1-based position in the expansion
	OccurrenceDate time.Time
	Window         Window
	Status         InstanceStatus
	ReservationID  string

	// Detached instances were modified individually and are skipped by series-wide modifications.
	Detached bool

	Conflicts []AvailabilityConflict
	UpdatedAt time.Time
}

// Scope selects which instances a series operation touches.
type Scope string

const (
	ScopeThisAndFuture Scope = "THIS_AND_FUTURE"
	ScopeAll           Scope = "ALL"
)

// InstanceResult reports the per-instance outcome of a series operation.
type InstanceResult struct {
	Index     int
	Window    Window
	Status    InstanceStatus
	Changed   bool
	Conflicts []AvailabilityConflict
	Err       error
}

// SeriesResult is a series with its instances and per-instance outcomes.
type SeriesResult struct {
	Series    RecurringSeries
	Instances []RecurrenceInstance
	Results   []InstanceResult
}

// =============================================================================
// ACTIONS - capability checks delegated to the directory
// =============================================================================

type Action string

const (
	ActionReserve    Action = "reserve"
	ActionCancelAny  Action = "cancel_any"
	ActionCheckIn    Action = "check_in"
	ActionAdminister Action = "administer"
)
