/*
conflict.go - Availability & conflict detection

PURPOSE:
  Answers checkAvailability(resourceId, window, excludeReservationId?) as a
  pure read. Two windows conflict iff start1 < end2 AND start2 < end1.

CHECKS (in order):
  1. Window is well formed (end > start), else ValidationError
  2. Resource exists in the metadata cache, else NotFoundError
  3. Resource is active
  4. No maintenance blackout overlaps the window
  5. No holding reservation (PENDING_APPROVAL, CONFIRMED, CHECKED_IN) overlaps,
     ignoring excludeReservationId for edit-in-place

ALTERNATIVES:
  On conflict the detector proposes ranked alternatives:
  - same resource: gaps between the day's bookings (sorted by start) that fit
    the requested duration, placed as close to the requested start as possible
  - equivalent resources: same type and capacity tier, free for the window

  ┌──────── day ────────────────────────────────────────────┐
  │  busy ▓▓▓▓   gap ░░░░░░░░   busy ▓▓▓▓▓▓   gap ░░░░░░░░░  │
  └─────────────────────────────────────────────────────────┘

CONCURRENCY:
  The detector never locks. The orchestrator calls it while holding the
  resource lock when the answer feeds a write.
*/
package reservation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"
)

type ConflictKind string

const (
	ConflictReservation ConflictKind = "RESERVATION"
	ConflictBlackout    ConflictKind = "BLACKOUT"
	ConflictInactive    ConflictKind = "INACTIVE"
)

type Severity string

const (
	// SeverityHard blocks until the other booking is cancelled or the blackout ends.
	SeverityHard Severity = "HARD"
	// SeveritySoft is a pending hold that may still be rejected.
	SeveritySoft Severity = "SOFT"
)

type Resolution string

const (
	ResolveShiftTime Resolution = "SHIFT_TIME"
	ResolveReassign  Resolution = "REASSIGN"
	ResolveWaitlist  Resolution = "WAITLIST"
)

// AvailabilityConflict is computed on demand. It is persisted only as history.
type AvailabilityConflict struct {
	ID                       string
	ResourceID               string
	Window                   Window
	Kind                     ConflictKind
	ConflictingWindow        Window
	ConflictingReservationID string
	Severity                 Severity
	Suggestion               Resolution
	Reason                   string
	Alternatives             []Alternative
	DetectedAt               time.Time
}

type AlternativeKind string

const (
	AlternativeSameResource AlternativeKind = "SAME_RESOURCE"
	AlternativeEquivalent   AlternativeKind = "EQUIVALENT_RESOURCE"
)

type Alternative struct {
	ResourceID string
	Window     Window
	Kind       AlternativeKind
	Rank       int
}

type Availability struct {
	Available    bool
	Conflicts    []AvailabilityConflict
	Alternatives []Alternative
}

type DetectorOptions struct {
	// MaxAlternatives caps the ranked alternative list.
	MaxAlternatives int

	// CapacityTiers are inclusive upper bounds; resources in the same bucket are equivalent.
	CapacityTiers []int

	// Location defines day boundaries for the same-day slot scan.
	Location *time.Location
}

func DefaultDetectorOptions() DetectorOptions {
	return DetectorOptions{
		MaxAlternatives: 5,
		CapacityTiers:   []int{4, 12, 30, 80},
		Location:        time.UTC,
	}
}

// CapacityTier returns the bucket index of a capacity.
func (o DetectorOptions) CapacityTier(capacity int) int {
	for i, bound := range o.CapacityTiers {
		if capacity <= bound {
			return i
		}
	}
	return len(o.CapacityTiers)
}

// Detector implements the availability check.
type Detector struct {
	Resources    ResourceDirectory
	Reservations ReservationStore
	Options      DetectorOptions
	Now          func() time.Time
	NewID        func() string
}

func NewDetector(resources ResourceDirectory, reservations ReservationStore, opts DetectorOptions) *Detector {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxAlternatives <= 0 {
		opts.MaxAlternatives = DefaultDetectorOptions().MaxAlternatives
	}
	if len(opts.CapacityTiers) == 0 {
		opts.CapacityTiers = DefaultDetectorOptions().CapacityTiers
	}
	return &Detector{
		Resources:    resources,
		Reservations: reservations,
		Options:      opts,
		Now:          time.Now,
		NewID:        newUUID,
	}
}

// CheckAvailability reports whether window is free on resourceID.
// excludeID, when set, ignores that reservation's own window.
func (d *Detector) CheckAvailability(ctx context.Context, resourceID string, w Window, excludeID string) (Availability, error) {
	return d.check(ctx, resourceID, w, true, excludeID)
}

// CheckAvailabilityExcluding is CheckAvailability ignoring several reservations,
// used when a group of bookings moves together.
func (d *Detector) CheckAvailabilityExcluding(ctx context.Context, resourceID string, w Window, excludeIDs ...string) (Availability, error) {
	return d.check(ctx, resourceID, w, true, excludeIDs...)
}

func (d *Detector) check(ctx context.Context, resourceID string, w Window, withAlternatives bool, exclude ...string) (Availability, error) {
	if err := w.Validate(); err != nil {
		return Availability{}, err
	}
	res, err := d.Resources.Resource(ctx, resourceID)
	if err != nil {
		return Availability{}, err
	}

	day := d.dayOf(w)
	bookings, err := d.holding(ctx, resourceID, day, exclude...)
	if err != nil {
		return Availability{}, err
	}

	now := d.Now()
	var conflicts []AvailabilityConflict
	add := func(c AvailabilityConflict) {
		c.ID = d.NewID()
		c.ResourceID = resourceID
		c.Window = w
		c.DetectedAt = now
		conflicts = append(conflicts, c)
	}

	if !res.Active {
		add(AvailabilityConflict{
			Kind:              ConflictInactive,
			ConflictingWindow: w,
			Severity:          SeverityHard,
			Reason:            fmt.Sprintf("resource %s is inactive", res.ID),
		})
	}
	for _, b := range res.Blackouts {
		if b.Overlaps(w) {
			add(AvailabilityConflict{
				Kind:              ConflictBlackout,
				ConflictingWindow: b,
				Severity:          SeverityHard,
				Reason:            fmt.Sprintf("maintenance blackout %s", b),
			})
		}
	}
	for _, r := range bookings {
		if !r.Window.Overlaps(w) {
			continue
		}
		sev := SeverityHard
		if r.Status == StatusPendingApproval {
			sev = SeveritySoft
		}
		add(AvailabilityConflict{
			Kind:                     ConflictReservation,
			ConflictingWindow:        r.Window,
			ConflictingReservationID: r.ID,
			Severity:                 sev,
			Reason:                   fmt.Sprintf("overlaps reservation %s %s (%s)", r.ID, r.Window, r.Status),
		})
	}

	if len(conflicts) == 0 {
		return Availability{Available: true}, nil
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].ConflictingWindow.Start.Before(conflicts[j].ConflictingWindow.Start)
	})

	var alternatives []Alternative
	if withAlternatives {
		alternatives, err = d.alternatives(ctx, res, w, day, bookings)
		if err != nil {
			return Availability{}, err
		}
	}
	for i := range conflicts {
		conflicts[i].Alternatives = alternatives
		conflicts[i].Suggestion = suggest(conflicts[i], alternatives)
	}

	return Availability{Conflicts: conflicts, Alternatives: alternatives}, nil
}

func suggest(c AvailabilityConflict, alts []Alternative) Resolution {
	if c.Severity == SeveritySoft {
		return ResolveWaitlist
	}
	var sameResource, equivalent bool
	for _, a := range alts {
		switch a.Kind {
		case AlternativeSameResource:
			sameResource = true
		case AlternativeEquivalent:
			equivalent = true
		}
	}
	switch {
	case c.Kind == ConflictInactive && equivalent:
		return ResolveReassign
	case sameResource && c.Kind != ConflictInactive:
		return ResolveShiftTime
	case equivalent:
		return ResolveReassign
	}
	return ResolveWaitlist
}

// dayOf covers the calendar day of w.Start and stretches to include w.
func (d *Detector) dayOf(w Window) Window {
	loc := d.Options.Location
	s := w.Start.In(loc)
	start := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)
	end := time.Date(s.Year(), s.Month(), s.Day()+1, 0, 0, 0, 0, loc)
	if w.End.After(end) {
		end = w.End
	}
	return Window{Start: start, End: end}
}

// holding loads window-holding reservations on a resource within span, sorted by start.
func (d *Detector) holding(ctx context.Context, resourceID string, span Window, exclude ...string) ([]Reservation, error) {
	all, err := d.Reservations.ListReservationsByResource(ctx, resourceID, span.Start, span.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservations for %s: %w", resourceID, err)
	}
	out := make([]Reservation, 0, len(all))
	for _, r := range all {
		if !r.Status.Holds() || slices.Contains(exclude, r.ID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window.Start.Before(out[j].Window.Start) })
	return out, nil
}

func (d *Detector) alternatives(ctx context.Context, res ResourceSnapshot, w Window, day Window, bookings []Reservation) ([]Alternative, error) {
	var alts []Alternative
	if res.Active {
		alts = append(alts, d.sameDaySlots(res, w, day, bookings)...)
	}

	equivalents, err := d.equivalentResources(ctx, res, w)
	if err != nil {
		return nil, err
	}
	alts = append(alts, equivalents...)

	if len(alts) > d.Options.MaxAlternatives {
		alts = alts[:d.Options.MaxAlternatives]
	}
	for i := range alts {
		alts[i].Rank = i + 1
	}
	return alts, nil
}

// sameDaySlots scans the gaps between the day's busy windows and returns
// placements of the requested duration, nearest to the requested start first.
func (d *Detector) sameDaySlots(res ResourceSnapshot, w Window, day Window, bookings []Reservation) []Alternative {
	busy := make([]Window, 0, len(bookings)+len(res.Blackouts))
	for _, b := range bookings {
		busy = append(busy, b.Window)
	}
	for _, b := range res.Blackouts {
		if b.Overlaps(day) {
			busy = append(busy, b)
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })

	dur := w.Duration()
	earliest := d.Now()
	var slots []Alternative

	cursor := day.Start
	consider := func(gap Window) {
		if gap.Start.Before(earliest) {
			gap.Start = earliest
		}
		if gap.Duration() < dur {
			return
		}
		start := w.Start
		if start.Before(gap.Start) {
			start = gap.Start
		}
		if latest := gap.End.Add(-dur); start.After(latest) {
			start = latest
		}
		slot := NewWindow(start, dur)
		if slot.Start.Equal(w.Start) && slot.End.Equal(w.End) {
			return
		}
		slots = append(slots, Alternative{ResourceID: res.ID, Window: slot, Kind: AlternativeSameResource})
	}
	for _, b := range busy {
		if b.Start.After(cursor) {
			consider(Window{Start: cursor, End: b.Start})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if day.End.After(cursor) {
		consider(Window{Start: cursor, End: day.End})
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return absDuration(slots[i].Window.Start.Sub(w.Start)) < absDuration(slots[j].Window.Start.Sub(w.Start))
	})
	return slots
}

func (d *Detector) equivalentResources(ctx context.Context, res ResourceSnapshot, w Window) ([]Alternative, error) {
	all, err := d.Resources.Resources(ctx)
	if err != nil {
		return nil, err
	}
	tier := d.Options.CapacityTier(res.Capacity)

	type candidate struct {
		snap ResourceSnapshot
		diff int
	}
	var candidates []candidate
	for _, c := range all {
		if c.ID == res.ID || !c.Active || c.Type != res.Type || d.Options.CapacityTier(c.Capacity) != tier {
			continue
		}
		free, err := d.isFree(ctx, c, w)
		if err != nil {
			return nil, err
		}
		if free {
			diff := c.Capacity - res.Capacity
			if diff < 0 {
				diff = -diff
			}
			candidates = append(candidates, candidate{snap: c, diff: diff})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].diff != candidates[j].diff {
			return candidates[i].diff < candidates[j].diff
		}
		return candidates[i].snap.ID < candidates[j].snap.ID
	})

	out := make([]Alternative, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Alternative{ResourceID: c.snap.ID, Window: w, Kind: AlternativeEquivalent})
	}
	return out, nil
}

func (d *Detector) isFree(ctx context.Context, res ResourceSnapshot, w Window) (bool, error) {
	for _, b := range res.Blackouts {
		if b.Overlaps(w) {
			return false, nil
		}
	}
	bookings, err := d.holding(ctx, res.ID, w)
	if err != nil {
		return false, err
	}
	for _, r := range bookings {
		if r.Window.Overlaps(w) {
			return false, nil
		}
	}
	return true, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
