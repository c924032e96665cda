/*
dto.go - Data Transfer Objects for the operational API

PURPOSE:
  Defines the JSON structures exchanged with the resource catalog and
  operators. These types decouple the reservation core's types from the
  wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Resources:    ResourceDTO (catalog upsert events)
  Availability: AvailabilityDTO, ConflictDTO, AlternativeDTO
  Sweeps:       SweepReportDTO
  Audit:        AuditEventDTO

TIME FORMAT:
  All times are RFC3339 strings.

SEE ALSO:
  - handlers.go: Uses these types
  - reservation/metadata.go: ResourceSnapshot
*/
package api

import (
	"fmt"
	"time"

	"github.com/warp/reservation-engine/reservation"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// WindowDTO is a half-open [start, end) interval.
type WindowDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ResourceDTO is the catalog's view of a resource, pushed as an upsert event.
type ResourceDTO struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Type             string      `json:"type"`
	Category         string      `json:"category,omitempty"`
	Location         string      `json:"location,omitempty"`
	Capacity         int         `json:"capacity"`
	Active           bool        `json:"active"`
	Blackouts        []WindowDTO `json:"blackouts,omitempty"`
	RequiresApproval bool        `json:"requires_approval"`
	ApprovalFlowID   string      `json:"approval_flow_id,omitempty"`
	Version          int64       `json:"version"`
}

// ResourceEventResponse reports whether an event changed the cache.
type ResourceEventResponse struct {
	ResourceID string `json:"resource_id"`
	Applied    bool   `json:"applied"`
}

// ConflictDTO describes why a window is unavailable.
type ConflictDTO struct {
	Kind                     string    `json:"kind"`
	Window                   WindowDTO `json:"window"`
	ConflictingWindow        WindowDTO `json:"conflicting_window"`
	ConflictingReservationID string    `json:"conflicting_reservation_id,omitempty"`
	Severity                 string    `json:"severity"`
	Suggestion               string    `json:"suggestion"`
	Reason                   string    `json:"reason"`
}

// AlternativeDTO is a ranked suggestion.
type AlternativeDTO struct {
	ResourceID string    `json:"resource_id"`
	Window     WindowDTO `json:"window"`
	Kind       string    `json:"kind"`
	Rank       int       `json:"rank"`
}

// AvailabilityDTO is the answer to an availability check.
type AvailabilityDTO struct {
	ResourceID   string           `json:"resource_id"`
	Window       WindowDTO        `json:"window"`
	Available    bool             `json:"available"`
	Conflicts    []ConflictDTO    `json:"conflicts"`
	Alternatives []AlternativeDTO `json:"alternatives"`
}

// SweepReportDTO summarizes a manual sweep run.
type SweepReportDTO struct {
	NoShows          []string `json:"no_shows"`
	Completed        []string `json:"completed"`
	WaitlistExpired  []string `json:"waitlist_expired"`
	WaitlistPromoted []string `json:"waitlist_promoted"`
}

// AuditEventDTO is one audit log entry.
type AuditEventDTO struct {
	ID         string `json:"id"`
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	Action     string `json:"action"`
	ActorID    string `json:"actor_id,omitempty"`
	Before     string `json:"before,omitempty"`
	After      string `json:"after,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toWindowDTO(w reservation.Window) WindowDTO {
	return WindowDTO{Start: formatTime(w.Start), End: formatTime(w.End)}
}

func (w WindowDTO) toWindow() (reservation.Window, error) {
	start, err := time.Parse(time.RFC3339, w.Start)
	if err != nil {
		return reservation.Window{}, fmt.Errorf("invalid start %q: %w", w.Start, err)
	}
	end, err := time.Parse(time.RFC3339, w.End)
	if err != nil {
		return reservation.Window{}, fmt.Errorf("invalid end %q: %w", w.End, err)
	}
	return reservation.Window{Start: start, End: end}, nil
}

func (r ResourceDTO) toSnapshot(now time.Time) (reservation.ResourceSnapshot, error) {
	snap := reservation.ResourceSnapshot{
		ID:               r.ID,
		Name:             r.Name,
		Type:             r.Type,
		Category:         r.Category,
		Location:         r.Location,
		Capacity:         r.Capacity,
		Active:           r.Active,
		RequiresApproval: r.RequiresApproval,
		ApprovalFlowID:   r.ApprovalFlowID,
		Version:          r.Version,
		UpdatedAt:        now,
	}
	for i, b := range r.Blackouts {
		w, err := b.toWindow()
		if err != nil {
			return snap, fmt.Errorf("blackouts[%d]: %w", i, err)
		}
		snap.Blackouts = append(snap.Blackouts, w)
	}
	return snap, nil
}

func toAvailabilityDTO(resourceID string, w reservation.Window, a reservation.Availability) AvailabilityDTO {
	dto := AvailabilityDTO{
		ResourceID:   resourceID,
		Window:       toWindowDTO(w),
		Available:    a.Available,
		Conflicts:    []ConflictDTO{},
		Alternatives: []AlternativeDTO{},
	}
	for _, c := range a.Conflicts {
		dto.Conflicts = append(dto.Conflicts, ConflictDTO{
			Kind:                     string(c.Kind),
			Window:                   toWindowDTO(c.Window),
			ConflictingWindow:        toWindowDTO(c.ConflictingWindow),
			ConflictingReservationID: c.ConflictingReservationID,
			Severity:                 string(c.Severity),
			Suggestion:               string(c.Suggestion),
			Reason:                   c.Reason,
		})
	}
	for _, alt := range a.Alternatives {
		dto.Alternatives = append(dto.Alternatives, AlternativeDTO{
			ResourceID: alt.ResourceID,
			Window:     toWindowDTO(alt.Window),
			Kind:       string(alt.Kind),
			Rank:       alt.Rank,
		})
	}
	return dto
}

func toSweepReportDTO(r reservation.SweepReport) SweepReportDTO {
	return SweepReportDTO{
		NoShows:          nonNil(r.NoShows),
		Completed:        nonNil(r.Completed),
		WaitlistExpired:  nonNil(r.WaitlistExpired),
		WaitlistPromoted: nonNil(r.WaitlistPromoted),
	}
}

func toAuditEventDTO(ev reservation.AuditEvent) AuditEventDTO {
	return AuditEventDTO{
		ID:         ev.ID,
		EntityID:   ev.EntityID,
		EntityType: ev.EntityType,
		Action:     ev.Action,
		ActorID:    ev.ActorID,
		Before:     ev.Before,
		After:      ev.After,
		Timestamp:  formatTime(ev.Timestamp),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
