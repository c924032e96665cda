/*
store.go - Persistence contracts for the reservation core

PURPOSE:
  Defines the interface between lifecycle logic and the database. Every
  entity is keyed by id with resourceId and requesterId as secondary lookup
  keys. Conflict records are written as history only and never read back
  to make decisions.

KEY INTERFACES:
  ReservationStore: reservations by id, resource window and requester
  SeriesStore:      recurring series and their instance arena
  ApprovalStore:    approval requests with embedded decision log
  WaitlistStore:    waiting list entries by resource
  ConflictHistory:  append-only conflict snapshots
  AuditLog:         append-only audit events
  Store:            all of the above plus WithTx

ATOMICITY:
  WithTx runs fn against a transactional view. If fn returns an error no
  write made through the view is visible afterwards.

IMPLEMENTATIONS:
  - reservation/store/memory.go: in-memory, snapshot + rollback
  - store/sqlite/sqlite.go: SQLite via database/sql
*/
package reservation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type ReservationStore interface {
	// SaveReservation inserts or replaces a reservation.
	SaveReservation(ctx context.Context, r Reservation) error

	// GetReservation returns ErrNotFound when the id is unknown.
	GetReservation(ctx context.Context, id string) (Reservation, error)

	// ListReservationsByResource returns reservations on a resource whose window overlaps [from, to).
	ListReservationsByResource(ctx context.Context, resourceID string, from, to time.Time) ([]Reservation, error)

	ListReservationsByRequester(ctx context.Context, requesterID string) ([]Reservation, error)

	ListReservationsByStatus(ctx context.Context, status Status) ([]Reservation, error)
}

type SeriesStore interface {
	SaveSeries(ctx context.Context, s RecurringSeries) error
	GetSeries(ctx context.Context, id string) (RecurringSeries, error)
	SaveInstance(ctx context.Context, inst RecurrenceInstance) error

	// ListInstances returns the instances of a series ordered by index.
	ListInstances(ctx context.Context, seriesID string) ([]RecurrenceInstance, error)
}

type ApprovalStore interface {
	SaveApprovalRequest(ctx context.Context, r ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (ApprovalRequest, error)
	ListApprovalRequestsByStatus(ctx context.Context, status ApprovalStatus) ([]ApprovalRequest, error)
}

type WaitlistStore interface {
	SaveWaitlistEntry(ctx context.Context, e WaitlistEntry) error
	GetWaitlistEntry(ctx context.Context, id string) (WaitlistEntry, error)
	ListWaitlistByResource(ctx context.Context, resourceID string) ([]WaitlistEntry, error)
	ListWaitlistByStatus(ctx context.Context, status WaitlistStatus) ([]WaitlistEntry, error)
}

type ConflictHistory interface {
	RecordConflicts(ctx context.Context, conflicts []AvailabilityConflict) error
}

type AuditLog interface {
	AppendAudit(ctx context.Context, event AuditEvent) error
	QueryAudit(ctx context.Context, entityID string) ([]AuditEvent, error)
}

// Store is the full persistence surface used by the orchestrator.
type Store interface {
	ReservationStore
	SeriesStore
	ApprovalStore
	WaitlistStore
	ConflictHistory
	AuditLog

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the view is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// OUTBOUND EVENTS - notification intents and audit events
// =============================================================================

type TemplateKind string

const (
	TemplateApprovalStepPending  TemplateKind = "approval_step_pending"
	TemplateApprovalOutcome      TemplateKind = "approval_outcome"
	TemplateWaitlistNotified     TemplateKind = "waitlist_notified"
	TemplateReservationConfirmed TemplateKind = "reservation_confirmed"
	TemplateReservationCancelled TemplateKind = "reservation_cancelled"
)

// NotificationIntent says what to send and to whom, never how.
type NotificationIntent struct {
	RecipientID string
	Template    TemplateKind
	Data        map[string]string
}

// RoleRecipient addresses an intent to every holder of a role.
func RoleRecipient(role string) string { return "role:" + role }

// Notifier accepts intents without waiting for delivery.
type Notifier interface {
	Notify(ctx context.Context, intent NotificationIntent)
}

type AuditEvent struct {
	ID         string
	EntityID   string
	EntityType string // reservation, series, approval_request, waitlist_entry
	Action     string
	ActorID    string
	Before     string
	After      string
	Timestamp  time.Time
}

// recordAudit appends ev. Audit failures are logged, never surfaced.
func recordAudit(ctx context.Context, log AuditLog, logger *zap.Logger, ev AuditEvent) {
	if log == nil {
		return
	}
	if err := log.AppendAudit(ctx, ev); err != nil {
		logger.Warn("failed to append audit event",
			zap.String("entity_id", ev.EntityID),
			zap.String("action", ev.Action),
			zap.Error(err))
	}
}

// =============================================================================
// INBOUND COLLABORATORS
// =============================================================================

// CapabilityChecker answers hasCapability(userId, action, resourceId).
type CapabilityChecker interface {
	HasCapability(ctx context.Context, userID string, action Action, resourceID string) (bool, error)
}

// RoleResolver answers rolesOf(userId).
type RoleResolver interface {
	RolesOf(ctx context.Context, userID string) ([]string, error)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, NotificationIntent) {}

type allowAll struct{}

func (allowAll) HasCapability(context.Context, string, Action, string) (bool, error) {
	return true, nil
}
