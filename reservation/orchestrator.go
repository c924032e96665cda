/*
orchestrator.go - Reservation lifecycle orchestrator

PURPOSE:
  The top-level state machine. It receives requests, runs the conflict
  detector under the resource lock, persists the outcome and hands off to
  the approval engine or the waiting list. It never re-implements conflict
  or approval logic, it only sequences calls and persists resulting state.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────────────┐
  │                                                                      │
  │  Submit ──▶ validate ──▶ capability ──▶ lock(resource) ──▶ check     │
  │                                                              │       │
  │                       conflict ◀─────────────────────────────┤       │
  │                          │                                   │ clear │
  │                          ▼                                   ▼       │
  │                    waitlist.add              PENDING_APPROVAL or     │
  │                    (WAITLISTED)              CONFIRMED + approval    │
  │                                                                      │
  └──────────────────────────────────────────────────────────────────────┘

STATES:
  PENDING_APPROVAL -> CONFIRMED | REJECTED | CANCELLED
  CONFIRMED        -> CHECKED_IN | NO_SHOW | CANCELLED
  CHECKED_IN       -> CHECKED_OUT | COMPLETED
  CHECKED_OUT      -> COMPLETED

RETRIES:
  Metadata lookups are retried on ErrTransient. Check-and-reserve is never
  retried blindly; a caller that retries re-runs the full conflict check.

SEE ALSO:
  - lifecycle.go: cancel, check-in, check-out, sweeps
  - series.go: recurring series operations
*/
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Options struct {
	Detector DetectorOptions
	Expander ExpanderOptions
	Waitlist WaitlistOptions

	// MaxConflictRatio is the largest share of conflicted instances a new
	// series may have. Above it series creation fails with no state change.
	MaxConflictRatio decimal.Decimal

	// CheckInLeeway is how early before the window start check-in opens.
	CheckInLeeway time.Duration

	MetadataRetries int
	RetryBackoff    time.Duration
}

func DefaultOptions() Options {
	return Options{
		Detector:         DefaultDetectorOptions(),
		Expander:         DefaultExpanderOptions(),
		Waitlist:         DefaultWaitlistOptions(),
		MaxConflictRatio: decimal.NewFromFloat(0.5),
		CheckInLeeway:    15 * time.Minute,
		MetadataRetries:  3,
		RetryBackoff:     50 * time.Millisecond,
	}
}

type Orchestrator struct {
	Store        Store
	Resources    ResourceDirectory
	Metadata     *MetadataCache
	Detector     *Detector
	Expander     *Expander
	Approvals    *ApprovalEngine
	Waitlist     *Waitlist
	Capabilities CapabilityChecker
	Notifier     Notifier
	Locks        *KeyedLocks
	Logger       *zap.Logger
	Options      Options
	Now          func() time.Time
	NewID        func() string
}

// NewOrchestrator wires the components around one store and one metadata cache.
// A nil capability checker allows every action.
func NewOrchestrator(
	store Store,
	metadata *MetadataCache,
	flows FlowRegistry,
	roles RoleResolver,
	capabilities CapabilityChecker,
	notifier Notifier,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if capabilities == nil {
		capabilities = allowAll{}
	}
	if opts.MetadataRetries < 0 {
		opts.MetadataRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}

	locks := NewKeyedLocks()
	detector := NewDetector(metadata, store, opts.Detector)
	o := &Orchestrator{
		Store:        store,
		Resources:    metadata,
		Metadata:     metadata,
		Detector:     detector,
		Expander:     NewExpander(opts.Expander),
		Approvals:    NewApprovalEngine(store, flows, roles, store, notifier, logger.Named("approval")),
		Waitlist:     NewWaitlist(store, detector, locks, store, notifier, logger.Named("waitlist"), opts.Waitlist),
		Capabilities: capabilities,
		Notifier:     notifier,
		Locks:        locks,
		Logger:       logger,
		Options:      opts,
		Now:          time.Now,
		NewID:        newUUID,
	}
	o.Waitlist.Reserver = o
	return o
}

// SetClock replaces the time source of every component.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.Now = now
	o.Detector.Now = now
	o.Approvals.Now = now
	o.Waitlist.Now = now
}

// SetIDGenerator replaces the id source of every component.
func (o *Orchestrator) SetIDGenerator(newID func() string) {
	o.NewID = newID
	o.Detector.NewID = newID
	o.Approvals.NewID = newID
	o.Waitlist.NewID = newID
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit processes a booking request. A conflict on a single booking lands
// on the waiting list and is not an error unless SkipWaitlist is set.
func (o *Orchestrator) Submit(ctx context.Context, req ReservationRequest) (SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return SubmitResult{}, err
	}
	if err := o.authorize(ctx, req.RequesterID, ActionReserve, req.ResourceID, ""); err != nil {
		return SubmitResult{}, err
	}
	if req.Recurrence != nil {
		return o.createSeries(ctx, req)
	}

	res, err := o.resource(ctx, req.ResourceID)
	if err != nil {
		return SubmitResult{}, err
	}
	flow, needsApproval, err := o.flowFor(ctx, res, req.FlowID)
	if err != nil {
		return SubmitResult{}, err
	}

	unlock, err := o.Locks.Lock(ctx, req.ResourceID)
	if err != nil {
		return SubmitResult{}, err
	}
	defer unlock()

	avail, err := o.Detector.CheckAvailability(ctx, req.ResourceID, req.Window, "")
	if err != nil {
		return SubmitResult{}, err
	}
	if !avail.Available {
		o.recordConflicts(ctx, avail.Conflicts)
		result := SubmitResult{Conflicts: avail.Conflicts, Alternatives: avail.Alternatives}
		conflictErr := &ConflictError{ResourceID: req.ResourceID, Window: req.Window,
			Conflicts: avail.Conflicts, Alternatives: avail.Alternatives}
		if req.SkipWaitlist {
			return result, conflictErr
		}
		entry, err := o.Waitlist.addLocked(ctx, WaitlistEntry{
			ResourceID:  req.ResourceID,
			RequesterID: req.RequesterID,
			Window:      req.Window,
			Purpose:     req.Purpose,
			Priority:    req.Priority,
		})
		if err != nil {
			return result, fmt.Errorf("%w (waitlist: %v)", conflictErr, err)
		}
		result.Outcome = OutcomeWaitlisted
		result.Waitlist = &entry
		o.Logger.Info("request waitlisted",
			zap.String("resource_id", req.ResourceID),
			zap.String("requester_id", req.RequesterID),
			zap.String("entry_id", entry.ID),
			zap.Int("position", entry.Position))
		return result, nil
	}

	r, approval, err := o.reserveLocked(ctx, res, Reservation{
		ResourceID:  req.ResourceID,
		RequesterID: req.RequesterID,
		Window:      req.Window,
		Purpose:     req.Purpose,
	}, flow, needsApproval)
	if err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{Outcome: OutcomeConfirmed, Reservation: &r, Approval: approval}
	if r.Status == StatusPendingApproval {
		result.Outcome = OutcomePendingApproval
	}
	return result, nil
}

// ReserveClaim books a claimed waitlist entry. The waiting list holds the resource lock.
func (o *Orchestrator) ReserveClaim(ctx context.Context, entry WaitlistEntry) (Reservation, error) {
	res, err := o.resource(ctx, entry.ResourceID)
	if err != nil {
		return Reservation{}, err
	}
	flow, needsApproval, err := o.flowFor(ctx, res, "")
	if err != nil {
		return Reservation{}, err
	}
	avail, err := o.Detector.CheckAvailability(ctx, entry.ResourceID, entry.Window, "")
	if err != nil {
		return Reservation{}, err
	}
	if !avail.Available {
		o.recordConflicts(ctx, avail.Conflicts)
		return Reservation{}, &ConflictError{ResourceID: entry.ResourceID, Window: entry.Window,
			Conflicts: avail.Conflicts, Alternatives: avail.Alternatives}
	}
	r, _, err := o.reserveLocked(ctx, res, Reservation{
		ResourceID:      entry.ResourceID,
		RequesterID:     entry.RequesterID,
		Window:          entry.Window,
		Purpose:         entry.Purpose,
		WaitlistEntryID: entry.ID,
	}, flow, needsApproval)
	return r, err
}

// ClaimWaitlist is the requester-facing claim of a notified entry.
func (o *Orchestrator) ClaimWaitlist(ctx context.Context, entryID, actorID string) (Reservation, error) {
	return o.Waitlist.Claim(ctx, entryID, actorID)
}

// reserveLocked persists a reservation whose window was just checked free.
// The caller holds the resource lock.
func (o *Orchestrator) reserveLocked(ctx context.Context, res ResourceSnapshot, r Reservation, flow ApprovalFlow, needsApproval bool) (Reservation, *ApprovalRequest, error) {
	now := o.Now()
	r.ID = o.NewID()
	r.Status = StatusConfirmed
	if needsApproval {
		r.Status = StatusPendingApproval
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := o.Store.SaveReservation(ctx, r); err != nil {
		return Reservation{}, nil, fmt.Errorf("failed to save reservation: %w", err)
	}
	o.audit(ctx, o.Store, "reservation", r.ID, "created", r.RequesterID, "", string(r.Status))

	var approval *ApprovalRequest
	if needsApproval {
		req, err := o.Approvals.Start(ctx, flow, ApprovalContext{
			ReservationID: r.ID,
			SeriesID:      r.SeriesID,
			ResourceID:    r.ResourceID,
			ResourceType:  res.Type,
			RequesterID:   r.RequesterID,
			Window:        r.Window,
			Occurrences:   1,
		})
		if err != nil {
			o.abandon(ctx, r, "approval could not be started")
			return Reservation{}, nil, err
		}
		approval = &req
		r.ApprovalRequestID = req.ID
		if req.Status == ApprovalApproved {
			r.Status = StatusConfirmed
		}
		r.UpdatedAt = o.Now()
		if err := o.Store.SaveReservation(ctx, r); err != nil {
			return Reservation{}, nil, fmt.Errorf("failed to save reservation: %w", err)
		}
		if r.Status == StatusConfirmed {
			o.audit(ctx, o.Store, "reservation", r.ID, "confirmed", SystemApproverID,
				string(StatusPendingApproval), string(r.Status))
		}
	}

	if r.Status == StatusConfirmed {
		o.notifyReservation(ctx, r, TemplateReservationConfirmed)
	}
	o.Logger.Info("reservation created",
		zap.String("reservation_id", r.ID),
		zap.String("resource_id", r.ResourceID),
		zap.Stringer("window", r.Window),
		zap.String("status", string(r.Status)))
	return r, approval, nil
}

// abandon releases a hold whose follow-up step failed.
func (o *Orchestrator) abandon(ctx context.Context, r Reservation, reason string) {
	r.Status = StatusCancelled
	r.CancelReason = reason
	r.UpdatedAt = o.Now()
	if err := o.Store.SaveReservation(ctx, r); err != nil {
		o.Logger.Error("failed to release reservation hold", zap.String("reservation_id", r.ID), zap.Error(err))
		return
	}
	o.audit(ctx, o.Store, "reservation", r.ID, "cancelled", SystemApproverID, string(StatusPendingApproval), string(r.Status))
}

// flowFor resolves the approval flow a booking on res needs, if any.
func (o *Orchestrator) flowFor(ctx context.Context, res ResourceSnapshot, explicit string) (ApprovalFlow, bool, error) {
	if explicit == "" && !res.RequiresApproval {
		return ApprovalFlow{}, false, nil
	}
	id := explicit
	if id == "" {
		id = res.ApprovalFlowID
	}
	flow, err := o.Approvals.ResolveFlow(ctx, id, res.Type)
	if err != nil {
		return ApprovalFlow{}, false, err
	}
	return flow, true, nil
}

// =============================================================================
// APPROVAL OUTCOMES
// =============================================================================

// DecideApproval records a step decision and applies a final outcome to the
// reservation or to every pending instance of the series.
func (o *Orchestrator) DecideApproval(ctx context.Context, approvalID, step, approverID string, decision Decision, comment string) (ApprovalRequest, error) {
	req, err := o.Approvals.Decide(ctx, approvalID, step, approverID, decision, comment)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if req.Status == ApprovalPending {
		return req, nil
	}
	if err := o.applyApprovalOutcome(ctx, req, approverID); err != nil {
		return req, err
	}
	return req, nil
}

// CancelApproval withdraws a pending approval request together with the
// reservation or series it holds. The requester may always withdraw; anyone
// else needs cancel_any or administer on the resource.
func (o *Orchestrator) CancelApproval(ctx context.Context, approvalID, actorID, reason string) (ApprovalRequest, error) {
	req, err := o.Approvals.Get(ctx, approvalID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if err := o.authorize(ctx, actorID, ActionCancelAny, req.ResourceID, req.RequesterID); err != nil {
		return ApprovalRequest{}, err
	}
	if req.Status != ApprovalPending {
		return ApprovalRequest{}, &InvalidStateError{Entity: "approval_request", ID: req.ID,
			State: string(req.Status), Action: "cancel"}
	}

	switch {
	case req.SeriesID != "":
		_, err = o.CancelSeries(ctx, req.SeriesID, time.Time{}, ScopeAll, actorID, reason)
	case req.ReservationID != "":
		_, err = o.Cancel(ctx, req.ReservationID, actorID, reason)
	}
	if err != nil && !errors.Is(err, ErrInvalidState) {
		return ApprovalRequest{}, err
	}

	// Past occurrences keep a series alive, and a booking may already be gone.
	req, err = o.Approvals.Get(ctx, approvalID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if req.Status == ApprovalPending {
		return o.Approvals.Cancel(ctx, approvalID, actorID)
	}
	return req, nil
}

func (o *Orchestrator) applyApprovalOutcome(ctx context.Context, req ApprovalRequest, actorID string) error {
	next := StatusConfirmed
	if req.Status == ApprovalRejected {
		next = StatusRejected
	}

	if req.SeriesID != "" {
		return o.applySeriesOutcome(ctx, req, next, actorID)
	}

	_, after, err := o.transition(ctx, req.ReservationID, next, actorID, nil)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			o.Logger.Warn("approval outcome not applied",
				zap.String("reservation_id", req.ReservationID),
				zap.String("approval_status", string(req.Status)),
				zap.Error(err))
			return nil
		}
		return err
	}
	if next == StatusConfirmed {
		o.notifyReservation(ctx, after, TemplateReservationConfirmed)
	} else {
		o.promote(ctx, after.ResourceID, after.Window)
	}
	return nil
}

// =============================================================================
// WAITING LIST OPERATIONS
// =============================================================================

// UpdateWaitlistPriority changes an entry's tier. Requires administer.
func (o *Orchestrator) UpdateWaitlistPriority(ctx context.Context, entryID string, p Priority, reason, actorID string) (WaitlistEntry, error) {
	entry, err := o.Waitlist.Get(ctx, entryID)
	if err != nil {
		return WaitlistEntry{}, err
	}
	if err := o.authorize(ctx, actorID, ActionAdminister, entry.ResourceID, ""); err != nil {
		return WaitlistEntry{}, err
	}
	return o.Waitlist.UpdatePriority(ctx, entryID, p, reason, actorID)
}

// MoveWaitlistEntry reorders an entry within its tier. Requires administer.
func (o *Orchestrator) MoveWaitlistEntry(ctx context.Context, entryID string, position int, actorID string) (WaitlistEntry, error) {
	entry, err := o.Waitlist.Get(ctx, entryID)
	if err != nil {
		return WaitlistEntry{}, err
	}
	if err := o.authorize(ctx, actorID, ActionAdminister, entry.ResourceID, ""); err != nil {
		return WaitlistEntry{}, err
	}
	return o.Waitlist.Move(ctx, entryID, position, actorID)
}

// CancelWaitlistEntry withdraws an entry. Allowed for its requester or an administrator.
func (o *Orchestrator) CancelWaitlistEntry(ctx context.Context, entryID, actorID string) (WaitlistEntry, error) {
	entry, err := o.Waitlist.Get(ctx, entryID)
	if err != nil {
		return WaitlistEntry{}, err
	}
	if err := o.authorize(ctx, actorID, ActionAdminister, entry.ResourceID, entry.RequesterID); err != nil {
		return WaitlistEntry{}, err
	}
	return o.Waitlist.Cancel(ctx, entryID, actorID)
}

// =============================================================================
// METADATA AND QUERIES
// =============================================================================

// ApplyResourceEvent folds a catalog event into the metadata cache.
func (o *Orchestrator) ApplyResourceEvent(ctx context.Context, ev ResourceEvent) (bool, error) {
	if o.Metadata == nil {
		return false, errors.New("orchestrator has no metadata cache")
	}
	changed, err := o.Metadata.Apply(ev)
	if err != nil {
		return false, err
	}
	o.Logger.Debug("resource event",
		zap.String("resource_id", ev.Resource.ID),
		zap.String("kind", string(ev.Kind)),
		zap.Int64("version", ev.Resource.Version),
		zap.Bool("applied", changed))
	return changed, nil
}

func (o *Orchestrator) CheckAvailability(ctx context.Context, resourceID string, w Window, excludeID string) (Availability, error) {
	if _, err := o.resource(ctx, resourceID); err != nil {
		return Availability{}, err
	}
	return o.Detector.CheckAvailability(ctx, resourceID, w, excludeID)
}

func (o *Orchestrator) GetReservation(ctx context.Context, id string) (Reservation, error) {
	return o.Store.GetReservation(ctx, id)
}

func (o *Orchestrator) ReservationsByRequester(ctx context.Context, requesterID string) ([]Reservation, error) {
	return o.Store.ListReservationsByRequester(ctx, requesterID)
}

func (o *Orchestrator) ReservationsByResource(ctx context.Context, resourceID string, w Window) ([]Reservation, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return o.Store.ListReservationsByResource(ctx, resourceID, w.Start, w.End)
}

func (o *Orchestrator) History(ctx context.Context, entityID string) ([]AuditEvent, error) {
	return o.Store.QueryAudit(ctx, entityID)
}

// =============================================================================
// HELPERS
// =============================================================================

// resource looks up metadata, retrying transient failures with linear backoff.
func (o *Orchestrator) resource(ctx context.Context, id string) (ResourceSnapshot, error) {
	var lastErr error
	for attempt := 0; attempt <= o.Options.MetadataRetries; attempt++ {
		snap, err := o.Resources.Resource(ctx, id)
		if err == nil || !IsRetryable(err) {
			return snap, err
		}
		lastErr = err
		if attempt == o.Options.MetadataRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ResourceSnapshot{}, ctx.Err()
		case <-time.After(o.Options.RetryBackoff * time.Duration(attempt+1)):
		}
	}
	return ResourceSnapshot{}, fmt.Errorf("resource %s lookup failed after %d attempts: %w",
		id, o.Options.MetadataRetries+1, lastErr)
}

// authorize passes when actorID owns the target, holds action, or holds administer.
func (o *Orchestrator) authorize(ctx context.Context, actorID string, action Action, resourceID, ownerID string) error {
	if actorID == "" {
		return invalidArgument("actor_id", "actor is required")
	}
	if ownerID != "" && actorID == ownerID {
		return nil
	}
	for _, a := range []Action{action, ActionAdminister} {
		ok, err := o.Capabilities.HasCapability(ctx, actorID, a, resourceID)
		if err != nil {
			return fmt.Errorf("capability check failed: %w", err)
		}
		if ok {
			return nil
		}
	}
	return &ForbiddenError{ActorID: actorID, Action: string(action), Target: resourceID}
}

// transition locks the reservation's resource and moves it to next.
func (o *Orchestrator) transition(ctx context.Context, id string, next Status, actorID string, mutate func(*Reservation) error) (Reservation, Reservation, error) {
	r, err := o.Store.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, Reservation{}, err
	}
	unlock, err := o.Locks.Lock(ctx, r.ResourceID)
	if err != nil {
		return Reservation{}, Reservation{}, err
	}
	defer unlock()
	return o.transitionLocked(ctx, o.Store, id, next, actorID, mutate)
}

func (o *Orchestrator) transitionLocked(ctx context.Context, s Store, id string, next Status, actorID string, mutate func(*Reservation) error) (Reservation, Reservation, error) {
	r, err := s.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, Reservation{}, err
	}
	if !r.Status.CanTransition(next) {
		return Reservation{}, Reservation{}, &InvalidStateError{Entity: "reservation", ID: r.ID,
			State: string(r.Status), Action: "move to " + string(next)}
	}
	before := r
	if mutate != nil {
		if err := mutate(&r); err != nil {
			return Reservation{}, Reservation{}, err
		}
	}
	r.Status = next
	r.UpdatedAt = o.Now()
	if err := s.SaveReservation(ctx, r); err != nil {
		return Reservation{}, Reservation{}, fmt.Errorf("failed to save reservation: %w", err)
	}
	o.audit(ctx, s, "reservation", r.ID, statusAction(next), actorID, string(before.Status), string(next))
	return before, r, nil
}

func statusAction(s Status) string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusRejected:
		return "rejected"
	case StatusCancelled:
		return "cancelled"
	case StatusCheckedIn:
		return "checked_in"
	case StatusCheckedOut:
		return "checked_out"
	case StatusNoShow:
		return "no_show"
	case StatusCompleted:
		return "completed"
	}
	return "updated"
}

// promote offers a freed window to the waiting list. Failures are logged only.
func (o *Orchestrator) promote(ctx context.Context, resourceID string, freed Window) {
	now := o.Now()
	if !freed.End.After(now) {
		return
	}
	if freed.Start.Before(now) {
		freed.Start = now
	}
	if _, err := o.Waitlist.Promote(ctx, resourceID, freed); err != nil {
		o.Logger.Warn("waitlist promotion failed",
			zap.String("resource_id", resourceID),
			zap.Stringer("freed", freed),
			zap.Error(err))
	}
}

func (o *Orchestrator) recordConflicts(ctx context.Context, conflicts []AvailabilityConflict) {
	if len(conflicts) == 0 {
		return
	}
	if err := o.Store.RecordConflicts(ctx, conflicts); err != nil {
		o.Logger.Warn("failed to record conflict history", zap.Error(err))
	}
}

func (o *Orchestrator) notifyReservation(ctx context.Context, r Reservation, template TemplateKind) {
	data := map[string]string{
		"reservation_id": r.ID,
		"resource_id":    r.ResourceID,
		"start":          r.Window.Start.Format(time.RFC3339),
		"end":            r.Window.End.Format(time.RFC3339),
		"status":         string(r.Status),
	}
	if r.SeriesID != "" {
		data["series_id"] = r.SeriesID
	}
	if r.CancelReason != "" {
		data["reason"] = r.CancelReason
	}
	o.Notifier.Notify(ctx, NotificationIntent{RecipientID: r.RequesterID, Template: template, Data: data})
}

func (o *Orchestrator) audit(ctx context.Context, log AuditLog, entityType, entityID, action, actorID, before, after string) {
	recordAudit(ctx, log, o.Logger, AuditEvent{
		ID:         o.NewID(),
		EntityID:   entityID,
		EntityType: entityType,
		Action:     action,
		ActorID:    actorID,
		Before:     before,
		After:      after,
		Timestamp:  o.Now(),
	})
}
