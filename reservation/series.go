/*
series.go - Recurring series lifecycle

PURPOSE:
  Creates, modifies and cancels recurring series. A series is a plain
  record; its occurrences live in an arena of RecurrenceInstance records
  keyed by series id, each owning at most one Reservation.

CREATION POLICY:
  1. Expand the rule and dry-run the conflict check for every occurrence.
  2. If conflicted/total exceeds MaxConflictRatio, fail with ConflictError
     and write nothing.
  3. Otherwise book each occurrence with its own locked check-and-reserve.
     Occurrences that conflict (in the dry run or because someone booked
     in between) are stored as CONFLICTED for manual resolution.
  One ApprovalRequest covers the whole series.

MODIFICATION:
  ModifyInstance detaches one occurrence and moves it. ModifySeries moves
  the affected, non-detached occurrences together under one resource lock:
  siblings that are moving never block each other, and an occurrence that
  cannot move is reported and left unchanged. Past and cancelled
  occurrences are immutable.
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

// =============================================================================
// CREATE
// =============================================================================

func (o *Orchestrator) createSeries(ctx context.Context, req ReservationRequest) (SubmitResult, error) {
	res, err := o.resource(ctx, req.ResourceID)
	if err != nil {
		return SubmitResult{}, err
	}
	flow, needsApproval, err := o.flowFor(ctx, res, req.FlowID)
	if err != nil {
		return SubmitResult{}, err
	}
	planned, err := o.Expander.Expand(*req.Recurrence, req.Window, time.Time{})
	if err != nil {
		return SubmitResult{}, err
	}
	if len(planned) == 0 {
		return SubmitResult{}, invalidArgument("recurrence", "rule produces no occurrences")
	}

	var dryRun []AvailabilityConflict
	conflicted := 0
	for _, p := range planned {
		avail, err := o.Detector.check(ctx, res.ID, p.Window, false)
		if err != nil {
			return SubmitResult{}, err
		}
		if !avail.Available {
			conflicted++
			dryRun = append(dryRun, avail.Conflicts...)
		}
	}
	ratio := decimal.NewFromInt(int64(conflicted)).Div(decimal.NewFromInt(int64(len(planned))))
	if ratio.GreaterThan(o.Options.MaxConflictRatio) {
		o.recordConflicts(ctx, dryRun)
		o.Logger.Info("series rejected",
			zap.String("resource_id", res.ID),
			zap.Int("occurrences", len(planned)),
			zap.Int("conflicted", conflicted),
			zap.String("ratio", ratio.StringFixed(2)))
		return SubmitResult{Conflicts: dryRun}, &ConflictError{ResourceID: res.ID, Window: req.Window, Conflicts: dryRun}
	}

	now := o.Now()
	series := RecurringSeries{
		ID:          o.NewID(),
		ResourceID:  req.ResourceID,
		RequesterID: req.RequesterID,
		Rule:        *req.Recurrence,
		BaseWindow:  req.Window,
		Status:      SeriesActive,
		Purpose:     req.Purpose,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	status := StatusConfirmed
	var approval *ApprovalRequest
	if needsApproval {
		a, err := o.Approvals.Start(ctx, flow, ApprovalContext{
			SeriesID:     series.ID,
			ResourceID:   res.ID,
			ResourceType: res.Type,
			RequesterID:  req.RequesterID,
			Window:       req.Window,
			Occurrences:  len(planned) - conflicted,
		})
		if err != nil {
			return SubmitResult{}, err
		}
		approval = &a
		series.ApprovalRequestID = a.ID
		if a.Status != ApprovalApproved {
			status = StatusPendingApproval
		}
	}

	if err := o.Store.SaveSeries(ctx, series); err != nil {
		return SubmitResult{}, fmt.Errorf("failed to save series: %w", err)
	}
	o.audit(ctx, o.Store, "series", series.ID, "created", req.RequesterID, "", string(series.Status))

	result := SeriesResult{Series: series}
	var conflicts []AvailabilityConflict
	active := 0
	for _, p := range planned {
		inst, ir, err := o.bookInstance(ctx, series, p, status)
		if err != nil {
			return SubmitResult{}, err
		}
		if inst.Status == InstanceActive {
			active++
		}
		conflicts = append(conflicts, inst.Conflicts...)
		result.Instances = append(result.Instances, inst)
		result.Results = append(result.Results, ir)
	}

	if approval != nil && active == 0 {
		o.cancelApproval(ctx, approval.ID, SystemApproverID)
	}
	if active > 0 && status == StatusConfirmed {
		o.notifySeries(ctx, series, TemplateReservationConfirmed, active)
	}

	o.Logger.Info("series created",
		zap.String("series_id", series.ID),
		zap.String("resource_id", series.ResourceID),
		zap.Int("occurrences", len(planned)),
		zap.Int("active", active),
		zap.Int("conflicted", len(planned)-active))
	return SubmitResult{
		Outcome:   OutcomeSeriesCreated,
		Series:    &result,
		Approval:  approval,
		Conflicts: conflicts,
	}, nil
}

// bookInstance runs one locked check-and-reserve for a planned occurrence.
func (o *Orchestrator) bookInstance(ctx context.Context, series RecurringSeries, inst RecurrenceInstance, status Status) (RecurrenceInstance, InstanceResult, error) {
	unlock, err := o.Locks.Lock(ctx, series.ResourceID)
	if err != nil {
		return inst, InstanceResult{}, err
	}
	defer unlock()

	now := o.Now()
	inst.ID = o.NewID()
	inst.SeriesID = series.ID
	inst.UpdatedAt = now

	avail, err := o.Detector.check(ctx, series.ResourceID, inst.Window, false)
	if err != nil {
		return inst, InstanceResult{}, err
	}
	if avail.Available {
		r := Reservation{
			ID:                o.NewID(),
			ResourceID:        series.ResourceID,
			RequesterID:       series.RequesterID,
			Window:            inst.Window,
			Status:            status,
			Purpose:           series.Purpose,
			SeriesID:          series.ID,
			ApprovalRequestID: series.ApprovalRequestID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := o.Store.SaveReservation(ctx, r); err != nil {
			return inst, InstanceResult{}, fmt.Errorf("failed to save reservation: %w", err)
		}
		o.audit(ctx, o.Store, "reservation", r.ID, "created", r.RequesterID, "", string(r.Status))
		inst.Status = InstanceActive
		inst.ReservationID = r.ID
	} else {
		o.recordConflicts(ctx, avail.Conflicts)
		inst.Status = InstanceConflicted
		inst.Conflicts = avail.Conflicts
	}

	if err := o.Store.SaveInstance(ctx, inst); err != nil {
		return inst, InstanceResult{}, fmt.Errorf("failed to save instance: %w", err)
	}
	return inst, InstanceResult{
		Index:     inst.Index,
		Window:    inst.Window,
		Status:    inst.Status,
		Changed:   true,
		Conflicts: inst.Conflicts,
	}, nil
}

// applySeriesOutcome confirms or rejects every pending occurrence of a series.
func (o *Orchestrator) applySeriesOutcome(ctx context.Context, req ApprovalRequest, next Status, actorID string) error {
	series, err := o.Store.GetSeries(ctx, req.SeriesID)
	if err != nil {
		return err
	}
	instances, err := o.Store.ListInstances(ctx, series.ID)
	if err != nil {
		return fmt.Errorf("failed to load series instances: %w", err)
	}

	applied := 0
	var freed []Window
	for _, inst := range instances {
		if inst.Status != InstanceActive || inst.ReservationID == "" {
			continue
		}
		_, after, err := o.transition(ctx, inst.ReservationID, next, actorID, nil)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return err
		}
		applied++
		if next == StatusRejected {
			inst.Status = InstanceCancelled
			inst.UpdatedAt = o.Now()
			if err := o.Store.SaveInstance(ctx, inst); err != nil {
				return fmt.Errorf("failed to save instance: %w", err)
			}
			freed = append(freed, after.Window)
		}
	}

	if next == StatusRejected {
		if _, err := o.refreshSeriesStatus(ctx, o.Store, series.ID, actorID); err != nil {
			return err
		}
		for _, w := range freed {
			o.promote(ctx, series.ResourceID, w)
		}
	} else if applied > 0 {
		o.notifySeries(ctx, series, TemplateReservationConfirmed, applied)
	}
	return nil
}

// =============================================================================
// MODIFY
// =============================================================================

// ModifyInstance detaches one occurrence from the series and moves it to w.
func (o *Orchestrator) ModifyInstance(ctx context.Context, seriesID string, index int, w Window, actorID string) (RecurrenceInstance, error) {
	if err := w.Validate(); err != nil {
		return RecurrenceInstance{}, err
	}
	series, inst, err := o.loadInstance(ctx, seriesID, index)
	if err != nil {
		return RecurrenceInstance{}, err
	}
	if err := o.authorize(ctx, actorID, ActionAdminister, series.ResourceID, series.RequesterID); err != nil {
		return RecurrenceInstance{}, err
	}

	inst, freed, err := func() (RecurrenceInstance, *Window, error) {
		unlock, err := o.Locks.Lock(ctx, series.ResourceID)
		if err != nil {
			return inst, nil, err
		}
		defer unlock()
		return o.moveInstanceLocked(ctx, series, inst, w, true, actorID)
	}()
	if err != nil {
		return RecurrenceInstance{}, err
	}
	if freed != nil {
		o.promote(ctx, series.ResourceID, *freed)
	}
	return inst, nil
}

// ModifySeries moves the occurrences selected by scope. newBase is the new
// window of the first affected occurrence; later ones keep their spacing.
// Outcomes are reported per index.
func (o *Orchestrator) ModifySeries(ctx context.Context, seriesID string, from time.Time, scope Scope, newBase Window, actorID string) (SeriesResult, error) {
	if err := newBase.Validate(); err != nil {
		return SeriesResult{}, err
	}
	series, err := o.Store.GetSeries(ctx, seriesID)
	if err != nil {
		return SeriesResult{}, err
	}
	if err := o.authorize(ctx, actorID, ActionAdminister, series.ResourceID, series.RequesterID); err != nil {
		return SeriesResult{}, err
	}
	if series.Status == SeriesCancelled {
		return SeriesResult{}, &InvalidStateError{Entity: "series", ID: series.ID, State: string(series.Status), Action: "modify"}
	}
	instances, err := o.Store.ListInstances(ctx, series.ID)
	if err != nil {
		return SeriesResult{}, fmt.Errorf("failed to load series instances: %w", err)
	}
	affected, err := o.inScope(instances, scope, from)
	if err != nil {
		return SeriesResult{}, err
	}
	if len(affected) == 0 {
		return SeriesResult{Series: series, Instances: instances}, nil
	}
	shift := o.Expander.DaysBetween(affected[0].OccurrenceDate, newBase.Start)

	now := o.Now()
	byIndex := make(map[int]int, len(instances))
	for i, inst := range instances {
		byIndex[inst.Index] = i
	}
	var moves []instanceMove
	for _, inst := range affected {
		if inst.Detached || inst.Status == InstanceCancelled || !inst.Window.Start.After(now) {
			continue
		}
		moves = append(moves, instanceMove{inst: inst, target: o.Expander.Rebase(inst.OccurrenceDate, shift, newBase)})
	}

	var failed map[int]error
	var freed []Window
	moved := make(map[int]RecurrenceInstance, len(moves))
	err = func() error {
		unlock, err := o.Locks.Lock(ctx, series.ResourceID)
		if err != nil {
			return err
		}
		defer unlock()

		failed, err = o.planMoves(ctx, series, moves)
		if err != nil {
			return err
		}
		for _, m := range moves {
			if failed[m.inst.Index] != nil {
				continue
			}
			inst, old, err := o.applyMoveLocked(ctx, series, m.inst, m.target, false, actorID)
			if err != nil {
				return err
			}
			moved[inst.Index] = inst
			if old != nil {
				freed = append(freed, *old)
			}
		}
		return nil
	}()
	if err != nil {
		return SeriesResult{}, err
	}

	results := make([]InstanceResult, 0, len(affected))
	for _, inst := range affected {
		if m, ok := moved[inst.Index]; ok {
			instances[byIndex[m.Index]] = m
			results = append(results, InstanceResult{Index: m.Index, Window: m.Window, Status: m.Status, Changed: true})
			continue
		}
		ir := InstanceResult{Index: inst.Index, Window: inst.Window, Status: inst.Status}
		if err := failed[inst.Index]; err != nil {
			ir.Err = err
			var ce *ConflictError
			if errors.As(err, &ce) {
				ir.Conflicts = ce.Conflicts
			}
		}
		results = append(results, ir)
	}

	if scope == ScopeAll {
		series.BaseWindow = instances[0].Window
	}
	series.UpdatedAt = now
	if err := o.Store.SaveSeries(ctx, series); err != nil {
		return SeriesResult{}, fmt.Errorf("failed to save series: %w", err)
	}
	o.audit(ctx, o.Store, "series", series.ID, "modified:"+string(scope), actorID, "", newBase.String())

	for _, w := range freed {
		o.promote(ctx, series.ResourceID, w)
	}
	return SeriesResult{Series: series, Instances: instances, Results: results}, nil
}

// instanceMove is one occurrence of a series reschedule and where it goes.
type instanceMove struct {
	inst   RecurrenceInstance
	target Window
}

// planMoves decides which occurrences of a reschedule can move. Each target is
// checked while the siblings still due to move are ignored at their old
// windows. An occurrence that cannot move stays put, so the rest are checked
// again against it until the set of failures settles. Targets must not overlap
// each other either. The caller holds the resource lock.
func (o *Orchestrator) planMoves(ctx context.Context, series RecurringSeries, moves []instanceMove) (map[int]error, error) {
	failed := make(map[int]error)
	for _, m := range moves {
		if err := o.movableBooking(ctx, m.inst); err != nil {
			if !IsClientError(err) {
				return nil, err
			}
			failed[m.inst.Index] = err
		}
	}

	for {
		var pending []string
		for _, m := range moves {
			if failed[m.inst.Index] == nil && m.inst.ReservationID != "" {
				pending = append(pending, m.inst.ReservationID)
			}
		}

		settled := true
		var claimed []instanceMove
		for _, m := range moves {
			if failed[m.inst.Index] != nil {
				continue
			}
			avail, err := o.Detector.CheckAvailabilityExcluding(ctx, series.ResourceID, m.target, pending...)
			if err != nil {
				return nil, err
			}
			if !avail.Available {
				o.recordConflicts(ctx, avail.Conflicts)
				failed[m.inst.Index] = &ConflictError{ResourceID: series.ResourceID, Window: m.target,
					Conflicts: avail.Conflicts, Alternatives: avail.Alternatives}
				settled = false
				continue
			}
			if other, ok := overlappingMove(claimed, m.target); ok {
				c := AvailabilityConflict{
					ID:                       o.NewID(),
					ResourceID:               series.ResourceID,
					Window:                   m.target,
					Kind:                     ConflictReservation,
					ConflictingWindow:        other.target,
					ConflictingReservationID: other.inst.ReservationID,
					Severity:                 SeverityHard,
					Reason:                   fmt.Sprintf("overlaps occurrence %d of the same series at %s", other.inst.Index, other.target),
					DetectedAt:               o.Now(),
				}
				o.recordConflicts(ctx, []AvailabilityConflict{c})
				failed[m.inst.Index] = &ConflictError{ResourceID: series.ResourceID, Window: m.target,
					Conflicts: []AvailabilityConflict{c}}
				settled = false
				continue
			}
			claimed = append(claimed, m)
		}
		if settled {
			return failed, nil
		}
	}
}

func overlappingMove(moves []instanceMove, w Window) (instanceMove, bool) {
	for _, m := range moves {
		if m.target.Overlaps(w) {
			return m, true
		}
	}
	return instanceMove{}, false
}

// movableBooking rejects occurrences whose reservation can no longer be rescheduled.
func (o *Orchestrator) movableBooking(ctx context.Context, inst RecurrenceInstance) error {
	if inst.ReservationID == "" {
		return nil
	}
	r, err := o.Store.GetReservation(ctx, inst.ReservationID)
	if err != nil {
		return err
	}
	if r.Status != StatusPendingApproval && r.Status != StatusConfirmed {
		return &InvalidStateError{Entity: "reservation", ID: r.ID, State: string(r.Status), Action: "reschedule"}
	}
	return nil
}

// moveInstanceLocked re-checks target excluding the occurrence's own booking
// and moves it there. It returns the window it freed, if any.
func (o *Orchestrator) moveInstanceLocked(ctx context.Context, series RecurringSeries, inst RecurrenceInstance, target Window, detach bool, actorID string) (RecurrenceInstance, *Window, error) {
	if err := o.mutableInstance(series, inst, o.Now()); err != nil {
		return inst, nil, err
	}
	if err := o.movableBooking(ctx, inst); err != nil {
		return inst, nil, err
	}

	avail, err := o.Detector.CheckAvailability(ctx, series.ResourceID, target, inst.ReservationID)
	if err != nil {
		return inst, nil, err
	}
	if !avail.Available {
		o.recordConflicts(ctx, avail.Conflicts)
		return inst, nil, &ConflictError{ResourceID: series.ResourceID, Window: target,
			Conflicts: avail.Conflicts, Alternatives: avail.Alternatives}
	}
	return o.applyMoveLocked(ctx, series, inst, target, detach, actorID)
}

// applyMoveLocked moves an occurrence whose target was already checked.
func (o *Orchestrator) applyMoveLocked(ctx context.Context, series RecurringSeries, inst RecurrenceInstance, target Window, detach bool, actorID string) (RecurrenceInstance, *Window, error) {
	now := o.Now()
	var freed *Window
	if inst.ReservationID != "" {
		r, err := o.Store.GetReservation(ctx, inst.ReservationID)
		if err != nil {
			return inst, nil, err
		}
		old := r.Window
		r.Window = target
		r.UpdatedAt = now
		if err := o.Store.SaveReservation(ctx, r); err != nil {
			return inst, nil, fmt.Errorf("failed to save reservation: %w", err)
		}
		o.audit(ctx, o.Store, "reservation", r.ID, "rescheduled", actorID, old.String(), target.String())
		freed = &old
	} else {
		status, err := o.seriesBookingStatus(ctx, series)
		if err != nil {
			return inst, nil, err
		}
		r := Reservation{
			ID:                o.NewID(),
			ResourceID:        series.ResourceID,
			RequesterID:       series.RequesterID,
			Window:            target,
			Status:            status,
			Purpose:           series.Purpose,
			SeriesID:          series.ID,
			ApprovalRequestID: series.ApprovalRequestID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := o.Store.SaveReservation(ctx, r); err != nil {
			return inst, nil, fmt.Errorf("failed to save reservation: %w", err)
		}
		o.audit(ctx, o.Store, "reservation", r.ID, "created", actorID, "", string(r.Status))
		inst.ReservationID = r.ID
	}

	before := inst.Window
	inst.Window = target
	inst.OccurrenceDate = dateOf(target.Start, o.Expander.Options.Location)
	inst.Status = InstanceActive
	inst.Conflicts = nil
	inst.UpdatedAt = now
	if detach {
		inst.Detached = true
	}
	if err := o.Store.SaveInstance(ctx, inst); err != nil {
		return inst, nil, fmt.Errorf("failed to save instance: %w", err)
	}
	o.audit(ctx, o.Store, "series_instance", inst.ID, "moved", actorID, before.String(), target.String())
	return inst, freed, nil
}

// seriesBookingStatus is the status a newly materialized occurrence starts in.
func (o *Orchestrator) seriesBookingStatus(ctx context.Context, series RecurringSeries) (Status, error) {
	if series.ApprovalRequestID == "" {
		return StatusConfirmed, nil
	}
	a, err := o.Approvals.Get(ctx, series.ApprovalRequestID)
	if err != nil {
		return "", err
	}
	switch a.Status {
	case ApprovalApproved:
		return StatusConfirmed, nil
	case ApprovalPending:
		return StatusPendingApproval, nil
	}
	return "", &InvalidStateError{Entity: "series", ID: series.ID, State: string(series.Status),
		Action: "book occurrence", Reason: "series approval is " + string(a.Status)}
}

// =============================================================================
// CANCEL
// =============================================================================

// CancelInstance cancels a single occurrence.
func (o *Orchestrator) CancelInstance(ctx context.Context, seriesID string, index int, actorID, reason string) (RecurrenceInstance, error) {
	series, inst, err := o.loadInstance(ctx, seriesID, index)
	if err != nil {
		return RecurrenceInstance{}, err
	}
	if err := o.authorize(ctx, actorID, ActionCancelAny, series.ResourceID, series.RequesterID); err != nil {
		return RecurrenceInstance{}, err
	}

	var after RecurrenceInstance
	var seriesAfter RecurringSeries
	var freed *Window
	err = func() error {
		unlock, err := o.Locks.Lock(ctx, series.ResourceID)
		if err != nil {
			return err
		}
		defer unlock()
		if err := o.mutableInstance(series, inst, o.Now()); err != nil {
			return err
		}
		return o.Store.WithTx(ctx, func(tx Store) error {
			after, freed, err = o.cancelInstanceLocked(ctx, tx, inst, actorID, reason)
			if err != nil {
				return err
			}
			seriesAfter, err = o.refreshSeriesStatus(ctx, tx, series.ID, actorID)
			return err
		})
	}()
	if err != nil {
		return RecurrenceInstance{}, err
	}

	o.afterSeriesCancel(ctx, seriesAfter, actorID)
	o.notifySeries(ctx, seriesAfter, TemplateReservationCancelled, 1)
	if freed != nil {
		o.promote(ctx, series.ResourceID, *freed)
	}
	return after, nil
}

// CancelSeries cancels the occurrences selected by scope in one transaction.
// Past, cancelled and checked-in occurrences are left as they are and reported.
func (o *Orchestrator) CancelSeries(ctx context.Context, seriesID string, from time.Time, scope Scope, actorID, reason string) (SeriesResult, error) {
	series, err := o.Store.GetSeries(ctx, seriesID)
	if err != nil {
		return SeriesResult{}, err
	}
	if err := o.authorize(ctx, actorID, ActionCancelAny, series.ResourceID, series.RequesterID); err != nil {
		return SeriesResult{}, err
	}
	if series.Status == SeriesCancelled {
		return SeriesResult{}, &InvalidStateError{Entity: "series", ID: series.ID, State: string(series.Status), Action: "cancel"}
	}

	var results []InstanceResult
	var freed []Window
	cancelled := 0
	err = func() error {
		unlock, err := o.Locks.Lock(ctx, series.ResourceID)
		if err != nil {
			return err
		}
		defer unlock()

		return o.Store.WithTx(ctx, func(tx Store) error {
			results, freed, cancelled = nil, nil, 0
			instances, err := tx.ListInstances(ctx, series.ID)
			if err != nil {
				return fmt.Errorf("failed to load series instances: %w", err)
			}
			affected, err := o.inScope(instances, scope, from)
			if err != nil {
				return err
			}
			now := o.Now()
			for _, inst := range affected {
				ir := InstanceResult{Index: inst.Index, Window: inst.Window, Status: inst.Status}
				if err := o.mutableInstance(series, inst, now); err != nil {
					if inst.Status != InstanceCancelled {
						ir.Err = err
					}
					results = append(results, ir)
					continue
				}
				after, w, err := o.cancelInstanceLocked(ctx, tx, inst, actorID, reason)
				if err != nil {
					if !errors.Is(err, ErrInvalidState) {
						return err
					}
					ir.Err = err
					results = append(results, ir)
					continue
				}
				if w != nil {
					freed = append(freed, *w)
				}
				cancelled++
				results = append(results, InstanceResult{Index: after.Index, Window: after.Window, Status: after.Status, Changed: true})
			}
			series, err = o.refreshSeriesStatus(ctx, tx, series.ID, actorID)
			return err
		})
	}()
	if err != nil {
		return SeriesResult{}, err
	}

	o.afterSeriesCancel(ctx, series, actorID)
	if cancelled > 0 {
		o.notifySeries(ctx, series, TemplateReservationCancelled, cancelled)
	}
	for _, w := range freed {
		o.promote(ctx, series.ResourceID, w)
	}
	instances, err := o.Store.ListInstances(ctx, series.ID)
	if err != nil {
		return SeriesResult{}, fmt.Errorf("failed to load series instances: %w", err)
	}
	return SeriesResult{Series: series, Instances: instances, Results: results}, nil
}

// cancelInstanceLocked cancels inst and its reservation through s.
func (o *Orchestrator) cancelInstanceLocked(ctx context.Context, s Store, inst RecurrenceInstance, actorID, reason string) (RecurrenceInstance, *Window, error) {
	var freed *Window
	if inst.ReservationID != "" {
		_, after, err := o.transitionLocked(ctx, s, inst.ReservationID, StatusCancelled, actorID, func(r *Reservation) error {
			r.CancelReason = reason
			return nil
		})
		if err != nil {
			return inst, nil, err
		}
		freed = &after.Window
	}
	before := inst.Status
	inst.Status = InstanceCancelled
	inst.UpdatedAt = o.Now()
	if err := s.SaveInstance(ctx, inst); err != nil {
		return inst, nil, fmt.Errorf("failed to save instance: %w", err)
	}
	o.audit(ctx, s, "series_instance", inst.ID, "cancelled", actorID, string(before), string(inst.Status))
	return inst, freed, nil
}

// afterSeriesCancel withdraws the series approval once nothing is left to approve.
func (o *Orchestrator) afterSeriesCancel(ctx context.Context, series RecurringSeries, actorID string) {
	if series.Status == SeriesCancelled && series.ApprovalRequestID != "" {
		o.cancelApproval(ctx, series.ApprovalRequestID, actorID)
	}
}

// =============================================================================
// QUERIES AND HELPERS
// =============================================================================

func (o *Orchestrator) GetSeries(ctx context.Context, seriesID string) (SeriesResult, error) {
	series, err := o.Store.GetSeries(ctx, seriesID)
	if err != nil {
		return SeriesResult{}, err
	}
	instances, err := o.Store.ListInstances(ctx, seriesID)
	if err != nil {
		return SeriesResult{}, fmt.Errorf("failed to load series instances: %w", err)
	}
	return SeriesResult{Series: series, Instances: instances}, nil
}

func (o *Orchestrator) loadInstance(ctx context.Context, seriesID string, index int) (RecurringSeries, RecurrenceInstance, error) {
	series, err := o.Store.GetSeries(ctx, seriesID)
	if err != nil {
		return RecurringSeries{}, RecurrenceInstance{}, err
	}
	instances, err := o.Store.ListInstances(ctx, seriesID)
	if err != nil {
		return RecurringSeries{}, RecurrenceInstance{}, fmt.Errorf("failed to load series instances: %w", err)
	}
	for _, inst := range instances {
		if inst.Index == index {
			return series, inst, nil
		}
	}
	return RecurringSeries{}, RecurrenceInstance{}, notFound("series_instance", fmt.Sprintf("%s#%d", seriesID, index))
}

// inScope selects instances by scope. THIS_AND_FUTURE keeps occurrences on or after from's date.
func (o *Orchestrator) inScope(instances []RecurrenceInstance, scope Scope, from time.Time) ([]RecurrenceInstance, error) {
	switch scope {
	case ScopeAll:
		return instances, nil
	case ScopeThisAndFuture:
		if from.IsZero() {
			return nil, invalidArgument("from", "a start date is required for THIS_AND_FUTURE")
		}
		day := dateOf(from, o.Expander.Options.Location)
		var out []RecurrenceInstance
		for _, inst := range instances {
			if !inst.OccurrenceDate.Before(day) {
				out = append(out, inst)
			}
		}
		return out, nil
	}
	return nil, invalidArgument("scope", fmt.Sprintf("unknown scope %q", scope))
}

func (o *Orchestrator) mutableInstance(series RecurringSeries, inst RecurrenceInstance, now time.Time) error {
	reason := ""
	switch {
	case series.Status == SeriesCancelled:
		reason = "series is cancelled"
	case inst.Status == InstanceCancelled:
		reason = "occurrence is cancelled"
	case !inst.Window.Start.After(now):
		reason = "past occurrences are immutable"
	default:
		return nil
	}
	return &InvalidStateError{Entity: "series_instance", ID: fmt.Sprintf("%s#%d", inst.SeriesID, inst.Index),
		State: string(inst.Status), Action: "modify", Reason: reason}
}

// refreshSeriesStatus derives the series status from its instances.
func (o *Orchestrator) refreshSeriesStatus(ctx context.Context, s Store, seriesID, actorID string) (RecurringSeries, error) {
	series, err := s.GetSeries(ctx, seriesID)
	if err != nil {
		return RecurringSeries{}, err
	}
	instances, err := s.ListInstances(ctx, seriesID)
	if err != nil {
		return RecurringSeries{}, fmt.Errorf("failed to load series instances: %w", err)
	}
	cancelled := 0
	for _, inst := range instances {
		if inst.Status == InstanceCancelled {
			cancelled++
		}
	}
	next := SeriesActive
	switch {
	case len(instances) > 0 && cancelled == len(instances):
		next = SeriesCancelled
	case cancelled > 0:
		next = SeriesPartiallyCancelled
	}
	if next == series.Status {
		return series, nil
	}
	before := series.Status
	series.Status = next
	series.UpdatedAt = o.Now()
	if err := s.SaveSeries(ctx, series); err != nil {
		return RecurringSeries{}, fmt.Errorf("failed to save series: %w", err)
	}
	o.audit(ctx, s, "series", series.ID, "status_changed", actorID, string(before), string(next))
	return series, nil
}

func (o *Orchestrator) notifySeries(ctx context.Context, series RecurringSeries, template TemplateKind, occurrences int) {
	o.Notifier.Notify(ctx, NotificationIntent{
		RecipientID: series.RequesterID,
		Template:    template,
		Data: map[string]string{
			"series_id":   series.ID,
			"resource_id": series.ResourceID,
			"occurrences": fmt.Sprint(occurrences),
			"status":      string(series.Status),
		},
	})
}
