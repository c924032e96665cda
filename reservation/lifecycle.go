package reservation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Cancel cancels a pending or confirmed reservation. The requester may always
// cancel; anyone else needs cancel_any or administer on the resource.
func (o *Orchestrator) Cancel(ctx context.Context, reservationID, actorID, reason string) (Reservation, error) {
	r, err := o.Store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	if err := o.authorize(ctx, actorID, ActionCancelAny, r.ResourceID, r.RequesterID); err != nil {
		return Reservation{}, err
	}

	var after Reservation
	err = func() error {
		unlock, err := o.Locks.Lock(ctx, r.ResourceID)
		if err != nil {
			return err
		}
		defer unlock()
		if err := o.guardInstance(ctx, r); err != nil {
			return err
		}
		return o.Store.WithTx(ctx, func(tx Store) error {
			_, after, err = o.transitionLocked(ctx, tx, reservationID, StatusCancelled, actorID, func(r *Reservation) error {
				r.CancelReason = reason
				return nil
			})
			if err != nil {
				return err
			}
			if after.SeriesID != "" {
				return o.cancelInstanceOf(ctx, tx, after, actorID)
			}
			return nil
		})
	}()
	if err != nil {
		return Reservation{}, err
	}

	if after.ApprovalRequestID != "" && after.SeriesID == "" {
		o.cancelApproval(ctx, after.ApprovalRequestID, actorID)
	}
	o.notifyReservation(ctx, after, TemplateReservationCancelled)
	o.promote(ctx, after.ResourceID, after.Window)
	return after, nil
}

// guardInstance rejects cancelling a series occurrence that already started.
func (o *Orchestrator) guardInstance(ctx context.Context, r Reservation) error {
	if r.SeriesID == "" {
		return nil
	}
	if !r.Window.Start.After(o.Now()) {
		return &InvalidStateError{Entity: "reservation", ID: r.ID, State: string(r.Status),
			Action: "cancel", Reason: "past occurrences of a series are immutable"}
	}
	return nil
}

// cancelInstanceOf marks the instance owning r as cancelled and refreshes the series status.
func (o *Orchestrator) cancelInstanceOf(ctx context.Context, s Store, r Reservation, actorID string) error {
	instances, err := s.ListInstances(ctx, r.SeriesID)
	if err != nil {
		return fmt.Errorf("failed to load series instances: %w", err)
	}
	for _, inst := range instances {
		if inst.ReservationID != r.ID {
			continue
		}
		inst.Status = InstanceCancelled
		inst.UpdatedAt = o.Now()
		if err := s.SaveInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to save instance: %w", err)
		}
		break
	}
	_, err = o.refreshSeriesStatus(ctx, s, r.SeriesID, actorID)
	return err
}

func (o *Orchestrator) cancelApproval(ctx context.Context, approvalID, actorID string) {
	if _, err := o.Approvals.Cancel(ctx, approvalID, actorID); err != nil && !errors.Is(err, ErrInvalidState) {
		o.Logger.Warn("failed to cancel approval request",
			zap.String("approval_request_id", approvalID),
			zap.Error(err))
	}
}

// CheckIn marks a confirmed reservation as in use. Check-in opens
// CheckInLeeway before the window and closes at its end.
func (o *Orchestrator) CheckIn(ctx context.Context, reservationID, actorID string) (Reservation, error) {
	r, err := o.Store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	if err := o.authorize(ctx, actorID, ActionCheckIn, r.ResourceID, r.RequesterID); err != nil {
		return Reservation{}, err
	}

	now := o.Now()
	_, after, err := o.transition(ctx, reservationID, StatusCheckedIn, actorID, func(r *Reservation) error {
		opens := r.Window.Start.Add(-o.Options.CheckInLeeway)
		if now.Before(opens) || !now.Before(r.Window.End) {
			return &InvalidStateError{Entity: "reservation", ID: r.ID, State: string(r.Status),
				Action: "check in", Reason: fmt.Sprintf("check-in is open from %s until %s",
					opens.Format("15:04"), r.Window.End.Format("15:04"))}
		}
		r.CheckedInAt = &now
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return after, nil
}

// CheckOut ends use of a checked-in reservation. Leaving early frees the
// rest of the window for the waiting list.
func (o *Orchestrator) CheckOut(ctx context.Context, reservationID, actorID string) (Reservation, error) {
	r, err := o.Store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	if err := o.authorize(ctx, actorID, ActionCheckIn, r.ResourceID, r.RequesterID); err != nil {
		return Reservation{}, err
	}

	now := o.Now()
	_, after, err := o.transition(ctx, reservationID, StatusCheckedOut, actorID, func(r *Reservation) error {
		r.CheckedOutAt = &now
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	if now.Before(after.Window.End) {
		o.promote(ctx, after.ResourceID, Window{Start: now, End: after.Window.End})
	}
	return after, nil
}

// SweepReport summarizes one scheduled sweep run.
type SweepReport struct {
	NoShows          []string
	Completed        []string
	WaitlistExpired  []string
	WaitlistPromoted []string
}

// SweepNoShows moves confirmed reservations whose window fully elapsed
// without a check-in to NO_SHOW.
func (o *Orchestrator) SweepNoShows(ctx context.Context) ([]string, error) {
	confirmed, err := o.Store.ListReservationsByStatus(ctx, StatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmed reservations: %w", err)
	}
	now := o.Now()
	var ids []string
	for _, r := range confirmed {
		if r.Window.End.After(now) {
			continue
		}
		if _, _, err := o.transition(ctx, r.ID, StatusNoShow, SystemApproverID, nil); err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return ids, err
		}
		ids = append(ids, r.ID)
	}
	if len(ids) > 0 {
		o.Logger.Info("no-show sweep", zap.Int("count", len(ids)))
	}
	return ids, nil
}

// SweepCompletions closes out checked-out reservations and checked-in ones whose window ended.
func (o *Orchestrator) SweepCompletions(ctx context.Context) ([]string, error) {
	now := o.Now()
	var ids []string
	for _, status := range []Status{StatusCheckedOut, StatusCheckedIn} {
		list, err := o.Store.ListReservationsByStatus(ctx, status)
		if err != nil {
			return ids, fmt.Errorf("failed to list %s reservations: %w", status, err)
		}
		for _, r := range list {
			if r.Window.End.After(now) {
				continue
			}
			if _, _, err := o.transition(ctx, r.ID, StatusCompleted, SystemApproverID, nil); err != nil {
				if errors.Is(err, ErrInvalidState) {
					continue
				}
				return ids, err
			}
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// RunSweeps runs every scheduled sweep once.
func (o *Orchestrator) RunSweeps(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var err error
	if report.NoShows, err = o.SweepNoShows(ctx); err != nil {
		return report, err
	}
	if report.Completed, err = o.SweepCompletions(ctx); err != nil {
		return report, err
	}
	wl, err := o.Waitlist.Sweep(ctx)
	report.WaitlistExpired = wl.Expired
	report.WaitlistPromoted = wl.Promoted
	return report, err
}
