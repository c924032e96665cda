package reservation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reservation-engine/reservation"
)

func weekly(count int) *reservation.RecurrenceRule {
	return &reservation.RecurrenceRule{Frequency: reservation.FrequencyWeekly, Count: count}
}

func week(n int) reservation.Window {
	return window(monday.AddDate(0, 0, 7*(n-1)), 9, 10)
}

func (f *fixture) submitSeries(t *testing.T, resourceID, requesterID string, base reservation.Window, rule *reservation.RecurrenceRule) reservation.SeriesResult {
	t.Helper()
	res, err := f.orch.Submit(context.Background(), reservation.ReservationRequest{
		ResourceID:  resourceID,
		RequesterID: requesterID,
		Window:      base,
		Recurrence:  rule,
	})
	require.NoError(t, err)
	require.Equal(t, reservation.OutcomeSeriesCreated, res.Outcome)
	require.NotNil(t, res.Series)
	return *res.Series
}

func (f *fixture) series(t *testing.T, id string) reservation.SeriesResult {
	t.Helper()
	s, err := f.orch.GetSeries(context.Background(), id)
	require.NoError(t, err)
	return s
}

func instanceStatuses(instances []reservation.RecurrenceInstance) []reservation.InstanceStatus {
	out := make([]reservation.InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Status)
	}
	return out
}

// =============================================================================
// CREATE
// =============================================================================

func TestSeries_CreateBooksEveryOccurrence(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)

	s := f.submitSeries(t, "R", "alice", week(1), weekly(4))

	assert.Equal(t, reservation.SeriesActive, s.Series.Status)
	require.Len(t, s.Instances, 4)
	require.Len(t, s.Results, 4)
	for i, inst := range s.Instances {
		assert.Equal(t, i+1, inst.Index)
		assert.Equal(t, week(i+1), inst.Window)
		assert.Equal(t, reservation.InstanceActive, inst.Status)
		r := f.reservation(t, inst.ReservationID)
		assert.Equal(t, reservation.StatusConfirmed, r.Status)
		assert.Equal(t, s.Series.ID, r.SeriesID)
		assert.True(t, s.Results[i].Changed)
	}

	sent := f.notifier.Sent(reservation.TemplateReservationConfirmed)
	require.Len(t, sent, 1)
	assert.Equal(t, "4", sent[0].Data["occurrences"])
}

func TestSeries_ConflictRatioExceededWritesNothing(t *testing.T) {
	// GIVEN: weeks 2 to 4 are already taken
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	for n := 2; n <= 4; n++ {
		f.book(t, "R", "bob", week(n))
	}

	// WHEN: alice asks for four weeks
	res, err := f.orch.Submit(context.Background(), reservation.ReservationRequest{
		ResourceID: "R", RequesterID: "alice", Window: week(1), Recurrence: weekly(4),
	})

	// THEN: three of four conflict, above the 0.5 ratio, so nothing is booked
	var cerr *reservation.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Conflicts, 3)
	assert.Len(t, res.Conflicts, 3)
	assert.Nil(t, res.Series)

	mine, err := f.orch.ReservationsByRequester(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, mine)
	assert.Len(t, f.store.Conflicts(), 3)
}

func TestSeries_ConflictsUnderRatioAreKept(t *testing.T) {
	tests := []struct {
		name    string
		blocked []int
	}{
		{"one of four", []int{2}},
		{"exactly half", []int{2, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addRoom(t, "R", 8)
			blocked := map[int]bool{}
			for _, n := range tt.blocked {
				f.book(t, "R", "bob", week(n))
				blocked[n] = true
			}

			s := f.submitSeries(t, "R", "alice", week(1), weekly(4))

			for _, inst := range s.Instances {
				if blocked[inst.Index] {
					assert.Equal(t, reservation.InstanceConflicted, inst.Status, "week %d", inst.Index)
					assert.Empty(t, inst.ReservationID)
					assert.NotEmpty(t, inst.Conflicts)
				} else {
					assert.Equal(t, reservation.InstanceActive, inst.Status, "week %d", inst.Index)
				}
			}
			mine, err := f.orch.ReservationsByRequester(context.Background(), "alice")
			require.NoError(t, err)
			assert.Len(t, mine, 4-len(tt.blocked))
		})
	}
}

func TestSeries_RejectsUnboundedRule(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)

	_, err := f.orch.Submit(context.Background(), reservation.ReservationRequest{
		ResourceID: "R", RequesterID: "alice", Window: week(1),
		Recurrence: &reservation.RecurrenceRule{Frequency: reservation.FrequencyDaily},
	})
	assert.ErrorIs(t, err, reservation.ErrValidation)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestSeries_CancelOneOccurrence(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(4))

	inst, err := f.orch.CancelInstance(context.Background(), s.Series.ID, 3, "alice", "holiday")
	require.NoError(t, err)
	assert.Equal(t, reservation.InstanceCancelled, inst.Status)

	got := f.series(t, s.Series.ID)
	assert.Equal(t, reservation.SeriesPartiallyCancelled, got.Series.Status)
	assert.Equal(t, []reservation.InstanceStatus{
		reservation.InstanceActive, reservation.InstanceActive, reservation.InstanceCancelled, reservation.InstanceActive,
	}, instanceStatuses(got.Instances))

	r := f.reservation(t, got.Instances[2].ReservationID)
	assert.Equal(t, reservation.StatusCancelled, r.Status)
	assert.Equal(t, "holiday", r.CancelReason)

	_, err = f.orch.CancelInstance(context.Background(), s.Series.ID, 3, "alice", "")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
	_, err = f.orch.CancelInstance(context.Background(), s.Series.ID, 9, "alice", "")
	assert.True(t, reservation.IsNotFound(err))
}

func TestSeries_CancelReservationUpdatesInstance(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(2))

	_, err := f.orch.Cancel(context.Background(), s.Instances[0].ReservationID, "alice", "")
	require.NoError(t, err)

	got := f.series(t, s.Series.ID)
	assert.Equal(t, reservation.InstanceCancelled, got.Instances[0].Status)
	assert.Equal(t, reservation.SeriesPartiallyCancelled, got.Series.Status)
}

func TestSeries_CancelThisAndFuture(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(4))

	got, err := f.orch.CancelSeries(context.Background(), s.Series.ID, week(2).Start, reservation.ScopeThisAndFuture, "alice", "")
	require.NoError(t, err)

	assert.Equal(t, reservation.SeriesPartiallyCancelled, got.Series.Status)
	assert.Equal(t, []reservation.InstanceStatus{
		reservation.InstanceActive, reservation.InstanceCancelled, reservation.InstanceCancelled, reservation.InstanceCancelled,
	}, instanceStatuses(got.Instances))
	require.Len(t, got.Results, 3)
	for _, r := range got.Results {
		assert.True(t, r.Changed)
		assert.NoError(t, r.Err)
	}

	mine, err := f.orch.ReservationsByRequester(context.Background(), "alice")
	require.NoError(t, err)
	held := 0
	for _, r := range mine {
		if r.Status.Holds() {
			held++
		}
	}
	assert.Equal(t, 1, held)

	_, err = f.orch.CancelSeries(context.Background(), s.Series.ID, week(2).Start, "SOMETIMES", "alice", "")
	assert.ErrorIs(t, err, reservation.ErrValidation)
	_, err = f.orch.CancelSeries(context.Background(), s.Series.ID, time.Time{}, reservation.ScopeThisAndFuture, "alice", "")
	assert.ErrorIs(t, err, reservation.ErrValidation)
}

func TestSeries_CancelAll(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(3))
	bob := f.waitFor(t, "R", "bob", week(2))

	got, err := f.orch.CancelSeries(context.Background(), s.Series.ID, monday, reservation.ScopeAll, "alice", "")
	require.NoError(t, err)

	assert.Equal(t, reservation.SeriesCancelled, got.Series.Status)
	assert.Equal(t, reservation.WaitlistNotified, f.entry(t, bob.ID).Status)

	_, err = f.orch.CancelSeries(context.Background(), s.Series.ID, monday, reservation.ScopeAll, "alice", "")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
}

func TestSeries_PastOccurrencesAreImmutable(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(4))
	ctx := context.Background()

	// WHEN: the first occurrence has started
	f.clock.Set(on(monday, 9, 30))

	// THEN: it can be neither cancelled nor moved
	_, err := f.orch.CancelInstance(ctx, s.Series.ID, 1, "alice", "")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
	_, err = f.orch.Cancel(ctx, s.Instances[0].ReservationID, "alice", "")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
	_, err = f.orch.ModifyInstance(ctx, s.Series.ID, 1, window(monday, 15, 16), "alice")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)

	// AND: cancelling the whole series leaves it in place and reports why
	got, err := f.orch.CancelSeries(ctx, s.Series.ID, monday, reservation.ScopeAll, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, reservation.SeriesPartiallyCancelled, got.Series.Status)
	require.Len(t, got.Results, 4)
	assert.False(t, got.Results[0].Changed)
	assert.ErrorIs(t, got.Results[0].Err, reservation.ErrInvalidState)
	assert.Equal(t, reservation.StatusConfirmed, f.reservation(t, s.Instances[0].ReservationID).Status)
}

func TestSeries_CancelNeedsOwnerOrCapability(t *testing.T) {
	f := newFixture(t, withCapabilities(capabilities{
		"alice": {reservation.ActionReserve},
		"desk":  {reservation.ActionCancelAny},
	}))
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(2))

	_, err := f.orch.CancelInstance(context.Background(), s.Series.ID, 1, "bob", "")
	assert.ErrorIs(t, err, reservation.ErrForbidden)
	_, err = f.orch.CancelSeries(context.Background(), s.Series.ID, monday, reservation.ScopeAll, "bob", "")
	assert.ErrorIs(t, err, reservation.ErrForbidden)
	_, err = f.orch.CancelInstance(context.Background(), s.Series.ID, 1, "desk", "")
	require.NoError(t, err)
}

// =============================================================================
// MODIFY
// =============================================================================

func TestSeries_ModifyInstanceDetaches(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(4))
	ctx := context.Background()
	tuesday := monday.AddDate(0, 0, 8)

	// WHEN: week 2 moves to Tuesday
	inst, err := f.orch.ModifyInstance(ctx, s.Series.ID, 2, window(tuesday, 9, 10), "alice")
	require.NoError(t, err)

	// THEN: it is detached and its reservation moved with it
	assert.True(t, inst.Detached)
	assert.Equal(t, tuesday, inst.OccurrenceDate)
	assert.Equal(t, window(tuesday, 9, 10), f.reservation(t, inst.ReservationID).Window)

	// WHEN: the whole series moves to the afternoon
	got, err := f.orch.ModifySeries(ctx, s.Series.ID, monday, reservation.ScopeAll, window(monday, 14, 15), "alice")
	require.NoError(t, err)

	// THEN: every attached occurrence moves, the detached one stays
	require.Len(t, got.Results, 4)
	assert.False(t, got.Results[1].Changed)
	assert.Equal(t, window(tuesday, 9, 10), got.Instances[1].Window)
	for _, i := range []int{0, 2, 3} {
		day := monday.AddDate(0, 0, 7*i)
		assert.True(t, got.Results[i].Changed)
		assert.Equal(t, window(day, 14, 15), got.Instances[i].Window)
		assert.Equal(t, window(day, 14, 15), f.reservation(t, got.Instances[i].ReservationID).Window)
	}
	assert.Equal(t, window(monday, 14, 15), got.Series.BaseWindow)
}

func TestSeries_ModifyThisAndFuture(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(4))

	// WHEN: from week 3 on the meeting moves to Tuesday
	newBase := window(monday.AddDate(0, 0, 15), 9, 10)
	got, err := f.orch.ModifySeries(context.Background(), s.Series.ID, week(3).Start, reservation.ScopeThisAndFuture, newBase, "alice")
	require.NoError(t, err)

	// THEN: weeks 1 and 2 are untouched, 3 and 4 keep their weekly spacing
	assert.Equal(t, week(1), got.Instances[0].Window)
	assert.Equal(t, week(2), got.Instances[1].Window)
	assert.Equal(t, newBase, got.Instances[2].Window)
	assert.Equal(t, window(monday.AddDate(0, 0, 22), 9, 10), got.Instances[3].Window)
	assert.Len(t, got.Results, 2)
}

func TestSeries_ModifyShiftsForwardOverOwnOccurrences(t *testing.T) {
	// GIVEN: four weekly occurrences on R
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(4))

	// WHEN: the whole series is pushed back a week, onto its own later occurrences
	got, err := f.orch.ModifySeries(context.Background(), s.Series.ID, monday, reservation.ScopeAll, week(2), "alice")
	require.NoError(t, err)

	// THEN: every occurrence moves and the spacing is kept
	require.Len(t, got.Results, 4)
	for i, inst := range got.Instances {
		assert.True(t, got.Results[i].Changed, "occurrence %d", inst.Index)
		assert.NoError(t, got.Results[i].Err, "occurrence %d", inst.Index)
		assert.Equal(t, week(i+2), inst.Window)
		assert.Equal(t, week(i+2), f.reservation(t, inst.ReservationID).Window)
	}
	assert.Equal(t, week(2), got.Series.BaseWindow)
	assert.Empty(t, f.store.Conflicts())
}

func TestSeries_ModifyThisAndFutureShiftsForward(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(4))

	got, err := f.orch.ModifySeries(context.Background(), s.Series.ID, week(2).Start, reservation.ScopeThisAndFuture, week(3), "alice")
	require.NoError(t, err)

	assert.Equal(t, []reservation.Window{week(1), week(3), week(4), week(5)}, []reservation.Window{
		got.Instances[0].Window, got.Instances[1].Window, got.Instances[2].Window, got.Instances[3].Window,
	})
	for _, r := range got.Results {
		assert.True(t, r.Changed)
	}
}

func TestSeries_ModifyBlockedOccurrencePinsSiblings(t *testing.T) {
	// GIVEN: bob holds the week right after the series
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(3))
	f.book(t, "R", "bob", week(4))

	// WHEN: the series is pushed back a week
	got, err := f.orch.ModifySeries(context.Background(), s.Series.ID, monday, reservation.ScopeAll, week(2), "alice")
	require.NoError(t, err)

	// THEN: the last occurrence cannot move, so neither can the ones that
	// would land on it, and nothing is double booked
	require.Len(t, got.Results, 3)
	for i, r := range got.Results {
		assert.False(t, r.Changed, "occurrence %d", r.Index)
		assert.ErrorIs(t, r.Err, reservation.ErrConflict, "occurrence %d", r.Index)
		assert.Equal(t, week(i+1), got.Instances[i].Window)
		assert.Equal(t, week(i+1), f.reservation(t, got.Instances[i].ReservationID).Window)
	}
}

func TestSeries_ModifyReportsPerOccurrenceConflicts(t *testing.T) {
	// GIVEN: bob holds the afternoon of week 4
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	s := f.submitSeries(t, "R", "alice", week(1), weekly(4))
	f.book(t, "R", "bob", window(monday.AddDate(0, 0, 21), 14, 15))

	// WHEN: the series moves to the afternoon
	got, err := f.orch.ModifySeries(context.Background(), s.Series.ID, monday, reservation.ScopeAll, window(monday, 14, 15), "alice")
	require.NoError(t, err)

	// THEN: week 4 stays where it was and says why
	require.Len(t, got.Results, 4)
	last := got.Results[3]
	assert.False(t, last.Changed)
	var cerr *reservation.ConflictError
	require.ErrorAs(t, last.Err, &cerr)
	assert.NotEmpty(t, last.Conflicts)
	assert.Equal(t, week(4), got.Instances[3].Window)
	assert.Equal(t, window(monday.AddDate(0, 0, 14), 14, 15), got.Instances[2].Window)
}

func TestSeries_ModifyConflictedInstanceBooksIt(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	f.book(t, "R", "bob", week(2))
	s := f.submitSeries(t, "R", "alice", week(1), weekly(4))
	require.Equal(t, reservation.InstanceConflicted, s.Instances[1].Status)

	inst, err := f.orch.ModifyInstance(context.Background(), s.Series.ID, 2,
		window(monday.AddDate(0, 0, 7), 11, 12), "alice")
	require.NoError(t, err)

	assert.Equal(t, reservation.InstanceActive, inst.Status)
	assert.Empty(t, inst.Conflicts)
	r := f.reservation(t, inst.ReservationID)
	assert.Equal(t, reservation.StatusConfirmed, r.Status)
	assert.Equal(t, s.Series.ID, r.SeriesID)
}

// =============================================================================
// APPROVAL
// =============================================================================

func TestSeries_OneApprovalCoversAllOccurrences(t *testing.T) {
	f := newFixture(t, withFlows(twoStepFlow("standard")), withRoles(approvers))
	f.addApprovalRoom(t, "R", "")
	ctx := context.Background()

	res, err := f.orch.Submit(ctx, reservation.ReservationRequest{
		ResourceID: "R", RequesterID: "alice", Window: week(1), Recurrence: weekly(3),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Approval)
	assert.Equal(t, res.Approval.ID, res.Series.Series.ApprovalRequestID)
	for _, inst := range res.Series.Instances {
		assert.Equal(t, reservation.StatusPendingApproval, f.reservation(t, inst.ReservationID).Status)
	}

	_, err = f.orch.DecideApproval(ctx, res.Approval.ID, "manager", "mia", reservation.DecisionApproved, "")
	require.NoError(t, err)
	_, err = f.orch.DecideApproval(ctx, res.Approval.ID, "facilities", "fred", reservation.DecisionApproved, "")
	require.NoError(t, err)

	for _, inst := range res.Series.Instances {
		assert.Equal(t, reservation.StatusConfirmed, f.reservation(t, inst.ReservationID).Status)
	}
}

func TestSeries_RejectionCancelsInstances(t *testing.T) {
	f := newFixture(t, withFlows(twoStepFlow("standard")), withRoles(approvers))
	f.addApprovalRoom(t, "R", "")
	ctx := context.Background()

	res, err := f.orch.Submit(ctx, reservation.ReservationRequest{
		ResourceID: "R", RequesterID: "alice", Window: week(1), Recurrence: weekly(3),
	})
	require.NoError(t, err)

	_, err = f.orch.DecideApproval(ctx, res.Approval.ID, "manager", "mia", reservation.DecisionRejected, "")
	require.NoError(t, err)

	got := f.series(t, res.Series.Series.ID)
	assert.Equal(t, reservation.SeriesCancelled, got.Series.Status)
	for _, inst := range got.Instances {
		assert.Equal(t, reservation.InstanceCancelled, inst.Status)
		assert.Equal(t, reservation.StatusRejected, f.reservation(t, inst.ReservationID).Status)
	}
}

func TestSeries_CancelAllWithdrawsApproval(t *testing.T) {
	f := newFixture(t, withFlows(twoStepFlow("standard")), withRoles(approvers))
	f.addApprovalRoom(t, "R", "")
	ctx := context.Background()

	res, err := f.orch.Submit(ctx, reservation.ReservationRequest{
		ResourceID: "R", RequesterID: "alice", Window: week(1), Recurrence: weekly(2),
	})
	require.NoError(t, err)

	_, err = f.orch.CancelSeries(ctx, res.Series.Series.ID, monday, reservation.ScopeAll, "alice", "")
	require.NoError(t, err)

	req, err := f.orch.Approvals.Get(ctx, res.Approval.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalCancelled, req.Status)
}
