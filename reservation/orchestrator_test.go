package reservation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reservation-engine/reservation"
)

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_Confirmed(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)

	res := f.submit(t, "R", "alice", window(monday, 9, 10))

	assert.Equal(t, reservation.OutcomeConfirmed, res.Outcome)
	require.NotNil(t, res.Reservation)
	assert.Equal(t, reservation.StatusConfirmed, res.Reservation.Status)
	assert.Nil(t, res.Approval)
	assert.Equal(t, f.clock.Now(), res.Reservation.CreatedAt)

	sent := f.notifier.Sent(reservation.TemplateReservationConfirmed)
	require.Len(t, sent, 1)
	assert.Equal(t, "alice", sent[0].RecipientID)
	assert.Equal(t, res.Reservation.ID, sent[0].Data["reservation_id"])

	history, err := f.orch.History(context.Background(), res.Reservation.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "created", history[0].Action)
	assert.Equal(t, string(reservation.StatusConfirmed), history[0].After)
}

func TestSubmit_ConflictGoesToWaitlist(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	f.book(t, "R", "alice", window(monday, 9, 10))

	res := f.submit(t, "R", "bob", window(monday, 9, 10))

	assert.Equal(t, reservation.OutcomeWaitlisted, res.Outcome)
	assert.Nil(t, res.Reservation)
	require.NotNil(t, res.Waitlist)
	assert.Equal(t, 1, res.Waitlist.Position)
	require.Len(t, res.Conflicts, 1)
	assert.NotEmpty(t, res.Alternatives)
	assert.Len(t, f.store.Conflicts(), 1)
}

func TestSubmit_SkipWaitlistReturnsConflict(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	f.addRoom(t, "R2", 8)
	held := f.book(t, "R", "alice", window(monday, 9, 10))

	res, err := f.orch.Submit(context.Background(), reservation.ReservationRequest{
		ResourceID: "R", RequesterID: "bob", Window: window(monday, 9, 10), SkipWaitlist: true,
	})

	var cerr *reservation.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "R", cerr.ResourceID)
	require.Len(t, cerr.Conflicts, 1)
	assert.Equal(t, held.ID, cerr.Conflicts[0].ConflictingReservationID)
	assert.NotEmpty(t, cerr.Alternatives)
	assert.Contains(t, err.Error(), "alternatives suggested")
	assert.Nil(t, res.Waitlist)

	queue, err := f.orch.Waitlist.Queue(context.Background(), "R")
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestSubmit_RejectsBeforeAnyStateChange(t *testing.T) {
	f := newFixture(t, withCapabilities(capabilities{"alice": {reservation.ActionReserve}}))
	f.addRoom(t, "R", 8)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, reservation.ReservationRequest{ResourceID: "R", Window: window(monday, 9, 10)})
	var verr *reservation.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "requester_id")

	_, err = f.orch.Submit(ctx, reservation.ReservationRequest{ResourceID: "R", RequesterID: "bob", Window: window(monday, 9, 10)})
	assert.ErrorIs(t, err, reservation.ErrForbidden)

	_, err = f.orch.Submit(ctx, reservation.ReservationRequest{ResourceID: "nope", RequesterID: "alice", Window: window(monday, 9, 10)})
	assert.True(t, reservation.IsNotFound(err))

	list, err := f.orch.ReservationsByResource(ctx, "R", window(monday, 0, 23))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubmit_ConcurrentRequestsOneWinner(t *testing.T) {
	// GIVEN: ten people racing for the same hour
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	ctx := context.Background()

	const racers = 10
	var wg sync.WaitGroup
	outcomes := make([]reservation.Outcome, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.orch.Submit(ctx, reservation.ReservationRequest{
				ResourceID:  "R",
				RequesterID: fmt.Sprintf("user-%d", i),
				Window:      window(monday, 9, 10),
			})
			outcomes[i], errs[i] = res.Outcome, err
		}(i)
	}
	wg.Wait()

	// THEN: exactly one confirmation, everyone else queued
	confirmed := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i] == reservation.OutcomeConfirmed {
			confirmed++
		} else {
			assert.Equal(t, reservation.OutcomeWaitlisted, outcomes[i])
		}
	}
	assert.Equal(t, 1, confirmed)

	list, err := f.orch.ReservationsByResource(ctx, "R", window(monday, 0, 23))
	require.NoError(t, err)
	require.Len(t, list, 1)

	queue, err := f.orch.Waitlist.Queue(ctx, "R")
	require.NoError(t, err)
	assert.Len(t, queue, racers-1)
	for i, e := range queue {
		assert.Equal(t, i+1, e.Position)
	}
}

// flakyDirectory fails the first lookups with a transient error.
type flakyDirectory struct {
	reservation.ResourceDirectory
	mu       sync.Mutex
	failures int
	calls    int
}

func (d *flakyDirectory) Resource(ctx context.Context, id string) (reservation.ResourceSnapshot, error) {
	d.mu.Lock()
	d.calls++
	fail := d.calls <= d.failures
	d.mu.Unlock()
	if fail {
		return reservation.ResourceSnapshot{}, fmt.Errorf("catalog timeout: %w", reservation.ErrTransient)
	}
	return d.ResourceDirectory.Resource(ctx, id)
}

func TestSubmit_RetriesTransientMetadata(t *testing.T) {
	f := newFixture(t, withOptions(func(o *reservation.Options) {
		o.MetadataRetries = 2
		o.RetryBackoff = time.Millisecond
	}))
	f.addRoom(t, "R", 8)

	flaky := &flakyDirectory{ResourceDirectory: f.orch.Metadata, failures: 2}
	f.orch.Resources = flaky
	res := f.submit(t, "R", "alice", window(monday, 9, 10))
	assert.Equal(t, reservation.OutcomeConfirmed, res.Outcome)
	assert.Equal(t, 3, flaky.calls)

	down := &flakyDirectory{ResourceDirectory: f.orch.Metadata, failures: 10}
	f.orch.Resources = down
	_, err := f.orch.Submit(context.Background(), reservation.ReservationRequest{
		ResourceID: "R", RequesterID: "bob", Window: window(monday, 11, 12),
	})
	require.Error(t, err)
	assert.True(t, reservation.IsRetryable(err))
	assert.Equal(t, "transient", reservation.ErrorKind(err))
	assert.Equal(t, 3, down.calls)
}

// =============================================================================
// APPROVALS
// =============================================================================

func (f *fixture) addApprovalRoom(t *testing.T, id, flowID string) {
	t.Helper()
	f.addResource(t, reservation.ResourceSnapshot{ID: id, Capacity: 8, Active: true, RequiresApproval: true, ApprovalFlowID: flowID})
}

func TestSubmit_ApprovalFlowConfirms(t *testing.T) {
	// GIVEN: a room that needs manager then facilities sign-off
	f := newFixture(t, withFlows(twoStepFlow("standard")), withRoles(approvers))
	f.addApprovalRoom(t, "R", "")
	ctx := context.Background()

	res := f.submit(t, "R", "alice", window(monday, 9, 10))
	assert.Equal(t, reservation.OutcomePendingApproval, res.Outcome)
	require.NotNil(t, res.Approval)
	assert.Equal(t, res.Approval.ID, res.Reservation.ApprovalRequestID)
	assert.Empty(t, f.notifier.Sent(reservation.TemplateReservationConfirmed))

	// WHEN: both steps approve
	req, err := f.orch.DecideApproval(ctx, res.Approval.ID, "manager", "mia", reservation.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalPending, req.Status)
	assert.Equal(t, reservation.StatusPendingApproval, f.reservation(t, res.Reservation.ID).Status)

	req, err = f.orch.DecideApproval(ctx, res.Approval.ID, "facilities", "fred", reservation.DecisionApproved, "")
	require.NoError(t, err)

	// THEN: the reservation is confirmed and the requester told
	assert.Equal(t, reservation.ApprovalApproved, req.Status)
	assert.Equal(t, reservation.StatusConfirmed, f.reservation(t, res.Reservation.ID).Status)
	assert.Len(t, f.notifier.Sent(reservation.TemplateReservationConfirmed), 1)
}

func TestSubmit_ApprovalRejectionPromotesWaitlist(t *testing.T) {
	f := newFixture(t, withFlows(twoStepFlow("standard")), withRoles(approvers))
	f.addApprovalRoom(t, "R", "")
	ctx := context.Background()

	pending := f.book(t, "R", "alice", window(monday, 9, 10))
	bob := f.waitFor(t, "R", "bob", window(monday, 9, 10))

	_, err := f.orch.DecideApproval(ctx, pending.ApprovalRequestID, "manager", "mia", reservation.DecisionRejected, "no")
	require.NoError(t, err)

	assert.Equal(t, reservation.StatusRejected, f.reservation(t, pending.ID).Status)
	assert.Equal(t, reservation.WaitlistNotified, f.entry(t, bob.ID).Status)
}

func TestSubmit_AutoApprovedFlow(t *testing.T) {
	manager := reservation.ApprovalStep{Name: "manager", Roles: []string{"manager"}, Order: 1, Required: true}
	f := newFixture(t, withFlows(shortBookings("quick", manager), shortBookings("self-service")), withRoles(approvers))
	f.addApprovalRoom(t, "R", "quick")
	f.addApprovalRoom(t, "KIOSK", "self-service")
	ctx := context.Background()

	res := f.submit(t, "R", "alice", reservation.Window{Start: on(monday, 9, 0), End: on(monday, 9, 30)})
	assert.Equal(t, reservation.OutcomeConfirmed, res.Outcome)
	require.NotNil(t, res.Approval)
	assert.Equal(t, reservation.ApprovalApproved, res.Approval.Status)

	// A booking that misses the only condition is refused and its hold released.
	_, err := f.orch.Submit(ctx, reservation.ReservationRequest{ResourceID: "KIOSK", RequesterID: "alice", Window: window(monday, 9, 11)})
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
	avail, err := f.orch.CheckAvailability(ctx, "KIOSK", window(monday, 9, 11), "")
	require.NoError(t, err)
	assert.True(t, avail.Available)
}

func TestSubmit_UnknownExplicitFlow(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)

	_, err := f.orch.Submit(context.Background(), reservation.ReservationRequest{
		ResourceID: "R", RequesterID: "alice", Window: window(monday, 9, 10), FlowID: "ghost",
	})
	assert.True(t, reservation.IsNotFound(err))
}

// =============================================================================
// CANCEL, CHECK-IN, CHECK-OUT
// =============================================================================

func TestCancel_Authorization(t *testing.T) {
	f := newFixture(t, withCapabilities(capabilities{
		"alice": {reservation.ActionReserve},
		"bob":   {reservation.ActionReserve},
		"desk":  {reservation.ActionCancelAny},
	}))
	f.addRoom(t, "R", 8)
	ctx := context.Background()
	r := f.book(t, "R", "alice", window(monday, 9, 10))

	_, err := f.orch.Cancel(ctx, r.ID, "bob", "")
	assert.ErrorIs(t, err, reservation.ErrForbidden)

	got, err := f.orch.Cancel(ctx, r.ID, "desk", "double booked")
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCancelled, got.Status)
	assert.Equal(t, "double booked", got.CancelReason)
	assert.Len(t, f.notifier.Sent(reservation.TemplateReservationCancelled), 1)

	_, err = f.orch.Cancel(ctx, r.ID, "alice", "")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)

	_, err = f.orch.Cancel(ctx, "missing", "alice", "")
	assert.True(t, reservation.IsNotFound(err))
}

func TestCancel_PendingCancelsApproval(t *testing.T) {
	f := newFixture(t, withFlows(twoStepFlow("standard")), withRoles(approvers))
	f.addApprovalRoom(t, "R", "")
	ctx := context.Background()
	r := f.book(t, "R", "alice", window(monday, 9, 10))

	_, err := f.orch.Cancel(ctx, r.ID, "alice", "")
	require.NoError(t, err)

	req, err := f.orch.Approvals.Get(ctx, r.ApprovalRequestID)
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalCancelled, req.Status)
}

func TestCancelApproval_ReleasesReservation(t *testing.T) {
	// GIVEN: alice's booking waits on a two-step flow
	f := newFixture(t, withFlows(twoStepFlow("standard")), withRoles(approvers), withCapabilities(capabilities{
		"alice": {reservation.ActionReserve},
		"bob":   {reservation.ActionReserve},
	}))
	f.addApprovalRoom(t, "R", "")
	ctx := context.Background()
	res := f.submit(t, "R", "alice", window(monday, 9, 10))
	require.NotNil(t, res.Approval)

	// WHEN: someone else tries to withdraw it
	_, err := f.orch.CancelApproval(ctx, res.Approval.ID, "bob", "")

	// THEN: they are refused and nothing changes
	assert.ErrorIs(t, err, reservation.ErrForbidden)
	assert.Equal(t, reservation.StatusPendingApproval, f.reservation(t, res.Reservation.ID).Status)

	// WHEN: the requester withdraws it
	req, err := f.orch.CancelApproval(ctx, res.Approval.ID, "alice", "plans changed")
	require.NoError(t, err)

	// THEN: the request and the held window are both released
	assert.Equal(t, reservation.ApprovalCancelled, req.Status)
	r := f.reservation(t, res.Reservation.ID)
	assert.Equal(t, reservation.StatusCancelled, r.Status)
	assert.Equal(t, "plans changed", r.CancelReason)

	_, err = f.orch.CancelApproval(ctx, res.Approval.ID, "alice", "")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
}

func TestCancelApproval_DecidedRequestIsFinal(t *testing.T) {
	f := newFixture(t, withFlows(twoStepFlow("standard")), withRoles(approvers))
	f.addApprovalRoom(t, "R", "")
	ctx := context.Background()
	res := f.submit(t, "R", "alice", window(monday, 9, 10))

	_, err := f.orch.DecideApproval(ctx, res.Approval.ID, "manager", "mia", reservation.DecisionApproved, "")
	require.NoError(t, err)
	_, err = f.orch.DecideApproval(ctx, res.Approval.ID, "facilities", "fred", reservation.DecisionApproved, "")
	require.NoError(t, err)

	_, err = f.orch.CancelApproval(ctx, res.Approval.ID, "alice", "")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
	assert.Equal(t, reservation.StatusConfirmed, f.reservation(t, res.Reservation.ID).Status)
}

func TestCancelApproval_WithdrawsSeries(t *testing.T) {
	f := newFixture(t, withFlows(twoStepFlow("standard")), withRoles(approvers))
	f.addApprovalRoom(t, "R", "")
	ctx := context.Background()

	res, err := f.orch.Submit(ctx, reservation.ReservationRequest{
		ResourceID: "R", RequesterID: "alice", Window: window(monday, 9, 10),
		Recurrence: &reservation.RecurrenceRule{Frequency: reservation.FrequencyWeekly, Count: 2},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Approval)

	req, err := f.orch.CancelApproval(ctx, res.Approval.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalCancelled, req.Status)

	got, err := f.orch.GetSeries(ctx, res.Series.Series.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.SeriesCancelled, got.Series.Status)
	for _, inst := range got.Instances {
		assert.Equal(t, reservation.InstanceCancelled, inst.Status)
	}
}

func TestCheckIn_Window(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	ctx := context.Background()
	r := f.book(t, "R", "alice", window(monday, 9, 10))

	// Too early.
	f.clock.Set(on(monday, 8, 40))
	_, err := f.orch.CheckIn(ctx, r.ID, "alice")
	var serr *reservation.InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Reason, "08:45")

	// Inside the leeway.
	f.clock.Set(on(monday, 8, 50))
	got, err := f.orch.CheckIn(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCheckedIn, got.Status)
	require.NotNil(t, got.CheckedInAt)
	assert.Equal(t, on(monday, 8, 50), *got.CheckedInAt)

	// Checked-in reservations cannot be cancelled.
	_, err = f.orch.Cancel(ctx, r.ID, "alice", "")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)

	// Too late.
	late := f.book(t, "R", "bob", window(monday, 11, 12))
	f.clock.Set(on(monday, 12, 0))
	_, err = f.orch.CheckIn(ctx, late.ID, "bob")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
}

func TestCheckIn_NeedsOwnerOrCapability(t *testing.T) {
	f := newFixture(t, withCapabilities(capabilities{
		"alice":     {reservation.ActionReserve},
		"reception": {reservation.ActionCheckIn},
	}))
	f.addRoom(t, "R", 8)
	r := f.book(t, "R", "alice", window(monday, 9, 10))
	f.clock.Set(on(monday, 9, 0))

	_, err := f.orch.CheckIn(context.Background(), r.ID, "bob")
	assert.ErrorIs(t, err, reservation.ErrForbidden)

	_, err = f.orch.CheckIn(context.Background(), r.ID, "reception")
	require.NoError(t, err)
}

func TestCheckOut_EarlyPromotesRemainder(t *testing.T) {
	// GIVEN: alice holds 09-10 and bob waits for 09:45-10:00
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	ctx := context.Background()
	r := f.book(t, "R", "alice", window(monday, 9, 10))
	bob := f.waitFor(t, "R", "bob", reservation.Window{Start: on(monday, 9, 45), End: on(monday, 10, 0)})

	f.clock.Set(on(monday, 9, 0))
	_, err := f.orch.CheckIn(ctx, r.ID, "alice")
	require.NoError(t, err)

	// WHEN: alice leaves at 09:30
	f.clock.Set(on(monday, 9, 30))
	got, err := f.orch.CheckOut(ctx, r.ID, "alice")
	require.NoError(t, err)

	// THEN: the rest of the hour goes to bob
	assert.Equal(t, reservation.StatusCheckedOut, got.Status)
	assert.Equal(t, reservation.WaitlistNotified, f.entry(t, bob.ID).Status)

	_, err = f.orch.CheckOut(ctx, r.ID, "alice")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
}

// =============================================================================
// SWEEPS
// =============================================================================

func TestRunSweeps(t *testing.T) {
	// GIVEN: one untouched booking, one in use and one finished early
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	f.addRoom(t, "R2", 8)
	f.addRoom(t, "R3", 8)
	ctx := context.Background()
	idle := f.book(t, "R", "alice", window(monday, 9, 10))
	inUse := f.book(t, "R2", "bob", window(monday, 9, 10))
	early := f.book(t, "R3", "carol", window(monday, 9, 10))
	future := f.book(t, "R", "dave", window(monday, 15, 16))

	f.clock.Set(on(monday, 9, 0))
	_, err := f.orch.CheckIn(ctx, inUse.ID, "bob")
	require.NoError(t, err)
	_, err = f.orch.CheckIn(ctx, early.ID, "carol")
	require.NoError(t, err)
	_, err = f.orch.CheckOut(ctx, early.ID, "carol")
	require.NoError(t, err)

	// WHEN: sweeps run while windows are still open
	report, err := f.orch.RunSweeps(ctx)
	require.NoError(t, err)

	// THEN: nothing moves
	assert.Empty(t, report.NoShows)
	assert.Empty(t, report.Completed)

	// WHEN: the windows have ended
	f.clock.Set(on(monday, 10, 0))
	report, err = f.orch.RunSweeps(ctx)
	require.NoError(t, err)

	// THEN: the idle booking is a no-show and the others complete
	assert.Equal(t, []string{idle.ID}, report.NoShows)
	assert.ElementsMatch(t, []string{inUse.ID, early.ID}, report.Completed)
	assert.Equal(t, reservation.StatusNoShow, f.reservation(t, idle.ID).Status)
	assert.Equal(t, reservation.StatusCompleted, f.reservation(t, inUse.ID).Status)
	assert.Equal(t, reservation.StatusCompleted, f.reservation(t, early.ID).Status)
	assert.Equal(t, reservation.StatusConfirmed, f.reservation(t, future.ID).Status)

	history, err := f.orch.History(ctx, idle.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "no_show", history[1].Action)
	assert.Equal(t, reservation.SystemApproverID, history[1].ActorID)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, "R", 8)
	ctx := context.Background()
	f.book(t, "R", "alice", window(monday, 9, 10))
	f.book(t, "R", "alice", window(monday, 11, 12))
	f.book(t, "R", "bob", window(monday, 13, 14))

	mine, err := f.orch.ReservationsByRequester(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	morning, err := f.orch.ReservationsByResource(ctx, "R", window(monday, 8, 12))
	require.NoError(t, err)
	assert.Len(t, morning, 2)

	_, err = f.orch.ReservationsByResource(ctx, "R", window(monday, 12, 8))
	assert.ErrorIs(t, err, reservation.ErrValidation)

	_, err = f.orch.GetReservation(ctx, "missing")
	var nerr *reservation.NotFoundError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "reservation", nerr.Kind)
}
