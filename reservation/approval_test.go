package reservation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reservation-engine/reservation"
	"github.com/warp/reservation-engine/reservation/store"
)

type approvalFixture struct {
	engine   *reservation.ApprovalEngine
	notifier *recordingNotifier
	clock    *clock
}

func newApprovalFixture(t *testing.T, flows ...reservation.ApprovalFlow) *approvalFixture {
	t.Helper()
	registry, err := reservation.NewStaticFlows(flows...)
	require.NoError(t, err)

	mem := store.NewMemory()
	f := &approvalFixture{
		notifier: &recordingNotifier{},
		clock:    &clock{now: on(monday, 8, 0)},
	}
	f.engine = reservation.NewApprovalEngine(mem, registry, approvers, mem, f.notifier, nil)
	f.engine.Now = f.clock.Now
	f.engine.NewID = (&sequence{}).Next
	return f
}

func (f *approvalFixture) start(t *testing.T, flowID, requester string, w reservation.Window) reservation.ApprovalRequest {
	t.Helper()
	flow, err := f.engine.Flows.Flow(context.Background(), flowID)
	require.NoError(t, err)
	req, err := f.engine.Start(context.Background(), flow, reservation.ApprovalContext{
		ReservationID: "res-1",
		ResourceID:    "R",
		ResourceType:  "room",
		RequesterID:   requester,
		Window:        w,
		Occurrences:   1,
	})
	require.NoError(t, err)
	return req
}

func parallelFlow(id string, required bool, quorum int, steps ...string) reservation.ApprovalFlow {
	roleOf := map[string]string{"safety": "safety", "finance": "finance", "facilities": "facilities"}
	flow := reservation.ApprovalFlow{ID: id}
	for _, s := range steps {
		flow.Steps = append(flow.Steps, reservation.ApprovalStep{
			Name: s, Roles: []string{roleOf[s]}, Order: 1, Required: required, Parallel: true,
		})
	}
	if quorum > 0 {
		flow.Quorums = map[int]int{1: quorum}
	}
	return flow
}

func stepNames(steps []reservation.ApprovalStep) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Name)
	}
	return out
}

// =============================================================================
// SEQUENTIAL STEPS
// =============================================================================

func TestApproval_SequentialStepsInOrder(t *testing.T) {
	// GIVEN: manager then facilities
	f := newApprovalFixture(t, twoStepFlow("standard"))
	ctx := context.Background()
	req := f.start(t, "standard", "alice", window(monday, 9, 10))
	assert.Equal(t, reservation.ApprovalPending, req.Status)

	open, err := f.engine.PendingSteps(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"manager"}, stepNames(open))
	require.Len(t, f.notifier.Sent(reservation.TemplateApprovalStepPending), 1)
	assert.Equal(t, reservation.RoleRecipient("manager"), f.notifier.Sent(reservation.TemplateApprovalStepPending)[0].RecipientID)

	// WHEN: facilities tries to go first
	_, err = f.engine.ApproveStep(ctx, req.ID, "facilities", "fred", "")

	// THEN: the step is not yet eligible
	assert.ErrorIs(t, err, reservation.ErrInvalidState)

	// WHEN: both approve in order
	req, err = f.engine.ApproveStep(ctx, req.ID, "manager", "mia", "ok")
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalPending, req.Status)
	assert.Len(t, f.notifier.Sent(reservation.TemplateApprovalStepPending), 2)

	req, err = f.engine.ApproveStep(ctx, req.ID, "facilities", "fred", "room is ready")
	require.NoError(t, err)

	// THEN: approved, resolved and the requester is told
	assert.Equal(t, reservation.ApprovalApproved, req.Status)
	require.NotNil(t, req.ResolvedAt)
	require.Len(t, req.Decisions, 2)
	assert.Equal(t, "manager", req.Decisions[0].Step)
	assert.Equal(t, "facilities", req.Decisions[1].Step)
	outcome := f.notifier.Sent(reservation.TemplateApprovalOutcome)
	require.Len(t, outcome, 1)
	assert.Equal(t, "alice", outcome[0].RecipientID)
	assert.Equal(t, string(reservation.ApprovalApproved), outcome[0].Data["status"])
}

func TestApproval_RejectionIsFinal(t *testing.T) {
	f := newApprovalFixture(t, twoStepFlow("standard"))
	ctx := context.Background()
	req := f.start(t, "standard", "alice", window(monday, 9, 10))

	req, err := f.engine.RejectStep(ctx, req.ID, "manager", "mia", "not this week")
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalRejected, req.Status)

	_, err = f.engine.ApproveStep(ctx, req.ID, "facilities", "fred", "")
	var serr *reservation.InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, string(reservation.ApprovalRejected), serr.State)

	open, err := f.engine.PendingSteps(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

// =============================================================================
// PARALLEL GROUPS
// =============================================================================

func TestApproval_ParallelRequiredInEitherOrder(t *testing.T) {
	orders := [][2]string{{"safety", "finance"}, {"finance", "safety"}}
	deciders := map[string]string{"safety": "sam", "finance": "fiona"}

	for _, order := range orders {
		t.Run(order[0]+" first", func(t *testing.T) {
			f := newApprovalFixture(t, parallelFlow("board", true, 0, "safety", "finance"))
			ctx := context.Background()
			req := f.start(t, "board", "alice", window(monday, 9, 10))
			assert.Len(t, f.notifier.Sent(reservation.TemplateApprovalStepPending), 2)

			req, err := f.engine.ApproveStep(ctx, req.ID, order[0], deciders[order[0]], "")
			require.NoError(t, err)
			assert.Equal(t, reservation.ApprovalPending, req.Status)

			req, err = f.engine.ApproveStep(ctx, req.ID, order[1], deciders[order[1]], "")
			require.NoError(t, err)
			assert.Equal(t, reservation.ApprovalApproved, req.Status)
		})
	}
}

func TestApproval_ParallelRequiredRejection(t *testing.T) {
	f := newApprovalFixture(t, parallelFlow("board", true, 0, "safety", "finance"))
	ctx := context.Background()
	req := f.start(t, "board", "alice", window(monday, 9, 10))

	_, err := f.engine.ApproveStep(ctx, req.ID, "safety", "sam", "")
	require.NoError(t, err)
	req, err = f.engine.RejectStep(ctx, req.ID, "finance", "fiona", "over budget")
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalRejected, req.Status)
}

func TestApproval_Quorum(t *testing.T) {
	ctx := context.Background()

	t.Run("met", func(t *testing.T) {
		f := newApprovalFixture(t, parallelFlow("panel", false, 2, "safety", "finance", "facilities"))
		req := f.start(t, "panel", "alice", window(monday, 9, 10))

		req, err := f.engine.ApproveStep(ctx, req.ID, "facilities", "fred", "")
		require.NoError(t, err)
		assert.Equal(t, reservation.ApprovalPending, req.Status)

		req, err = f.engine.ApproveStep(ctx, req.ID, "safety", "sam", "")
		require.NoError(t, err)
		assert.Equal(t, reservation.ApprovalApproved, req.Status)
	})

	t.Run("optional rejection tolerated", func(t *testing.T) {
		f := newApprovalFixture(t, parallelFlow("panel", false, 2, "safety", "finance", "facilities"))
		req := f.start(t, "panel", "alice", window(monday, 9, 10))

		req, err := f.engine.RejectStep(ctx, req.ID, "finance", "fiona", "")
		require.NoError(t, err)
		assert.Equal(t, reservation.ApprovalPending, req.Status)
	})

	t.Run("unreachable", func(t *testing.T) {
		f := newApprovalFixture(t, parallelFlow("panel", false, 2, "safety", "finance", "facilities"))
		req := f.start(t, "panel", "alice", window(monday, 9, 10))

		_, err := f.engine.RejectStep(ctx, req.ID, "finance", "fiona", "")
		require.NoError(t, err)
		req, err = f.engine.RejectStep(ctx, req.ID, "safety", "sam", "")
		require.NoError(t, err)
		assert.Equal(t, reservation.ApprovalRejected, req.Status)
	})
}

// reviewFlow needs a manager, offers finance an optional say, then needs facilities.
func reviewFlow(id string) reservation.ApprovalFlow {
	return reservation.ApprovalFlow{
		ID: id,
		Steps: []reservation.ApprovalStep{
			{Name: "manager", Roles: []string{"manager"}, Order: 1, Required: true},
			{Name: "finance", Roles: []string{"finance"}, Order: 2},
			{Name: "facilities", Roles: []string{"facilities"}, Order: 3, Required: true},
		},
	}
}

func TestApproval_OptionalStepStaysOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("decided alongside the next group", func(t *testing.T) {
		// GIVEN: the manager approved
		f := newApprovalFixture(t, reviewFlow("review"))
		req := f.start(t, "review", "alice", window(monday, 9, 10))
		req, err := f.engine.ApproveStep(ctx, req.ID, "manager", "mia", "")
		require.NoError(t, err)

		// THEN: finance and facilities can both act and both were told
		open, err := f.engine.PendingSteps(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"finance", "facilities"}, stepNames(open))
		sent := f.notifier.Sent(reservation.TemplateApprovalStepPending)
		require.Len(t, sent, 3)
		assert.Equal(t, "finance", sent[1].Data["step"])
		assert.Equal(t, "facilities", sent[2].Data["step"])

		// WHEN: finance weighs in
		req, err = f.engine.ApproveStep(ctx, req.ID, "finance", "fiona", "within budget")
		require.NoError(t, err)
		assert.Equal(t, reservation.ApprovalPending, req.Status)
		open, err = f.engine.PendingSteps(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"facilities"}, stepNames(open))
		assert.Len(t, f.notifier.Sent(reservation.TemplateApprovalStepPending), 3)

		req, err = f.engine.ApproveStep(ctx, req.ID, "facilities", "fred", "")
		require.NoError(t, err)
		assert.Equal(t, reservation.ApprovalApproved, req.Status)
		assert.Len(t, req.Decisions, 3)
	})

	t.Run("optional rejection does not reject", func(t *testing.T) {
		f := newApprovalFixture(t, reviewFlow("review"))
		req := f.start(t, "review", "alice", window(monday, 9, 10))
		_, err := f.engine.ApproveStep(ctx, req.ID, "manager", "mia", "")
		require.NoError(t, err)

		req, err = f.engine.RejectStep(ctx, req.ID, "finance", "fiona", "over budget")
		require.NoError(t, err)
		assert.Equal(t, reservation.ApprovalPending, req.Status)
	})

	t.Run("skipped when the request resolves", func(t *testing.T) {
		f := newApprovalFixture(t, reviewFlow("review"))
		req := f.start(t, "review", "alice", window(monday, 9, 10))

		// Finance cannot act before the manager.
		_, err := f.engine.ApproveStep(ctx, req.ID, "finance", "fiona", "")
		assert.ErrorIs(t, err, reservation.ErrInvalidState)

		_, err = f.engine.ApproveStep(ctx, req.ID, "manager", "mia", "")
		require.NoError(t, err)
		req, err = f.engine.ApproveStep(ctx, req.ID, "facilities", "fred", "")
		require.NoError(t, err)
		assert.Equal(t, reservation.ApprovalApproved, req.Status)

		_, err = f.engine.ApproveStep(ctx, req.ID, "finance", "fiona", "")
		assert.ErrorIs(t, err, reservation.ErrInvalidState)
	})
}

func TestApproval_QuorumLeftoversStayOpen(t *testing.T) {
	// GIVEN: a one-of-two optional panel before facilities
	flow := parallelFlow("panel", false, 1, "safety", "finance")
	flow.Steps = append(flow.Steps, reservation.ApprovalStep{Name: "facilities", Roles: []string{"facilities"}, Order: 2, Required: true})
	f := newApprovalFixture(t, flow)
	ctx := context.Background()
	req := f.start(t, "panel", "alice", window(monday, 9, 10))

	// WHEN: safety meets the quorum
	req, err := f.engine.ApproveStep(ctx, req.ID, "safety", "sam", "")
	require.NoError(t, err)

	// THEN: finance may still add a decision while facilities is pending
	open, err := f.engine.PendingSteps(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"finance", "facilities"}, stepNames(open))
	assert.Len(t, f.notifier.Sent(reservation.TemplateApprovalStepPending), 3)

	req, err = f.engine.RejectStep(ctx, req.ID, "finance", "fiona", "")
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalPending, req.Status)
}

func TestApproval_ConcurrentParallelDecisions(t *testing.T) {
	// GIVEN: two parallel required steps decided at the same moment
	f := newApprovalFixture(t, parallelFlow("board", true, 0, "safety", "finance"))
	ctx := context.Background()
	req := f.start(t, "board", "alice", window(monday, 9, 10))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, d := range []struct{ step, who string }{{"safety", "sam"}, {"finance", "fiona"}} {
		wg.Add(1)
		go func(i int, step, who string) {
			defer wg.Done()
			_, errs[i] = f.engine.ApproveStep(ctx, req.ID, step, who, "")
		}(i, d.step, d.who)
	}
	wg.Wait()

	// THEN: no decision is lost
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	got, err := f.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalApproved, got.Status)
	assert.Len(t, got.Decisions, 2)
}

// =============================================================================
// DECISION GUARDS
// =============================================================================

func TestApproval_DecisionGuards(t *testing.T) {
	f := newApprovalFixture(t, twoStepFlow("standard"))
	ctx := context.Background()

	t.Run("same approver twice", func(t *testing.T) {
		req := f.start(t, "standard", "alice", window(monday, 9, 10))
		_, err := f.engine.ApproveStep(ctx, req.ID, "manager", "mia", "")
		require.NoError(t, err)

		_, err = f.engine.ApproveStep(ctx, req.ID, "manager", "mia", "again")
		var serr *reservation.InvalidStateError
		require.ErrorAs(t, err, &serr)
		assert.Contains(t, serr.Reason, "already decided")
	})

	t.Run("missing role", func(t *testing.T) {
		req := f.start(t, "standard", "alice", window(monday, 9, 10))
		_, err := f.engine.ApproveStep(ctx, req.ID, "manager", "bob", "")
		assert.ErrorIs(t, err, reservation.ErrForbidden)
	})

	t.Run("requester cannot approve", func(t *testing.T) {
		req := f.start(t, "standard", "mia", window(monday, 9, 10))
		_, err := f.engine.ApproveStep(ctx, req.ID, "manager", "mia", "")
		var ferr *reservation.ForbiddenError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, "mia", ferr.ActorID)
	})

	t.Run("unknown step", func(t *testing.T) {
		req := f.start(t, "standard", "alice", window(monday, 9, 10))
		_, err := f.engine.ApproveStep(ctx, req.ID, "legal", "mia", "")
		assert.True(t, reservation.IsNotFound(err))
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := f.engine.ApproveStep(ctx, "nope", "manager", "mia", "")
		assert.True(t, reservation.IsNotFound(err))
	})

	t.Run("bad decision", func(t *testing.T) {
		req := f.start(t, "standard", "alice", window(monday, 9, 10))
		_, err := f.engine.Decide(ctx, req.ID, "manager", "mia", "MAYBE", "")
		assert.ErrorIs(t, err, reservation.ErrValidation)
	})
}

// =============================================================================
// AUTO-APPROVE
// =============================================================================

func shortBookings(id string, steps ...reservation.ApprovalStep) reservation.ApprovalFlow {
	return reservation.ApprovalFlow{
		ID:                     id,
		Steps:                  steps,
		AutoApprove:            func(c reservation.ApprovalContext) bool { return c.Duration() < time.Hour },
		AutoApproveDescription: "bookings under one hour",
	}
}

func TestApproval_AutoApprove(t *testing.T) {
	manager := reservation.ApprovalStep{Name: "manager", Roles: []string{"manager"}, Order: 1, Required: true}
	f := newApprovalFixture(t, shortBookings("quick", manager), shortBookings("self-service"))
	ctx := context.Background()

	// WHEN: a 30 minute booking starts under the flow
	req := f.start(t, "quick", "alice", reservation.Window{Start: on(monday, 9, 0), End: on(monday, 9, 30)})

	// THEN: approved with one synthetic system decision and no step notifications
	assert.Equal(t, reservation.ApprovalApproved, req.Status)
	require.Len(t, req.Decisions, 1)
	assert.Equal(t, reservation.AutoApproveStep, req.Decisions[0].Step)
	assert.Equal(t, reservation.SystemApproverID, req.Decisions[0].ApproverID)
	assert.True(t, req.Decisions[0].Synthetic)
	assert.Contains(t, req.Decisions[0].Comment, "bookings under one hour")
	assert.Empty(t, f.notifier.Sent(reservation.TemplateApprovalStepPending))

	// WHEN: a two hour booking starts under the same flow
	long := f.start(t, "quick", "alice", window(monday, 9, 11))

	// THEN: it waits for the manager
	assert.Equal(t, reservation.ApprovalPending, long.Status)
	assert.Empty(t, long.Decisions)

	// AND: a flow with only a condition refuses bookings that miss it
	flow, err := f.engine.Flows.Flow(ctx, "self-service")
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, flow, reservation.ApprovalContext{RequesterID: "alice", Window: window(monday, 9, 11)})
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestApproval_Cancel(t *testing.T) {
	manager := reservation.ApprovalStep{Name: "manager", Roles: []string{"manager"}, Order: 1, Required: true}
	f := newApprovalFixture(t, twoStepFlow("standard"), shortBookings("quick", manager))
	ctx := context.Background()

	pending := f.start(t, "standard", "alice", window(monday, 9, 10))
	got, err := f.engine.Cancel(ctx, pending.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalCancelled, got.Status)

	_, err = f.engine.ApproveStep(ctx, pending.ID, "manager", "mia", "")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
	_, err = f.engine.Cancel(ctx, pending.ID, "alice")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)

	approved := f.start(t, "quick", "alice", reservation.Window{Start: on(monday, 9, 0), End: on(monday, 9, 15)})
	got, err = f.engine.Cancel(ctx, approved.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, reservation.ApprovalCancelled, got.Status)

	rejected := f.start(t, "standard", "alice", window(monday, 9, 10))
	_, err = f.engine.RejectStep(ctx, rejected.ID, "manager", "mia", "")
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, rejected.ID, "alice")
	assert.ErrorIs(t, err, reservation.ErrInvalidState)
}

// =============================================================================
// FLOWS
// =============================================================================

func TestApprovalFlow_Validate(t *testing.T) {
	tests := []struct {
		name  string
		flow  reservation.ApprovalFlow
		field string
	}{
		{"missing id", reservation.ApprovalFlow{Steps: twoStepFlow("x").Steps}, "flow.id"},
		{"no steps", reservation.ApprovalFlow{ID: "empty"}, "flow.steps"},
		{"no roles", reservation.ApprovalFlow{ID: "f", Steps: []reservation.ApprovalStep{{Name: "a", Order: 1}}}, "flow.steps.a"},
		{"shared order without parallel", reservation.ApprovalFlow{ID: "f", Steps: []reservation.ApprovalStep{
			{Name: "a", Roles: []string{"x"}, Order: 1},
			{Name: "b", Roles: []string{"y"}, Order: 1},
		}}, "flow.steps.a"},
		{"quorum too large", func() reservation.ApprovalFlow {
			f := parallelFlow("f", false, 0, "safety", "finance")
			f.Quorums = map[int]int{1: 3}
			return f
		}(), "flow.quorums.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verr *reservation.ValidationError
			require.ErrorAs(t, tt.flow.Validate(), &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestStaticFlows_Resolution(t *testing.T) {
	lab := twoStepFlow("lab")
	lab.IsDefault = false
	lab.ResourceTypes = []string{"lab"}
	flows, err := reservation.NewStaticFlows(twoStepFlow("standard"), lab)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := flows.FlowFor(ctx, "lab")
	require.NoError(t, err)
	assert.Equal(t, "lab", got.ID)

	got, err = flows.FlowFor(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "standard", got.ID)

	_, err = flows.Flow(ctx, "missing")
	assert.True(t, reservation.IsNotFound(err))
	assert.Equal(t, []string{"standard", "lab"}, flows.IDs())

	_, err = reservation.NewStaticFlows(twoStepFlow("a"), twoStepFlow("b"))
	assert.ErrorIs(t, err, reservation.ErrValidation)
	_, err = reservation.NewStaticFlows(lab, lab)
	assert.ErrorIs(t, err, reservation.ErrValidation)

	empty, err := reservation.NewStaticFlows()
	require.NoError(t, err)
	_, err = empty.FlowFor(ctx, "room")
	assert.True(t, reservation.IsNotFound(err))
}
