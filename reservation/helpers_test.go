package reservation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/reservation-engine/reservation"
	"github.com/warp/reservation-engine/reservation/store"
)

// Monday 4 March 2030.
var monday = time.Date(2030, 3, 4, 0, 0, 0, 0, time.UTC)

func on(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)
}

func window(day time.Time, fromHour, toHour int) reservation.Window {
	return reservation.Window{Start: on(day, fromHour, 0), End: on(day, toHour, 0)}
}

// =============================================================================
// COLLABORATOR FAKES
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequence struct {
	mu sync.Mutex
	n  int
}

func (s *sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n)
}

type recordingNotifier struct {
	mu      sync.Mutex
	intents []reservation.NotificationIntent
}

func (n *recordingNotifier) Notify(_ context.Context, intent reservation.NotificationIntent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.intents = append(n.intents, intent)
}

func (n *recordingNotifier) Sent(template reservation.TemplateKind) []reservation.NotificationIntent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []reservation.NotificationIntent
	for _, in := range n.intents {
		if in.Template == template {
			out = append(out, in)
		}
	}
	return out
}

type roles map[string][]string

func (r roles) RolesOf(_ context.Context, userID string) ([]string, error) {
	return r[userID], nil
}

// capabilities grants actions per user on every resource.
type capabilities map[string][]reservation.Action

func (c capabilities) HasCapability(_ context.Context, userID string, action reservation.Action, _ string) (bool, error) {
	for _, a := range c[userID] {
		if a == action {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	orch     *reservation.Orchestrator
	store    *store.Memory
	clock    *clock
	notifier *recordingNotifier
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	flows []reservation.ApprovalFlow
	roles roles
	caps  reservation.CapabilityChecker
	opts  reservation.Options
}

func withFlows(flows ...reservation.ApprovalFlow) fixtureOption {
	return func(c *fixtureConfig) { c.flows = append(c.flows, flows...) }
}

func withRoles(r roles) fixtureOption {
	return func(c *fixtureConfig) { c.roles = r }
}

func withCapabilities(caps capabilities) fixtureOption {
	return func(c *fixtureConfig) { c.caps = caps }
}

func withOptions(mutate func(*reservation.Options)) fixtureOption {
	return func(c *fixtureConfig) { mutate(&c.opts) }
}

// newFixture wires an orchestrator over the memory store. The clock starts
// on the Friday before monday at 08:00.
func newFixture(t *testing.T, options ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{roles: roles{}, opts: reservation.DefaultOptions()}
	for _, o := range options {
		o(&cfg)
	}

	flows, err := reservation.NewStaticFlows(cfg.flows...)
	require.NoError(t, err)

	f := &fixture{
		store:    store.NewMemory(),
		clock:    &clock{now: on(monday.AddDate(0, 0, -3), 8, 0)},
		notifier: &recordingNotifier{},
	}
	f.orch = reservation.NewOrchestrator(f.store, reservation.NewMetadataCache(), flows,
		cfg.roles, cfg.caps, f.notifier, nil, cfg.opts)
	f.orch.SetClock(f.clock.Now)
	f.orch.SetIDGenerator((&sequence{}).Next)
	return f
}

func (f *fixture) addResource(t *testing.T, snap reservation.ResourceSnapshot) {
	t.Helper()
	if snap.Type == "" {
		snap.Type = "room"
	}
	if snap.Version == 0 {
		snap.Version = 1
	}
	_, err := f.orch.ApplyResourceEvent(context.Background(), reservation.ResourceEvent{
		Kind:     reservation.ResourceUpserted,
		Resource: snap,
	})
	require.NoError(t, err)
}

func (f *fixture) addRoom(t *testing.T, id string, capacity int) {
	t.Helper()
	f.addResource(t, reservation.ResourceSnapshot{ID: id, Name: id, Capacity: capacity, Active: true})
}

func (f *fixture) submit(t *testing.T, resourceID, requesterID string, w reservation.Window) reservation.SubmitResult {
	t.Helper()
	res, err := f.orch.Submit(context.Background(), reservation.ReservationRequest{
		ResourceID:  resourceID,
		RequesterID: requesterID,
		Window:      w,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) book(t *testing.T, resourceID, requesterID string, w reservation.Window) reservation.Reservation {
	t.Helper()
	res := f.submit(t, resourceID, requesterID, w)
	require.NotNil(t, res.Reservation, "expected a reservation, got outcome %s", res.Outcome)
	return *res.Reservation
}

func (f *fixture) reservation(t *testing.T, id string) reservation.Reservation {
	t.Helper()
	r, err := f.orch.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (f *fixture) entry(t *testing.T, id string) reservation.WaitlistEntry {
	t.Helper()
	e, err := f.orch.Waitlist.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

// twoStepFlow needs a manager then facilities, in order.
func twoStepFlow(id string) reservation.ApprovalFlow {
	return reservation.ApprovalFlow{
		ID:        id,
		IsDefault: true,
		Steps: []reservation.ApprovalStep{
			{Name: "manager", Roles: []string{"manager"}, Order: 1, Required: true},
			{Name: "facilities", Roles: []string{"facilities"}, Order: 2, Required: true},
		},
	}
}

// approvers gives every role used by the test flows to a dedicated user.
var approvers = roles{
	"mia":    {"manager"},
	"fred":   {"facilities"},
	"sam":    {"safety"},
	"fiona":  {"finance"},
	"alice":  {"staff"},
	"bob":    {"staff"},
	"carol":  {"staff"},
	"dave":   {"staff"},
	"lead":   {"lab_manager"},
	"intern": {"staff"},
}
