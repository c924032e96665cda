// Package store provides in-memory Store implementations of reservation.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/reservation-engine/reservation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	t  tables
}

// tables holds the data. Its methods assume the caller holds mu.
type tables struct {
	reservations map[string]reservation.Reservation
	series       map[string]reservation.RecurringSeries
	instances    map[string]map[string]reservation.RecurrenceInstance // series id -> instance id
	approvals    map[string]reservation.ApprovalRequest
	waitlist     map[string]reservation.WaitlistEntry
	conflicts    []reservation.AvailabilityConflict
	audit        []reservation.AuditEvent
}

func newTables() tables {
	return tables{
		reservations: make(map[string]reservation.Reservation),
		series:       make(map[string]reservation.RecurringSeries),
		instances:    make(map[string]map[string]reservation.RecurrenceInstance),
		approvals:    make(map[string]reservation.ApprovalRequest),
		waitlist:     make(map[string]reservation.WaitlistEntry),
	}
}

func NewMemory() *Memory {
	return &Memory{t: newTables()}
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (t *tables) saveReservation(r reservation.Reservation) error {
	t.reservations[r.ID] = r
	return nil
}

func (t *tables) getReservation(id string) (reservation.Reservation, error) {
	r, ok := t.reservations[id]
	if !ok {
		return reservation.Reservation{}, &reservation.NotFoundError{Kind: "reservation", ID: id}
	}
	return r, nil
}

func (t *tables) reservationsWhere(keep func(reservation.Reservation) bool) []reservation.Reservation {
	var out []reservation.Reservation
	for _, r := range t.reservations {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Window.Start.Equal(out[j].Window.Start) {
			return out[i].Window.Start.Before(out[j].Window.Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *tables) reservationsByResource(resourceID string, from, to time.Time) []reservation.Reservation {
	span := reservation.Window{Start: from, End: to}
	return t.reservationsWhere(func(r reservation.Reservation) bool {
		return r.ResourceID == resourceID && r.Window.Overlaps(span)
	})
}

func (t *tables) reservationsByRequester(requesterID string) []reservation.Reservation {
	return t.reservationsWhere(func(r reservation.Reservation) bool { return r.RequesterID == requesterID })
}

func (t *tables) reservationsByStatus(status reservation.Status) []reservation.Reservation {
	return t.reservationsWhere(func(r reservation.Reservation) bool { return r.Status == status })
}

// =============================================================================
// SERIES
// =============================================================================

func (t *tables) saveSeries(s reservation.RecurringSeries) error {
	s.Rule.DaysOfWeek = append([]time.Weekday(nil), s.Rule.DaysOfWeek...)
	t.series[s.ID] = s
	return nil
}

func (t *tables) getSeries(id string) (reservation.RecurringSeries, error) {
	s, ok := t.series[id]
	if !ok {
		return reservation.RecurringSeries{}, &reservation.NotFoundError{Kind: "series", ID: id}
	}
	return s, nil
}

func (t *tables) saveInstance(inst reservation.RecurrenceInstance) error {
	inst.Conflicts = append([]reservation.AvailabilityConflict(nil), inst.Conflicts...)
	byID, ok := t.instances[inst.SeriesID]
	if !ok {
		byID = make(map[string]reservation.RecurrenceInstance)
		t.instances[inst.SeriesID] = byID
	}
	byID[inst.ID] = inst
	return nil
}

func (t *tables) listInstances(seriesID string) []reservation.RecurrenceInstance {
	out := make([]reservation.RecurrenceInstance, 0, len(t.instances[seriesID]))
	for _, inst := range t.instances[seriesID] {
		inst.Conflicts = append([]reservation.AvailabilityConflict(nil), inst.Conflicts...)
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// =============================================================================
// APPROVALS
// =============================================================================

func (t *tables) saveApproval(r reservation.ApprovalRequest) error {
	r.Decisions = append([]reservation.DecisionEntry(nil), r.Decisions...)
	t.approvals[r.ID] = r
	return nil
}

func (t *tables) getApproval(id string) (reservation.ApprovalRequest, error) {
	r, ok := t.approvals[id]
	if !ok {
		return reservation.ApprovalRequest{}, &reservation.NotFoundError{Kind: "approval_request", ID: id}
	}
	r.Decisions = append([]reservation.DecisionEntry(nil), r.Decisions...)
	return r, nil
}

func (t *tables) approvalsByStatus(status reservation.ApprovalStatus) []reservation.ApprovalRequest {
	var out []reservation.ApprovalRequest
	for _, r := range t.approvals {
		if r.Status == status {
			r.Decisions = append([]reservation.DecisionEntry(nil), r.Decisions...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// WAITING LIST
// =============================================================================

func (t *tables) saveWaitlist(e reservation.WaitlistEntry) error {
	t.waitlist[e.ID] = e
	return nil
}

func (t *tables) getWaitlist(id string) (reservation.WaitlistEntry, error) {
	e, ok := t.waitlist[id]
	if !ok {
		return reservation.WaitlistEntry{}, &reservation.NotFoundError{Kind: "waitlist_entry", ID: id}
	}
	return e, nil
}

func (t *tables) waitlistWhere(keep func(reservation.WaitlistEntry) bool) []reservation.WaitlistEntry {
	var out []reservation.WaitlistEntry
	for _, e := range t.waitlist {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortKey != out[j].SortKey {
			return out[i].SortKey < out[j].SortKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// HISTORY
// =============================================================================

func (t *tables) recordConflicts(conflicts []reservation.AvailabilityConflict) error {
	t.conflicts = append(t.conflicts, conflicts...)
	return nil
}

func (t *tables) appendAudit(ev reservation.AuditEvent) error {
	t.audit = append(t.audit, ev)
	return nil
}

func (t *tables) queryAudit(entityID string) []reservation.AuditEvent {
	var out []reservation.AuditEvent
	for _, ev := range t.audit {
		if ev.EntityID == entityID {
			out = append(out, ev)
		}
	}
	return out
}

func (t *tables) clone() tables {
	c := newTables()
	for k, v := range t.reservations {
		c.reservations[k] = v
	}
	for k, v := range t.series {
		c.series[k] = v
	}
	for k, byID := range t.instances {
		m := make(map[string]reservation.RecurrenceInstance, len(byID))
		for id, inst := range byID {
			m[id] = inst
		}
		c.instances[k] = m
	}
	for k, v := range t.approvals {
		c.approvals[k] = v
	}
	for k, v := range t.waitlist {
		c.waitlist[k] = v
	}
	c.conflicts = append(c.conflicts, t.conflicts...)
	c.audit = append(c.audit, t.audit...)
	return c
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================

func (m *Memory) SaveReservation(_ context.Context, r reservation.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.saveReservation(r)
}

func (m *Memory) GetReservation(_ context.Context, id string) (reservation.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getReservation(id)
}

func (m *Memory) ListReservationsByResource(_ context.Context, resourceID string, from, to time.Time) ([]reservation.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.reservationsByResource(resourceID, from, to), nil
}

func (m *Memory) ListReservationsByRequester(_ context.Context, requesterID string) ([]reservation.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.reservationsByRequester(requesterID), nil
}

func (m *Memory) ListReservationsByStatus(_ context.Context, status reservation.Status) ([]reservation.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.reservationsByStatus(status), nil
}

func (m *Memory) SaveSeries(_ context.Context, s reservation.RecurringSeries) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.saveSeries(s)
}

func (m *Memory) GetSeries(_ context.Context, id string) (reservation.RecurringSeries, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getSeries(id)
}

func (m *Memory) SaveInstance(_ context.Context, inst reservation.RecurrenceInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.saveInstance(inst)
}

func (m *Memory) ListInstances(_ context.Context, seriesID string) ([]reservation.RecurrenceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.listInstances(seriesID), nil
}

func (m *Memory) SaveApprovalRequest(_ context.Context, r reservation.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.saveApproval(r)
}

func (m *Memory) GetApprovalRequest(_ context.Context, id string) (reservation.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getApproval(id)
}

func (m *Memory) ListApprovalRequestsByStatus(_ context.Context, status reservation.ApprovalStatus) ([]reservation.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.approvalsByStatus(status), nil
}

func (m *Memory) SaveWaitlistEntry(_ context.Context, e reservation.WaitlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.saveWaitlist(e)
}

func (m *Memory) GetWaitlistEntry(_ context.Context, id string) (reservation.WaitlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getWaitlist(id)
}

func (m *Memory) ListWaitlistByResource(_ context.Context, resourceID string) ([]reservation.WaitlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.waitlistWhere(func(e reservation.WaitlistEntry) bool { return e.ResourceID == resourceID }), nil
}

func (m *Memory) ListWaitlistByStatus(_ context.Context, status reservation.WaitlistStatus) ([]reservation.WaitlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.waitlistWhere(func(e reservation.WaitlistEntry) bool { return e.Status == status }), nil
}

func (m *Memory) RecordConflicts(_ context.Context, conflicts []reservation.AvailabilityConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.recordConflicts(conflicts)
}

// Conflicts returns the recorded conflict history.
func (m *Memory) Conflicts() []reservation.AvailabilityConflict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]reservation.AvailabilityConflict(nil), m.t.conflicts...)
}

func (m *Memory) AppendAudit(_ context.Context, ev reservation.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.appendAudit(ev)
}

func (m *Memory) QueryAudit(_ context.Context, entityID string) ([]reservation.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.queryAudit(entityID), nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store is locked for the duration of fn, so fn must only use the view.
func (m *Memory) WithTx(ctx context.Context, fn func(reservation.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.t.clone()
	if err := fn(&txView{t: &m.t}); err != nil {
		m.t = snapshot
		return err
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type txView struct {
	t *tables
}

func (v *txView) SaveReservation(_ context.Context, r reservation.Reservation) error {
	return v.t.saveReservation(r)
}

func (v *txView) GetReservation(_ context.Context, id string) (reservation.Reservation, error) {
	return v.t.getReservation(id)
}

func (v *txView) ListReservationsByResource(_ context.Context, resourceID string, from, to time.Time) ([]reservation.Reservation, error) {
	return v.t.reservationsByResource(resourceID, from, to), nil
}

func (v *txView) ListReservationsByRequester(_ context.Context, requesterID string) ([]reservation.Reservation, error) {
	return v.t.reservationsByRequester(requesterID), nil
}

func (v *txView) ListReservationsByStatus(_ context.Context, status reservation.Status) ([]reservation.Reservation, error) {
	return v.t.reservationsByStatus(status), nil
}

func (v *txView) SaveSeries(_ context.Context, s reservation.RecurringSeries) error {
	return v.t.saveSeries(s)
}

func (v *txView) GetSeries(_ context.Context, id string) (reservation.RecurringSeries, error) {
	return v.t.getSeries(id)
}

func (v *txView) SaveInstance(_ context.Context, inst reservation.RecurrenceInstance) error {
	return v.t.saveInstance(inst)
}

func (v *txView) ListInstances(_ context.Context, seriesID string) ([]reservation.RecurrenceInstance, error) {
	return v.t.listInstances(seriesID), nil
}

func (v *txView) SaveApprovalRequest(_ context.Context, r reservation.ApprovalRequest) error {
	return v.t.saveApproval(r)
}

func (v *txView) GetApprovalRequest(_ context.Context, id string) (reservation.ApprovalRequest, error) {
	return v.t.getApproval(id)
}

func (v *txView) ListApprovalRequestsByStatus(_ context.Context, status reservation.ApprovalStatus) ([]reservation.ApprovalRequest, error) {
	return v.t.approvalsByStatus(status), nil
}

func (v *txView) SaveWaitlistEntry(_ context.Context, e reservation.WaitlistEntry) error {
	return v.t.saveWaitlist(e)
}

func (v *txView) GetWaitlistEntry(_ context.Context, id string) (reservation.WaitlistEntry, error) {
	return v.t.getWaitlist(id)
}

func (v *txView) ListWaitlistByResource(_ context.Context, resourceID string) ([]reservation.WaitlistEntry, error) {
	return v.t.waitlistWhere(func(e reservation.WaitlistEntry) bool { return e.ResourceID == resourceID }), nil
}

func (v *txView) ListWaitlistByStatus(_ context.Context, status reservation.WaitlistStatus) ([]reservation.WaitlistEntry, error) {
	return v.t.waitlistWhere(func(e reservation.WaitlistEntry) bool { return e.Status == status }), nil
}

func (v *txView) RecordConflicts(_ context.Context, conflicts []reservation.AvailabilityConflict) error {
	return v.t.recordConflicts(conflicts)
}

func (v *txView) AppendAudit(_ context.Context, ev reservation.AuditEvent) error {
	return v.t.appendAudit(ev)
}

func (v *txView) QueryAudit(_ context.Context, entityID string) ([]reservation.AuditEvent, error) {
	return v.t.queryAudit(entityID), nil
}

// WithTx nests by running fn against the same view; the outer call owns rollback.
func (v *txView) WithTx(_ context.Context, fn func(reservation.Store) error) error {
	return fn(v)
}
