/*
Package sqlite provides a SQLite-backed implementation of reservation.Store.

PURPOSE:
  Persists reservations, recurring series with their instance arena,
  approval requests (decision log embedded as JSON), waiting list entries,
  conflict history and audit events. In production the same patterns apply
  to PostgreSQL with minor dialect differences.

KEY TABLES:
  reservations:       one row per booking, windows as fixed-width UTC text
  series:             recurring series, rule stored as JSON
  series_instances:   dated occurrences, unique per (series_id, idx)
  approval_requests:  status plus decisions_json
  waitlist_entries:   queue rows; position is rewritten by the manager
  conflict_history:   append-only conflict snapshots
  audit_events:       append-only state transitions

TIME ENCODING:
  Times are stored in UTC with a fixed-width layout so that string
  comparison in SQL matches chronological order. The overlap query relies
  on this: start_at < :to AND end_at > :from.

CONCURRENCY:
  The pool is limited to one connection. WithTx holds that connection for
  the duration of fn, so fn must only use the store it is handed.

USAGE:
  store, err := sqlite.New("./data/reservations.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - reservation/store.go: interface definitions
  - reservation/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/reservation-engine/reservation"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements reservation.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every read and write against an execer.
type queries struct {
	db execer
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		status TEXT NOT NULL,
		purpose TEXT,
		series_id TEXT,
		approval_request_id TEXT,
		waitlist_entry_id TEXT,
		checked_in_at TEXT,
		checked_out_at TEXT,
		cancel_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Overlap lookups during check-and-reserve (hot path)
	CREATE INDEX IF NOT EXISTS idx_reservations_resource_window
		ON reservations(resource_id, start_at, end_at);
	CREATE INDEX IF NOT EXISTS idx_reservations_requester
		ON reservations(requester_id);
	CREATE INDEX IF NOT EXISTS idx_reservations_status
		ON reservations(status);
	CREATE INDEX IF NOT EXISTS idx_reservations_series
		ON reservations(series_id) WHERE series_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS series (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		rule_json TEXT NOT NULL,
		base_start TEXT NOT NULL,
		base_end TEXT NOT NULL,
		status TEXT NOT NULL,
		purpose TEXT,
		approval_request_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS series_instances (
		id TEXT PRIMARY KEY,
		series_id TEXT NOT NULL REFERENCES series(id),
		idx INTEGER NOT NULL,
		occurrence_date TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		status TEXT NOT NULL,
		reservation_id TEXT,
		detached INTEGER NOT NULL DEFAULT 0,
		conflicts_json TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE(series_id, idx)
	);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		reservation_id TEXT,
		series_id TEXT,
		resource_id TEXT,
		flow_id TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		status TEXT NOT NULL,
		decisions_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_approval_requests_status
		ON approval_requests(status);

	CREATE TABLE IF NOT EXISTS waitlist_entries (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		purpose TEXT,
		priority INTEGER NOT NULL,
		priority_reason TEXT,
		position INTEGER NOT NULL DEFAULT 0,
		sort_key INTEGER NOT NULL,
		status TEXT NOT NULL,
		notified_at TEXT,
		expires_at TEXT,
		reservation_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_waitlist_resource
		ON waitlist_entries(resource_id, sort_key);
	CREATE INDEX IF NOT EXISTS idx_waitlist_status
		ON waitlist_entries(status);

	-- History only; never read back to make decisions
	CREATE TABLE IF NOT EXISTS conflict_history (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		kind TEXT NOT NULL,
		conflicting_start TEXT,
		conflicting_end TEXT,
		conflicting_reservation_id TEXT,
		severity TEXT,
		suggestion TEXT,
		reason TEXT,
		alternatives_json TEXT,
		detected_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conflict_history_resource
		ON conflict_history(resource_id, detected_at);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT,
		before_state TEXT,
		after_state TEXT,
		ts TEXT NOT NULL,
		seq INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_events(entity_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, resource_id, requester_id, start_at, end_at, status, purpose,
	series_id, approval_request_id, waitlist_entry_id, checked_in_at, checked_out_at,
	cancel_reason, created_at, updated_at`

func (q queries) SaveReservation(ctx context.Context, r reservation.Reservation) error {
	query := `
		INSERT INTO reservations (` + reservationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			status = excluded.status,
			purpose = excluded.purpose,
			approval_request_id = excluded.approval_request_id,
			checked_in_at = excluded.checked_in_at,
			checked_out_at = excluded.checked_out_at,
			cancel_reason = excluded.cancel_reason,
			updated_at = excluded.updated_at
	`
	_, err := q.db.ExecContext(ctx, query,
		r.ID, r.ResourceID, r.RequesterID,
		formatTime(r.Window.Start), formatTime(r.Window.End),
		string(r.Status), r.Purpose,
		nullString(r.SeriesID), nullString(r.ApprovalRequestID), nullString(r.WaitlistEntryID),
		nullTime(r.CheckedInAt), nullTime(r.CheckedOutAt), nullString(r.CancelReason),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save reservation: %w", err)
	}
	return nil
}

func (q queries) GetReservation(ctx context.Context, id string) (reservation.Reservation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reservation.Reservation{}, &reservation.NotFoundError{Kind: "reservation", ID: id}
	}
	return r, err
}

func (q queries) ListReservationsByResource(ctx context.Context, resourceID string, from, to time.Time) ([]reservation.Reservation, error) {
	return q.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE resource_id = ? AND start_at < ? AND end_at > ?
		ORDER BY start_at ASC, id ASC`,
		resourceID, formatTime(to), formatTime(from))
}

func (q queries) ListReservationsByRequester(ctx context.Context, requesterID string) ([]reservation.Reservation, error) {
	return q.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE requester_id = ? ORDER BY start_at ASC, id ASC`, requesterID)
}

func (q queries) ListReservationsByStatus(ctx context.Context, status reservation.Status) ([]reservation.Reservation, error) {
	return q.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = ? ORDER BY start_at ASC, id ASC`, string(status))
}

func (q queries) queryReservations(ctx context.Context, query string, args ...any) ([]reservation.Reservation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []reservation.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (reservation.Reservation, error) {
	var (
		r                                     reservation.Reservation
		start, end, status, createdAt, updAt  string
		purpose, seriesID, approvalID, waitID sql.NullString
		checkedIn, checkedOut, cancelReason   sql.NullString
	)
	err := row.Scan(&r.ID, &r.ResourceID, &r.RequesterID, &start, &end, &status, &purpose,
		&seriesID, &approvalID, &waitID, &checkedIn, &checkedOut, &cancelReason, &createdAt, &updAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan reservation: %w", err)
	}
	r.Window = reservation.Window{Start: parseTime(start), End: parseTime(end)}
	r.Status = reservation.Status(status)
	r.Purpose = purpose.String
	r.SeriesID = seriesID.String
	r.ApprovalRequestID = approvalID.String
	r.WaitlistEntryID = waitID.String
	r.CheckedInAt = parseNullTime(checkedIn)
	r.CheckedOutAt = parseNullTime(checkedOut)
	r.CancelReason = cancelReason.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updAt)
	return r, nil
}

// =============================================================================
// SERIES
// =============================================================================

func (q queries) SaveSeries(ctx context.Context, s reservation.RecurringSeries) error {
	ruleJSON, err := json.Marshal(s.Rule)
	if err != nil {
		return fmt.Errorf("failed to encode recurrence rule: %w", err)
	}
	query := `
		INSERT INTO series (id, resource_id, requester_id, rule_json, base_start, base_end,
			status, purpose, approval_request_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_json = excluded.rule_json,
			base_start = excluded.base_start,
			base_end = excluded.base_end,
			status = excluded.status,
			purpose = excluded.purpose,
			approval_request_id = excluded.approval_request_id,
			updated_at = excluded.updated_at
	`
	_, err = q.db.ExecContext(ctx, query,
		s.ID, s.ResourceID, s.RequesterID, string(ruleJSON),
		formatTime(s.BaseWindow.Start), formatTime(s.BaseWindow.End),
		string(s.Status), s.Purpose, nullString(s.ApprovalRequestID),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save series: %w", err)
	}
	return nil
}

func (q queries) GetSeries(ctx context.Context, id string) (reservation.RecurringSeries, error) {
	var (
		s                            reservation.RecurringSeries
		ruleJSON, baseStart, baseEnd string
		status, createdAt, updatedAt string
		purpose, approvalID          sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, resource_id, requester_id, rule_json, base_start, base_end,
			status, purpose, approval_request_id, created_at, updated_at
		FROM series WHERE id = ?`, id).Scan(
		&s.ID, &s.ResourceID, &s.RequesterID, &ruleJSON, &baseStart, &baseEnd,
		&status, &purpose, &approvalID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return s, &reservation.NotFoundError{Kind: "series", ID: id}
	}
	if err != nil {
		return s, fmt.Errorf("failed to load series: %w", err)
	}
	if err := json.Unmarshal([]byte(ruleJSON), &s.Rule); err != nil {
		return s, fmt.Errorf("failed to decode recurrence rule: %w", err)
	}
	s.BaseWindow = reservation.Window{Start: parseTime(baseStart), End: parseTime(baseEnd)}
	s.Status = reservation.SeriesStatus(status)
	s.Purpose = purpose.String
	s.ApprovalRequestID = approvalID.String
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

func (q queries) SaveInstance(ctx context.Context, inst reservation.RecurrenceInstance) error {
	conflictsJSON, err := json.Marshal(inst.Conflicts)
	if err != nil {
		return fmt.Errorf("failed to encode instance conflicts: %w", err)
	}
	query := `
		INSERT INTO series_instances (id, series_id, idx, occurrence_date, start_at, end_at,
			status, reservation_id, detached, conflicts_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			occurrence_date = excluded.occurrence_date,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			status = excluded.status,
			reservation_id = excluded.reservation_id,
			detached = excluded.detached,
			conflicts_json = excluded.conflicts_json,
			updated_at = excluded.updated_at
	`
	_, err = q.db.ExecContext(ctx, query,
		inst.ID, inst.SeriesID, inst.Index, formatTime(inst.OccurrenceDate),
		formatTime(inst.Window.Start), formatTime(inst.Window.End),
		string(inst.Status), nullString(inst.ReservationID), inst.Detached,
		string(conflictsJSON), formatTime(inst.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &reservation.InvalidStateError{Entity: "series_instance", ID: inst.ID,
				State: string(inst.Status), Action: "save", Reason: "index already taken in series"}
		}
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

func (q queries) ListInstances(ctx context.Context, seriesID string) ([]reservation.RecurrenceInstance, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, series_id, idx, occurrence_date, start_at, end_at, status,
			reservation_id, detached, conflicts_json, updated_at
		FROM series_instances WHERE series_id = ? ORDER BY idx ASC`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []reservation.RecurrenceInstance
	for rows.Next() {
		var (
			inst                                  reservation.RecurrenceInstance
			occurrence, start, end, status, updAt string
			reservationID, conflictsJSON          sql.NullString
		)
		if err := rows.Scan(&inst.ID, &inst.SeriesID, &inst.Index, &occurrence, &start, &end, &status,
			&reservationID, &inst.Detached, &conflictsJSON, &updAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		inst.OccurrenceDate = parseTime(occurrence)
		inst.Window = reservation.Window{Start: parseTime(start), End: parseTime(end)}
		inst.Status = reservation.InstanceStatus(status)
		inst.ReservationID = reservationID.String
		inst.UpdatedAt = parseTime(updAt)
		if conflictsJSON.Valid && conflictsJSON.String != "" && conflictsJSON.String != "null" {
			if err := json.Unmarshal([]byte(conflictsJSON.String), &inst.Conflicts); err != nil {
				return nil, fmt.Errorf("failed to decode instance conflicts: %w", err)
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// =============================================================================
// APPROVAL REQUESTS
// =============================================================================

const approvalColumns = `id, reservation_id, series_id, resource_id, flow_id, requester_id,
	status, decisions_json, created_at, updated_at, resolved_at`

func (q queries) SaveApprovalRequest(ctx context.Context, r reservation.ApprovalRequest) error {
	decisions := r.Decisions
	if decisions == nil {
		decisions = []reservation.DecisionEntry{}
	}
	decisionsJSON, err := json.Marshal(decisions)
	if err != nil {
		return fmt.Errorf("failed to encode decision log: %w", err)
	}
	query := `
		INSERT INTO approval_requests (` + approvalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			decisions_json = excluded.decisions_json,
			updated_at = excluded.updated_at,
			resolved_at = excluded.resolved_at
	`
	_, err = q.db.ExecContext(ctx, query,
		r.ID, nullString(r.ReservationID), nullString(r.SeriesID), nullString(r.ResourceID),
		r.FlowID, r.RequesterID, string(r.Status), string(decisionsJSON),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt), nullTime(r.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}
	return nil
}

func (q queries) GetApprovalRequest(ctx context.Context, id string) (reservation.ApprovalRequest, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	r, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, &reservation.NotFoundError{Kind: "approval_request", ID: id}
	}
	return r, err
}

func (q queries) ListApprovalRequestsByStatus(ctx context.Context, status reservation.ApprovalStatus) ([]reservation.ApprovalRequest, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer rows.Close()

	var out []reservation.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanApproval(row scanner) (reservation.ApprovalRequest, error) {
	var (
		r                                             reservation.ApprovalRequest
		reservationID, seriesID, resourceID, resolved sql.NullString
		status, decisionsJSON, createdAt, updatedAt   string
	)
	err := row.Scan(&r.ID, &reservationID, &seriesID, &resourceID, &r.FlowID, &r.RequesterID,
		&status, &decisionsJSON, &createdAt, &updatedAt, &resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan approval request: %w", err)
	}
	if err := json.Unmarshal([]byte(decisionsJSON), &r.Decisions); err != nil {
		return r, fmt.Errorf("failed to decode decision log: %w", err)
	}
	r.ReservationID = reservationID.String
	r.SeriesID = seriesID.String
	r.ResourceID = resourceID.String
	r.Status = reservation.ApprovalStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.ResolvedAt = parseNullTime(resolved)
	return r, nil
}

// =============================================================================
// WAITING LIST
// =============================================================================

const waitlistColumns = `id, resource_id, requester_id, start_at, end_at, purpose, priority,
	priority_reason, position, sort_key, status, notified_at, expires_at, reservation_id,
	created_at, updated_at`

func (q queries) SaveWaitlistEntry(ctx context.Context, e reservation.WaitlistEntry) error {
	query := `
		INSERT INTO waitlist_entries (` + waitlistColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			priority_reason = excluded.priority_reason,
			position = excluded.position,
			sort_key = excluded.sort_key,
			status = excluded.status,
			notified_at = excluded.notified_at,
			expires_at = excluded.expires_at,
			reservation_id = excluded.reservation_id,
			updated_at = excluded.updated_at
	`
	_, err := q.db.ExecContext(ctx, query,
		e.ID, e.ResourceID, e.RequesterID,
		formatTime(e.Window.Start), formatTime(e.Window.End), e.Purpose,
		int(e.Priority), nullString(e.PriorityReason), e.Position, e.SortKey, string(e.Status),
		nullTime(e.NotifiedAt), nullTime(e.ExpiresAt), nullString(e.ReservationID),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save waitlist entry: %w", err)
	}
	return nil
}

func (q queries) GetWaitlistEntry(ctx context.Context, id string) (reservation.WaitlistEntry, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+waitlistColumns+` FROM waitlist_entries WHERE id = ?`, id)
	e, err := scanWaitlist(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, &reservation.NotFoundError{Kind: "waitlist_entry", ID: id}
	}
	return e, err
}

func (q queries) ListWaitlistByResource(ctx context.Context, resourceID string) ([]reservation.WaitlistEntry, error) {
	return q.queryWaitlist(ctx, `
		SELECT `+waitlistColumns+` FROM waitlist_entries
		WHERE resource_id = ? ORDER BY sort_key ASC, id ASC`, resourceID)
}

func (q queries) ListWaitlistByStatus(ctx context.Context, status reservation.WaitlistStatus) ([]reservation.WaitlistEntry, error) {
	return q.queryWaitlist(ctx, `
		SELECT `+waitlistColumns+` FROM waitlist_entries
		WHERE status = ? ORDER BY resource_id ASC, sort_key ASC`, string(status))
}

func (q queries) queryWaitlist(ctx context.Context, query string, args ...any) ([]reservation.WaitlistEntry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query waitlist: %w", err)
	}
	defer rows.Close()

	var out []reservation.WaitlistEntry
	for rows.Next() {
		e, err := scanWaitlist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanWaitlist(row scanner) (reservation.WaitlistEntry, error) {
	var (
		e                                        reservation.WaitlistEntry
		start, end, status, createdAt, updatedAt string
		purpose, reason, reservationID           sql.NullString
		notifiedAt, expiresAt                    sql.NullString
		priority                                 int
	)
	err := row.Scan(&e.ID, &e.ResourceID, &e.RequesterID, &start, &end, &purpose, &priority,
		&reason, &e.Position, &e.SortKey, &status, &notifiedAt, &expiresAt, &reservationID,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan waitlist entry: %w", err)
	}
	e.Window = reservation.Window{Start: parseTime(start), End: parseTime(end)}
	e.Purpose = purpose.String
	e.Priority = reservation.Priority(priority)
	e.PriorityReason = reason.String
	e.Status = reservation.WaitlistStatus(status)
	e.NotifiedAt = parseNullTime(notifiedAt)
	e.ExpiresAt = parseNullTime(expiresAt)
	e.ReservationID = reservationID.String
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

// =============================================================================
// HISTORY
// =============================================================================

func (q queries) RecordConflicts(ctx context.Context, conflicts []reservation.AvailabilityConflict) error {
	query := `
		INSERT INTO conflict_history (id, resource_id, start_at, end_at, kind, conflicting_start,
			conflicting_end, conflicting_reservation_id, severity, suggestion, reason,
			alternatives_json, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	for _, c := range conflicts {
		altJSON, err := json.Marshal(c.Alternatives)
		if err != nil {
			return fmt.Errorf("failed to encode alternatives: %w", err)
		}
		_, err = q.db.ExecContext(ctx, query,
			c.ID, c.ResourceID, formatTime(c.Window.Start), formatTime(c.Window.End), string(c.Kind),
			formatTime(c.ConflictingWindow.Start), formatTime(c.ConflictingWindow.End),
			nullString(c.ConflictingReservationID), string(c.Severity), string(c.Suggestion),
			c.Reason, string(altJSON), formatTime(c.DetectedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to record conflict: %w", err)
		}
	}
	return nil
}

// ConflictHistory returns the recorded conflicts of a resource, newest first.
func (q queries) ConflictHistory(ctx context.Context, resourceID string, limit int) ([]reservation.AvailabilityConflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, resource_id, start_at, end_at, kind, conflicting_start, conflicting_end,
			conflicting_reservation_id, severity, suggestion, reason, alternatives_json, detected_at
		FROM conflict_history WHERE resource_id = ?
		ORDER BY detected_at DESC, id ASC LIMIT ?`, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict history: %w", err)
	}
	defer rows.Close()

	var out []reservation.AvailabilityConflict
	for rows.Next() {
		var (
			c                                   reservation.AvailabilityConflict
			start, end, kind, detected          string
			cStart, cEnd, cID, sev, sug, reason sql.NullString
			altJSON                             sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ResourceID, &start, &end, &kind, &cStart, &cEnd,
			&cID, &sev, &sug, &reason, &altJSON, &detected); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.Window = reservation.Window{Start: parseTime(start), End: parseTime(end)}
		c.Kind = reservation.ConflictKind(kind)
		c.ConflictingWindow = reservation.Window{Start: parseTime(cStart.String), End: parseTime(cEnd.String)}
		c.ConflictingReservationID = cID.String
		c.Severity = reservation.Severity(sev.String)
		c.Suggestion = reservation.Resolution(sug.String)
		c.Reason = reason.String
		c.DetectedAt = parseTime(detected)
		if altJSON.Valid && altJSON.String != "" && altJSON.String != "null" {
			if err := json.Unmarshal([]byte(altJSON.String), &c.Alternatives); err != nil {
				return nil, fmt.Errorf("failed to decode alternatives: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q queries) AppendAudit(ctx context.Context, ev reservation.AuditEvent) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, entity_id, entity_type, action, actor_id, before_state, after_state, ts, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events))`,
		ev.ID, ev.EntityID, ev.EntityType, ev.Action, nullString(ev.ActorID),
		nullString(ev.Before), nullString(ev.After), formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (q queries) QueryAudit(ctx context.Context, entityID string) ([]reservation.AuditEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, entity_id, entity_type, action, actor_id, before_state, after_state, ts
		FROM audit_events WHERE entity_id = ? ORDER BY seq ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []reservation.AuditEvent
	for rows.Next() {
		var (
			ev                   reservation.AuditEvent
			actor, before, after sql.NullString
			ts                   string
		)
		if err := rows.Scan(&ev.ID, &ev.EntityID, &ev.EntityType, &ev.Action, &actor, &before, &after, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.ActorID = actor.String
		ev.Before = before.String
		ev.After = after.String
		ev.Timestamp = parseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(reservation.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{db: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	queries
}

// WithTx nests by reusing the open transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(reservation.Store) error) error {
	return fn(ts)
}

// Reset deletes all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"audit_events", "conflict_history", "waitlist_entries",
		"approval_requests", "series_instances", "series", "reservations"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
