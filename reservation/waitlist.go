/*
waitlist.go - Priority-ordered waiting list

PURPOSE:
  Holds demand that could not be served because the window was taken. One
  authoritative ordered queue exists per resource id. Positions are dense
  1..K over queued (WAITING and NOTIFIED) entries and are recomputed after
  every mutation of the bucket.

ORDER:
  Priority descending, then SortKey ascending (arrival within the bucket),
  then id.

LIFECYCLE:
  WAITING --promote--> NOTIFIED --claim--> ASSIGNED
  NOTIFIED --sweep (claim window lapsed)--> EXPIRED
  NOTIFIED --claim lost to a conflict--> WAITING
  WAITING | NOTIFIED --cancel--> CANCELLED
  WAITING --sweep (desired window already started)--> EXPIRED

CONCURRENCY:
  Every mutation runs under the same per-resource lock the orchestrator
  uses for check-and-reserve, so promotion candidates are evaluated against
  a booking set that cannot change underneath them. Claim and the expiry
  sweep share that lock: a claim that arrives after the sweep expired the
  entry sees EXPIRED and fails with ExpiredError.
*/
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// PRIORITY
// =============================================================================

// Priority orders waitlist tiers. The zero value is NORMAL.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "LOW",
	PriorityNormal: "NORMAL",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, invalidArgument("priority", fmt.Sprintf("unknown priority %q", s))
}

// =============================================================================
// ENTRIES
// =============================================================================

type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "WAITING"
	WaitlistNotified  WaitlistStatus = "NOTIFIED"
	WaitlistAssigned  WaitlistStatus = "ASSIGNED"
	WaitlistExpired   WaitlistStatus = "EXPIRED"
	WaitlistCancelled WaitlistStatus = "CANCELLED"
)

// Queued reports whether the entry still holds a position.
func (s WaitlistStatus) Queued() bool {
	return s == WaitlistWaiting || s == WaitlistNotified
}

type WaitlistEntry struct {
	ID          string
	ResourceID  string
	RequesterID string
	Window      Window
	Purpose     string

	Priority       Priority
	PriorityReason string

	// Position is 1-based among queued entries of the resource; 0 once terminal.
	Position int
	SortKey  int64
	Status   WaitlistStatus

	NotifiedAt    *time.Time
	ExpiresAt     *time.Time
	ReservationID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e WaitlistEntry) before(o WaitlistEntry) bool {
	if e.Priority != o.Priority {
		return e.Priority > o.Priority
	}
	if e.SortKey != o.SortKey {
		return e.SortKey < o.SortKey
	}
	return e.ID < o.ID
}

func sortEntries(entries []WaitlistEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].before(entries[j]) })
}

// ClaimReserver turns a claimed entry into a reservation. It is called with
// the resource lock held and must not take it again.
type ClaimReserver interface {
	ReserveClaim(ctx context.Context, entry WaitlistEntry) (Reservation, error)
}

type WaitlistOptions struct {
	// FanOut is how many entries a single promotion may notify at once.
	FanOut int
	// ClaimWindow is how long a notified requester has to claim.
	ClaimWindow time.Duration
}

func DefaultWaitlistOptions() WaitlistOptions {
	return WaitlistOptions{FanOut: 1, ClaimWindow: 15 * time.Minute}
}

// SweepResult lists what a sweep changed.
type SweepResult struct {
	Expired  []string
	Promoted []string
}

// =============================================================================
// MANAGER
// =============================================================================

type Waitlist struct {
	Store    WaitlistStore
	Detector *Detector
	Locks    *KeyedLocks
	Reserver ClaimReserver
	Notifier Notifier
	Audit    AuditLog
	Logger   *zap.Logger
	Options  WaitlistOptions
	Now      func() time.Time
	NewID    func() string
}

// NewWaitlist shares locks with the orchestrator; pass the same KeyedLocks to both.
func NewWaitlist(store WaitlistStore, detector *Detector, locks *KeyedLocks, audit AuditLog, notifier Notifier, logger *zap.Logger, opts WaitlistOptions) *Waitlist {
	def := DefaultWaitlistOptions()
	if opts.FanOut <= 0 {
		opts.FanOut = def.FanOut
	}
	if opts.ClaimWindow <= 0 {
		opts.ClaimWindow = def.ClaimWindow
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = NewKeyedLocks()
	}
	return &Waitlist{
		Store:    store,
		Detector: detector,
		Locks:    locks,
		Notifier: notifier,
		Audit:    audit,
		Logger:   logger,
		Options:  opts,
		Now:      time.Now,
		NewID:    newUUID,
	}
}

// Add enqueues entry and returns it with its assigned position.
func (w *Waitlist) Add(ctx context.Context, entry WaitlistEntry) (WaitlistEntry, error) {
	if err := validateEntry(entry); err != nil {
		return WaitlistEntry{}, err
	}
	unlock, err := w.Locks.Lock(ctx, entry.ResourceID)
	if err != nil {
		return WaitlistEntry{}, err
	}
	defer unlock()
	return w.addLocked(ctx, entry)
}

func validateEntry(e WaitlistEntry) error {
	v := &ValidationError{}
	if e.ResourceID == "" {
		v.Add("resource_id", "resource is required")
	}
	if e.RequesterID == "" {
		v.Add("requester_id", "requester is required")
	}
	v.Merge(e.Window.Validate())
	if !e.Priority.Valid() {
		v.Add("priority", fmt.Sprintf("unknown priority %d", e.Priority))
	}
	if v.HasErrors() {
		return v
	}
	return nil
}

func (w *Waitlist) addLocked(ctx context.Context, entry WaitlistEntry) (WaitlistEntry, error) {
	bucket, err := w.Store.ListWaitlistByResource(ctx, entry.ResourceID)
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("failed to load waitlist for %s: %w", entry.ResourceID, err)
	}
	var maxKey int64
	for _, e := range bucket {
		if e.SortKey > maxKey {
			maxKey = e.SortKey
		}
		if e.Status.Queued() && e.RequesterID == entry.RequesterID && e.Window.Overlaps(entry.Window) {
			return WaitlistEntry{}, &InvalidStateError{Entity: "waitlist_entry", ID: e.ID, State: string(e.Status),
				Action: "add", Reason: "requester is already waiting for an overlapping window"}
		}
	}

	now := w.Now()
	entry.ID = w.NewID()
	entry.Status = WaitlistWaiting
	entry.SortKey = maxKey + 1
	entry.NotifiedAt, entry.ExpiresAt, entry.ReservationID = nil, nil, ""
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if err := w.Store.SaveWaitlistEntry(ctx, entry); err != nil {
		return WaitlistEntry{}, fmt.Errorf("failed to save waitlist entry: %w", err)
	}
	if err := w.recompute(ctx, entry.ResourceID); err != nil {
		return WaitlistEntry{}, err
	}
	saved, err := w.Store.GetWaitlistEntry(ctx, entry.ID)
	if err != nil {
		return WaitlistEntry{}, err
	}
	w.audit(ctx, saved, "waitlisted", saved.RequesterID, "", string(saved.Status))
	w.Logger.Info("waitlist entry added",
		zap.String("entry_id", saved.ID),
		zap.String("resource_id", saved.ResourceID),
		zap.Int("position", saved.Position),
		zap.Stringer("priority", saved.Priority))
	return saved, nil
}

// Promote offers freed to the best waiting entries that fit inside it.
func (w *Waitlist) Promote(ctx context.Context, resourceID string, freed Window) ([]string, error) {
	if err := freed.Validate(); err != nil {
		return nil, err
	}
	unlock, err := w.Locks.Lock(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return w.promoteLocked(ctx, resourceID, freed)
}

func (w *Waitlist) promoteLocked(ctx context.Context, resourceID string, freed Window) ([]string, error) {
	bucket, err := w.Store.ListWaitlistByResource(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load waitlist for %s: %w", resourceID, err)
	}
	now := w.Now()
	sortEntries(bucket)

	slots := w.Options.FanOut
	for _, e := range bucket {
		if e.Status == WaitlistNotified && e.ExpiresAt != nil && now.Before(*e.ExpiresAt) && e.Window.Overlaps(freed) {
			slots--
		}
	}

	var notified []string
	for _, e := range bucket {
		if slots <= 0 {
			break
		}
		if e.Status != WaitlistWaiting || !freed.Contains(e.Window) || !e.Window.Start.After(now) {
			continue
		}
		avail, err := w.Detector.check(ctx, resourceID, e.Window, false)
		if err != nil {
			if IsNotFound(err) {
				return notified, err
			}
			return notified, fmt.Errorf("failed to check availability for entry %s: %w", e.ID, err)
		}
		if !avail.Available {
			continue
		}

		expires := now.Add(w.Options.ClaimWindow)
		notifiedAt := now
		e.Status = WaitlistNotified
		e.NotifiedAt = &notifiedAt
		e.ExpiresAt = &expires
		e.UpdatedAt = now
		if err := w.Store.SaveWaitlistEntry(ctx, e); err != nil {
			return notified, fmt.Errorf("failed to save waitlist entry: %w", err)
		}
		w.audit(ctx, e, "notified", SystemApproverID, string(WaitlistWaiting), string(e.Status))
		w.Notifier.Notify(ctx, NotificationIntent{
			RecipientID: e.RequesterID,
			Template:    TemplateWaitlistNotified,
			Data: map[string]string{
				"entry_id":    e.ID,
				"resource_id": resourceID,
				"start":       e.Window.Start.Format(time.RFC3339),
				"end":         e.Window.End.Format(time.RFC3339),
				"expires_at":  expires.Format(time.RFC3339),
			},
		})
		notified = append(notified, e.ID)
		slots--
	}

	if len(notified) > 0 {
		w.Logger.Info("waitlist promoted",
			zap.String("resource_id", resourceID),
			zap.Stringer("freed", freed),
			zap.Strings("entries", notified))
	}
	return notified, w.recompute(ctx, resourceID)
}

// Claim converts a notified entry into a reservation.
func (w *Waitlist) Claim(ctx context.Context, entryID, actorID string) (Reservation, error) {
	if w.Reserver == nil {
		return Reservation{}, errors.New("waitlist has no claim reserver")
	}
	entry, unlock, err := w.lockEntry(ctx, entryID)
	if err != nil {
		return Reservation{}, err
	}
	defer unlock()

	if actorID != entry.RequesterID {
		return Reservation{}, &ForbiddenError{ActorID: actorID, Action: "claim", Target: entry.ID}
	}
	now := w.Now()
	switch entry.Status {
	case WaitlistNotified:
		if entry.ExpiresAt != nil && !now.Before(*entry.ExpiresAt) {
			return Reservation{}, &ExpiredError{EntryID: entry.ID, ExpiredAt: *entry.ExpiresAt}
		}
	case WaitlistExpired:
		expired := entry.UpdatedAt
		if entry.ExpiresAt != nil {
			expired = *entry.ExpiresAt
		}
		return Reservation{}, &ExpiredError{EntryID: entry.ID, ExpiredAt: expired}
	default:
		return Reservation{}, &InvalidStateError{Entity: "waitlist_entry", ID: entry.ID, State: string(entry.Status),
			Action: "claim", Reason: "only notified entries can be claimed"}
	}

	res, err := w.Reserver.ReserveClaim(ctx, entry)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			entry.Status = WaitlistWaiting
			entry.NotifiedAt, entry.ExpiresAt = nil, nil
			entry.UpdatedAt = now
			if saveErr := w.Store.SaveWaitlistEntry(ctx, entry); saveErr != nil {
				return Reservation{}, fmt.Errorf("failed to requeue waitlist entry: %w", saveErr)
			}
			w.audit(ctx, entry, "requeued", actorID, string(WaitlistNotified), string(entry.Status))
			if rerr := w.recompute(ctx, entry.ResourceID); rerr != nil {
				return Reservation{}, rerr
			}
		}
		return Reservation{}, err
	}

	entry.Status = WaitlistAssigned
	entry.ReservationID = res.ID
	entry.UpdatedAt = now
	if err := w.Store.SaveWaitlistEntry(ctx, entry); err != nil {
		return Reservation{}, fmt.Errorf("failed to save waitlist entry: %w", err)
	}
	w.audit(ctx, entry, "assigned", actorID, string(WaitlistNotified), string(entry.Status))
	if err := w.recompute(ctx, entry.ResourceID); err != nil {
		return Reservation{}, err
	}
	w.Logger.Info("waitlist entry claimed",
		zap.String("entry_id", entry.ID),
		zap.String("reservation_id", res.ID))
	return res, nil
}

// UpdatePriority moves an entry to another tier and recomputes the bucket.
func (w *Waitlist) UpdatePriority(ctx context.Context, entryID string, p Priority, reason, actorID string) (WaitlistEntry, error) {
	if !p.Valid() {
		return WaitlistEntry{}, invalidArgument("priority", fmt.Sprintf("unknown priority %d", p))
	}
	entry, unlock, err := w.lockEntry(ctx, entryID)
	if err != nil {
		return WaitlistEntry{}, err
	}
	defer unlock()

	if !entry.Status.Queued() {
		return WaitlistEntry{}, &InvalidStateError{Entity: "waitlist_entry", ID: entry.ID, State: string(entry.Status),
			Action: "update priority"}
	}
	before := entry.Priority
	entry.Priority = p
	entry.PriorityReason = reason
	entry.UpdatedAt = w.Now()
	if err := w.Store.SaveWaitlistEntry(ctx, entry); err != nil {
		return WaitlistEntry{}, fmt.Errorf("failed to save waitlist entry: %w", err)
	}
	if err := w.recompute(ctx, entry.ResourceID); err != nil {
		return WaitlistEntry{}, err
	}
	w.audit(ctx, entry, "priority_changed", actorID, before.String(), p.String())
	return w.Store.GetWaitlistEntry(ctx, entry.ID)
}

// Move reorders an entry within its priority tier to the given 1-based position.
func (w *Waitlist) Move(ctx context.Context, entryID string, position int, actorID string) (WaitlistEntry, error) {
	entry, unlock, err := w.lockEntry(ctx, entryID)
	if err != nil {
		return WaitlistEntry{}, err
	}
	defer unlock()

	if !entry.Status.Queued() {
		return WaitlistEntry{}, &InvalidStateError{Entity: "waitlist_entry", ID: entry.ID, State: string(entry.Status),
			Action: "move"}
	}
	queue, err := w.queue(ctx, entry.ResourceID)
	if err != nil {
		return WaitlistEntry{}, err
	}

	first := -1
	var tier []WaitlistEntry
	for i, e := range queue {
		if e.Priority == entry.Priority {
			if first < 0 {
				first = i + 1
			}
			tier = append(tier, e)
		}
	}
	if position < first || position >= first+len(tier) {
		return WaitlistEntry{}, invalidArgument("position",
			fmt.Sprintf("position must be between %d and %d for priority %s", first, first+len(tier)-1, entry.Priority))
	}

	keys := make([]int64, len(tier))
	reordered := make([]WaitlistEntry, 0, len(tier))
	for i, e := range tier {
		keys[i] = e.SortKey
		if e.ID != entry.ID {
			reordered = append(reordered, e)
		}
	}
	at := position - first
	reordered = append(reordered[:at], append([]WaitlistEntry{entry}, reordered[at:]...)...)

	now := w.Now()
	for i := range reordered {
		if reordered[i].SortKey == keys[i] {
			continue
		}
		reordered[i].SortKey = keys[i]
		reordered[i].UpdatedAt = now
		if err := w.Store.SaveWaitlistEntry(ctx, reordered[i]); err != nil {
			return WaitlistEntry{}, fmt.Errorf("failed to save waitlist entry: %w", err)
		}
	}
	if err := w.recompute(ctx, entry.ResourceID); err != nil {
		return WaitlistEntry{}, err
	}
	w.audit(ctx, entry, "moved", actorID, fmt.Sprint(entry.Position), fmt.Sprint(position))
	return w.Store.GetWaitlistEntry(ctx, entry.ID)
}

// Cancel removes an entry from the queue. A notified entry hands its window
// on to the next candidate.
func (w *Waitlist) Cancel(ctx context.Context, entryID, actorID string) (WaitlistEntry, error) {
	entry, unlock, err := w.lockEntry(ctx, entryID)
	if err != nil {
		return WaitlistEntry{}, err
	}
	defer unlock()

	if !entry.Status.Queued() {
		return WaitlistEntry{}, &InvalidStateError{Entity: "waitlist_entry", ID: entry.ID, State: string(entry.Status),
			Action: "cancel"}
	}
	before := entry.Status
	entry.Status = WaitlistCancelled
	entry.UpdatedAt = w.Now()
	if err := w.Store.SaveWaitlistEntry(ctx, entry); err != nil {
		return WaitlistEntry{}, fmt.Errorf("failed to save waitlist entry: %w", err)
	}
	w.audit(ctx, entry, "cancelled", actorID, string(before), string(entry.Status))
	if before == WaitlistNotified {
		if _, err := w.promoteLocked(ctx, entry.ResourceID, entry.Window); err != nil {
			return WaitlistEntry{}, err
		}
	} else if err := w.recompute(ctx, entry.ResourceID); err != nil {
		return WaitlistEntry{}, err
	}
	return w.Store.GetWaitlistEntry(ctx, entry.ID)
}

// Sweep expires lapsed notifications, re-promoting their windows, and
// expires waiting entries whose desired window has already started.
func (w *Waitlist) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := w.Now()

	notified, err := w.Store.ListWaitlistByStatus(ctx, WaitlistNotified)
	if err != nil {
		return result, fmt.Errorf("failed to list notified entries: %w", err)
	}
	waiting, err := w.Store.ListWaitlistByStatus(ctx, WaitlistWaiting)
	if err != nil {
		return result, fmt.Errorf("failed to list waiting entries: %w", err)
	}

	candidates := make(map[string][]string)
	var resources []string
	for _, e := range append(notified, waiting...) {
		overdue := e.Status == WaitlistNotified && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
		stale := !e.Window.Start.After(now)
		if !overdue && !stale {
			continue
		}
		if _, seen := candidates[e.ResourceID]; !seen {
			resources = append(resources, e.ResourceID)
		}
		candidates[e.ResourceID] = append(candidates[e.ResourceID], e.ID)
	}
	sort.Strings(resources)

	for _, resourceID := range resources {
		expired, promoted, err := w.sweepResource(ctx, resourceID, candidates[resourceID], now)
		result.Expired = append(result.Expired, expired...)
		result.Promoted = append(result.Promoted, promoted...)
		if err != nil {
			return result, err
		}
	}
	if len(result.Expired) > 0 {
		w.Logger.Info("waitlist sweep",
			zap.Int("expired", len(result.Expired)),
			zap.Int("promoted", len(result.Promoted)))
	}
	return result, nil
}

func (w *Waitlist) sweepResource(ctx context.Context, resourceID string, ids []string, now time.Time) (expired, promoted []string, err error) {
	unlock, err := w.Locks.Lock(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	var freed []Window
	for _, id := range ids {
		e, err := w.Store.GetWaitlistEntry(ctx, id)
		if err != nil {
			return expired, promoted, err
		}
		overdue := e.Status == WaitlistNotified && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
		stale := e.Status.Queued() && !e.Window.Start.After(now)
		if !overdue && !stale {
			continue
		}
		before := e.Status
		e.Status = WaitlistExpired
		e.UpdatedAt = now
		if err := w.Store.SaveWaitlistEntry(ctx, e); err != nil {
			return expired, promoted, fmt.Errorf("failed to save waitlist entry: %w", err)
		}
		w.audit(ctx, e, "expired", SystemApproverID, string(before), string(e.Status))
		expired = append(expired, e.ID)
		if overdue && !stale {
			freed = append(freed, e.Window)
		}
	}

	for _, win := range freed {
		ids, err := w.promoteLocked(ctx, resourceID, win)
		promoted = append(promoted, ids...)
		if err != nil {
			return expired, promoted, err
		}
	}
	return expired, promoted, w.recompute(ctx, resourceID)
}

func (w *Waitlist) Get(ctx context.Context, entryID string) (WaitlistEntry, error) {
	return w.Store.GetWaitlistEntry(ctx, entryID)
}

// Queue returns the queued entries of a resource in order.
func (w *Waitlist) Queue(ctx context.Context, resourceID string) ([]WaitlistEntry, error) {
	return w.queue(ctx, resourceID)
}

func (w *Waitlist) queue(ctx context.Context, resourceID string) ([]WaitlistEntry, error) {
	bucket, err := w.Store.ListWaitlistByResource(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load waitlist for %s: %w", resourceID, err)
	}
	out := bucket[:0]
	for _, e := range bucket {
		if e.Status.Queued() {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// recompute rewrites positions so queued entries hold 1..K and terminal ones 0.
func (w *Waitlist) recompute(ctx context.Context, resourceID string) error {
	bucket, err := w.Store.ListWaitlistByResource(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("failed to load waitlist for %s: %w", resourceID, err)
	}
	sortEntries(bucket)
	pos := 0
	for _, e := range bucket {
		want := 0
		if e.Status.Queued() {
			pos++
			want = pos
		}
		if e.Position == want {
			continue
		}
		e.Position = want
		if err := w.Store.SaveWaitlistEntry(ctx, e); err != nil {
			return fmt.Errorf("failed to save waitlist position: %w", err)
		}
	}
	return nil
}

// lockEntry loads an entry, locks its resource and reloads it under the lock.
func (w *Waitlist) lockEntry(ctx context.Context, entryID string) (WaitlistEntry, func(), error) {
	e, err := w.Store.GetWaitlistEntry(ctx, entryID)
	if err != nil {
		return WaitlistEntry{}, nil, err
	}
	unlock, err := w.Locks.Lock(ctx, e.ResourceID)
	if err != nil {
		return WaitlistEntry{}, nil, err
	}
	e, err = w.Store.GetWaitlistEntry(ctx, entryID)
	if err != nil {
		unlock()
		return WaitlistEntry{}, nil, err
	}
	return e, unlock, nil
}

func (w *Waitlist) audit(ctx context.Context, e WaitlistEntry, action, actorID, before, after string) {
	recordAudit(ctx, w.Audit, w.Logger, AuditEvent{
		ID:         w.NewID(),
		EntityID:   e.ID,
		EntityType: "waitlist_entry",
		Action:     action,
		ActorID:    actorID,
		Before:     before,
		After:      after,
		Timestamp:  w.Now(),
	})
}
