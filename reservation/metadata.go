package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// ResourceSnapshot is the denormalized, read-only view of a resource the core needs.
// The catalog owns the resource; the core only caches what arrives through events.
type ResourceSnapshot struct {
	ID       string
	Name     string
	Type     string
	Category string
	Location string
	Capacity int
	Active   bool

	// Blackouts are maintenance windows during which nothing may be booked.
	Blackouts []Window

	RequiresApproval bool
	ApprovalFlowID   string

	Version   int64
	UpdatedAt time.Time
}

type ResourceEventKind string

const (
	ResourceUpserted ResourceEventKind = "upsert"
	ResourceDeleted  ResourceEventKind = "delete"
)

// ResourceEvent is delivered by the catalog whenever a resource changes.
type ResourceEvent struct {
	Kind     ResourceEventKind
	Resource ResourceSnapshot
}

// ResourceDirectory is the read side used by the conflict detector and orchestrator.
type ResourceDirectory interface {
	Resource(ctx context.Context, id string) (ResourceSnapshot, error)
	Resources(ctx context.Context) ([]ResourceSnapshot, error)
}

// MetadataCache keeps the latest snapshot per resource id.
// Events with a version lower than the one already applied are ignored.
type MetadataCache struct {
	mu       sync.Mutex
	items    *cache.Cache
	versions map[string]int64 // survives deletes so late upserts stay dropped
}

func NewMetadataCache() *MetadataCache {
	return &MetadataCache{
		items:    cache.New(cache.NoExpiration, 0),
		versions: make(map[string]int64),
	}
}

// Apply folds an event into the cache and reports whether it changed anything.
func (m *MetadataCache) Apply(ev ResourceEvent) (bool, error) {
	id := ev.Resource.ID
	if id == "" {
		return false, invalidArgument("resource.id", "resource id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.versions[id]; ok && ev.Resource.Version < last {
		return false, nil
	}

	switch ev.Kind {
	case ResourceUpserted:
		snap := cloneSnapshot(ev.Resource)
		sort.Slice(snap.Blackouts, func(i, j int) bool {
			return snap.Blackouts[i].Start.Before(snap.Blackouts[j].Start)
		})
		m.items.Set(id, snap, cache.NoExpiration)
	case ResourceDeleted:
		m.items.Delete(id)
	default:
		return false, invalidArgument("kind", "unknown resource event kind "+string(ev.Kind))
	}
	m.versions[id] = ev.Resource.Version
	return true, nil
}

func (m *MetadataCache) Resource(_ context.Context, id string) (ResourceSnapshot, error) {
	v, ok := m.items.Get(id)
	if !ok {
		return ResourceSnapshot{}, notFound("resource", id)
	}
	return cloneSnapshot(v.(ResourceSnapshot)), nil
}

// Resources returns all cached snapshots ordered by id.
func (m *MetadataCache) Resources(_ context.Context) ([]ResourceSnapshot, error) {
	items := m.items.Items()
	out := make([]ResourceSnapshot, 0, len(items))
	for _, item := range items {
		out = append(out, cloneSnapshot(item.Object.(ResourceSnapshot)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MetadataCache) Len() int { return m.items.ItemCount() }

func cloneSnapshot(s ResourceSnapshot) ResourceSnapshot {
	s.Blackouts = append([]Window(nil), s.Blackouts...)
	return s
}
