/*
Package directory answers who holds which roles and who may do what.

PURPOSE:
  The reservation core never owns identity. It asks two questions:
    rolesOf(userId)                          -> RoleResolver
    hasCapability(userId, action, resourceId) -> CapabilityChecker
  Static answers both from configuration. CachedRoles puts a TTL cache in
  front of any RoleResolver so approval decisions do not hit the identity
  source on every step.

GRANTS:
  Capabilities are granted to roles, globally or per resource. The action
  "*" grants every action.

    grants:
      admin: ["*"]
      staff: [reserve, check_in]
    resource_grants:
      lab-1:
        lab_manager: [administer, cancel_any]

SEE ALSO:
  - reservation/store.go: RoleResolver and CapabilityChecker
  - config/config.go: DirectoryConfig
*/
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/warp/reservation-engine/reservation"
)

const wildcard = "*"

// Static is an in-memory directory built from configuration.
type Static struct {
	mu             sync.RWMutex
	roles          map[string][]string                   // user -> roles
	grants         map[string]map[string]bool            // role -> actions
	resourceGrants map[string]map[string]map[string]bool // resource -> role -> actions
}

// NewStatic creates a directory from user roles and role grants.
func NewStatic(users map[string][]string, grants map[string][]string, resourceGrants map[string]map[string][]string) *Static {
	d := &Static{
		roles:          make(map[string][]string, len(users)),
		grants:         make(map[string]map[string]bool, len(grants)),
		resourceGrants: make(map[string]map[string]map[string]bool, len(resourceGrants)),
	}
	for user, roles := range users {
		d.roles[user] = append([]string(nil), roles...)
	}
	for role, actions := range grants {
		d.grants[role] = toSet(actions)
	}
	for resourceID, byRole := range resourceGrants {
		m := make(map[string]map[string]bool, len(byRole))
		for role, actions := range byRole {
			m[role] = toSet(actions)
		}
		d.resourceGrants[resourceID] = m
	}
	return d
}

// RolesOf returns the roles of a user. Unknown users have no roles.
func (d *Static) RolesOf(_ context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.roles[userID]...), nil
}

// HasCapability reports whether any role of userID grants action,
// globally or on resourceID.
func (d *Static) HasCapability(_ context.Context, userID string, action reservation.Action, resourceID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, role := range d.roles[userID] {
		if allows(d.grants[role], action) {
			return true, nil
		}
		if byRole, ok := d.resourceGrants[resourceID]; ok && allows(byRole[role], action) {
			return true, nil
		}
	}
	return false, nil
}

// UsersWithRole returns the holders of a role, sorted.
func (d *Static) UsersWithRole(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var users []string
	for user, roles := range d.roles {
		for _, r := range roles {
			if r == role {
				users = append(users, user)
				break
			}
		}
	}
	sort.Strings(users)
	return users, nil
}

// SetRoles replaces the roles of a user.
func (d *Static) SetRoles(userID string, roles []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[userID] = append([]string(nil), roles...)
}

func allows(actions map[string]bool, action reservation.Action) bool {
	return actions[wildcard] || actions[string(action)]
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// =============================================================================
// CACHED ROLE RESOLVER
// =============================================================================

// CachedRoles memoizes RolesOf answers for a fixed TTL.
type CachedRoles struct {
	next  reservation.RoleResolver
	items *cache.Cache
}

func NewCachedRoles(next reservation.RoleResolver, ttl time.Duration) *CachedRoles {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedRoles{next: next, items: cache.New(ttl, 2*ttl)}
}

func (c *CachedRoles) RolesOf(ctx context.Context, userID string) ([]string, error) {
	if v, ok := c.items.Get(userID); ok {
		return append([]string(nil), v.([]string)...), nil
	}
	roles, err := c.next.RolesOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles of %s: %w", userID, err)
	}
	c.items.SetDefault(userID, append([]string(nil), roles...))
	return append([]string(nil), roles...), nil
}

// Invalidate drops the cached roles of a user.
func (c *CachedRoles) Invalidate(userID string) {
	c.items.Delete(userID)
}
