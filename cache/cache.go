// Package cache holds the two process-local caches the quota service
// consults on every check: the full limits list and, when name
// enforcement is on, the known project/user membership sets (spec.md
// §4.4). Both are populated lazily and invalidated synchronously by the
// mutation that changes their backing data; there is no cross-process
// invalidation — operators restart or call the refresh methods.
package cache

import (
	"context"
	"sync"

	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/storage"
)

// LimitsLoader fetches the full limit set from storage; normally
// storage.Backend.GetUsageLimits with a zero-value (unfiltered) filter.
type LimitsLoader func(ctx context.Context) ([]limit.UsageLimit, error)

// Limits is a lazily-populated, explicitly-invalidated cache of the
// complete usage-limit list.
type Limits struct {
	mu     sync.RWMutex
	loaded bool
	items  []limit.UsageLimit
	load   LimitsLoader
}

// NewLimits returns a cache that calls load to populate itself on first
// use or after an invalidation.
func NewLimits(load LimitsLoader) *Limits {
	return &Limits{load: load}
}

// Get returns the cached limit list, loading it first if necessary.
func (c *Limits) Get(ctx context.Context) ([]limit.UsageLimit, error) {
	c.mu.RLock()
	if c.loaded {
		items := c.items
		c.mu.RUnlock()
		return items, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.items, nil
	}
	items, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	c.items = items
	c.loaded = true
	return c.items, nil
}

// Invalidate forces the next Get to reload from storage. Call this after
// any limit insert or delete goes through the backend.
func (c *Limits) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.items = nil
}

// MembershipLoader fetches the current set of enabled names (projects or
// users) from storage.
type MembershipLoader func(ctx context.Context) (map[string]bool, error)

// Membership is a lazily-populated set of known, enabled names used to
// fast-fail a request against an unknown project or user (spec.md §4.4).
// One instance backs the project directory, a separate instance backs
// the user directory.
type Membership struct {
	mu     sync.RWMutex
	loaded bool
	names  map[string]bool
	load   MembershipLoader
}

// NewMembership returns a membership cache using load to populate itself.
func NewMembership(load MembershipLoader) *Membership {
	return &Membership{load: load}
}

// Contains reports whether name is a known, enabled member, loading the
// set first if necessary.
func (c *Membership) Contains(ctx context.Context, name string) (bool, error) {
	c.mu.RLock()
	if c.loaded {
		ok := c.names[name]
		c.mu.RUnlock()
		return ok, nil
	}
	c.mu.RUnlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names[name], nil
}

func (c *Membership) ensureLoaded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	names, err := c.load(ctx)
	if err != nil {
		return err
	}
	c.names = names
	c.loaded = true
	return nil
}

// Invalidate forces the next Contains to reload from storage. Call this
// after any project or user create/enable/disable/delete.
func (c *Membership) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.names = nil
}

// ProjectLoader adapts a storage backend's project listing to a
// MembershipLoader, keeping only enabled projects.
func ProjectLoader(backend storage.Backend) MembershipLoader {
	return func(ctx context.Context) (map[string]bool, error) {
		projects, err := backend.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		names := make(map[string]bool, len(projects))
		for _, p := range projects {
			if p.Enabled {
				names[p.Name] = true
			}
		}
		return names, nil
	}
}

// UserLoader adapts a storage backend's user listing to a
// MembershipLoader, keeping only enabled users.
func UserLoader(backend storage.Backend) MembershipLoader {
	return func(ctx context.Context) (map[string]bool, error) {
		users, err := backend.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		names := make(map[string]bool, len(users))
		for _, u := range users {
			if u.Enabled {
				names[u.Name] = true
			}
		}
		return names, nil
	}
}
