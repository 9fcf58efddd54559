// Package quota is the service facade of spec.md §4.7: it consults the
// membership caches (when enforcement is enabled), the denial cache, and
// the evaluator, in that order, and keeps the limit/membership caches
// synchronized with every mutation that flows through it.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/AlfredDev/quota-core/cache"
	"github.com/AlfredDev/quota-core/denialcache"
	"github.com/AlfredDev/quota-core/evaluator"
	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/storage"
)

// ErrUnknownMember is a ValidationError-class error (spec.md §7
// MembershipDenied) returned when name enforcement is on and a project or
// user name is not in the directory.
var ErrUnknownMember = errors.New("quota: unknown project or user")

// Service is the quota service facade (spec.md §4.7).
type Service struct {
	backend storage.Backend

	Limits   *cache.Limits
	Projects *cache.Membership
	Users    *cache.Membership
	Denials  denialcache.Store

	enforceProjectNames bool
	enforceUserNames    bool

	now func() time.Time
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithDenialStore overrides the default in-memory denial cache, e.g. with
// a Redis-backed one for multi-process deployments.
func WithDenialStore(store denialcache.Store) Option {
	return func(s *Service) { s.Denials = store }
}

// WithEnforcement turns on project/user membership enforcement (spec.md
// §4.4): a check or track call against an unknown name fails before
// reaching the evaluator.
func WithEnforcement(projects, users bool) Option {
	return func(s *Service) {
		s.enforceProjectNames = projects
		s.enforceUserNames = users
	}
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service reading limits and membership through backend.
func New(backend storage.Backend, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		Denials: denialcache.NewMemory(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.Limits = cache.NewLimits(func(ctx context.Context) ([]limit.UsageLimit, error) {
		return backend.GetUsageLimits(ctx, storage.LimitFilter{})
	})
	s.Projects = cache.NewMembership(cache.ProjectLoader(backend))
	s.Users = cache.NewMembership(cache.UserLoader(backend))

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckQuota delegates to CheckQuotaEnhanced and discards retry_after
// (spec.md §4.7).
func (s *Service) CheckQuota(ctx context.Context, req limit.Request) (bool, string, error) {
	allowed, reason, _, err := s.CheckQuotaEnhanced(ctx, req)
	return allowed, reason, err
}

// CheckQuotaEnhanced is the full admission check: membership validation,
// denial cache, evaluator, denial cache update (spec.md §4.7).
func (s *Service) CheckQuotaEnhanced(ctx context.Context, req limit.Request) (allowed bool, reason string, retryAfter int, err error) {
	if err := s.CheckMembership(ctx, req); err != nil {
		return false, "", 0, err
	}

	now := s.now()
	key := denialcache.Key{Model: req.Model, Username: req.Username, CallerName: req.CallerName, Project: req.Project}

	if entry, ok := s.Denials.Get(key, now); ok {
		return false, entry.Reason, limit.RetryAfterSeconds(now, entry.ResetInstant), nil
	}

	limits, err := s.Limits.Get(ctx)
	if err != nil {
		return false, "", 0, err
	}

	dec, err := evaluator.Evaluate(ctx, s.backend, limits, req, now)
	if err != nil {
		return false, "", 0, err
	}

	if !dec.Allowed {
		s.Denials.Set(key, denialcache.Entry{Reason: dec.Reason, ResetInstant: dec.ResetInstant})
		return false, dec.Reason, dec.RetryAfter, nil
	}

	s.Denials.Evict(key)
	return true, "", 0, nil
}

// CheckMembership enforces the project/user directory when enabled
// (spec.md §4.4, §7 MembershipDenied). track_usage consults this directly
// (independent of a quota check) before inserting an accounting row.
func (s *Service) CheckMembership(ctx context.Context, req limit.Request) error {
	if s.enforceProjectNames && req.Project != "" {
		ok, err := s.Projects.Contains(ctx, req.Project)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownMember
		}
	}
	if s.enforceUserNames && req.Username != "" {
		ok, err := s.Users.Contains(ctx, req.Username)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownMember
		}
	}
	return nil
}

// SetUsageLimit inserts a limit through the backend and refreshes the
// limits cache (spec.md §4.7).
func (s *Service) SetUsageLimit(ctx context.Context, l limit.UsageLimit) (int64, error) {
	id, err := s.backend.InsertUsageLimit(ctx, l)
	if err != nil {
		return 0, err
	}
	s.Limits.Invalidate()
	return id, nil
}

// DeleteUsageLimit removes a limit by id and refreshes the limits cache.
func (s *Service) DeleteUsageLimit(ctx context.Context, id int64) error {
	if err := s.backend.DeleteUsageLimit(ctx, id); err != nil {
		return err
	}
	s.Limits.Invalidate()
	return nil
}

// GetUsageLimits passes a filter straight through to the backend; listing
// does not go through the cache since callers typically want a narrowed
// view (e.g. the CLI), not the full set.
func (s *Service) GetUsageLimits(ctx context.Context, f storage.LimitFilter) ([]limit.UsageLimit, error) {
	return s.backend.GetUsageLimits(ctx, f)
}

// RefreshLimitsCache forces the next check to reload the full limit list
// from storage (spec.md §6.1 quota_service.refresh_limits_cache()).
func (s *Service) RefreshLimitsCache() {
	s.Limits.Invalidate()
}

// RefreshProjectsCache forces the next membership check to reload known
// projects from storage.
func (s *Service) RefreshProjectsCache() {
	s.Projects.Invalidate()
}

// RefreshUsersCache forces the next membership check to reload known
// users from storage.
func (s *Service) RefreshUsersCache() {
	s.Users.Invalidate()
}

// CreateProject creates a project through the backend and refreshes the
// project membership cache.
func (s *Service) CreateProject(ctx context.Context, name string) error {
	if err := s.backend.CreateProject(ctx, name); err != nil {
		return err
	}
	s.RefreshProjectsCache()
	return nil
}

// CreateUser creates a user through the backend and refreshes the user
// membership cache.
func (s *Service) CreateUser(ctx context.Context, name, ouName, email string) error {
	if err := s.backend.CreateUser(ctx, name, ouName, email); err != nil {
		return err
	}
	s.RefreshUsersCache()
	return nil
}
