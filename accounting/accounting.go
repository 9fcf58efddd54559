// Package accounting is the top-level facade of spec.md §4.8 and §6.1: it
// owns the storage backend's lifecycle, validates and timestamps incoming
// usage records, enforces membership independently of a quota check, and
// wires the optional audit sink, pricing table, token estimator, and
// reservation store around a single track_usage call.
package accounting

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AlfredDev/quota-core/audit"
	"github.com/AlfredDev/quota-core/denialcache"
	"github.com/AlfredDev/quota-core/directory"
	"github.com/AlfredDev/quota-core/evaluator"
	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/metering"
	"github.com/AlfredDev/quota-core/pricing"
	"github.com/AlfredDev/quota-core/quota"
	"github.com/AlfredDev/quota-core/storage"
)

// ValidationError is the error class of spec.md §7 for inputs rejected
// before anything is persisted, such as an empty model. An unknown
// project/user under directory enforcement is reported as
// quota.ErrUnknownMember instead, which is not a *ValidationError.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// ErrEmptyModel is returned by TrackUsage when the model field is blank.
var ErrEmptyModel = &ValidationError{Msg: "accounting: model must not be empty"}

// Accounting is the facade spec.md §6.1 describes as "the accounting
// object": a scoped handle over one storage backend plus the collaborators
// built on top of it.
type Accounting struct {
	backend storage.Backend
	audit   *audit.AsyncLogger

	Quota    *quota.Service
	Projects *directory.Projects
	Users    *directory.Users

	pricing *pricing.Table
	tokens  *metering.TokenEstimator

	// Reservations holds the reserve-then-settle store (SPEC_FULL §3); it
	// is always present, in-process, and independent of the backend.
	Reservations *metering.ReservationStore

	provider string

	enforceProjects bool
	enforceUsers    bool
	denialStore     denialcache.Store

	now func() time.Time
}

// Option configures an Accounting at Open time.
type Option func(*Accounting)

// WithAudit attaches an async audit logger; track_usage enqueues a record
// to it after a successful insert (never before, never blocking on it).
func WithAudit(logger *audit.AsyncLogger) Option {
	return func(a *Accounting) { a.audit = logger }
}

// WithEnforcement turns on project/user membership enforcement, passed
// through to the underlying quota.Service (spec.md §4.4).
func WithEnforcement(projects, users bool) Option {
	return func(a *Accounting) {
		a.enforceProjects = projects
		a.enforceUsers = users
	}
}

// WithDenialStore overrides the quota service's default in-memory denial
// cache, e.g. with a Redis-backed one for multi-process deployments.
func WithDenialStore(store denialcache.Store) Option {
	return func(a *Accounting) { a.denialStore = store }
}

// WithPricing attaches a pricing table so TrackUsage can estimate cost
// when the caller omits it (SPEC_FULL §4.12).
func WithPricing(t *pricing.Table) Option {
	return func(a *Accounting) { a.pricing = t }
}

// WithPricingProvider sets the provider prefix (e.g. "openai") used to
// look a model up in the pricing table. Defaults to "" (bare model name).
func WithPricingProvider(provider string) Option {
	return func(a *Accounting) { a.provider = provider }
}

// WithTokenEstimator attaches a character-based token estimator so callers
// with only raw text can have prompt/completion tokens estimated.
func WithTokenEstimator(te *metering.TokenEstimator) Option {
	return func(a *Accounting) { a.tokens = te }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(a *Accounting) { a.now = now }
}

// Open initializes backend and returns a ready-to-use Accounting. The
// caller must call Close on every exit path (spec.md §9 scoped
// acquisition) — a defer right after a successful Open is the idiomatic
// shape.
func Open(ctx context.Context, backend storage.Backend, opts ...Option) (*Accounting, error) {
	a := &Accounting{
		backend:      backend,
		Reservations: metering.NewReservationStore(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := backend.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("accounting: initialize backend: %w", err)
	}

	qopts := []quota.Option{
		quota.WithEnforcement(a.enforceProjects, a.enforceUsers),
		quota.WithClock(a.now),
	}
	if a.denialStore != nil {
		qopts = append(qopts, quota.WithDenialStore(a.denialStore))
	}
	a.Quota = quota.New(backend, qopts...)
	a.Projects = directory.NewProjects(backend, a.Quota.RefreshProjectsCache)
	a.Users = directory.NewUsers(backend, a.Quota.RefreshUsersCache)

	return a, nil
}

// Close releases the backend and flushes any pending audit entries. It is
// safe to call exactly once, on every exit path out of Open.
func (a *Accounting) Close() error {
	if a.audit != nil {
		a.audit.Close()
	}
	return a.backend.Close()
}

// UsageRecord is the input to TrackUsage (spec.md §6.1 track_usage's
// keyword arguments, gathered into one struct since Go has no kwargs).
// Zero-value fields mean "omitted" except where noted.
type UsageRecord struct {
	Model      string
	Username   string
	CallerName string
	Project    string

	PromptTokens     int
	CompletionTokens int
	// TotalTokens, if zero, defaults to PromptTokens + CompletionTokens.
	TotalTokens int

	// Cost, if zero and a pricing table is attached, is estimated from
	// PromptTokens/CompletionTokens. Pass a pricing table with a Free
	// entry, or omit one entirely, if a model's cost is genuinely 0.
	Cost          float64
	ExecutionTime float64

	// Timestamp, if zero, defaults to now() UTC.
	Timestamp time.Time

	CachedTokens    int
	ReasoningTokens int

	// Prompt and Response are forwarded to the audit sink only; they are
	// never persisted in the accounting entry itself.
	Prompt   string
	Response string
}

// TrackUsage validates, timestamps, enforces membership, and inserts one
// accounting row (spec.md §4.8). It returns ErrEmptyModel (a
// *ValidationError) for an empty model, and quota.ErrUnknownMember for an
// unknown project/user when directory enforcement is on.
func (a *Accounting) TrackUsage(ctx context.Context, rec UsageRecord) error {
	_, err := a.trackUsage(ctx, &rec)
	return err
}

// TrackUsageWithRemainingLimits behaves like TrackUsage but additionally
// reports, for every limit applicable to rec after the insert, how much
// headroom remains in that limit's current window (spec.md §4.8). A
// negative max_value limit reports +Inf; max_value == 0 reports 0.
func (a *Accounting) TrackUsageWithRemainingLimits(ctx context.Context, rec UsageRecord) ([]RemainingLimit, error) {
	return a.trackUsage(ctx, &rec)
}

// RemainingLimit pairs a usage limit with the headroom left in its current
// window immediately after a TrackUsageWithRemainingLimits call.
type RemainingLimit struct {
	Limit     limit.UsageLimit
	Remaining float64
}

func (a *Accounting) trackUsage(ctx context.Context, rec *UsageRecord) ([]RemainingLimit, error) {
	if strings.TrimSpace(rec.Model) == "" {
		return nil, ErrEmptyModel
	}

	req := limit.Request{
		Model:      rec.Model,
		Username:   rec.Username,
		CallerName: rec.CallerName,
		Project:    rec.Project,
	}
	if err := a.Quota.CheckMembership(ctx, req); err != nil {
		return nil, err
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}

	totalTokens := rec.TotalTokens
	if totalTokens == 0 {
		totalTokens = rec.PromptTokens + rec.CompletionTokens
	}

	cost := rec.Cost
	if cost == 0 && a.pricing != nil {
		cost = a.pricing.EstimateCost(a.provider, rec.Model, rec.PromptTokens, rec.CompletionTokens)
	}

	entry := storage.Entry{
		Model:            rec.Model,
		Username:         rec.Username,
		CallerName:       rec.CallerName,
		Project:          rec.Project,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      totalTokens,
		Cost:             cost,
		ExecutionTime:    rec.ExecutionTime,
		Timestamp:        ts,
		CachedTokens:     rec.CachedTokens,
		ReasoningTokens:  rec.ReasoningTokens,
	}
	if err := a.backend.InsertEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("accounting: insert entry: %w", err)
	}

	if a.audit != nil {
		a.audit.Log(audit.Entry{
			Timestamp:  ts,
			Model:      rec.Model,
			Username:   rec.Username,
			CallerName: rec.CallerName,
			Project:    rec.Project,
			Prompt:     rec.Prompt,
			Response:   rec.Response,
		})
	}

	remaining, err := a.remainingLimits(ctx, req, ts)
	if err != nil {
		return nil, err
	}
	return remaining, nil
}

// remainingLimits recomputes headroom for every limit applicable to req,
// against the just-updated usage. It is a read-only pass: it never denies
// or mutates the denial cache, since the row is already committed.
func (a *Accounting) remainingLimits(ctx context.Context, req limit.Request, now time.Time) ([]RemainingLimit, error) {
	limits, err := a.Quota.Limits.Get(ctx)
	if err != nil {
		return nil, err
	}

	var out []RemainingLimit
	for _, l := range limits {
		if !evaluator.Applies(l, req) {
			continue
		}
		if l.MaxValue < 0 {
			out = append(out, RemainingLimit{Limit: l, Remaining: math.Inf(1)})
			continue
		}
		if l.MaxValue == 0 {
			out = append(out, RemainingLimit{Limit: l, Remaining: 0})
			continue
		}
		period := limit.ComputePeriod(now, l.IntervalUnit, l.IntervalValue)
		usage, err := a.backend.AggregateForQuota(ctx, quotaQueryFor(l, period))
		if err != nil {
			return nil, err
		}
		remaining := l.MaxValue - usage
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, RemainingLimit{Limit: l, Remaining: remaining})
	}
	return out, nil
}

// CheckQuota delegates to the underlying quota service (spec.md §4.8).
func (a *Accounting) CheckQuota(ctx context.Context, req limit.Request) (bool, string, error) {
	return a.Quota.CheckQuota(ctx, req)
}

// CheckQuotaEnhanced delegates to the underlying quota service, also
// reporting retry_after (spec.md §4.8).
func (a *Accounting) CheckQuotaEnhanced(ctx context.Context, req limit.Request) (bool, string, int, error) {
	return a.Quota.CheckQuotaEnhanced(ctx, req)
}

// Tail returns the n most recent accounting entries.
func (a *Accounting) Tail(ctx context.Context, n int) ([]storage.Entry, error) {
	return a.backend.Tail(ctx, n)
}

// Purge deletes every accounting entry and every usage limit (spec.md §4.1
// purge), then invalidates the cached limit list.
func (a *Accounting) Purge(ctx context.Context) error {
	if err := a.backend.Purge(ctx); err != nil {
		return err
	}
	a.Quota.RefreshLimitsCache()
	return nil
}

// PeriodStats aggregates accounting entries over [start, end).
func (a *Accounting) PeriodStats(ctx context.Context, start, end time.Time) (storage.PeriodStats, error) {
	return a.backend.PeriodStats(ctx, start, end)
}

// ModelStats aggregates accounting entries over [start, end), broken down
// per model.
func (a *Accounting) ModelStats(ctx context.Context, start, end time.Time) ([]storage.ModelStats, error) {
	return a.backend.ModelStats(ctx, start, end)
}

// SetUsageLimit delegates to the underlying quota service.
func (a *Accounting) SetUsageLimit(ctx context.Context, l limit.UsageLimit) (int64, error) {
	return a.Quota.SetUsageLimit(ctx, l)
}

// DeleteUsageLimit delegates to the underlying quota service.
func (a *Accounting) DeleteUsageLimit(ctx context.Context, id int64) error {
	return a.Quota.DeleteUsageLimit(ctx, id)
}

// GetUsageLimits delegates to the underlying quota service.
func (a *Accounting) GetUsageLimits(ctx context.Context, f storage.LimitFilter) ([]limit.UsageLimit, error) {
	return a.Quota.GetUsageLimits(ctx, f)
}

// ReserveUsage opens a provisional hold for a request whose final
// token/cost figures are not yet known (SPEC_FULL §3 reserve-then-settle
// flow), e.g. a streaming completion admitted before the response is
// complete. It does not touch accounting storage or quota state.
func (a *Accounting) ReserveUsage(id string, req limit.Request, estimatedCost float64, estimatedTokens int) *metering.Reservation {
	return a.Reservations.Reserve(id, req.Model, req.Username, req.CallerName, req.Project, estimatedCost, estimatedTokens)
}

// SettleUsage finalizes a reservation with the actual cost and output token
// count and records one accounting row for it: cost is actualCost,
// completion tokens are outputTokens, and total tokens are the reservation's
// estimated token count plus outputTokens. The estimated cost is not stored.
func (a *Accounting) SettleUsage(ctx context.Context, id string, actualCost float64, outputTokens int) error {
	r, err := a.Reservations.Settle(id, actualCost, outputTokens)
	if err != nil {
		return err
	}
	return a.TrackUsage(ctx, UsageRecord{
		Model:            r.Model,
		Username:         r.Username,
		CallerName:       r.CallerName,
		Project:          r.Project,
		CompletionTokens: outputTokens,
		TotalTokens:      r.EstimatedTokens + outputTokens,
		Cost:             actualCost,
	})
}

// RefundUsage cancels a reservation without ever recording an accounting
// row for it (e.g. the upstream call failed).
func (a *Accounting) RefundUsage(id string) error {
	_, err := a.Reservations.Refund(id)
	return err
}

// EstimateTokens estimates a token count from raw text via the attached
// estimator. It returns 0, false if no estimator was configured.
func (a *Accounting) EstimateTokens(text string) (int, bool) {
	if a.tokens == nil {
		return 0, false
	}
	return a.tokens.EstimateTokens(text), true
}

// quotaQueryFor builds the aggregation-driver query for one limit's window,
// deferring the dimensional-filter derivation to evaluator.QuotaFilters so
// this facade and the evaluator can never diverge on what "applies" means.
func quotaQueryFor(l limit.UsageLimit, period limit.Period) storage.QuotaQuery {
	model, username, caller, project, filterProjectNull := evaluator.QuotaFilters(l)
	return storage.QuotaQuery{
		Start:             period.Start,
		End:               period.End,
		Rolling:           period.Rolling,
		LimitType:         l.LimitType,
		Model:             model,
		Username:          username,
		CallerName:        caller,
		Project:           project,
		FilterProjectNull: filterProjectNull,
	}
}
