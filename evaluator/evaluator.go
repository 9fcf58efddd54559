// Package evaluator is the heart of the quota engine (spec.md §4.6): given
// a request and the full cached limit list, it selects applicable limits in
// a fixed scope order, asks the aggregation driver for current usage per
// (limit, window), applies the override rule, and on denial builds a
// human-readable reason and retry-after.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/storage"
)

// Aggregator is the subset of storage.Backend the evaluator needs to
// compute current usage for one limit's window.
type Aggregator interface {
	AggregateForQuota(ctx context.Context, q storage.QuotaQuery) (float64, error)
}

// Decision is the result of evaluating one request against the full limit
// set.
type Decision struct {
	Allowed      bool
	Reason       string
	RetryAfter   int
	ResetInstant time.Time
}

// category is one of the six fixed scope-ordering buckets of spec.md §4.6
// step 1. Two buckets both draw from limit.ScopeCaller, distinguished by
// whether the limit's Username filter is nil.
type category int

const (
	categoryModel category = iota
	categoryProject
	categoryGlobal
	categoryUser
	categoryCallerNoUser
	categoryCallerWithUser
)

// categorize buckets l per spec.md §4.6 step 1, or reports that l belongs
// to no category (an unrecognized scope).
func categorize(l limit.UsageLimit) (category, bool) {
	switch l.Scope {
	case limit.ScopeModel:
		return categoryModel, true
	case limit.ScopeProject:
		return categoryProject, true
	case limit.ScopeGlobal:
		return categoryGlobal, true
	case limit.ScopeUser:
		return categoryUser, true
	case limit.ScopeCaller:
		if l.Username == nil {
			return categoryCallerNoUser, true
		}
		return categoryCallerWithUser, true
	default:
		return 0, false
	}
}

// matchesField reports whether a limit's optional dimensional field
// applies to the request's corresponding value, per spec.md §4.6 step 2:
// nil means unconstrained, Wildcard matches anything, otherwise exact
// equality is required.
func matchesField(field *string, reqValue string) bool {
	if field == nil {
		return true
	}
	if *field == limit.Wildcard {
		return true
	}
	return *field == reqValue
}

// Applies reports whether l constrains req, per spec.md §4.6 step 2.
// GLOBAL-scope limits always apply. PROJECT-scope limits with a nil
// ProjectName apply only when the request itself has no project. This is
// the single canonical applicability check — callers outside this package
// (the accounting facade's remaining-limits computation, in particular)
// must call this rather than re-deriving the same rule, since the
// GLOBAL-scope bypass above is easy to drop by accident.
func Applies(l limit.UsageLimit, req limit.Request) bool {
	if l.Scope == limit.ScopeGlobal {
		return true
	}
	if l.Scope == limit.ScopeProject && l.ProjectName == nil {
		return req.Project == ""
	}
	return matchesField(l.Model, req.Model) &&
		matchesField(l.Username, req.Username) &&
		matchesField(l.CallerName, req.CallerName) &&
		matchesField(l.ProjectName, req.Project)
}

// isWildcardOverEverything reports whether every dimensional field l sets
// is the wildcard sentinel (or unset) — i.e. l carries no concrete
// specificity of its own. Used by the override rule (spec.md §4.6 step 3):
// a negative-max limit only overrides a deny-all if it is *not* itself a
// wildcard over everything.
func isWildcardOverEverything(l limit.UsageLimit) bool {
	concrete := func(f *string) bool { return f != nil && *f != limit.Wildcard }
	return !concrete(l.Model) && !concrete(l.Username) && !concrete(l.CallerName) && !concrete(l.ProjectName)
}

// QuotaFilters derives the aggregation-driver filter set from a limit's own
// dimensional fields (spec.md §4.6 step 4): a wildcard collapses to "no
// predicate", a concrete value becomes an equality predicate, and
// PROJECT-scope nil becomes FilterProjectNull. Canonical: any caller that
// needs to build a storage.QuotaQuery from a limit (the accounting facade's
// remaining-limits computation included) should call this rather than
// hand-rolling the same derivation.
func QuotaFilters(l limit.UsageLimit) (model, username, caller *string, project *string, filterProjectNull bool) {
	asFilter := func(f *string) *string {
		if f == nil || *f == limit.Wildcard {
			return nil
		}
		return f
	}
	model = asFilter(l.Model)
	username = asFilter(l.Username)
	caller = asFilter(l.CallerName)
	if l.Scope == limit.ScopeProject && l.ProjectName == nil {
		return model, username, caller, nil, true
	}
	project = asFilter(l.ProjectName)
	return model, username, caller, project, false
}

// scopePrefix renders the human-readable scope tag used in denial reasons.
func scopePrefix(s limit.Scope) string {
	switch s {
	case limit.ScopeGlobal:
		return "GLOBAL"
	case limit.ScopeModel:
		return "MODEL"
	case limit.ScopeUser:
		return "USER"
	case limit.ScopeCaller:
		return "CALLER"
	case limit.ScopeProject:
		return "PROJECT"
	default:
		return string(s)
	}
}

// dimensionDetails renders the parenthetical dimension list for a denial
// reason, e.g. "user: alice", "user: alice, caller: app", "no project".
func dimensionDetails(l limit.UsageLimit) string {
	var parts []string
	add := func(label string, f *string) {
		if f != nil && *f != limit.Wildcard {
			parts = append(parts, fmt.Sprintf("%s: %s", label, *f))
		}
	}
	add("model", l.Model)
	add("user", l.Username)
	add("caller", l.CallerName)
	if l.Scope == limit.ScopeProject && l.ProjectName == nil {
		parts = append(parts, "no project")
	} else {
		add("project", l.ProjectName)
	}
	return join(parts)
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// reason renders the denial sentence of spec.md §4.6 step 5.
func reason(l limit.UsageLimit, currentUsage, requestValue float64) string {
	prefix := scopePrefix(l.Scope)
	details := dimensionDetails(l)
	intervalWord := string(l.IntervalUnit)

	head := prefix
	if details != "" {
		head = fmt.Sprintf("%s (%s)", prefix, details)
	}

	return fmt.Sprintf(
		"%s limit: %.2f %s per %d %s exceeded. Current usage: %.2f, request: %.2f.",
		head, l.MaxValue, string(l.LimitType), l.IntervalValue, intervalWord, currentUsage, requestValue,
	)
}

// Evaluate runs the full decision procedure of spec.md §4.6 against the
// given request, consulting agg for current usage and now for period math.
// limits is the complete limit list (the quota service passes its whole
// cached list); Evaluate performs its own categorization and applicability
// filtering internally.
func Evaluate(ctx context.Context, agg Aggregator, limits []limit.UsageLimit, req limit.Request, now time.Time) (Decision, error) {
	byCategory := map[category][]limit.UsageLimit{}
	for _, l := range limits {
		cat, ok := categorize(l)
		if !ok {
			continue
		}
		if !Applies(l, req) {
			continue
		}
		byCategory[cat] = append(byCategory[cat], l)
	}

	order := []category{categoryModel, categoryProject, categoryGlobal, categoryUser, categoryCallerNoUser, categoryCallerWithUser}
	for _, cat := range order {
		group := byCategory[cat]
		if len(group) == 0 {
			continue
		}

		// Within a category, group applicable limits by limit_type so the
		// override rule (step 3) can compare deny-all wildcards against
		// concrete allow rules of the same type. typeOrder preserves the
		// order each type was first seen so evaluation stays deterministic
		// across runs (a plain map would iterate in random order).
		var typeOrder []limit.Type
		byType := map[limit.Type][]limit.UsageLimit{}
		for _, l := range group {
			if _, seen := byType[l.LimitType]; !seen {
				typeOrder = append(typeOrder, l.LimitType)
			}
			byType[l.LimitType] = append(byType[l.LimitType], l)
		}

		for _, t := range typeOrder {
			decision, denied, err := evaluateGroup(ctx, agg, byType[t], req, now)
			if err != nil {
				return Decision{}, err
			}
			if denied {
				return decision, nil
			}
		}
	}

	return Decision{Allowed: true}, nil
}

// evaluateGroup evaluates all applicable limits of one (category,
// limit_type) pair, applying the override rule (step 3) before falling
// through to per-limit window/usage/projection (step 4).
func evaluateGroup(ctx context.Context, agg Aggregator, group []limit.UsageLimit, req limit.Request, now time.Time) (Decision, bool, error) {
	// Step 3: override rule. A negative-max limit with concrete
	// specificity suppresses a wildcard deny-all of the same (scope,
	// limit_type); if both match with equal specificity the allow wins.
	var hasOverride bool
	for _, l := range group {
		if l.MaxValue < 0 && !isWildcardOverEverything(l) {
			hasOverride = true
			break
		}
	}
	if hasOverride {
		return Decision{}, false, nil
	}

	for _, l := range group {
		if l.MaxValue < 0 {
			continue // unlimited, never itself a source of denial
		}

		period := limit.ComputePeriod(now, l.IntervalUnit, l.IntervalValue)
		model, username, caller, project, filterProjectNull := QuotaFilters(l)

		usage, err := agg.AggregateForQuota(ctx, storage.QuotaQuery{
			Start:             period.Start,
			End:               period.End,
			Rolling:           period.Rolling,
			LimitType:         l.LimitType,
			Model:             model,
			Username:          username,
			CallerName:        caller,
			Project:           project,
			FilterProjectNull: filterProjectNull,
		})
		if err != nil {
			return Decision{}, false, err
		}

		requestValue := limit.RequestValue(l.LimitType, req)
		if usage+requestValue > l.MaxValue {
			reset := limit.ResetInstant(period)
			return Decision{
				Allowed:      false,
				Reason:       reason(l, usage, requestValue),
				RetryAfter:   limit.RetryAfterSeconds(now, reset),
				ResetInstant: reset,
			}, true, nil
		}
	}

	return Decision{}, false, nil
}
