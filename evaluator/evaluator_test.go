package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/storage"
)

// fakeAggregator returns a fixed usage value for every query, recording how
// many times it was called.
type fakeAggregator struct {
	usage float64
	calls int
}

func (f *fakeAggregator) AggregateForQuota(ctx context.Context, q storage.QuotaQuery) (float64, error) {
	f.calls++
	return f.usage, nil
}

func ptr(s string) *string { return &s }

func TestEvaluateGlobalDeny(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	limits := []limit.UsageLimit{
		{Scope: limit.ScopeGlobal, LimitType: limit.TypeRequests, MaxValue: 5, IntervalUnit: limit.UnitMinute, IntervalValue: 1},
	}
	agg := &fakeAggregator{usage: 5}
	req := limit.Request{Model: "gpt-4"}

	dec, err := Evaluate(context.Background(), agg, limits, req, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected denial")
	}
	want := "GLOBAL limit: 5.00 requests per 1 minute exceeded. Current usage: 5.00, request: 1.00."
	if dec.Reason != want {
		t.Errorf("reason = %q, want %q", dec.Reason, want)
	}
}

func TestEvaluateWildcardDenyWithConcreteOverride(t *testing.T) {
	now := time.Now().UTC()
	limits := []limit.UsageLimit{
		{Scope: limit.ScopeModel, LimitType: limit.TypeRequests, MaxValue: 0, IntervalUnit: limit.UnitDay, IntervalValue: 1, Model: ptr(limit.Wildcard)},
		{Scope: limit.ScopeModel, LimitType: limit.TypeRequests, MaxValue: -1, IntervalUnit: limit.UnitDay, IntervalValue: 1, Model: ptr("gpt-4")},
	}
	agg := &fakeAggregator{usage: 0}

	dec, err := Evaluate(context.Background(), agg, limits, limit.Request{Model: "gpt-4"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatalf("expected gpt-4 to be admitted via override, got denial: %s", dec.Reason)
	}

	dec, err = Evaluate(context.Background(), agg, limits, limit.Request{Model: "gpt-3"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatalf("expected gpt-3 to be denied by the wildcard")
	}
	if dec.Reason == "" || dec.Reason[:4] != "MODE" {
		t.Errorf("unexpected reason: %q", dec.Reason)
	}
}

func TestEvaluateAccountWidePrecedence(t *testing.T) {
	now := time.Now().UTC()
	limits := []limit.UsageLimit{
		{Scope: limit.ScopeUser, LimitType: limit.TypeRequests, MaxValue: 4, IntervalUnit: limit.UnitMinute, IntervalValue: 1, Username: ptr("alice")},
		{Scope: limit.ScopeUser, LimitType: limit.TypeRequests, MaxValue: 10, IntervalUnit: limit.UnitMinute, IntervalValue: 1, Username: ptr("alice"), Model: ptr("model_a")},
	}
	agg := &fakeAggregator{usage: 4}

	dec, err := Evaluate(context.Background(), agg, limits, limit.Request{Model: "model_c", Username: "alice"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatalf("expected account-wide USER limit to deny model_c")
	}
}

func TestEvaluateOrderModelBeforeGlobal(t *testing.T) {
	now := time.Now().UTC()
	limits := []limit.UsageLimit{
		{Scope: limit.ScopeGlobal, LimitType: limit.TypeRequests, MaxValue: 100, IntervalUnit: limit.UnitMinute, IntervalValue: 1},
		{Scope: limit.ScopeModel, LimitType: limit.TypeRequests, MaxValue: 1, IntervalUnit: limit.UnitMinute, IntervalValue: 1, Model: ptr("gpt-4")},
	}
	agg := &fakeAggregator{usage: 1}

	dec, err := Evaluate(context.Background(), agg, limits, limit.Request{Model: "gpt-4"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatalf("expected denial")
	}
	if dec.Reason[:5] != "MODEL" {
		t.Errorf("expected MODEL-scope denial to win over GLOBAL, got %q", dec.Reason)
	}
}

func TestEvaluateAllowsWhenNoLimitsApply(t *testing.T) {
	agg := &fakeAggregator{usage: 0}
	dec, err := Evaluate(context.Background(), agg, nil, limit.Request{Model: "gpt-4"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allow with no limits")
	}
	if agg.calls != 0 {
		t.Errorf("expected no aggregation calls, got %d", agg.calls)
	}
}

func TestEvaluateCallerScopeSplitsOnUsername(t *testing.T) {
	now := time.Now().UTC()
	limits := []limit.UsageLimit{
		{Scope: limit.ScopeCaller, LimitType: limit.TypeRequests, MaxValue: 2, IntervalUnit: limit.UnitMinute, IntervalValue: 1, CallerName: ptr("app")},
	}
	agg := &fakeAggregator{usage: 2}

	dec, err := Evaluate(context.Background(), agg, limits, limit.Request{CallerName: "app"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatalf("expected denial")
	}
	want := "CALLER (caller: app) limit: 2.00 requests per 1 minute exceeded. Current usage: 2.00, request: 1.00."
	if dec.Reason != want {
		t.Errorf("reason = %q, want %q", dec.Reason, want)
	}
}
