package accounting

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/pricing"
	"github.com/AlfredDev/quota-core/storage"
)

func newTestPricingTable(t *testing.T) *pricing.Table {
	t.Helper()
	table := pricing.Default()
	table.Set("test/test-model", pricing.ModelPrice{InputPer1M: 2.0, OutputPer1M: 4.0})
	return table
}

// fakeBackend is a minimal in-memory storage.Backend for exercising the
// facade without a real database.
type fakeBackend struct {
	entries  []storage.Entry
	limits   []limit.UsageLimit
	nextID   int64
	projects map[string]storage.Project
	users    map[string]storage.User
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		projects: map[string]storage.Project{},
		users:    map[string]storage.User{},
	}
}

func (b *fakeBackend) Initialize(ctx context.Context) error { return nil }
func (b *fakeBackend) Close() error                          { return nil }

func (b *fakeBackend) InsertEntry(ctx context.Context, e storage.Entry) error {
	b.entries = append(b.entries, e)
	return nil
}

func (b *fakeBackend) Tail(ctx context.Context, n int) ([]storage.Entry, error) {
	if n >= len(b.entries) {
		return b.entries, nil
	}
	return b.entries[len(b.entries)-n:], nil
}

func (b *fakeBackend) Purge(ctx context.Context) error {
	b.entries = nil
	return nil
}

func (b *fakeBackend) PeriodStats(ctx context.Context, start, end time.Time) (storage.PeriodStats, error) {
	return storage.PeriodStats{}, nil
}

func (b *fakeBackend) ModelStats(ctx context.Context, start, end time.Time) ([]storage.ModelStats, error) {
	return nil, nil
}

func (b *fakeBackend) AggregateForQuota(ctx context.Context, q storage.QuotaQuery) (float64, error) {
	var total float64
	for _, e := range b.entries {
		if q.Model != nil && e.Model != *q.Model {
			continue
		}
		if q.Username != nil && e.Username != *q.Username {
			continue
		}
		if e.Timestamp.Before(q.Start) {
			continue
		}
		total += limit.RequestValue(q.LimitType, limit.Request{Model: e.Model, Username: e.Username})
	}
	return total, nil
}

func (b *fakeBackend) OldestEntryInWindow(ctx context.Context, q storage.QuotaQuery) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (b *fakeBackend) InsertUsageLimit(ctx context.Context, l limit.UsageLimit) (int64, error) {
	b.nextID++
	l.ID = b.nextID
	b.limits = append(b.limits, l)
	return l.ID, nil
}

func (b *fakeBackend) DeleteUsageLimit(ctx context.Context, id int64) error {
	out := b.limits[:0]
	for _, l := range b.limits {
		if l.ID != id {
			out = append(out, l)
		}
	}
	b.limits = out
	return nil
}

func (b *fakeBackend) GetUsageLimits(ctx context.Context, f storage.LimitFilter) ([]limit.UsageLimit, error) {
	return b.limits, nil
}

func (b *fakeBackend) CreateProject(ctx context.Context, name string) error {
	b.projects[name] = storage.Project{Name: name, Enabled: true}
	return nil
}

func (b *fakeBackend) ListProjects(ctx context.Context) ([]storage.Project, error) {
	var out []storage.Project
	for _, p := range b.projects {
		out = append(out, p)
	}
	return out, nil
}

func (b *fakeBackend) SetProjectActive(ctx context.Context, name string, active bool) error {
	p := b.projects[name]
	p.Enabled = active
	b.projects[name] = p
	return nil
}

func (b *fakeBackend) DeleteProject(ctx context.Context, name string) error {
	delete(b.projects, name)
	return nil
}

func (b *fakeBackend) CreateUser(ctx context.Context, name, ouName, email string) error {
	b.users[name] = storage.User{Name: name, OUName: ouName, Email: email, Enabled: true}
	return nil
}

func (b *fakeBackend) ListUsers(ctx context.Context) ([]storage.User, error) {
	var out []storage.User
	for _, u := range b.users {
		out = append(out, u)
	}
	return out, nil
}

func (b *fakeBackend) SetUserActive(ctx context.Context, name string, active bool) error {
	u := b.users[name]
	u.Enabled = active
	b.users[name] = u
	return nil
}

func (b *fakeBackend) DeleteUser(ctx context.Context, name string) error {
	delete(b.users, name)
	return nil
}

func ptr(s string) *string { return &s }

func TestTrackUsageRejectsEmptyModel(t *testing.T) {
	backend := newFakeBackend()
	a, err := Open(context.Background(), backend)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	err = a.TrackUsage(context.Background(), UsageRecord{Model: "  "})
	if err != ErrEmptyModel {
		t.Fatalf("got %v, want ErrEmptyModel", err)
	}
}

func TestTrackUsageDefaultsTimestampAndTotalTokens(t *testing.T) {
	backend := newFakeBackend()
	a, err := Open(context.Background(), backend)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if err := a.TrackUsage(context.Background(), UsageRecord{Model: "gpt-4", PromptTokens: 10, CompletionTokens: 5}); err != nil {
		t.Fatal(err)
	}
	if len(backend.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(backend.entries))
	}
	e := backend.entries[0]
	if e.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", e.TotalTokens)
	}
	if e.Timestamp.IsZero() {
		t.Errorf("expected a default timestamp to be set")
	}
}

func TestTrackUsageEnforcesMembership(t *testing.T) {
	backend := newFakeBackend()
	a, err := Open(context.Background(), backend, WithEnforcement(true, false))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	err = a.TrackUsage(context.Background(), UsageRecord{Model: "gpt-4", Project: "unknown-project"})
	if err == nil {
		t.Fatal("expected membership error for unknown project")
	}

	if err := a.Projects.Create(context.Background(), "known-project"); err != nil {
		t.Fatal(err)
	}
	if err := a.TrackUsage(context.Background(), UsageRecord{Model: "gpt-4", Project: "known-project"}); err != nil {
		t.Fatalf("expected known project to be accepted: %v", err)
	}
}

func TestTrackUsageEstimatesCostFromPricing(t *testing.T) {
	backend := newFakeBackend()
	table := newTestPricingTable(t)
	a, err := Open(context.Background(), backend, WithPricing(table), WithPricingProvider("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if err := a.TrackUsage(context.Background(), UsageRecord{Model: "test-model", PromptTokens: 1_000_000, CompletionTokens: 0}); err != nil {
		t.Fatal(err)
	}
	if backend.entries[0].Cost != 2.0 {
		t.Errorf("Cost = %v, want 2.0", backend.entries[0].Cost)
	}
}

func TestTrackUsageWithRemainingLimitsReportsHeadroomAndOverride(t *testing.T) {
	backend := newFakeBackend()
	a, err := Open(context.Background(), backend)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.SetUsageLimit(context.Background(), limit.UsageLimit{
		Scope: limit.ScopeGlobal, LimitType: limit.TypeRequests,
		MaxValue: 3, IntervalUnit: limit.UnitMinute, IntervalValue: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SetUsageLimit(context.Background(), limit.UsageLimit{
		Scope: limit.ScopeUser, LimitType: limit.TypeRequests,
		MaxValue: -1, IntervalUnit: limit.UnitDay, IntervalValue: 1, Username: ptr("alice"),
	}); err != nil {
		t.Fatal(err)
	}

	remaining, err := a.TrackUsageWithRemainingLimits(context.Background(), UsageRecord{Model: "gpt-4", Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 applicable limits, got %d", len(remaining))
	}
	for _, r := range remaining {
		switch r.Limit.Scope {
		case limit.ScopeGlobal:
			if r.Remaining != 2 {
				t.Errorf("global remaining = %v, want 2", r.Remaining)
			}
		case limit.ScopeUser:
			if !math.IsInf(r.Remaining, 1) {
				t.Errorf("user remaining = %v, want +Inf for an unlimited override", r.Remaining)
			}
		}
	}
}

func TestReserveSettleTracksUsageOnlyOnSettle(t *testing.T) {
	backend := newFakeBackend()
	a, err := Open(context.Background(), backend)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	req := limit.Request{Model: "gpt-4", Username: "alice"}
	a.ReserveUsage("res-1", req, 0.01, 100)
	if len(backend.entries) != 0 {
		t.Fatalf("reservation must not write an accounting row")
	}

	if err := a.SettleUsage(context.Background(), "res-1", 0.02, 42); err != nil {
		t.Fatal(err)
	}
	if len(backend.entries) != 1 {
		t.Fatalf("settle must write exactly one accounting row")
	}
	if backend.entries[0].CompletionTokens != 42 {
		t.Errorf("CompletionTokens = %d, want 42", backend.entries[0].CompletionTokens)
	}
}

func TestRefundUsageNeverWritesAnEntry(t *testing.T) {
	backend := newFakeBackend()
	a, err := Open(context.Background(), backend)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	a.ReserveUsage("res-2", limit.Request{Model: "gpt-4"}, 0.01, 100)
	if err := a.RefundUsage("res-2"); err != nil {
		t.Fatal(err)
	}
	if len(backend.entries) != 0 {
		t.Fatalf("refund must not write an accounting row")
	}
}
