package cache

import (
	"context"
	"testing"

	"github.com/AlfredDev/quota-core/limit"
)

func TestLimitsLazyLoadAndCache(t *testing.T) {
	calls := 0
	c := NewLimits(func(ctx context.Context) ([]limit.UsageLimit, error) {
		calls++
		return []limit.UsageLimit{{ID: 1}}, nil
	})

	for i := 0; i < 3; i++ {
		items, err := c.Get(context.Background())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("Get returned %d items, want 1", len(items))
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1 (cached)", calls)
	}
}

func TestLimitsInvalidateForcesReload(t *testing.T) {
	calls := 0
	c := NewLimits(func(ctx context.Context) ([]limit.UsageLimit, error) {
		calls++
		return nil, nil
	})

	c.Get(context.Background())
	c.Invalidate()
	c.Get(context.Background())

	if calls != 2 {
		t.Errorf("loader called %d times after invalidate, want 2", calls)
	}
}

func TestMembershipContains(t *testing.T) {
	c := NewMembership(func(ctx context.Context) (map[string]bool, error) {
		return map[string]bool{"alice": true}, nil
	})

	ok, err := c.Contains(context.Background(), "alice")
	if err != nil || !ok {
		t.Errorf("Contains(alice) = %v, %v, want true, nil", ok, err)
	}
	ok, err = c.Contains(context.Background(), "bob")
	if err != nil || ok {
		t.Errorf("Contains(bob) = %v, %v, want false, nil", ok, err)
	}
}

func TestMembershipInvalidate(t *testing.T) {
	allowed := map[string]bool{"alice": true}
	c := NewMembership(func(ctx context.Context) (map[string]bool, error) {
		out := make(map[string]bool, len(allowed))
		for k, v := range allowed {
			out[k] = v
		}
		return out, nil
	})

	c.Contains(context.Background(), "alice")
	allowed["bob"] = true
	c.Invalidate()

	ok, _ := c.Contains(context.Background(), "bob")
	if !ok {
		t.Error("Contains(bob) = false after invalidate + membership change, want true")
	}
}
