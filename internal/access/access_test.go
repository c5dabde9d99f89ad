package access

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestStaticPolicy(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		cfg          Config
		user         string
		wantOverride bool
		wantEntitled bool
	}{
		{"open by default", Config{}, "anyone", false, true},
		{"allow-list is case-insensitive", Config{OverrideUsers: []string{" VIP@Example.com "}}, "vip@example.com", true, true},
		{"dev mode overrides everyone", Config{DevMode: true, RequireEntitlement: true}, "anyone", true, true},
		{"entitlement required", Config{RequireEntitlement: true}, "free-user", false, false},
		{"entitled user", Config{RequireEntitlement: true, EntitledUsers: []string{"paid"}}, "paid", false, true},
		{"override implies entitlement", Config{RequireEntitlement: true, OverrideUsers: []string{"vip"}}, "vip", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewStaticPolicy(tt.cfg)
			if got := p.HasOverrideAccess(ctx, tt.user); got != tt.wantOverride {
				t.Errorf("HasOverrideAccess = %v, want %v", got, tt.wantOverride)
			}
			if got := p.IsEntitled(ctx, tt.user); got != tt.wantEntitled {
				t.Errorf("IsEntitled = %v, want %v", got, tt.wantEntitled)
			}
		})
	}
}

type countingPolicy struct {
	calls    atomic.Int32
	entitled bool
}

func (c *countingPolicy) HasOverrideAccess(context.Context, string) bool {
	c.calls.Add(1)
	return false
}

func (c *countingPolicy) IsEntitled(context.Context, string) bool {
	return c.entitled
}

func TestResolver_CachesPerSession(t *testing.T) {
	ctx := context.Background()
	inner := &countingPolicy{entitled: true}
	r := NewResolver(inner, 10, time.Hour)

	for i := 0; i < 5; i++ {
		if !r.IsEntitled(ctx, "u1") {
			t.Fatal("expected entitled")
		}
		r.HasOverrideAccess(ctx, "U1")
	}
	if n := inner.calls.Load(); n != 1 {
		t.Errorf("policy consulted %d times, want 1", n)
	}

	inner.entitled = false
	if !r.IsEntitled(ctx, "u1") {
		t.Error("cached grant should hold until invalidated")
	}

	r.Invalidate("u1")
	if r.IsEntitled(ctx, "u1") {
		t.Error("invalidated session should re-resolve")
	}
	if n := inner.calls.Load(); n != 2 {
		t.Errorf("policy consulted %d times, want 2", n)
	}
}

func TestResolver_Expires(t *testing.T) {
	ctx := context.Background()
	inner := &countingPolicy{entitled: true}
	r := NewResolver(inner, 10, 20*time.Millisecond)

	r.Resolve(ctx, "u1")
	time.Sleep(60 * time.Millisecond)
	r.Resolve(ctx, "u1")

	if n := inner.calls.Load(); n != 2 {
		t.Errorf("policy consulted %d times, want 2 after expiry", n)
	}
}
