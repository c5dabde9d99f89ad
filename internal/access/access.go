// Package access decides who may receive interventions.
//
// Override access (an allow-list, or dev mode) and entitlement are resolved
// once per session and cached, instead of being re-checked at every call site.
package access

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/quantumlife/spendcoach/internal/logging"
	"github.com/quantumlife/spendcoach/internal/policy"
)

// Policy answers access questions for a user
type Policy interface {
	HasOverrideAccess(ctx context.Context, userID string) bool
	IsEntitled(ctx context.Context, userID string) bool
}

// Config configures the static policy.
// With RequireEntitlement false every user is entitled; otherwise only
// overrides and EntitledUsers are.
type Config struct {
	DevMode            bool            `json:"dev_mode" yaml:"dev_mode"`
	OverrideUsers      []string        `json:"override_users" yaml:"override_users"`
	RequireEntitlement bool            `json:"require_entitlement" yaml:"require_entitlement"`
	EntitledUsers      []string        `json:"entitled_users" yaml:"entitled_users"`
	SessionCacheSize   int             `json:"session_cache_size" yaml:"session_cache_size"`
	SessionTTL         policy.Duration `json:"session_ttl" yaml:"session_ttl"`
}

// StaticPolicy is a config-driven Policy
type StaticPolicy struct {
	devMode    bool
	override   map[string]bool
	requireEnt bool
	entitled   map[string]bool
}

// NewStaticPolicy builds a policy from config. User ids are compared
// case-insensitively.
func NewStaticPolicy(cfg Config) *StaticPolicy {
	return &StaticPolicy{
		devMode:    cfg.DevMode,
		override:   toSet(cfg.OverrideUsers),
		requireEnt: cfg.RequireEntitlement,
		entitled:   toSet(cfg.EntitledUsers),
	}
}

// HasOverrideAccess implements Policy
func (p *StaticPolicy) HasOverrideAccess(_ context.Context, userID string) bool {
	return p.devMode || p.override[normalize(userID)]
}

// IsEntitled implements Policy
func (p *StaticPolicy) IsEntitled(ctx context.Context, userID string) bool {
	if !p.requireEnt || p.HasOverrideAccess(ctx, userID) {
		return true
	}
	return p.entitled[normalize(userID)]
}

// Grant is a resolved access decision
type Grant struct {
	Override bool
	Entitled bool
}

// Resolver caches grants per user for the session TTL
type Resolver struct {
	policy Policy
	cache  *expirable.LRU[string, Grant]
	logger *logging.Logger
}

// NewResolver wraps a policy with a session cache
func NewResolver(p Policy, size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Resolver{
		policy: p,
		cache:  expirable.NewLRU[string, Grant](size, nil, ttl),
		logger: logging.WithField("component", "access"),
	}
}

// Resolve returns the grant for a user, consulting the policy at most once
// per session
func (r *Resolver) Resolve(ctx context.Context, userID string) Grant {
	key := normalize(userID)
	if g, ok := r.cache.Get(key); ok {
		return g
	}
	g := Grant{
		Override: r.policy.HasOverrideAccess(ctx, userID),
		Entitled: r.policy.IsEntitled(ctx, userID),
	}
	r.cache.Add(key, g)
	if g.Override {
		r.logger.Debug("override access granted for %s", userID)
	}
	return g
}

// HasOverrideAccess reports the cached override decision
func (r *Resolver) HasOverrideAccess(ctx context.Context, userID string) bool {
	return r.Resolve(ctx, userID).Override
}

// IsEntitled reports the cached entitlement decision
func (r *Resolver) IsEntitled(ctx context.Context, userID string) bool {
	return r.Resolve(ctx, userID).Entitled
}

// Invalidate drops the cached grant, ending the user's session
func (r *Resolver) Invalidate(userID string) {
	r.cache.Remove(normalize(userID))
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if n := normalize(id); n != "" {
			set[n] = true
		}
	}
	return set
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
