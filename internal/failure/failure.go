// Package failure adapts a profile to negative feedback.
//
// Ignoring an intervention is a stronger negative signal than dismissing
// it, so ignores escalate and withdraw sooner. Engagement is not a failure:
// it decays both counters toward zero.
package failure

import (
	"fmt"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/policy"
)

// Kind is a failure input
type Kind string

const (
	UserIgnored   Kind = "USER_IGNORED"
	UserDismissed Kind = "USER_DISMISSED"
)

// KindFor maps a user response to a failure kind. Engaged is not a failure.
func KindFor(r core.Response) (Kind, bool) {
	switch r {
	case core.ResponseIgnored:
		return UserIgnored, true
	case core.ResponseDismissed:
		return UserDismissed, true
	}
	return "", false
}

// Action is what the handler decided
type Action string

const (
	ActionRecord   Action = "record"   // counted, no escalation yet
	ActionEscalate Action = "escalate" // cooldown lengthened
	ActionWithdraw Action = "withdraw" // extended suppression
)

// Response describes how the engine should react to a failure
type Response struct {
	Kind             Kind        `json:"kind"`
	Action           Action      `json:"action"`
	InWindow         int         `json:"in_window"` // failures of this kind inside the rolling window
	Ignored          int         `json:"ignored"`
	Dismissed        int         `json:"dismissed"`
	RecentIgnores    []time.Time `json:"recent_ignores,omitempty"`
	RecentDismissals []time.Time `json:"recent_dismissals,omitempty"`
	CooldownEndsAt   *time.Time  `json:"cooldown_ends_at,omitempty"`
	WithdrawalEndsAt *time.Time  `json:"withdrawal_ends_at,omitempty"`
}

// Update is the slice of the profile owned by the failure handler
type Update struct {
	UserState        core.UserState
	CooldownEndsAt   *time.Time
	WithdrawalEndsAt *time.Time
	Ignored          int
	Dismissed        int
	RecentIgnores    []time.Time
	RecentDismissals []time.Time
}

// Handler applies the failure rules of a policy
type Handler struct {
	policy policy.Policy
}

// NewHandler creates a failure handler
func NewHandler(p policy.Policy) *Handler {
	return &Handler{policy: p}
}

// HandleFailure evaluates a failure against the profile without mutating it
func (h *Handler) HandleFailure(kind Kind, p *core.Profile, now time.Time) (Response, error) {
	from := now.Add(-h.policy.FailureWindow.D())
	resp := Response{
		Kind:             kind,
		Action:           ActionRecord,
		Ignored:          p.IgnoredInterventions,
		Dismissed:        p.DismissedCount,
		RecentIgnores:    prune(p.RecentIgnores, from),
		RecentDismissals: prune(p.RecentDismissals, from),
		CooldownEndsAt:   p.CooldownEndsAt,
		WithdrawalEndsAt: p.WithdrawalEndsAt,
	}

	var escalateAt, withdrawAt int
	switch kind {
	case UserIgnored:
		resp.Ignored++
		resp.RecentIgnores = append(resp.RecentIgnores, now)
		resp.InWindow = len(resp.RecentIgnores)
		escalateAt, withdrawAt = h.policy.EscalateAfterIgnores, h.policy.WithdrawAfterIgnores
	case UserDismissed:
		resp.Dismissed++
		resp.RecentDismissals = append(resp.RecentDismissals, now)
		resp.InWindow = len(resp.RecentDismissals)
		escalateAt, withdrawAt = h.policy.EscalateAfterDismissals, h.policy.WithdrawAfterDismissals
	default:
		return resp, fmt.Errorf("%w: failure kind %q", core.ErrInvalidInput, kind)
	}

	switch {
	case resp.InWindow >= withdrawAt:
		resp.Action = ActionWithdraw
		ends := now.Add(h.policy.WithdrawalDuration.D())
		if p.WithdrawalEndsAt != nil && p.WithdrawalEndsAt.After(ends) {
			ends = *p.WithdrawalEndsAt
		}
		resp.WithdrawalEndsAt = &ends
		resp.CooldownEndsAt = nil
	case resp.InWindow >= escalateAt:
		resp.Action = ActionEscalate
		ends := now.Add(h.policy.CooldownFor(resp.Ignored, resp.Dismissed))
		if p.CooldownEndsAt != nil && p.CooldownEndsAt.After(ends) {
			ends = *p.CooldownEndsAt
		}
		resp.CooldownEndsAt = &ends
	}
	return resp, nil
}

// CalculateNewState turns a failure response into a profile update
func (h *Handler) CalculateNewState(p *core.Profile, resp Response) Update {
	u := Update{
		UserState:        p.UserState,
		CooldownEndsAt:   resp.CooldownEndsAt,
		WithdrawalEndsAt: resp.WithdrawalEndsAt,
		Ignored:          resp.Ignored,
		Dismissed:        resp.Dismissed,
		RecentIgnores:    resp.RecentIgnores,
		RecentDismissals: resp.RecentDismissals,
	}
	switch resp.Action {
	case ActionWithdraw:
		u.UserState = core.StateWithdrawn
	case ActionEscalate:
		if p.UserState != core.StateWithdrawn {
			u.UserState = core.StateCooldown
		}
	}
	return u
}

// Reinforce is the engaged path: both counters decay and the rolling
// windows clear, so future interventions are easier to trigger.
func (h *Handler) Reinforce(p *core.Profile) Update {
	return Update{
		UserState:        p.UserState,
		CooldownEndsAt:   p.CooldownEndsAt,
		WithdrawalEndsAt: p.WithdrawalEndsAt,
		Ignored:          int(float64(p.IgnoredInterventions) * h.policy.EngagedDecay),
		Dismissed:        int(float64(p.DismissedCount) * h.policy.EngagedDecay),
	}
}

// Apply writes the update into p
func (u Update) Apply(p *core.Profile, now time.Time) {
	if u.UserState != p.UserState {
		p.StateChangedAt = now
	}
	p.UserState = u.UserState
	if u.UserState != core.StateActive {
		p.ActiveBehavior = core.BehaviorNone
		p.ActiveBehaviorIntensity = 0
	}
	p.CooldownEndsAt = u.CooldownEndsAt
	p.WithdrawalEndsAt = u.WithdrawalEndsAt
	p.IgnoredInterventions = u.Ignored
	p.DismissedCount = u.Dismissed
	p.RecentIgnores = u.RecentIgnores
	p.RecentDismissals = u.RecentDismissals
}

func prune(ts []time.Time, from time.Time) []time.Time {
	var out []time.Time
	for _, t := range ts {
		if !t.Before(from) {
			out = append(out, t)
		}
	}
	return out
}
