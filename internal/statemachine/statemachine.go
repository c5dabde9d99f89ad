// Package statemachine governs the behavioral state of a profile:
// OBSERVING, ACTIVE, COOLDOWN and WITHDRAWN.
//
// The machine only ever exits WITHDRAWN. Entering it is the failure
// handler's job.
package statemachine

import (
	"fmt"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/policy"
)

// Event is a transition input
type Event string

const (
	EventTransaction           Event = "TRANSACTION"
	EventInterventionDelivered Event = "INTERVENTION_DELIVERED"
)

// Transition is the outcome of evaluating an event against a profile
type Transition struct {
	PreviousState    core.UserState `json:"previous_state"`
	NewState         core.UserState `json:"new_state"`
	ActiveBehavior   core.Behavior  `json:"active_behavior,omitempty"`
	Intensity        float64        `json:"intensity"`
	CooldownEndsAt   *time.Time     `json:"cooldown_ends_at,omitempty"`
	WithdrawalEndsAt *time.Time     `json:"withdrawal_ends_at,omitempty"`
	Expired          bool           `json:"expired,omitempty"` // a timer lapsed during this evaluation
}

// Changed reports whether the state moved
func (t Transition) Changed() bool {
	return t.PreviousState != t.NewState
}

// Machine evaluates transitions under a policy
type Machine struct {
	policy policy.Policy
}

// New creates a state machine
func New(p policy.Policy) *Machine {
	return &Machine{policy: p}
}

// EvaluateTransition computes the transition for event without mutating p.
// Confidences are read from p, so the caller updates them first.
func (m *Machine) EvaluateTransition(p *core.Profile, event Event, now time.Time) (Transition, error) {
	t := Transition{
		PreviousState:    p.UserState,
		NewState:         p.UserState,
		ActiveBehavior:   p.ActiveBehavior,
		Intensity:        p.ActiveBehaviorIntensity,
		CooldownEndsAt:   p.CooldownEndsAt,
		WithdrawalEndsAt: p.WithdrawalEndsAt,
	}

	switch event {
	case EventTransaction:
		return m.onTransaction(p, t, now)
	case EventInterventionDelivered:
		if p.UserState != core.StateActive {
			return t, fmt.Errorf("%w: %s from %s", core.ErrInvalidTransition, event, p.UserState)
		}
		ends := now.Add(m.policy.CooldownFor(p.IgnoredInterventions, p.DismissedCount))
		t.NewState = core.StateCooldown
		t.ActiveBehavior = core.BehaviorNone
		t.Intensity = 0
		t.CooldownEndsAt = &ends
		return t, nil
	}
	return t, fmt.Errorf("%w: unknown event %q", core.ErrInvalidTransition, event)
}

func (m *Machine) onTransaction(p *core.Profile, t Transition, now time.Time) (Transition, error) {
	state := p.UserState

	switch state {
	case core.StateCooldown:
		if !timerRunning(p.CooldownEndsAt, now) {
			state = core.StateObserving
			t.CooldownEndsAt = nil
			t.Expired = true
		}
	case core.StateWithdrawn:
		if !timerRunning(p.WithdrawalEndsAt, now) {
			state = core.StateObserving
			t.WithdrawalEndsAt = nil
			t.CooldownEndsAt = nil
			t.Expired = true
		}
	case core.StateActive:
		// Drop back when the active behavior has faded.
		if !p.ActiveBehavior.Valid() || p.Confidence.Get(p.ActiveBehavior) <= m.policy.ActivationThreshold.Get(p.ActiveBehavior) {
			state = core.StateObserving
		} else {
			t.Intensity = p.Confidence.Get(p.ActiveBehavior)
		}
	case core.StateObserving:
	default:
		return t, fmt.Errorf("%w: %q", core.ErrUnknownState, state)
	}

	if state != core.StateObserving {
		t.NewState = state
		return t, nil
	}

	t.NewState = core.StateObserving
	t.ActiveBehavior = core.BehaviorNone
	t.Intensity = 0

	if b, conf, ok := m.strongest(p.Confidence); ok {
		t.NewState = core.StateActive
		t.ActiveBehavior = b
		t.Intensity = conf
	}
	return t, nil
}

// strongest returns the behavior whose confidence exceeds its threshold by
// the highest confidence. Ties keep the canonical behavior order.
func (m *Machine) strongest(scores core.Scores) (core.Behavior, float64, bool) {
	best := core.BehaviorNone
	bestConf := 0.0
	for _, b := range core.AllBehaviors() {
		c := scores.Get(b)
		if c <= m.policy.ActivationThreshold.Get(b) {
			continue
		}
		if best == core.BehaviorNone || c > bestConf {
			best, bestConf = b, c
		}
	}
	return best, bestConf, best != core.BehaviorNone
}

// Apply writes the transition into the profile
func Apply(p *core.Profile, t Transition, now time.Time) {
	if t.Changed() {
		p.StateChangedAt = now
	}
	p.UserState = t.NewState
	p.ActiveBehavior = t.ActiveBehavior
	p.ActiveBehaviorIntensity = t.Intensity
	p.CooldownEndsAt = t.CooldownEndsAt
	p.WithdrawalEndsAt = t.WithdrawalEndsAt
	if t.NewState != core.StateActive {
		p.ActiveBehavior = core.BehaviorNone
		p.ActiveBehaviorIntensity = 0
	}
}

func timerRunning(ends *time.Time, now time.Time) bool {
	return ends != nil && ends.After(now)
}
