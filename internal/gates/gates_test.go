package gates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/policy"
	"github.com/quantumlife/spendcoach/internal/statemachine"
)

// Wednesday afternoon, outside default quiet hours
var now = time.Date(2026, 4, 15, 15, 0, 0, 0, time.UTC)

var stressMoment = core.StressPurchaseMoment{Category: "shopping", Amount: 90, Hour: 15, Burst: 3}

func activeProfile(b core.Behavior, intensity float64) *core.Profile {
	p := core.NewProfile("u1", now.Add(-time.Hour))
	p.UserState = core.StateActive
	p.ActiveBehavior = b
	p.ActiveBehaviorIntensity = intensity
	p.Confidence = p.Confidence.Set(b, intensity)
	return p
}

func passingInput() Input {
	return Input{
		Profile:  activeProfile(core.BehaviorStressSpending, 0.9),
		Moment:   stressMoment,
		Entitled: true,
		Now:      now,
	}
}

func TestMakeDecision_Pass(t *testing.T) {
	d := New(policy.Default()).MakeDecision(passingInput())

	assert.True(t, d.ShouldIntervene)
	assert.Equal(t, core.BehaviorStressSpending, d.Behavior)
	assert.Equal(t, core.InterventionAlternative, d.InterventionType)
	assert.Equal(t, 0.9, d.Confidence)
	assert.Equal(t, ReasonPassed, d.Reason)
	assert.Empty(t, d.BlockedBy)
}

// An observing profile whose stress confidence crosses threshold becomes
// active on the transaction pass and then clears every gate.
func TestMakeDecision_ObservingToIntervention(t *testing.T) {
	pol := policy.Default()
	p := core.NewProfile("u1", now.Add(-time.Hour))
	p.Confidence = core.Scores{StressSpending: 0.9}

	tr, err := statemachine.New(pol).EvaluateTransition(p, statemachine.EventTransaction, now)
	require.NoError(t, err)
	statemachine.Apply(p, tr, now)

	d := New(pol).MakeDecision(Input{Profile: p, Moment: stressMoment, Entitled: true, Now: now})
	assert.True(t, d.ShouldIntervene)
	assert.Equal(t, core.BehaviorStressSpending, d.Behavior)
}

func TestMakeDecision_BlockedBy(t *testing.T) {
	tests := []struct {
		name      string
		policy    func(p *policy.Policy)
		mutate    func(in *Input)
		blockedBy string
		reason    string
	}{
		{
			name:      "feature disabled",
			policy:    func(p *policy.Policy) { p.InterventionEnabled = false },
			blockedBy: GateEntitlement,
			reason:    ReasonDisabled,
		},
		{
			name:      "not entitled",
			mutate:    func(in *Input) { in.Entitled = false },
			blockedBy: GateEntitlement,
			reason:    ReasonNotEntitled,
		},
		{
			name: "observing",
			mutate: func(in *Input) {
				in.Profile = core.NewProfile("u1", now)
			},
			blockedBy: GateState,
			reason:    ReasonNotActive,
		},
		{
			name: "withdrawn",
			mutate: func(in *Input) {
				in.Profile.UserState = core.StateWithdrawn
				in.Profile.ActiveBehavior = core.BehaviorNone
				in.Profile.WithdrawalEndsAt = core.TimePtr(now.Add(7 * 24 * time.Hour))
			},
			blockedBy: GateState,
			reason:    ReasonWithdrawn,
		},
		{
			name: "cooldown running",
			mutate: func(in *Input) {
				in.Profile.UserState = core.StateCooldown
				in.Profile.ActiveBehavior = core.BehaviorNone
				in.Profile.CooldownEndsAt = core.TimePtr(now.Add(time.Hour))
			},
			blockedBy: GateCooldown,
			reason:    ReasonCooldownRunning,
		},
		{
			name: "cooldown expired but not re-evaluated",
			mutate: func(in *Input) {
				in.Profile.UserState = core.StateCooldown
				in.Profile.CooldownEndsAt = core.TimePtr(now.Add(-time.Hour))
			},
			blockedBy: GateState,
			reason:    ReasonNotActive,
		},
		{
			name: "stale cooldown timer on active profile",
			mutate: func(in *Input) {
				in.Profile.CooldownEndsAt = core.TimePtr(now.Add(time.Minute))
			},
			blockedBy: GateCooldown,
			reason:    ReasonCooldownRunning,
		},
		{
			name: "intensity at minimum",
			mutate: func(in *Input) {
				in.Profile.ActiveBehaviorIntensity = 0.7
			},
			blockedBy: GateConfidence,
			reason:    ReasonLowIntensity,
		},
		{
			name: "daily cap",
			mutate: func(in *Input) {
				in.Profile.InterventionsToday = 1
				in.Profile.InterventionsThisWeek = 1
				in.Profile.DayWindowStart = now.Add(-2 * time.Hour)
				in.Profile.WeekWindowStart = now.Add(-2 * time.Hour)
			},
			blockedBy: GateFrequency,
			reason:    ReasonDailyCap,
		},
		{
			name: "weekly cap",
			mutate: func(in *Input) {
				in.Profile.InterventionsThisWeek = 3
				in.Profile.WeekWindowStart = now.Add(-48 * time.Hour)
			},
			blockedBy: GateFrequency,
			reason:    ReasonWeeklyCap,
		},
		{
			name: "same behavior and type recently",
			mutate: func(in *Input) {
				in.RecentInterventions = []core.InterventionRecord{{
					Behavior:         core.BehaviorStressSpending,
					InterventionType: core.InterventionAlternative,
					DeliveredAt:      now.Add(-24 * time.Hour),
				}}
			},
			blockedBy: GateRepetition,
			reason:    ReasonRecentlyRepeated,
		},
		{
			name:      "no moment",
			mutate:    func(in *Input) { in.Moment = nil },
			blockedBy: GateMoment,
			reason:    ReasonNoMoment,
		},
		{
			name:      "moment for another behavior",
			mutate:    func(in *Input) { in.Moment = core.MonthEndMoment{DaysUntilMonthEnd: 2} },
			blockedBy: GateMoment,
			reason:    ReasonMomentMismatch,
		},
		{
			name:      "quiet hours",
			mutate:    func(in *Input) { in.Now = time.Date(2026, 4, 15, 23, 30, 0, 0, time.UTC) },
			blockedBy: GateQuietHours,
			reason:    ReasonQuietHours,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := policy.Default()
			if tt.policy != nil {
				tt.policy(&pol)
			}
			in := passingInput()
			if tt.mutate != nil {
				tt.mutate(&in)
			}

			d := New(pol).MakeDecision(in)
			assert.False(t, d.ShouldIntervene)
			assert.Equal(t, tt.blockedBy, d.BlockedBy)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestMakeDecision_RepetitionIgnoresOtherTypesAndOldRecords(t *testing.T) {
	in := passingInput()
	in.RecentInterventions = []core.InterventionRecord{
		{Behavior: core.BehaviorStressSpending, InterventionType: core.InterventionAwareness, DeliveredAt: now.Add(-time.Hour)},
		{Behavior: core.BehaviorSmallRecurring, InterventionType: core.InterventionAlternative, DeliveredAt: now.Add(-time.Hour)},
		{Behavior: core.BehaviorStressSpending, InterventionType: core.InterventionAlternative, DeliveredAt: now.Add(-80 * time.Hour)},
	}

	d := New(policy.Default()).MakeDecision(in)
	assert.True(t, d.ShouldIntervene, "blocked by %s", d.BlockedBy)
}

func TestMakeDecision_CountersRollOver(t *testing.T) {
	in := passingInput()
	in.Profile.InterventionsToday = 1
	in.Profile.InterventionsThisWeek = 3
	in.Profile.DayWindowStart = now.Add(-8 * 24 * time.Hour)
	in.Profile.WeekWindowStart = now.Add(-8 * 24 * time.Hour)

	d := New(policy.Default()).MakeDecision(in)
	assert.True(t, d.ShouldIntervene, "blocked by %s", d.BlockedBy)
}

// Several gates fail at once; the first in order must always be reported.
func TestMakeDecision_Deterministic(t *testing.T) {
	pl := New(policy.Default())
	in := passingInput()
	in.Profile.UserState = core.StateCooldown
	in.Profile.ActiveBehavior = core.BehaviorNone
	in.Profile.CooldownEndsAt = core.TimePtr(now.Add(time.Hour))
	in.Profile.InterventionsToday = 5
	in.Moment = nil
	in.Now = time.Date(2026, 4, 15, 23, 0, 0, 0, time.UTC)

	first := pl.MakeDecision(in)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, pl.MakeDecision(in))
	}
	assert.Equal(t, GateCooldown, first.BlockedBy)
}

type denyGate struct{}

func (denyGate) Name() string       { return "safety" }
func (denyGate) Check(Input) string { return "unsafe_context" }

func TestPipeline_ContextGates(t *testing.T) {
	pol := policy.Default()
	pl := New(pol, denyGate{})

	assert.Equal(t, []string{
		GateEntitlement, GateState, GateCooldown, GateConfidence,
		GateFrequency, GateRepetition, GateMoment, GateQuietHours, "safety",
	}, pl.GateNames())

	d := pl.MakeDecision(passingInput())
	assert.Equal(t, "safety", d.BlockedBy)
	assert.Equal(t, "unsafe_context", d.Reason)

	pol.QuietHoursEnabled = false
	assert.NotContains(t, New(pol).GateNames(), GateQuietHours)
}

func TestMakeDecision_NilProfile(t *testing.T) {
	d := New(policy.Default()).MakeDecision(Input{Entitled: true, Now: now})
	assert.False(t, d.ShouldIntervene)
	assert.Equal(t, GateState, d.BlockedBy)
}

func TestTypeFor(t *testing.T) {
	assert.Equal(t, core.InterventionAwareness, TypeFor(0.71))
	assert.Equal(t, core.InterventionReflection, TypeFor(0.75))
	assert.Equal(t, core.InterventionAlternative, TypeFor(0.85))
}

func TestQuietHours(t *testing.T) {
	tests := []struct {
		name  string
		q     QuietHours
		hour  int
		quiet bool
	}{
		{"spanning midnight late", QuietHours{22, 7}, 23, true},
		{"spanning midnight early", QuietHours{22, 7}, 3, true},
		{"spanning midnight end is open", QuietHours{22, 7}, 7, false},
		{"spanning midnight daytime", QuietHours{22, 7}, 12, false},
		{"same day window", QuietHours{13, 15}, 14, true},
		{"same day window outside", QuietHours{13, 15}, 15, false},
		{"empty window", QuietHours{5, 5}, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := time.Date(2026, 4, 15, tt.hour, 0, 0, 0, time.UTC)
			got := tt.q.Check(Input{Now: at}) != ""
			assert.Equal(t, tt.quiet, got)
		})
	}
}

func TestRecordDelivery(t *testing.T) {
	p := core.NewProfile("u1", now.Add(-9*24*time.Hour))
	p.InterventionsToday = 4
	p.InterventionsThisWeek = 9

	RecordDelivery(p, now)
	assert.Equal(t, 1, p.InterventionsToday)
	assert.Equal(t, 1, p.InterventionsThisWeek)

	RecordDelivery(p, now.Add(time.Hour))
	today, week := EffectiveCounts(p, now.Add(2*time.Hour))
	assert.Equal(t, 2, today)
	assert.Equal(t, 2, week)

	// Thursday of the same week keeps the weekly count
	today, week = EffectiveCounts(p, now.Add(24*time.Hour))
	assert.Equal(t, 0, today)
	assert.Equal(t, 2, week)
}
