// Package gates implements the decision gate pipeline.
//
// Gates run in a fixed order and stop at the first failure. Cheap global
// checks come before behavior-specific ones, and the failing gate's name is
// reported in Decision.BlockedBy.
package gates

import (
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/policy"
)

// Gate identifiers reported in Decision.BlockedBy
const (
	GateEntitlement = "entitlement"
	GateState       = "state"
	GateCooldown    = "cooldown"
	GateConfidence  = "confidence"
	GateFrequency   = "frequency"
	GateRepetition  = "repetition"
	GateMoment      = "moment"
	GateQuietHours  = "quiet_hours"
)

// Reason codes
const (
	ReasonPassed            = "all_gates_passed"
	ReasonDisabled          = "intervention_disabled"
	ReasonNotEntitled       = "not_entitled"
	ReasonNotActive         = "not_active"
	ReasonWithdrawn         = "withdrawn"
	ReasonCooldownRunning   = "cooldown_running"
	ReasonWithdrawalRunning = "withdrawal_running"
	ReasonLowIntensity      = "intensity_below_minimum"
	ReasonDailyCap          = "daily_cap_reached"
	ReasonWeeklyCap         = "weekly_cap_reached"
	ReasonRecentlyRepeated  = "recently_repeated"
	ReasonNoMoment          = "no_moment"
	ReasonMomentMismatch    = "moment_not_eligible"
	ReasonQuietHours        = "quiet_hours"
	ReasonMissingProfile    = "missing_profile"
	ReasonUnknownBehavior   = "unknown_behavior"
)

// Input is everything a decision is made from
type Input struct {
	Profile             *core.Profile
	Moment              core.Moment
	RecentInterventions []core.InterventionRecord
	Entitled            bool // access policy outcome for this user
	Now                 time.Time
}

// Decision is the pipeline outcome
type Decision struct {
	ShouldIntervene  bool                  `json:"should_intervene"`
	InterventionType core.InterventionType `json:"intervention_type,omitempty"`
	Behavior         core.Behavior         `json:"behavior,omitempty"`
	Reason           string                `json:"reason"`
	Confidence       float64               `json:"confidence"`
	BlockedBy        string                `json:"blocked_by,omitempty"`
}

// ContextGate is an externally configured gate that runs after the built-in
// ones. Check returns an empty reason to pass.
type ContextGate interface {
	Name() string
	Check(in Input) (reason string)
}

// Pipeline evaluates the gates of a policy
type Pipeline struct {
	policy  policy.Policy
	context []ContextGate
}

// New creates a pipeline. The quiet hours gate is added when the policy
// enables it; extra context gates run after it in the given order.
func New(p policy.Policy, extra ...ContextGate) *Pipeline {
	var ctxGates []ContextGate
	if p.QuietHoursEnabled {
		ctxGates = append(ctxGates, QuietHours{Start: p.QuietHoursStart, End: p.QuietHoursEnd})
	}
	ctxGates = append(ctxGates, extra...)
	return &Pipeline{policy: p, context: ctxGates}
}

type gate struct {
	name  string
	check func(in Input) string
}

func (pl *Pipeline) gates() []gate {
	gs := []gate{
		{GateEntitlement, pl.entitlement},
		{GateState, pl.state},
		{GateCooldown, pl.cooldown},
		{GateConfidence, pl.confidence},
		{GateFrequency, pl.frequency},
		{GateRepetition, pl.repetition},
		{GateMoment, pl.moment},
	}
	for _, cg := range pl.context {
		gs = append(gs, gate{cg.Name(), cg.Check})
	}
	return gs
}

// GateNames lists the gate identifiers in evaluation order
func (pl *Pipeline) GateNames() []string {
	gs := pl.gates()
	names := make([]string, len(gs))
	for i, g := range gs {
		names[i] = g.name
	}
	return names
}

// MakeDecision runs every gate in order. It is a pure function of its input.
func (pl *Pipeline) MakeDecision(in Input) Decision {
	if in.Profile == nil {
		return Decision{Reason: ReasonMissingProfile, BlockedBy: GateState}
	}

	d := Decision{
		Behavior:   in.Profile.ActiveBehavior,
		Confidence: in.Profile.ActiveBehaviorIntensity,
	}

	for _, g := range pl.gates() {
		if reason := g.check(in); reason != "" {
			d.Reason = reason
			d.BlockedBy = g.name
			return d
		}
	}

	d.ShouldIntervene = true
	d.InterventionType = TypeFor(d.Confidence)
	d.Reason = ReasonPassed
	return d
}

// TypeFor maps intensity to an intervention type. Stronger signals get
// more direct interventions.
func TypeFor(intensity float64) core.InterventionType {
	switch {
	case intensity >= 0.85:
		return core.InterventionAlternative
	case intensity >= 0.75:
		return core.InterventionReflection
	default:
		return core.InterventionAwareness
	}
}

func (pl *Pipeline) entitlement(in Input) string {
	if !pl.policy.InterventionEnabled {
		return ReasonDisabled
	}
	if !in.Entitled {
		return ReasonNotEntitled
	}
	return ""
}

// state passes ACTIVE profiles, and COOLDOWN profiles whose timer is
// still running so the cooldown gate can report them.
func (pl *Pipeline) state(in Input) string {
	p := in.Profile
	switch p.UserState {
	case core.StateActive:
		return ""
	case core.StateCooldown:
		if running(p.CooldownEndsAt, in.Now) {
			return ""
		}
		return ReasonNotActive
	case core.StateWithdrawn:
		return ReasonWithdrawn
	}
	return ReasonNotActive
}

func (pl *Pipeline) cooldown(in Input) string {
	p := in.Profile
	if running(p.WithdrawalEndsAt, in.Now) {
		return ReasonWithdrawalRunning
	}
	if p.UserState == core.StateCooldown || running(p.CooldownEndsAt, in.Now) {
		return ReasonCooldownRunning
	}
	return ""
}

func (pl *Pipeline) confidence(in Input) string {
	p := in.Profile
	if !p.ActiveBehavior.Valid() {
		return ReasonUnknownBehavior
	}
	if p.ActiveBehaviorIntensity <= pl.policy.MinIntensity.Get(p.ActiveBehavior) {
		return ReasonLowIntensity
	}
	return ""
}

func (pl *Pipeline) frequency(in Input) string {
	today, week := EffectiveCounts(in.Profile, in.Now)
	if today >= pl.policy.MaxPerDay {
		return ReasonDailyCap
	}
	if week >= pl.policy.MaxPerWeek {
		return ReasonWeeklyCap
	}
	return ""
}

func (pl *Pipeline) repetition(in Input) string {
	p := in.Profile
	kind := TypeFor(p.ActiveBehaviorIntensity)
	from := in.Now.Add(-pl.policy.RepeatSpacing.D())
	for _, rec := range in.RecentInterventions {
		if rec.Behavior == p.ActiveBehavior && rec.InterventionType == kind && rec.DeliveredAt.After(from) {
			return ReasonRecentlyRepeated
		}
	}
	return ""
}

func (pl *Pipeline) moment(in Input) string {
	if in.Moment == nil {
		return ReasonNoMoment
	}
	for _, k := range core.EligibleMoments(in.Profile.ActiveBehavior) {
		if in.Moment.Kind() == k {
			return ""
		}
	}
	return ReasonMomentMismatch
}

func running(ends *time.Time, now time.Time) bool {
	return ends != nil && ends.After(now)
}

// QuietHours blocks interventions during the user's quiet window.
// A Start later than End spans midnight.
type QuietHours struct {
	Start int
	End   int
}

// Name implements ContextGate
func (QuietHours) Name() string { return GateQuietHours }

// Check implements ContextGate
func (q QuietHours) Check(in Input) string {
	if q.Start == q.End {
		return ""
	}
	hour := in.Now.Hour()
	var quiet bool
	if q.Start > q.End {
		quiet = hour >= q.Start || hour < q.End
	} else {
		quiet = hour >= q.Start && hour < q.End
	}
	if quiet {
		return ReasonQuietHours
	}
	return ""
}
