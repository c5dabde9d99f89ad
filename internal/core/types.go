// Package core defines the fundamental types and errors for the coaching engine.
// These types are shared by every stage of the intervention pipeline.
package core

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// BEHAVIOR - A spending pattern the engine tracks confidence for
// -----------------------------------------------------------------------------

// Behavior is a named spending pattern
type Behavior string

const (
	BehaviorNone           Behavior = ""
	BehaviorSmallRecurring Behavior = "small_recurring"
	BehaviorStressSpending Behavior = "stress_spending"
	BehaviorEndOfMonth     Behavior = "end_of_month"
)

// AllBehaviors returns every tracked behavior in canonical order.
// The order is used to break ties deterministically.
func AllBehaviors() []Behavior {
	return []Behavior{
		BehaviorSmallRecurring,
		BehaviorStressSpending,
		BehaviorEndOfMonth,
	}
}

// Valid reports whether b is one of the tracked behaviors
func (b Behavior) Valid() bool {
	switch b {
	case BehaviorSmallRecurring, BehaviorStressSpending, BehaviorEndOfMonth:
		return true
	}
	return false
}

// ParseBehavior converts a string to a Behavior
func ParseBehavior(s string) (Behavior, error) {
	b := Behavior(s)
	if !b.Valid() {
		return BehaviorNone, fmt.Errorf("%w: %q", ErrUnknownBehavior, s)
	}
	return b, nil
}

// Scores holds one value in [0,1] per behavior.
// It is used for confidences as well as per-behavior thresholds.
type Scores struct {
	SmallRecurring float64 `json:"small_recurring" yaml:"small_recurring"`
	StressSpending float64 `json:"stress_spending" yaml:"stress_spending"`
	EndOfMonth     float64 `json:"end_of_month" yaml:"end_of_month"`
}

// Get returns the score for a behavior. Unknown behaviors score 0.
func (s Scores) Get(b Behavior) float64 {
	switch b {
	case BehaviorSmallRecurring:
		return s.SmallRecurring
	case BehaviorStressSpending:
		return s.StressSpending
	case BehaviorEndOfMonth:
		return s.EndOfMonth
	}
	return 0
}

// Set returns a copy of s with the score for b replaced
func (s Scores) Set(b Behavior, v float64) Scores {
	switch b {
	case BehaviorSmallRecurring:
		s.SmallRecurring = v
	case BehaviorStressSpending:
		s.StressSpending = v
	case BehaviorEndOfMonth:
		s.EndOfMonth = v
	}
	return s
}

// -----------------------------------------------------------------------------
// STATE - Where the user sits in the intervention cycle
// -----------------------------------------------------------------------------

// UserState is the behavioral state of a profile
type UserState string

const (
	StateObserving UserState = "observing"
	StateActive    UserState = "active"
	StateCooldown  UserState = "cooldown"
	StateWithdrawn UserState = "withdrawn"
)

// Valid reports whether s is a known state
func (s UserState) Valid() bool {
	switch s {
	case StateObserving, StateActive, StateCooldown, StateWithdrawn:
		return true
	}
	return false
}

// StreakBreakReason explains why a streak went back to zero
type StreakBreakReason string

const (
	StreakBreakNone      StreakBreakReason = ""
	StreakBreakUserReset StreakBreakReason = "user_reset"
	StreakBreakRelapse   StreakBreakReason = "behavior_relapse"
)

// -----------------------------------------------------------------------------
// TRANSACTION - The raw input the engine watches
// -----------------------------------------------------------------------------

// Transaction is a single spending event
type Transaction struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Merchant   string    `json:"merchant"`
	Category   string    `json:"category"`
	Amount     float64   `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

// -----------------------------------------------------------------------------
// PROFILE - One per user, owned by the engine
// -----------------------------------------------------------------------------

// Snapshot is one entry of the confidence history
type Snapshot struct {
	At         time.Time `json:"at"`
	Confidence Scores    `json:"confidence"`
	Detected   bool      `json:"detected"`
}

// SeasonalFactors are per-period spending multipliers used by detectors.
// Index 0 of Weekday is Sunday; MonthPhase is early, mid and late month.
type SeasonalFactors struct {
	Weekday      [7]float64 `json:"weekday"`
	MonthPhase   [3]float64 `json:"month_phase"`
	CalibratedAt time.Time  `json:"calibrated_at"`
	SampleSize   int        `json:"sample_size"`
}

// NeutralSeasonalFactors returns factors that leave detector output unchanged
func NeutralSeasonalFactors() SeasonalFactors {
	return SeasonalFactors{
		Weekday:    [7]float64{1, 1, 1, 1, 1, 1, 1},
		MonthPhase: [3]float64{1, 1, 1},
	}
}

// Profile is the behavioral profile of a single user
type Profile struct {
	UserID string `json:"user_id"`

	// State machine
	UserState               UserState `json:"user_state"`
	ActiveBehavior          Behavior  `json:"active_behavior,omitempty"`
	ActiveBehaviorIntensity float64   `json:"active_behavior_intensity"`
	StateChangedAt          time.Time `json:"state_changed_at"`

	// Confidence bookkeeping
	Confidence                   Scores           `json:"confidence"`
	ConfidenceHistory            []Snapshot       `json:"confidence_history"`
	SeasonalFactors              *SeasonalFactors `json:"seasonal_factors,omitempty"`
	TransactionsSinceCalibration int              `json:"transactions_since_calibration"`

	// Timers
	CooldownEndsAt   *time.Time `json:"cooldown_ends_at,omitempty"`
	WithdrawalEndsAt *time.Time `json:"withdrawal_ends_at,omitempty"`

	// Frequency caps
	InterventionsToday    int       `json:"interventions_today"`
	InterventionsThisWeek int       `json:"interventions_this_week"`
	DayWindowStart        time.Time `json:"day_window_start"`
	WeekWindowStart       time.Time `json:"week_window_start"`

	// Negative feedback
	IgnoredInterventions int         `json:"ignored_interventions"`
	DismissedCount       int         `json:"dismissed_count"`
	RecentIgnores        []time.Time `json:"recent_ignores,omitempty"`
	RecentDismissals     []time.Time `json:"recent_dismissals,omitempty"`
	// Last intervention whose response was applied to this profile
	LastRespondedID string `json:"last_responded_id,omitempty"`

	// Wins and streaks
	FocusBehavior     Behavior          `json:"focus_behavior,omitempty"`
	CurrentStreak     int               `json:"current_streak"`
	LongestStreak     int               `json:"longest_streak"`
	TotalWins         int               `json:"total_wins"`
	LastWinAt         *time.Time        `json:"last_win_at,omitempty"`
	StreakBrokenAt    *time.Time        `json:"streak_broken_at,omitempty"`
	StreakBreakReason StreakBreakReason `json:"streak_break_reason,omitempty"`

	// Message memory
	RecentMessageKeys []string         `json:"recent_message_keys,omitempty"`
	VariantCursor     map[Behavior]int `json:"variant_cursor,omitempty"`

	// Evaluation bookkeeping
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	EvaluationCount int        `json:"evaluation_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProfile returns a profile with defaults: observing, all confidences zero
func NewProfile(userID string, now time.Time) *Profile {
	return &Profile{
		UserID:          userID,
		UserState:       StateObserving,
		StateChangedAt:  now,
		DayWindowStart:  now,
		WeekWindowStart: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy of the profile
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.ConfidenceHistory = append([]Snapshot(nil), p.ConfidenceHistory...)
	c.RecentIgnores = append([]time.Time(nil), p.RecentIgnores...)
	c.RecentDismissals = append([]time.Time(nil), p.RecentDismissals...)
	c.RecentMessageKeys = append([]string(nil), p.RecentMessageKeys...)
	if p.SeasonalFactors != nil {
		sf := *p.SeasonalFactors
		c.SeasonalFactors = &sf
	}
	if p.VariantCursor != nil {
		c.VariantCursor = make(map[Behavior]int, len(p.VariantCursor))
		for k, v := range p.VariantCursor {
			c.VariantCursor[k] = v
		}
	}
	c.CooldownEndsAt = cloneTime(p.CooldownEndsAt)
	c.WithdrawalEndsAt = cloneTime(p.WithdrawalEndsAt)
	c.LastWinAt = cloneTime(p.LastWinAt)
	c.StreakBrokenAt = cloneTime(p.StreakBrokenAt)
	c.LastEvaluatedAt = cloneTime(p.LastEvaluatedAt)
	return &c
}

// Validate checks the structural invariants of a profile
func (p *Profile) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user_id", ErrMissingRequired)
	}
	if !p.UserState.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, p.UserState)
	}
	if p.UserState == StateActive && !p.ActiveBehavior.Valid() {
		return fmt.Errorf("%w: active profile without behavior", ErrInvalidInput)
	}
	if p.UserState != StateActive && p.ActiveBehavior != BehaviorNone {
		return fmt.Errorf("%w: behavior set outside active state", ErrInvalidInput)
	}
	if p.LongestStreak < p.CurrentStreak {
		return fmt.Errorf("%w: longest streak below current streak", ErrInvalidInput)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}
