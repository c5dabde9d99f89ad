// Package policy holds every tunable constant of the intervention engine.
//
// None of the numbers below are sacred. They were chosen so that the
// relative ordering between them holds (dismissal escalates slower than
// ignoring, withdrawal outlasts cooldown, and so on) and are meant to be
// overridden from configuration.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantumlife/spendcoach/internal/core"
)

// Duration is a time.Duration that reads and writes as "24h" in config files
type Duration time.Duration

// D returns the standard library duration
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "36h" strings or integer nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"24h\": %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Policy configures the engine
type Policy struct {
	// Global switch for the intervention_enabled feature
	InterventionEnabled bool `json:"intervention_enabled" yaml:"intervention_enabled"`

	// Confidence
	ActivationThreshold Scores   `json:"activation_threshold" yaml:"activation_threshold"`
	MinIntensity        Scores   `json:"min_intensity" yaml:"min_intensity"`
	ConfidenceCeiling   float64  `json:"confidence_ceiling" yaml:"confidence_ceiling"`
	DecayHalfLife       Duration `json:"decay_half_life" yaml:"decay_half_life"`
	HistorySpacing      Duration `json:"history_spacing" yaml:"history_spacing"`
	HistoryLimit        int      `json:"history_limit" yaml:"history_limit"`

	// Seasonal calibration
	CalibrationInterval        Duration `json:"calibration_interval" yaml:"calibration_interval"`
	CalibrationMinTransactions int      `json:"calibration_min_transactions" yaml:"calibration_min_transactions"`

	// Evaluation input
	MinTransactions   int `json:"min_transactions" yaml:"min_transactions"`
	TransactionWindow int `json:"transaction_window" yaml:"transaction_window"`

	// Cooldown escalation
	CooldownBase      Duration `json:"cooldown_base" yaml:"cooldown_base"`
	CooldownMax       Duration `json:"cooldown_max" yaml:"cooldown_max"`
	IgnoreMultiplier  float64  `json:"ignore_multiplier" yaml:"ignore_multiplier"`
	DismissMultiplier float64  `json:"dismiss_multiplier" yaml:"dismiss_multiplier"`

	// Frequency caps
	MaxPerDay  int `json:"max_per_day" yaml:"max_per_day"`
	MaxPerWeek int `json:"max_per_week" yaml:"max_per_week"`

	// Repetition
	RepeatSpacing       Duration `json:"repeat_spacing" yaml:"repeat_spacing"`
	RecentMessageMemory int      `json:"recent_message_memory" yaml:"recent_message_memory"`

	// Failure handling
	FailureWindow           Duration `json:"failure_window" yaml:"failure_window"`
	EscalateAfterIgnores    int      `json:"escalate_after_ignores" yaml:"escalate_after_ignores"`
	WithdrawAfterIgnores    int      `json:"withdraw_after_ignores" yaml:"withdraw_after_ignores"`
	EscalateAfterDismissals int      `json:"escalate_after_dismissals" yaml:"escalate_after_dismissals"`
	WithdrawAfterDismissals int      `json:"withdraw_after_dismissals" yaml:"withdraw_after_dismissals"`
	WithdrawalDuration      Duration `json:"withdrawal_duration" yaml:"withdrawal_duration"`
	EngagedDecay            float64  `json:"engaged_decay" yaml:"engaged_decay"`

	// Wins
	WinImprovementThreshold float64  `json:"win_improvement_threshold" yaml:"win_improvement_threshold"`
	WinRecentWindow         Duration `json:"win_recent_window" yaml:"win_recent_window"`
	WinBaselineWindow       Duration `json:"win_baseline_window" yaml:"win_baseline_window"`
	WinSpacing              Duration `json:"win_spacing" yaml:"win_spacing"`

	// Quiet hours (context gate)
	QuietHoursEnabled bool `json:"quiet_hours_enabled" yaml:"quiet_hours_enabled"`
	QuietHoursStart   int  `json:"quiet_hours_start" yaml:"quiet_hours_start"`
	QuietHoursEnd     int  `json:"quiet_hours_end" yaml:"quiet_hours_end"`
}

// Scores is the per-behavior value set used for thresholds
type Scores = core.Scores

// Default returns the default policy
func Default() Policy {
	return Policy{
		InterventionEnabled: true,

		ActivationThreshold: Scores{SmallRecurring: 0.65, StressSpending: 0.7, EndOfMonth: 0.7},
		MinIntensity:        Scores{SmallRecurring: 0.65, StressSpending: 0.7, EndOfMonth: 0.7},
		ConfidenceCeiling:   0.95,
		DecayHalfLife:       Duration(14 * 24 * time.Hour),
		HistorySpacing:      Duration(4 * time.Hour),
		HistoryLimit:        120,

		CalibrationInterval:        Duration(90 * 24 * time.Hour),
		CalibrationMinTransactions: 90,

		MinTransactions:   10,
		TransactionWindow: 200,

		CooldownBase:      Duration(24 * time.Hour),
		CooldownMax:       Duration(7 * 24 * time.Hour),
		IgnoreMultiplier:  2.0,
		DismissMultiplier: 1.5,

		MaxPerDay:  1,
		MaxPerWeek: 3,

		RepeatSpacing:       Duration(72 * time.Hour),
		RecentMessageMemory: 6,

		FailureWindow:           Duration(14 * 24 * time.Hour),
		EscalateAfterIgnores:    1,
		WithdrawAfterIgnores:    2,
		EscalateAfterDismissals: 2,
		WithdrawAfterDismissals: 4,
		WithdrawalDuration:      Duration(14 * 24 * time.Hour),
		EngagedDecay:            0.5,

		WinImprovementThreshold: 0.25,
		WinRecentWindow:         Duration(7 * 24 * time.Hour),
		WinBaselineWindow:       Duration(28 * 24 * time.Hour),
		WinSpacing:              Duration(7 * 24 * time.Hour),

		QuietHoursEnabled: true,
		QuietHoursStart:   22,
		QuietHoursEnd:     7,
	}
}

// Validate checks that the policy is internally consistent
func (p Policy) Validate() error {
	var problems []string

	if p.ConfidenceCeiling <= 0 || p.ConfidenceCeiling >= 1 {
		problems = append(problems, "confidence_ceiling must be in (0,1)")
	}
	for _, b := range core.AllBehaviors() {
		t := p.ActivationThreshold.Get(b)
		if t <= 0 || t >= p.ConfidenceCeiling {
			problems = append(problems, fmt.Sprintf("activation_threshold.%s must be in (0,ceiling)", b))
		}
		if p.MinIntensity.Get(b) < 0 || p.MinIntensity.Get(b) >= p.ConfidenceCeiling {
			problems = append(problems, fmt.Sprintf("min_intensity.%s must be in [0,ceiling)", b))
		}
	}
	if p.HistoryLimit <= 0 {
		problems = append(problems, "history_limit must be positive")
	}
	if p.MinTransactions <= 0 {
		problems = append(problems, "min_transactions must be positive")
	}
	if p.TransactionWindow < p.MinTransactions {
		problems = append(problems, "transaction_window must be >= min_transactions")
	}
	if p.CooldownBase <= 0 || p.CooldownMax < p.CooldownBase {
		problems = append(problems, "cooldown_max must be >= cooldown_base > 0")
	}
	if p.IgnoreMultiplier < 1 || p.DismissMultiplier < 1 {
		problems = append(problems, "escalation multipliers must be >= 1")
	}
	if p.DismissMultiplier > p.IgnoreMultiplier {
		problems = append(problems, "dismiss_multiplier must not exceed ignore_multiplier")
	}
	if p.MaxPerDay <= 0 || p.MaxPerWeek < p.MaxPerDay {
		problems = append(problems, "max_per_week must be >= max_per_day > 0")
	}
	if p.WithdrawAfterIgnores <= 0 || p.WithdrawAfterIgnores < p.EscalateAfterIgnores {
		problems = append(problems, "withdraw_after_ignores must be positive and >= escalate_after_ignores")
	}
	if p.WithdrawAfterDismissals < p.WithdrawAfterIgnores {
		problems = append(problems, "withdraw_after_dismissals must be >= withdraw_after_ignores")
	}
	if p.WithdrawalDuration < p.CooldownBase {
		problems = append(problems, "withdrawal_duration must be >= cooldown_base")
	}
	if p.EngagedDecay < 0 || p.EngagedDecay > 1 {
		problems = append(problems, "engaged_decay must be in [0,1]")
	}
	if p.RecentMessageMemory <= 0 {
		problems = append(problems, "recent_message_memory must be positive")
	}
	if p.QuietHoursStart < 0 || p.QuietHoursStart > 23 || p.QuietHoursEnd < 0 || p.QuietHoursEnd > 23 {
		problems = append(problems, "quiet hours must be in 0..23")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", core.ErrInvalidPolicy, strings.Join(problems, "; "))
	}
	return nil
}

// CooldownFor returns the cooldown length after a delivered intervention,
// given the user's lifetime ignore and dismiss counts. The result is
// non-decreasing in both counts and never exceeds CooldownMax.
func (p Policy) CooldownFor(ignored, dismissed int) time.Duration {
	d := float64(p.CooldownBase)
	ceiling := float64(p.CooldownMax)
	for i := 0; i < ignored && d < ceiling; i++ {
		d *= p.IgnoreMultiplier
	}
	for i := 0; i < dismissed && d < ceiling; i++ {
		d *= p.DismissMultiplier
	}
	if d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}
