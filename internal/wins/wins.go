// Package wins detects behavioral improvements and maintains streaks.
package wins

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/finance"
	"github.com/quantumlife/spendcoach/internal/policy"
)

// StreakBreak describes a streak reset
type StreakBreak struct {
	Behavior       core.Behavior          `json:"behavior,omitempty"`
	Reason         core.StreakBreakReason `json:"reason"`
	PreviousStreak int                    `json:"previous_streak"`
	At             time.Time              `json:"at"`
}

// Result is the outcome of one win/streak check
type Result struct {
	Win         *core.Win    `json:"win,omitempty"`
	StreakBreak *StreakBreak `json:"streak_break,omitempty"`
}

// Tracker detects wins for the behavior the user was last coached on
type Tracker struct {
	policy      policy.Policy
	categorizer *finance.Categorizer
	newID       func() string
}

// NewTracker creates a tracker
func NewTracker(p policy.Policy, categorizer *finance.Categorizer) *Tracker {
	if categorizer == nil {
		categorizer = finance.NewCategorizer()
	}
	return &Tracker{policy: p, categorizer: categorizer, newID: uuid.NewString}
}

// Focus returns the behavior wins and relapses are measured against
func Focus(p *core.Profile) core.Behavior {
	if p.FocusBehavior.Valid() {
		return p.FocusBehavior
	}
	return p.ActiveBehavior
}

// DetectWinWithStreakCheck checks for a relapse first and, failing that,
// for an improvement of the focus behavior against its baseline. It does
// not mutate the profile; see Apply.
func (t *Tracker) DetectWinWithStreakCheck(userID string, p *core.Profile, txs []core.Transaction, detections core.DetectionSet, now time.Time) Result {
	focus := Focus(p)
	if !focus.Valid() {
		return Result{}
	}

	if p.CurrentStreak > 0 && detections.Get(focus).Detected &&
		p.Confidence.Get(focus) > t.policy.ActivationThreshold.Get(focus) {
		return Result{StreakBreak: &StreakBreak{
			Behavior:       focus,
			Reason:         core.StreakBreakRelapse,
			PreviousStreak: p.CurrentStreak,
			At:             now,
		}}
	}

	if p.LastWinAt != nil && now.Sub(*p.LastWinAt) < t.policy.WinSpacing.D() {
		return Result{}
	}

	if win := t.detectWin(userID, focus, txs, now); win != nil {
		return Result{Win: win}
	}
	return Result{}
}

func (t *Tracker) detectWin(userID string, focus core.Behavior, txs []core.Transaction, now time.Time) *core.Win {
	recentFrom := now.Add(-t.policy.WinRecentWindow.D())
	baseFrom := recentFrom.Add(-t.policy.WinBaselineWindow.D())
	weeks := float64(t.policy.WinBaselineWindow.D()) / float64(t.policy.WinRecentWindow.D())
	if weeks <= 0 {
		return nil
	}

	var recentN, baseN int
	var recentSpend, baseSpend float64
	var lastHit time.Time
	for _, tx := range txs {
		if tx.OccurredAt.After(now) || tx.OccurredAt.Before(baseFrom) || !t.Matches(focus, tx) {
			continue
		}
		if tx.OccurredAt.After(lastHit) {
			lastHit = tx.OccurredAt
		}
		if tx.OccurredAt.Before(recentFrom) {
			baseN++
			baseSpend += tx.Amount
		} else {
			recentN++
			recentSpend += tx.Amount
		}
	}
	if baseN == 0 {
		return nil
	}

	winType := core.WinReducedFrequency
	improvement := improvementOf(float64(baseN)/weeks, float64(recentN))
	if improvement < t.policy.WinImprovementThreshold {
		winType = core.WinReducedSpend
		improvement = improvementOf(baseSpend/weeks, recentSpend)
	}
	if improvement < t.policy.WinImprovementThreshold {
		return nil
	}

	pct := math.Round(improvement*1000) / 10
	win := &core.Win{
		ID:                 t.newID(),
		UserID:             userID,
		BehaviorType:       focus,
		WinType:            winType,
		Message:            winMessage(focus, winType, pct),
		ImprovementPercent: &pct,
		DetectedAt:         now,
	}
	if !lastHit.IsZero() {
		if days := int(now.Sub(lastHit).Hours() / 24); days > 0 {
			win.StreakDays = &days
		}
	}
	return win
}

func improvementOf(baseline, recent float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return (baseline - recent) / baseline
}

// Matches reports whether a transaction carries the signature of behavior b
func (t *Tracker) Matches(b core.Behavior, tx core.Transaction) bool {
	if tx.Amount <= 0 {
		return false
	}
	cat := t.categorizer.Categorize(tx.Merchant, tx.Category)
	switch b {
	case core.BehaviorSmallRecurring:
		return cat.IsDiscretionary() && tx.Amount <= 15
	case core.BehaviorStressSpending:
		return cat.IsImpulse()
	case core.BehaviorEndOfMonth:
		at := tx.OccurredAt
		lastDay := time.Date(at.Year(), at.Month()+1, 0, 0, 0, 0, 0, at.Location()).Day()
		return cat.IsDiscretionary() && lastDay-at.Day() < 7
	}
	return false
}

func winMessage(b core.Behavior, wt core.WinType, pct float64) string {
	what := map[core.Behavior]string{
		core.BehaviorSmallRecurring: "small repeat purchases",
		core.BehaviorStressSpending: "stress purchases",
		core.BehaviorEndOfMonth:     "month-end spending",
	}[b]
	if wt == core.WinReducedSpend {
		return fmt.Sprintf("You spent %.0f%% less on %s this week.", pct, what)
	}
	return fmt.Sprintf("You cut %s by %.0f%% this week.", what, pct)
}

// Apply writes a check result into the profile
func Apply(p *core.Profile, r Result, now time.Time) {
	if r.StreakBreak != nil {
		BreakStreak(p, r.StreakBreak.Reason, now)
	}
	if r.Win != nil {
		p.LastWinAt = core.TimePtr(r.Win.DetectedAt)
	}
}

// BreakStreak zeroes the streak. The break is stamped only when a positive
// streak is lost.
func BreakStreak(p *core.Profile, reason core.StreakBreakReason, now time.Time) {
	if p.CurrentStreak > 0 {
		p.StreakBrokenAt = core.TimePtr(now)
		p.StreakBreakReason = reason
	}
	p.CurrentStreak = 0
}

// Celebrate counts a celebrated win. Callers pass changed=false when the
// repository reports the win was already celebrated, which makes repeated
// calls for one win id a no-op.
func Celebrate(p *core.Profile, changed bool) bool {
	if !changed {
		return false
	}
	p.TotalWins++
	p.CurrentStreak++
	if p.CurrentStreak > p.LongestStreak {
		p.LongestStreak = p.CurrentStreak
	}
	return true
}
