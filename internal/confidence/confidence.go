// Package confidence maintains per-behavior confidence scores, their rolling
// history and the seasonal calibration factors fed to detectors.
package confidence

import (
	"math"
	"sort"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/policy"
)

// Store applies the confidence rules of a policy. It holds no per-user
// state; every method reads and writes the profile it is given.
type Store struct {
	policy policy.Policy
}

// NewStore creates a confidence store
func NewStore(p policy.Policy) *Store {
	return &Store{policy: p}
}

// Clamp bounds v to [0, ceiling]. The ceiling is strictly below 1 so a
// score never claims certainty.
func (s *Store) Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > s.policy.ConfidenceCeiling {
		return s.policy.ConfidenceCeiling
	}
	return v
}

// Decay lowers every confidence by the time elapsed since the last
// evaluation, using an exponential half-life.
func (s *Store) Decay(scores core.Scores, since, now time.Time) core.Scores {
	halfLife := s.policy.DecayHalfLife.D()
	if halfLife <= 0 || since.IsZero() || !now.After(since) {
		return scores
	}
	factor := math.Pow(0.5, float64(now.Sub(since))/float64(halfLife))
	for _, b := range core.AllBehaviors() {
		scores = scores.Set(b, s.Clamp(scores.Get(b)*factor))
	}
	return scores
}

// Update folds a detection pass into the profile: confidences take the
// clamped detector output, the history gains a snapshot when spacing
// allows, and evaluation bookkeeping advances.
func (s *Store) Update(p *core.Profile, detections core.DetectionSet, now time.Time) {
	for _, b := range core.AllBehaviors() {
		p.Confidence = p.Confidence.Set(b, s.Clamp(detections.Get(b).Confidence))
	}
	s.AppendHistory(p, core.Snapshot{
		At:         now,
		Confidence: p.Confidence,
		Detected:   detections.AnyDetected(),
	})
	p.LastEvaluatedAt = core.TimePtr(now)
	p.EvaluationCount++
}

// AppendHistory appends a snapshot unless the newest entry is younger than
// the configured spacing. Oldest entries are pruned past the limit.
// Returns true when the snapshot was stored.
func (s *Store) AppendHistory(p *core.Profile, snap core.Snapshot) bool {
	if n := len(p.ConfidenceHistory); n > 0 {
		last := p.ConfidenceHistory[n-1]
		if snap.At.Sub(last.At) < s.policy.HistorySpacing.D() {
			return false
		}
	}
	p.ConfidenceHistory = append(p.ConfidenceHistory, snap)
	if over := len(p.ConfidenceHistory) - s.policy.HistoryLimit; over > 0 {
		p.ConfidenceHistory = append([]core.Snapshot(nil), p.ConfidenceHistory[over:]...)
	}
	return true
}

// CalibrationDue reports whether seasonal factors may be recalibrated
func (s *Store) CalibrationDue(p *core.Profile, now time.Time) bool {
	if p.TransactionsSinceCalibration < s.policy.CalibrationMinTransactions {
		return false
	}
	if p.SeasonalFactors == nil || p.SeasonalFactors.CalibratedAt.IsZero() {
		return true
	}
	return now.Sub(p.SeasonalFactors.CalibratedAt) >= s.policy.CalibrationInterval.D()
}

// Recalibrate recomputes seasonal factors from the transaction window when
// calibration is due. It returns true when the factors changed.
func (s *Store) Recalibrate(p *core.Profile, txs []core.Transaction, now time.Time) bool {
	if !s.CalibrationDue(p, now) || len(txs) < s.policy.CalibrationMinTransactions {
		return false
	}
	factors := ComputeSeasonalFactors(txs)
	factors.CalibratedAt = now
	p.SeasonalFactors = &factors
	p.TransactionsSinceCalibration = 0
	return true
}

// ComputeSeasonalFactors derives weekday and month-phase multipliers as the
// ratio of average spend per active day in the period to the overall
// average. Factors are bounded to [0.5, 2].
func ComputeSeasonalFactors(txs []core.Transaction) core.SeasonalFactors {
	factors := core.NeutralSeasonalFactors()
	factors.SampleSize = len(txs)

	daily := make(map[string]float64)
	dayTime := make(map[string]time.Time)
	for _, tx := range txs {
		if tx.Amount <= 0 {
			continue
		}
		key := tx.OccurredAt.Format("2006-01-02")
		daily[key] += tx.Amount
		dayTime[key] = tx.OccurredAt
	}
	if len(daily) == 0 {
		return factors
	}

	keys := make([]string, 0, len(daily))
	for k := range daily {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var total float64
	var weekdaySum [7]float64
	var weekdayDays [7]int
	var phaseSum [3]float64
	var phaseDays [3]int
	for _, k := range keys {
		amount := daily[k]
		t := dayTime[k]
		total += amount
		wd := int(t.Weekday())
		weekdaySum[wd] += amount
		weekdayDays[wd]++
		ph := MonthPhase(t)
		phaseSum[ph] += amount
		phaseDays[ph]++
	}
	mean := total / float64(len(keys))
	if mean <= 0 {
		return factors
	}

	for i := range factors.Weekday {
		if weekdayDays[i] > 0 {
			factors.Weekday[i] = boundFactor(weekdaySum[i] / float64(weekdayDays[i]) / mean)
		}
	}
	for i := range factors.MonthPhase {
		if phaseDays[i] > 0 {
			factors.MonthPhase[i] = boundFactor(phaseSum[i] / float64(phaseDays[i]) / mean)
		}
	}
	return factors
}

// MonthPhase maps a date to 0 (days 1-10), 1 (11-20) or 2 (21-end)
func MonthPhase(t time.Time) int {
	switch d := t.Day(); {
	case d <= 10:
		return 0
	case d <= 20:
		return 1
	default:
		return 2
	}
}

func boundFactor(f float64) float64 {
	return math.Max(0.5, math.Min(2.0, f))
}
