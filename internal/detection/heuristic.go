package detection

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/finance"
)

// HeuristicConfig tunes the reference detector
type HeuristicConfig struct {
	// Small recurring
	SmallAmount        float64       // purchases at or below count as small
	RecurringWindow    time.Duration // lookback for repeated merchants
	RecurringSaturated int           // occurrences that map to a raw score of 1

	// Stress spending
	StressWindow    time.Duration
	LateStartHour   int // late-night purchases start at this hour...
	LateEndHour     int // ...and end before this one
	BurstWindow     time.Duration
	BurstSize       int
	StressSaturated int

	// End of month
	MonthEndDays int // trailing days of a month that count as month end

	// Weight of the new observation when blending with existing confidence
	Learning float64
	// Raw score at or above which a behavior is reported as detected
	DetectAt float64
}

// DefaultHeuristicConfig returns the reference tuning
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		SmallAmount:        15,
		RecurringWindow:    30 * 24 * time.Hour,
		RecurringSaturated: 8,

		StressWindow:    14 * 24 * time.Hour,
		LateStartHour:   22,
		LateEndHour:     4,
		BurstWindow:     3 * time.Hour,
		BurstSize:       3,
		StressSaturated: 6,

		MonthEndDays: 7,

		Learning: 0.6,
		DetectAt: 0.5,
	}
}

// Heuristic is a reference detector built on merchant categorization.
// It holds no per-user state.
type Heuristic struct {
	cfg         HeuristicConfig
	categorizer *finance.Categorizer
}

// NewHeuristic creates the reference detector
func NewHeuristic(cfg HeuristicConfig, categorizer *finance.Categorizer) *Heuristic {
	if categorizer == nil {
		categorizer = finance.NewCategorizer()
	}
	return &Heuristic{cfg: cfg, categorizer: categorizer}
}

// RunAllDetection implements Detector
func (h *Heuristic) RunAllDetection(ctx context.Context, txs []core.Transaction, existing core.Scores, seasonal *core.SeasonalFactors) (core.DetectionSet, error) {
	var set core.DetectionSet
	if len(txs) == 0 {
		return set, nil
	}
	if err := ctx.Err(); err != nil {
		return set, err
	}

	sorted := make([]core.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
	})
	latest := sorted[len(sorted)-1]

	factors := core.NeutralSeasonalFactors()
	if seasonal != nil {
		factors = *seasonal
	}

	raw, moment := h.smallRecurring(sorted, latest)
	set = set.Set(core.BehaviorSmallRecurring, h.blend(existing.SmallRecurring, raw, moment))

	raw, moment = h.stressSpending(sorted, latest, factors)
	set = set.Set(core.BehaviorStressSpending, h.blend(existing.StressSpending, raw, moment))

	raw, moment = h.endOfMonth(sorted, latest, factors)
	set = set.Set(core.BehaviorEndOfMonth, h.blend(existing.EndOfMonth, raw, moment))

	return set, nil
}

func (h *Heuristic) blend(existing, raw float64, moment core.Moment) core.Detection {
	conf := existing + (raw-existing)*h.cfg.Learning
	conf = math.Max(0, math.Min(1, conf))
	detected := raw >= h.cfg.DetectAt
	det := core.Detection{Confidence: conf, Detected: detected}
	if detected {
		det.Moment = moment
	}
	return det
}

func (h *Heuristic) category(tx core.Transaction) finance.Category {
	return h.categorizer.Categorize(tx.Merchant, tx.Category)
}

// smallRecurring scores repeated small discretionary purchases at the
// same merchant. The moment fires when the latest purchase is one of them.
func (h *Heuristic) smallRecurring(txs []core.Transaction, latest core.Transaction) (float64, core.Moment) {
	since := latest.OccurredAt.Add(-h.cfg.RecurringWindow)
	counts := make(map[string]int)
	best := 0
	for _, tx := range txs {
		if tx.OccurredAt.Before(since) || tx.Amount <= 0 || tx.Amount > h.cfg.SmallAmount {
			continue
		}
		if !h.category(tx).IsDiscretionary() {
			continue
		}
		key := normalizeMerchant(tx.Merchant)
		counts[key]++
		if counts[key] > best {
			best = counts[key]
		}
	}

	raw := saturate(best, h.cfg.RecurringSaturated)

	key := normalizeMerchant(latest.Merchant)
	if n := counts[key]; n >= 2 && latest.Amount <= h.cfg.SmallAmount {
		return raw, core.RecurringChargeMoment{
			Merchant:    latest.Merchant,
			Amount:      latest.Amount,
			Occurrences: n,
		}
	}
	return raw, nil
}

// stressSpending scores impulse purchases that happen late at night or in
// bursts. Weekdays that normally carry more spend are discounted.
func (h *Heuristic) stressSpending(txs []core.Transaction, latest core.Transaction, factors core.SeasonalFactors) (float64, core.Moment) {
	since := latest.OccurredAt.Add(-h.cfg.StressWindow)

	var impulse []core.Transaction
	for _, tx := range txs {
		if tx.OccurredAt.Before(since) || tx.Amount <= 0 {
			continue
		}
		if h.category(tx).IsImpulse() {
			impulse = append(impulse, tx)
		}
	}

	events := 0
	for i, tx := range impulse {
		if h.isLate(tx.OccurredAt) || burstSize(impulse, i, h.cfg.BurstWindow) >= h.cfg.BurstSize {
			events++
		}
	}

	raw := saturate(events, h.cfg.StressSaturated)
	if f := factors.Weekday[latest.OccurredAt.Weekday()]; f > 0 {
		raw = math.Min(1, raw/f)
	}

	if len(impulse) == 0 || !impulse[len(impulse)-1].OccurredAt.Equal(latest.OccurredAt) {
		return raw, nil
	}
	burst := burstSize(impulse, len(impulse)-1, h.cfg.BurstWindow)
	if !h.isLate(latest.OccurredAt) && burst < h.cfg.BurstSize {
		return raw, nil
	}
	return raw, core.StressPurchaseMoment{
		Category: string(h.category(latest)),
		Amount:   latest.Amount,
		Hour:     latest.OccurredAt.Hour(),
		Burst:    burst,
	}
}

// endOfMonth compares the daily spend rate in the closing days of the
// latest transaction's month against the rest of that month.
func (h *Heuristic) endOfMonth(txs []core.Transaction, latest core.Transaction, factors core.SeasonalFactors) (float64, core.Moment) {
	at := latest.OccurredAt
	monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())
	lastDay := monthStart.AddDate(0, 1, -1).Day()
	closeFrom := lastDay - h.cfg.MonthEndDays + 1
	if at.Day() < closeFrom {
		return 0, nil
	}

	var early, late float64
	for _, tx := range txs {
		if tx.Amount <= 0 || tx.OccurredAt.Before(monthStart) || tx.OccurredAt.After(at) {
			continue
		}
		if !h.category(tx).IsDiscretionary() {
			continue
		}
		if tx.OccurredAt.Day() >= closeFrom {
			late += tx.Amount
		} else {
			early += tx.Amount
		}
	}
	earlyDays := float64(closeFrom - 1)
	lateDays := float64(at.Day() - closeFrom + 1)
	if early <= 0 || earlyDays <= 0 || lateDays <= 0 {
		return 0, nil
	}

	ratio := (late / lateDays) / (early / earlyDays)
	if f := factors.MonthPhase[2]; f > 0 {
		ratio /= f
	}
	raw := math.Max(0, math.Min(1, (ratio-1)/1.5))
	return raw, core.MonthEndMoment{
		DaysUntilMonthEnd: lastDay - at.Day(),
		SpendRatio:        ratio,
	}
}

func (h *Heuristic) isLate(t time.Time) bool {
	hr := t.Hour()
	if h.cfg.LateStartHour > h.cfg.LateEndHour {
		return hr >= h.cfg.LateStartHour || hr < h.cfg.LateEndHour
	}
	return hr >= h.cfg.LateStartHour && hr < h.cfg.LateEndHour
}

// burstSize counts purchases within window before and including txs[i]
func burstSize(txs []core.Transaction, i int, window time.Duration) int {
	n := 0
	from := txs[i].OccurredAt.Add(-window)
	for j := i; j >= 0 && !txs[j].OccurredAt.Before(from); j-- {
		n++
	}
	return n
}

func saturate(n, at int) float64 {
	if at <= 0 {
		return 0
	}
	return math.Min(1, float64(n)/float64(at))
}

func normalizeMerchant(m string) string {
	out := make([]rune, 0, len(m))
	for _, r := range m {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		}
	}
	return string(out)
}
