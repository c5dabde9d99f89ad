package confidence

import (
	"math"
	"testing"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/policy"
)

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestStore_Clamp(t *testing.T) {
	s := NewStore(policy.Default())

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"negative", -0.3, 0},
		{"zero", 0, 0},
		{"inside", 0.42, 0.42},
		{"at ceiling", 0.95, 0.95},
		{"above ceiling", 1.0, 0.95},
		{"nan", math.NaN(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Clamp(tt.in); got != tt.want {
				t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestStore_Decay_HalfLife(t *testing.T) {
	p := policy.Default()
	s := NewStore(p)

	scores := core.Scores{SmallRecurring: 0.8, StressSpending: 0.4}
	got := s.Decay(scores, base, base.Add(p.DecayHalfLife.D()))

	if math.Abs(got.SmallRecurring-0.4) > 1e-9 {
		t.Errorf("SmallRecurring = %v, want 0.4", got.SmallRecurring)
	}
	if math.Abs(got.StressSpending-0.2) > 1e-9 {
		t.Errorf("StressSpending = %v, want 0.2", got.StressSpending)
	}
	if got.EndOfMonth != 0 {
		t.Errorf("EndOfMonth = %v, want 0", got.EndOfMonth)
	}
}

func TestStore_Decay_NoElapsedTime(t *testing.T) {
	s := NewStore(policy.Default())
	scores := core.Scores{StressSpending: 0.7}

	if got := s.Decay(scores, time.Time{}, base); got != scores {
		t.Errorf("zero since should not decay, got %+v", got)
	}
	if got := s.Decay(scores, base, base); got != scores {
		t.Errorf("same instant should not decay, got %+v", got)
	}
}

func TestStore_Update_NeverReachesOne(t *testing.T) {
	s := NewStore(policy.Default())
	prof := core.NewProfile("u1", base)

	det := core.DetectionSet{}.
		Set(core.BehaviorStressSpending, core.Detection{Confidence: 1.0, Detected: true})
	s.Update(prof, det, base)

	if prof.Confidence.StressSpending >= 1.0 {
		t.Fatalf("confidence reached %v, ceiling must hold", prof.Confidence.StressSpending)
	}
	if prof.EvaluationCount != 1 {
		t.Errorf("EvaluationCount = %d, want 1", prof.EvaluationCount)
	}
	if prof.LastEvaluatedAt == nil || !prof.LastEvaluatedAt.Equal(base) {
		t.Errorf("LastEvaluatedAt = %v, want %v", prof.LastEvaluatedAt, base)
	}
	if len(prof.ConfidenceHistory) != 1 || !prof.ConfidenceHistory[0].Detected {
		t.Errorf("history = %+v, want one detected snapshot", prof.ConfidenceHistory)
	}
}

func TestStore_AppendHistory_Spacing(t *testing.T) {
	s := NewStore(policy.Default())
	prof := core.NewProfile("u1", base)

	if !s.AppendHistory(prof, core.Snapshot{At: base}) {
		t.Fatal("first snapshot should be stored")
	}
	if s.AppendHistory(prof, core.Snapshot{At: base.Add(3 * time.Hour)}) {
		t.Error("snapshot 3h later should be skipped")
	}
	if !s.AppendHistory(prof, core.Snapshot{At: base.Add(4 * time.Hour)}) {
		t.Error("snapshot 4h later should be stored")
	}
	if len(prof.ConfidenceHistory) != 2 {
		t.Errorf("history length = %d, want 2", len(prof.ConfidenceHistory))
	}
}

func TestStore_AppendHistory_PrunesOldest(t *testing.T) {
	p := policy.Default()
	p.HistoryLimit = 3
	s := NewStore(p)
	prof := core.NewProfile("u1", base)

	for i := 0; i < 5; i++ {
		s.AppendHistory(prof, core.Snapshot{At: base.Add(time.Duration(i) * 5 * time.Hour)})
	}

	if len(prof.ConfidenceHistory) != 3 {
		t.Fatalf("history length = %d, want 3", len(prof.ConfidenceHistory))
	}
	want := base.Add(10 * time.Hour)
	if !prof.ConfidenceHistory[0].At.Equal(want) {
		t.Errorf("oldest entry = %v, want %v", prof.ConfidenceHistory[0].At, want)
	}
	for i := 1; i < len(prof.ConfidenceHistory); i++ {
		if !prof.ConfidenceHistory[i].At.After(prof.ConfidenceHistory[i-1].At) {
			t.Error("history must stay ordered")
		}
	}
}

func TestStore_Recalibrate(t *testing.T) {
	p := policy.Default()
	s := NewStore(p)

	txs := make([]core.Transaction, 0, 120)
	for i := 0; i < 120; i++ {
		at := base.Add(time.Duration(i) * 18 * time.Hour)
		amount := 20.0
		if at.Weekday() == time.Saturday {
			amount = 60
		}
		txs = append(txs, core.Transaction{ID: "t", Amount: amount, OccurredAt: at})
	}

	t.Run("not enough transactions since last calibration", func(t *testing.T) {
		prof := core.NewProfile("u1", base)
		prof.TransactionsSinceCalibration = 10
		if s.Recalibrate(prof, txs, base) {
			t.Error("should not calibrate with 10 new transactions")
		}
	})

	t.Run("first calibration", func(t *testing.T) {
		prof := core.NewProfile("u1", base)
		prof.TransactionsSinceCalibration = 95
		if !s.Recalibrate(prof, txs, base) {
			t.Fatal("expected calibration")
		}
		if prof.SeasonalFactors == nil {
			t.Fatal("factors not set")
		}
		if prof.TransactionsSinceCalibration != 0 {
			t.Errorf("counter = %d, want 0", prof.TransactionsSinceCalibration)
		}
		sat := prof.SeasonalFactors.Weekday[time.Saturday]
		mon := prof.SeasonalFactors.Weekday[time.Monday]
		if sat <= mon {
			t.Errorf("saturday factor %v should exceed monday %v", sat, mon)
		}
	})

	t.Run("too soon after previous calibration", func(t *testing.T) {
		prof := core.NewProfile("u1", base)
		prof.TransactionsSinceCalibration = 200
		prof.SeasonalFactors = &core.SeasonalFactors{CalibratedAt: base.Add(-30 * 24 * time.Hour)}
		if s.Recalibrate(prof, txs, base) {
			t.Error("should not calibrate within 90 days")
		}
	})

	t.Run("after interval", func(t *testing.T) {
		prof := core.NewProfile("u1", base)
		prof.TransactionsSinceCalibration = 200
		prof.SeasonalFactors = &core.SeasonalFactors{CalibratedAt: base.Add(-91 * 24 * time.Hour)}
		if !s.Recalibrate(prof, txs, base) {
			t.Error("should calibrate after 90 days")
		}
	})
}

func TestComputeSeasonalFactors_Bounded(t *testing.T) {
	txs := []core.Transaction{
		{Amount: 1, OccurredAt: base},
		{Amount: 1000, OccurredAt: base.Add(24 * time.Hour)},
		{Amount: 1, OccurredAt: base.Add(48 * time.Hour)},
	}
	f := ComputeSeasonalFactors(txs)
	for i, v := range f.Weekday {
		if v < 0.5 || v > 2.0 {
			t.Errorf("weekday[%d] = %v out of bounds", i, v)
		}
	}
	if f.SampleSize != 3 {
		t.Errorf("SampleSize = %d, want 3", f.SampleSize)
	}
}

func TestMonthPhase(t *testing.T) {
	tests := []struct {
		day  int
		want int
	}{
		{1, 0}, {10, 0}, {11, 1}, {20, 1}, {21, 2}, {31, 2},
	}
	for _, tt := range tests {
		d := time.Date(2026, 1, tt.day, 0, 0, 0, 0, time.UTC)
		if got := MonthPhase(d); got != tt.want {
			t.Errorf("MonthPhase(day %d) = %d, want %d", tt.day, got, tt.want)
		}
	}
}
