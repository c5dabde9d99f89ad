package messages

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
)

var stress = core.StressPurchaseMoment{Category: "shopping", Amount: 42.5, Hour: 23, Burst: 3}

func key(i int) string {
	return Key(core.BehaviorStressSpending, core.InterventionAlternative, core.MomentStressPurchase, i)
}

func TestSelect_Rotates(t *testing.T) {
	s := NewSelector(DefaultCatalog())

	cursor := -1
	var got []int
	for i := 0; i < 4; i++ {
		sel, err := s.Select(core.BehaviorStressSpending, core.InterventionAlternative, stress, nil, cursor)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		got = append(got, sel.VariantIndex)
		cursor = sel.VariantIndex
	}

	want := []int{0, 1, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestSelect_SkipsRecent(t *testing.T) {
	s := NewSelector(DefaultCatalog())

	sel, err := s.Select(core.BehaviorStressSpending, core.InterventionAlternative, stress, []string{key(1)}, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.VariantIndex != 2 {
		t.Errorf("VariantIndex = %d, want 2", sel.VariantIndex)
	}
}

func TestSelect_AllRecentFallsBackToLeastRecent(t *testing.T) {
	s := NewSelector(DefaultCatalog())
	recent := []string{key(2), key(0), key(1)}

	sel, err := s.Select(core.BehaviorStressSpending, core.InterventionAlternative, stress, recent, 2)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Key != key(2) {
		t.Errorf("Key = %s, want %s", sel.Key, key(2))
	}
}

func TestSelect_NeverReturnsRecentWhenAlternativeExists(t *testing.T) {
	s := NewSelector(DefaultCatalog())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		var recent []string
		for j := 0; j < 3; j++ {
			if rng.Intn(2) == 0 {
				recent = append(recent, key(j))
			}
		}
		rng.Shuffle(len(recent), func(a, b int) { recent[a], recent[b] = recent[b], recent[a] })
		cursor := rng.Intn(4) - 1

		sel, err := s.Select(core.BehaviorStressSpending, core.InterventionAlternative, stress, recent, cursor)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if len(recent) == 3 {
			continue
		}
		for _, k := range recent {
			if sel.Key == k {
				t.Fatalf("iteration %d: returned recent key %s with recent=%v", i, k, recent)
			}
		}
	}
}

func TestSelect_Errors(t *testing.T) {
	s := NewSelector(NewStaticCatalog(nil))

	if _, err := s.Select(core.BehaviorStressSpending, core.InterventionAwareness, stress, nil, -1); !errors.Is(err, core.ErrNoMessage) {
		t.Errorf("empty catalog error = %v, want ErrNoMessage", err)
	}
	if _, err := s.Select(core.BehaviorStressSpending, core.InterventionAwareness, nil, nil, -1); !errors.Is(err, core.ErrNoMessage) {
		t.Errorf("nil moment error = %v, want ErrNoMessage", err)
	}
}

func TestDefaultCatalog_Complete(t *testing.T) {
	c := DefaultCatalog()
	for _, b := range core.AllBehaviors() {
		for _, it := range core.AllInterventionTypes() {
			for _, k := range core.EligibleMoments(b) {
				if n := len(c.Variants(b, it, k)); n < 2 {
					t.Errorf("%s/%s/%s has %d variants, want at least 2", b, it, k, n)
				}
			}
		}
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		m    core.Moment
		want string
	}{
		{"stress", "A {amount} {category} purchase at {hour}:00.", stress, "A $42.50 shopping purchase at 23:00."},
		{"recurring", "{merchant} x{occurrences}", core.RecurringChargeMoment{Merchant: "Blue Bottle", Occurrences: 6}, "Blue Bottle x6"},
		{"month end", "{ratio}x with {days} days", core.MonthEndMoment{DaysUntilMonthEnd: 4, SpendRatio: 1.84}, "1.8x with 4 days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.tmpl, tt.m); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecord(t *testing.T) {
	p := core.NewProfile("u1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p.RecentMessageKeys = []string{"a", "b"}

	for i, k := range []string{"c", "a"} {
		if err := Record(p, core.BehaviorEndOfMonth, Selection{Key: k, VariantIndex: i}, 3); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	if got := strings.Join(p.RecentMessageKeys, ","); got != "b,c,a" {
		t.Errorf("recent keys = %s, want b,c,a", got)
	}
	if Cursor(p, core.BehaviorEndOfMonth) != 1 {
		t.Errorf("cursor = %d, want 1", Cursor(p, core.BehaviorEndOfMonth))
	}
	if Cursor(p, core.BehaviorSmallRecurring) != -1 {
		t.Error("unset cursor should be -1")
	}

	if err := Record(p, core.BehaviorEndOfMonth, Selection{Key: "d"}, 3); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := strings.Join(p.RecentMessageKeys, ","); got != "c,a,d" {
		t.Errorf("recent keys = %s, want c,a,d", got)
	}
}
