package gates

import (
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
)

// EffectiveCounts returns the daily and weekly intervention counts as of
// now, treating a rolled-over period as zero. The profile is not touched.
func EffectiveCounts(p *core.Profile, now time.Time) (today, week int) {
	today, week = p.InterventionsToday, p.InterventionsThisWeek
	if !sameDay(p.DayWindowStart, now) {
		today = 0
	}
	if !sameWeek(p.WeekWindowStart, now) {
		week = 0
	}
	return today, week
}

// RollCounters resets the counters whose period has rolled over
func RollCounters(p *core.Profile, now time.Time) {
	if !sameDay(p.DayWindowStart, now) {
		p.InterventionsToday = 0
		p.DayWindowStart = startOfDay(now)
	}
	if !sameWeek(p.WeekWindowStart, now) {
		p.InterventionsThisWeek = 0
		p.WeekWindowStart = startOfWeek(now)
	}
}

// RecordDelivery counts a delivered intervention
func RecordDelivery(p *core.Profile, now time.Time) {
	RollCounters(p, now)
	p.InterventionsToday++
	p.InterventionsThisWeek++
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns Monday 00:00 of t's week
func startOfWeek(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return startOfDay(t).AddDate(0, 0, -offset)
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	return startOfDay(a.In(b.Location())).Equal(startOfDay(b))
}

func sameWeek(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	return startOfWeek(a.In(b.Location())).Equal(startOfWeek(b))
}
