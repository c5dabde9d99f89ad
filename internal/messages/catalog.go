// Package messages selects coaching message variants without repeating
// recently shown ones.
package messages

import (
	"fmt"
	"strings"

	"github.com/quantumlife/spendcoach/internal/core"
)

// Variant is one message template
type Variant struct {
	Key      string `json:"key" yaml:"key"`
	Template string `json:"template" yaml:"template"`
}

// Catalog supplies message variants. Variants must be returned in a stable
// order since the selector rotates by index.
type Catalog interface {
	Variants(b core.Behavior, t core.InterventionType, k core.MomentKind) []Variant
}

// Key builds a catalog key such as
// "stress_spending.alternative.stress_purchase.2"
func Key(b core.Behavior, t core.InterventionType, k core.MomentKind, index int) string {
	return fmt.Sprintf("%s.%s.%s.%d", b, t, k, index)
}

// StaticCatalog is an in-memory catalog
type StaticCatalog struct {
	templates map[string][]string
}

// NewStaticCatalog builds a catalog from templates keyed by
// "behavior.type.moment"
func NewStaticCatalog(templates map[string][]string) *StaticCatalog {
	return &StaticCatalog{templates: templates}
}

// Variants implements Catalog
func (c *StaticCatalog) Variants(b core.Behavior, t core.InterventionType, k core.MomentKind) []Variant {
	tmpls := c.templates[fmt.Sprintf("%s.%s.%s", b, t, k)]
	out := make([]Variant, len(tmpls))
	for i, tmpl := range tmpls {
		out[i] = Variant{Key: Key(b, t, k, i), Template: tmpl}
	}
	return out
}

// DefaultCatalog returns the built-in message set
func DefaultCatalog() *StaticCatalog {
	return NewStaticCatalog(map[string][]string{
		"small_recurring.awareness.recurring_charge": {
			"That's {occurrences} visits to {merchant} this month.",
			"Small buys at {merchant} are adding up: {occurrences} so far.",
			"{merchant} again. Just noticing the pattern with you.",
		},
		"small_recurring.reflection.recurring_charge": {
			"Is {merchant} still worth it at {occurrences} times a month?",
			"What would skipping {merchant} once this week feel like?",
			"Does each {merchant} stop feel as good as the first one did?",
		},
		"small_recurring.alternative.recurring_charge": {
			"Try setting a {merchant} budget for the week and watch it shrink slower.",
			"Swap one {merchant} visit for a home version and bank the {amount}.",
			"Pause {merchant} for three days and see if you miss it.",
		},
		"stress_spending.awareness.stress_purchase": {
			"A {amount} {category} purchase at {hour}:00. Rough day?",
			"Late purchases tend to cluster when things feel heavy.",
			"{burst} purchases in a short stretch. Worth a second look.",
		},
		"stress_spending.reflection.stress_purchase": {
			"What were you feeling right before this {category} purchase?",
			"Would this {amount} buy still feel right tomorrow morning?",
			"Is this purchase solving the thing that's actually bothering you?",
		},
		"stress_spending.alternative.stress_purchase": {
			"Leave it in the cart for 24 hours and decide tomorrow.",
			"Take a ten minute walk, then come back to this {category} purchase.",
			"Move {amount} to savings instead and treat yourself to a free break.",
		},
		"end_of_month.awareness.month_end": {
			"Spending is running {ratio}x your usual pace with {days} days left.",
			"The last stretch of the month is picking up speed.",
			"{days} days to payday and spending has sped up.",
		},
		"end_of_month.reflection.month_end": {
			"What's driving the extra spending this week?",
			"How would you like the next {days} days to look?",
			"Is the month-end rush planned or just happening?",
		},
		"end_of_month.alternative.month_end": {
			"Set a daily limit for the last {days} days and check in each evening.",
			"Plan the next {days} days of meals from what's already at home.",
			"Move anything non-essential to the first week of next month.",
		},
	})
}

// Render fills template placeholders from the moment
func Render(tmpl string, m core.Moment) string {
	var pairs []string
	switch v := m.(type) {
	case core.RecurringChargeMoment:
		pairs = []string{
			"{merchant}", v.Merchant,
			"{amount}", formatAmount(v.Amount),
			"{occurrences}", fmt.Sprintf("%d", v.Occurrences),
		}
	case core.StressPurchaseMoment:
		pairs = []string{
			"{category}", v.Category,
			"{amount}", formatAmount(v.Amount),
			"{hour}", fmt.Sprintf("%02d", v.Hour),
			"{burst}", fmt.Sprintf("%d", v.Burst),
		}
	case core.MonthEndMoment:
		pairs = []string{
			"{days}", fmt.Sprintf("%d", v.DaysUntilMonthEnd),
			"{ratio}", fmt.Sprintf("%.1f", v.SpendRatio),
		}
	}
	if len(pairs) == 0 {
		return tmpl
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func formatAmount(a float64) string {
	return fmt.Sprintf("$%.2f", a)
}
