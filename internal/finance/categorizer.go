// Package finance implements transaction categorization.
package finance

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Category represents a spending category
type Category string

const (
	CategoryGroceries     Category = "groceries"
	CategoryDining        Category = "dining"
	CategoryTransport     Category = "transport"
	CategoryUtilities     Category = "utilities"
	CategoryEntertainment Category = "entertainment"
	CategoryShopping      Category = "shopping"
	CategoryHealth        Category = "health"
	CategoryTravel        Category = "travel"
	CategorySubscription  Category = "subscription"
	CategoryBills         Category = "bills"
	CategoryIncome        Category = "income"
	CategoryTransfer      Category = "transfer"
	CategoryInvestment    Category = "investment"
	CategoryFees          Category = "fees"
	CategoryOther         Category = "other"
)

// AllCategories returns all available categories
func AllCategories() []Category {
	return []Category{
		CategoryGroceries,
		CategoryDining,
		CategoryTransport,
		CategoryUtilities,
		CategoryEntertainment,
		CategoryShopping,
		CategoryHealth,
		CategoryTravel,
		CategorySubscription,
		CategoryBills,
		CategoryIncome,
		CategoryTransfer,
		CategoryInvestment,
		CategoryFees,
		CategoryOther,
	}
}

// ParseCategory normalizes a free-form category label
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCategories() {
		if c == known {
			return c
		}
	}
	return CategoryOther
}

// IsDiscretionary reports whether spending in the category is optional.
// Only discretionary spending counts toward behavioral signals.
func (c Category) IsDiscretionary() bool {
	switch c {
	case CategoryDining, CategoryEntertainment, CategoryShopping,
		CategorySubscription, CategoryTravel, CategoryOther:
		return true
	}
	return false
}

// IsImpulse reports whether the category is typical for impulse purchases
func (c Category) IsImpulse() bool {
	switch c {
	case CategoryDining, CategoryEntertainment, CategoryShopping:
		return true
	}
	return false
}

// Categorizer assigns categories to merchants using keyword rules
type Categorizer struct {
	regexRules    map[Category][]*regexp.Regexp
	order         []Category
	merchantCache map[string]Category
	mu            sync.RWMutex
}

// NewCategorizer creates a new categorizer
func NewCategorizer() *Categorizer {
	c := &Categorizer{
		merchantCache: make(map[string]Category),
	}
	c.initRules()
	return c
}

// initRules initializes keyword-based categorization rules
func (c *Categorizer) initRules() {
	keywordRules := map[Category][]string{
		CategoryGroceries: {
			"walmart", "costco", "kroger", "safeway", "whole foods",
			"trader joe", "aldi", "publix", "grocery", "supermarket",
		},
		CategoryDining: {
			"mcdonald", "starbucks", "chipotle", "subway", "pizza", "burger",
			"restaurant", "cafe", "coffee", "doordash", "uber eats", "grubhub",
			"bakery", "bar", "pub", "sushi", "takeout",
		},
		CategoryTransport: {
			"uber", "lyft", "taxi", "shell", "exxon", "chevron",
			"parking", "toll", "transit", "metro",
		},
		CategoryUtilities: {
			"electric", "water", "internet", "comcast", "verizon",
			"xfinity", "utility",
		},
		CategoryEntertainment: {
			"cinema", "theater", "concert", "ticketmaster", "gaming",
			"playstation", "xbox", "steam", "arcade",
		},
		CategoryShopping: {
			"amazon", "ebay", "etsy", "best buy", "nike", "zara",
			"h&m", "nordstrom", "ikea", "shein", "temu",
		},
		CategoryHealth: {
			"pharmacy", "cvs", "walgreens", "doctor", "dental",
			"clinic", "gym", "fitness",
		},
		CategoryTravel: {
			"hotel", "airbnb", "expedia", "airline", "flight",
		},
		CategorySubscription: {
			"netflix", "hulu", "spotify", "disney", "patreon",
			"subscription", "membership", "icloud", "youtube premium",
		},
		CategoryBills: {
			"rent", "mortgage", "insurance", "loan", "bill pay",
		},
		CategoryIncome: {
			"payroll", "salary", "direct dep", "refund", "dividend",
		},
		CategoryTransfer: {
			"transfer", "venmo", "zelle", "paypal", "atm",
		},
		CategoryInvestment: {
			"robinhood", "vanguard", "coinbase", "brokerage",
		},
		CategoryFees: {
			"overdraft", "service charge", "late fee", "annual fee",
		},
	}

	c.regexRules = make(map[Category][]*regexp.Regexp)
	for category, keywords := range keywordRules {
		for _, keyword := range keywords {
			pattern := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
			c.regexRules[category] = append(c.regexRules[category], pattern)
		}
		c.order = append(c.order, category)
	}
	// Map iteration is random; fix the order so ties resolve the same way.
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
}

// Categorize returns the category for a merchant. A non-empty hint that
// names a known category wins over keyword matching.
func (c *Categorizer) Categorize(merchant, hint string) Category {
	if hint != "" {
		if cat := ParseCategory(hint); cat != CategoryOther {
			return cat
		}
	}

	key := strings.ToLower(strings.TrimSpace(merchant))
	if key == "" {
		return CategoryOther
	}

	c.mu.RLock()
	cached, ok := c.merchantCache[key]
	c.mu.RUnlock()
	if ok {
		return cached
	}

	category := c.matchKeywords(key)

	c.mu.Lock()
	c.merchantCache[key] = category
	c.mu.Unlock()

	return category
}

// matchKeywords matches a merchant against keyword rules
func (c *Categorizer) matchKeywords(text string) Category {
	bestCategory := CategoryOther
	bestScore := 0.0

	for _, category := range c.order {
		for _, pattern := range c.regexRules[category] {
			match := pattern.FindString(text)
			if match == "" {
				continue
			}
			// Longer matches are more specific
			score := float64(len(match)) / float64(len(text)+1)
			if score > bestScore {
				bestScore = score
				bestCategory = category
			}
		}
	}

	return bestCategory
}
