package finance

import "testing"

func TestCategorize(t *testing.T) {
	c := NewCategorizer()

	tests := []struct {
		merchant string
		hint     string
		want     Category
	}{
		{"Whole Foods Market", "", CategoryGroceries},
		{"STARBUCKS #1234", "", CategoryDining},
		{"Uber Eats", "", CategoryDining}, // longer match beats "uber"
		{"Uber Trip", "", CategoryTransport},
		{"Netflix.com", "", CategorySubscription},
		{"AMAZON MKTPLACE", "", CategoryShopping},
		{"Corner Store", "", CategoryOther},
		{"", "", CategoryOther},
		{"Corner Store", "Dining", CategoryDining},
		{"Amazon", "not-a-category", CategoryShopping},
	}

	for _, tt := range tests {
		t.Run(tt.merchant+"/"+tt.hint, func(t *testing.T) {
			if got := c.Categorize(tt.merchant, tt.hint); got != tt.want {
				t.Errorf("Categorize(%q, %q) = %q, want %q", tt.merchant, tt.hint, got, tt.want)
			}
		})
	}
}

func TestCategorize_Cached(t *testing.T) {
	c := NewCategorizer()
	first := c.Categorize("Spotify USA", "")
	if first != CategorySubscription {
		t.Fatalf("got %q", first)
	}
	if _, ok := c.merchantCache["spotify usa"]; !ok {
		t.Error("merchant not cached")
	}
	if again := c.Categorize("  SPOTIFY USA ", ""); again != first {
		t.Errorf("cached lookup = %q, want %q", again, first)
	}
}

func TestParseCategory(t *testing.T) {
	if got := ParseCategory(" Groceries "); got != CategoryGroceries {
		t.Errorf("got %q", got)
	}
	if got := ParseCategory("crypto"); got != CategoryOther {
		t.Errorf("got %q, want other", got)
	}
}

func TestCategoryFlags(t *testing.T) {
	for _, c := range AllCategories() {
		if c.IsImpulse() && !c.IsDiscretionary() {
			t.Errorf("%s is impulse but not discretionary", c)
		}
	}
	if CategoryBills.IsDiscretionary() {
		t.Error("bills should not be discretionary")
	}
	if !CategoryShopping.IsImpulse() {
		t.Error("shopping should be impulse")
	}
}
