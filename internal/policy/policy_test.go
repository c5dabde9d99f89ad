package policy

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantumlife/spendcoach/internal/core"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"ceiling at one", func(p *Policy) { p.ConfidenceCeiling = 1 }},
		{"threshold above ceiling", func(p *Policy) { p.ActivationThreshold.StressSpending = 0.99 }},
		{"no min transactions", func(p *Policy) { p.MinTransactions = 0 }},
		{"window below minimum", func(p *Policy) { p.TransactionWindow = 5 }},
		{"max below base", func(p *Policy) { p.CooldownMax = p.CooldownBase / 2 }},
		{"multiplier below one", func(p *Policy) { p.IgnoreMultiplier = 0.5 }},
		{"dismiss harsher than ignore", func(p *Policy) { p.DismissMultiplier = 3 }},
		{"week below day", func(p *Policy) { p.MaxPerWeek = 0 }},
		{"withdraw before escalate", func(p *Policy) { p.EscalateAfterIgnores = 3 }},
		{"short withdrawal", func(p *Policy) { p.WithdrawalDuration = Duration(time.Hour) }},
		{"quiet hour out of range", func(p *Policy) { p.QuietHoursEnd = 24 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(&p)
			if err := p.Validate(); !errors.Is(err, core.ErrInvalidPolicy) {
				t.Errorf("Validate() = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestCooldownFor(t *testing.T) {
	p := Default()

	if got := p.CooldownFor(0, 0); got != 24*time.Hour {
		t.Errorf("base = %v", got)
	}
	if got := p.CooldownFor(1, 0); got != 48*time.Hour {
		t.Errorf("one ignore = %v", got)
	}
	if got := p.CooldownFor(0, 1); got != 36*time.Hour {
		t.Errorf("one dismissal = %v", got)
	}
	if got := p.CooldownFor(10, 10); got != p.CooldownMax.D() {
		t.Errorf("capped = %v, want %v", got, p.CooldownMax)
	}

	// Non-decreasing in both counts
	prev := time.Duration(0)
	for i := 0; i < 6; i++ {
		d := p.CooldownFor(i, i)
		if d < prev {
			t.Errorf("CooldownFor(%d,%d) = %v < %v", i, i, d, prev)
		}
		prev = d
	}
}

func TestDuration_JSON(t *testing.T) {
	var v struct {
		D Duration `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"d":"90m"}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.D.D() != 90*time.Minute {
		t.Errorf("got %v", v.D)
	}
	if err := json.Unmarshal([]byte(`{"d":1000000000}`), &v); err != nil || v.D.D() != time.Second {
		t.Errorf("nanoseconds: %v, %v", v.D, err)
	}
	if err := json.Unmarshal([]byte(`{"d":"soon"}`), &v); err == nil {
		t.Error("expected error")
	}

	data, _ := json.Marshal(Duration(2 * time.Hour))
	if string(data) != `"2h0m0s"` {
		t.Errorf("marshal = %s", data)
	}
}

func TestDuration_YAML(t *testing.T) {
	var v struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte("d: 36h\n"), &v); err != nil {
		t.Fatal(err)
	}
	if v.D.D() != 36*time.Hour {
		t.Errorf("got %v", v.D)
	}
}
