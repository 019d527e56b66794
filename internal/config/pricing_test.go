package config

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/tokmeter/internal/model"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestPriceCost_ExactPerMillion(t *testing.T) {
	table := NewPriceTable(PricingConfig{
		Models: map[string]ModelPricing{
			"test/model-a": {InputPerMTok: 3, OutputPerMTok: 15},
		},
	})
	price, ok := table.Lookup("test", "model-a")
	if !ok {
		t.Fatal("Lookup returned !ok for configured model")
	}

	rec := model.MessageRecord{
		Role:        model.RoleAssistant,
		TokenCounts: model.TokenCounts{Input: 1000, Output: 500},
	}
	got := price.Cost(rec)
	if want := mustDecimal(t, "0.0105"); !got.Equal(want) {
		t.Fatalf("Cost = %s, want %s", got, want)
	}

	sum := got.Add(price.Cost(rec))
	if want := mustDecimal(t, "0.021"); !sum.Equal(want) {
		t.Fatalf("sum of two = %s, want %s", sum, want)
	}
}

func TestPriceCost_Categories(t *testing.T) {
	table := NewPriceTable(PricingConfig{
		Models: map[string]ModelPricing{
			"p/m": {InputPerMTok: 1, OutputPerMTok: 2, CacheReadPerMTok: 0.3, CacheWritePerMTok: 4, Request: 0.04},
		},
	})
	price, _ := table.Lookup("p", "m")

	tests := []struct {
		name string
		rec  model.MessageRecord
		want string
	}{
		{
			name: "reasoning bills at output rate",
			rec: model.MessageRecord{Role: model.RoleAssistant,
				TokenCounts: model.TokenCounts{Reasoning: 1_000_000}},
			want: "2",
		},
		{
			name: "cache categories",
			rec: model.MessageRecord{Role: model.RoleAssistant,
				TokenCounts: model.TokenCounts{CacheRead: 10, CacheWrite: 10}},
			want: "0.000043",
		},
		{
			name: "request fee on user turn",
			rec:  model.MessageRecord{Role: model.RoleUser},
			want: "0.04",
		},
		{
			name: "no request fee on assistant turn",
			rec:  model.MessageRecord{Role: model.RoleAssistant},
			want: "0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := price.Cost(tt.rec)
			if want := mustDecimal(t, tt.want); !got.Equal(want) {
				t.Errorf("Cost = %s, want %s", got, want)
			}
		})
	}
}

func TestPriceTableLookup(t *testing.T) {
	table := NewPriceTable(PricingConfig{
		Models: map[string]ModelPricing{
			"gpt-4o":                      {InputPerMTok: 2.5},
			"anthropic/claude-sonnet-4-5": {InputPerMTok: 99},
		},
	})

	tests := []struct {
		provider, model string
		wantOK          bool
		wantInputPerTok string
	}{
		{"anthropic", "claude-sonnet-4-5", true, "0.000099"},
		{"anthropic", "claude-sonnet-4-5-20250929", true, "0.000099"},
		{"ANTHROPIC", "Claude-Sonnet-4-5", true, "0.000099"},
		{"anthropic", "claude-haiku-4-5", true, "0.000001"},
		{"openai", "gpt-4o", true, "0.0000025"},
		{"", "gpt-4o", true, "0.0000025"},
		{"nobody", "unknown-model", false, "0"},
		{"", "", false, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.provider+"/"+tt.model, func(t *testing.T) {
			p, ok := table.Lookup(tt.provider, tt.model)
			if ok != tt.wantOK {
				t.Fatalf("Lookup ok = %v, want %v", ok, tt.wantOK)
			}
			if want := mustDecimal(t, tt.wantInputPerTok); !p.Input.Equal(want) {
				t.Errorf("Input = %s, want %s", p.Input, want)
			}
		})
	}
}

func TestPriceTableUnknownModelIsFree(t *testing.T) {
	table := NewPriceTable(PricingConfig{})
	p, ok := table.Lookup("mystery", "model-x")
	if ok {
		t.Fatal("Lookup returned ok for unknown model")
	}
	rec := model.MessageRecord{Role: model.RoleUser, TokenCounts: model.TokenCounts{Input: 5000, Output: 5000}}
	if c := p.Cost(rec); !c.IsZero() {
		t.Fatalf("unknown model cost = %s, want 0", c)
	}
}

func TestPriceTableFallback(t *testing.T) {
	table := NewPriceTable(PricingConfig{
		Default: &ModelPricing{InputPerMTok: 0.5, OutputPerMTok: 3},
	})
	p, ok := table.Lookup("mystery", "model-x")
	if !ok {
		t.Fatal("Lookup returned !ok with a configured fallback")
	}
	if want := mustDecimal(t, "0.000003"); !p.Output.Equal(want) {
		t.Fatalf("Output = %s, want %s", p.Output, want)
	}
}

func TestPriceTableVersionsAreDistinct(t *testing.T) {
	a := NewPriceTable(PricingConfig{})
	b := NewPriceTable(PricingConfig{})
	if a.Version() == b.Version() {
		t.Fatalf("versions equal: %d", a.Version())
	}
}

func TestStripDateSuffix(t *testing.T) {
	tests := []struct{ in, want string }{
		{"claude-opus-4-5-20251101", "claude-opus-4-5"},
		{"claude-opus-4-5", "claude-opus-4-5"},
		{"gpt-4o-2024", "gpt-4o-2024"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := stripDateSuffix(tt.in); got != tt.want {
			t.Errorf("stripDateSuffix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
