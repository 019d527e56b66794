package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/tokmeter/internal/model"
)

// ModelPricing holds prices for one model: per-million-token rates for each
// billable category plus a flat per-request fee.
type ModelPricing struct {
	InputPerMTok      float64 `toml:"input_per_mtok"`
	OutputPerMTok     float64 `toml:"output_per_mtok"`
	CacheReadPerMTok  float64 `toml:"cache_read_per_mtok"`
	CacheWritePerMTok float64 `toml:"cache_write_per_mtok"`
	Request           float64 `toml:"request"`
}

func (p ModelPricing) validate() error {
	if p.InputPerMTok < 0 || p.OutputPerMTok < 0 || p.CacheReadPerMTok < 0 ||
		p.CacheWritePerMTok < 0 || p.Request < 0 {
		return errors.New("prices must be non-negative")
	}
	return nil
}

// PricingConfig is the [pricing] section: per "provider/model" overrides and
// an optional fallback for models with no entry.
type PricingConfig struct {
	Default *ModelPricing           `toml:"default,omitempty"`
	Models  map[string]ModelPricing `toml:"models,omitempty"`
}

// cachingPrice mirrors a single "caching" rate onto both cache categories.
func cachingPrice(in, out, caching, request float64) ModelPricing {
	return ModelPricing{
		InputPerMTok:      in,
		OutputPerMTok:     out,
		CacheReadPerMTok:  caching,
		CacheWritePerMTok: caching,
		Request:           request,
	}
}

// DefaultPricing maps "provider/model" keys to built-in prices.
var DefaultPricing = map[string]ModelPricing{
	"anthropic/claude-haiku-4-5":  cachingPrice(1.00, 5.00, 0.10, 0),
	"anthropic/claude-opus-4-1":   cachingPrice(15.00, 75.00, 1.50, 0),
	"anthropic/claude-opus-4-5":   cachingPrice(5.00, 25.00, 0.50, 0),
	"anthropic/claude-opus-4-6":   cachingPrice(5.00, 25.00, 0.50, 0),
	"anthropic/claude-sonnet-4":   cachingPrice(3.00, 15.00, 0.30, 0),
	"anthropic/claude-sonnet-4-5": cachingPrice(3.00, 15.00, 0.30, 0),
	"anthropic/claude-sonnet-4-6": cachingPrice(3.00, 15.00, 0.30, 0),

	"github-copilot/claude-haiku-4.5":       cachingPrice(0, 0, 0, 0.0132),
	"github-copilot/claude-opus-4.5":        cachingPrice(0, 0, 0, 0.12),
	"github-copilot/claude-sonnet-4.5":      cachingPrice(0, 0, 0, 0.04),
	"github-copilot/gemini-3-flash-preview": cachingPrice(0, 0, 0, 0.0132),
	"github-copilot/gemini-3-pro-preview":   cachingPrice(0, 0, 0, 0.04),
	"github-copilot/gpt-5-mini":             cachingPrice(0, 0, 0, 0),
	"github-copilot/gpt-5.2-codex":          cachingPrice(0, 0, 0, 0.04),

	"google/gemini-3-flash-preview": cachingPrice(0.50, 3.00, 0.05, 0),
	"google/gemini-3-pro":           cachingPrice(2.50, 15.00, 0.25, 0),

	"opencode/glm-4.7-free":         {},
	"opencode/gpt-5-nano":           {},
	"opencode/kimi-k2.5-free":       {},
	"opencode/minimax-m2.1-free":    {},
	"nvidia/openai/gpt-oss-120b":    {},
	"nvidia/z-ai/glm4.7":            {},
	"nvidia/minimaxai/minimax-m2.1": {},
}

// Price is a resolved per-token price in USD. Rates are exact decimals.
type Price struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheRead  decimal.Decimal
	CacheWrite decimal.Decimal
	Request    decimal.Decimal
}

func newPrice(p ModelPricing) Price {
	// NewFromFloat keeps the shortest decimal form, so 0.3 stays 0.3.
	rate := func(v float64) decimal.Decimal {
		return decimal.NewFromFloat(v).Shift(-6)
	}
	return Price{
		Input:      rate(p.InputPerMTok),
		Output:     rate(p.OutputPerMTok),
		CacheRead:  rate(p.CacheReadPerMTok),
		CacheWrite: rate(p.CacheWritePerMTok),
		Request:    decimal.NewFromFloat(p.Request),
	}
}

// Cost prices one record. Reasoning tokens bill at the output rate and the
// request fee applies to user turns.
func (p Price) Cost(r model.MessageRecord) decimal.Decimal {
	cost := p.Input.Mul(decimal.NewFromInt(r.Input)).
		Add(p.Output.Mul(decimal.NewFromInt(r.Output + r.Reasoning))).
		Add(p.CacheRead.Mul(decimal.NewFromInt(r.CacheRead))).
		Add(p.CacheWrite.Mul(decimal.NewFromInt(r.CacheWrite)))
	if r.Role == model.RoleUser {
		cost = cost.Add(p.Request)
	}
	return cost
}

// PriceTable is an immutable snapshot of resolved prices.
type PriceTable struct {
	version  int64
	models   map[string]Price
	fallback *Price
}

var priceVersion atomic.Int64

// NewPriceTable merges configured overrides over the built-in defaults.
// Each table gets a fresh version so query results can be keyed by it.
func NewPriceTable(cfg PricingConfig) *PriceTable {
	t := &PriceTable{
		version: priceVersion.Add(1),
		models:  make(map[string]Price, len(DefaultPricing)+len(cfg.Models)),
	}
	for key, p := range DefaultPricing {
		t.models[strings.ToLower(key)] = newPrice(p)
	}
	for key, p := range cfg.Models {
		t.models[strings.ToLower(key)] = newPrice(p)
	}
	if cfg.Default != nil {
		fb := newPrice(*cfg.Default)
		t.fallback = &fb
	}
	return t
}

// Version identifies this snapshot.
func (t *PriceTable) Version() int64 {
	return t.version
}

// Lookup resolves the price for a provider/model pair. It tries
// "provider/model", then the bare model, then both again with any date
// suffix stripped, then the configured fallback. Unknown models resolve
// to a zero price and false.
func (t *PriceTable) Lookup(providerID, modelID string) (Price, bool) {
	providerID = strings.ToLower(providerID)
	modelID = strings.ToLower(modelID)
	for _, m := range []string{modelID, stripDateSuffix(modelID)} {
		if m == "" {
			continue
		}
		if providerID != "" {
			if p, ok := t.models[providerID+"/"+m]; ok {
				return p, true
			}
		}
		if p, ok := t.models[m]; ok {
			return p, true
		}
	}
	if t.fallback != nil {
		return *t.fallback, true
	}
	return Price{}, false
}

// stripDateSuffix strips a trailing -YYYYMMDD segment.
// e.g., "claude-sonnet-4-5-20250929" -> "claude-sonnet-4-5"
func stripDateSuffix(raw string) string {
	i := strings.LastIndexByte(raw, '-')
	if i < 0 {
		return raw
	}
	last := raw[i+1:]
	if len(last) >= 8 && isAllDigits(last) {
		return raw[:i]
	}
	return raw
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
