package model

import (
	"github.com/shopspring/decimal"
)

// Totals is the summed view over a set of representative rows.
type Totals struct {
	TokenCounts
	Records  int64           `json:"records"`
	Messages int64           `json:"messages"`
	Requests int64           `json:"requests"`
	Cost     decimal.Decimal `json:"cost"`
}

// TotalTokens returns the token sum across all categories.
func (t Totals) TotalTokens() int64 {
	return t.TokenCounts.Total()
}

// AddRow folds one representative row and its computed cost into t.
func (t *Totals) AddRow(r MessageRecord, cost decimal.Decimal) {
	t.TokenCounts.Add(r.TokenCounts)
	t.Records++
	if r.Role == RoleAssistant && r.HasUsage() {
		t.Messages++
	}
	if r.Role == RoleUser {
		t.Requests++
	}
	t.Cost = t.Cost.Add(cost)
}

// Merge accumulates o into t.
func (t *Totals) Merge(o Totals) {
	t.TokenCounts.Add(o.TokenCounts)
	t.Records += o.Records
	t.Messages += o.Messages
	t.Requests += o.Requests
	t.Cost = t.Cost.Add(o.Cost)
}

// IsZero reports whether no rows contributed to t.
func (t Totals) IsZero() bool {
	return t.Records == 0
}

// Dimension selects how an aggregate is broken down.
type Dimension string

// Supported breakdown dimensions.
const (
	DimensionNone     Dimension = "none"
	DimensionProvider Dimension = "provider"
	DimensionModel    Dimension = "model"
	DimensionTrend    Dimension = "trend"
)

// ParseDimension validates a breakdown dimension. Empty means none.
func ParseDimension(s string) (Dimension, bool) {
	switch Dimension(s) {
	case "":
		return DimensionNone, true
	case DimensionNone, DimensionProvider, DimensionModel, DimensionTrend:
		return Dimension(s), true
	}
	return "", false
}

// BreakdownRow holds totals for one provider or provider/model pair.
type BreakdownRow struct {
	Key        string `json:"key"`
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id,omitempty"`
	Totals
	SharePercent float64 `json:"share_percent"`
}

// BucketSize is the width of a trend bucket.
type BucketSize string

// Trend bucket widths.
const (
	BucketHour BucketSize = "hour"
	BucketDay  BucketSize = "day"
)

// TrendBucket holds totals for one [Start, End) slice of a scope.
type TrendBucket struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Totals
}

// AggregateView is the result of one canonical aggregation query.
type AggregateView struct {
	Scope     string         `json:"scope"`
	Start     int64          `json:"start"`
	End       int64          `json:"end"`
	SessionID string         `json:"session_id,omitempty"`
	Dimension Dimension      `json:"dimension"`
	Totals    Totals         `json:"totals"`
	Rows      []BreakdownRow `json:"rows,omitempty"`
	Bucket    BucketSize     `json:"bucket,omitempty"`
	Trend     []TrendBucket  `json:"trend,omitempty"`
}
