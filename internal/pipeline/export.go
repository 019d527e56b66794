package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/tokmeter/internal/config"
	"github.com/theirongolddev/tokmeter/internal/model"
)

// Granularity selects the row shape of a CSV export.
type Granularity string

// Export granularities.
const (
	GranularityRecords  Granularity = "records"
	GranularityTotal    Granularity = "total"
	GranularityProvider Granularity = "provider"
	GranularityModel    Granularity = "model"
)

// ParseGranularity validates an export granularity. Empty means records.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "":
		return GranularityRecords, nil
	case GranularityRecords, GranularityTotal, GranularityProvider, GranularityModel:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("%w: export granularity %q", ErrInvalidBreakdown, s)
}

// RecordHeader is the header of a records export.
var RecordHeader = []string{
	"session_id", "msg_id", "ts_iso", "role",
	"input", "output", "reasoning", "cache_read", "cache_write",
	"provider_id", "model_id", "cost",
}

// AggregateHeader is the header of total, provider and model exports.
var AggregateHeader = []string{
	"scope", "start", "end", "key", "provider_id", "model_id",
	"records", "messages", "requests",
	"input", "output", "reasoning", "cache_read", "cache_write",
	"total_tokens", "cost",
}

// ExportRequest describes one CSV export.
type ExportRequest struct {
	Range       Range
	Granularity Granularity
	Prices      *config.PriceTable
	Location    *time.Location
}

// ExportCSV writes the export for req to w. Records are the same
// representatives, priced the same way, that Query aggregates, so summing
// the exported rows reproduces the queried totals.
func (e *Engine) ExportCSV(ctx context.Context, w io.Writer, req ExportRequest) error {
	cw := csv.NewWriter(w)
	loc := req.Location
	if loc == nil {
		loc = time.Local
	}

	switch req.Granularity {
	case GranularityRecords, "":
		if err := cw.Write(RecordHeader); err != nil {
			return err
		}
		err := e.Each(ctx, req.Range, req.Prices, func(row model.StoredRow, cost decimal.Decimal) error {
			return cw.Write(recordLine(row, cost, loc))
		})
		if err != nil {
			return fmt.Errorf("exporting records: %w", err)
		}

	case GranularityTotal, GranularityProvider, GranularityModel:
		dim := model.DimensionNone
		switch req.Granularity {
		case GranularityProvider:
			dim = model.DimensionProvider
		case GranularityModel:
			dim = model.DimensionModel
		}
		view, err := e.Query(ctx, Query{Range: req.Range, Dimension: dim, Prices: req.Prices, Location: loc})
		if err != nil {
			return fmt.Errorf("exporting %s: %w", req.Granularity, err)
		}
		if err := cw.Write(AggregateHeader); err != nil {
			return err
		}
		if dim == model.DimensionNone {
			if err := cw.Write(aggregateLine(view, "total", "", "", view.Totals)); err != nil {
				return err
			}
			break
		}
		for _, r := range view.Rows {
			if err := cw.Write(aggregateLine(view, r.Key, r.ProviderID, r.ModelID, r.Totals)); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("%w: export granularity %q", ErrInvalidBreakdown, req.Granularity)
	}

	cw.Flush()
	return cw.Error()
}

func recordLine(row model.StoredRow, cost decimal.Decimal, loc *time.Location) []string {
	return []string{
		row.SessionID,
		row.MsgID,
		time.Unix(row.Timestamp, 0).In(loc).Format(time.RFC3339),
		string(row.Role),
		itoa(row.Input),
		itoa(row.Output),
		itoa(row.Reasoning),
		itoa(row.CacheRead),
		itoa(row.CacheWrite),
		row.ProviderID,
		row.ModelID,
		cost.String(),
	}
}

func aggregateLine(view model.AggregateView, key, providerID, modelID string, t model.Totals) []string {
	return []string{
		view.Scope,
		itoa(view.Start),
		itoa(view.End),
		key,
		providerID,
		modelID,
		itoa(t.Records),
		itoa(t.Messages),
		itoa(t.Requests),
		itoa(t.Input),
		itoa(t.Output),
		itoa(t.Reasoning),
		itoa(t.CacheRead),
		itoa(t.CacheWrite),
		itoa(t.TotalTokens()),
		t.Cost.String(),
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
