// Package pipeline runs incremental scans into the store and computes the
// canonical deduplicated aggregates served to clients.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/tokmeter/internal/config"
	"github.com/theirongolddev/tokmeter/internal/model"
	"github.com/theirongolddev/tokmeter/internal/store"
)

// ErrInvalidBreakdown is returned for unsupported breakdown dimensions.
var ErrInvalidBreakdown = errors.New("invalid breakdown")

// UnknownID labels rows with no provider or model.
const UnknownID = "unknown"

// Engine computes aggregate views from the store's dedup representatives.
// Every view, including CSV export, goes through Each.
type Engine struct {
	store    *store.Store
	tiebreak store.Tiebreak
}

// NewEngine returns an engine reading from st with the given tiebreak rule.
func NewEngine(st *store.Store, tb store.Tiebreak) *Engine {
	return &Engine{store: st, tiebreak: tb}
}

// TiebreakFromConfig maps the config value onto the store rule.
func TiebreakFromConfig(s string) store.Tiebreak {
	if s == config.TiebreakInsertion {
		return store.TiebreakInsertion
	}
	return store.TiebreakMsgID
}

// Query is one aggregation request. Prices and Location are snapshots
// supplied by the caller; the engine holds no pricing state of its own.
type Query struct {
	Range     Range
	Dimension model.Dimension
	Prices    *config.PriceTable
	Location  *time.Location
}

// Each visits one representative row per dedup group in r, in timestamp
// order, together with its cost under prices. A nil price table prices
// everything at zero.
func (e *Engine) Each(ctx context.Context, r Range, prices *config.PriceTable, fn func(model.StoredRow, decimal.Decimal) error) error {
	w := store.Window{Start: r.Start, End: r.End, SessionID: r.SessionID}
	return e.store.Representatives(ctx, w, e.tiebreak, func(row model.StoredRow) error {
		var cost decimal.Decimal
		if prices != nil {
			p, _ := prices.Lookup(row.ProviderID, row.ModelID)
			cost = p.Cost(row.MessageRecord)
		}
		return fn(row, cost)
	})
}

// Query computes the aggregate view for q. An empty window yields a view
// with zero totals, not an error.
func (e *Engine) Query(ctx context.Context, q Query) (model.AggregateView, error) {
	dim := q.Dimension
	if dim == "" {
		dim = model.DimensionNone
	}
	if _, ok := model.ParseDimension(string(dim)); !ok {
		return model.AggregateView{}, fmt.Errorf("%w: %q", ErrInvalidBreakdown, dim)
	}
	loc := q.Location
	if loc == nil {
		loc = time.Local
	}

	view := model.AggregateView{
		Scope:     q.Range.Name,
		Start:     q.Range.Start,
		End:       q.Range.End,
		SessionID: q.Range.SessionID,
		Dimension: dim,
	}

	groups := make(map[string]*model.BreakdownRow)
	var (
		buckets        = make(map[int64]*model.Totals)
		bucket         = q.Range.Bucket()
		firstTS, maxTS int64
		seen           bool
	)

	err := e.Each(ctx, q.Range, q.Prices, func(row model.StoredRow, cost decimal.Decimal) error {
		view.Totals.AddRow(row.MessageRecord, cost)
		if !seen {
			firstTS, seen = row.Timestamp, true
		}
		maxTS = row.Timestamp

		switch dim {
		case model.DimensionProvider, model.DimensionModel:
			g := groupFor(groups, dim, row.ProviderID, row.ModelID)
			g.AddRow(row.MessageRecord, cost)
		case model.DimensionTrend:
			start := bucketStart(row.Timestamp, bucket, loc)
			b, ok := buckets[start]
			if !ok {
				b = &model.Totals{}
				buckets[start] = b
			}
			b.AddRow(row.MessageRecord, cost)
		}
		return nil
	})
	if err != nil {
		return model.AggregateView{}, err
	}

	switch dim {
	case model.DimensionProvider, model.DimensionModel:
		view.Rows = sortedRows(groups, view.Totals)
	case model.DimensionTrend:
		view.Bucket = bucket
		// Open-ended or very wide windows are clipped to the data they contain.
		from, to := q.Range.Start, q.Range.End
		if from <= 0 || to == math.MaxInt64 || approxBuckets(from, to, bucket) > maxTrendBuckets {
			if !seen {
				break
			}
			from, to = firstTS, maxTS+1
		}
		trend, err := fillBuckets(buckets, from, to, bucket, loc)
		if err != nil {
			return model.AggregateView{}, err
		}
		view.Trend = trend
	}

	return view, nil
}

func groupFor(groups map[string]*model.BreakdownRow, dim model.Dimension, providerID, modelID string) *model.BreakdownRow {
	if providerID == "" {
		providerID = UnknownID
	}
	key := providerID
	if dim == model.DimensionModel {
		if modelID == "" {
			modelID = UnknownID
		}
		key = providerID + "/" + modelID
	} else {
		modelID = ""
	}
	g, ok := groups[key]
	if !ok {
		g = &model.BreakdownRow{Key: key, ProviderID: providerID, ModelID: modelID}
		groups[key] = g
	}
	return g
}

// sortedRows orders breakdown rows by cost, then tokens, then key, and
// fills in each row's share of the total.
func sortedRows(groups map[string]*model.BreakdownRow, total model.Totals) []model.BreakdownRow {
	rows := make([]model.BreakdownRow, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, *g)
	}
	sort.Slice(rows, func(i, j int) bool {
		if c := rows[i].Cost.Cmp(rows[j].Cost); c != 0 {
			return c > 0
		}
		if ti, tj := rows[i].TotalTokens(), rows[j].TotalTokens(); ti != tj {
			return ti > tj
		}
		return rows[i].Key < rows[j].Key
	})

	totalCost, _ := total.Cost.Float64()
	totalTokens := float64(total.TotalTokens())
	for i := range rows {
		switch {
		case totalCost > 0:
			c, _ := rows[i].Cost.Float64()
			rows[i].SharePercent = c / totalCost * 100
		case totalTokens > 0:
			rows[i].SharePercent = float64(rows[i].TotalTokens()) / totalTokens * 100
		}
	}
	return rows
}

// bucketStart returns the start of the local hour or day containing ts.
func bucketStart(ts int64, size model.BucketSize, loc *time.Location) int64 {
	t := time.Unix(ts, 0).In(loc)
	if size == model.BucketHour {
		_, offset := t.Zone()
		local := ts + int64(offset)
		return local - floorMod(local, 3600) - int64(offset)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).Unix()
}

func nextBucket(start int64, size model.BucketSize, loc *time.Location) int64 {
	if size == model.BucketHour {
		next := bucketStart(start+3600, size, loc)
		if next <= start {
			next = start + 3600
		}
		return next
	}
	t := time.Unix(start, 0).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc).Unix()
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// maxTrendBuckets bounds the series length. Data spanning more buckets
// than this is rejected rather than truncated.
const maxTrendBuckets = 10000

// approxBuckets estimates how many buckets cover [from, to).
func approxBuckets(from, to int64, size model.BucketSize) int64 {
	width := int64(86400)
	if size == model.BucketHour {
		width = 3600
	}
	return (to-from)/width + 2
}

// fillBuckets lays out every bucket overlapping [from, to) in order so gaps
// show as zeros. Bucket edges are clipped to the window.
func fillBuckets(buckets map[int64]*model.Totals, from, to int64, size model.BucketSize, loc *time.Location) ([]model.TrendBucket, error) {
	if to <= from {
		return nil, nil
	}
	var out []model.TrendBucket
	for cur := bucketStart(from, size, loc); cur < to; cur = nextBucket(cur, size, loc) {
		if len(out) == maxTrendBuckets {
			return nil, fmt.Errorf("%w: trend over [%d, %d) needs more than %d %s buckets",
				ErrInvalidScope, from, to, maxTrendBuckets, size)
		}
		next := nextBucket(cur, size, loc)
		tb := model.TrendBucket{Start: max(cur, from), End: min(next, to)}
		if b, ok := buckets[cur]; ok {
			tb.Totals = *b
		}
		out = append(out, tb)
	}
	return out, nil
}
