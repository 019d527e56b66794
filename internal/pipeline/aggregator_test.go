package pipeline

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/tokmeter/internal/config"
	"github.com/theirongolddev/tokmeter/internal/model"
	"github.com/theirongolddev/tokmeter/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sonnet(msgID, session string, ts, in, out int64) model.MessageRecord {
	return model.MessageRecord{
		MsgID:       msgID,
		SessionID:   session,
		Timestamp:   ts,
		Role:        model.RoleAssistant,
		ProviderID:  "anthropic",
		ModelID:     "claude-sonnet-4-5",
		TokenCounts: model.TokenCounts{Input: in, Output: out},
	}
}

func insert(t *testing.T, st *store.Store, path string, r model.MessageRecord) {
	t.Helper()
	if _, err := st.Insert(path, r); err != nil {
		t.Fatalf("Insert(%s): %v", path, err)
	}
}

func allTime() Range {
	return Range{Name: ScopeAllTime, Start: 0, End: math.MaxInt64}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestQuery_DuplicateCountedOnce(t *testing.T) {
	st := openStore(t)
	// Same event copied into two sessions under different ids.
	insert(t, st, "/r/ses_2/msg_b.json", sonnet("msg_b", "ses_2", 1_700_000_000, 1000, 500))
	insert(t, st, "/r/ses_1/msg_a.json", sonnet("msg_a", "ses_1", 1_700_000_000, 1000, 500))

	e := NewEngine(st, store.TiebreakMsgID)
	prices := config.NewPriceTable(config.PricingConfig{})

	view, err := e.Query(context.Background(), Query{Range: allTime(), Prices: prices, Location: time.UTC})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if view.Totals.Records != 1 || view.Totals.Messages != 1 {
		t.Errorf("records/messages = %d/%d, want 1/1", view.Totals.Records, view.Totals.Messages)
	}
	if view.Totals.Input != 1000 || view.Totals.Output != 500 {
		t.Errorf("tokens = %+v, want input 1000 output 500", view.Totals.TokenCounts)
	}
	if want := mustDecimal(t, "0.0105"); !view.Totals.Cost.Equal(want) {
		t.Errorf("cost = %s, want %s", view.Totals.Cost, want)
	}

	var ids []string
	err = e.Each(context.Background(), allTime(), prices, func(r model.StoredRow, _ decimal.Decimal) error {
		ids = append(ids, r.MsgID)
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(ids) != 1 || ids[0] != "msg_a" {
		t.Errorf("representatives = %v, want [msg_a]", ids)
	}
}

func TestQuery_DistinctEventsSum(t *testing.T) {
	st := openStore(t)
	insert(t, st, "/r/ses_1/msg_a.json", sonnet("msg_a", "ses_1", 1_700_000_000, 1000, 500))
	insert(t, st, "/r/ses_1/msg_b.json", sonnet("msg_b", "ses_1", 1_700_000_001, 1000, 500))

	view, err := NewEngine(st, store.TiebreakMsgID).Query(context.Background(), Query{
		Range:  allTime(),
		Prices: config.NewPriceTable(config.PricingConfig{}),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if view.Totals.Records != 2 {
		t.Errorf("records = %d, want 2", view.Totals.Records)
	}
	if want := mustDecimal(t, "0.021"); !view.Totals.Cost.Equal(want) {
		t.Errorf("cost = %s, want %s", view.Totals.Cost, want)
	}
}

func TestQuery_RequestFeeAndCounts(t *testing.T) {
	st := openStore(t)
	user := model.MessageRecord{
		MsgID: "msg_u", SessionID: "ses_1", Timestamp: 100, Role: model.RoleUser,
		ProviderID: "github-copilot", ModelID: "claude-sonnet-4.5",
	}
	reply := model.MessageRecord{
		MsgID: "msg_v", SessionID: "ses_1", Timestamp: 101, Role: model.RoleAssistant,
		ProviderID: "github-copilot", ModelID: "claude-sonnet-4.5",
		TokenCounts: model.TokenCounts{Input: 10, Output: 20},
	}
	insert(t, st, "/r/ses_1/msg_u.json", user)
	insert(t, st, "/r/ses_1/msg_v.json", reply)

	view, err := NewEngine(st, store.TiebreakMsgID).Query(context.Background(), Query{
		Range:  allTime(),
		Prices: config.NewPriceTable(config.PricingConfig{}),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	tot := view.Totals
	if tot.Records != 2 || tot.Messages != 1 || tot.Requests != 1 {
		t.Errorf("records/messages/requests = %d/%d/%d, want 2/1/1", tot.Records, tot.Messages, tot.Requests)
	}
	if want := mustDecimal(t, "0.04"); !tot.Cost.Equal(want) {
		t.Errorf("cost = %s, want %s", tot.Cost, want)
	}
}

func TestQuery_RepricesAtQueryTime(t *testing.T) {
	st := openStore(t)
	insert(t, st, "/r/ses_1/msg_a.json", sonnet("msg_a", "ses_1", 100, 1_000_000, 0))
	e := NewEngine(st, store.TiebreakMsgID)

	cost := func(prices *config.PriceTable) decimal.Decimal {
		t.Helper()
		view, err := e.Query(context.Background(), Query{Range: allTime(), Prices: prices})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		return view.Totals.Cost
	}

	before := cost(config.NewPriceTable(config.PricingConfig{}))
	after := cost(config.NewPriceTable(config.PricingConfig{
		Models: map[string]config.ModelPricing{
			"anthropic/claude-sonnet-4-5": {InputPerMTok: 4},
		},
	}))
	if !before.Equal(decimal.NewFromInt(3)) {
		t.Errorf("default cost = %s, want 3", before)
	}
	if !after.Equal(decimal.NewFromInt(4)) {
		t.Errorf("overridden cost = %s, want 4", after)
	}
	if got := cost(nil); !got.IsZero() {
		t.Errorf("nil price table cost = %s, want 0", got)
	}
}

func TestQuery_Breakdown(t *testing.T) {
	st := openStore(t)
	insert(t, st, "/r/ses_1/msg_a.json", sonnet("msg_a", "ses_1", 100, 1000, 0))
	insert(t, st, "/r/ses_1/msg_b.json", sonnet("msg_b", "ses_1", 101, 2000, 0))
	insert(t, st, "/r/ses_1/msg_c.json", model.MessageRecord{
		MsgID: "msg_c", SessionID: "ses_1", Timestamp: 102, Role: model.RoleAssistant,
		ProviderID: "anthropic", ModelID: "claude-opus-4-1",
		TokenCounts: model.TokenCounts{Input: 1000},
	})
	insert(t, st, "/r/ses_1/msg_d.json", model.MessageRecord{
		MsgID: "msg_d", SessionID: "ses_1", Timestamp: 103, Role: model.RoleAssistant,
		TokenCounts: model.TokenCounts{Input: 50},
	})
	e := NewEngine(st, store.TiebreakMsgID)
	prices := config.NewPriceTable(config.PricingConfig{})

	tests := []struct {
		dim      model.Dimension
		wantKeys []string
	}{
		{model.DimensionProvider, []string{"anthropic", "unknown"}},
		{model.DimensionModel, []string{"anthropic/claude-opus-4-1", "anthropic/claude-sonnet-4-5", "unknown/unknown"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.dim), func(t *testing.T) {
			view, err := e.Query(context.Background(), Query{Range: allTime(), Dimension: tt.dim, Prices: prices})
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(view.Rows) != len(tt.wantKeys) {
				t.Fatalf("rows = %+v, want keys %v", view.Rows, tt.wantKeys)
			}
			var sum model.Totals
			for i, r := range view.Rows {
				if r.Key != tt.wantKeys[i] {
					t.Errorf("row %d key = %q, want %q", i, r.Key, tt.wantKeys[i])
				}
				sum.Merge(r.Totals)
			}
			if sum.Records != view.Totals.Records || !sum.Cost.Equal(view.Totals.Cost) || sum.TokenCounts != view.Totals.TokenCounts {
				t.Errorf("rows sum %+v != totals %+v", sum, view.Totals)
			}
		})
	}
}

func TestQuery_InvalidBreakdown(t *testing.T) {
	st := openStore(t)
	_, err := NewEngine(st, store.TiebreakMsgID).Query(context.Background(), Query{
		Range:     allTime(),
		Dimension: "session",
	})
	if !errors.Is(err, ErrInvalidBreakdown) {
		t.Fatalf("err = %v, want ErrInvalidBreakdown", err)
	}
}

func TestQuery_EmptyWindow(t *testing.T) {
	st := openStore(t)
	insert(t, st, "/r/ses_1/msg_a.json", sonnet("msg_a", "ses_1", 5000, 10, 10))

	r, err := ExplicitRange(0, 5000)
	if err != nil {
		t.Fatal(err)
	}
	view, err := NewEngine(st, store.TiebreakMsgID).Query(context.Background(), Query{Range: r})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !view.Totals.IsZero() || !view.Totals.Cost.IsZero() {
		t.Errorf("totals = %+v, want zero", view.Totals)
	}
}

func TestQuery_TrendHourly(t *testing.T) {
	st := openStore(t)
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	insert(t, st, "/r/ses_1/msg_a.json", sonnet("msg_a", "ses_1", day.Add(3*time.Hour+10*time.Minute).Unix(), 100, 0))
	insert(t, st, "/r/ses_1/msg_b.json", sonnet("msg_b", "ses_1", day.Add(3*time.Hour+50*time.Minute).Unix(), 100, 0))
	insert(t, st, "/r/ses_1/msg_c.json", sonnet("msg_c", "ses_1", day.Add(5*time.Hour).Unix(), 100, 0))

	r, err := ResolveScope(ScopeToday, day.Add(12*time.Hour), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	view, err := NewEngine(st, store.TiebreakMsgID).Query(context.Background(), Query{
		Range:     r,
		Dimension: model.DimensionTrend,
		Location:  time.UTC,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if view.Bucket != model.BucketHour {
		t.Errorf("bucket = %q, want hour", view.Bucket)
	}
	if len(view.Trend) != 24 {
		t.Fatalf("len(trend) = %d, want 24", len(view.Trend))
	}
	for i, b := range view.Trend {
		var want int64
		switch i {
		case 3:
			want = 2
		case 5:
			want = 1
		}
		if b.Records != want {
			t.Errorf("bucket %d records = %d, want %d", i, b.Records, want)
		}
		if b.Start != day.Add(time.Duration(i)*time.Hour).Unix() {
			t.Errorf("bucket %d start = %d", i, b.Start)
		}
	}
}

func TestQuery_TrendDailyFillsGaps(t *testing.T) {
	st := openStore(t)
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	insert(t, st, "/r/ses_1/msg_a.json", sonnet("msg_a", "ses_1", start.Unix()+60, 100, 0))
	insert(t, st, "/r/ses_1/msg_b.json", sonnet("msg_b", "ses_1", start.AddDate(0, 0, 3).Unix()+60, 100, 0))

	e := NewEngine(st, store.TiebreakMsgID)
	view, err := e.Query(context.Background(), Query{Range: allTime(), Dimension: model.DimensionTrend, Location: time.UTC})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if view.Bucket != model.BucketDay {
		t.Errorf("bucket = %q, want day", view.Bucket)
	}
	want := []int64{1, 0, 0, 1}
	if len(view.Trend) != len(want) {
		t.Fatalf("trend = %+v, want %d buckets", view.Trend, len(want))
	}
	for i, w := range want {
		if view.Trend[i].Records != w {
			t.Errorf("day %d records = %d, want %d", i, view.Trend[i].Records, w)
		}
	}
	// Edges are clipped to the data for open-ended windows.
	if view.Trend[0].Start != start.Unix()+60 {
		t.Errorf("first bucket start = %d, want %d", view.Trend[0].Start, start.Unix()+60)
	}
}

func TestQuery_TrendNoData(t *testing.T) {
	st := openStore(t)
	view, err := NewEngine(st, store.TiebreakMsgID).Query(context.Background(), Query{
		Range:     allTime(),
		Dimension: model.DimensionTrend,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(view.Trend) != 0 {
		t.Errorf("trend = %+v, want none", view.Trend)
	}
}

func TestQuery_CurrentSessionExcludesOtherSessions(t *testing.T) {
	st := openStore(t)
	insert(t, st, "/r/ses_new/msg_1.json", sonnet("msg_1", "ses_new", 1000, 10, 0))
	insert(t, st, "/r/ses_other/msg_2.json", sonnet("msg_2", "ses_other", 2000, 500, 0))
	insert(t, st, "/r/ses_other/msg_3.json", sonnet("msg_3", "ses_other", 2500, 700, 0))
	insert(t, st, "/r/ses_new/msg_4.json", sonnet("msg_4", "ses_new", 3000, 20, 0))

	e := NewEngine(st, store.TiebreakMsgID)
	ctx := context.Background()
	r, err := e.Resolve(ctx, ScopeSpec{Name: ScopeCurrentSession}, time.Unix(5000, 0), time.UTC)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	for _, dim := range []model.Dimension{model.DimensionNone, model.DimensionModel, model.DimensionTrend} {
		view, err := e.Query(ctx, Query{Range: r, Dimension: dim, Location: time.UTC})
		if err != nil {
			t.Fatalf("Query(%s): %v", dim, err)
		}
		if view.Totals.Records != 2 || view.Totals.Input != 30 {
			t.Errorf("%s: records/input = %d/%d, want 2/30", dim, view.Totals.Records, view.Totals.Input)
		}
		if view.SessionID != "ses_new" {
			t.Errorf("%s: session = %q, want ses_new", dim, view.SessionID)
		}
		var trendInput int64
		for _, b := range view.Trend {
			trendInput += b.Input
		}
		if dim == model.DimensionTrend && trendInput != 30 {
			t.Errorf("trend input = %d, want 30", trendInput)
		}
	}
}

func TestQuery_TrendWideRangeMatchesTotals(t *testing.T) {
	st := openStore(t)
	insert(t, st, "/r/ses_1/msg_a.json", sonnet("msg_a", "ses_1", 1_700_000_000, 10, 0))
	insert(t, st, "/r/ses_1/msg_b.json", sonnet("msg_b", "ses_1", 1_700_200_000, 5, 0))

	r, err := ExplicitRange(1, 2_000_000_000)
	if err != nil {
		t.Fatal(err)
	}
	view, err := NewEngine(st, store.TiebreakMsgID).Query(context.Background(), Query{
		Range:     r,
		Dimension: model.DimensionTrend,
		Location:  time.UTC,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(view.Trend) == 0 || len(view.Trend) > 5 {
		t.Fatalf("len(trend) = %d, want the few days holding data", len(view.Trend))
	}
	var input, records int64
	for _, b := range view.Trend {
		input += b.Input
		records += b.Records
	}
	if input != view.Totals.Input || records != view.Totals.Records {
		t.Errorf("trend input/records = %d/%d, totals = %d/%d", input, records, view.Totals.Input, view.Totals.Records)
	}
}

func TestQuery_TrendTooManyBuckets(t *testing.T) {
	st := openStore(t)
	insert(t, st, "/r/ses_1/msg_a.json", sonnet("msg_a", "ses_1", 86_400, 10, 0))
	insert(t, st, "/r/ses_1/msg_b.json", sonnet("msg_b", "ses_1", 86_400*20_000, 10, 0))

	_, err := NewEngine(st, store.TiebreakMsgID).Query(context.Background(), Query{
		Range:     allTime(),
		Dimension: model.DimensionTrend,
		Location:  time.UTC,
	})
	if !errors.Is(err, ErrInvalidScope) {
		t.Errorf("err = %v, want ErrInvalidScope", err)
	}
}

func TestTiebreakFromConfig(t *testing.T) {
	if TiebreakFromConfig(config.TiebreakInsertion) != store.TiebreakInsertion {
		t.Error("insertion not mapped")
	}
	if TiebreakFromConfig("") != store.TiebreakMsgID {
		t.Error("default should be msg_id")
	}
}

func TestBucketStartNegativeOffset(t *testing.T) {
	loc := time.FixedZone("UTC-0330", -(3*3600 + 30*60))
	ts := time.Date(2026, 1, 2, 10, 45, 0, 0, loc).Unix()
	want := time.Date(2026, 1, 2, 10, 0, 0, 0, loc).Unix()
	if got := bucketStart(ts, model.BucketHour, loc); got != want {
		t.Errorf("bucketStart = %d, want %d", got, want)
	}
}
