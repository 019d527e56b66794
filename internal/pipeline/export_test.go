package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/tokmeter/internal/config"
	"github.com/theirongolddev/tokmeter/internal/model"
	"github.com/theirongolddev/tokmeter/internal/store"
)

func seedExportStore(t *testing.T) *store.Store {
	t.Helper()
	st := openStore(t)
	insert(t, st, "/r/ses_1/msg_a.json", sonnet("msg_a", "ses_1", 1_700_000_000, 1000, 500))
	insert(t, st, "/r/ses_2/msg_z.json", sonnet("msg_z", "ses_2", 1_700_000_000, 1000, 500)) // duplicate of msg_a
	insert(t, st, "/r/ses_1/msg_b.json", sonnet("msg_b", "ses_1", 1_700_000_100, 333, 77))
	insert(t, st, "/r/ses_1/msg_c.json", model.MessageRecord{
		MsgID: "msg_c", SessionID: "ses_1", Timestamp: 1_700_000_200, Role: model.RoleAssistant,
		ProviderID: "google", ModelID: "gemini-3-pro",
		TokenCounts: model.TokenCounts{Input: 12345, Output: 678, Reasoning: 90, CacheRead: 1111},
	})
	insert(t, st, "/r/ses_1/msg_d.json", model.MessageRecord{
		MsgID: "msg_d", SessionID: "ses_1", Timestamp: 1_700_000_300, Role: model.RoleUser,
		ProviderID: "github-copilot", ModelID: "claude-sonnet-4.5",
	})
	return st
}

func readCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}
	return rows
}

func TestExportCSV_RecordsRoundTrip(t *testing.T) {
	st := seedExportStore(t)
	e := NewEngine(st, store.TiebreakMsgID)
	prices := config.NewPriceTable(config.PricingConfig{})
	r, err := ExplicitRange(1_600_000_000, 1_800_000_000)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var buf bytes.Buffer
	if err := e.ExportCSV(ctx, &buf, ExportRequest{Range: r, Granularity: GranularityRecords, Prices: prices, Location: time.UTC}); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	rows := readCSV(t, buf.Bytes())
	if len(rows) < 1 || len(rows[0]) != len(RecordHeader) {
		t.Fatalf("header = %v", rows)
	}

	col := make(map[string]int, len(RecordHeader))
	for i, h := range rows[0] {
		col[h] = i
	}
	var got model.Totals
	for _, line := range rows[1:] {
		n := func(name string) int64 {
			v, err := strconv.ParseInt(line[col[name]], 10, 64)
			if err != nil {
				t.Fatalf("column %s: %v", name, err)
			}
			return v
		}
		cost, err := decimal.NewFromString(line[col["cost"]])
		if err != nil {
			t.Fatalf("cost: %v", err)
		}
		got.AddRow(model.MessageRecord{
			Role: model.Role(line[col["role"]]),
			TokenCounts: model.TokenCounts{
				Input:      n("input"),
				Output:     n("output"),
				Reasoning:  n("reasoning"),
				CacheRead:  n("cache_read"),
				CacheWrite: n("cache_write"),
			},
		}, cost)
	}

	view, err := e.Query(ctx, Query{Range: r, Prices: prices, Location: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	want := view.Totals
	if got.TokenCounts != want.TokenCounts {
		t.Errorf("tokens = %+v, want %+v", got.TokenCounts, want.TokenCounts)
	}
	if got.Records != want.Records || got.Messages != want.Messages || got.Requests != want.Requests {
		t.Errorf("counts = %d/%d/%d, want %d/%d/%d",
			got.Records, got.Messages, got.Requests, want.Records, want.Messages, want.Requests)
	}
	if !got.Cost.Equal(want.Cost) {
		t.Errorf("cost = %s, want %s", got.Cost, want.Cost)
	}
	if want.Records != 4 {
		t.Errorf("representatives = %d, want 4", want.Records)
	}
}

func TestExportCSV_Aggregates(t *testing.T) {
	st := seedExportStore(t)
	e := NewEngine(st, store.TiebreakMsgID)
	prices := config.NewPriceTable(config.PricingConfig{})
	ctx := context.Background()

	view, err := e.Query(ctx, Query{Range: allTime(), Prices: prices})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		g        Granularity
		wantRows int
	}{
		{GranularityTotal, 1},
		{GranularityProvider, 3},
		{GranularityModel, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.g), func(t *testing.T) {
			var buf bytes.Buffer
			if err := e.ExportCSV(ctx, &buf, ExportRequest{Range: allTime(), Granularity: tt.g, Prices: prices}); err != nil {
				t.Fatalf("ExportCSV: %v", err)
			}
			rows := readCSV(t, buf.Bytes())
			if len(rows)-1 != tt.wantRows {
				t.Fatalf("got %d data rows, want %d: %v", len(rows)-1, tt.wantRows, rows)
			}
			costCol := len(AggregateHeader) - 1
			var sum decimal.Decimal
			for _, line := range rows[1:] {
				c, err := decimal.NewFromString(line[costCol])
				if err != nil {
					t.Fatal(err)
				}
				sum = sum.Add(c)
			}
			if !sum.Equal(view.Totals.Cost) {
				t.Errorf("exported cost %s, want %s", sum, view.Totals.Cost)
			}
		})
	}
}

func TestParseGranularity(t *testing.T) {
	if g, err := ParseGranularity(""); err != nil || g != GranularityRecords {
		t.Errorf(`ParseGranularity("") = %q, %v`, g, err)
	}
	if _, err := ParseGranularity("session"); !errors.Is(err, ErrInvalidBreakdown) {
		t.Errorf("err = %v, want ErrInvalidBreakdown", err)
	}
}
