package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/theirongolddev/tokmeter/internal/model"
	"github.com/theirongolddev/tokmeter/internal/store"
)

func TestResolveScope(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	now := time.Date(2026, 3, 15, 0, 30, 0, 0, loc)
	midnight := time.Date(2026, 3, 15, 0, 0, 0, 0, loc)

	tests := []struct {
		name      string
		wantName  string
		wantStart int64
		wantEnd   int64
	}{
		{"today", ScopeToday, midnight.Unix(), midnight.AddDate(0, 0, 1).Unix()},
		{"last-7-days", ScopeLast7Days, midnight.AddDate(0, 0, -7).Unix(), midnight.AddDate(0, 0, 1).Unix()},
		{"week", ScopeLast7Days, midnight.AddDate(0, 0, -7).Unix(), midnight.AddDate(0, 0, 1).Unix()},
		{"this-month", ScopeThisMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, loc).Unix(), time.Date(2026, 4, 1, 0, 0, 0, 0, loc).Unix()},
		{"month", ScopeThisMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, loc).Unix(), time.Date(2026, 4, 1, 0, 0, 0, 0, loc).Unix()},
		{"all-time", ScopeAllTime, 0, math.MaxInt64},
		{"", ScopeAllTime, 0, math.MaxInt64},
		{" TODAY ", ScopeToday, midnight.Unix(), midnight.AddDate(0, 0, 1).Unix()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ResolveScope(tt.name, now, loc)
			if err != nil {
				t.Fatalf("ResolveScope(%q): %v", tt.name, err)
			}
			if r.Name != tt.wantName || r.Start != tt.wantStart || r.End != tt.wantEnd {
				t.Errorf("got %+v, want {%s %d %d}", r, tt.wantName, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestResolveScope_MidnightBoundary(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, loc)
	r, err := ResolveScope(ScopeToday, now, loc)
	if err != nil {
		t.Fatal(err)
	}
	lastSecondYesterday := time.Date(2026, 5, 31, 23, 59, 59, 0, loc).Unix()
	firstSecondToday := time.Date(2026, 6, 1, 0, 0, 0, 0, loc).Unix()
	if r.Contains(lastSecondYesterday) {
		t.Error("today contains 23:59:59 of yesterday")
	}
	if !r.Contains(firstSecondToday) {
		t.Error("today does not contain local midnight")
	}
	if r.Contains(r.End) {
		t.Error("window end must be exclusive")
	}
}

func TestResolveScope_DSTDay(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2026, 3, 8, 12, 0, 0, 0, loc)
	r, err := ResolveScope(ScopeToday, now, loc)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.End - r.Start; got != 23*3600 {
		t.Errorf("spring-forward day length = %ds, want %d", got, 23*3600)
	}
	if r.Bucket() != model.BucketHour {
		t.Errorf("bucket = %q, want hour", r.Bucket())
	}
}

func TestResolveScope_Invalid(t *testing.T) {
	if _, err := ResolveScope("fortnight", time.Now(), time.UTC); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("err = %v, want ErrInvalidScope", err)
	}
}

func TestExplicitRange(t *testing.T) {
	tests := []struct {
		start, end int64
		ok         bool
	}{
		{0, 10, true},
		{10, 11, true},
		{10, 10, false},
		{10, 5, false},
		{-1, 5, false},
	}
	for _, tt := range tests {
		_, err := ExplicitRange(tt.start, tt.end)
		if (err == nil) != tt.ok {
			t.Errorf("ExplicitRange(%d, %d) err = %v, want ok=%v", tt.start, tt.end, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidScope) {
			t.Errorf("err = %v, want ErrInvalidScope", err)
		}
	}
}

func TestRangeBucket(t *testing.T) {
	if b := (Range{Start: 0, End: 25 * 3600}).Bucket(); b != model.BucketHour {
		t.Errorf("25h bucket = %q, want hour", b)
	}
	if b := (Range{Start: 0, End: 25*3600 + 1}).Bucket(); b != model.BucketDay {
		t.Errorf("25h+1s bucket = %q, want day", b)
	}
	if b := allTime().Bucket(); b != model.BucketDay {
		t.Errorf("all-time bucket = %q, want day", b)
	}
}

func TestEngineResolve(t *testing.T) {
	st := openStore(t)
	e := NewEngine(st, store.TiebreakMsgID)
	ctx := context.Background()
	now := time.Unix(10_000, 0)

	r, err := e.Resolve(ctx, ScopeSpec{Name: ScopeCurrentSession}, now, time.UTC)
	if err != nil {
		t.Fatalf("Resolve empty: %v", err)
	}
	if r.Start != r.End {
		t.Errorf("current-session with no data = %+v, want empty window", r)
	}

	insert(t, st, "/r/ses_old/msg_1.json", sonnet("msg_1", "ses_old", 100, 1, 1))
	insert(t, st, "/r/ses_new/msg_2.json", sonnet("msg_2", "ses_new", 500, 1, 1))
	insert(t, st, "/r/ses_new/msg_3.json", sonnet("msg_3", "ses_new", 900, 1, 1))

	r, err = e.Resolve(ctx, ScopeSpec{Name: ScopeCurrentSession}, now, time.UTC)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Start != 500 || r.End != math.MaxInt64 || r.SessionID != "ses_new" {
		t.Errorf("current-session = %+v, want ses_new from 500", r)
	}

	r, err = e.Resolve(ctx, ScopeSpec{Start: 100, End: 200}, now, time.UTC)
	if err != nil || r.Name != ScopeRange || r.Start != 100 || r.End != 200 {
		t.Errorf("implicit range = %+v, %v", r, err)
	}
	if _, err := e.Resolve(ctx, ScopeSpec{Name: ScopeRange, Start: 5, End: 5}, now, time.UTC); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("empty range err = %v, want ErrInvalidScope", err)
	}
}
