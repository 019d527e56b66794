package cli

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/theirongolddev/tokmeter/internal/ipc"
	"github.com/theirongolddev/tokmeter/internal/model"
)

// FormatRange describes the window of a view.
func FormatRange(view model.AggregateView, loc *time.Location) string {
	if view.Start <= 0 && view.End == math.MaxInt64 {
		return "all time"
	}
	start := time.Unix(view.Start, 0).In(loc).Format("2006-01-02 15:04")
	if view.End == math.MaxInt64 {
		return "since " + start
	}
	if view.End <= view.Start {
		return "no data"
	}
	end := time.Unix(view.End, 0).In(loc).Format("2006-01-02 15:04")
	return start + " → " + end
}

// RenderStats renders the totals of a view.
func RenderStats(view model.AggregateView, loc *time.Location) string {
	t := view.Totals
	var b strings.Builder
	b.WriteString(RenderTitle(fmt.Sprintf("tokmeter · %s", view.Scope)))
	b.WriteString("\n")
	b.WriteString("  " + mutedStyle.Render(FormatRange(view, loc)) + "\n\n")

	b.WriteString(RenderTable(Table{
		Headers: []string{"Metric", "Value"},
		Rows: [][]string{
			{"Records", FormatNumber(t.Records)},
			{"Messages", FormatNumber(t.Messages)},
			{"Requests", FormatNumber(t.Requests)},
			{"---"},
			{"Input", FormatNumber(t.Input)},
			{"Output", FormatNumber(t.Output)},
			{"Reasoning", FormatNumber(t.Reasoning)},
			{"Cache read", FormatNumber(t.CacheRead)},
			{"Cache write", FormatNumber(t.CacheWrite)},
			{"Total tokens", FormatNumber(t.TotalTokens())},
			{"---"},
			{"Cost", FormatCost(t.Cost)},
		},
	}))
	return b.String()
}

// RenderBreakdown renders provider or model rows.
func RenderBreakdown(view model.AggregateView, loc *time.Location) string {
	title := "Providers"
	if view.Dimension == model.DimensionModel {
		title = "Models"
	}

	rows := make([][]string, 0, len(view.Rows)+2)
	for _, r := range view.Rows {
		rows = append(rows, []string{
			r.Key,
			FormatNumber(r.Records),
			FormatTokens(r.TotalTokens()),
			FormatCost(r.Cost),
			FormatPercent(r.SharePercent),
		})
	}
	if len(rows) > 0 {
		rows = append(rows, []string{"---"}, []string{
			"Total",
			FormatNumber(view.Totals.Records),
			FormatTokens(view.Totals.TotalTokens()),
			FormatCost(view.Totals.Cost),
			"",
		})
	}

	var b strings.Builder
	b.WriteString("  " + mutedStyle.Render(fmt.Sprintf("%s · %s", view.Scope, FormatRange(view, loc))) + "\n\n")
	if len(rows) == 0 {
		b.WriteString("  " + mutedStyle.Render("No usage in this window.") + "\n")
		return b.String()
	}
	b.WriteString(RenderTable(Table{
		Title:   title,
		Headers: []string{title[:len(title)-1], "Records", "Tokens", "Cost", "Share"},
		Rows:    rows,
	}))
	return b.String()
}

// RenderTrend renders a cost sparkline followed by one bar per bucket.
func RenderTrend(view model.AggregateView, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("  " + mutedStyle.Render(fmt.Sprintf("%s · %s · per %s", view.Scope, FormatRange(view, loc), view.Bucket)) + "\n\n")
	if len(view.Trend) == 0 {
		b.WriteString("  " + mutedStyle.Render("No usage in this window.") + "\n")
		return b.String()
	}

	costs := make([]float64, len(view.Trend))
	maxCost := 0.0
	for i, tb := range view.Trend {
		costs[i], _ = tb.Cost.Float64()
		maxCost = math.Max(maxCost, costs[i])
	}
	b.WriteString("  " + tokenStyle.Render(RenderSparkline(costs)) + "\n\n")

	hourly := view.Bucket == model.BucketHour
	for i, tb := range view.Trend {
		label := fmt.Sprintf("%-9s %8s %9s", FormatBucket(tb.Start, hourly, loc), FormatTokens(tb.TotalTokens()), FormatCost(tb.Cost))
		b.WriteString(RenderHorizontalBar(label, costs[i], maxCost, 30))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderStatus renders the agent status.
func RenderStatus(st ipc.Status, loc *time.Location) string {
	state := costStyle.Render("running")
	if !st.Running {
		state = warnStyle.Render("stopped")
	}
	root := costStyle.Render("available")
	if !st.RootAvailable {
		root = warnStyle.Render("unavailable")
	}

	rows := [][]string{
		{"Agent", fmt.Sprintf("%s (pid %d)", state, st.PID)},
		{"Started", FormatTime(st.StartedAt, loc)},
		{"Uptime", uptime(st)},
		{"Last scan", FormatTime(st.LastScanAt, loc)},
		{"Scan took", st.LastScanDuration.Round(time.Millisecond).String()},
		{"Scans", FormatNumber(st.ScanCount)},
		{"Interval", (time.Duration(st.ScanIntervalMs) * time.Millisecond).String()},
		{"Message root", st.MessageRoot},
		{"Root", root},
		{"Last change", FormatMillis(st.LastMutation, loc)},
		{"Stored rows", FormatNumber(st.Store.Rows)},
		{"Tracked files", FormatNumber(st.Store.TrackedFiles)},
		{"Sessions", FormatNumber(st.Store.Sessions)},
		{"All-time cost", FormatCost(st.Summary.Cost)},
	}
	if st.LastError != "" {
		rows = append(rows, []string{"Last error", st.LastError})
	}
	return RenderTable(Table{Title: "Agent", Headers: []string{"Field", "Value"}, Rows: rows})
}

func uptime(st ipc.Status) string {
	if !st.Running || st.StartedAt.IsZero() {
		return "-"
	}
	return FormatDuration(int64(time.Since(st.StartedAt) / time.Second))
}

// RenderEvents renders scan events, newest last.
func RenderEvents(evs []ipc.Event, loc *time.Location) string {
	if len(evs) == 0 {
		return "  " + mutedStyle.Render("No events.") + "\n"
	}
	rows := make([][]string, 0, len(evs))
	for _, ev := range evs {
		detail := ev.Message
		if detail == "" {
			detail = fmt.Sprintf("%+d records, %s", ev.Delta.Records, FormatDelta(ev.Delta.Cost))
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", ev.ID),
			ev.Type,
			FormatTime(ev.Timestamp, loc),
			detail,
		})
	}
	return RenderTable(Table{Title: "Events", Headers: []string{"ID", "Type", "At", "Detail"}, Rows: rows})
}

// RenderOffline renders the message shown when the agent cannot be reached.
func RenderOffline(address string) string {
	return "  " + warnStyle.Render("Agent offline") + " " + mutedStyle.Render("("+address+")") + "\n" +
		"  " + dimStyle.Render("Start it with: tokmeter agent --detach") + "\n"
}

// RenderUpdates renders a check_updates answer.
func RenderUpdates(u ipc.UpdatesResult, loc *time.Location) string {
	state := mutedStyle.Render("no changes")
	if u.Changed {
		state = costStyle.Render("changed")
	}
	return fmt.Sprintf("  %s · last change %s (%d)\n", state, FormatMillis(u.LastMutation, loc), u.LastMutation)
}
