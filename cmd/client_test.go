package cmd

import (
	"testing"

	"github.com/theirongolddev/tokmeter/internal/pipeline"
)

func setScopeFlags(t *testing.T, start, end int64) {
	t.Helper()
	flagScopeStart, flagScopeEnd = start, end
	t.Cleanup(func() { flagScopeStart, flagScopeEnd = 0, 0 })
}

func TestScopeFromArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		start     int64
		end       int64
		wantScope string
		wantErr   bool
	}{
		{name: "default today", wantScope: pipeline.ScopeToday},
		{name: "named", args: []string{"this-month"}, wantScope: "this-month"},
		{name: "range flags", start: 100, end: 200, wantScope: pipeline.ScopeRange},
		{name: "explicit range name", args: []string{"range"}, start: 100, end: 200, wantScope: pipeline.ScopeRange},
		{name: "end only", end: 200, wantScope: pipeline.ScopeRange},
		{name: "start without end", start: 100, wantErr: true},
		{name: "named scope with range", args: []string{"today"}, start: 100, end: 200, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setScopeFlags(t, tt.start, tt.end)
			p, err := scopeFromArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("scopeFromArgs = %+v, want error", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("scopeFromArgs: %v", err)
			}
			if p.Scope != tt.wantScope {
				t.Errorf("scope = %q, want %q", p.Scope, tt.wantScope)
			}
			if tt.end != 0 && (p.Start != tt.start || p.End != tt.end) {
				t.Errorf("range = [%d, %d), want [%d, %d)", p.Start, p.End, tt.start, tt.end)
			}
		})
	}
}
