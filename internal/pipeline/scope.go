package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/theirongolddev/tokmeter/internal/model"
)

// ErrInvalidScope is returned for unknown scope names and empty or inverted ranges.
var ErrInvalidScope = errors.New("invalid scope")

// Named scopes.
const (
	ScopeToday          = "today"
	ScopeLast7Days      = "last-7-days"
	ScopeThisMonth      = "this-month"
	ScopeAllTime        = "all-time"
	ScopeCurrentSession = "current-session"
	ScopeRange          = "range"
)

// scopeAliases maps short names used by older clients.
var scopeAliases = map[string]string{
	"7days": ScopeLast7Days,
	"week":  ScopeLast7Days,
	"month": ScopeThisMonth,
	"all":   ScopeAllTime,
	"":      ScopeAllTime,
}

// Range is a resolved half-open time window [Start, End) in epoch seconds.
// A non-empty SessionID limits the window to that session's rows.
type Range struct {
	Name      string
	Start     int64
	End       int64
	SessionID string
}

// Contains reports whether ts falls inside the window.
func (r Range) Contains(ts int64) bool {
	return ts >= r.Start && ts < r.End
}

// Unbounded reports whether the window is the whole timeline.
func (r Range) Unbounded() bool {
	return r.Start <= 0 && r.End == math.MaxInt64
}

// Bucket returns the trend bucket width for this window: hourly for a
// single day or less, daily otherwise.
func (r Range) Bucket() model.BucketSize {
	if !r.Unbounded() && r.End-r.Start <= 25*3600 {
		return model.BucketHour
	}
	return model.BucketDay
}

// ScopeSpec is a caller's scope request: a name, or explicit bounds when
// Name is "range".
type ScopeSpec struct {
	Name  string `json:"scope"`
	Start int64  `json:"start,omitempty"`
	End   int64  `json:"end,omitempty"`
}

// ExplicitRange validates an explicit [start, end) window.
func ExplicitRange(start, end int64) (Range, error) {
	if start < 0 || end <= start {
		return Range{}, fmt.Errorf("%w: range [%d, %d) is empty or negative", ErrInvalidScope, start, end)
	}
	return Range{Name: ScopeRange, Start: start, End: end}, nil
}

// ResolveScope turns a named scope into a window relative to now in loc.
// Day boundaries are local midnights, so DST days are 23 or 25 hours long.
func ResolveScope(name string, now time.Time, loc *time.Location) (Range, error) {
	if loc == nil {
		loc = time.Local
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := scopeAliases[name]; ok {
		name = alias
	}

	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	tomorrow := midnight.AddDate(0, 0, 1)

	switch name {
	case ScopeToday:
		return Range{Name: name, Start: midnight.Unix(), End: tomorrow.Unix()}, nil
	case ScopeLast7Days:
		return Range{Name: name, Start: midnight.AddDate(0, 0, -7).Unix(), End: tomorrow.Unix()}, nil
	case ScopeThisMonth:
		first := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		return Range{Name: name, Start: first.Unix(), End: first.AddDate(0, 1, 0).Unix()}, nil
	case ScopeAllTime:
		return Range{Name: name, Start: 0, End: math.MaxInt64}, nil
	}
	return Range{}, fmt.Errorf("%w: %q", ErrInvalidScope, name)
}

// Resolve handles every scope form, including current-session which needs
// the store to locate the newest session.
func (e *Engine) Resolve(ctx context.Context, sel ScopeSpec, now time.Time, loc *time.Location) (Range, error) {
	name := strings.ToLower(strings.TrimSpace(sel.Name))
	switch {
	case name == ScopeRange || (name == "" && sel.End != 0):
		return ExplicitRange(sel.Start, sel.End)
	case name == ScopeCurrentSession:
		id, start, ok, err := e.store.LatestSessionStart(ctx)
		if err != nil {
			return Range{}, fmt.Errorf("locating current session: %w", err)
		}
		if !ok {
			// No data yet: an empty window, not an error.
			return Range{Name: name, Start: now.Unix(), End: now.Unix()}, nil
		}
		return Range{Name: name, Start: start, End: math.MaxInt64, SessionID: id}, nil
	}
	return ResolveScope(name, now, loc)
}
