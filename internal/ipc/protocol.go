// Package ipc implements the agent's local request/response protocol:
// newline-delimited JSON over a unix socket or loopback TCP.
package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/tokmeter/internal/store"
)

// Operations understood by the agent.
const (
	OpGetStats     = "get_stats"
	OpGetBreakdown = "get_breakdown"
	OpGetTrend     = "get_trend"
	OpCheckUpdates = "check_updates"
	OpGetStatus    = "get_status"
	OpGetEvents    = "get_events"
	OpRefresh      = "refresh"
	OpExportCSV    = "export_csv"
	OpReset        = "reset"
	OpShutdown     = "shutdown"
)

// Error codes carried in failed responses.
const (
	CodeBadRequest       = "bad_request"
	CodeUnknownOp        = "unknown_op"
	CodeInvalidScope     = "invalid_scope"
	CodeInvalidBreakdown = "invalid_breakdown"
	CodeInternal         = "internal"
	CodeTimeout          = "timeout"
	CodeUnavailable      = "unavailable"
)

// MaxMessageSize bounds a single request or response line.
const MaxMessageSize = 16 << 20

// Request is one line sent by a client.
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error is a structured protocol error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds an *Error with the given code.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ScopeParams selects a time window: a named scope, or explicit
// [start, end) epoch seconds with scope "range".
type ScopeParams struct {
	Scope string `json:"scope,omitempty"`
	Start int64  `json:"start,omitempty"`
	End   int64  `json:"end,omitempty"`
}

// BreakdownParams are the params of get_breakdown.
type BreakdownParams struct {
	ScopeParams
	Dimension string `json:"dimension"`
}

// CheckUpdatesParams are the params of check_updates. SinceTS is unix
// milliseconds as previously returned in LastMutation.
type CheckUpdatesParams struct {
	SinceTS int64 `json:"since_ts"`
}

// UpdatesResult answers check_updates and reset.
type UpdatesResult struct {
	LastMutation int64 `json:"last_mutation"`
	Changed      bool  `json:"changed"`
}

// EventsParams are the params of get_events.
type EventsParams struct {
	AfterID int64 `json:"after_id,omitempty"`
}

// ExportParams are the params of export_csv.
type ExportParams struct {
	ScopeParams
	Granularity string `json:"granularity,omitempty"`
}

// ExportResult carries the CSV document.
type ExportResult struct {
	CSV string `json:"csv"`
}

// Snapshot is a compact all-time usage state for status and event payloads.
type Snapshot struct {
	At       time.Time       `json:"at"`
	Records  int64           `json:"records"`
	Messages int64           `json:"messages"`
	Requests int64           `json:"requests"`
	Tokens   int64           `json:"tokens"`
	Cost     decimal.Decimal `json:"cost"`
}

// Delta captures snapshot changes between scans.
type Delta struct {
	Records  int64           `json:"records"`
	Messages int64           `json:"messages"`
	Requests int64           `json:"requests"`
	Tokens   int64           `json:"tokens"`
	Cost     decimal.Decimal `json:"cost"`
}

// IsZero reports whether nothing changed.
func (d Delta) IsZero() bool {
	return d.Records == 0 &&
		d.Messages == 0 &&
		d.Requests == 0 &&
		d.Tokens == 0 &&
		d.Cost.IsZero()
}

// Event types.
const (
	EventSnapshot   = "snapshot"
	EventUsageDelta = "usage_delta"
	EventReset      = "reset"
	EventScanError  = "scan_error"
)

// Event is recorded whenever a scan changes the usage snapshot.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Snapshot  Snapshot  `json:"snapshot"`
	Delta     Delta     `json:"delta"`
	Message   string    `json:"message,omitempty"`
}

// Status answers get_status.
type Status struct {
	Running          bool          `json:"running"`
	PID              int           `json:"pid"`
	StartedAt        time.Time     `json:"started_at"`
	LastScanAt       time.Time     `json:"last_scan_at"`
	LastScanDuration time.Duration `json:"last_scan_duration_ns"`
	ScanIntervalMs   int64         `json:"scan_interval_ms"`
	ScanCount        int64         `json:"scan_count"`
	MessageRoot      string        `json:"message_root"`
	RootAvailable    bool          `json:"root_available"`
	LastError        string        `json:"last_error,omitempty"`
	LastMutation     int64         `json:"last_mutation"`
	Store            store.Counts  `json:"store"`
	Summary          Snapshot      `json:"summary"`
	EventCount       int           `json:"event_count"`
}
