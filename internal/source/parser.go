// Package source discovers and parses per-session JSON message files.
package source

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/theirongolddev/tokmeter/internal/model"
)

// Reasons a message file is skipped.
var (
	ErrMalformed        = errors.New("malformed json")
	ErrMissingID        = errors.New("missing message id")
	ErrMissingTimestamp = errors.New("missing timestamp")
	ErrUnknownRole      = errors.New("unknown role")
)

// msTimestampFloor separates millisecond epochs from second epochs.
const msTimestampFloor = 1_000_000_000_000

// ParseResult holds the output of parsing a single message file.
type ParseResult struct {
	Record model.MessageRecord
	// Pending is set for assistant turns the producer has not finished
	// writing (no completion time yet).
	Pending bool
	Err     error
}

// ParseFile reads one message file and extracts its record.
func ParseFile(df DiscoveredFile) ParseResult {
	data, err := os.ReadFile(df.Path)
	if err != nil {
		return ParseResult{Err: err}
	}
	rec, pending, err := ParseMessage(data, df.SessionID)
	return ParseResult{Record: rec, Pending: pending, Err: err}
}

// ParseMessage extracts a MessageRecord from one JSON document. Two token
// layouts are understood:
//
//	{"tokens":{"input":..,"output":..,"reasoning":..,"cache":{"read":..,"write":..}}}
//	{"usage":{"prompt_tokens":..,"completion_tokens":..,
//	          "completion_tokens_details":{"reasoning_tokens":..},
//	          "prompt_tokens_details":{"cached_tokens":..}}}
//
// Missing numeric fields default to zero. A missing id or timestamp is an
// error; a missing role is inferred from token usage.
func ParseMessage(data []byte, sessionID string) (model.MessageRecord, bool, error) {
	var rec model.MessageRecord

	if !gjson.ValidBytes(data) {
		return rec, false, ErrMalformed
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return rec, false, ErrMalformed
	}

	rec.MsgID = firstString(doc, "id", "msg_id")
	if rec.MsgID == "" {
		return rec, false, ErrMissingID
	}

	ts, ok := extractTimestamp(doc)
	if !ok {
		return rec, false, ErrMissingTimestamp
	}
	rec.Timestamp = ts

	rec.SessionID = firstString(doc, "sessionID", "session_id")
	if rec.SessionID == "" {
		rec.SessionID = sessionID
	}

	rec.TokenCounts = extractTokens(doc)
	rec.ProviderID, rec.ModelID = extractModel(doc)

	rawRole := doc.Get("role").String()
	if rawRole == "" {
		rec.Role = model.RoleUser
		if rec.HasUsage() {
			rec.Role = model.RoleAssistant
		}
	} else {
		role, ok := model.ParseRole(strings.ToLower(rawRole))
		if !ok {
			return rec, false, ErrUnknownRole
		}
		rec.Role = role
	}

	timeObj := doc.Get("time")
	pending := rec.Role == model.RoleAssistant && timeObj.IsObject() && !timeObj.Get("completed").Exists()

	return rec, pending, nil
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Type != gjson.Null {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// extractTimestamp looks at time.created, time.timestamp, a scalar time,
// then timestamp, and normalizes to epoch seconds.
func extractTimestamp(doc gjson.Result) (int64, bool) {
	t := doc.Get("time")
	var v gjson.Result
	switch {
	case t.IsObject():
		v = t.Get("created")
		if !v.Exists() {
			v = t.Get("timestamp")
		}
	case t.Exists():
		v = t
	default:
		v = doc.Get("timestamp")
	}
	return epochSeconds(v)
}

func epochSeconds(v gjson.Result) (int64, bool) {
	var n int64
	switch v.Type {
	case gjson.Number:
		n = v.Int()
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return ts.Unix(), ts.Unix() > 0
		}
		parsed, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	if n <= 0 {
		return 0, false
	}
	if n > msTimestampFloor {
		n /= 1000
	}
	return n, true
}

func extractTokens(doc gjson.Result) model.TokenCounts {
	if t := doc.Get("tokens"); t.IsObject() {
		return model.TokenCounts{
			Input:      nonNegative(t.Get("input")),
			Output:     nonNegative(t.Get("output")),
			Reasoning:  nonNegative(t.Get("reasoning")),
			CacheRead:  nonNegative(t.Get("cache.read")),
			CacheWrite: nonNegative(t.Get("cache.write")),
		}
	}
	u := doc.Get("usage")
	return model.TokenCounts{
		Input:     nonNegative(u.Get("prompt_tokens")),
		Output:    nonNegative(u.Get("completion_tokens")),
		Reasoning: nonNegative(u.Get("completion_tokens_details.reasoning_tokens")),
		CacheRead: nonNegative(u.Get("prompt_tokens_details.cached_tokens")),
	}
}

func nonNegative(v gjson.Result) int64 {
	n := v.Int()
	if n < 0 {
		return 0
	}
	return n
}

// extractModel reads providerID/modelID, falling back to a nested model
// object or a "provider/model" string.
func extractModel(doc gjson.Result) (provider, modelID string) {
	provider = firstString(doc, "providerID")
	modelID = firstString(doc, "modelID")

	m := doc.Get("model")
	switch {
	case m.IsObject():
		if provider == "" {
			provider = firstString(m, "providerID")
		}
		if modelID == "" {
			modelID = firstString(m, "modelID")
		}
	case m.Type == gjson.String && modelID == "":
		s := strings.TrimSpace(m.Str)
		if i := strings.IndexByte(s, '/'); i > 0 && provider == "" {
			provider, modelID = s[:i], s[i+1:]
		} else {
			modelID = s
		}
	}
	return provider, modelID
}
