// Package model defines domain types for tokmeter usage records and aggregates.
package model

// Role identifies who authored a message.
type Role string

// Known message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole maps a raw role string onto a known Role.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(s), true
	}
	return "", false
}

// TokenCounts holds the per-category token usage of one or more records.
type TokenCounts struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	Reasoning  int64 `json:"reasoning"`
	CacheRead  int64 `json:"cache_read"`
	CacheWrite int64 `json:"cache_write"`
}

// Total returns the sum across all categories.
func (t TokenCounts) Total() int64 {
	return t.Input + t.Output + t.Reasoning + t.CacheRead + t.CacheWrite
}

// Add accumulates o into t.
func (t *TokenCounts) Add(o TokenCounts) {
	t.Input += o.Input
	t.Output += o.Output
	t.Reasoning += o.Reasoning
	t.CacheRead += o.CacheRead
	t.CacheWrite += o.CacheWrite
}

// MessageRecord is one request/response turn as reported by a message file.
// Records are immutable once stored.
type MessageRecord struct {
	MsgID      string `json:"msg_id"`
	SessionID  string `json:"session_id"`
	Timestamp  int64  `json:"ts"`
	Role       Role   `json:"role"`
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
	TokenCounts
}

// HasUsage reports whether any token category is non-zero.
func (r MessageRecord) HasUsage() bool {
	return r.Input > 0 || r.Output > 0 || r.Reasoning > 0 || r.CacheRead > 0 || r.CacheWrite > 0
}

// Key returns the dedup grouping key. It deliberately omits MsgID and SessionID.
func (r MessageRecord) Key() DedupKey {
	return DedupKey{
		Timestamp:   r.Timestamp,
		Role:        r.Role,
		TokenCounts: r.TokenCounts,
		ProviderID:  r.ProviderID,
		ModelID:     r.ModelID,
	}
}

// DedupKey groups stored rows that describe the same logical event. It is
// comparable, so it can key a map.
type DedupKey struct {
	Timestamp  int64
	Role       Role
	ProviderID string
	ModelID    string
	TokenCounts
}

// StoredRow is a MessageRecord plus its storage identity.
// (FilePath, MsgID) prevents re-inserting the same physical file; Seq is the
// local insertion sequence.
type StoredRow struct {
	Seq      int64  `json:"seq"`
	FilePath string `json:"file_path"`
	MessageRecord
}
