// Package store provides the SQLite-backed record store for parsed messages.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/theirongolddev/tokmeter/internal/model"

	_ "modernc.org/sqlite" // register sqlite driver
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Tiebreak picks the representative row within a dedup group.
type Tiebreak int

const (
	// TiebreakMsgID keeps the row with the byte-wise smallest msg_id.
	TiebreakMsgID Tiebreak = iota
	// TiebreakInsertion keeps the earliest inserted row.
	TiebreakInsertion
)

func (t Tiebreak) orderBy() string {
	if t == TiebreakInsertion {
		return "seq"
	}
	// BINARY collation compares bytes; seq only breaks exact msg_id ties.
	return "msg_id COLLATE BINARY, seq"
}

// Store is the durable table of stored rows plus the scan cursor.
// Writes are serialized; reads run concurrently against WAL snapshots.
type Store struct {
	db *sql.DB

	writeMu      sync.Mutex
	closed       atomic.Bool
	lastMutation atomic.Int64
}

// Open opens or creates the store database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{db: db}
	var last int64
	err = db.QueryRow("SELECT value FROM meta WHERE key = ?", metaLastMutation).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		_ = db.Close()
		return nil, fmt.Errorf("reading last mutation: %w", err)
	}
	s.lastMutation.Store(last)

	return s, nil
}

// Close closes the store database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// FileInfo holds the tracked mtime and size for a file.
type FileInfo struct {
	MtimeNs   int64
	SizeBytes int64
}

// GetTrackedFiles returns a map of file_path -> FileInfo for all tracked files.
func (s *Store) GetTrackedFiles() (map[string]FileInfo, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.Query("SELECT file_path, mtime_ns, size_bytes FROM file_tracker")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]FileInfo)
	for rows.Next() {
		var path string
		var fi FileInfo
		if err := rows.Scan(&path, &fi.MtimeNs, &fi.SizeBytes); err != nil {
			return nil, err
		}
		result[path] = fi
	}
	return result, rows.Err()
}

// Insert stores one record under the storage key (filePath, rec.MsgID).
// It reports whether a new row was written; an existing key is a no-op.
func (s *Store) Insert(filePath string, rec model.MessageRecord) (bool, error) {
	n, err := s.IngestFile(filePath, nil, []model.MessageRecord{rec})
	return n > 0, err
}

// IngestFile inserts the records parsed from one file and, when info is
// non-nil, advances the scan cursor for that file in the same transaction.
// It returns the number of rows that were new.
func (s *Store) IngestFile(filePath string, info *FileInfo, recs []model.MessageRecord) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	inserted := 0
	for _, r := range recs {
		res, err := tx.Exec(`INSERT OR IGNORE INTO messages
			(file_path, msg_id, session_id, ts, role,
			 input, output, reasoning, cache_read, cache_write,
			 provider_id, model_id, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			filePath, r.MsgID, r.SessionID, r.Timestamp, string(r.Role),
			r.Input, r.Output, r.Reasoning, r.CacheRead, r.CacheWrite,
			r.ProviderID, r.ModelID, now.Unix(),
		)
		if err != nil {
			return 0, fmt.Errorf("inserting %s: %w", r.MsgID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if info != nil {
		_, err = tx.Exec(`INSERT OR REPLACE INTO file_tracker (file_path, mtime_ns, size_bytes)
			VALUES (?, ?, ?)`, filePath, info.MtimeNs, info.SizeBytes)
		if err != nil {
			return 0, fmt.Errorf("updating file tracker: %w", err)
		}
	}

	var mutatedAt int64
	if inserted > 0 {
		mutatedAt = s.nextMutation(now)
		if err := setMeta(tx, metaLastMutation, mutatedAt); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if mutatedAt > 0 {
		s.lastMutation.Store(mutatedAt)
	}
	return inserted, nil
}

// nextMutation returns a strictly increasing millisecond timestamp so that
// two mutations inside the same millisecond are still distinguishable.
func (s *Store) nextMutation(now time.Time) int64 {
	ms := now.UnixMilli()
	if prev := s.lastMutation.Load(); ms <= prev {
		ms = prev + 1
	}
	return ms
}

func setMeta(tx *sql.Tx, key string, value int64) error {
	_, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("updating %s: %w", key, err)
	}
	return nil
}

// DeleteFileTracker forgets the scan cursor for the given files.
// Stored rows are left untouched.
func (s *Store) DeleteFileTracker(paths ...string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(paths) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range paths {
		if _, err := tx.Exec("DELETE FROM file_tracker WHERE file_path = ?", p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Reset deletes every stored row and the scan cursor. This is the only
// operation that removes records.
func (s *Store) Reset() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM messages"); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM file_tracker"); err != nil {
		return fmt.Errorf("clearing file tracker: %w", err)
	}
	mutatedAt := s.nextMutation(time.Now())
	if err := setMeta(tx, metaLastMutation, mutatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.lastMutation.Store(mutatedAt)
	return nil
}

// LastMutation returns the unix-millisecond time of the last write that
// changed stored rows, or 0 if there has been none.
func (s *Store) LastMutation() int64 {
	return s.lastMutation.Load()
}

// Window selects stored rows with ts in [Start, End). A non-empty
// SessionID further restricts them to that session before deduplication.
type Window struct {
	Start     int64
	End       int64
	SessionID string
}

// Representatives streams one row per dedup group in w, ordered by ts.
// The same stored rows always yield the same representatives.
func (s *Store) Representatives(ctx context.Context, w Window, tb Tiebreak, fn func(model.StoredRow) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	filter, args := "", []any{w.Start, w.End}
	if w.SessionID != "" {
		filter = " AND session_id = ?"
		args = append(args, w.SessionID)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(representativeSQL, tb.orderBy(), filter), args...)
	if err != nil {
		return fmt.Errorf("querying representatives: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r model.StoredRow
		var role string
		if err := rows.Scan(
			&r.Seq, &r.FilePath, &r.MsgID, &r.SessionID, &r.Timestamp, &role,
			&r.Input, &r.Output, &r.Reasoning, &r.CacheRead, &r.CacheWrite,
			&r.ProviderID, &r.ModelID,
		); err != nil {
			return err
		}
		r.Role = model.Role(role)
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LatestSessionStart returns the session holding the newest record and the
// timestamp of that session's first record.
func (s *Store) LatestSessionStart(ctx context.Context) (sessionID string, start int64, ok bool, err error) {
	if s.closed.Load() {
		return "", 0, false, ErrClosed
	}
	err = s.db.QueryRowContext(ctx, `SELECT session_id, (
			SELECT MIN(ts) FROM messages WHERE session_id = latest.session_id
		)
		FROM (SELECT session_id FROM messages ORDER BY ts DESC, seq DESC LIMIT 1) AS latest`).
		Scan(&sessionID, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return sessionID, start, true, nil
}

// Counts summarizes store size.
type Counts struct {
	Rows         int64 `json:"rows"`
	TrackedFiles int64 `json:"tracked_files"`
	Sessions     int64 `json:"sessions"`
}

// Counts returns row, tracked file and session counts.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if s.closed.Load() {
		return c, ErrClosed
	}
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM file_tracker),
		(SELECT COUNT(DISTINCT session_id) FROM messages)`).
		Scan(&c.Rows, &c.TrackedFiles, &c.Sessions)
	return c, err
}
