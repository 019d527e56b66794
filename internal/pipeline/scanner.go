package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/tokmeter/internal/model"
	"github.com/theirongolddev/tokmeter/internal/source"
	"github.com/theirongolddev/tokmeter/internal/store"
)

// ScanOptions configures a Scanner.
type ScanOptions struct {
	Root    string
	Workers int
	// PendingGrace is how long an unfinished assistant message is deferred
	// before it is ingested as-is.
	PendingGrace time.Duration
	Now          func() time.Time
}

// ScanSummary reports the outcome of one scan pass.
type ScanSummary struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`
	RootAvailable bool          `json:"root_available"`
	Sessions      int           `json:"sessions"`
	FilesSeen     int           `json:"files_seen"`
	Unchanged     int           `json:"unchanged"`
	Parsed        int           `json:"parsed"`
	Ingested      int           `json:"ingested"`
	Inserted      int           `json:"inserted"`
	Skipped       int           `json:"skipped"`
	Pending       int           `json:"pending"`
	Errors        int           `json:"errors"`
}

// Scanner performs incremental scans of the message root into a store.
// ScanOnce is not meant to run concurrently with itself; calls are serialized.
type Scanner struct {
	opts  ScanOptions
	store *store.Store

	mu sync.Mutex
	// rejected remembers files that failed to parse at a given mtime/size so
	// they are not re-read and re-logged every tick. It is not persisted.
	rejected map[string]store.FileInfo
}

// NewScanner returns a Scanner writing into st.
func NewScanner(st *store.Store, opts ScanOptions) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{
		opts:     opts,
		store:    st,
		rejected: make(map[string]store.FileInfo),
	}
}

// Root returns the configured message root.
func (s *Scanner) Root() string {
	return s.opts.Root
}

// ScanOnce discovers new or changed message files, parses them in parallel
// and ingests them one file per transaction. Per-file problems are logged
// and counted, never returned. A missing root yields a summary with
// RootAvailable=false and an error wrapping source.ErrRootMissing.
func (s *Scanner) ScanOnce(ctx context.Context) (sum ScanSummary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum.StartedAt = s.opts.Now()
	defer func() { sum.Duration = s.opts.Now().Sub(sum.StartedAt) }()

	files, err := source.ScanDir(s.opts.Root)
	if err != nil {
		if errors.Is(err, source.ErrRootMissing) {
			return sum, err
		}
		return sum, fmt.Errorf("scanning %s: %w", s.opts.Root, err)
	}
	sum.RootAvailable = true
	sum.FilesSeen = len(files)
	sum.Sessions = source.CountSessions(files)

	tracked, err := s.store.GetTrackedFiles()
	if err != nil {
		return sum, fmt.Errorf("reading scan cursor: %w", err)
	}

	// Diff: partition into changed and unchanged
	var toParse []source.DiscoveredFile
	present := make(map[string]struct{}, len(files))
	for _, f := range files {
		present[f.Path] = struct{}{}
		info := store.FileInfo{MtimeNs: f.MtimeNs, SizeBytes: f.SizeBytes}
		if cached, ok := tracked[f.Path]; ok && cached == info {
			sum.Unchanged++
			continue
		}
		if rej, ok := s.rejected[f.Path]; ok && rej == info {
			sum.Skipped++
			continue
		}
		toParse = append(toParse, f)
	}

	results := make([]source.ParseResult, len(toParse))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i := range toParse {
		i := i
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = source.ParseFile(toParse[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	now := s.opts.Now()
	for i, pr := range results {
		f := toParse[i]
		info := store.FileInfo{MtimeNs: f.MtimeNs, SizeBytes: f.SizeBytes}
		sum.Parsed++

		if pr.Err != nil {
			sum.Skipped++
			s.rejected[f.Path] = info
			log.WithFields(log.Fields{"file": f.Path, "reason": pr.Err.Error()}).Warn("skipping message file")
			continue
		}
		delete(s.rejected, f.Path)

		if pr.Pending && now.Sub(time.Unix(0, f.MtimeNs)) < s.opts.PendingGrace {
			sum.Pending++
			continue
		}

		n, err := s.store.IngestFile(f.Path, &info, []model.MessageRecord{pr.Record})
		if err != nil {
			sum.Errors++
			log.WithError(err).WithField("file", f.Path).Error("ingesting message file")
			continue
		}
		sum.Ingested++
		sum.Inserted += n
	}

	// Forget cursor entries for files that no longer exist.
	var gone []string
	for path := range tracked {
		if _, ok := present[path]; !ok {
			gone = append(gone, path)
		}
	}
	for path := range s.rejected {
		if _, ok := present[path]; !ok {
			delete(s.rejected, path)
		}
	}
	if err := s.store.DeleteFileTracker(gone...); err != nil {
		log.WithError(err).Warn("pruning scan cursor")
	}

	entry := log.WithFields(log.Fields{
		"files":     sum.FilesSeen,
		"unchanged": sum.Unchanged,
		"ingested":  sum.Ingested,
		"inserted":  sum.Inserted,
		"skipped":   sum.Skipped,
		"pending":   sum.Pending,
		"elapsed":   s.opts.Now().Sub(sum.StartedAt).Round(time.Millisecond),
	})
	if sum.Inserted > 0 || sum.Errors > 0 {
		entry.Info("scan complete")
	} else {
		entry.Debug("scan complete")
	}

	return sum, nil
}
