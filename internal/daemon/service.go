// Package daemon provides the long-running agent: one scan loop that is the
// store's only writer, plus the IPC service answering queries.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/theirongolddev/tokmeter/internal/config"
	"github.com/theirongolddev/tokmeter/internal/ipc"
	"github.com/theirongolddev/tokmeter/internal/model"
	"github.com/theirongolddev/tokmeter/internal/pipeline"
	"github.com/theirongolddev/tokmeter/internal/source"
	"github.com/theirongolddev/tokmeter/internal/store"
)

// Config controls the agent runtime behavior.
type Config struct {
	MessageRoot  string
	Interval     time.Duration
	Workers      int
	PendingGrace time.Duration
	EventsBuffer int
	Location     *time.Location
	Tiebreak     store.Tiebreak
	IPC          ipc.ServerConfig

	// Now overrides the clock used for scopes and status.
	Now func() time.Time
}

type commandKind int

const (
	cmdRefresh commandKind = iota
	cmdReset
)

type command struct {
	kind  commandKind
	reply chan commandResult
}

type commandResult struct {
	summary  pipeline.ScanSummary
	mutation int64
	err      error
}

// Service runs the scan loop and serves IPC requests against the store.
type Service struct {
	cfg     Config
	store   *store.Store
	scanner *pipeline.Scanner
	engine  *pipeline.Engine
	server  *ipc.Server

	prices     atomic.Pointer[config.PriceTable]
	queries    singleflight.Group
	queryCount atomic.Int64

	commands chan command
	stop     chan struct{}
	stopOnce sync.Once

	mu            sync.RWMutex
	running       bool
	startedAt     time.Time
	lastScanAt    time.Time
	lastScan      pipeline.ScanSummary
	scanCount     int64
	lastError     string
	rootAvailable bool

	hasSnapshot   bool
	snapshot      ipc.Snapshot
	snapMutation  int64
	snapPriceVers int64
	nextEventID   int64
	events        []ipc.Event
}

// New returns an agent service over st using prices until SetPrices
// replaces them.
func New(cfg Config, st *store.Store, prices *config.PriceTable) *Service {
	if cfg.Interval < config.MinScanInterval {
		cfg.Interval = config.MinScanInterval
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if prices == nil {
		prices = config.NewPriceTable(config.PricingConfig{})
	}

	s := &Service{
		cfg:   cfg,
		store: st,
		scanner: pipeline.NewScanner(st, pipeline.ScanOptions{
			Root:         cfg.MessageRoot,
			Workers:      cfg.Workers,
			PendingGrace: cfg.PendingGrace,
			Now:          cfg.Now,
		}),
		engine:   pipeline.NewEngine(st, cfg.Tiebreak),
		server:   ipc.NewServer(cfg.IPC),
		commands: make(chan command),
		stop:     make(chan struct{}),
	}
	s.prices.Store(prices)
	s.registerHandlers()
	return s
}

// SetPrices swaps the price table. Subsequent queries, including those for
// already stored records, use the new prices.
func (s *Service) SetPrices(p *config.PriceTable) {
	if p == nil {
		return
	}
	s.prices.Store(p)
	log.WithField("version", p.Version()).Info("price table updated")
}

// Listen opens the IPC listener. Run calls it if needed.
func (s *Service) Listen() error {
	return s.server.Listen()
}

// Addr returns the IPC listen address once listening.
func (s *Service) Addr() string {
	if a := s.server.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Stop asks Run to return. It is safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run serves IPC and scans on a fixed interval until ctx is canceled or
// Stop is called.
func (s *Service) Run(ctx context.Context) error {
	if err := s.server.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.server.Serve(ctx) }()

	s.mu.Lock()
	s.running = true
	s.startedAt = s.cfg.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	// Seed the store so status and queries are useful immediately.
	_, _ = s.scanOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.server.Close()
			return <-serveErr
		case <-s.stop:
			cancel()
		case <-ticker.C:
			_, _ = s.scanOnce(ctx)
		case cmd := <-s.commands:
			cmd.reply <- s.execute(ctx, cmd.kind)
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("ipc server: %w", err)
			}
			return nil
		}
	}
}

func (s *Service) execute(ctx context.Context, kind commandKind) commandResult {
	switch kind {
	case cmdRefresh:
		sum, err := s.scanOnce(ctx)
		if errors.Is(err, source.ErrRootMissing) {
			err = nil
		}
		return commandResult{summary: sum, mutation: s.store.LastMutation(), err: err}
	case cmdReset:
		if err := s.store.Reset(); err != nil {
			return commandResult{err: fmt.Errorf("resetting store: %w", err)}
		}
		log.Warn("store reset: all records and the scan cursor were deleted")
		s.refreshSnapshot(ctx, ipc.EventReset)
		return commandResult{mutation: s.store.LastMutation()}
	}
	return commandResult{err: fmt.Errorf("unknown command %d", kind)}
}

// submit hands a command to the scan loop so writes stay on one goroutine.
func (s *Service) submit(ctx context.Context, kind commandKind) (commandResult, error) {
	reply := make(chan commandResult, 1)
	select {
	case s.commands <- command{kind: kind, reply: reply}:
	case <-s.stop:
		return commandResult{}, ipc.Errorf(ipc.CodeUnavailable, "agent is shutting down")
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, res.err
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
}

func (s *Service) scanOnce(ctx context.Context) (pipeline.ScanSummary, error) {
	sum, err := s.scanner.ScanOnce(ctx)
	now := s.cfg.Now()

	s.mu.Lock()
	prevErr := s.lastError
	s.lastScanAt = now
	s.lastScan = sum
	s.scanCount++
	s.rootAvailable = sum.RootAvailable
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()

	if err != nil && err.Error() != prevErr {
		if errors.Is(err, source.ErrRootMissing) {
			log.WithField("root", s.cfg.MessageRoot).Warn("message root unavailable, waiting for it to appear")
		} else {
			log.WithError(err).Error("scan failed")
		}
		s.publishEvent(ipc.Event{Type: ipc.EventScanError, Timestamp: now, Message: err.Error()})
	}

	s.refreshSnapshot(ctx, "")
	return sum, err
}

// refreshSnapshot recomputes the all-time snapshot when the store or the
// prices changed and publishes an event for the difference. A non-empty
// eventType forces an event of that type.
func (s *Service) refreshSnapshot(ctx context.Context, eventType string) {
	mutation := s.store.LastMutation()
	prices := s.prices.Load()

	s.mu.RLock()
	current := s.hasSnapshot && s.snapMutation == mutation && s.snapPriceVers == prices.Version()
	s.mu.RUnlock()
	if current && eventType == "" {
		return
	}

	r, _ := pipeline.ResolveScope(pipeline.ScopeAllTime, s.cfg.Now(), s.cfg.Location)
	view, err := s.query(ctx, r, model.DimensionNone)
	if err != nil {
		log.WithError(err).Warn("computing usage snapshot")
		return
	}
	now := s.cfg.Now()
	snap := snapshotFromTotals(view.Totals, now)

	var (
		ev      ipc.Event
		publish bool
	)

	s.mu.Lock()
	prev := s.snapshot
	prevExists := s.hasSnapshot

	s.hasSnapshot = true
	s.snapshot = snap
	s.snapMutation = mutation
	s.snapPriceVers = prices.Version()

	switch {
	case eventType != "":
		ev = ipc.Event{Type: eventType, Timestamp: now, Snapshot: snap, Delta: diffSnapshots(prev, snap)}
		publish = true
	case !prevExists:
		ev = ipc.Event{Type: ipc.EventSnapshot, Timestamp: now, Snapshot: snap}
		publish = true
	default:
		if delta := diffSnapshots(prev, snap); !delta.IsZero() {
			ev = ipc.Event{Type: ipc.EventUsageDelta, Timestamp: now, Snapshot: snap, Delta: delta}
			publish = true
		}
	}
	s.mu.Unlock()

	if publish {
		s.publishEvent(ev)
	}
}

// query runs one aggregation. Identical concurrent queries against the
// same store version and price table share a single execution.
func (s *Service) query(ctx context.Context, r pipeline.Range, dim model.Dimension) (model.AggregateView, error) {
	prices := s.prices.Load()
	key := fmt.Sprintf("%s|%s|%d|%d|%s|%d|%d", r.Name, r.SessionID, r.Start, r.End, dim, s.store.LastMutation(), prices.Version())

	v, err, _ := s.queries.Do(key, func() (any, error) {
		s.queryCount.Add(1)
		return s.engine.Query(ctx, pipeline.Query{
			Range:     r,
			Dimension: dim,
			Prices:    prices,
			Location:  s.cfg.Location,
		})
	})
	if err != nil {
		return model.AggregateView{}, err
	}
	return v.(model.AggregateView), nil
}

func snapshotFromTotals(t model.Totals, at time.Time) ipc.Snapshot {
	return ipc.Snapshot{
		At:       at,
		Records:  t.Records,
		Messages: t.Messages,
		Requests: t.Requests,
		Tokens:   t.TotalTokens(),
		Cost:     t.Cost,
	}
}

func diffSnapshots(prev, curr ipc.Snapshot) ipc.Delta {
	return ipc.Delta{
		Records:  curr.Records - prev.Records,
		Messages: curr.Messages - prev.Messages,
		Requests: curr.Requests - prev.Requests,
		Tokens:   curr.Tokens - prev.Tokens,
		Cost:     curr.Cost.Sub(prev.Cost),
	}
}

func (s *Service) publishEvent(ev ipc.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	ev.ID = s.nextEventID
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}
}

// eventsAfter returns buffered events with IDs greater than id.
func (s *Service) eventsAfter(id int64) []ipc.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ipc.Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.ID > id {
			out = append(out, ev)
		}
	}
	return out
}

// Status reports the scan loop state and store size.
func (s *Service) Status(ctx context.Context) (ipc.Status, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return ipc.Status{}, fmt.Errorf("counting store: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return ipc.Status{
		Running:          s.running,
		PID:              os.Getpid(),
		StartedAt:        s.startedAt,
		LastScanAt:       s.lastScanAt,
		LastScanDuration: s.lastScan.Duration,
		ScanIntervalMs:   s.cfg.Interval.Milliseconds(),
		ScanCount:        s.scanCount,
		MessageRoot:      s.cfg.MessageRoot,
		RootAvailable:    s.rootAvailable,
		LastError:        s.lastError,
		LastMutation:     s.store.LastMutation(),
		Store:            counts,
		Summary:          s.snapshot,
		EventCount:       len(s.events),
	}, nil
}
