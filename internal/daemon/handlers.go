package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/theirongolddev/tokmeter/internal/ipc"
	"github.com/theirongolddev/tokmeter/internal/model"
	"github.com/theirongolddev/tokmeter/internal/pipeline"
)

// shutdownDelay lets the shutdown response reach the client before the
// listener closes its connection.
const shutdownDelay = 100 * time.Millisecond

func (s *Service) registerHandlers() {
	s.server.Handle(ipc.OpGetStats, s.handleStats)
	s.server.Handle(ipc.OpGetBreakdown, s.handleBreakdown)
	s.server.Handle(ipc.OpGetTrend, s.handleTrend)
	s.server.Handle(ipc.OpCheckUpdates, s.handleCheckUpdates)
	s.server.Handle(ipc.OpGetStatus, s.handleStatus)
	s.server.Handle(ipc.OpGetEvents, s.handleEvents)
	s.server.Handle(ipc.OpRefresh, s.handleRefresh)
	s.server.Handle(ipc.OpExportCSV, s.handleExport)
	s.server.Handle(ipc.OpReset, s.handleReset)
	s.server.Handle(ipc.OpShutdown, s.handleShutdown)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ipc.Errorf(ipc.CodeBadRequest, "invalid params: %v", err)
	}
	return nil
}

// protocolError maps domain errors onto protocol error codes.
func protocolError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrInvalidScope):
		return ipc.Errorf(ipc.CodeInvalidScope, "%v", err)
	case errors.Is(err, pipeline.ErrInvalidBreakdown):
		return ipc.Errorf(ipc.CodeInvalidBreakdown, "%v", err)
	}
	return err
}

func (s *Service) resolve(ctx context.Context, p ipc.ScopeParams) (pipeline.Range, error) {
	r, err := s.engine.Resolve(ctx, pipeline.ScopeSpec{Name: p.Scope, Start: p.Start, End: p.End}, s.cfg.Now(), s.cfg.Location)
	return r, protocolError(err)
}

func (s *Service) scopedQuery(ctx context.Context, p ipc.ScopeParams, dim model.Dimension) (any, error) {
	r, err := s.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	view, err := s.query(ctx, r, dim)
	return view, protocolError(err)
}

func (s *Service) handleStats(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ipc.ScopeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.scopedQuery(ctx, p, model.DimensionNone)
}

func (s *Service) handleBreakdown(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ipc.BreakdownParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	dim, ok := model.ParseDimension(p.Dimension)
	if !ok || dim == model.DimensionNone {
		return nil, ipc.Errorf(ipc.CodeInvalidBreakdown, "breakdown dimension must be provider, model or trend, got %q", p.Dimension)
	}
	return s.scopedQuery(ctx, p.ScopeParams, dim)
}

func (s *Service) handleTrend(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ipc.ScopeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.scopedQuery(ctx, p, model.DimensionTrend)
}

func (s *Service) handleCheckUpdates(_ context.Context, raw json.RawMessage) (any, error) {
	var p ipc.CheckUpdatesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	last := s.store.LastMutation()
	return ipc.UpdatesResult{LastMutation: last, Changed: last > p.SinceTS}, nil
}

func (s *Service) handleStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.Status(ctx)
}

func (s *Service) handleEvents(_ context.Context, raw json.RawMessage) (any, error) {
	var p ipc.EventsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.eventsAfter(p.AfterID), nil
}

func (s *Service) handleRefresh(ctx context.Context, _ json.RawMessage) (any, error) {
	res, err := s.submit(ctx, cmdRefresh)
	if err != nil {
		return nil, err
	}
	return res.summary, nil
}

func (s *Service) handleExport(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ipc.ExportParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	g, err := pipeline.ParseGranularity(p.Granularity)
	if err != nil {
		return nil, protocolError(err)
	}
	r, err := s.resolve(ctx, p.ScopeParams)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = s.engine.ExportCSV(ctx, &buf, pipeline.ExportRequest{
		Range:       r,
		Granularity: g,
		Prices:      s.prices.Load(),
		Location:    s.cfg.Location,
	})
	if err != nil {
		return nil, protocolError(err)
	}
	return ipc.ExportResult{CSV: buf.String()}, nil
}

func (s *Service) handleReset(ctx context.Context, _ json.RawMessage) (any, error) {
	res, err := s.submit(ctx, cmdReset)
	if err != nil {
		return nil, err
	}
	return ipc.UpdatesResult{LastMutation: res.mutation, Changed: true}, nil
}

func (s *Service) handleShutdown(_ context.Context, _ json.RawMessage) (any, error) {
	time.AfterFunc(shutdownDelay, s.Stop)
	return map[string]bool{"stopping": true}, nil
}
