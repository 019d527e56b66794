package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theirongolddev/tokmeter/internal/model"
	"github.com/theirongolddev/tokmeter/internal/pipeline"
)

// ErrUnavailable means the agent could not be reached. Clients treat it as
// "offline", not as a fatal error.
var ErrUnavailable = errors.New("agent unavailable")

// DefaultDialTimeout bounds connection setup when ctx has no deadline.
const DefaultDialTimeout = 2 * time.Second

// Client is a persistent connection to the agent. It is safe for
// concurrent use; calls are serialized on the connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the agent at address.
func Dial(ctx context.Context, network, address string) (*Client, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Client{conn: conn, r: bufio.NewReaderSize(conn, 64*1024)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and decodes the successful result into out, which
// may be nil. A failed response is returned as *Error.
func (c *Client) Call(ctx context.Context, op string, params, out any) error {
	req := Request{ID: uuid.NewString(), Op: op}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", op, err)
		}
		req.Params = raw
	}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = c.conn.SetDeadline(deadline)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("%w: sending %s: %v", ErrUnavailable, op, err)
	}

	var resp Response
	for {
		data, err := c.r.ReadBytes('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return Errorf(CodeTimeout, "%s: no response before deadline", op)
			}
			return fmt.Errorf("%w: reading %s response: %v", ErrUnavailable, op, err)
		}
		resp = Response{}
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("decoding %s response: %w", op, err)
		}
		// Responses to abandoned earlier requests are skipped.
		if resp.ID == req.ID {
			break
		}
	}

	if !resp.OK {
		if resp.Error == nil {
			return Errorf(CodeInternal, "%s failed without an error", op)
		}
		return resp.Error
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", op, err)
	}
	return nil
}

// Stats returns the totals for a scope.
func (c *Client) Stats(ctx context.Context, scope ScopeParams) (model.AggregateView, error) {
	var v model.AggregateView
	err := c.Call(ctx, OpGetStats, scope, &v)
	return v, err
}

// Breakdown returns per-provider or per-model rows for a scope.
func (c *Client) Breakdown(ctx context.Context, scope ScopeParams, dim model.Dimension) (model.AggregateView, error) {
	var v model.AggregateView
	err := c.Call(ctx, OpGetBreakdown, BreakdownParams{ScopeParams: scope, Dimension: string(dim)}, &v)
	return v, err
}

// Trend returns the bucketed series for a scope.
func (c *Client) Trend(ctx context.Context, scope ScopeParams) (model.AggregateView, error) {
	var v model.AggregateView
	err := c.Call(ctx, OpGetTrend, scope, &v)
	return v, err
}

// CheckUpdates reports whether the store changed after sinceTS.
func (c *Client) CheckUpdates(ctx context.Context, sinceTS int64) (UpdatesResult, error) {
	var r UpdatesResult
	err := c.Call(ctx, OpCheckUpdates, CheckUpdatesParams{SinceTS: sinceTS}, &r)
	return r, err
}

// Status returns the agent status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Call(ctx, OpGetStatus, nil, &st)
	return st, err
}

// Events returns buffered scan events with IDs greater than afterID.
func (c *Client) Events(ctx context.Context, afterID int64) ([]Event, error) {
	var evs []Event
	err := c.Call(ctx, OpGetEvents, EventsParams{AfterID: afterID}, &evs)
	return evs, err
}

// Refresh asks the agent to scan now and returns that scan's summary.
func (c *Client) Refresh(ctx context.Context) (pipeline.ScanSummary, error) {
	var sum pipeline.ScanSummary
	err := c.Call(ctx, OpRefresh, nil, &sum)
	return sum, err
}

// ExportCSV returns a CSV document for a scope.
func (c *Client) ExportCSV(ctx context.Context, p ExportParams) (string, error) {
	var r ExportResult
	err := c.Call(ctx, OpExportCSV, p, &r)
	return r.CSV, err
}

// Reset deletes all stored records and the scan cursor.
func (c *Client) Reset(ctx context.Context) (UpdatesResult, error) {
	var r UpdatesResult
	err := c.Call(ctx, OpReset, nil, &r)
	return r, err
}

// Shutdown asks the agent to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, OpShutdown, nil, nil)
}

// IsUnavailable reports whether err means the agent is offline.
func IsUnavailable(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var pe *Error
	return errors.As(err, &pe) && pe.Code == CodeUnavailable
}
