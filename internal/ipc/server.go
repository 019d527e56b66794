package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrAddrInUse is returned when another live agent owns the socket.
var ErrAddrInUse = errors.New("agent socket already in use")

// HandlerFunc serves one operation. Returning an *Error sends that code;
// any other error is reported as internal.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// ServerConfig configures the listener and per-connection limits.
type ServerConfig struct {
	Network        string
	Address        string
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	// MaxRequestSize bounds one request line. Zero means MaxMessageSize.
	MaxRequestSize int
}

// Server accepts local connections and dispatches requests to handlers.
// Each connection is served by its own goroutine; requests on one
// connection are answered in order.
type Server struct {
	cfg      ServerConfig
	handlers map[string]HandlerFunc

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a server with no handlers registered.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = MaxMessageSize
	}
	return &Server{
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Handle registers fn for op. It must be called before Serve.
func (s *Server) Handle(op string, fn HandlerFunc) {
	s.handlers[op] = fn
}

// Listen opens the listener. A stale unix socket left by a dead agent is
// removed; a live one yields ErrAddrInUse. Unix sockets are owner-only.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	if s.cfg.Network == "unix" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Address), 0o700); err != nil {
			return fmt.Errorf("creating socket dir: %w", err)
		}
		if _, err := os.Stat(s.cfg.Address); err == nil {
			c, dialErr := net.DialTimeout("unix", s.cfg.Address, time.Second)
			if dialErr == nil {
				_ = c.Close()
				return fmt.Errorf("%w: %s", ErrAddrInUse, s.cfg.Address)
			}
			log.WithField("socket", s.cfg.Address).Debug("removing stale socket")
			if err := os.Remove(s.cfg.Address); err != nil {
				return fmt.Errorf("removing stale socket: %w", err)
			}
		}
	}

	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		if s.cfg.Network == "tcp" && errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrAddrInUse, s.cfg.Address)
		}
		return fmt.Errorf("listening on %s %s: %w", s.cfg.Network, s.cfg.Address, err)
	}
	if s.cfg.Network == "unix" {
		if err := os.Chmod(s.cfg.Address, 0o600); err != nil {
			_ = ln.Close()
			return fmt.Errorf("securing socket: %w", err)
		}
	}
	s.ln = ln
	return nil
}

// Addr returns the listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes open connections and removes the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	if s.cfg.Network == "unix" {
		_ = os.Remove(s.cfg.Address)
	}
	return err
}

func (s *Server) forget(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, min(64*1024, s.cfg.MaxRequestSize)), s.cfg.MaxRequestSize)
	w := bufio.NewWriter(conn)
	enc := json.NewEncoder(w)

	reply := func(resp Response) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
		if err := enc.Encode(resp); err != nil {
			log.WithError(err).Debug("ipc write failed")
			return false
		}
		if err := w.Flush(); err != nil {
			log.WithError(err).Debug("ipc write failed")
			return false
		}
		return true
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if !sc.Scan() {
			err := sc.Err()
			switch {
			case errors.Is(err, bufio.ErrTooLong):
				// The rest of the line cannot be skipped reliably, so the
				// connection ends after the error reply.
				log.WithField("limit", s.cfg.MaxRequestSize).Warn("ipc request too large")
				reply(failure("", Errorf(CodeBadRequest, "request exceeds %d bytes", s.cfg.MaxRequestSize)))
			case err != nil && !errors.Is(err, net.ErrClosed):
				log.WithError(err).Debug("ipc connection closed")
			}
			return
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		if !reply(s.dispatch(ctx, line)) {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return failure("", Errorf(CodeBadRequest, "malformed request: %v", err))
	}
	if req.Op == "" {
		return failure(req.ID, Errorf(CodeBadRequest, "missing op"))
	}
	fn, ok := s.handlers[req.Op]
	if !ok {
		return failure(req.ID, Errorf(CodeUnknownOp, "unknown op %q", req.Op))
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	data, err := fn(reqCtx, req.Params)
	entry := log.WithFields(log.Fields{"op": req.Op, "elapsed": time.Since(start)})
	if err != nil {
		var pe *Error
		switch {
		case errors.As(err, &pe):
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded):
			pe = Errorf(CodeTimeout, "%s exceeded %s", req.Op, s.cfg.RequestTimeout)
		default:
			pe = Errorf(CodeInternal, "%v", err)
		}
		entry.WithField("code", pe.Code).Debug(pe.Message)
		return failure(req.ID, pe)
	}
	entry.Debug("ipc request")

	raw, err := json.Marshal(data)
	if err != nil {
		return failure(req.ID, Errorf(CodeInternal, "encoding result: %v", err))
	}
	return Response{ID: req.ID, OK: true, Data: raw}
}

func failure(id string, e *Error) Response {
	return Response{ID: id, OK: false, Error: e}
}
