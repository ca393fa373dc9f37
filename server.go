package svcagent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"vawter.tech/stopper"

	"github.com/axondata/go-svcagent/internal/unix"
)

// DefaultIdleTimeout closes control connections that send nothing
const DefaultIdleTimeout = 5 * time.Minute

// maxRequestSize bounds one request line
const maxRequestSize = 1 << 20

const (
	listenBackoffMin = 50 * time.Millisecond
	listenBackoffMax = time.Second
)

// Request is one control request line
type Request struct {
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one control response line
type Response struct {
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Server exposes Commands as line-delimited JSON over TCP
type Server struct {
	addr        string
	commands    *Commands
	idleTimeout time.Duration
	logger      zerolog.Logger

	listenRetry time.Duration

	ln      net.Listener
	closed  atomic.Bool
	clients atomic.Int64
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithIdleTimeout sets how long a silent connection stays open
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithListenRetry keeps retrying Listen for up to d while the address is
// still held by another process, such as an agent that is shutting down.
func WithListenRetry(d time.Duration) ServerOption {
	return func(s *Server) {
		s.listenRetry = d
	}
}

// WithServerLogger sets the server's logger
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a control server for addr
func NewServer(addr string, commands *Commands, opts ...ServerOption) *Server {
	s := &Server{
		addr:        addr,
		commands:    commands,
		idleTimeout: DefaultIdleTimeout,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the control address. The socket is opened with SO_REUSEPORT
// so forked sibling agents share the address.
func (s *Server) Listen() error {
	lc := net.ListenConfig{Control: unix.ReusePort}
	deadline := time.Now().Add(s.listenRetry)
	backoff := listenBackoffMin
	for attempt := 1; ; attempt++ {
		ln, err := lc.Listen(context.Background(), "tcp", s.addr)
		if err == nil {
			s.ln = ln
			return nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) || time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("control listen %s: %w", s.addr, err)
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("control address busy, retrying")
		time.Sleep(backoff)
		backoff = min(backoff*2, listenBackoffMax)
	}
}

// Close stops accepting control connections. Serve returns nil once the
// connections in flight finish.
func (s *Server) Close() error {
	if s.ln == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Str("addr", s.ln.Addr().String()).Msg("control listener closed")
	return s.ln.Close()
}

// Addr returns the bound address, nil before Listen
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is done. Listen is called first if
// it has not been.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ln := s.ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("control listening")

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() { _ = ln.Close() })
	sctx.Go(func(sctx *stopper.Context) error {
		<-sctx.Stopping()
		_ = ln.Close()
		return nil
	})

	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !sctx.IsStopping() && ctx.Err() == nil && !s.closed.Load() {
				serveErr = err
			}
			break
		}
		if !sctx.Go(func(sctx *stopper.Context) error {
			s.handleConn(sctx, conn)
			return nil
		}) {
			_ = conn.Close()
		}
	}

	sctx.Stop(time.Second)
	if err := sctx.Wait(); err != nil && serveErr == nil && ctx.Err() == nil {
		serveErr = err
	}
	return serveErr
}

// handleConn decodes one request per line and writes one response per line
func (s *Server) handleConn(sctx *stopper.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	s.logger.Debug().Str("remote", remote).Int64("active_clients", active).Msg("control client connected")
	defer func() {
		remaining := s.clients.Add(-1)
		s.logger.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("control client disconnected")
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sctx.Stopping():
			_ = conn.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		line, err := readLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !sctx.IsStopping() {
				s.logger.Warn().Err(err).Str("remote", remote).Msg("control read failed")
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeResponse(conn, Response{OK: false, Error: err.Error(), Code: ErrorCode(ErrInvalidParams)})
			continue
		}

		resp, reply := s.handle(sctx, req)
		if !reply {
			return
		}
		if err := writeResponse(conn, resp); err != nil {
			s.logger.Warn().Err(err).Str("remote", remote).Msg("control write failed")
			return
		}
	}
}

// handle dispatches one request. reply is false when the process is
// exiting and no answer must be sent.
func (s *Server) handle(ctx context.Context, req Request) (Response, bool) {
	op := ParseOperation(req.Op)
	if op == OpUnknown {
		err := fmt.Errorf("%w: %q", ErrUnknownOperation, req.Op)
		return Response{ID: req.ID, Error: err.Error(), Code: ErrorCode(err)}, true
	}

	data, err := s.commands.Dispatch(ctx, op, req.Params)
	if errors.Is(err, errNoReply) {
		return Response{}, false
	}
	if err != nil {
		resp := Response{ID: req.ID, Error: err.Error(), Code: ErrorCode(err)}
		// Failed exec and checkout still carry their captured output
		switch data.(type) {
		case ExecResult, []ExecResult:
			if payload, mErr := json.Marshal(data); mErr == nil && string(payload) != "null" {
				resp.Data = payload
			}
		}
		return resp, true
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error(), Code: ErrorCode(err)}, true
	}
	return Response{ID: req.ID, OK: true, Data: payload}, true
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxRequestSize {
			return nil, fmt.Errorf("request exceeds %d bytes", maxRequestSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func writeResponse(w io.Writer, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
