package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConnections = 128
	defaultWorkers        = 8
	defaultMessageTimeout = 5 * time.Second
)

// Handler processes one inbound message. Returning a non-nil response
// writes it back on the same connection; request frames with a nil
// response get an empty FrameResponse so callers never hang.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// ServerConfig controls the local endpoint.
type ServerConfig struct {
	// SocketPath is the unix socket this endpoint listens on.
	SocketPath string

	// MaxConnections caps concurrently accepted connections; further
	// connections are refused at accept time.
	MaxConnections int

	// Workers bounds concurrently executing handlers.
	Workers int

	// MessageTimeout bounds a single handler invocation.
	MessageTimeout time.Duration

	// MaxPayload bounds a single message payload.
	MaxPayload uint32
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = defaultMessageTimeout
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = DefaultMaxPayload
	}
}

// Server accepts framed messages on a unix socket and dispatches them
// to a handler through a bounded worker pool.
type Server struct {
	config  ServerConfig
	logger  *zap.Logger
	handler Handler

	listener net.Listener
	workers  *semaphore.Weighted
	conns    atomic.Int64
	received atomic.Uint64
	refused  atomic.Uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer builds a server; Start actually binds the socket.
func NewServer(config ServerConfig, handler Handler, logger *zap.Logger) *Server {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:  config,
		logger:  logger,
		handler: handler,
		workers: semaphore.NewWeighted(int64(config.Workers)),
	}
}

// Start binds the socket and begins accepting. A stale socket file from
// a crashed predecessor is removed first.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transport: removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.config.SocketPath, err)
	}
	s.listener = listener

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(loopCtx)

	s.logger.Info("local transport listening",
		zap.String("socket", s.config.SocketPath),
		zap.Int("max_connections", s.config.MaxConnections),
		zap.Int("workers", s.config.Workers))
	return nil
}

// Close stops accepting, waits for in-flight handlers up to the
// context deadline, and removes the socket file.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	listener := s.listener
	s.mu.Unlock()

	err := listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("transport close deadline exceeded with handlers in flight")
	}

	if rmErr := os.Remove(s.config.SocketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Received returns the total number of messages dispatched.
func (s *Server) Received() uint64 { return s.received.Load() }

// Refused returns connections turned away at the connection cap.
func (s *Server) Refused() uint64 { return s.refused.Load() }

// ActiveConnections returns the current connection count.
func (s *Server) ActiveConnections() int64 { return s.conns.Load() }

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		if s.conns.Load() >= int64(s.config.MaxConnections) {
			s.refused.Add(1)
			conn.Close()
			continue
		}

		s.conns.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Add(-1)
			defer conn.Close()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn reads frames off one connection until it closes or the
// server shuts down. Shutdown is cooperative: the current message
// finishes, then the loop exits.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := ReadMessage(conn, s.config.MaxPayload)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read ended", zap.Error(err))
			}
			return
		}
		s.received.Add(1)

		if err := s.dispatch(ctx, conn, msg); err != nil {
			s.logger.Warn("message dispatch failed",
				zap.String("message_id", msg.ID.String()),
				zap.Stringer("from", msg.From),
				zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, msg *Message) error {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.workers.Release(1)

	msgCtx, cancel := context.WithTimeout(ctx, s.config.MessageTimeout)
	defer cancel()

	// Heartbeats are answered directly; no handler involvement needed.
	// The reply carries the responder's PID so the directory can track
	// process identity.
	if msg.Type == FrameHeartbeat {
		var pid [8]byte
		binary.BigEndian.PutUint64(pid[:], uint64(os.Getpid()))
		return WriteMessage(conn, msg.Reply(FrameResponse, pid[:]), s.config.MaxPayload)
	}

	resp, err := s.handler(msgCtx, msg)
	if err != nil {
		if msg.Type == FrameRequest {
			errResp := msg.Reply(FrameError, []byte(err.Error()))
			if werr := WriteMessage(conn, errResp, s.config.MaxPayload); werr != nil {
				return werr
			}
		}
		return nil
	}

	if msg.Type != FrameRequest {
		return nil
	}
	if resp == nil {
		resp = msg.Reply(FrameResponse, nil)
	}
	return WriteMessage(conn, resp, s.config.MaxPayload)
}
