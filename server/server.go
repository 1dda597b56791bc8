// Package server exposes the in-process store over RESP on TCP or a unix socket.
// One goroutine per connection parses requests and keeps the connection state
// (AUTH, SELECT, MULTI queue, WATCH set); command execution is delegated to the
// store actor. Shutdown stops accepting, closes live connections and waits for
// their goroutines.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"tagredis/db"
	"tagredis/pkg/metrics"
	"tagredis/resp"
)

// Metrics is what the server reports.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	CommandDuration(cmd string) metrics.Timer
	CommandFailed(cmd string)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()                    {}
func (nopMetrics) ConnectionClosed()                    {}
func (nopMetrics) CommandDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CommandFailed(string)                 {}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }

// Config describes the listener.
type Config struct {
	// Network is "tcp" (default) or "unix".
	Network string
	// Addr is host:port, or the socket path for unix.
	Addr string
	// RequirePass makes every connection AUTH first when set.
	RequirePass string
	Logger      *slog.Logger
	Metrics     Metrics
}

type Server struct {
	cfg Config
	db  *db.DB
	log *slog.Logger
	m   Metrics

	listener net.Listener

	closing   chan struct{}
	closeOnce sync.Once

	wg      sync.WaitGroup
	conns   map[net.Conn]struct{}
	connsMu sync.Mutex
}

// New builds a server for store. The server never closes store.
func New(cfg Config, store *db.DB) *Server {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	return &Server{
		cfg:     cfg,
		db:      store,
		log:     cfg.Logger,
		m:       cfg.Metrics,
		closing: make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the listener. A stale unix socket file is removed first.
func (s *Server) Listen() error {
	if s.cfg.Network == "unix" {
		if err := os.Remove(s.cfg.Addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	listener, err := net.Listen(s.cfg.Network, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", s.cfg.Network, s.cfg.Addr, err)
	}
	s.listener = listener
	s.log.Info("listening", "network", s.cfg.Network, "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener. It returns nil after
// Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("accept failed", "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.trackConn(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting, closes every connection and waits for the
// connection goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.connsMu.Lock()
		close(s.closing)
		for c := range s.conns {
			_ = c.Close()
		}
		s.connsMu.Unlock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	s.m.ConnectionOpened()
	defer s.m.ConnectionClosed()

	sess := newSession(s.cfg.RequirePass == "")
	defer sess.release(s.db)

	for payload := range resp.ParseStream(conn) {
		if payload.Err != nil {
			if !errors.Is(payload.Err, net.ErrClosed) {
				s.log.Debug("connection closed", "remote", conn.RemoteAddr().String(), "error", payload.Err)
				if errors.Is(payload.Err, resp.ErrProtocol) {
					_, _ = conn.Write(resp.MakeErrReply("ERR Protocol error: " + payload.Err.Error()).ToBytes())
				}
			}
			return
		}

		mb, ok := payload.Data.(*resp.MultiBulkReply)
		if !ok || len(mb.Args) == 0 {
			_, _ = conn.Write(resp.MakeErrReply("ERR Protocol error: expected array of bulk strings").ToBytes())
			continue
		}

		reply, action := s.dispatch(sess, mb.Args)
		if _, err := conn.Write(reply.ToBytes()); err != nil {
			return
		}
		switch action {
		case actionClose:
			return
		case actionShutdown:
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = s.Shutdown(ctx)
			}()
			return
		}
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	select {
	case <-s.closing:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}
