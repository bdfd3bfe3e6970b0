// Package server accepts qftp connections, runs the key exchange and serves
// file requests against a storage backend.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xtaci/qftp/channel"
	"github.com/xtaci/qftp/logging"
	"github.com/xtaci/qftp/metrics"
	"github.com/xtaci/qftp/storage"
)

// ErrShutdownTimeout is returned by Serve when sessions had to be closed
// forcibly.
var ErrShutdownTimeout = errors.New("server: shutdown timeout exceeded, connections force-closed")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server owns the listener and the admission semaphore.
type Server struct {
	cfg        *Config
	opts       channel.Options
	fs         storage.FileSystem
	dispatcher *Dispatcher
	recorder   metrics.Recorder
	logger     *zap.Logger

	sem *semaphore.Weighted

	listenerMu sync.RWMutex
	listener   net.Listener
	ready      chan struct{}
	readyOnce  sync.Once

	active   atomic.Int32
	sessions sync.WaitGroup
	// conns maps connection ids to sockets for forced shutdown only.
	conns sync.Map
}

// Option customizes a Server.
type Option func(*Server)

// WithRecorder sets the metrics sink.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithLogger replaces the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithFileSystem serves fs instead of the backend named in the config.
func WithFileSystem(fs storage.FileSystem) Option {
	return func(s *Server) { s.fs = fs }
}

// WithListener serves on an existing listener.
func WithListener(ln net.Listener) Option {
	return func(s *Server) { s.listener = ln }
}

// New validates cfg, resolves the cipher suite and codec and opens the
// storage backend. The root directory must exist.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	suite, codec, err := cfg.ChannelOptions()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg: cfg,
		opts: channel.Options{
			Suite:        suite,
			Codec:        codec,
			MaxFrameSize: int(cfg.MaxFrameSize),
			KDFInfo:      []byte(cfg.KDFInfo),
		},
		recorder: metrics.Nop{},
		sem:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.L()
	}

	root := cfg.RootDirectory
	if s.fs == nil {
		switch cfg.Storage.Backend {
		case "s3":
			client, err := storage.NewS3Client(ctx, cfg.Storage.S3)
			if err != nil {
				return nil, fmt.Errorf("s3 backend: %w", err)
			}
			s.fs = storage.NewS3(client, cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix)
		default:
			abs, err := filepath.Abs(root)
			if err != nil {
				return nil, fmt.Errorf("root directory %s: %w", root, err)
			}
			root = filepath.ToSlash(abs)
			s.fs = storage.NewOSLocal()
		}
	}
	s.dispatcher, err = NewDispatcher(ctx, s.fs, root, int64(cfg.MaxReadSize))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Listen binds the configured address unless a listener was supplied.
func (s *Server) Listen() error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		ln, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.ListenAddress, err)
		}
		s.listener = ln
	}
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// ActiveSessions reports sessions currently holding a permit.
func (s *Server) ActiveSessions() int32 { return s.active.Load() }

// Root returns the canonical root every session is confined to.
func (s *Server) Root() string { return s.dispatcher.Root() }

// Serve accepts connections until ctx is cancelled, then waits up to
// ShutdownTimeout for sessions before closing the rest.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.listenerMu.RLock()
	ln := s.listener
	s.listenerMu.RUnlock()

	s.logger.Info("server listening",
		zap.Stringer("addr", ln.Addr()),
		zap.String("root", s.dispatcher.Root()),
		zap.Int("max_connections", s.cfg.MaxConnections),
		zap.Bool("reject_when_full", s.cfg.RejectWhenFull),
		zap.String("cipher_suite", s.opts.Suite.Name),
		zap.String("compression", s.opts.Codec.Name()))

	stop := context.AfterFunc(ctx, func() {
		s.logger.Info("shutdown signal received", zap.Int32("active", s.active.Load()))
		_ = ln.Close()
	})
	defer stop()

	backoff := time.Duration(0)
	for {
		// queue mode: hold a permit before accepting so excess clients wait
		// in the kernel backlog
		if !s.cfg.RejectWhenFull {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				break
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if !s.cfg.RejectWhenFull {
				s.sem.Release(1)
			}
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				return s.shutdown()
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			s.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		if s.cfg.RejectWhenFull && !s.sem.TryAcquire(1) {
			s.recorder.ConnectionRejected()
			s.logger.Warn("connection rejected, server full",
				zap.Stringer("remote", conn.RemoteAddr()),
				zap.Int("max_connections", s.cfg.MaxConnections))
			_ = conn.Close()
			continue
		}
		s.admit(ctx, conn)
	}
	return s.shutdown()
}

// admit starts a session on conn, which already holds a permit.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	s.tuneConn(conn)
	id := uuid.NewString()

	s.sessions.Add(1)
	count := s.active.Add(1)
	s.conns.Store(id, conn)
	s.recorder.ConnectionAccepted()
	s.recorder.SetActiveSessions(count)
	s.logger.Info("connection accepted",
		zap.String("conn_id", id),
		zap.Stringer("remote", conn.RemoteAddr()),
		zap.Int32("active", count))

	sess := newSession(id, conn, s.cfg, s.opts, s.dispatcher, s.recorder, s.logger)
	go func() {
		defer func() {
			s.conns.Delete(id)
			s.recorder.SetActiveSessions(s.active.Add(-1))
			s.sem.Release(1)
			s.sessions.Done()
		}()
		sess.Serve(ctx)
	}()
}

func (s *Server) tuneConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(true); err != nil {
		s.logger.Debug("set TCP_NODELAY failed", zap.Error(err))
	}
	if s.cfg.TCPKeepAlive > 0 {
		err := tcp.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     s.cfg.TCPKeepAlive,
			Interval: s.cfg.TCPKeepAlive,
			Count:    -1,
		})
		if err != nil {
			s.logger.Debug("set keepalive failed", zap.Error(err))
		}
	}
}

// shutdown waits for sessions to observe cancellation, then closes any
// that remain after ShutdownTimeout.
func (s *Server) shutdown() error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server stopped")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
	}

	forced := 0
	s.conns.Range(func(key, value any) bool {
		if conn, ok := value.(net.Conn); ok {
			_ = conn.Close()
			forced++
		}
		return true
	})
	s.logger.Warn("shutdown timeout exceeded, closing connections",
		zap.Duration("timeout", s.cfg.ShutdownTimeout),
		zap.Int("forced", forced))
	<-done
	return ErrShutdownTimeout
}
