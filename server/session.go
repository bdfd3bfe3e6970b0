package server

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xtaci/qftp/channel"
	"github.com/xtaci/qftp/metrics"
	"github.com/xtaci/qftp/protocol"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateAccepted State = iota
	StateHandshaking
	StateReady
	StateProcessing
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Closure reasons reported in logs and metrics.
const (
	ReasonHandshakeFailed  = "handshake_failed"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonClientClosed     = "client_closed"
	ReasonClientTerminated = "client_terminated"
	ReasonProtocolError    = "protocol_error"
	ReasonTransportError   = "transport_error"
	ReasonShutdown         = "shutdown"
)

// Session serves one admitted connection from handshake to close.
type Session struct {
	conn       net.Conn
	cfg        *Config
	opts       channel.Options
	dispatcher *Dispatcher
	recorder   metrics.Recorder
	logger     *zap.Logger

	st    *SessionState
	state atomic.Int32
	ch    *channel.SecureChannel
}

func newSession(id string, conn net.Conn, cfg *Config, opts channel.Options, d *Dispatcher, rec metrics.Recorder, logger *zap.Logger) *Session {
	remote := conn.RemoteAddr().String()
	return &Session{
		conn:       conn,
		cfg:        cfg,
		opts:       opts,
		dispatcher: d,
		recorder:   rec,
		logger:     logger.With(zap.String("conn_id", id), zap.String("remote", remote)),
		st:         NewSessionState(id, remote),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", next))
	}
}

// Serve runs the session until the peer leaves, a timeout fires or ctx is
// cancelled, and returns the closure reason. The connection is closed on
// return.
func (s *Session) Serve(ctx context.Context) string {
	reason := s.run(ctx)
	s.close(reason)
	return reason
}

func (s *Session) run(ctx context.Context) string {
	s.setState(StateHandshaking)
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	ch, err := channel.ServerHandshake(hctx, s.conn, s.opts)
	cancel()
	s.recorder.HandshakeCompleted(time.Since(start), err)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ReasonShutdown
		case errors.Is(err, channel.ErrHandshakeTimeout):
			s.logger.Warn("handshake timed out", zap.Error(err))
			return ReasonHandshakeTimeout
		default:
			s.logger.Warn("handshake failed", zap.Error(err))
			return ReasonHandshakeFailed
		}
	}
	s.ch = ch
	s.setState(StateReady)
	s.logger.Debug("handshake complete", zap.Duration("took", time.Since(start)))

	// interrupt a pending Receive once shutdown starts
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		var deadline time.Time
		if s.cfg.IdleTimeout > 0 {
			deadline = time.Now().Add(s.cfg.IdleTimeout)
		}
		if err := ch.SetReadDeadline(deadline); err != nil {
			return ReasonTransportError
		}
		if ctx.Err() != nil {
			return ReasonShutdown
		}

		req := &protocol.Request{}
		if err := ch.Receive(req); err != nil {
			return s.receiveFailure(ctx, err)
		}

		s.setState(StateProcessing)
		s.st.LastActivity = time.Now()
		resp := s.handle(ctx, req)

		if s.cfg.WriteTimeout > 0 {
			_ = ch.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if err := ch.Send(resp); err != nil {
			if errors.Is(err, channel.ErrConnectionClosed) {
				return ReasonClientClosed
			}
			s.logger.Warn("send failed", zap.Error(err))
			return ReasonTransportError
		}
		if req.GetKind() == protocol.RequestKind_REQUEST_KIND_TERMINATE {
			return ReasonClientTerminated
		}
		s.setState(StateReady)
	}
}

// handle dispatches one request. It ignores cancellation of ctx so a
// request that has started always completes.
func (s *Session) handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()
	resp := s.dispatcher.Dispatch(context.WithoutCancel(ctx), s.st, req)
	took := time.Since(start)
	kind := req.GetKind().String()
	s.recorder.RequestHandled(kind, resp.GetOk(), took)
	if resp.GetOk() {
		s.logger.Debug("request", zap.String("kind", kind), zap.String("path", req.GetPath()), zap.Duration("took", took))
	} else {
		s.logger.Debug("request failed", zap.String("kind", kind), zap.String("path", req.GetPath()),
			zap.String("error", resp.GetErrorMessage()), zap.Duration("took", took))
	}
	return resp
}

func (s *Session) receiveFailure(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return ReasonShutdown
	case errors.Is(err, channel.ErrIdleTimeout):
		s.logger.Warn("idle timeout", zap.Duration("idle_timeout", s.cfg.IdleTimeout))
		return ReasonIdleTimeout
	case errors.Is(err, channel.ErrConnectionClosed):
		return ReasonClientClosed
	case errors.Is(err, channel.ErrAuthenticationFailed),
		errors.Is(err, channel.ErrDecompressionFailed),
		errors.Is(err, channel.ErrMalformedMessage),
		errors.Is(err, channel.ErrFrameTooLarge):
		s.logger.Warn("protocol error", zap.Error(err))
		return ReasonProtocolError
	default:
		s.logger.Warn("receive failed", zap.Error(err))
		return ReasonTransportError
	}
}

func (s *Session) close(reason string) {
	s.setState(StateClosing)
	var in, out uint64
	if s.ch != nil {
		in, out = s.ch.BytesIn(), s.ch.BytesOut()
		_ = s.ch.Close()
	} else {
		_ = s.conn.Close()
	}
	s.setState(StateClosed)
	s.recorder.ConnectionClosed(reason)
	s.recorder.BytesTransferred(in, out)
	s.logger.Info("connection closed",
		zap.String("reason", reason),
		zap.Duration("duration", time.Since(s.st.ConnectedAt)),
		zap.Uint64("bytes_in", in),
		zap.Uint64("bytes_out", out))
}
