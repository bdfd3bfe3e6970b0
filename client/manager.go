// Package client keeps a secure channel to a qftp server and turns typed
// commands into requests.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xtaci/qftp/channel"
	"github.com/xtaci/qftp/logging"
	"github.com/xtaci/qftp/protocol"
)

var (
	// ErrNotConnected is returned when no channel is open.
	ErrNotConnected = errors.New("client: not connected")
	// ErrAlreadyConnected is returned by Connect on an open manager.
	ErrAlreadyConnected = errors.New("client: already connected")
	// ErrConnectionLost wraps every transport failure. The channel is
	// dropped and Connect must be called again.
	ErrConnectionLost = errors.New("client: connection lost")
)

// Options configures a Manager. Channel must match the server's suite and
// codec.
type Options struct {
	Channel          channel.Options
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Manager owns at most one secure channel. Requests are strictly
// sequential; concurrent calls are serialized.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu   sync.Mutex
	ch   *channel.SecureChannel
	addr string
	cwd  string
}

// NewManager returns a disconnected manager.
func NewManager(opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Manager{opts: opts, logger: logger.Named("client"), cwd: "/"}
}

// Connect dials addr and runs the key exchange.
func (m *Manager) Connect(ctx context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		return ErrAlreadyConnected
	}

	dialer := net.Dialer{Timeout: m.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()
	ch, err := channel.ClientHandshake(hctx, conn, m.opts.Channel)
	if err != nil {
		conn.Close()
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	m.ch, m.addr, m.cwd = ch, addr, "/"
	m.logger.Info("connected", zap.String("addr", addr))
	return nil
}

// Connected reports whether a channel is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch != nil
}

// Addr returns the server address of the open channel.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// CurrentDir is the session directory as last reported by the server.
func (m *Manager) CurrentDir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cwd
}

// Do sends req and waits for its response. An ok=false response is not an
// error; transport failures and malformed responses drop the channel and
// return ErrConnectionLost.
func (m *Manager) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return nil, ErrNotConnected
	}

	resp, err := m.roundTrip(ctx, req)
	if err != nil {
		m.logger.Warn("connection lost", zap.String("addr", m.addr), zap.Error(err))
		m.dropLocked()
		if cerr := contextErr(ctx); cerr != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionLost, cerr)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	switch req.GetKind() {
	case protocol.RequestKind_REQUEST_KIND_CHANGE_DIR:
		if resp.GetOk() && len(resp.GetPayload()) > 0 {
			m.cwd = string(resp.GetPayload())
		}
	case protocol.RequestKind_REQUEST_KIND_TERMINATE:
		m.dropLocked()
	}
	return resp, nil
}

// contextErr also reports an expired deadline whose timer has not fired yet;
// the socket deadline can trip first.
func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return nil
}

func (m *Manager) roundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ch := m.ch
	var deadline time.Time
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	_ = ch.SetWriteDeadline(deadline)
	_ = ch.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = ch.SetWriteDeadline(time.Unix(1, 0))
		_ = ch.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	m.logger.Debug("request", zap.Stringer("kind", req.GetKind()), zap.String("path", req.GetPath()))
	if err := ch.Send(req); err != nil {
		return nil, err
	}
	resp := &protocol.Response{}
	if err := ch.Receive(resp); err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Exec parses line, sends it and formats the response. Parse failures
// return ErrParse without touching the connection.
func (m *Manager) Exec(ctx context.Context, line string) (Result, error) {
	req, err := ParseCommand(line)
	if err != nil {
		return Result{}, err
	}
	resp, err := m.Do(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Format(resp), nil
}

// Close asks the server to end the session and closes the channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// best effort: the server may already be gone
	_, _ = m.roundTrip(ctx, &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_TERMINATE})
	return m.dropLocked()
}

func (m *Manager) dropLocked() error {
	if m.ch == nil {
		return nil
	}
	err := m.ch.Close()
	m.ch = nil
	m.logger.Info("disconnected", zap.String("addr", m.addr))
	return err
}
