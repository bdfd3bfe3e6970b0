// Package channel implements the encrypted, framed message stream shared by
// client and server.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/xtaci/qftp/compress"
	"github.com/xtaci/qftp/crypto"
	"github.com/xtaci/qftp/protocol"
)

// Options selects the primitives and limits of a channel. Both peers must use
// the same suite, codec and KDF context.
type Options struct {
	Suite *crypto.Suite
	Codec compress.Codec
	// MaxFrameSize bounds a sealed frame in both directions.
	MaxFrameSize int
	// MaxMessageSize bounds a serialized message before compression and
	// after decompression. Defaults to MaxFrameSize.
	MaxMessageSize int
	// KDFInfo overrides the HKDF context of the session key.
	KDFInfo []byte
}

func (o Options) withDefaults() Options {
	if o.Suite == nil {
		o.Suite = crypto.DefaultSuite()
	}
	if o.Codec == nil {
		o.Codec = compress.None{}
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = o.MaxFrameSize
	}
	return o
}

// SecureChannel wraps a connection after a successful handshake. Send and
// Receive are each serialized, so one sender and one receiver may run
// concurrently.
type SecureChannel struct {
	conn net.Conn
	opts Options
	key  *crypto.SessionKey
	send crypto.Cipher
	recv crypto.Cipher

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
}

// ClientHandshake runs the initiator side: send our public key, then read the
// server's.
func ClientHandshake(ctx context.Context, conn net.Conn, opts Options) (*SecureChannel, error) {
	return handshake(ctx, conn, opts.withDefaults(), true)
}

// ServerHandshake runs the responder side: read the client's public key, then
// send ours.
func ServerHandshake(ctx context.Context, conn net.Conn, opts Options) (*SecureChannel, error) {
	return handshake(ctx, conn, opts.withDefaults(), false)
}

func handshake(ctx context.Context, conn net.Conn, opts Options, initiator bool) (*SecureChannel, error) {
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
	}
	// Cancelling ctx unblocks pending reads and writes.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	kx := opts.Suite.KeyExchange
	kp, err := kx.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: generate key pair: %v", ErrHandshakeFailed, err)
	}
	defer kp.Wipe()

	// 1. Exchange raw public keys; the initiator speaks first.
	var peer []byte
	if initiator {
		if err = protocol.WritePublicKey(conn, kp.Public); err == nil {
			peer, err = protocol.ReadPublicKey(conn, kx.PublicKeySize())
		}
	} else {
		if peer, err = protocol.ReadPublicKey(conn, kx.PublicKeySize()); err == nil {
			err = protocol.WritePublicKey(conn, kp.Public)
		}
	}
	if err != nil {
		return nil, handshakeError(ctx, err)
	}

	// 2. Agree on the shared secret.
	shared, err := kx.SharedSecret(kp, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	// 3. Derive the session key; shared is wiped by the KDF step.
	key, err := opts.Suite.DeriveSessionKey(shared, opts.KDFInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrHandshakeFailed, err)
	}
	raw, err := key.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	send, recv, err := opts.Suite.AEAD.NewCiphers(raw, initiator)
	if err != nil {
		key.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if !stop() {
		key.Destroy()
		return nil, handshakeError(ctx, ctx.Err())
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return &SecureChannel{conn: conn, opts: opts, key: key, send: send, recv: recv}, nil
}

func handshakeError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, context.Canceled)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
}

// Send serializes, compresses, seals and frames msg.
func (c *SecureChannel) Send(msg proto.Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	plain, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrMalformedMessage, err)
	}
	if len(plain) > c.opts.MaxMessageSize {
		return fmt.Errorf("%w: message of %d bytes", ErrFrameTooLarge, len(plain))
	}
	packed, err := c.opts.Codec.Compress(plain)
	if err != nil {
		return fmt.Errorf("channel: compress: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if len(packed)+c.send.Overhead() > c.opts.MaxFrameSize {
		return fmt.Errorf("%w: sealed frame of %d bytes", ErrFrameTooLarge, len(packed)+c.send.Overhead())
	}
	sealed, err := c.send.Seal(packed)
	if err != nil {
		return fmt.Errorf("channel: seal: %w", err)
	}
	if err := protocol.WriteFrame(c.conn, sealed, c.opts.MaxFrameSize); err != nil {
		if c.closed.Load() || isClosed(err) {
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		return fmt.Errorf("channel: write: %w", err)
	}
	c.bytesOut.Add(uint64(len(sealed) + 4))
	return nil
}

// Receive reads the next frame and decodes it into msg.
func (c *SecureChannel) Receive(msg proto.Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	sealed, err := protocol.ReadFrame(c.conn, c.opts.MaxFrameSize)
	if err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return err
		}
		return c.ioError(err)
	}
	c.bytesIn.Add(uint64(len(sealed) + 4))

	packed, err := c.recv.Open(sealed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	plain, err := c.opts.Codec.Decompress(packed, c.opts.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	if err := proto.Unmarshal(plain, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

func (c *SecureChannel) ioError(err error) error {
	switch {
	case isTimeout(err):
		return fmt.Errorf("%w: %v", ErrIdleTimeout, err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: truncated frame", ErrConnectionClosed)
	case c.closed.Load() || isClosed(err):
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return fmt.Errorf("channel: %w", err)
}

// SetReadDeadline bounds the next Receive.
func (c *SecureChannel) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline bounds the next Send.
func (c *SecureChannel) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *SecureChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// BytesIn and BytesOut count wire bytes including frame headers.
func (c *SecureChannel) BytesIn() uint64  { return c.bytesIn.Load() }
func (c *SecureChannel) BytesOut() uint64 { return c.bytesOut.Load() }

// KeyAlive reports whether the session key is still held.
func (c *SecureChannel) KeyAlive() bool {
	return c.key.Size() > 0
}

// Close destroys the session key and closes the connection. It is safe to
// call more than once.
func (c *SecureChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		c.sendMu.Lock()
		c.key.Destroy()
		c.sendMu.Unlock()
	})
	return err
}
