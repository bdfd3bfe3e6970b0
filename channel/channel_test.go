package channel

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/require"
	"github.com/xtaci/qftp/compress"
	"github.com/xtaci/qftp/crypto"
	"github.com/xtaci/qftp/protocol"
)

// tamperConn flips one bit of the sealed body of the next write once armed.
type tamperConn struct {
	net.Conn
	bit   int
	armed atomic.Bool
}

func (c *tamperConn) Write(p []byte) (int, error) {
	if c.armed.CompareAndSwap(true, false) && len(p) > 4+c.bit/8 {
		buf := append([]byte(nil), p...)
		buf[4+c.bit/8] ^= 1 << (c.bit % 8)
		return c.Conn.Write(buf)
	}
	return c.Conn.Write(p)
}

func handshakePair(t *testing.T, clientConn, serverConn net.Conn, clientOpts, serverOpts Options) (*SecureChannel, *SecureChannel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		ch  *SecureChannel
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		ch, err := ServerHandshake(ctx, serverConn, serverOpts)
		serverCh <- result{ch, err}
	}()
	client, err := ClientHandshake(ctx, clientConn, clientOpts)
	require.NoError(t, err)
	res := <-serverCh
	require.NoError(t, res.err)
	t.Cleanup(func() {
		client.Close()
		res.ch.Close()
	})
	return client, res.ch
}

func newPair(t *testing.T, opts Options) (*SecureChannel, *SecureChannel) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	return handshakePair(t, clientConn, serverConn, opts, opts)
}

func sendAsync(ch *SecureChannel, msg *protocol.Request) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- ch.Send(msg) }()
	return errCh
}

func TestRoundTripAllSuitesAndCodecs(t *testing.T) {
	for _, suiteName := range crypto.SuiteNames() {
		for _, codecName := range compress.Names() {
			t.Run(suiteName+"/"+codecName, func(t *testing.T) {
				suite, err := crypto.LookupSuite(suiteName)
				require.NoError(t, err)
				codec, err := compress.Lookup(codecName)
				require.NoError(t, err)
				client, server := newPair(t, Options{Suite: suite, Codec: codec, MaxFrameSize: 1 << 20})

				for _, size := range []int{0, 1, 1024, 300 * 1024} {
					req := &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_WRITE, Path: "f.bin", Payload: bytes.Repeat([]byte{byte(size)}, size)}
					errCh := sendAsync(client, req)
					got := &protocol.Request{}
					require.NoError(t, server.Receive(got))
					require.NoError(t, <-errCh)
					require.Equal(t, req.Path, got.Path)
					require.True(t, bytes.Equal(req.Payload, got.Payload))

					resp := protocol.OK(protocol.RequestKind_REQUEST_KIND_WRITE, req.Payload)
					errCh2 := make(chan error, 1)
					go func() { errCh2 <- server.Send(resp) }()
					gotResp := &protocol.Response{}
					require.NoError(t, client.Receive(gotResp))
					require.NoError(t, <-errCh2)
					require.True(t, gotResp.Ok)
					require.Equal(t, len(req.Payload), len(gotResp.Payload))
				}
			})
		}
	}
}

func TestLargestMessageFitsFrame(t *testing.T) {
	const maxFrame = 4096
	client, server := newPair(t, Options{MaxFrameSize: maxFrame})
	overhead := crypto.NonceBytes + crypto.TagBytes

	// Grow the payload until the serialized request is exactly the limit.
	payload := make([]byte, maxFrame-overhead-16)
	req := &protocol.Request{Payload: payload}
	for {
		req.Payload = payload
		encoded, err := proto.Marshal(req)
		require.NoError(t, err)
		raw := len(encoded)
		if raw == maxFrame-overhead {
			break
		}
		require.Less(t, raw, maxFrame-overhead)
		payload = append(payload, 0)
	}

	errCh := sendAsync(client, req)
	got := &protocol.Request{}
	require.NoError(t, server.Receive(got))
	require.NoError(t, <-errCh)
	require.Len(t, got.Payload, len(payload))

	req.Payload = append(payload, 0)
	require.ErrorIs(t, client.Send(req), ErrFrameTooLarge)
}

func TestTamperedFrameRejected(t *testing.T) {
	msg := &protocol.Request{Path: "x"}
	client, server := newPair(t, Options{})
	before := client.BytesOut()
	errCh := sendAsync(client, msg)
	require.NoError(t, server.Receive(&protocol.Request{}))
	require.NoError(t, <-errCh)
	bodyLen := int(client.BytesOut()-before) - 4
	require.Positive(t, bodyLen)

	for bit := 0; bit < bodyLen*8; bit++ {
		clientRaw, serverConn := net.Pipe()
		tc := &tamperConn{Conn: clientRaw, bit: bit}
		client, server := handshakePair(t, tc, serverConn, Options{}, Options{})

		tc.armed.Store(true)
		errCh := sendAsync(client, msg)
		err := server.Receive(&protocol.Request{})
		require.ErrorIs(t, err, ErrAuthenticationFailed, "bit %d", bit)
		require.NoError(t, <-errCh)
		client.Close()
		server.Close()
	}
}

func TestOversizedFrameRejectedBeforeAllocation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	_, server := handshakePair(t, clientConn, serverConn, Options{MaxFrameSize: 1024}, Options{MaxFrameSize: 1024})

	go func() {
		head := make([]byte, 4)
		binary.BigEndian.PutUint32(head, 1<<30)
		clientConn.Write(head)
	}()
	err := server.Receive(&protocol.Request{})
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestMismatchedCodecFailsDecompression(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	client, server := handshakePair(t, clientConn, serverConn,
		Options{Codec: compress.Zlib{}}, Options{Codec: mustCodec(t, "zstd")})

	errCh := sendAsync(client, &protocol.Request{Path: "mismatch"})
	err := server.Receive(&protocol.Request{})
	require.ErrorIs(t, err, ErrDecompressionFailed)
	require.NoError(t, <-errCh)
}

func TestMismatchedSuiteFailsAuthentication(t *testing.T) {
	chacha, err := crypto.LookupSuite("x25519-chacha20poly1305-hkdfsha256")
	require.NoError(t, err)
	clientConn, serverConn := net.Pipe()
	client, server := handshakePair(t, clientConn, serverConn, Options{}, Options{Suite: chacha})

	errCh := sendAsync(client, &protocol.Request{Path: "mismatch"})
	err = server.Receive(&protocol.Request{})
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	require.NoError(t, <-errCh)
}

func TestGarbageFrameIsMalformedOrUnauthenticated(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	_, server := handshakePair(t, clientConn, serverConn, Options{}, Options{})
	go protocol.WriteFrame(clientConn, []byte("nonsense payload that is long enough"), 0)
	err := server.Receive(&protocol.Request{})
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestPeerCloseIsConnectionClosed(t *testing.T) {
	client, server := newPair(t, Options{})
	require.NoError(t, client.Close())
	err := server.Receive(&protocol.Request{})
	require.ErrorIs(t, err, ErrConnectionClosed)

	require.ErrorIs(t, client.Send(&protocol.Request{}), ErrConnectionClosed)
}

func TestIdleReadDeadline(t *testing.T) {
	_, server := newPair(t, Options{})
	require.NoError(t, server.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	err := server.Receive(&protocol.Request{})
	require.ErrorIs(t, err, ErrIdleTimeout)
}

func TestCloseDestroysSessionKey(t *testing.T) {
	client, _ := newPair(t, Options{})
	require.True(t, client.KeyAlive())
	require.NoError(t, client.Close())
	require.False(t, client.KeyAlive())
	require.NoError(t, client.Close())
}

func TestHandshakeTimeout(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := ServerHandshake(ctx, serverConn, Options{})
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestHandshakeCancelled(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := ServerHandshake(ctx, serverConn, Options{})
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestHandshakeRejectsLowOrderKey(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		clientConn.Write(make([]byte, 32))
		buf := make([]byte, 32)
		clientConn.Read(buf)
	}()
	_, err := ServerHandshake(context.Background(), serverConn, Options{})
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestHandshakePeerHangsUp(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	go func() {
		clientConn.Write([]byte{1, 2, 3})
		clientConn.Close()
	}()
	_, err := ServerHandshake(context.Background(), serverConn, Options{})
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestConcurrentSendersAreSerialized(t *testing.T) {
	client, server := newPair(t, Options{})
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, client.Send(&protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_PING}))
		}()
	}
	for i := 0; i < n; i++ {
		got := &protocol.Request{}
		require.NoError(t, server.Receive(got))
		require.Equal(t, protocol.RequestKind_REQUEST_KIND_PING, got.Kind)
	}
	wg.Wait()
	require.Equal(t, client.BytesOut(), server.BytesIn())
}

func TestIsTransportError(t *testing.T) {
	require.True(t, IsTransportError(ErrConnectionClosed))
	require.True(t, IsTransportError(ErrAuthenticationFailed))
	require.False(t, IsTransportError(context.Canceled))
}

func mustCodec(t *testing.T, name string) compress.Codec {
	t.Helper()
	c, err := compress.Lookup(name)
	require.NoError(t, err)
	return c
}
