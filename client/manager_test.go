package client_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xtaci/qftp/channel"
	"github.com/xtaci/qftp/client"
	"github.com/xtaci/qftp/protocol"
	"github.com/xtaci/qftp/server"
	"github.com/xtaci/qftp/storage"
)

func startServer(t *testing.T) (*server.Server, channel.Options) {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.RootDirectory = "/srv"
	cfg.Compression = "zstd"
	cfg.ShutdownTimeout = 2 * time.Second

	mem := afero.NewMemMapFs()
	require.NoError(t, mem.MkdirAll("/srv/docs", 0o755))
	require.NoError(t, afero.WriteFile(mem, "/srv/docs/readme.md", []byte("# qftp"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := server.New(ctx, cfg,
		server.WithFileSystem(storage.NewLocal(mem)),
		server.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	suite, codec, err := cfg.ChannelOptions()
	require.NoError(t, err)
	return srv, channel.Options{Suite: suite, Codec: codec}
}

func TestManagerSession(t *testing.T) {
	srv, opts := startServer(t)
	m := client.NewManager(client.Options{Channel: opts, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	_, err := m.Exec(ctx, "ping")
	require.ErrorIs(t, err, client.ErrNotConnected)

	require.NoError(t, m.Connect(ctx, srv.Addr().String()))
	require.True(t, m.Connected())
	require.ErrorIs(t, m.Connect(ctx, srv.Addr().String()), client.ErrAlreadyConnected)

	res, err := m.Exec(ctx, "ping")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = m.Exec(ctx, "cd docs")
	require.NoError(t, err)
	require.Equal(t, "/docs", res.CurrentDir)
	require.Equal(t, "/docs", m.CurrentDir())

	res, err = m.Exec(ctx, "read readme.md")
	require.NoError(t, err)
	require.Equal(t, []byte("# qftp"), res.Content)

	res, err = m.Exec(ctx, "write notes.txt one two")
	require.NoError(t, err)
	require.True(t, res.Success)
	res, err = m.Exec(ctx, "append notes.txt  three")
	require.NoError(t, err)
	require.True(t, res.Success)
	res, err = m.Exec(ctx, "cat /docs/notes.txt")
	require.NoError(t, err)
	require.Equal(t, "one twothree", string(res.Content))

	res, err = m.Exec(ctx, "ls")
	require.NoError(t, err)
	require.Len(t, res.Listing, 2)

	res, err = m.Exec(ctx, "cat ../../etc/passwd")
	require.NoError(t, err)
	require.False(t, res.Success)

	_, err = m.Exec(ctx, "bogus")
	require.ErrorIs(t, err, client.ErrParse)
	require.True(t, m.Connected())

	res, err = m.Exec(ctx, "quit")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, m.Connected())
	require.NoError(t, m.Close())
}

func TestManagerConnectionLost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ch, err := channel.ServerHandshake(ctx, conn, channel.Options{})
		if err != nil {
			conn.Close()
			return
		}
		req := &protocol.Request{}
		_ = ch.Receive(req)
		ch.Close()
	}()

	m := client.NewManager(client.Options{Logger: zaptest.NewLogger(t)})
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, ln.Addr().String()))

	_, err = m.Do(ctx, &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_PING})
	require.ErrorIs(t, err, client.ErrConnectionLost)
	require.False(t, m.Connected())

	_, err = m.Do(ctx, &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_PING})
	require.ErrorIs(t, err, client.ErrNotConnected)
}

func TestManagerContextDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	release := make(chan struct{})
	defer close(release)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := channel.ServerHandshake(ctx, conn, channel.Options{}); err != nil {
			return
		}
		<-release
	}()

	m := client.NewManager(client.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, m.Connect(context.Background(), ln.Addr().String()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = m.Do(ctx, &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_PING})
	require.ErrorIs(t, err, client.ErrConnectionLost)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.False(t, m.Connected())
}

func TestManagerHandshakeMismatch(t *testing.T) {
	srv, opts := startServer(t)
	opts.Codec = nil // server expects zstd
	m := client.NewManager(client.Options{Channel: opts, Logger: zaptest.NewLogger(t)})
	require.NoError(t, m.Connect(context.Background(), srv.Addr().String()))
	_, err := m.Exec(context.Background(), "write a.txt not compressed")
	require.ErrorIs(t, err, client.ErrConnectionLost)
	require.False(t, m.Connected())
}
