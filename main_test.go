package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap/zaptest"

	"github.com/xtaci/qftp/channel"
	"github.com/xtaci/qftp/client"
	"github.com/xtaci/qftp/protocol"
	"github.com/xtaci/qftp/server"
)

// startServer serves a fresh temp directory on a loopback port.
func startServer(t *testing.T) (string, string, channel.Options) {
	t.Helper()
	root := t.TempDir()
	cfg := server.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.RootDirectory = root
	cfg.Compression = "zlib"
	cfg.ShutdownTimeout = 2 * time.Second
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := server.New(ctx, cfg, server.WithLogger(zaptest.NewLogger(t)))
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
	return srv.Addr().String(), root, channel.Options{Suite: suite, Codec: codec}
}

func connect(t *testing.T, addr string, opts channel.Options) *client.Manager {
	t.Helper()
	m := client.NewManager(client.Options{Channel: opts, Logger: zaptest.NewLogger(t)})
	require.NoError(t, m.Connect(context.Background(), addr))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestResolveAddr(t *testing.T) {
	require.Equal(t, "example.com:5555", resolveAddr("example.com", 0))
	require.Equal(t, "example.com:7000", resolveAddr("example.com", 7000))
	require.Equal(t, "10.0.0.1:22", resolveAddr("10.0.0.1:22", 7000))
	require.Equal(t, "[::1]:5555", resolveAddr("::1", 5555))
	require.Equal(t, "[::1]:9", resolveAddr("[::1]:9", 5555))
}

func TestParseRemoteTarget(t *testing.T) {
	r, ok, err := parseRemoteTarget("qftp://files.example.com/reports/q1.pdf", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, remoteTarget{addr: "files.example.com:5555", path: "/reports/q1.pdf"}, r)

	r, ok, err = parseRemoteTarget("qftp://[::1]:7000/a", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "[::1]:7000", r.addr)

	_, ok, err = parseRemoteTarget("./local/file", 0)
	require.NoError(t, err)
	require.False(t, ok)

	for _, bad := range []string{"qftp:///path", "qftp://host", "qftp://host/"} {
		_, _, err := parseRemoteTarget(bad, 0)
		require.Error(t, err, bad)
	}
}

func TestUploadDownload(t *testing.T) {
	addr, root, opts := startServer(t)
	m := connect(t, addr, opts)
	ctx := context.Background()
	local := t.TempDir()

	// spans several chunks with a short tail
	data := bytes.Repeat([]byte("0123456789abcdef"), copyChunkSize/16*3+7)
	src := filepath.Join(local, "src.bin")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	n, err := uploadFile(ctx, m, src, "/upload.bin")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	onDisk, err := os.ReadFile(filepath.Join(root, "upload.bin"))
	require.NoError(t, err)
	require.Equal(t, data, onDisk)

	n, err = downloadFile(ctx, m, "/upload.bin", local)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	got, err := os.ReadFile(filepath.Join(local, "upload.bin"))
	require.NoError(t, err)
	require.Equal(t, data, got)

	empty := filepath.Join(local, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	n, err = uploadFile(ctx, m, empty, "empty")
	require.NoError(t, err)
	require.Zero(t, n)
	info, err := os.Stat(filepath.Join(root, "empty"))
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestDownloadMissing(t *testing.T) {
	addr, _, opts := startServer(t)
	m := connect(t, addr, opts)
	dst := filepath.Join(t.TempDir(), "out")
	_, err := downloadFile(context.Background(), m, "/nope", dst)
	require.EqualError(t, err, "not found: /nope")
	require.NoFileExists(t, dst)
}

func TestREPL(t *testing.T) {
	addr, root, opts := startServer(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "docs"), 0o755))
	m := connect(t, addr, opts)

	input := strings.Join([]string{
		"help",
		"ping",
		"",
		"mkdir -p docs/drafts",
		"cd docs",
		"write notes.txt hello there",
		"ls",
		"cat notes.txt",
		"frobnicate",
		"rm missing.txt",
		"quit",
		"ping",
	}, "\n")
	var out bytes.Buffer
	require.NoError(t, repl(context.Background(), m, addr, newScanReader(strings.NewReader(input), &out), &out, time.Second))

	text := out.String()
	require.Contains(t, text, "reconnect")
	require.Contains(t, text, "PONG")
	require.Contains(t, text, "changed directory to /docs")
	require.Contains(t, text, "qftp "+addr+":/docs> ")
	require.Contains(t, text, "NAME")
	require.Contains(t, text, "drafts/")
	require.Contains(t, text, "hello there")
	require.Contains(t, text, `error: invalid command: unknown command "frobnicate"`)
	require.Contains(t, text, "error: not found: /docs/missing.txt")
	require.Equal(t, 1, strings.Count(text, "PONG"), "input after quit must not run")
	require.False(t, m.Connected())
}

func TestRenderListing(t *testing.T) {
	var out bytes.Buffer
	renderListing(&out, []*protocol.FileInfo{
		{Name: "a.txt", Size: 2048},
		{Name: "sub", IsDir: true},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "NAME")
	require.Contains(t, lines[1], "a.txt")
	require.Contains(t, lines[1], "2.0 KiB")
	require.Contains(t, lines[2], "sub/")
	require.Contains(t, lines[2], "dir")
}

func TestGenConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qftp.yaml")
	app := &cli.App{Writer: &bytes.Buffer{}}
	set := flag.NewFlagSet("genconfig", flag.ContinueOnError)
	set.String("output", path, "")
	set.Bool("force", false, "")
	c := cli.NewContext(app, set, nil)

	require.NoError(t, runGenConfigCommand(c))
	cfg, err := server.Load(path)
	require.NoError(t, err)
	require.Equal(t, server.DefaultConfig().ListenAddress, cfg.ListenAddress)

	require.Error(t, runGenConfigCommand(c))
	require.NoError(t, set.Set("force", "true"))
	require.NoError(t, runGenConfigCommand(c))
}

func TestApplyServerFlags(t *testing.T) {
	set := flag.NewFlagSet("server", flag.ContinueOnError)
	set.String("listen", "", "")
	set.String("root", "", "")
	set.Int("max-connections", 0, "")
	set.String("metrics", "", "")
	set.String("log-level", "", "")
	require.NoError(t, set.Parse([]string{"--listen", "0.0.0.0:6000", "--max-connections", "4"}))
	c := cli.NewContext(&cli.App{}, set, nil)

	cfg := server.DefaultConfig()
	require.NoError(t, applyServerFlags(c, cfg))
	require.Equal(t, "0.0.0.0:6000", cfg.ListenAddress)
	require.Equal(t, 4, cfg.MaxConnections)
	require.Equal(t, server.DefaultConfig().RootDirectory, cfg.RootDirectory)

	require.NoError(t, set.Set("max-connections", "-2"))
	require.Error(t, applyServerFlags(c, cfg))
}
