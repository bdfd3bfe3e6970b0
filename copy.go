package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/dustin/go-humanize"
	cli "github.com/urfave/cli/v2"

	"github.com/xtaci/qftp/client"
	"github.com/xtaci/qftp/protocol"
)

// copyChunkSize bounds the payload of each write or append during upload.
const copyChunkSize = 256 * 1024

const remoteScheme = "qftp"

type remoteTarget struct {
	addr string
	path string
}

func runCopyCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return exitWithExample("copy command requires a source and destination", exampleCopy)
	}
	srcArg := strings.TrimSpace(c.Args().Get(0))
	dstArg := strings.TrimSpace(c.Args().Get(1))
	if srcArg == "" || dstArg == "" {
		return exitWithExample("copy command requires non-empty source and destination", exampleCopy)
	}

	port := c.Int("port")
	srcRemote, isSrcRemote, err := parseRemoteTarget(srcArg, port)
	if err != nil {
		return exitWithExample(err.Error(), exampleCopy)
	}
	dstRemote, isDstRemote, err := parseRemoteTarget(dstArg, port)
	if err != nil {
		return exitWithExample(err.Error(), exampleCopy)
	}
	if isSrcRemote == isDstRemote {
		return exitWithExample("copy command requires exactly one remote endpoint", exampleCopy)
	}

	m, err := newManager(c)
	if err != nil {
		return exitWithExample(err.Error(), exampleCopy)
	}
	memguard.CatchInterrupt()

	remote := dstRemote
	if isSrcRemote {
		remote = srcRemote
	}
	if err := m.Connect(c.Context, remote.addr); err != nil {
		return err
	}
	defer m.Close()

	var n int64
	if isSrcRemote {
		n, err = downloadFile(c.Context, m, remote.path, dstArg)
	} else {
		n, err = uploadFile(c.Context, m, srcArg, remote.path)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "copied %s\n", humanize.IBytes(uint64(n)))
	return nil
}

// parseRemoteTarget recognizes qftp://host[:port]/path. Other arguments are
// local paths.
func parseRemoteTarget(arg string, port int) (remoteTarget, bool, error) {
	trimmed := strings.TrimSpace(arg)
	if !strings.HasPrefix(trimmed, remoteScheme+"://") {
		return remoteTarget{}, false, nil
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return remoteTarget{}, false, fmt.Errorf("remote target %q: %w", arg, err)
	}
	if u.Hostname() == "" {
		return remoteTarget{}, false, fmt.Errorf("remote target %q missing host", arg)
	}
	if u.Path == "" || u.Path == "/" {
		return remoteTarget{}, false, fmt.Errorf("remote target %q missing path", arg)
	}
	addr := u.Host
	if u.Port() == "" {
		if port <= 0 {
			port = defaultPort
		}
		addr = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	return remoteTarget{addr: addr, path: u.Path}, true, nil
}

// uploadFile sends localPath in chunks: a write for the first, appends for
// the rest. An empty file becomes an empty remote file.
func uploadFile(ctx context.Context, m *client.Manager, localPath, remotePath string) (int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", localPath)
	}
	file, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	buf := make([]byte, copyChunkSize)
	var total int64
	for first := true; ; first = false {
		n, readErr := io.ReadFull(file, buf)
		if n > 0 || first {
			kind := protocol.RequestKind_REQUEST_KIND_APPEND
			if first {
				kind = protocol.RequestKind_REQUEST_KIND_WRITE
			}
			req := &protocol.Request{Kind: kind, Path: remotePath, Payload: buf[:n]}
			if err := expectOK(m.Do(ctx, req)); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

// downloadFile reads remotePath and stores it at localPath. A directory
// destination receives the remote base name. The file is renamed into place
// only once complete.
func downloadFile(ctx context.Context, m *client.Manager, remotePath, localPath string) (int64, error) {
	resp, err := m.Do(ctx, &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_READ, Path: remotePath})
	if err := expectOK(resp, err); err != nil {
		return 0, err
	}
	if info, err := os.Stat(localPath); err == nil && info.IsDir() {
		localPath = filepath.Join(localPath, path.Base(remotePath))
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".qftp-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(resp.GetPayload()); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return 0, err
	}
	return int64(len(resp.GetPayload())), nil
}

func expectOK(resp *protocol.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.GetOk() {
		return errors.New(resp.GetErrorMessage())
	}
	return nil
}
