package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/xtaci/qftp/channel"
	"github.com/xtaci/qftp/client"
	"github.com/xtaci/qftp/compress"
	qcrypto "github.com/xtaci/qftp/crypto"
	"github.com/xtaci/qftp/logging"
)

// runClientCommand handles the default command execution (client mode).
func runClientCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		if c.Command != nil && c.Command.Name == "client" {
			_ = cli.ShowCommandHelp(c, c.Command.Name)
		} else {
			_ = cli.ShowAppHelp(c)
		}
		return exitWithExample("client mode requires the server address", exampleClient)
	}
	target := strings.TrimSpace(c.Args().First())
	if target == "" {
		return exitWithExample("client mode requires the server address", exampleClient)
	}
	addr := resolveAddr(target, c.Int("port"))

	m, err := newManager(c)
	if err != nil {
		return exitWithExample(err.Error(), exampleClient)
	}
	// session keys live in locked buffers; wipe them on ^C
	memguard.CatchInterrupt()

	if err := m.Connect(c.Context, addr); err != nil {
		if isHandshakeError(err) {
			return fmt.Errorf("client connection failed (verify --suite and --compression match the server): %v", err)
		}
		return fmt.Errorf("client connection failed: %v", err)
	}
	defer m.Close()
	return runInteractive(c.Context, m, addr, c.Duration("timeout"))
}

// resolveAddr appends the default port to a bare host.
func resolveAddr(target string, port int) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	if port <= 0 {
		port = defaultPort
	}
	return net.JoinHostPort(strings.Trim(target, "[]"), strconv.Itoa(port))
}

// newManager builds a connection manager from the channel flags.
func newManager(c *cli.Context) (*client.Manager, error) {
	suite, err := qcrypto.LookupSuite(c.String("suite"))
	if err != nil {
		return nil, err
	}
	codec, err := compress.Lookup(c.String("compression"))
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{Level: c.String("log-level"), Format: "console", OutputPath: "stderr"}); err != nil {
		return nil, err
	}
	return client.NewManager(client.Options{
		Channel: channel.Options{Suite: suite, Codec: codec},
		Logger:  logging.L(),
	}), nil
}

// isHandshakeError reports failures likely caused by mismatched primitives.
func isHandshakeError(err error) bool {
	return errors.Is(err, channel.ErrHandshakeFailed) ||
		errors.Is(err, channel.ErrHandshakeTimeout) ||
		errors.Is(err, channel.ErrAuthenticationFailed)
}

// lineReader is satisfied by *term.Terminal.
type lineReader interface {
	ReadLine() (string, error)
	SetPrompt(prompt string)
}

type scanReader struct {
	sc     *bufio.Scanner
	out    io.Writer
	prompt string
}

func newScanReader(in io.Reader, out io.Writer) *scanReader {
	return &scanReader{sc: bufio.NewScanner(in), out: out}
}

func (r *scanReader) SetPrompt(prompt string) { r.prompt = prompt }

func (r *scanReader) ReadLine() (string, error) {
	fmt.Fprint(r.out, r.prompt)
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.sc.Text(), nil
}

// runInteractive attaches the REPL to stdin, with line editing when stdin
// is a terminal.
func runInteractive(ctx context.Context, m *client.Manager, addr string, timeout time.Duration) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return repl(ctx, m, addr, newScanReader(os.Stdin, os.Stdout), os.Stdout, timeout)
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "")
	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}
	return repl(ctx, m, addr, t, t, timeout)
}

// repl reads commands until quit or end of input. help and reconnect are
// handled locally; everything else goes to the server.
func repl(ctx context.Context, m *client.Manager, addr string, in lineReader, out io.Writer, timeout time.Duration) error {
	fmt.Fprintf(out, "connected to %s, type help for commands\n", addr)
	for {
		in.SetPrompt(prompt(m))
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		cmd := strings.ToLower(fields[0])
		switch cmd {
		case "help", "?":
			printHelp(out)
			continue
		case "reconnect":
			if m.Connected() {
				fmt.Fprintln(out, "already connected")
				continue
			}
			if err := m.Connect(ctx, addr); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "connected to %s\n", addr)
			continue
		}
		quit := cmd == "quit" || cmd == "exit"
		if quit && !m.Connected() {
			return nil
		}

		rctx, cancel := requestContext(ctx, timeout)
		res, err := m.Exec(rctx, line)
		cancel()
		switch {
		case errors.Is(err, client.ErrParse):
			fmt.Fprintf(out, "error: %v (type help for usage)\n", err)
		case errors.Is(err, client.ErrConnectionLost), errors.Is(err, client.ErrNotConnected):
			fmt.Fprintf(out, "error: %v (type reconnect to retry)\n", err)
		case err != nil:
			return err
		default:
			printResult(out, res)
			if quit {
				return nil
			}
		}
	}
}

func requestContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func prompt(m *client.Manager) string {
	if !m.Connected() {
		return "qftp (disconnected)> "
	}
	return fmt.Sprintf("qftp %s:%s> ", m.Addr(), m.CurrentDir())
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "commands:")
	for _, u := range client.Usage {
		fmt.Fprintf(out, "  %s\n", u)
	}
	fmt.Fprintln(out, "  reconnect")
	fmt.Fprintln(out, "  help")
}
