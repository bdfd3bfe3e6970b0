package channel

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/xtaci/qftp/protocol"
)

var (
	ErrHandshakeFailed      = errors.New("channel: handshake failed")
	ErrHandshakeTimeout     = errors.New("channel: handshake timed out")
	ErrFrameTooLarge        = protocol.ErrFrameTooLarge
	ErrAuthenticationFailed = errors.New("channel: authentication failed")
	ErrDecompressionFailed  = errors.New("channel: decompression failed")
	ErrMalformedMessage     = errors.New("channel: malformed message")
	ErrConnectionClosed     = errors.New("channel: connection closed")
	ErrIdleTimeout          = errors.New("channel: idle timeout")
)

// IsTransportError reports whether err ends the connection. Every error
// produced by Send or Receive qualifies; the helper exists for callers that
// mix channel errors with their own.
func IsTransportError(err error) bool {
	for _, target := range []error{
		ErrHandshakeFailed, ErrHandshakeTimeout, ErrFrameTooLarge,
		ErrAuthenticationFailed, ErrDecompressionFailed, ErrMalformedMessage,
		ErrConnectionClosed, ErrIdleTimeout,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isClosed matches the ways a peer or local Close surfaces on a socket.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
