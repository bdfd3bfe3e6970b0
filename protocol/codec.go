package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame when the caller does not configure one.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// frameHeaderSize is the length prefix in front of every frame.
const frameHeaderSize = 4

// ErrFrameTooLarge is returned when a frame exceeds the configured limit,
// either on send or as announced by the peer's length prefix.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// WriteFrame writes payload with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxSize)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. The announced length is checked
// against maxSize before any payload buffer is allocated.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	head := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(head)
	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: peer announced %d > %d", ErrFrameTooLarge, length, maxSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WritePublicKey sends a raw public key during the handshake. Keys have a
// fixed length per key exchange, so no prefix is written.
func WritePublicKey(w io.Writer, key []byte) error {
	_, err := w.Write(key)
	return err
}

// ReadPublicKey reads exactly size bytes of peer public key.
func ReadPublicKey(r io.Reader, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
