// Package compress provides the payload codecs applied between message
// serialization and encryption.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrDecompression is returned for corrupt input or output beyond the limit.
var ErrDecompression = errors.New("compress: decompression failed")

// DefaultCodecName is used when no codec is configured.
const DefaultCodecName = "none"

// Codec compresses whole messages. Decompress must never produce more than
// limit bytes.
type Codec interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, limit int) ([]byte, error)
}

// Lookup resolves a codec by name. An empty name selects DefaultCodecName.
func Lookup(name string) (Codec, error) {
	if name == "" {
		name = DefaultCodecName
	}
	switch name {
	case "none":
		return None{}, nil
	case "zlib":
		return Zlib{}, nil
	case "zstd":
		return newZstd()
	}
	return nil, fmt.Errorf("compress: unknown codec %q", name)
}

// Names lists the supported codecs.
func Names() []string {
	names := []string{"none", "zlib", "zstd"}
	sort.Strings(names)
	return names
}

// None passes data through.
type None struct{}

func (None) Name() string { return "none" }

func (None) Compress(src []byte) ([]byte, error) { return src, nil }

func (None) Decompress(src []byte, limit int) ([]byte, error) {
	if len(src) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrDecompression, len(src), limit)
	}
	return src, nil
}

// Zlib is RFC 1950 deflate.
type Zlib struct{}

func (Zlib) Name() string { return "zlib" }

func (Zlib) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Zlib) Decompress(src []byte, limit int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	defer r.Close()
	return readLimited(r, limit)
}

// Zstd shares one encoder; EncodeAll is safe for concurrent use.
// Decoding streams through a per-call reader so the output can be bounded.
type Zstd struct {
	enc *zstd.Encoder
}

var (
	zstdOnce   sync.Once
	sharedZstd *Zstd
	zstdErr    error
)

func newZstd() (*Zstd, error) {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			zstdErr = err
			return
		}
		sharedZstd = &Zstd{enc: enc}
	})
	return sharedZstd, zstdErr
}

func (z *Zstd) Name() string { return "zstd" }

func (z *Zstd) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

// Decompress refuses frames whose declared size or window exceeds what limit
// allows, before any history buffer is allocated.
func (z *Zstd) Decompress(src []byte, limit int) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(src),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxMemory(uint64(max(limit, 1))),
		zstd.WithDecoderMaxWindow(zstdWindowLimit(limit)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	defer r.Close()
	return readLimited(r, limit)
}

// zstdWindowLimit allows twice the message limit, since the encoder rounds
// windows of small frames up to a power of two.
func zstdWindowLimit(limit int) uint64 {
	w := 2 * uint64(max(limit, 0))
	return min(max(w, zstd.MinWindowSize), zstd.MaxWindowSize)
}

// readLimited reads at most limit bytes and fails if more are available.
func readLimited(r io.Reader, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: output exceeds limit %d", ErrDecompression, limit)
	}
	return out, nil
}
