package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrAuthentication is returned when a sealed packet fails verification.
	ErrAuthentication = errors.New("crypto: message authentication failed")

	// ErrInvalidPublicKey is returned for peer keys of the wrong length or off the curve.
	ErrInvalidPublicKey = errors.New("crypto: invalid peer public key")

	// ErrKeyDestroyed is returned when a destroyed session key is used.
	ErrKeyDestroyed = errors.New("crypto: session key destroyed")
)

// SessionKey holds the derived symmetric key in locked, guarded memory.
type SessionKey struct {
	buf *memguard.LockedBuffer
}

// NewSessionKey moves material into a locked buffer. The source slice is
// wiped by memguard.
func NewSessionKey(material []byte) *SessionKey {
	return &SessionKey{buf: memguard.NewBufferFromBytes(material)}
}

// Bytes exposes the key. The slice is only valid until Destroy.
func (k *SessionKey) Bytes() ([]byte, error) {
	if k == nil || k.buf == nil || !k.buf.IsAlive() {
		return nil, ErrKeyDestroyed
	}
	return k.buf.Bytes(), nil
}

// Size returns the key length, or 0 once destroyed.
func (k *SessionKey) Size() int {
	if k == nil || k.buf == nil || !k.buf.IsAlive() {
		return 0
	}
	return k.buf.Size()
}

// Destroy wipes the key. Safe to call more than once.
func (k *SessionKey) Destroy() {
	if k == nil || k.buf == nil {
		return
	}
	k.buf.Destroy()
}

// Wipe zeroes secret material held in ordinary memory.
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}

func deriveKeyMaterial(master []byte, label string, size int) ([]byte, error) {
	h := hkdf.New(sha256.New, master, nil, []byte(label))
	out := make([]byte, size)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}
