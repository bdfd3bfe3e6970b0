package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KDF expands a shared secret into a session key.
type KDF interface {
	Name() string
	Derive(secret, salt, info []byte, size int) ([]byte, error)
}

// HKDF implements KDF with the wrapped hash.
type HKDF struct {
	name string
	hash func() hash.Hash
}

// HKDFSHA256 is the default session key derivation.
var HKDFSHA256 = HKDF{name: "hkdf-sha256", hash: sha256.New}

// HKDFSHA512 is available for suites that want a wider extract step.
var HKDFSHA512 = HKDF{name: "hkdf-sha512", hash: sha512.New}

func (h HKDF) Name() string { return h.name }

func (h HKDF) Derive(secret, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(h.hash, secret, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
