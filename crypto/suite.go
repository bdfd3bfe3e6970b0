package crypto

import (
	"fmt"
	"sort"
)

// DefaultSuiteName is used when no cipher suite is configured.
const DefaultSuiteName = "x25519-aes256gcm-hkdfsha256"

// Suite bundles the primitives a channel is built from. Suites are picked by
// name once at startup; peers must agree out of band.
type Suite struct {
	Name        string
	KeyExchange KeyExchange
	KDF         KDF
	AEAD        AEAD
}

var suites = map[string]*Suite{
	DefaultSuiteName: {
		Name:        DefaultSuiteName,
		KeyExchange: X25519{},
		KDF:         HKDFSHA256,
		AEAD:        AESGCM{},
	},
	"x25519-chacha20poly1305-hkdfsha256": {
		Name:        "x25519-chacha20poly1305-hkdfsha256",
		KeyExchange: X25519{},
		KDF:         HKDFSHA256,
		AEAD:        ChaCha20Poly1305{},
	},
	"p256-aes256gcm-hkdfsha256": {
		Name:        "p256-aes256gcm-hkdfsha256",
		KeyExchange: P256{},
		KDF:         HKDFSHA256,
		AEAD:        AESGCM{},
	},
	"x25519-aes256gcm-hkdfsha512": {
		Name:        "x25519-aes256gcm-hkdfsha512",
		KeyExchange: X25519{},
		KDF:         HKDFSHA512,
		AEAD:        AESGCM{},
	},
	"x25519-qpp-hkdfsha256": {
		Name:        "x25519-qpp-hkdfsha256",
		KeyExchange: X25519{},
		KDF:         HKDFSHA256,
		AEAD:        QPPHMAC{},
	},
}

// LookupSuite resolves a suite by name. An empty name selects the default.
func LookupSuite(name string) (*Suite, error) {
	if name == "" {
		name = DefaultSuiteName
	}
	s, ok := suites[name]
	if !ok {
		return nil, fmt.Errorf("crypto: unknown cipher suite %q", name)
	}
	return s, nil
}

// DefaultSuite returns the X25519 / HKDF-SHA256 / AES-256-GCM suite.
func DefaultSuite() *Suite {
	return suites[DefaultSuiteName]
}

// SuiteNames lists the registered suites in sorted order.
func SuiteNames() []string {
	names := make([]string, 0, len(suites))
	for name := range suites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeriveSessionKey runs the suite KDF over a shared secret and wipes the
// secret afterwards.
func (s *Suite) DeriveSessionKey(shared, info []byte) (*SessionKey, error) {
	defer Wipe(shared)
	if len(info) == 0 {
		info = []byte(HandshakeInfo)
	}
	key, err := s.KDF.Derive(shared, []byte(HandshakeSalt), info, s.AEAD.KeySize())
	if err != nil {
		return nil, err
	}
	return NewSessionKey(key), nil
}
