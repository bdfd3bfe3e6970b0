package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an ephemeral key exchange pair. Private is wiped once the shared
// secret has been computed.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// Wipe zeroes the private scalar.
func (kp *KeyPair) Wipe() {
	if kp != nil {
		Wipe(kp.Private)
	}
}

// KeyExchange agrees on a shared secret from ephemeral key pairs.
type KeyExchange interface {
	Name() string
	// PublicKeySize is the fixed wire length of a public key.
	PublicKeySize() int
	GenerateKeyPair() (*KeyPair, error)
	SharedSecret(kp *KeyPair, peerPublic []byte) ([]byte, error)
}

// X25519 implements KeyExchange over Curve25519.
type X25519 struct{}

func (X25519) Name() string       { return "x25519" }
func (X25519) PublicKeySize() int { return curve25519.PointSize }

func (X25519) GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		Wipe(priv)
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// SharedSecret rejects peer keys of the wrong length and low-order points,
// which curve25519 reports as an all-zero output.
func (X25519) SharedSecret(kp *KeyPair, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(peerPublic))
	}
	shared, err := curve25519.X25519(kp.Private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return shared, nil
}

// P256 implements KeyExchange over NIST P-256 with uncompressed points.
type P256 struct{}

func (P256) Name() string       { return "p256" }
func (P256) PublicKeySize() int { return 65 }

func (P256) GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv.Bytes(), Public: priv.PublicKey().Bytes()}, nil
}

func (P256) SharedSecret(kp *KeyPair, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != 65 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(peerPublic))
	}
	priv, err := ecdh.P256().NewPrivateKey(kp.Private)
	if err != nil {
		return nil, err
	}
	peer, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return shared, nil
}
