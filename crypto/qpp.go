package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/xtaci/qpp"
)

// qppNonceBytes is the random prefix authenticated with every QPP packet.
const qppNonceBytes = 16

// QPPHMAC encrypts with directional Quantum Permutation Pads and
// authenticates with HMAC-SHA256 (encrypt-then-MAC).
// Pads are stateful, so packets must be opened in the order they were sealed.
type QPPHMAC struct{}

func (QPPHMAC) Name() string { return "qpp-hmac-sha256" }
func (QPPHMAC) KeySize() int { return SessionKeyBytes }

func (QPPHMAC) NewCiphers(key []byte, initiator bool) (Cipher, Cipher, error) {
	if len(key) != SessionKeyBytes {
		return nil, nil, fmt.Errorf("crypto: qpp needs %d byte key, got %d", SessionKeyBytes, len(key))
	}
	selector, err := deriveKeyMaterial(key, padLabel, 2)
	if err != nil {
		return nil, nil, err
	}
	pads, err := PadCountFromKey(selector)
	if err != nil {
		return nil, nil, err
	}
	c2s, err := newQPPCipher(key, seedLabelClientToServer, macLabelClientToServer, pads)
	if err != nil {
		return nil, nil, err
	}
	s2c, err := newQPPCipher(key, seedLabelServerToClient, macLabelServerToClient, pads)
	if err != nil {
		return nil, nil, err
	}
	if initiator {
		return c2s, s2c, nil
	}
	return s2c, c2s, nil
}

type qppCipher struct {
	mu  sync.Mutex
	pad *qpp.QuantumPermutationPad
	mac []byte
}

func newQPPCipher(key []byte, seedLabel, macLabel string, pads uint16) (*qppCipher, error) {
	seed, err := deriveKeyMaterial(key, seedLabel, QPPSeedBytes)
	if err != nil {
		return nil, err
	}
	defer Wipe(seed)
	mac, err := deriveKeyMaterial(key, macLabel, HmacKeyBytes)
	if err != nil {
		return nil, err
	}
	return &qppCipher{pad: qpp.NewQPP(seed, pads), mac: mac}, nil
}

func (c *qppCipher) Overhead() int { return qppNonceBytes + sha256.Size }

func (c *qppCipher) Seal(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, qppNonceBytes+len(plaintext), qppNonceBytes+len(plaintext)+sha256.Size)
	if _, err := rand.Read(out[:qppNonceBytes]); err != nil {
		return nil, err
	}
	copy(out[qppNonceBytes:], plaintext)
	c.pad.Encrypt(out[qppNonceBytes:])
	h := hmac.New(sha256.New, c.mac)
	h.Write(out)
	return h.Sum(out), nil
}

// Open verifies the tag before touching the pad, so a forged packet does not
// desynchronize the stream.
func (c *qppCipher) Open(packet []byte) ([]byte, error) {
	if len(packet) < c.Overhead() {
		return nil, fmt.Errorf("%w: packet of %d bytes is too short", ErrAuthentication, len(packet))
	}
	body := packet[:len(packet)-sha256.Size]
	h := hmac.New(sha256.New, c.mac)
	h.Write(body)
	if !hmac.Equal(h.Sum(nil), packet[len(body):]) {
		return nil, ErrAuthentication
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	plain := append([]byte(nil), body[qppNonceBytes:]...)
	c.pad.Decrypt(plain)
	return plain, nil
}
