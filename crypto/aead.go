package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals and opens single messages in one direction.
// Sealed packets are laid out as nonce || ciphertext || tag.
type Cipher interface {
	// Overhead is the number of bytes Seal adds to a plaintext.
	Overhead() int
	Seal(plaintext []byte) ([]byte, error)
	Open(packet []byte) ([]byte, error)
}

// AEAD builds the send and receive ciphers for one session key.
type AEAD interface {
	Name() string
	KeySize() int
	NewCiphers(key []byte, initiator bool) (send, recv Cipher, err error)
}

// AESGCM is AES-256 in Galois/Counter mode with random 96-bit nonces.
type AESGCM struct{}

func (AESGCM) Name() string { return "aes-256-gcm" }
func (AESGCM) KeySize() int { return SessionKeyBytes }

func (AESGCM) NewCiphers(key []byte, _ bool) (Cipher, Cipher, error) {
	if len(key) != SessionKeyBytes {
		return nil, nil, fmt.Errorf("crypto: aes-256-gcm needs %d byte key, got %d", SessionKeyBytes, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	c := &aeadCipher{aead: gcm}
	return c, c, nil
}

// ChaCha20Poly1305 is the RFC 8439 construction with random 96-bit nonces.
type ChaCha20Poly1305 struct{}

func (ChaCha20Poly1305) Name() string { return "chacha20-poly1305" }
func (ChaCha20Poly1305) KeySize() int { return chacha20poly1305.KeySize }

func (ChaCha20Poly1305) NewCiphers(key []byte, _ bool) (Cipher, Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	c := &aeadCipher{aead: aead}
	return c, c, nil
}

// aeadCipher is stateless, so one value serves both directions.
type aeadCipher struct {
	aead cipher.AEAD
}

func (c *aeadCipher) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}

func (c *aeadCipher) Seal(plaintext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return c.aead.Seal(out, out[:nonceSize], plaintext, nil), nil
}

func (c *aeadCipher) Open(packet []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(packet) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: packet of %d bytes is too short", ErrAuthentication, len(packet))
	}
	plain, err := c.aead.Open(nil, packet[:nonceSize], packet[nonceSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plain, nil
}
