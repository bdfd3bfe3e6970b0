package crypto

const (
	// SessionKeyBytes is the size of the HKDF output for the AES-256 and
	// ChaCha20 suites.
	SessionKeyBytes = 32

	// NonceBytes is the per-message nonce size of the AEAD suites.
	NonceBytes = 12

	// TagBytes is the authentication tag size of the AEAD suites.
	TagBytes = 16

	// HmacKeyBytes defines the length of the per-direction integrity key for QPP.
	HmacKeyBytes = 32

	// QPPSeedBytes defines how many bytes of keying material seed each QPP pad direction.
	QPPSeedBytes = 256
)

const (
	// MinPadCount defines the minimum allowed pad count for QPP.
	MinPadCount = 1024

	// MaxPadCount defines the maximum allowed pad count for QPP.
	MaxPadCount = 2048
)

const (
	// HandshakeSalt is the HKDF salt mixed into every session key.
	HandshakeSalt = "qftp-handshake-salt-v1"

	// HandshakeInfo is the default HKDF context for the session key.
	HandshakeInfo = "qftp-session-key-v1"

	// HKDF labels for the directional QPP material.
	seedLabelClientToServer = "qftp-qpp-c2s"
	seedLabelServerToClient = "qftp-qpp-s2c"
	macLabelClientToServer  = "qftp-qpp-c2s-mac"
	macLabelServerToClient  = "qftp-qpp-s2c-mac"
	padLabel                = "qftp-qpp-pads"
)
