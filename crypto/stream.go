package crypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// Stream is one direction of the post-handshake transport cipher: an
// unauthenticated XChaCha20 keystream keyed by one of the handshake
// split keys and IV'd by the nonce the keying side announced in its
// handshake payload.
//
// The keystream position advances byte-for-byte with the stream,
// across frame boundaries, covering length prefixes and keepalive
// bytes as well as payloads. The protocol deliberately does not use
// Noise transport mode; changing this would break wire compatibility.
type Stream struct {
	cipher *chacha20.Cipher
}

// NewStream creates a transport keystream from a split key and an IV
// base.
func NewStream(key [KeySize]byte, nonce [NonceSize]byte) (*Stream, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("create transport cipher: %w", err)
	}
	return &Stream{cipher: c}, nil
}

// XORKeyStream XORs src with the keystream into dst, advancing the
// stream position by len(src). dst and src may overlap entirely.
func (s *Stream) XORKeyStream(dst, src []byte) {
	s.cipher.XORKeyStream(dst, src)
}
