// Package crypto implements the cryptographic primitives of the
// protocol: X25519 keypairs for the Noise handshake, discovery-key
// derivation, and the streaming transport cipher applied after the
// handshake completes.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of channel keys, static keys, and transport
	// cipher keys.
	KeySize = 32
	// NonceSize is the size of the transport cipher IV base exchanged
	// during the handshake.
	NonceSize = 24
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a fresh random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	public, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], public)
	return kp, nil
}

// DH computes the X25519 shared secret between priv and pub.
func DH(priv, pub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return shared, nil
}

// GenerateNonce creates a fresh random transport cipher IV base.
func GenerateNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}
