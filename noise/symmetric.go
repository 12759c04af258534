package noise

import (
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// hashLen is HASHLEN for BLAKE2b per the Noise specification.
	hashLen = blake2b.Size
	// keyLen is the cipher key size.
	keyLen = 32
	// tagLen is the Poly1305 authentication tag size appended to every
	// ciphertext produced under a handshake key.
	tagLen = 16
)

func newHash() hash.Hash {
	h, err := blake2b.New512(nil)
	if err != nil {
		// Unkeyed BLAKE2b-512 construction cannot fail.
		panic(err)
	}
	return h
}

// cipherState is the Noise CipherState: an XChaCha20-Poly1305 key and a
// counter nonce. The 64-bit counter occupies the last 8 bytes of the
// 24-byte nonce, little-endian, with the rest zero.
type cipherState struct {
	key    [keyLen]byte
	nonce  uint64
	hasKey bool
}

func (c *cipherState) initializeKey(key [keyLen]byte) {
	c.key = key
	c.nonce = 0
	c.hasKey = true
}

func (c *cipherState) fullNonce() [chacha20poly1305.NonceSizeX]byte {
	var n [chacha20poly1305.NonceSizeX]byte
	binary.LittleEndian.PutUint64(n[16:], c.nonce)
	return n
}

func (c *cipherState) encrypt(ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("handshake cipher: %w", err)
	}
	nonce := c.fullNonce()
	c.nonce++
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

func (c *cipherState) decrypt(ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("handshake cipher: %w", err)
	}
	nonce := c.fullNonce()
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	c.nonce++
	return plaintext, nil
}

// symmetricState is the Noise SymmetricState: the chaining key, the
// running handshake hash, and the current cipher state.
type symmetricState struct {
	cs cipherState
	ck [hashLen]byte
	h  [hashLen]byte
}

func newSymmetricState(protocolName string) *symmetricState {
	s := &symmetricState{}
	if len(protocolName) <= hashLen {
		copy(s.h[:], protocolName)
	} else {
		d := newHash()
		io.WriteString(d, protocolName)
		copy(s.h[:], d.Sum(nil))
	}
	s.ck = s.h
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	d := newHash()
	d.Write(s.h[:])
	d.Write(data)
	copy(s.h[:], d.Sum(nil))
}

// mixKey ratchets the chaining key with new DH output and installs the
// derived cipher key.
func (s *symmetricState) mixKey(input []byte) error {
	ck, k, err := noiseHKDF(s.ck[:], input)
	if err != nil {
		return err
	}
	copy(s.ck[:], ck)
	var key [keyLen]byte
	copy(key[:], k[:keyLen])
	s.cs.initializeKey(key)
	return nil
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.cs.hasKey {
		s.mixHash(plaintext)
		return plaintext, nil
	}
	ciphertext, err := s.cs.encrypt(s.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return ciphertext, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.cs.hasKey {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	plaintext, err := s.cs.decrypt(s.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return plaintext, nil
}

// split derives the two transport keys from the final chaining key.
// Unlike Noise transport mode, the raw keys are handed to the caller:
// the wire format keys its streaming transport cipher with them
// directly.
func (s *symmetricState) split() (k1, k2 [keyLen]byte, err error) {
	out1, out2, err := noiseHKDF(s.ck[:], nil)
	if err != nil {
		return k1, k2, err
	}
	copy(k1[:], out1[:keyLen])
	copy(k2[:], out2[:keyLen])
	return k1, k2, nil
}

// noiseHKDF is HKDF(chaining_key, input, 2) from the Noise
// specification: RFC 5869 with the chaining key as salt and empty info.
func noiseHKDF(chainingKey, input []byte) ([]byte, []byte, error) {
	r := hkdf.New(newHash, input, chainingKey, nil)
	out := make([]byte, 2*hashLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	return out[:hashLen], out[hashLen:], nil
}
