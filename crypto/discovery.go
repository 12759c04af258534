package crypto

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// DiscoveryKeySize is the size of a derived discovery key.
const DiscoveryKeySize = 32

// discoveryNamespace fixes the derivation context. Both peers must use
// the same value to rendezvous on a channel.
var discoveryNamespace = []byte("wiremux")

// DiscoveryKey derives the 32-byte public identifier of a channel from
// its secret key. The derivation is a keyed BLAKE2b-256 over a fixed
// namespace: holders of the same key compute the same discovery key,
// and the discovery key reveals nothing about the key itself.
func DiscoveryKey(key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("channel key must be %d bytes, got %d", KeySize, len(key))
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, fmt.Errorf("derive discovery key: %w", err)
	}
	h.Write(discoveryNamespace)
	return h.Sum(nil), nil
}
