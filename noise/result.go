package noise

import (
	"golang.org/x/crypto/blake2b"
)

// capabilityNamespace separates capability MACs from other keyed
// hashes under the same handshake hash.
var capabilityNamespace = []byte("wiremux capability")

// Result is everything retained from a completed handshake: the peer's
// identity, the final handshake hash binding the session, the peer's
// payload, and the raw split keys for the transport cipher.
//
// SendKey keys this side's outbound keystream and equals the peer's
// RecvKey, and vice versa.
type Result struct {
	RemoteStatic  []byte
	Hash          []byte
	RemotePayload []byte
	SendKey       [keyLen]byte
	RecvKey       [keyLen]byte
}

// Capability computes the capability MAC for a channel key: a keyed
// BLAKE2b-256 of the key under the handshake hash. Both holders of the
// key compute the same value for a given session; a peer without the
// key cannot forge it.
func (r *Result) Capability(key []byte) []byte {
	mac, err := blake2b.New256(r.Hash)
	if err != nil {
		// The handshake hash is exactly BLAKE2b's maximum key size.
		panic(err)
	}
	mac.Write(capabilityNamespace)
	mac.Write(key)
	return mac.Sum(nil)
}
