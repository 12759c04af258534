// Package noise drives the Noise XX handshake that authenticates both
// peers of a session and produces the transport keys.
//
// The pattern is Noise_XX_25519_XChaChaPoly_BLAKE2b: three flights
// (e / e,ee,s,es / s,se), mutual authentication without prior key
// knowledge. Every flight carries an opaque payload supplied by the
// caller; the protocol uses it to exchange transport cipher IV bases.
//
// The transport itself does not use Noise transport mode. On
// completion the raw Split() keys are exposed through Result and used
// to key a streaming cipher — see the crypto package.
package noise

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wiremux/crypto"
)

// protocolName is the Noise protocol identifier mixed into the initial
// handshake hash. It is part of the wire format.
const protocolName = "Noise_XX_25519_XChaChaPoly_BLAKE2b"

var (
	// ErrHandshake indicates a failed Noise operation: a bad message,
	// a failed decryption, or a message out of order. Any such failure
	// is fatal to the session.
	ErrHandshake = errors.New("noise handshake failed")
	// ErrHandshakeComplete indicates an operation on a finished handshake.
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrHandshakeNotComplete indicates the result was requested early.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
)

// Role defines which side of the handshake we drive.
type Role uint8

const (
	// Initiator sends the first flight.
	Initiator Role = iota
	// Responder waits for the first flight.
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Handshake is a single-use Noise XX handshake. Construct it, exchange
// messages with Start and Read until Complete reports true, then
// finalize with Result. A fresh static keypair, ephemeral keypair, and
// payload belong to each instance.
type Handshake struct {
	role    Role
	ss      *symmetricState
	static  *crypto.KeyPair
	local   *crypto.KeyPair // ephemeral, generated on the first write
	remote  []byte          // remote static, learned mid-handshake
	payload []byte          // sent with every flight we transmit

	remoteEphemeral []byte

	remotePayload []byte
	flights       int
	complete      bool
	sendKey       [keyLen]byte
	recvKey       [keyLen]byte
}

// New creates a handshake for the given role. payload is transmitted
// with every flight this side sends; the peer's payload is available
// from the Result.
func New(role Role, payload []byte) (*Handshake, error) {
	static, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	ss := newSymmetricState(protocolName)
	ss.mixHash(nil) // empty prologue

	logrus.WithFields(logrus.Fields{
		"role":       role.String(),
		"static_key": fmt.Sprintf("%x", static.Public[:8]),
	}).Debug("noise handshake created")

	return &Handshake{
		role:    role,
		ss:      ss,
		static:  static,
		payload: payload,
	}, nil
}

// Start produces the first flight. Only the initiator produces output;
// for the responder it returns nil.
func (h *Handshake) Start() ([]byte, error) {
	if h.role != Initiator {
		return nil, nil
	}
	if h.flights != 0 {
		return nil, fmt.Errorf("%w: handshake already started", ErrHandshake)
	}
	return h.writeMessage()
}

// Read processes an inbound flight and returns the reply to transmit,
// if this side owes one. A nil reply with Complete() true means the
// handshake just finished; a nil reply otherwise cannot occur in XX.
func (h *Handshake) Read(message []byte) ([]byte, error) {
	if h.complete {
		return nil, ErrHandshakeComplete
	}
	if err := h.readMessage(message); err != nil {
		return nil, err
	}
	if h.complete {
		return nil, nil
	}
	return h.writeMessage()
}

// Complete reports whether all three flights have been processed.
func (h *Handshake) Complete() bool {
	return h.complete
}

// writeMessage emits the next outbound flight for this role.
func (h *Handshake) writeMessage() ([]byte, error) {
	switch {
	case h.role == Initiator && h.flights == 0:
		return h.writeFlightOne()
	case h.role == Responder && h.flights == 1:
		return h.writeFlightTwo()
	case h.role == Initiator && h.flights == 2:
		return h.writeFlightThree()
	}
	return nil, fmt.Errorf("%w: no flight to send in state %d as %s", ErrHandshake, h.flights, h.role)
}

// readMessage consumes the next inbound flight for this role.
func (h *Handshake) readMessage(message []byte) error {
	switch {
	case h.role == Responder && h.flights == 0:
		return h.readFlightOne(message)
	case h.role == Initiator && h.flights == 1:
		return h.readFlightTwo(message)
	case h.role == Responder && h.flights == 2:
		return h.readFlightThree(message)
	}
	return fmt.Errorf("%w: unexpected flight in state %d as %s", ErrHandshake, h.flights, h.role)
}

// Flight one, initiator to responder: e + payload (plaintext, no key yet).
func (h *Handshake) writeFlightOne() ([]byte, error) {
	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	h.local = ephemeral
	h.ss.mixHash(ephemeral.Public[:])
	encrypted, err := h.ss.encryptAndHash(h.payload)
	if err != nil {
		return nil, err
	}
	h.flights = 1
	return append(append([]byte(nil), ephemeral.Public[:]...), encrypted...), nil
}

func (h *Handshake) readFlightOne(message []byte) error {
	if len(message) < crypto.KeySize {
		return fmt.Errorf("%w: flight one truncated", ErrHandshake)
	}
	h.remoteEphemeral = append([]byte(nil), message[:crypto.KeySize]...)
	h.ss.mixHash(h.remoteEphemeral)
	payload, err := h.ss.decryptAndHash(message[crypto.KeySize:])
	if err != nil {
		return err
	}
	h.recordRemotePayload(payload)
	h.flights = 1
	return nil
}

// Flight two, responder to initiator: e, ee, s, es + payload.
func (h *Handshake) writeFlightTwo() ([]byte, error) {
	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	h.local = ephemeral
	h.ss.mixHash(ephemeral.Public[:])
	out := append([]byte(nil), ephemeral.Public[:]...)

	if err := h.mixDH(ephemeral.Private[:], h.remoteEphemeral); err != nil { // ee
		return nil, err
	}
	encryptedStatic, err := h.ss.encryptAndHash(h.static.Public[:]) // s
	if err != nil {
		return nil, err
	}
	out = append(out, encryptedStatic...)
	if err := h.mixDH(h.static.Private[:], h.remoteEphemeral); err != nil { // es
		return nil, err
	}
	encryptedPayload, err := h.ss.encryptAndHash(h.payload)
	if err != nil {
		return nil, err
	}
	h.flights = 2
	return append(out, encryptedPayload...), nil
}

func (h *Handshake) readFlightTwo(message []byte) error {
	const minLen = crypto.KeySize + crypto.KeySize + tagLen + tagLen
	if len(message) < minLen {
		return fmt.Errorf("%w: flight two truncated", ErrHandshake)
	}
	h.remoteEphemeral = append([]byte(nil), message[:crypto.KeySize]...)
	h.ss.mixHash(h.remoteEphemeral)
	if err := h.mixDH(h.local.Private[:], h.remoteEphemeral); err != nil { // ee
		return err
	}
	staticEnd := crypto.KeySize + crypto.KeySize + tagLen
	remoteStatic, err := h.ss.decryptAndHash(message[crypto.KeySize:staticEnd]) // s
	if err != nil {
		return err
	}
	h.remote = append([]byte(nil), remoteStatic...)
	if err := h.mixDH(h.local.Private[:], h.remote); err != nil { // es
		return err
	}
	payload, err := h.ss.decryptAndHash(message[staticEnd:])
	if err != nil {
		return err
	}
	h.recordRemotePayload(payload)
	h.flights = 2
	return nil
}

// Flight three, initiator to responder: s, se + payload. Completes the
// handshake on the sending side.
func (h *Handshake) writeFlightThree() ([]byte, error) {
	encryptedStatic, err := h.ss.encryptAndHash(h.static.Public[:]) // s
	if err != nil {
		return nil, err
	}
	if err := h.mixDH(h.static.Private[:], h.remoteEphemeral); err != nil { // se
		return nil, err
	}
	encryptedPayload, err := h.ss.encryptAndHash(h.payload)
	if err != nil {
		return nil, err
	}
	if err := h.finish(); err != nil {
		return nil, err
	}
	return append(encryptedStatic, encryptedPayload...), nil
}

func (h *Handshake) readFlightThree(message []byte) error {
	const minLen = crypto.KeySize + tagLen + tagLen
	if len(message) < minLen {
		return fmt.Errorf("%w: flight three truncated", ErrHandshake)
	}
	staticEnd := crypto.KeySize + tagLen
	remoteStatic, err := h.ss.decryptAndHash(message[:staticEnd]) // s
	if err != nil {
		return err
	}
	h.remote = append([]byte(nil), remoteStatic...)
	if err := h.mixDH(h.local.Private[:], h.remote); err != nil { // se
		return err
	}
	payload, err := h.ss.decryptAndHash(message[staticEnd:])
	if err != nil {
		return err
	}
	h.recordRemotePayload(payload)
	return h.finish()
}

// finish splits the transport keys and marks the handshake complete.
func (h *Handshake) finish() error {
	k1, k2, err := h.ss.split()
	if err != nil {
		return err
	}
	if h.role == Initiator {
		h.sendKey, h.recvKey = k1, k2
	} else {
		h.sendKey, h.recvKey = k2, k1
	}
	h.flights = 3
	h.complete = true

	logrus.WithFields(logrus.Fields{
		"role":       h.role.String(),
		"remote_key": fmt.Sprintf("%x", h.remote[:8]),
	}).Debug("noise handshake complete")
	return nil
}

func (h *Handshake) mixDH(priv, pub []byte) error {
	shared, err := crypto.DH(priv, pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return h.ss.mixKey(shared)
}

func (h *Handshake) recordRemotePayload(payload []byte) {
	if len(payload) > 0 && h.remotePayload == nil {
		h.remotePayload = append([]byte(nil), payload...)
	}
}

// Result finalizes the handshake. The Handshake must not be used after
// this; only the Result is retained by the session.
func (h *Handshake) Result() (*Result, error) {
	if !h.complete {
		return nil, ErrHandshakeNotComplete
	}
	hash := make([]byte, hashLen)
	copy(hash, h.ss.h[:])
	return &Result{
		RemoteStatic:  append([]byte(nil), h.remote...),
		Hash:          hash,
		RemotePayload: append([]byte(nil), h.remotePayload...),
		SendKey:       h.sendKey,
		RecvKey:       h.recvKey,
	}, nil
}
