// Package wiremux implements a peer-to-peer framed messaging protocol:
// a mutually-authenticated, end-to-end-encrypted byte stream carrying
// any number of logical channels, each keyed by a 32-byte discovery
// key derived from a shared secret capability.
//
// A session runs a Noise XX handshake, upgrades the stream to a
// lightweight transport cipher, and then multiplexes channels. Both
// peers open a channel with the same secret key; the engine pairs the
// two opens, verifies the remote's capability proof, and hands each
// side a Channel for typed bidirectional messaging.
//
// Example:
//
//	protocol := wiremux.Initiator().BuildFromStream(conn)
//	go func() {
//		key := sharedChannelKey()
//		protocol.Open(key)
//	}()
//	for {
//		event, err := protocol.Next()
//		if err != nil {
//			return err
//		}
//		switch ev := event.(type) {
//		case wiremux.HandshakeEvent:
//			log.Printf("peer authenticated: %x", ev.RemotePublicKey)
//		case wiremux.ChannelEvent:
//			ev.Channel.Send(wiremux.Message{Type: 2, Payload: []byte("hi")})
//		}
//	}
package wiremux

import (
	"io"
	"time"
)

// DefaultKeepAlive is the idle interval after which the engine emits a
// keepalive ping.
const DefaultKeepAlive = 25 * time.Second

const (
	// channelCapacity bounds each channel's inbound and outbound queue.
	channelCapacity = 100
	// controlCapacity bounds the control command queue.
	controlCapacity = 100
)

// Options configure a Protocol instance. Encrypted is meaningful only
// when Noise is enabled; a session with Noise disabled is plaintext
// and unauthenticated (debugging only).
type Options struct {
	IsInitiator bool
	Noise       bool
	Encrypted   bool
	KeepAlive   time.Duration
}

// Builder assembles a Protocol from options and a transport.
type Builder struct {
	opts Options
}

// NewBuilder creates a builder with noise and encryption enabled.
func NewBuilder(isInitiator bool) *Builder {
	return &Builder{opts: Options{
		IsInitiator: isInitiator,
		Noise:       true,
		Encrypted:   true,
		KeepAlive:   DefaultKeepAlive,
	}}
}

// Initiator returns default options for the endpoint that sends the
// first handshake flight.
func Initiator() *Builder {
	return NewBuilder(true)
}

// Responder returns default options for the endpoint that waits for
// the first handshake flight.
func Responder() *Builder {
	return NewBuilder(false)
}

// SetNoise toggles the handshake. Disabling it also disables transport
// encryption and capability verification.
func (b *Builder) SetNoise(noise bool) *Builder {
	b.opts.Noise = noise
	return b
}

// SetEncrypted toggles the post-handshake transport cipher.
func (b *Builder) SetEncrypted(encrypted bool) *Builder {
	b.opts.Encrypted = encrypted
	return b
}

// SetKeepAlive overrides the keepalive interval.
func (b *Builder) SetKeepAlive(interval time.Duration) *Builder {
	b.opts.KeepAlive = interval
	return b
}

// BuildFromStream builds a Protocol over a bidirectional byte stream.
func (b *Builder) BuildFromStream(stream io.ReadWriter) *Protocol {
	return b.BuildFromIO(stream, stream)
}

// BuildFromIO builds a Protocol over separate read and write halves.
func (b *Builder) BuildFromIO(r io.Reader, w io.Writer) *Protocol {
	return newProtocol(r, w, b.opts)
}
