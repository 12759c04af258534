package wiremux

import (
	"fmt"
	"sync"

	"github.com/opd-ai/wiremux/wire"
)

// Message is an application message on a channel. Type must be one of
// the application tags (2 through 14); the control tags Open, Close,
// and Extension are reserved for the engine.
type Message struct {
	Type    byte
	Payload []byte
}

// Channel is the user-facing end of one multiplexed channel. It owns
// the receive end of its inbound queue and the send end of its
// outbound queue; it holds no reference to the engine.
//
// Both queues are bounded at 100 messages. Send blocks when the
// outbound queue is full; the inbound sequence ends when the channel
// closes or the session tears down.
type Channel struct {
	discoveryKey []byte
	outbound     chan Message
	inbound      chan Message
	done         chan struct{}
	control      chan<- controlCmd
	sessionDone  chan struct{}
	closeOnce    sync.Once
}

// DiscoveryKey returns the channel's 32-byte discovery key.
func (c *Channel) DiscoveryKey() []byte {
	return append([]byte(nil), c.discoveryKey...)
}

// Messages returns the inbound message sequence. The channel is closed
// by the engine when the peer closes the channel or the session ends.
func (c *Channel) Messages() <-chan Message {
	return c.inbound
}

// Send queues a message for transmission, blocking while the outbound
// queue is full. It returns ErrBrokenPipe once the engine has dropped
// the channel.
func (c *Channel) Send(m Message) error {
	if m.Type <= wire.TypeClose || m.Type >= wire.TypeExtension {
		return fmt.Errorf("type %d: %w", m.Type, ErrReservedType)
	}
	select {
	case <-c.done:
		return ErrBrokenPipe
	case <-c.sessionDone:
		return ErrBrokenPipe
	default:
	}
	select {
	case c.outbound <- m:
		return nil
	case <-c.done:
		return ErrBrokenPipe
	case <-c.sessionDone:
		return ErrBrokenPipe
	}
}

// Close asks the engine to announce a Close for this channel and tear
// it down locally. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		cmd := controlCmd{op: controlClose, key: append([]byte(nil), c.discoveryKey...)}
		select {
		case c.control <- cmd:
		case <-c.done:
		case <-c.sessionDone:
		}
	})
	return nil
}
