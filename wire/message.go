package wire

import (
	"encoding/binary"
	"fmt"
)

// Message type tags. The tag occupies the low 4 bits of the envelope
// header; the channel id occupies the rest.
const (
	// TypeOpen announces a channel to the peer.
	TypeOpen = 0
	// TypeClose tears down a channel.
	TypeClose = 1
	// TypeExtension is reserved. Well-formed frames with this tag are
	// ignored by receivers.
	TypeExtension = 15

	// maxType is the largest tag that fits in the 4-bit field.
	maxType = 15
)

// Message is the two-level envelope carried by every post-handshake
// frame: varint(channel<<4|type) followed by the payload bytes.
//
// Channel is the id the receiver knows the channel by (the sender's
// local id, which the receiver learned from the sender's Open).
type Message struct {
	Channel uint64
	Type    byte
	Payload []byte
}

// Encode serializes the envelope. The channel id and type are packed
// into a single varint; the combined encoding is part of the wire
// format and must not change.
func (m *Message) Encode() ([]byte, error) {
	if m.Type > maxType {
		return nil, fmt.Errorf("message type %d does not fit in 4 bits: %w", m.Type, ErrDecode)
	}
	header := m.Channel<<4 | uint64(m.Type)
	buf := appendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(m.Payload)), header)
	return append(buf, m.Payload...), nil
}

// DecodeMessage parses a frame payload into its envelope.
func DecodeMessage(buf []byte) (*Message, error) {
	header, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("envelope header: %w", ErrDecode)
	}
	return &Message{
		Channel: header >> 4,
		Type:    byte(header & 0x0f),
		Payload: buf[n:],
	}, nil
}
