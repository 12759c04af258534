// Package schema contains the protobuf message codecs used on the wire.
//
// The protocol carries exactly three schema messages: NoisePayload (the
// handshake payload), Open, and Close. They are encoded and decoded
// directly with the protobuf wire primitives; field numbers are part of
// the cross-implementation wire format and must not change.
package schema

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed indicates a schema message that could not be decoded.
var ErrMalformed = errors.New("malformed schema message")

// NoisePayload is the payload of every handshake message:
//
//	message NoisePayload { bytes nonce = 1; }
//
// The nonce is the sender's 24-byte transport cipher IV base.
type NoisePayload struct {
	Nonce []byte
}

// Marshal encodes the payload.
func (p *NoisePayload) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.Nonce)
	return buf
}

// Unmarshal decodes the payload, replacing any previous contents.
func (p *NoisePayload) Unmarshal(data []byte) error {
	*p = NoisePayload{}
	return walkFields(data, func(num protowire.Number, value []byte) {
		if num == 1 {
			p.Nonce = append([]byte(nil), value...)
		}
	})
}

// Open announces a channel:
//
//	message Open { bytes discovery_key = 1; optional bytes capability = 2; }
//
// A nil Capability means the field is absent (non-noise sessions).
type Open struct {
	DiscoveryKey []byte
	Capability   []byte
}

// Marshal encodes the message, omitting an absent capability.
func (o *Open) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, o.DiscoveryKey)
	if o.Capability != nil {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, o.Capability)
	}
	return buf
}

// Unmarshal decodes the message, replacing any previous contents.
func (o *Open) Unmarshal(data []byte) error {
	*o = Open{}
	return walkFields(data, func(num protowire.Number, value []byte) {
		switch num {
		case 1:
			o.DiscoveryKey = append([]byte(nil), value...)
		case 2:
			o.Capability = append([]byte(nil), value...)
		}
	})
}

// Close tears down a channel:
//
//	message Close { optional bytes discovery_key = 1; }
//
// A nil DiscoveryKey means the field is absent; the receiver resolves
// the channel by the id the Close arrived on.
type Close struct {
	DiscoveryKey []byte
}

// Marshal encodes the message, omitting an absent discovery key.
func (c *Close) Marshal() []byte {
	var buf []byte
	if c.DiscoveryKey != nil {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, c.DiscoveryKey)
	}
	return buf
}

// Unmarshal decodes the message, replacing any previous contents.
func (c *Close) Unmarshal(data []byte) error {
	*c = Close{}
	return walkFields(data, func(num protowire.Number, value []byte) {
		if num == 1 {
			c.DiscoveryKey = append([]byte(nil), value...)
		}
	})
}

// walkFields iterates the fields of a protobuf message, handing bytes
// fields to visit and skipping unknown fields of any wire type.
func walkFields(data []byte, visit func(num protowire.Number, value []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("field tag: %w", ErrMalformed)
		}
		data = data[n:]
		if typ == protowire.BytesType {
			value, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("field %d value: %w", num, ErrMalformed)
			}
			visit(num, value)
			data = data[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, data)
		if m < 0 {
			return fmt.Errorf("field %d value: %w", num, ErrMalformed)
		}
		data = data[m:]
	}
	return nil
}
