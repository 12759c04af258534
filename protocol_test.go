package wiremux

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wiremux/crypto"
	"github.com/opd-ai/wiremux/noise"
	"github.com/opd-ai/wiremux/schema"
	"github.com/opd-ai/wiremux/wire"
)

const testTimeout = 5 * time.Second

// harness drives one protocol's event loop on its own goroutine and
// exposes the resulting events and terminal error.
type harness struct {
	events chan Event
	errs   chan error
}

func drivePeer(t *testing.T, p *Protocol) *harness {
	t.Helper()
	h := &harness{
		events: make(chan Event, 32),
		errs:   make(chan error, 1),
	}
	go func() {
		for {
			ev, err := p.Next()
			if err != nil {
				h.errs <- err
				return
			}
			h.events <- ev
		}
	}()
	return h
}

func waitEvent(t *testing.T, h *harness) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case err := <-h.errs:
		t.Fatalf("protocol failed while waiting for event: %v", err)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

func waitHandshake(t *testing.T, h *harness) HandshakeEvent {
	t.Helper()
	ev, ok := waitEvent(t, h).(HandshakeEvent)
	require.True(t, ok, "expected HandshakeEvent")
	return ev
}

func waitDiscoveryKey(t *testing.T, h *harness) DiscoveryKeyEvent {
	t.Helper()
	ev, ok := waitEvent(t, h).(DiscoveryKeyEvent)
	require.True(t, ok, "expected DiscoveryKeyEvent")
	return ev
}

func waitChannel(t *testing.T, h *harness) *Channel {
	t.Helper()
	ev, ok := waitEvent(t, h).(ChannelEvent)
	require.True(t, ok, "expected ChannelEvent")
	return ev.Channel
}

func waitError(t *testing.T, h *harness) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for protocol error")
	}
	return nil
}

func readMessage(t *testing.T, ch *Channel) Message {
	t.Helper()
	select {
	case m, ok := <-ch.Messages():
		require.True(t, ok, "channel closed while waiting for message")
		return m
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for channel message")
	}
	return Message{}
}

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestHandshakeAndEcho(t *testing.T) {
	ca, cb := pipePair(t)
	initiator := Initiator().BuildFromStream(ca)
	responder := Responder().BuildFromStream(cb)

	hi := drivePeer(t, initiator)
	hr := drivePeer(t, responder)

	hsI := waitHandshake(t, hi)
	hsR := waitHandshake(t, hr)
	assert.Len(t, hsI.RemotePublicKey, 32)
	assert.Len(t, hsR.RemotePublicKey, 32)
	assert.NotEqual(t, hsI.RemotePublicKey, hsR.RemotePublicKey)
	assert.Equal(t, hsI.RemotePublicKey, initiator.RemoteKey())
	assert.Equal(t, hsR.RemotePublicKey, responder.RemoteKey())

	key := bytes.Repeat([]byte{1}, 32)
	dkey, err := crypto.DiscoveryKey(key)
	require.NoError(t, err)

	require.NoError(t, initiator.Open(key))
	require.NoError(t, responder.Open(key))

	chI := waitChannel(t, hi)
	chR := waitChannel(t, hr)
	assert.Equal(t, dkey, chI.DiscoveryKey())
	assert.Equal(t, dkey, chR.DiscoveryKey())

	require.NoError(t, chI.Send(Message{Type: 2, Payload: []byte("hi")}))
	got := readMessage(t, chR)
	assert.Equal(t, byte(2), got.Type)
	assert.Equal(t, []byte("hi"), got.Payload)

	// And back the other way.
	require.NoError(t, chR.Send(Message{Type: 3, Payload: []byte("yo")}))
	reply := readMessage(t, chI)
	assert.Equal(t, byte(3), reply.Type)
	assert.Equal(t, []byte("yo"), reply.Payload)
}

func TestMessageOrderPreserved(t *testing.T) {
	ca, cb := pipePair(t)
	initiator := Initiator().BuildFromStream(ca)
	responder := Responder().BuildFromStream(cb)

	hi := drivePeer(t, initiator)
	hr := drivePeer(t, responder)
	waitHandshake(t, hi)
	waitHandshake(t, hr)

	key := bytes.Repeat([]byte{4}, 32)
	require.NoError(t, initiator.Open(key))
	require.NoError(t, responder.Open(key))
	chI := waitChannel(t, hi)
	chR := waitChannel(t, hr)

	payloads := [][]byte{
		[]byte("m1"), []byte("m2"), []byte("m3"), []byte("m4"), []byte("m5"),
	}
	for _, p := range payloads {
		require.NoError(t, chI.Send(Message{Type: 5, Payload: p}))
	}
	for i, want := range payloads {
		got := readMessage(t, chR)
		assert.Equal(t, want, got.Payload, "message %d out of order", i)
	}
}

// Scenario: the remote opens first. This side sees a DiscoveryKey
// event, then opening the matching key completes the rendezvous using
// the stored remote capability.
func TestRemoteFirstOpen(t *testing.T) {
	ca, cb := pipePair(t)
	initiator := Initiator().BuildFromStream(ca)
	responder := Responder().BuildFromStream(cb)

	hi := drivePeer(t, initiator)
	hr := drivePeer(t, responder)
	waitHandshake(t, hi)
	waitHandshake(t, hr)

	key := bytes.Repeat([]byte{9}, 32)
	dkey, err := crypto.DiscoveryKey(key)
	require.NoError(t, err)

	require.NoError(t, responder.Open(key))
	announced := waitDiscoveryKey(t, hi)
	assert.Equal(t, dkey, announced.DiscoveryKey)

	require.NoError(t, initiator.Open(key))
	chI := waitChannel(t, hi)
	chR := waitChannel(t, hr)

	require.NoError(t, chR.Send(Message{Type: 2, Payload: []byte("after rendezvous")}))
	assert.Equal(t, []byte("after rendezvous"), readMessage(t, chI).Payload)
}

// Closing a channel on one side announces a Close and ends the other
// side's inbound sequence.
func TestChannelClose(t *testing.T) {
	ca, cb := pipePair(t)
	initiator := Initiator().BuildFromStream(ca)
	responder := Responder().BuildFromStream(cb)

	hi := drivePeer(t, initiator)
	hr := drivePeer(t, responder)
	waitHandshake(t, hi)
	waitHandshake(t, hr)

	key := bytes.Repeat([]byte{6}, 32)
	require.NoError(t, initiator.Open(key))
	require.NoError(t, responder.Open(key))
	chI := waitChannel(t, hi)
	chR := waitChannel(t, hr)

	require.NoError(t, chR.Close())

	select {
	case _, ok := <-chI.Messages():
		assert.False(t, ok, "expected inbound sequence to end")
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for channel teardown")
	}

	require.Eventually(t, func() bool {
		return errors.Is(chR.Send(Message{Type: 2, Payload: []byte("x")}), ErrBrokenPipe)
	}, testTimeout, 10*time.Millisecond)
}

// xorReader / xorWriter let the test's hand-rolled peer speak the
// post-handshake transport cipher.
type xorReader struct {
	r io.Reader
	s *crypto.Stream
}

func (x *xorReader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	if n > 0 {
		x.s.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

type xorWriter struct {
	w *bufio.Writer
	s *crypto.Stream
}

func (x *xorWriter) Write(p []byte) (int, error) {
	ct := make([]byte, len(p))
	x.s.XORKeyStream(ct, p)
	return x.w.Write(ct)
}

func (x *xorWriter) Flush() error { return x.w.Flush() }

// Scenario: a peer that completed the handshake but does not hold the
// channel key answers a local open by announcing the channel with a
// forged capability. The arriving Open triggers verification against
// the local key, which fails the session.
func TestForgedCapabilityRejected(t *testing.T) {
	ca, cb := pipePair(t)
	victim := Initiator().BuildFromStream(ca)
	h := drivePeer(t, victim)

	br := bufio.NewReader(cb)
	bw := bufio.NewWriter(cb)
	frames := wire.NewReader(br)
	plain := wire.NewWriter(bw)

	nonce, err := crypto.GenerateNonce()
	require.NoError(t, err)
	payload := (&schema.NoisePayload{Nonce: nonce[:]}).Marshal()
	hs, err := noise.New(noise.Responder, payload)
	require.NoError(t, err)

	flight1, err := frames.ReadFrame()
	require.NoError(t, err)
	flight2, err := hs.Read(flight1)
	require.NoError(t, err)
	require.NoError(t, plain.WriteFrame(flight2))

	flight3, err := frames.ReadFrame()
	require.NoError(t, err)
	_, err = hs.Read(flight3)
	require.NoError(t, err)
	require.True(t, hs.Complete())

	result, err := hs.Result()
	require.NoError(t, err)
	waitHandshake(t, h)

	// Switch to the transport cipher on both directions.
	var victimPayload schema.NoisePayload
	require.NoError(t, victimPayload.Unmarshal(result.RemotePayload))
	var victimNonce [crypto.NonceSize]byte
	copy(victimNonce[:], victimPayload.Nonce)

	rx, err := crypto.NewStream(result.RecvKey, victimNonce)
	require.NoError(t, err)
	tx, err := crypto.NewStream(result.SendKey, nonce)
	require.NoError(t, err)
	encFrames := wire.NewReader(&xorReader{r: br, s: rx})
	encWriter := wire.NewWriter(&xorWriter{w: bw, s: tx})

	// The victim opens a channel; capture its Open.
	key := bytes.Repeat([]byte{1}, 32)
	require.NoError(t, victim.Open(key))
	openFrame, err := encFrames.ReadFrame()
	require.NoError(t, err)
	envelope, err := wire.DecodeMessage(openFrame)
	require.NoError(t, err)
	require.Equal(t, byte(wire.TypeOpen), envelope.Type)

	var victimOpen schema.Open
	require.NoError(t, victimOpen.Unmarshal(envelope.Payload))

	// Announce the same discovery key with a capability we cannot
	// actually compute without the channel key.
	forged := &schema.Open{
		DiscoveryKey: victimOpen.DiscoveryKey,
		Capability:   bytes.Repeat([]byte{0xee}, 32),
	}
	forgedEnvelope := wire.Message{Channel: 5, Type: wire.TypeOpen, Payload: forged.Marshal()}
	buf, err := forgedEnvelope.Encode()
	require.NoError(t, err)
	require.NoError(t, encWriter.WriteFrame(buf))

	err = waitError(t, h)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// The latch is sticky: the session now reads as terminated.
	_, err = victim.Next()
	assert.ErrorIs(t, err, io.EOF)
}

// plainPeer is a hand-rolled plaintext peer for noise-disabled tests.
type plainPeer struct {
	frames *wire.Reader
	writer *wire.Writer
}

func newPlainPeer(conn net.Conn) *plainPeer {
	return &plainPeer{
		frames: wire.NewReader(bufio.NewReader(conn)),
		writer: wire.NewWriter(bufio.NewWriter(conn)),
	}
}

func (pp *plainPeer) send(t *testing.T, channel uint64, typ byte, payload []byte) {
	t.Helper()
	msg := wire.Message{Channel: channel, Type: typ, Payload: payload}
	buf, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, pp.writer.WriteFrame(buf))
}

func (pp *plainPeer) read(t *testing.T) *wire.Message {
	t.Helper()
	frame, err := pp.frames.ReadFrame()
	require.NoError(t, err)
	msg, err := wire.DecodeMessage(frame)
	require.NoError(t, err)
	return msg
}

// Scenario: a Close without a discovery key is resolved by the id it
// arrived on.
func TestCloseByChannelID(t *testing.T) {
	ca, cb := pipePair(t)
	p := Responder().SetNoise(false).SetEncrypted(false).BuildFromStream(ca)
	h := drivePeer(t, p)
	peer := newPlainPeer(cb)

	key := bytes.Repeat([]byte{3}, 32)
	dkey, err := crypto.DiscoveryKey(key)
	require.NoError(t, err)

	// Remote announces first on its channel id 7.
	peer.send(t, 7, wire.TypeOpen, (&schema.Open{DiscoveryKey: dkey}).Marshal())
	announced := waitDiscoveryKey(t, h)
	assert.Equal(t, dkey, announced.DiscoveryKey)

	// Local open completes the rendezvous; the peer reads our Open.
	require.NoError(t, p.Open(key))
	ourOpen := peer.read(t)
	assert.Equal(t, byte(wire.TypeOpen), ourOpen.Type)
	ch := waitChannel(t, h)

	// Application traffic flows on the remote's id.
	peer.send(t, 7, 3, []byte("ping"))
	assert.Equal(t, []byte("ping"), readMessage(t, ch).Payload)

	// Close with no discovery key: resolved by remote id 7.
	peer.send(t, 7, wire.TypeClose, (&schema.Close{}).Marshal())
	select {
	case _, ok := <-ch.Messages():
		assert.False(t, ok, "expected inbound sequence to end")
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for close")
	}
}

// Scenario: an oversized length prefix fails the session before any
// payload is read, exactly once; afterwards the session reads as
// terminated.
func TestOversizedFrameFatal(t *testing.T) {
	ca, cb := pipePair(t)
	p := Responder().SetNoise(false).SetEncrypted(false).BuildFromStream(ca)
	h := drivePeer(t, p)

	// varint(70000), no payload behind it.
	_, err := cb.Write([]byte{0xf0, 0xa2, 0x04})
	require.NoError(t, err)

	err = waitError(t, h)
	assert.ErrorIs(t, err, wire.ErrOversized)

	_, err = p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

// Scenario: an idle session emits a single zero byte after the
// keepalive interval.
func TestKeepAliveByteOnWire(t *testing.T) {
	ca, cb := pipePair(t)
	p := Responder().SetNoise(false).SetEncrypted(false).SetKeepAlive(80 * time.Millisecond).BuildFromStream(ca)
	drivePeer(t, p)

	require.NoError(t, cb.SetReadDeadline(time.Now().Add(testTimeout)))
	one := make([]byte, 1)
	_, err := io.ReadFull(cb, one)
	require.NoError(t, err)
	assert.Equal(t, byte(0), one[0])
}

func TestDestroyIsSticky(t *testing.T) {
	ca, _ := pipePair(t)
	p := Responder().SetNoise(false).BuildFromStream(ca)

	boom := errors.New("boom")
	p.Destroy(boom)

	// Sticky: a second Destroy does not replace the latched error.
	p.Destroy(errors.New("later"))

	_, err := p.Next()
	assert.ErrorIs(t, err, boom)
	_, err = p.Next()
	assert.ErrorIs(t, err, io.EOF)

	// Opens after destruction are refused.
	assert.ErrorIs(t, p.Open(bytes.Repeat([]byte{1}, 32)), ErrBrokenPipe)
}

// Destroy with no cause latches the generic sentinel, and repeated
// calls (nil or not) stay no-ops.
func TestDestroyNilError(t *testing.T) {
	ca, _ := pipePair(t)
	p := Responder().SetNoise(false).BuildFromStream(ca)

	p.Destroy(nil)
	p.Destroy(nil)
	p.Destroy(errors.New("too late"))

	_, err := p.Next()
	assert.ErrorIs(t, err, ErrProtocolDestroyed)
	_, err = p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenValidatesKeyLength(t *testing.T) {
	ca, _ := pipePair(t)
	p := Initiator().BuildFromStream(ca)
	assert.ErrorIs(t, p.Open([]byte("short")), ErrInvalidKey)
}

func TestSendRejectsReservedTypes(t *testing.T) {
	ch := &Channel{
		outbound:    make(chan Message, 1),
		done:        make(chan struct{}),
		sessionDone: make(chan struct{}),
	}
	for _, typ := range []byte{wire.TypeOpen, wire.TypeClose, wire.TypeExtension} {
		err := ch.Send(Message{Type: typ})
		assert.ErrorIs(t, err, ErrReservedType, "type %d", typ)
	}
	assert.NoError(t, ch.Send(Message{Type: 2}))
}

// Extension frames are reserved: well-formed ones are ignored, not
// fatal.
func TestExtensionFramesIgnored(t *testing.T) {
	ca, cb := pipePair(t)
	p := Responder().SetNoise(false).SetEncrypted(false).BuildFromStream(ca)
	h := drivePeer(t, p)
	peer := newPlainPeer(cb)

	peer.send(t, 0, wire.TypeExtension, []byte("future"))

	key := bytes.Repeat([]byte{2}, 32)
	dkey, err := crypto.DiscoveryKey(key)
	require.NoError(t, err)
	peer.send(t, 1, wire.TypeOpen, (&schema.Open{DiscoveryKey: dkey}).Marshal())

	// The extension frame produced no event; the Open did.
	announced := waitDiscoveryKey(t, h)
	assert.Equal(t, dkey, announced.DiscoveryKey)
}
