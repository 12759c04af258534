package wiremux

import (
	"crypto/subtle"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wiremux/crypto"
	"github.com/opd-ai/wiremux/noise"
	"github.com/opd-ai/wiremux/schema"
	"github.com/opd-ai/wiremux/wire"
)

// Event is a user-visible protocol event returned by Next.
type Event interface {
	event()
}

// HandshakeEvent reports a completed handshake and the authenticated
// remote static public key.
type HandshakeEvent struct {
	RemotePublicKey []byte
}

// DiscoveryKeyEvent reports a remote Open for a discovery key this
// side has not opened locally. Opening the matching key afterwards
// completes the rendezvous.
type DiscoveryKeyEvent struct {
	DiscoveryKey []byte
}

// ChannelEvent reports a channel that became usable: both sides have
// opened it and the remote capability verified.
type ChannelEvent struct {
	Channel *Channel
}

func (HandshakeEvent) event()    {}
func (DiscoveryKeyEvent) event() {}
func (ChannelEvent) event()      {}

// protocolState is the engine's lifecycle position. The handshake
// field of Protocol is meaningful only in stateHandshake; transitions
// only ever move forward.
type protocolState uint8

const (
	stateNotInitialized protocolState = iota
	stateHandshake
	stateEstablished
)

type controlOp uint8

const (
	controlOpen controlOp = iota
	controlClose
)

// controlCmd crosses from wrapper objects into the engine through the
// bounded control queue. Open carries a channel key; Close carries a
// discovery key.
type controlCmd struct {
	op  controlOp
	key []byte
}

// gateCmd resumes the gated read pump after the engine has processed a
// handshake frame, optionally installing the inbound keystream first.
type gateCmd struct {
	rx   *crypto.Stream
	open bool
}

// outboundMessage is one application message fanned in from a
// channel's outbound queue, tagged with the channel's local id.
type outboundMessage struct {
	localID uint64
	msg     Message
}

// Protocol is a session over one byte stream: handshake, transport
// encryption, channel multiplexing, and the keepalive loop.
//
// All engine state is owned by the goroutine calling Next; the only
// cross-goroutine boundaries are the bounded queues and the read pump.
type Protocol struct {
	opts Options

	reader      *encryptedReader
	writer      *encryptedWriter
	frameReader *wire.Reader
	frameWriter *wire.Writer

	state      protocolState
	handshake  *noise.Handshake
	result     *noise.Result
	localNonce [crypto.NonceSize]byte

	channels *channelizer
	events   []Event

	inboundC chan []byte
	readErrC chan error
	gateC    chan gateCmd

	outboundC chan outboundMessage
	controlC  chan controlCmd

	keepalive         *time.Timer
	keepaliveInterval time.Duration

	doneC        chan struct{}
	errMu        sync.Mutex
	err          error
	destroyed    bool
	errDelivered bool
	tornDown     bool

	log *logrus.Entry
}

func newProtocol(r io.Reader, w io.Writer, opts Options) *Protocol {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	reader := newEncryptedReader(r)
	writer := newEncryptedWriter(w)
	return &Protocol{
		opts:              opts,
		reader:            reader,
		writer:            writer,
		frameReader:       wire.NewReader(reader),
		frameWriter:       wire.NewWriter(writer),
		channels:          newChannelizer(),
		inboundC:          make(chan []byte),
		readErrC:          make(chan error, 1),
		gateC:             make(chan gateCmd, 1),
		outboundC:         make(chan outboundMessage),
		controlC:          make(chan controlCmd, controlCapacity),
		keepaliveInterval: opts.KeepAlive,
		doneC:             make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "protocol",
			"initiator": opts.IsInitiator,
		}),
	}
}

// Init starts the session: it builds the handshake and sends the first
// flight (initiator only), or goes straight to Established when noise
// is disabled, and arms the keepalive timer. Idempotent; Next calls it
// automatically.
func (p *Protocol) Init() error {
	if p.state != stateNotInitialized {
		return nil
	}
	if err := p.latchedError(); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"noise":     p.opts.Noise,
		"encrypted": p.opts.Encrypted,
	}).Debug("protocol init")

	if p.opts.Noise {
		if err := p.startHandshake(); err != nil {
			p.Destroy(err)
			return err
		}
	} else {
		p.state = stateEstablished
		go p.readLoop(false)
	}

	p.keepalive = time.NewTimer(p.keepaliveInterval)
	return nil
}

func (p *Protocol) startHandshake() error {
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return err
	}
	p.localNonce = nonce
	payload := (&schema.NoisePayload{Nonce: nonce[:]}).Marshal()

	role := noise.Responder
	if p.opts.IsInitiator {
		role = noise.Initiator
	}
	handshake, err := noise.New(role, payload)
	if err != nil {
		return err
	}
	first, err := handshake.Start()
	if err != nil {
		return err
	}
	if first != nil {
		if err := p.frameWriter.WriteFrame(first); err != nil {
			return err
		}
	}
	p.handshake = handshake
	p.state = stateHandshake
	go p.readLoop(true)
	return nil
}

// readLoop pumps frames from the transport into the engine. While
// gated (during the handshake) it delivers one frame and waits for the
// engine before touching the stream again, so the transport cipher is
// installed at the exact frame boundary where it takes effect.
func (p *Protocol) readLoop(gated bool) {
	for {
		frame, err := p.frameReader.ReadFrame()
		if err != nil {
			select {
			case p.readErrC <- err:
			case <-p.doneC:
			}
			return
		}
		select {
		case p.inboundC <- frame:
		case <-p.doneC:
			return
		}
		if gated {
			select {
			case cmd := <-p.gateC:
				if cmd.rx != nil {
					p.reader.upgrade(cmd.rx)
				}
				if cmd.open {
					gated = false
				}
			case <-p.doneC:
				return
			}
		}
	}
}

// Next drives the event loop until the next user-visible event. After
// a fatal error it returns that error once; subsequent calls return
// io.EOF, behaving as a terminated stream.
func (p *Protocol) Next() (Event, error) {
	if err := p.takeLatched(); err != nil {
		return nil, err
	}
	if p.state == stateNotInitialized {
		if err := p.Init(); err != nil {
			return nil, p.takeLatched()
		}
	}
	if ev := p.popEvent(); ev != nil {
		return ev, nil
	}

	for {
		// Control commands wait until the session is established, so a
		// queued Open always carries a valid capability.
		control := p.controlC
		if p.state != stateEstablished {
			control = nil
		}
		select {
		case <-p.doneC:
			return nil, p.takeLatched()

		case err := <-p.readErrC:
			return p.abort(fmt.Errorf("transport read: %w", err))

		case <-p.keepalive.C:
			if err := p.frameWriter.WriteKeepAlive(); err != nil {
				return p.abort(fmt.Errorf("keepalive: %w", err))
			}
			p.keepalive.Reset(p.keepaliveInterval)

		case frame := <-p.inboundC:
			p.rearmKeepalive()
			ev, err := p.onFrame(frame)
			if err != nil {
				return p.abort(err)
			}
			if ev != nil {
				return ev, nil
			}

		case out := <-p.outboundC:
			if p.channels.getByLocal(out.localID) == nil {
				// Channel closed while the message was in flight.
				continue
			}
			if err := p.sendMessage(out.localID, out.msg.Type, out.msg.Payload); err != nil {
				return p.abort(err)
			}

		case cmd := <-control:
			var err error
			switch cmd.op {
			case controlOpen:
				err = p.localOpen(cmd.key)
			case controlClose:
				err = p.localClose(cmd.key)
			}
			if err != nil {
				return p.abort(err)
			}
			if ev := p.popEvent(); ev != nil {
				return ev, nil
			}
		}
	}
}

// Open announces a channel for a 32-byte shared key. The open is
// handed to the event loop through the control queue; the resulting
// ChannelEvent (or session-fatal capability error) surfaces via Next
// once the rendezvous completes.
func (p *Protocol) Open(key []byte) error {
	if len(key) != crypto.KeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	select {
	case <-p.doneC:
		return ErrBrokenPipe
	default:
	}
	cmd := controlCmd{op: controlOpen, key: append([]byte(nil), key...)}
	select {
	case p.controlC <- cmd:
		return nil
	case <-p.doneC:
		return ErrBrokenPipe
	}
}

// Destroy latches a fatal error. The next call to Next returns it; the
// event loop does not resume. Safe to call from any goroutine and
// sticky: later calls are no-ops. A nil err latches
// ErrProtocolDestroyed.
func (p *Protocol) Destroy(err error) {
	if err == nil {
		err = ErrProtocolDestroyed
	}
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.err = err
	close(p.doneC)
	p.log.WithField("error", err.Error()).Debug("protocol destroyed")
}

// RemoteKey returns the authenticated remote static public key, or nil
// before the handshake completes.
func (p *Protocol) RemoteKey() []byte {
	if p.result == nil {
		return nil
	}
	return append([]byte(nil), p.result.RemoteStatic...)
}

func (p *Protocol) popEvent() Event {
	if len(p.events) == 0 {
		return nil
	}
	ev := p.events[0]
	p.events = p.events[1:]
	return ev
}

func (p *Protocol) rearmKeepalive() {
	if !p.keepalive.Stop() {
		select {
		case <-p.keepalive.C:
		default:
		}
	}
	p.keepalive.Reset(p.keepaliveInterval)
}

func (p *Protocol) latchedError() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// takeLatched surfaces a latched error: the stored error on first
// delivery, io.EOF afterwards, nil when the session is healthy.
func (p *Protocol) takeLatched() error {
	err := p.latchedError()
	if err == nil {
		return nil
	}
	p.teardown()
	if p.errDelivered {
		return io.EOF
	}
	p.errDelivered = true
	return err
}

// abort latches err, tears down all channels, and consumes the first
// delivery slot.
func (p *Protocol) abort(err error) (Event, error) {
	p.Destroy(err)
	p.teardown()
	p.errDelivered = true
	return nil, err
}

// teardown closes every channel's inbound queue and teardown signal.
// Runs on the engine goroutine only.
func (p *Protocol) teardown() {
	if p.tornDown {
		return
	}
	p.tornDown = true
	for _, rec := range p.channels.all() {
		p.closeRecord(rec)
		p.channels.remove(rec.discoveryKey)
	}
}

func (p *Protocol) closeRecord(rec *channelRecord) {
	if rec.inbound != nil {
		close(rec.inbound)
		rec.inbound = nil
	}
	if rec.done != nil {
		close(rec.done)
		rec.done = nil
	}
}

func (p *Protocol) onFrame(frame []byte) (Event, error) {
	switch p.state {
	case stateHandshake:
		return p.onHandshakeFrame(frame)
	case stateEstablished:
		return p.onDataFrame(frame)
	default:
		return nil, fmt.Errorf("frame received before init")
	}
}

func (p *Protocol) onHandshakeFrame(frame []byte) (Event, error) {
	reply, err := p.handshake.Read(frame)
	if err != nil {
		return nil, err
	}
	if reply != nil {
		if err := p.frameWriter.WriteFrame(reply); err != nil {
			return nil, err
		}
	}
	if !p.handshake.Complete() {
		p.gateC <- gateCmd{}
		return nil, nil
	}

	result, err := p.handshake.Result()
	if err != nil {
		return nil, err
	}
	remoteNonce, err := decodeRemoteNonce(result.RemotePayload)
	if err != nil {
		return nil, err
	}

	var rx *crypto.Stream
	if p.opts.Encrypted {
		tx, err := crypto.NewStream(result.SendKey, p.localNonce)
		if err != nil {
			return nil, err
		}
		rx, err = crypto.NewStream(result.RecvKey, remoteNonce)
		if err != nil {
			return nil, err
		}
		p.writer.upgrade(tx)
	}
	p.gateC <- gateCmd{rx: rx, open: true}

	p.handshake = nil
	p.result = result
	p.state = stateEstablished

	p.log.WithFields(logrus.Fields{
		"remote_key": fmt.Sprintf("%x", result.RemoteStatic[:8]),
		"encrypted":  p.opts.Encrypted,
	}).Info("handshake complete")

	return HandshakeEvent{RemotePublicKey: append([]byte(nil), result.RemoteStatic...)}, nil
}

func decodeRemoteNonce(payload []byte) ([crypto.NonceSize]byte, error) {
	var nonce [crypto.NonceSize]byte
	var decoded schema.NoisePayload
	if err := decoded.Unmarshal(payload); err != nil {
		return nonce, fmt.Errorf("handshake payload: %w", err)
	}
	if len(decoded.Nonce) != crypto.NonceSize {
		return nonce, fmt.Errorf("handshake payload nonce is %d bytes: %w", len(decoded.Nonce), schema.ErrMalformed)
	}
	copy(nonce[:], decoded.Nonce)
	return nonce, nil
}

func (p *Protocol) onDataFrame(frame []byte) (Event, error) {
	msg, err := wire.DecodeMessage(frame)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case wire.TypeOpen:
		var open schema.Open
		if err := open.Unmarshal(msg.Payload); err != nil {
			return nil, err
		}
		return p.onOpen(msg.Channel, &open)

	case wire.TypeClose:
		var cl schema.Close
		if err := cl.Unmarshal(msg.Payload); err != nil {
			return nil, err
		}
		return nil, p.onClose(msg.Channel, &cl)

	case wire.TypeExtension:
		// Reserved tag; well-formed frames are dropped.
		p.log.WithField("channel", msg.Channel).Debug("ignoring extension frame")
		return nil, nil

	default:
		return nil, p.forward(msg.Channel, Message{Type: msg.Type, Payload: msg.Payload})
	}
}

// forward delivers an application message to its channel's inbound
// queue, blocking on backpressure.
func (p *Protocol) forward(remoteID uint64, m Message) error {
	rec := p.channels.getByRemote(remoteID)
	if rec == nil || rec.inbound == nil || !rec.paired() {
		return fmt.Errorf("message on unknown channel %d: %w", remoteID, ErrBrokenPipe)
	}
	select {
	case rec.inbound <- m:
		return nil
	case <-p.doneC:
		return ErrBrokenPipe
	}
}

// onOpen handles a remote channel announcement: store it, and either
// surface the discovery key (nothing opened locally yet) or finish the
// rendezvous against the local open.
func (p *Protocol) onOpen(remoteID uint64, open *schema.Open) (Event, error) {
	if len(open.DiscoveryKey) != crypto.DiscoveryKeySize {
		return nil, fmt.Errorf("open with %d-byte discovery key: %w", len(open.DiscoveryKey), schema.ErrMalformed)
	}
	existing := p.channels.get(open.DiscoveryKey)
	locallyOpened := existing != nil && existing.key != nil

	rec, err := p.channels.attachRemote(open.DiscoveryKey, remoteID, open.Capability)
	if err != nil {
		return nil, err
	}

	if !locallyOpened {
		p.log.WithField("discovery_key", fmt.Sprintf("%x", open.DiscoveryKey[:8])).Debug("remote announced unknown channel")
		return DiscoveryKeyEvent{DiscoveryKey: append([]byte(nil), open.DiscoveryKey...)}, nil
	}
	if rec.inbound != nil {
		// Duplicate Open for an already usable channel.
		return nil, nil
	}

	if err := p.verifyRemoteCapability(open.Capability, rec.key); err != nil {
		return nil, err
	}
	channel := p.createChannel(rec)
	return ChannelEvent{Channel: channel}, nil
}

// onClose tears down a channel. A Close carrying a discovery key names
// the record directly; one without is resolved by the remote id it
// arrived on.
func (p *Protocol) onClose(remoteID uint64, cl *schema.Close) error {
	var rec *channelRecord
	if cl.DiscoveryKey != nil {
		rec = p.channels.get(cl.DiscoveryKey)
	} else {
		rec = p.channels.getByRemote(remoteID)
	}
	if rec == nil {
		return nil
	}
	p.log.WithField("discovery_key", fmt.Sprintf("%x", rec.discoveryKey[:8])).Debug("remote closed channel")
	p.closeRecord(rec)
	p.channels.remove(rec.discoveryKey)
	return nil
}

// localOpen runs on the engine goroutine for each queued Open command:
// assign a local id, finish the rendezvous if the remote already
// announced this key, and send our Open.
func (p *Protocol) localOpen(key []byte) error {
	discoveryKey, err := crypto.DiscoveryKey(key)
	if err != nil {
		return err
	}
	rec := p.channels.attachLocal(key, discoveryKey)

	if rec.hasRemote && rec.inbound == nil {
		if err := p.verifyRemoteCapability(rec.remoteCapability, key); err != nil {
			return err
		}
		channel := p.createChannel(rec)
		p.events = append(p.events, ChannelEvent{Channel: channel})
	}

	open := &schema.Open{
		DiscoveryKey: discoveryKey,
		Capability:   p.capability(key),
	}
	return p.sendMessage(rec.localID, wire.TypeOpen, open.Marshal())
}

// localClose announces a Close for a locally known channel and removes
// it.
func (p *Protocol) localClose(discoveryKey []byte) error {
	rec := p.channels.get(discoveryKey)
	if rec == nil || !rec.hasLocal {
		return nil
	}
	cl := &schema.Close{DiscoveryKey: discoveryKey}
	if err := p.sendMessage(rec.localID, wire.TypeClose, cl.Marshal()); err != nil {
		return err
	}
	p.closeRecord(rec)
	p.channels.remove(rec.discoveryKey)
	return nil
}

// createChannel builds the user handle and its queues, installs the
// inbound sink, and starts the outbound forwarder.
func (p *Protocol) createChannel(rec *channelRecord) *Channel {
	inbound := make(chan Message, channelCapacity)
	outbound := make(chan Message, channelCapacity)
	done := make(chan struct{})

	channel := &Channel{
		discoveryKey: append([]byte(nil), rec.discoveryKey...),
		outbound:     outbound,
		inbound:      inbound,
		done:         done,
		control:      p.controlC,
		sessionDone:  p.doneC,
	}
	rec.inbound = inbound
	rec.done = done

	go p.forwardOutbound(rec.localID, outbound, done)

	p.log.WithFields(logrus.Fields{
		"discovery_key": fmt.Sprintf("%x", rec.discoveryKey[:8]),
		"local_id":      rec.localID,
		"remote_id":     rec.remoteID,
	}).Info("channel open")
	return channel
}

// forwardOutbound fans one channel's outbound queue into the engine.
func (p *Protocol) forwardOutbound(localID uint64, outbound <-chan Message, done <-chan struct{}) {
	for {
		select {
		case m := <-outbound:
			select {
			case p.outboundC <- outboundMessage{localID: localID, msg: m}:
			case <-done:
				return
			case <-p.doneC:
				return
			}
		case <-done:
			return
		case <-p.doneC:
			return
		}
	}
}

// sendMessage encodes and transmits one wire envelope.
func (p *Protocol) sendMessage(localID uint64, typ byte, payload []byte) error {
	msg := wire.Message{Channel: localID, Type: typ, Payload: payload}
	buf, err := msg.Encode()
	if err != nil {
		return err
	}
	return p.frameWriter.WriteFrame(buf)
}

// capability computes our capability MAC for a key, nil when the
// session has no handshake.
func (p *Protocol) capability(key []byte) []byte {
	if p.result == nil {
		return nil
	}
	return p.result.Capability(key)
}

// verifyRemoteCapability checks the remote's capability MAC against
// the local key. Without noise there is nothing to verify; with noise
// a missing or mismatched capability is fatal.
func (p *Protocol) verifyRemoteCapability(capability, key []byte) error {
	if !p.opts.Noise {
		return nil
	}
	if p.result == nil {
		return fmt.Errorf("%w: %w", ErrNotEstablished, ErrPermissionDenied)
	}
	if capability == nil {
		return fmt.Errorf("remote capability missing: %w", ErrPermissionDenied)
	}
	expected := p.result.Capability(key)
	if subtle.ConstantTimeCompare(capability, expected) != 1 {
		return fmt.Errorf("remote capability mismatch: %w", ErrPermissionDenied)
	}
	return nil
}
