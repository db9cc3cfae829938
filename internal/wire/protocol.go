package wire

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ehrlich-b/exthost/internal/chunkbuf"
	"github.com/ehrlich-b/exthost/internal/hosterr"
	"github.com/ehrlich-b/exthost/internal/sock"
)

// ResponsivenessThreshold is how long the protocol waits for any
// inbound traffic, while sends remain unacknowledged, before marking
// the peer unresponsive.
var ResponsivenessThreshold = 3 * time.Second

// mode tracks whether the protocol currently has a live socket
// attached or is buffering sends while waiting for a reconnect.
type mode int

const (
	modeConnected mode = iota
	modeWaitingReconnect
	modeDisposed
)

// loggable reports whether a frame type participates in the outgoing
// replay log and consumes an id from the monotonic counter. Only
// Regular and Control carry application payloads that must survive a
// reconnect; the rest are protocol control-plane frames.
func loggable(t Type) bool {
	return t == TypeRegular || t == TypeControl
}

// Protocol frames a sock.Socket according to the header format in
// spec §3 and implements ack-driven replay, pause/resume
// backpressure, and responsiveness tracking (spec §4.4).
type Protocol struct {
	mu sync.Mutex

	conn *sock.Socket
	mode mode

	recv chunkbuf.Buffer

	nextSendID     uint32
	lastReceivedID uint32
	outgoing       []Frame // unacked Regular/Control frames sent, in order

	paused         bool
	pendingInbound []Frame

	responsive   bool
	respTimer    *time.Timer

	onMessage      func(Frame)
	onStateChange  func(responsive bool)
	onDisconnected func(err error)
}

// New constructs a Protocol attached to conn. onMessage is invoked
// for every dispatched Regular or Control frame, in receive order.
func New(conn *sock.Socket, onMessage func(Frame)) *Protocol {
	p := &Protocol{
		conn:       conn,
		mode:       modeConnected,
		nextSendID: 1,
		responsive: true,
		onMessage:  onMessage,
	}
	p.attach(conn)
	return p
}

// OnStateChange registers a callback invoked when responsiveness
// transitions between responsive and unresponsive.
func (p *Protocol) OnStateChange(f func(responsive bool)) {
	p.mu.Lock()
	p.onStateChange = f
	p.mu.Unlock()
}

// OnDisconnected registers a callback invoked when the connection
// fails: a Disconnect frame is received, a frame cannot be parsed, or a
// requested replay is no longer in the outgoing log. Dispose does not
// invoke it.
func (p *Protocol) OnDisconnected(f func(err error)) {
	p.mu.Lock()
	p.onDisconnected = f
	p.mu.Unlock()
}

func (p *Protocol) attach(conn *sock.Socket) {
	conn.OnData(func(b []byte) { p.receive(b) })
	conn.OnEnd(func() { p.enterWaitingReconnect() })
	conn.StartReceiving()
}

// Send frames payload as a Regular message, logs it for replay, and
// writes it to the current socket (or buffers it if waiting for
// reconnect).
func (p *Protocol) Send(payload []byte) {
	p.sendTyped(TypeRegular, payload)
}

// SendControl frames payload as a Control message.
func (p *Protocol) SendControl(payload []byte) {
	p.sendTyped(TypeControl, payload)
}

func (p *Protocol) sendTyped(t Type, payload []byte) {
	p.mu.Lock()
	if p.mode == modeDisposed {
		p.mu.Unlock()
		return
	}
	id := p.nextSendID
	p.nextSendID++
	f := Frame{Type: t, ID: id, Ack: p.lastReceivedID, Payload: payload}
	p.outgoing = append(p.outgoing, f)
	p.writeLocked(f)
	p.mu.Unlock()
}

// sendAckOnly sends a bare Ack frame carrying the current
// lastReceivedID, with id 0 (ack-only frames are not logged or
// replayed).
func (p *Protocol) sendAckOnly() {
	p.mu.Lock()
	if p.mode == modeDisposed {
		p.mu.Unlock()
		return
	}
	f := Frame{Type: TypeAck, Ack: p.lastReceivedID}
	p.writeLocked(f)
	p.mu.Unlock()
}

// writeLocked writes f to the current socket if connected; while
// waiting for reconnect, frames are simply left in the outgoing log
// (for Regular/Control) or dropped (control-plane frames, which are
// meaningless without a live peer).
func (p *Protocol) writeLocked(f Frame) {
	if p.mode != modeConnected {
		return
	}
	p.conn.Write(f.Encode())
}

// receive is the socket's OnData callback: it appends to the
// reassembly buffer and decodes as many complete frames as are
// available.
func (p *Protocol) receive(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == modeDisposed {
		return
	}
	p.recv.Append(b)

	for {
		header, err := p.recv.Peek(HeaderSize)
		if err != nil {
			return // not enough bytes for a header yet
		}
		f, payloadLen, err := decodeHeader(header)
		if err != nil {
			p.failLocked(hosterr.ErrFraming)
			return
		}
		if p.recv.Len() < HeaderSize+payloadLen {
			return // header known, payload not fully arrived yet
		}
		if _, err := p.recv.Read(HeaderSize); err != nil {
			p.failLocked(hosterr.ErrFraming)
			return
		}
		if payloadLen > 0 {
			payload, err := p.recv.Read(payloadLen)
			if err != nil {
				p.failLocked(hosterr.ErrFraming)
				return
			}
			f.Payload = payload
		}
		p.handleFrameLocked(f)
	}
}

func (p *Protocol) handleFrameLocked(f Frame) {
	p.markResponsiveLocked()
	p.trimOutgoingLocked(f.Ack)

	if loggable(f.Type) {
		if f.ID > p.lastReceivedID {
			p.lastReceivedID = f.ID
		}
	}

	switch f.Type {
	case TypeRegular, TypeControl:
		if p.paused {
			p.pendingInbound = append(p.pendingInbound, f)
		} else {
			p.dispatchLocked(f)
		}
		p.writeLocked(Frame{Type: TypeAck, Ack: p.lastReceivedID})

	case TypeAck:
		// Ack-only frame: trimming above already applied.

	case TypeDisconnect:
		p.failLocked(nil)

	case TypeReplayRequest:
		from := decodeReplayFrom(f.Payload)
		p.replayFromLocked(from)

	case TypePause:
		p.paused = true

	case TypeResume:
		p.paused = false
		pending := p.pendingInbound
		p.pendingInbound = nil
		for _, pf := range pending {
			p.dispatchLocked(pf)
		}

	case TypeKeepAlive:
		// Responsiveness already refreshed above.

	default:
		// Unknown frame type on an otherwise valid header: ignore
		// rather than tearing down the connection, since the header
		// itself parsed cleanly.
	}
}

// dispatchLocked invokes onMessage outside the struct's own critical
// work but while still holding the lock is acceptable here since
// onMessage callbacks must not block (spec §5: listener callbacks are
// synchronous and must not block).
func (p *Protocol) dispatchLocked(f Frame) {
	if p.onMessage != nil {
		func() {
			defer func() { _ = recover() }()
			p.onMessage(f)
		}()
	}
}

func (p *Protocol) trimOutgoingLocked(peerAck uint32) {
	if len(p.outgoing) == 0 {
		return
	}
	i := 0
	for i < len(p.outgoing) && p.outgoing[i].ID <= peerAck {
		i++
	}
	if i > 0 {
		p.outgoing = p.outgoing[i:]
	}
}

// replayFromLocked retransmits every still-logged frame with id >=
// from, in order. If from refers to an id already trimmed from the
// log, the request cannot be satisfied and the connection is fatal
// per the ReplayExhausted taxonomy entry.
func (p *Protocol) replayFromLocked(from uint32) {
	if from > 1 && len(p.outgoing) > 0 && from < p.outgoing[0].ID {
		p.failLocked(hosterr.ErrReplayExhausted)
		return
	}
	for _, f := range p.outgoing {
		if f.ID >= from {
			p.writeLocked(f)
		}
	}
}

func decodeReplayFrom(payload []byte) uint32 {
	if len(payload) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(payload[:4])
}

// markResponsiveLocked resets the responsiveness timer and flips the
// state to responsive if it had lapsed.
func (p *Protocol) markResponsiveLocked() {
	wasUnresponsive := !p.responsive
	p.responsive = true
	if p.respTimer != nil {
		p.respTimer.Stop()
	}
	p.respTimer = time.AfterFunc(ResponsivenessThreshold, p.checkResponsiveness)
	if wasUnresponsive && p.onStateChange != nil {
		cb := p.onStateChange
		go cb(true)
	}
}

func (p *Protocol) checkResponsiveness() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == modeDisposed {
		return
	}
	if len(p.outgoing) == 0 {
		// No unacked sends outstanding; silence from the peer is not
		// unresponsiveness.
		return
	}
	if p.responsive {
		p.responsive = false
		if p.onStateChange != nil {
			cb := p.onStateChange
			go cb(false)
		}
	}
}

// BeginAcceptReconnection attaches a fresh socket after the previous
// one was lost, issues a ReplayRequest for everything after the last
// id we successfully processed, retransmits our own unacked log, and
// feeds any bytes the new connection had already buffered before the
// caller noticed it.
func (p *Protocol) BeginAcceptReconnection(conn *sock.Socket, initialBytes []byte) {
	p.mu.Lock()
	if p.mode == modeDisposed {
		p.mu.Unlock()
		return
	}
	p.conn = conn
	p.mode = modeConnected
	p.recv = chunkbuf.Buffer{}
	req := make([]byte, 4)
	binary.BigEndian.PutUint32(req, p.lastReceivedID+1)
	p.writeLocked(Frame{Type: TypeReplayRequest, Payload: req})
	for _, f := range p.outgoing {
		p.writeLocked(f)
	}
	p.mu.Unlock()

	p.attach(conn)
	if len(initialBytes) > 0 {
		p.receive(initialBytes)
	}
}

func (p *Protocol) enterWaitingReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != modeConnected {
		return
	}
	p.mode = modeWaitingReconnect
}

func (p *Protocol) failLocked(err error) {
	if p.mode == modeDisposed {
		return
	}
	p.mode = modeDisposed
	if p.respTimer != nil {
		p.respTimer.Stop()
	}
	cb := p.onDisconnected
	if cb != nil {
		go cb(err)
	}
}

// Dispose tears the protocol down: a Disconnect frame is sent if
// still connected, then the underlying socket is disposed.
func (p *Protocol) Dispose() {
	p.mu.Lock()
	if p.mode == modeConnected {
		p.writeLocked(Frame{Type: TypeDisconnect})
	}
	wasDisposed := p.mode == modeDisposed
	p.mode = modeDisposed
	if p.respTimer != nil {
		p.respTimer.Stop()
	}
	p.mu.Unlock()

	if !wasDisposed {
		p.conn.Dispose()
	}
}

// Pause tells the peer to stop delivering payloads (sends a Pause
// frame). Used when this side wants backpressure applied to it.
func (p *Protocol) Pause() {
	p.sendControlPlane(TypePause)
}

// Resume reverses Pause.
func (p *Protocol) Resume() {
	p.sendControlPlane(TypeResume)
}

func (p *Protocol) sendControlPlane(t Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLocked(Frame{Type: t})
}

// IsResponsive reports the current responsiveness state.
func (p *Protocol) IsResponsive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.responsive
}
