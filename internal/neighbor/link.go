// Package neighbor implements the neighbor link FSM of spec.md 4.C: one
// instance per (local, remote address) pair, driving the signed
// ConnectRequest/Response, Ping/Pong, and Disconnect control exchange and
// producing the Encryptor/Decryptor pair a connected link forwards data
// frames through.
package neighbor

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/security"
	"github.com/8xff/sdn-overlay/internal/transport"
	"github.com/8xff/sdn-overlay/internal/wire"
)

// FeatureID is this feature's slot in the fixed feature table (spec.md
// 4.G): neighbours is always feature 0.
const FeatureID uint8 = 0

// protocolUDP tags ConnId.Protocol() for links dialed over UDP transport.
const protocolUDP uint8 = 0

const (
	connectTimeoutMs    = 5_000
	pingIntervalMs      = 1_000
	pongTimeoutMs       = 10_000
	disconnectTimeoutMs = 2_000
	maxControlAgeMs     = 10_000
)

// State is one of the FSM states in spec.md 4.C.
type State uint8

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// EventKind tags a Link's emitted Event union.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventOutgoingError
	EventStats
	EventDisconnected
)

// ConnectedCtx is the payload of an EventConnected event.
type ConnectedCtx struct {
	Conn      identity.ConnId
	Remote    identity.NodeId
	Encryptor security.Encryptor
	Decryptor security.Decryptor
}

// Event is emitted on the Link's event channel as the FSM advances.
type Event struct {
	Kind      EventKind
	Connected ConnectedCtx
	Reject    wire.RejectKind
	RttMs     uint32
	Conn      identity.ConnId
}

// Link drives a single neighbor connection's handshake, keepalive, and
// teardown. It is safe for concurrent use: HandleControl, Connect, Tick,
// and Close all take the same internal lock.
type Link struct {
	mu sync.Mutex

	self       identity.NodeId
	remoteAddr netip.AddrPort
	remote     identity.NodeId
	haveRemote bool

	state   State
	session uint64
	conn    identity.ConnId

	hs  security.HandshakeBuilder
	enc security.Encryptor
	dec security.Decryptor

	connectDeadlineMs    uint64
	disconnectDeadlineMs uint64
	lastPongMs           uint64
	pingSeq              uint64
	lastPingSentMs       uint64
	rttEwmaMs            float64
	disconnectEmitted    bool

	auth         security.Authorization
	newHandshake func() security.HandshakeBuilder
	tr           transport.Transport

	events chan Event
	log    zerolog.Logger
}

// NewLink constructs a Link for the given remote address. newHandshake
// returns a fresh HandshakeBuilder for each connection attempt (a
// HandshakeBuilder is single-use: it holds the initiator's salt between
// Initiate and Complete).
func NewLink(
	self identity.NodeId,
	remoteAddr netip.AddrPort,
	auth security.Authorization,
	newHandshake func() security.HandshakeBuilder,
	tr transport.Transport,
	log zerolog.Logger,
) *Link {
	return &Link{
		self:         self,
		remoteAddr:   remoteAddr,
		auth:         auth,
		newHandshake: newHandshake,
		tr:           tr,
		events:       make(chan Event, 32),
		log: log.With().
			Str("component", "neighbor").
			Str("remote_addr", remoteAddr.String()).
			Logger(),
	}
}

// Events returns the channel of FSM events. It is never closed.
func (l *Link) Events() <-chan Event { return l.events }

func (l *Link) emit(e Event) {
	select {
	case l.events <- e:
	default:
		l.log.Warn().Msg("event queue full, dropping neighbor event")
	}
}

// State returns the link's current FSM state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ConnID returns the link's current connection id, valid once Connected.
func (l *Link) ConnID() identity.ConnId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// RemoteID returns the remote node id, valid once known (after Connect is
// called, or after an inbound ConnectRequest names it).
func (l *Link) RemoteID() (identity.NodeId, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote, l.haveRemote
}

func randSession() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Errorf("neighbor: generate session: %w", err))
	}
	return binary.BigEndian.Uint64(b[:])
}

// send signs, encodes, and transmits a control frame. Control frames carry
// no forwarding Header: the wire-level discriminator (wire.KindControl) is
// the only thing ahead of the signed payload.
func (l *Link) send(nowMs uint64, cmd wire.NeighboursControl) {
	b, err := wire.EncodeSignedControl(nowMs, cmd, l.auth.Sign)
	if err != nil {
		l.log.Warn().Err(err).Uint8("kind", uint8(cmd.Kind)).Msg("encode control frame")
		return
	}
	datagram := make([]byte, 0, 1+len(b))
	datagram = append(datagram, wire.KindControl)
	datagram = append(datagram, b...)
	if err := l.tr.Send(l.remoteAddr, datagram); err != nil {
		l.log.Debug().Err(err).Uint8("kind", uint8(cmd.Kind)).Msg("send control frame")
	}
}

// Connect initiates an outbound connection from Closed. It is an error to
// call Connect from any other state.
func (l *Link) Connect(remote identity.NodeId, nowMs uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateClosed {
		return fmt.Errorf("neighbor: Connect called in state %s", l.state)
	}

	l.hs = l.newHandshake()
	hsMsg, err := l.hs.Initiate()
	if err != nil {
		return fmt.Errorf("neighbor: initiate handshake: %w", err)
	}

	l.remote = remote
	l.haveRemote = true
	l.session = randSession()
	l.state = StateConnecting
	l.connectDeadlineMs = nowMs + connectTimeoutMs
	l.disconnectEmitted = false

	l.send(nowMs, wire.NeighboursControl{
		Kind:      wire.CtrlConnectRequest,
		From:      uint32(l.self),
		To:        uint32(remote),
		Session:   l.session,
		Handshake: hsMsg,
	})
	l.log.Debug().Uint32("remote", uint32(remote)).Msg("connecting")
	return nil
}

// Close initiates a graceful teardown from Connected. It is a no-op from
// any other state.
func (l *Link) Close(nowMs uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateConnected {
		return
	}
	l.send(nowMs, wire.NeighboursControl{Kind: wire.CtrlDisconnectRequest, Session: l.session, Reason: "shutdown"})
	l.state = StateDisconnecting
	l.disconnectDeadlineMs = nowMs + disconnectTimeoutMs
}

// Tick drives timer-based transitions: connect timeout, ping keepalive,
// pong timeout, and disconnect timeout. The caller is expected to call
// Tick regularly (spec.md's shared 1-ms timer tick).
func (l *Link) Tick(nowMs uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateConnecting:
		if nowMs >= l.connectDeadlineMs {
			l.state = StateClosed
			l.emit(Event{Kind: EventOutgoingError, Reject: wire.RejectTimeout})
		}
	case StateConnected:
		if nowMs-l.lastPingSentMs >= pingIntervalMs {
			l.pingSeq++
			l.lastPingSentMs = nowMs
			l.send(nowMs, wire.NeighboursControl{Kind: wire.CtrlPing, Session: l.session, Seq: l.pingSeq, SentMs: nowMs})
		}
		if nowMs-l.lastPongMs > pongTimeoutMs {
			l.send(nowMs, wire.NeighboursControl{Kind: wire.CtrlDisconnectRequest, Session: l.session, Reason: "timeout"})
			l.state = StateDisconnecting
			l.disconnectDeadlineMs = nowMs + disconnectTimeoutMs
		}
	case StateDisconnecting:
		if nowMs >= l.disconnectDeadlineMs {
			l.finishDisconnect()
		}
	}
}

// finishDisconnect moves to Closed and emits Disconnected exactly once per
// conn id, per spec.md 4.C.
func (l *Link) finishDisconnect() {
	l.state = StateClosed
	if !l.disconnectEmitted {
		l.disconnectEmitted = true
		l.emit(Event{Kind: EventDisconnected, Conn: l.conn})
	}
}

// HandleControl processes a decoded, signature-validated control frame.
// tsMs is the timestamp carried inside the signed payload; the caller has
// already verified the signature (DecodeSignedControl's ok==true) before
// calling HandleControl, per spec.md 4.C's "signature failures are silently
// dropped" requirement. HandleControl additionally rejects stale frames
// (tsMs more than 10s in the past).
func (l *Link) HandleControl(cmd wire.NeighboursControl, tsMs, nowMs uint64) {
	if nowMs > tsMs+maxControlAgeMs {
		l.log.Debug().Uint8("kind", uint8(cmd.Kind)).Msg("dropping stale control frame")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch cmd.Kind {
	case wire.CtrlConnectRequest:
		l.handleConnectRequest(cmd, nowMs)
	case wire.CtrlConnectResponse:
		l.handleConnectResponse(cmd, nowMs)
	case wire.CtrlPing:
		l.handlePing(cmd, nowMs)
	case wire.CtrlPong:
		l.handlePong(cmd, nowMs)
	case wire.CtrlDisconnectRequest:
		l.handleDisconnectRequest(cmd, nowMs)
	case wire.CtrlDisconnectResponse:
		l.handleDisconnectResponse(cmd)
	}
}

func (l *Link) handleConnectRequest(cmd wire.NeighboursControl, nowMs uint64) {
	if cmd.To != uint32(l.self) {
		l.log.Debug().Uint32("to", cmd.To).Msg("connect request addressed to a different node")
		return
	}
	caller := identity.NodeId(cmd.From)

	if l.state != StateClosed {
		// A live or in-progress session already occupies this link.
		// spec.md invariant: at most one session per remote at a time,
		// collisions resolved by lower NodeId wins; the higher side
		// answers AlreadyConnected.
		if l.self > caller {
			l.send(nowMs, wire.NeighboursControl{Kind: wire.CtrlConnectResponse, Session: cmd.Session, Result: wire.ConnectErr, ErrKind: wire.RejectAlreadyConnected})
			return
		}
		// We are the lower id: yield our own attempt/session and accept
		// the incoming one below.
		l.resetLocked()
	}

	hs := l.newHandshake()
	respMsg, enc, dec, err := hs.Respond(cmd.Handshake)
	if err != nil {
		l.send(nowMs, wire.NeighboursControl{Kind: wire.CtrlConnectResponse, Session: cmd.Session, Result: wire.ConnectErr, ErrKind: wire.RejectInvalidData})
		return
	}

	l.remote = caller
	l.haveRemote = true
	l.session = cmd.Session
	l.conn = identity.FromIn(protocolUDP, cmd.Session)
	l.enc = enc
	l.dec = dec
	l.state = StateConnected
	l.lastPongMs = nowMs
	l.lastPingSentMs = nowMs
	l.disconnectEmitted = false

	l.send(nowMs, wire.NeighboursControl{Kind: wire.CtrlConnectResponse, Session: cmd.Session, Result: wire.ConnectOk, ResultData: respMsg})
	l.emit(Event{Kind: EventConnected, Connected: ConnectedCtx{Conn: l.conn, Remote: caller, Encryptor: enc, Decryptor: dec}})
}

func (l *Link) handleConnectResponse(cmd wire.NeighboursControl, nowMs uint64) {
	if l.state != StateConnecting || cmd.Session != l.session {
		return
	}
	if cmd.Result != wire.ConnectOk {
		l.state = StateClosed
		l.emit(Event{Kind: EventOutgoingError, Reject: cmd.ErrKind})
		return
	}

	enc, dec, err := l.hs.Complete(cmd.ResultData)
	if err != nil {
		l.state = StateClosed
		l.emit(Event{Kind: EventOutgoingError, Reject: wire.RejectInvalidData})
		return
	}

	l.conn = identity.FromOut(protocolUDP, l.session)
	l.enc = enc
	l.dec = dec
	l.state = StateConnected
	l.lastPongMs = nowMs
	l.lastPingSentMs = nowMs

	l.emit(Event{Kind: EventConnected, Connected: ConnectedCtx{Conn: l.conn, Remote: l.remote, Encryptor: enc, Decryptor: dec}})
}

func (l *Link) handlePing(cmd wire.NeighboursControl, nowMs uint64) {
	if l.state != StateConnected || cmd.Session != l.session {
		return
	}
	l.send(nowMs, wire.NeighboursControl{Kind: wire.CtrlPong, Session: l.session, Seq: cmd.Seq, SentMs: cmd.SentMs})
}

func (l *Link) handlePong(cmd wire.NeighboursControl, nowMs uint64) {
	if l.state != StateConnected || cmd.Session != l.session {
		return
	}
	var rtt uint64
	if nowMs > cmd.SentMs {
		rtt = nowMs - cmd.SentMs
	}
	if l.rttEwmaMs == 0 {
		l.rttEwmaMs = float64(rtt)
	} else {
		l.rttEwmaMs = l.rttEwmaMs*0.8 + float64(rtt)*0.2
	}
	l.lastPongMs = nowMs
	l.emit(Event{Kind: EventStats, RttMs: uint32(l.rttEwmaMs)})
}

func (l *Link) handleDisconnectRequest(cmd wire.NeighboursControl, nowMs uint64) {
	if cmd.Session != l.session || l.state == StateClosed {
		return
	}
	l.send(nowMs, wire.NeighboursControl{Kind: wire.CtrlDisconnectResponse, Session: l.session})
	l.finishDisconnect()
}

func (l *Link) handleDisconnectResponse(cmd wire.NeighboursControl) {
	if l.state != StateDisconnecting || cmd.Session != l.session {
		return
	}
	l.finishDisconnect()
}

// resetLocked clears connection state so a new attempt can start fresh. The
// caller must hold l.mu.
func (l *Link) resetLocked() {
	l.state = StateClosed
	l.enc = nil
	l.dec = nil
	l.hs = nil
	l.session = 0
	l.conn = 0
	l.rttEwmaMs = 0
	l.disconnectEmitted = false
}
