package pubsub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/router"
)

// ackRetryMs and ackRetries mirror DHT-KV's timing (spec.md 4.G: "unanswered
// Sub retries every 200 ms up to 5 times, after which the channel is torn
// down").
const (
	ackRetryMs = 200
	ackRetries = 5
)

// State is a relay entry's position in spec.md 4.G's state machine.
type State int

const (
	StateEmpty State = iota
	StateSubscribing
	StateSubscribed
	StateUnsubscribing
	StateRouteChanged
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateRouteChanged:
		return "route_changed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type pendingAck struct {
	kind     MsgKind
	sentMs   uint64
	attempts int
}

type feedbackAgg struct {
	info       NumberInfo
	dirty      bool
	windowMs   uint32
	lastEmitMs uint64
}

type relayEntry struct {
	state State

	localSubs  map[LocalSubId]struct{}
	remoteSubs map[identity.ConnId]struct{}

	hasUpstream bool
	upstream    identity.ConnId

	pending *pendingAck

	// feedback[feedbackID] aggregates Number reports from every
	// downstream consumer of this entry before re-emitting upstream.
	feedback map[uint8]*feedbackAgg
}

func newRelayEntry() *relayEntry {
	return &relayEntry{
		localSubs:  make(map[LocalSubId]struct{}),
		remoteSubs: make(map[identity.ConnId]struct{}),
		feedback:   make(map[uint8]*feedbackAgg),
	}
}

func (e *relayEntry) refCount() int {
	return len(e.localSubs) + len(e.remoteSubs)
}

// EventKind tags what a Relay.Events channel delivers.
type EventKind uint8

const (
	EventRouteChanged EventKind = iota
	EventData
	EventFeedbackPassthrough
	EventFeedbackNumber
	EventLocalDropOverflow
)

// Event is a single notification delivered to the relay's owner.
type Event struct {
	Kind       EventKind
	Identify   ChannelIdentify
	LocalSub   LocalSubId
	Data       []byte
	FeedbackID uint8
	Number     NumberInfo
	HasSource  bool // for EventRouteChanged: false means the channel was torn down
}

// LocalFanout delivers a data frame to one local subscriber's consumer
// queue. Implementations must be non-blocking (bounded queue, drop-newest
// on overflow) per spec.md 4.G.
type LocalFanout interface {
	Deliver(sub LocalSubId, ci ChannelIdentify, payload []byte) (delivered bool)
}

// Relay implements the subscriber-tree half of spec.md 4.G.
type Relay struct {
	mu sync.Mutex

	self   identity.NodeId
	table  *router.Table
	sender ConnSender
	local  LocalFanout

	entries map[ChannelIdentify]*relayEntry

	events chan Event
	log    zerolog.Logger
}

// NewRelay builds a Relay. sender delivers outbound control/data/feedback
// frames over a direct link; local delivers data to local consumers.
func NewRelay(self identity.NodeId, table *router.Table, sender ConnSender, local LocalFanout, log zerolog.Logger) *Relay {
	return &Relay{
		self:    self,
		table:   table,
		sender:  sender,
		local:   local,
		entries: make(map[ChannelIdentify]*relayEntry),
		events:  make(chan Event, 128),
		log:     log.With().Str("component", "pubsub.relay").Logger(),
	}
}

// Events returns the channel on which RouteChanged/data/feedback
// notifications are delivered.
func (r *Relay) Events() <-chan Event {
	return r.events
}

func (r *Relay) emit(e Event) {
	select {
	case r.events <- e:
	default:
		r.log.Warn().Msg("pubsub relay: events channel full, dropping event")
	}
}

func (r *Relay) entryFor(ci ChannelIdentify) *relayEntry {
	e, ok := r.entries[ci]
	if !ok {
		e = newRelayEntry()
		r.entries[ci] = e
	}
	return e
}

// Subscribe adds a local consumer to ci's relay entry, propagating a Sub
// upstream if this is the channel's first subscriber at this node and the
// local node is not itself the source.
func (r *Relay) Subscribe(ci ChannelIdentify, sub LocalSubId, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryFor(ci)
	firstSubscriber := e.refCount() == 0
	e.localSubs[sub] = struct{}{}
	if firstSubscriber {
		r.propagateUpstreamLocked(ci, e, nowMs)
	}
}

// HandleRemoteSub processes a Sub control arriving from conn.
func (r *Relay) HandleRemoteSub(conn identity.ConnId, m Message, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ci := m.identify()
	e := r.entryFor(ci)
	firstSubscriber := e.refCount() == 0
	e.remoteSubs[conn] = struct{}{}
	if firstSubscriber {
		r.propagateUpstreamLocked(ci, e, nowMs)
	}
	r.send(conn, Message{Kind: MsgSubOk, Channel: ci.Channel, Source: uint32(ci.Source), ReqID: m.ReqID})
}

// propagateUpstreamLocked computes upstream = route.next(source) and sends
// Sub if an upstream exists and this node is not the source.
func (r *Relay) propagateUpstreamLocked(ci ChannelIdentify, e *relayEntry, nowMs uint64) {
	if ci.Source == r.self {
		// This node is the source: nothing to subscribe to upstream.
		return
	}
	dest := r.table.Next(ci.Source, nil)
	if dest.Action != router.ActionNext {
		// No known route yet; stay Empty until a routing delta arrives.
		e.state = StateEmpty
		e.hasUpstream = false
		return
	}
	e.upstream = dest.Conn
	e.hasUpstream = true
	e.state = StateSubscribing
	e.pending = &pendingAck{kind: MsgSub, sentMs: nowMs}
	r.send(dest.Conn, Message{Kind: MsgSub, Channel: ci.Channel, Source: uint32(ci.Source)})
}

// Unsubscribe removes a local consumer; if the subscriber set becomes
// empty, sends Unsub upstream.
func (r *Relay) Unsubscribe(ci ChannelIdentify, sub LocalSubId, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ci]
	if !ok {
		return
	}
	delete(e.localSubs, sub)
	r.maybeUnsubscribeLocked(ci, e, nowMs)
}

// HandleRemoteUnsub processes an Unsub control arriving from conn.
func (r *Relay) HandleRemoteUnsub(conn identity.ConnId, m Message, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ci := m.identify()
	e, ok := r.entries[ci]
	if !ok {
		r.send(conn, Message{Kind: MsgUnsubOk, Channel: ci.Channel, Source: uint32(ci.Source), ReqID: m.ReqID})
		return
	}
	delete(e.remoteSubs, conn)
	r.send(conn, Message{Kind: MsgUnsubOk, Channel: ci.Channel, Source: uint32(ci.Source), ReqID: m.ReqID})
	r.maybeUnsubscribeLocked(ci, e, nowMs)
}

func (r *Relay) maybeUnsubscribeLocked(ci ChannelIdentify, e *relayEntry, nowMs uint64) {
	if e.refCount() > 0 {
		return
	}
	if !e.hasUpstream {
		e.state = StateEmpty
		delete(r.entries, ci)
		return
	}
	e.state = StateUnsubscribing
	e.pending = &pendingAck{kind: MsgUnsub, sentMs: nowMs}
	r.send(e.upstream, Message{Kind: MsgUnsub, Channel: ci.Channel, Source: uint32(ci.Source)})
}

// HandleAck resolves a SubOk/UnsubOk reply against pending retry state.
func (r *Relay) HandleAck(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ci := m.identify()
	e, ok := r.entries[ci]
	if !ok {
		return
	}
	switch m.Kind {
	case MsgSubOk:
		if e.pending != nil && e.pending.kind == MsgSub {
			e.pending = nil
			e.state = StateSubscribed
		}
	case MsgUnsubOk:
		if e.pending != nil && e.pending.kind == MsgUnsub {
			delete(r.entries, ci)
		}
	}
}

// HandleData forwards an inbound data frame (from upstream or a local
// publish) to every local and remote subscriber.
func (r *Relay) HandleData(ci ChannelIdentify, payload []byte) {
	r.mu.Lock()
	e, ok := r.entries[ci]
	if !ok {
		r.mu.Unlock()
		return
	}
	remotes := make([]identity.ConnId, 0, len(e.remoteSubs))
	for c := range e.remoteSubs {
		remotes = append(remotes, c)
	}
	locals := make([]LocalSubId, 0, len(e.localSubs))
	for s := range e.localSubs {
		locals = append(locals, s)
	}
	r.mu.Unlock()

	msg := Message{Kind: MsgData, Channel: ci.Channel, Source: uint32(ci.Source), Data: payload}
	for _, conn := range remotes {
		r.send(conn, msg)
	}
	for _, sub := range locals {
		if !r.local.Deliver(sub, ci, payload) {
			r.emit(Event{Kind: EventLocalDropOverflow, Identify: ci, LocalSub: sub})
		}
	}
}

// Publish is how a local source node injects data into its own channel: it
// is always delivered locally, since a source node's relay entry has no
// upstream of its own.
func (r *Relay) Publish(channel ChannelId, payload []byte) {
	r.HandleData(ChannelIdentify{Channel: channel, Source: r.self}, payload)
}

func (r *Relay) send(conn identity.ConnId, m Message) {
	payload, err := Encode(m)
	if err != nil {
		r.log.Error().Err(err).Msg("pubsub relay: encode message")
		return
	}
	if err := r.sender.SendConn(conn, FeatureID, payload); err != nil {
		r.log.Debug().Err(err).Str("conn", conn.String()).Msg("pubsub relay: send")
	}
}
