package dhtkv

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// ackRetryMs and ackRetries are the DHT-KV request/ack timing from
// spec.md 4.F: "Every ack has a per-request retry at 200 ms for 5
// attempts; thereafter the local write surfaces as failed and is removed
// from the pending table."
const (
	ackRetryMs = 200
	ackRetries = 5
	subPingMs  = 5_000
)

// EventKind tags what a Client.Events channel delivers.
type EventKind uint8

const (
	EventWriteOk EventKind = iota
	EventWriteFailed
	EventSubOk
	EventSubFailed
	EventChanged // an OnSet/OnDel from the responsible node
	EventDeleted
)

// Event is a single notification delivered to the caller of Client.
type Event struct {
	Kind    EventKind
	Map     uint32
	SubKey  uint32
	ReqID   uint64
	Source  identity.NodeId
	Version uint64
	Data    []byte
}

type writeKey struct {
	mapID  uint32
	subKey uint32
}

type pendingWrite struct {
	reqID    uint64
	dest     identity.NodeId
	msg      Message
	sentMs   uint64
	attempts int
}

type pendingSub struct {
	dest      identity.NodeId
	handle    uint64
	msg       Message
	sentMs    uint64
	attempts  int
	confirmed bool
	lastPing  uint64
}

// Client is the requester side of the DHT-KV contract: it issues
// Set/Del/Sub/Unsub against whichever node currently owns a Map, retries
// unacked requests, and relays server-pushed OnSet/OnDel to the caller.
type Client struct {
	mu sync.Mutex

	self    identity.NodeId
	session uint64 // wall-clock time at construction: a writer restart always wins over stale state.

	nextReqID uint64
	versions  map[writeKey]uint64

	pendingWrites map[uint64]*pendingWrite      // by reqID
	pendingSubs   map[subscriberKey]*pendingSub // by (dest, handle): requester holds the destination node here

	sender Sender
	events chan Event
	log    zerolog.Logger
}

// NewClient builds a Client with a fresh session id.
func NewClient(self identity.NodeId, sender Sender, log zerolog.Logger) *Client {
	return &Client{
		self:          self,
		session:       newSession(),
		versions:      make(map[writeKey]uint64),
		pendingWrites: make(map[uint64]*pendingWrite),
		pendingSubs:   make(map[subscriberKey]*pendingSub),
		sender:        sender,
		events:        make(chan Event, 64),
		log:           log.With().Str("component", "dhtkv.client").Logger(),
	}
}

// newSession returns the current wall-clock time in nanoseconds, so a
// Client built after a restart carries a larger session than the one it
// replaces, and the server's larger-session-wins rule favours it.
func newSession() uint64 {
	return uint64(time.Now().UnixNano())
}

// Events returns the channel on which ack/failure/change notifications are
// delivered.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Set issues a write of value under (mapID, subKey) to dest, the node
// currently responsible for mapID. The write is retried until acked or
// until it fails after ackRetries attempts.
func (c *Client) Set(dest identity.NodeId, mapID, subKey uint32, value []byte, nowMs uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	wk := writeKey{mapID, subKey}
	c.versions[wk]++
	version := c.versions[wk]

	reqID := c.newReqIDLocked()
	msg := Message{
		Kind: MsgSet, Map: mapID, SubKey: subKey, ReqID: reqID,
		Version: version, Session: c.session, Data: value,
	}
	c.pendingWrites[reqID] = &pendingWrite{reqID: reqID, dest: dest, msg: msg, sentMs: nowMs}
	c.send(dest, msg)
	return reqID
}

// Del issues a tombstone write under (mapID, subKey) to dest.
func (c *Client) Del(dest identity.NodeId, mapID, subKey uint32, nowMs uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	wk := writeKey{mapID, subKey}
	c.versions[wk]++
	version := c.versions[wk]

	reqID := c.newReqIDLocked()
	msg := Message{Kind: MsgDel, Map: mapID, SubKey: subKey, ReqID: reqID, Version: version, Session: c.session}
	c.pendingWrites[reqID] = &pendingWrite{reqID: reqID, dest: dest, msg: msg, sentMs: nowMs}
	c.send(dest, msg)
	return reqID
}

// Sub subscribes to change events for mapID at dest, the node currently
// responsible for mapID. handle identifies this subscription to the
// caller and server alike; after a routing move, Resubscribe re-sends it
// to the new node under the same handle.
func (c *Client) Sub(dest identity.NodeId, mapID uint32, handle uint64, nowMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqID := c.newReqIDLocked()
	msg := Message{Kind: MsgSub, Map: mapID, Handle: handle, ReqID: reqID}
	key := subscriberKey{requester: dest, handle: handle}
	c.pendingSubs[key] = &pendingSub{dest: dest, handle: handle, msg: msg, sentMs: nowMs}
	c.send(dest, msg)
}

// Unsub cancels a prior Sub.
func (c *Client) Unsub(dest identity.NodeId, mapID uint32, handle uint64, nowMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subscriberKey{requester: dest, handle: handle}
	delete(c.pendingSubs, key)

	reqID := c.newReqIDLocked()
	msg := Message{Kind: MsgUnsub, Map: mapID, Handle: handle, ReqID: reqID}
	c.send(dest, msg)
}

func (c *Client) newReqIDLocked() uint64 {
	c.nextReqID++
	return c.nextReqID
}

// Tick drives ack retries (200ms x5), SubPing refresh (every 5s), and
// failure surfacing. Call it once per controller tick.
func (c *Client) Tick(nowMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for reqID, pw := range c.pendingWrites {
		if nowMs-pw.sentMs < ackRetryMs {
			continue
		}
		if pw.attempts >= ackRetries {
			delete(c.pendingWrites, reqID)
			c.emit(Event{Kind: EventWriteFailed, Map: pw.msg.Map, SubKey: pw.msg.SubKey, ReqID: reqID})
			continue
		}
		pw.attempts++
		pw.sentMs = nowMs
		c.send(pw.dest, pw.msg)
	}

	for key, ps := range c.pendingSubs {
		if ps.confirmed {
			if nowMs-ps.lastPing >= subPingMs {
				ps.lastPing = nowMs
				c.send(ps.dest, Message{Kind: MsgSubPing, Map: ps.msg.Map, Handle: ps.handle})
			}
			continue
		}
		if nowMs-ps.sentMs < ackRetryMs {
			continue
		}
		if ps.attempts >= ackRetries {
			delete(c.pendingSubs, key)
			c.emit(Event{Kind: EventSubFailed, Map: ps.msg.Map, ReqID: ps.msg.ReqID})
			continue
		}
		ps.attempts++
		ps.sentMs = nowMs
		c.send(ps.dest, ps.msg)
	}
}

// HandleMessage processes a reply or push from the responsible node.
func (c *Client) HandleMessage(from identity.NodeId, m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m.Kind {
	case MsgSetOk:
		if pw, ok := c.pendingWrites[m.ReqID]; ok {
			delete(c.pendingWrites, m.ReqID)
			c.emit(Event{Kind: EventWriteOk, Map: pw.msg.Map, SubKey: pw.msg.SubKey, ReqID: m.ReqID})
		}
	case MsgDelOk:
		if pw, ok := c.pendingWrites[m.ReqID]; ok {
			delete(c.pendingWrites, m.ReqID)
			c.emit(Event{Kind: EventWriteOk, Map: pw.msg.Map, SubKey: pw.msg.SubKey, ReqID: m.ReqID})
		}
	case MsgSubOk:
		key := subscriberKey{requester: from, handle: m.Handle}
		if ps, ok := c.pendingSubs[key]; ok {
			ps.confirmed = true
			ps.lastPing = ps.sentMs
			c.emit(Event{Kind: EventSubOk, Map: m.Map, ReqID: m.ReqID})
		}
	case MsgUnsubOk:
		// Already removed from pendingSubs at Unsub time; nothing to do.
	case MsgOnSet:
		c.emit(Event{Kind: EventChanged, Map: m.Map, SubKey: m.SubKey, Source: identity.NodeId(m.Source), Version: m.Version, Data: m.Data})
	case MsgOnDel:
		c.emit(Event{Kind: EventDeleted, Map: m.Map, SubKey: m.SubKey, Source: identity.NodeId(m.Source), Version: m.Version})
	default:
		c.log.Warn().Uint8("kind", uint8(m.Kind)).Msg("dhtkv client: unexpected message kind")
	}
}

// Resubscribe re-sends Sub for every confirmed or pending subscription
// against dest, used when routing deltas change mapID's responsible node:
// "all affected clients re-send Sub to the new location."
func (c *Client) Resubscribe(oldDest, newDest identity.NodeId, mapID uint32, nowMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, ps := range c.pendingSubs {
		if key.requester != oldDest || ps.msg.Map != mapID {
			continue
		}
		delete(c.pendingSubs, key)
		reqID := c.newReqIDLocked()
		msg := Message{Kind: MsgSub, Map: mapID, Handle: ps.handle, ReqID: reqID}
		newKey := subscriberKey{requester: newDest, handle: ps.handle}
		c.pendingSubs[newKey] = &pendingSub{dest: newDest, handle: ps.handle, msg: msg, sentMs: nowMs}
		c.send(newDest, msg)
	}
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.Warn().Msg("dhtkv client: events channel full, dropping event")
	}
}

func (c *Client) send(dest identity.NodeId, m Message) {
	payload, err := Encode(m)
	if err != nil {
		c.log.Error().Err(err).Msg("dhtkv client: encode message")
		return
	}
	if err := c.sender.SendToNode(dest, FeatureID, 0, payload); err != nil {
		c.log.Debug().Err(err).Uint32("dest", uint32(dest)).Msg("dhtkv client: send")
	}
}
