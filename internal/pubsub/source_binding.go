package pubsub

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/dhtkv"
	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/router"
)

// mapIDForChannel implements spec.md 4.G's "Map hash(channel_id)": every
// node must derive the same MapID from a ChannelId independently, so its
// ToKey route resolves to the same responsible node everywhere.
func mapIDForChannel(channel ChannelId) dhtkv.MapID {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(channel))
	h := fnv.New32a()
	_, _ = h.Write(b[:])
	return dhtkv.MapID(h.Sum32())
}

// subKeyForSource encodes a publishing node as a DHT-KV sub_key, so each
// publisher of a channel occupies its own slot under the channel's Map
// rather than clobbering other publishers.
func subKeyForSource(node identity.NodeId) uint32 {
	return uint32(node)
}

type bindingState struct {
	dest    identity.NodeId
	handle  uint64
	sources map[identity.NodeId]struct{}
}

// BindingEvent notifies a consumer that a channel's known source set
// changed.
type BindingEvent struct {
	Channel ChannelId
	Source  identity.NodeId
	Present bool // true: source appeared, false: source disappeared
}

// SourceBinding implements spec.md 4.G's source-binding layer: a consumer
// who only knows a ChannelId, not its source NodeId, discovers candidate
// sources (and tracks their comings and goings) via the DHT-KV feature.
type SourceBinding struct {
	mu       sync.Mutex
	self     identity.NodeId
	table    *router.Table
	client   *dhtkv.Client
	nextSub  uint64
	channels map[ChannelId]*bindingState
	events   chan BindingEvent
	log      zerolog.Logger
}

// NewSourceBinding builds a SourceBinding over an already-constructed
// DHT-KV client (shared with any other feature using the same node's
// DHT-KV participation).
func NewSourceBinding(self identity.NodeId, table *router.Table, client *dhtkv.Client, log zerolog.Logger) *SourceBinding {
	return &SourceBinding{
		self:     self,
		table:    table,
		client:   client,
		channels: make(map[ChannelId]*bindingState),
		events:   make(chan BindingEvent, 64),
		log:      log.With().Str("component", "pubsub.sourcebinding").Logger(),
	}
}

// Events returns the channel on which source appear/disappear
// notifications are delivered.
func (b *SourceBinding) Events() <-chan BindingEvent {
	return b.events
}

// Subscribe starts tracking channel's source set. Sources() returns
// whatever is already known; Events() reports subsequent changes.
func (b *SourceBinding) Subscribe(channel ChannelId, nowMs uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.channels[channel]; ok {
		return
	}
	mapID := mapIDForChannel(channel)
	dest := b.resolveResponsible(mapID)
	b.nextSub++
	handle := b.nextSub
	b.channels[channel] = &bindingState{dest: dest, handle: handle, sources: make(map[identity.NodeId]struct{})}
	b.client.Sub(dest, uint32(mapID), handle, nowMs)
}

// Unsubscribe stops tracking channel's source set.
func (b *SourceBinding) Unsubscribe(channel ChannelId, nowMs uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.channels[channel]
	if !ok {
		return
	}
	delete(b.channels, channel)
	b.client.Unsub(st.dest, uint32(mapIDForChannel(channel)), st.handle, nowMs)
}

// Sources returns the currently known source set for channel.
func (b *SourceBinding) Sources(channel ChannelId) []identity.NodeId {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.channels[channel]
	if !ok {
		return nil
	}
	out := make([]identity.NodeId, 0, len(st.sources))
	for n := range st.sources {
		out = append(out, n)
	}
	return out
}

// Publish advertises the local node as a source for channel. Call again
// periodically is unnecessary; call Withdraw when publishing stops.
func (b *SourceBinding) Publish(channel ChannelId, nowMs uint64) {
	mapID := mapIDForChannel(channel)
	dest := b.resolveResponsible(mapID)
	b.client.Set(dest, uint32(mapID), subKeyForSource(b.self), []byte{1}, nowMs)
}

// Withdraw removes the local node's source advertisement for channel.
func (b *SourceBinding) Withdraw(channel ChannelId, nowMs uint64) {
	mapID := mapIDForChannel(channel)
	dest := b.resolveResponsible(mapID)
	b.client.Del(dest, uint32(mapID), subKeyForSource(b.self), nowMs)
}

func (b *SourceBinding) resolveResponsible(mapID dhtkv.MapID) identity.NodeId {
	dest := b.table.ClosestNode(mapID, nil)
	if dest.Action == router.ActionLocal {
		return b.self
	}
	return dest.NextHop
}

// PollEvents drains the underlying DHT-KV client's events and folds
// OnSet/OnDel into each tracked channel's source set, emitting a
// BindingEvent per change. Call this once per controller tick.
func (b *SourceBinding) PollEvents() {
	for {
		select {
		case e, ok := <-b.client.Events():
			if !ok {
				return
			}
			b.handleClientEvent(e)
		default:
			return
		}
	}
}

func (b *SourceBinding) handleClientEvent(e dhtkv.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, st := range b.channels {
		if mapIDForChannel(channel) != dhtkv.MapID(e.Map) {
			continue
		}
		source := identity.NodeId(e.SubKey)
		switch e.Kind {
		case dhtkv.EventChanged:
			if _, already := st.sources[source]; !already {
				st.sources[source] = struct{}{}
				b.emit(BindingEvent{Channel: channel, Source: source, Present: true})
			}
		case dhtkv.EventDeleted:
			if _, present := st.sources[source]; present {
				delete(st.sources, source)
				b.emit(BindingEvent{Channel: channel, Source: source, Present: false})
			}
		}
	}
}

func (b *SourceBinding) emit(e BindingEvent) {
	select {
	case b.events <- e:
	default:
		b.log.Warn().Msg("pubsub source binding: events channel full, dropping event")
	}
}
