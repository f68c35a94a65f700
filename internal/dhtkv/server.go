package dhtkv

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// subExpiryMs is how long a subscriber may go without a Sub or SubPing
// before the responsible node drops it, per spec.md 4.F: "the old server
// expires entries on a 20-s inactivity timer."
const subExpiryMs = 20_000

type entry struct {
	version uint64
	session uint64
	present bool
	data    []byte
}

// wins reports whether a write carrying (session, version) should replace
// the current entry, per spec.md 4.F: a new session always beats stale
// state from an older session; within the same session the higher version
// wins; ties discard.
func (e entry) wins(session, version uint64) bool {
	if session != e.session {
		return session > e.session
	}
	return version > e.version
}

type subscriberKey struct {
	requester identity.NodeId
	handle    uint64
}

type mapState struct {
	entries map[uint32]*entry
	subs    map[subscriberKey]uint64 // last-seen ms
}

func newMapState() *mapState {
	return &mapState{
		entries: make(map[uint32]*entry),
		subs:    make(map[subscriberKey]uint64),
	}
}

// Server is the responsible-node side of the DHT-KV contract: it owns
// whichever Maps currently route to this node and answers Set/Del/Sub/Unsub
// from clients elsewhere in the overlay.
type Server struct {
	mu   sync.Mutex
	self identity.NodeId
	maps map[uint32]*mapState

	sender Sender
	log    zerolog.Logger
}

// NewServer builds a Server. sender delivers outbound acks and change
// events; it is normally the controller's forwarder-backed ToNode sender.
func NewServer(self identity.NodeId, sender Sender, log zerolog.Logger) *Server {
	return &Server{
		self:   self,
		maps:   make(map[uint32]*mapState),
		sender: sender,
		log:    log.With().Str("component", "dhtkv.server").Logger(),
	}
}

func (s *Server) stateFor(m uint32) *mapState {
	ms, ok := s.maps[m]
	if !ok {
		ms = newMapState()
		s.maps[m] = ms
	}
	return ms
}

// HandleMessage processes an inbound client request and sends whatever
// reply or fan-out event it produces.
func (s *Server) HandleMessage(from identity.NodeId, m Message, nowMs uint64) {
	switch m.Kind {
	case MsgSet:
		s.handleSet(from, m, nowMs)
	case MsgDel:
		s.handleDel(from, m, nowMs)
	case MsgSub:
		s.handleSub(from, m, nowMs)
	case MsgUnsub:
		s.handleUnsub(from, m)
	case MsgSubPing:
		s.handleSubPing(from, m, nowMs)
	default:
		s.log.Warn().Uint8("kind", uint8(m.Kind)).Msg("dhtkv server: unexpected message kind")
	}
}

func (s *Server) handleSet(from identity.NodeId, m Message, nowMs uint64) {
	s.mu.Lock()
	ms := s.stateFor(m.Map)
	e, existed := ms.entries[m.SubKey]
	applied := false
	if !existed {
		ms.entries[m.SubKey] = &entry{version: m.Version, session: m.Session, present: true, data: m.Data}
		applied = true
	} else if e.wins(m.Session, m.Version) {
		e.version, e.session, e.present, e.data = m.Version, m.Session, true, m.Data
		applied = true
	}
	subs := s.snapshotSubsLocked(ms)
	s.mu.Unlock()

	s.reply(from, Message{Kind: MsgSetOk, Map: m.Map, SubKey: m.SubKey, ReqID: m.ReqID})
	if applied {
		s.fanOut(subs, Message{
			Kind: MsgOnSet, Map: m.Map, SubKey: m.SubKey,
			Version: m.Version, Session: m.Session, Data: m.Data, Source: uint32(from),
		})
	}
}

func (s *Server) handleDel(from identity.NodeId, m Message, nowMs uint64) {
	s.mu.Lock()
	ms := s.stateFor(m.Map)
	e, existed := ms.entries[m.SubKey]
	applied := false
	if !existed {
		ms.entries[m.SubKey] = &entry{version: m.Version, session: m.Session, present: false}
		applied = true
	} else if e.wins(m.Session, m.Version) {
		e.version, e.session, e.present, e.data = m.Version, m.Session, false, nil
		applied = true
	}
	subs := s.snapshotSubsLocked(ms)
	s.mu.Unlock()

	s.reply(from, Message{Kind: MsgDelOk, Map: m.Map, SubKey: m.SubKey, ReqID: m.ReqID})
	if applied {
		s.fanOut(subs, Message{
			Kind: MsgOnDel, Map: m.Map, SubKey: m.SubKey,
			Version: m.Version, Session: m.Session, Source: uint32(from),
		})
	}
}

func (s *Server) handleSub(from identity.NodeId, m Message, nowMs uint64) {
	s.mu.Lock()
	ms := s.stateFor(m.Map)
	ms.subs[subscriberKey{requester: from, handle: m.Handle}] = nowMs
	s.mu.Unlock()

	s.reply(from, Message{Kind: MsgSubOk, Map: m.Map, Handle: m.Handle, ReqID: m.ReqID})
}

func (s *Server) handleUnsub(from identity.NodeId, m Message) {
	s.mu.Lock()
	if ms, ok := s.maps[m.Map]; ok {
		delete(ms.subs, subscriberKey{requester: from, handle: m.Handle})
	}
	s.mu.Unlock()

	s.reply(from, Message{Kind: MsgUnsubOk, Map: m.Map, Handle: m.Handle, ReqID: m.ReqID})
}

func (s *Server) handleSubPing(from identity.NodeId, m Message, nowMs uint64) {
	s.mu.Lock()
	if ms, ok := s.maps[m.Map]; ok {
		key := subscriberKey{requester: from, handle: m.Handle}
		if _, ok := ms.subs[key]; ok {
			ms.subs[key] = nowMs
		}
	}
	s.mu.Unlock()
}

// ExpireInactive drops subscribers that haven't refreshed within
// subExpiryMs, and prunes empty map state left behind. Call this on every
// controller tick.
func (s *Server) ExpireInactive(nowMs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for mapID, ms := range s.maps {
		for key, lastSeen := range ms.subs {
			if nowMs-lastSeen > subExpiryMs {
				delete(ms.subs, key)
			}
		}
		if len(ms.subs) == 0 && len(ms.entries) == 0 {
			delete(s.maps, mapID)
		}
	}
}

func (s *Server) snapshotSubsLocked(ms *mapState) []subscriberKey {
	out := make([]subscriberKey, 0, len(ms.subs))
	for k := range ms.subs {
		out = append(out, k)
	}
	return out
}

func (s *Server) fanOut(subs []subscriberKey, m Message) {
	for _, sub := range subs {
		s.reply(sub.requester, m)
	}
}

func (s *Server) reply(to identity.NodeId, m Message) {
	payload, err := Encode(m)
	if err != nil {
		s.log.Error().Err(err).Msg("dhtkv server: encode reply")
		return
	}
	if err := s.sender.SendToNode(to, FeatureID, 0, payload); err != nil {
		s.log.Debug().Err(err).Uint32("to", uint32(to)).Msg("dhtkv server: send reply")
	}
}
