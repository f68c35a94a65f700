// Package forwarder implements spec.md 4.E: given a wire.Header's RouteRule,
// decide whether a frame is delivered locally, forwarded to a single next
// hop, multicast to every direct neighbor (broadcast), or rejected.
package forwarder

import (
	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/router"
	"github.com/8xff/sdn-overlay/internal/wire"
)

// ActionKind is the resolved forwarding action for a frame.
type ActionKind int

const (
	ActionReject ActionKind = iota
	ActionLocal
	ActionNext
	ActionMulticast
)

// Target is a single next-hop a frame should be sent over.
type Target struct {
	Conn    identity.ConnId
	NextHop identity.NodeId
}

// Decision is the result of resolving a frame's RouteRule. For
// ActionMulticast, Local reports whether the frame should also be
// delivered to the local node in addition to the listed Targets.
type Decision struct {
	Action  ActionKind
	Local   bool
	Targets []Target
	Header  wire.Header // header to forward, with TTL already decremented
}

// Forwarder resolves RouteRules against a routing table and deduplicates
// broadcasts.
type Forwarder struct {
	self  identity.NodeId
	table *router.Table
	log   zerolog.Logger
	dedup *broadcastDedup
}

// New constructs a Forwarder bound to a routing table.
func New(self identity.NodeId, table *router.Table, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		self:  self,
		table: table,
		log:   log.With().Str("component", "forwarder").Logger(),
		dedup: newBroadcastDedup(),
	}
}

// Resolve decides what to do with an inbound frame's header. nowMs drives
// broadcast deduplication expiry.
func (f *Forwarder) Resolve(h wire.Header, nowMs uint64) Decision {
	if h.TTL == 0 {
		f.log.Debug().Msg("dropping frame with ttl=0")
		return Decision{Action: ActionReject}
	}

	forwarded := h
	forwarded.TTL--

	var d Decision
	switch h.Rule.Kind {
	case wire.RuleDirect:
		d = Decision{Action: ActionLocal}
	case wire.RuleToNode:
		d = f.resolveToNode(h.Rule.ToNode, forwarded)
	case wire.RuleToKey:
		d = f.resolveToKey(h.Rule.ToKey, forwarded)
	case wire.RuleToService:
		d = f.resolveToService(h.Rule.ToService, forwarded)
	case wire.RuleBroadcast:
		d = f.resolveBroadcast(h, forwarded, nowMs)
	default:
		return Decision{Action: ActionReject}
	}

	if d.Action != ActionLocal && d.Action != ActionReject && h.HasFrom && h.FromNode == f.self {
		// Loop protection: a non-local frame that claims to originate from
		// us has already been seen by us.
		return Decision{Action: ActionReject}
	}
	return d
}

func (f *Forwarder) resolveToNode(n identity.NodeId, forwarded wire.Header) Decision {
	if n == f.self {
		return Decision{Action: ActionLocal}
	}
	dest := f.table.Next(n, nil)
	switch dest.Action {
	case router.ActionLocal:
		return Decision{Action: ActionLocal}
	case router.ActionNext:
		return Decision{Action: ActionNext, Targets: []Target{{Conn: dest.Conn, NextHop: dest.NextHop}}, Header: forwarded}
	default:
		return Decision{Action: ActionReject}
	}
}

func (f *Forwarder) resolveToKey(k identity.NodeId, forwarded wire.Header) Decision {
	dest := f.table.ClosestNode(k, nil)
	switch dest.Action {
	case router.ActionLocal:
		return Decision{Action: ActionLocal}
	case router.ActionNext:
		return Decision{Action: ActionNext, Targets: []Target{{Conn: dest.Conn, NextHop: dest.NextHop}}, Header: forwarded}
	default:
		return Decision{Action: ActionReject}
	}
}

func (f *Forwarder) resolveToService(s uint8, forwarded wire.Header) Decision {
	dest := f.table.ServiceNext(s, nil)
	switch dest.Action {
	case router.ActionLocal:
		return Decision{Action: ActionLocal}
	case router.ActionNext:
		return Decision{Action: ActionNext, Targets: []Target{{Conn: dest.Conn, NextHop: dest.NextHop}}, Header: forwarded}
	default:
		return Decision{Action: ActionReject}
	}
}

func (f *Forwarder) resolveBroadcast(orig, forwarded wire.Header, nowMs uint64) Decision {
	key := broadcastKey{from: orig.FromNode, service: orig.ServiceID, stream: orig.StreamID}
	if f.dedup.seen(key, nowMs) {
		return Decision{Action: ActionReject}
	}
	direct := f.table.DirectPaths()
	targets := make([]Target, len(direct))
	for i, d := range direct {
		targets[i] = Target{Conn: d.Conn, NextHop: d.NextHop}
	}
	return Decision{Action: ActionMulticast, Local: true, Targets: targets, Header: forwarded}
}
