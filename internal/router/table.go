// Package router implements the layered distance-vector routing table:
// per-layer destination slots for unicast next-hop lookup, a service
// registry for RPC/feature location, and closest-to-key resolution for the
// DHT-KV feature.
package router

import (
	"fmt"
	"sync"

	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/rs/zerolog"
)

// ErrUnreachable is returned when no path to a destination, key, or service
// can be found.
var ErrUnreachable = fmt.Errorf("router: unreachable")

// RouteAction is the resolved action for a routing decision.
type RouteAction int

const (
	ActionReject RouteAction = iota
	ActionLocal
	ActionNext
)

// Destination describes where a Next/ServiceNext/ClosestNode lookup landed.
type Destination struct {
	Action  RouteAction
	Conn    identity.ConnId
	NextHop identity.NodeId
	Layer   int
	Metric  Metric
}

// Delta is an advisory event describing a slot that changed; consumers (the
// forwarder cache, shadow routers) may ignore it and recompute on lookup.
type Delta struct {
	Service bool
	Layer   int
	Slot    byte
}

// Table is the layered distance-vector routing table described by
// spec.md 4.D. It is safe for concurrent readers; writes take an exclusive
// lock.
type Table struct {
	mu sync.RWMutex

	self identity.NodeId
	log  zerolog.Logger

	layers   [identity.NumLayers][256]destSlot
	services [256]destSlot
	local    [256]bool // services registered locally

	// directs tracks direct (one-hop) neighbor links, keyed by conn, for
	// the forwarder's broadcast multicast fan-out. This is separate from
	// layers[0], which also accumulates routed (multi-hop) entries for
	// layer-0 destinations.
	directs map[identity.ConnId]identity.NodeId

	deltas chan Delta
}

// NewTable creates an empty routing table for the local node id.
func NewTable(self identity.NodeId, log zerolog.Logger) *Table {
	return &Table{
		self:    self,
		log:     log.With().Str("component", "router").Logger(),
		directs: make(map[identity.ConnId]identity.NodeId),
		deltas:  make(chan Delta, 1024),
	}
}

// NeighborPath names a direct next hop: a live neighbor link and the node
// it connects to.
type NeighborPath struct {
	Conn    identity.ConnId
	NextHop identity.NodeId
}

// DirectPaths returns every currently-live direct neighbor link, for the
// forwarder's broadcast fan-out.
func (t *Table) DirectPaths() []NeighborPath {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NeighborPath, 0, len(t.directs))
	for conn, n := range t.directs {
		out = append(out, NeighborPath{Conn: conn, NextHop: n})
	}
	return out
}

// Deltas returns the channel of advisory slot-change events. It is never
// closed; the caller should drain it opportunistically.
func (t *Table) Deltas() <-chan Delta {
	return t.deltas
}

func (t *Table) emit(d Delta) {
	select {
	case t.deltas <- d:
	default:
		// deltas are advisory; drop rather than block the write path.
	}
}

// SelfID returns the local node id.
func (t *Table) SelfID() identity.NodeId {
	return t.self
}

// SetDirect installs a direct path to neighbor over conn, placing it in the
// layer-0 slot for the neighbor's own layer-0 byte.
func (t *Table) SetDirect(conn identity.ConnId, neighbor identity.NodeId, metric Metric) {
	t.mu.Lock()
	idx := neighbor.Layer(0)
	t.layers[0][idx] = t.layers[0][idx].upsert(Path{Conn: conn, NextHop: neighbor, Metric: metric})
	t.directs[conn] = neighbor
	t.mu.Unlock()
	t.emit(Delta{Layer: 0, Slot: idx})
	t.log.Debug().Uint32("neighbor", uint32(neighbor)).Str("conn", conn.String()).Msg("set direct path")
}

// DirectMetric returns the metric of the direct (one-hop) path to neighbor
// installed by SetDirect, for building the RouterSync exchange's
// neighborMetric argument to ApplySync.
func (t *Table) DirectMetric(conn identity.ConnId, neighbor identity.NodeId) (Metric, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := neighbor.Layer(0)
	for _, p := range t.layers[0][idx] {
		if p.Conn == conn {
			return p.Metric, true
		}
	}
	return Metric{}, false
}

// ApplySync overlays a neighbor's advertised RouterSync onto this table.
// Every advertised slot is combined with the cost of reaching the neighbor
// itself; entries whose combined hop chain would loop back through the
// local node are rejected.
func (t *Table) ApplySync(conn identity.ConnId, neighbor identity.NodeId, neighborMetric Metric, sync RouterSync) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for l := 0; l < identity.NumLayers; l++ {
		for idx := 0; idx < 256; idx++ {
			entry := sync.Layers[l][idx]
			if !entry.Present {
				continue
			}
			combined := neighborMetric.Add(entry.Metric)
			if combined.ContainsHop(t.self) {
				continue
			}
			t.layers[l][byte(idx)] = t.layers[l][byte(idx)].upsert(Path{Conn: conn, NextHop: neighbor, Metric: combined})
			t.emit(Delta{Layer: l, Slot: byte(idx)})
		}
	}
	for idx := 0; idx < 256; idx++ {
		entry := sync.ServiceRegistry[idx]
		if !entry.Present {
			continue
		}
		combined := neighborMetric.Add(entry.Metric)
		if combined.ContainsHop(t.self) {
			continue
		}
		t.services[byte(idx)] = t.services[byte(idx)].upsert(Path{Conn: conn, NextHop: neighbor, Metric: combined})
		t.emit(Delta{Service: true, Slot: byte(idx)})
	}
}

// DelDirect removes every path routed via conn from every layer and from
// the service registry.
func (t *Table) DelDirect(conn identity.ConnId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.directs, conn)
	for l := 0; l < identity.NumLayers; l++ {
		for idx := range t.layers[l] {
			if s, removed := t.layers[l][idx].removeConn(conn); removed {
				t.layers[l][idx] = s
				t.emit(Delta{Layer: l, Slot: byte(idx)})
			}
		}
	}
	for idx := range t.services {
		if s, removed := t.services[idx].removeConn(conn); removed {
			t.services[idx] = s
			t.emit(Delta{Service: true, Slot: byte(idx)})
		}
	}
}

func exceptSet(excepts []identity.NodeId) map[identity.NodeId]struct{} {
	if len(excepts) == 0 {
		return nil
	}
	m := make(map[identity.NodeId]struct{}, len(excepts))
	for _, e := range excepts {
		m[e] = struct{}{}
	}
	return m
}

// Next resolves the next hop toward dest, walking from the highest layer at
// which dest and the local id disagree down to layer 0.
func (t *Table) Next(dest identity.NodeId, excepts []identity.NodeId) Destination {
	if dest == t.self {
		return Destination{Action: ActionLocal}
	}

	startLayer := -1
	for l := identity.NumLayers - 1; l >= 0; l-- {
		if dest.Layer(l) != t.self.Layer(l) {
			startLayer = l
			break
		}
	}
	if startLayer < 0 {
		// dest != self but agrees on every layer byte: cannot happen for a
		// well-formed NodeId comparison, but guard against it anyway.
		return Destination{Action: ActionReject}
	}

	ex := exceptSet(excepts)

	t.mu.RLock()
	defer t.mu.RUnlock()
	for l := startLayer; l >= 0; l-- {
		idx := dest.Layer(l)
		if p, ok := t.layers[l][idx].best(ex); ok {
			return Destination{Action: ActionNext, Conn: p.Conn, NextHop: p.NextHop, Layer: l, Metric: p.Metric}
		}
	}
	return Destination{Action: ActionReject}
}

// ClosestNode resolves the neighbor closest to key by XOR distance,
// returning Local if no known next hop improves on the local node's own
// distance to key.
func (t *Table) ClosestNode(key identity.NodeId, excepts []identity.NodeId) Destination {
	ex := exceptSet(excepts)
	selfDist := t.self.Distance(key)

	t.mu.RLock()
	defer t.mu.RUnlock()

	best := Destination{Action: ActionLocal}
	bestDist := selfDist
	found := false

	for l := 0; l < identity.NumLayers; l++ {
		for idx := 0; idx < 256; idx++ {
			p, ok := t.layers[l][idx].best(ex)
			if !ok {
				continue
			}
			d := p.NextHop.Distance(key)
			if d < bestDist || (!found && d < selfDist) {
				bestDist = d
				found = true
				best = Destination{Action: ActionNext, Conn: p.Conn, NextHop: p.NextHop, Layer: l, Metric: p.Metric}
			}
		}
	}
	if !found {
		return Destination{Action: ActionLocal}
	}
	return best
}

// RegisterService marks serviceId as provided by the local node.
func (t *Table) RegisterService(serviceId uint8) {
	t.mu.Lock()
	t.local[serviceId] = true
	t.mu.Unlock()
}

// UnregisterService reverts RegisterService.
func (t *Table) UnregisterService(serviceId uint8) {
	t.mu.Lock()
	t.local[serviceId] = false
	t.mu.Unlock()
}

// ServiceNext resolves a service location: Local if the local node provides
// it, otherwise the best remote path from the service registry.
func (t *Table) ServiceNext(serviceId uint8, excepts []identity.NodeId) Destination {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.local[serviceId] {
		return Destination{Action: ActionLocal}
	}
	if p, ok := t.services[serviceId].best(exceptSet(excepts)); ok {
		return Destination{Action: ActionNext, Conn: p.Conn, NextHop: p.NextHop, Metric: p.Metric}
	}
	return Destination{Action: ActionReject}
}

// CreateSync builds the RouterSync to advertise to neighbor, applying split
// horizon: an entry whose best metric's hop chain already contains neighbor
// is omitted.
func (t *Table) CreateSync(neighbor identity.NodeId) RouterSync {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var sync RouterSync
	for l := 0; l < identity.NumLayers; l++ {
		for idx := 0; idx < 256; idx++ {
			if m, ok := t.layers[l][idx].bestExcludingNeighbor(neighbor); ok {
				sync.Layers[l][idx] = presentEntry(m)
			}
		}
	}
	for idx := 0; idx < 256; idx++ {
		if t.local[idx] {
			// the local node itself provides this service at zero cost.
			sync.ServiceRegistry[idx] = presentEntry(Metric{BandwidthKbps: ^uint32(0)})
			continue
		}
		if m, ok := t.services[idx].bestExcludingNeighbor(neighbor); ok {
			sync.ServiceRegistry[idx] = presentEntry(m)
		}
	}
	return sync
}
