// Package routersync implements the fixed "router_sync" feature (feature
// slot 2, spec.md 4.H): the periodic per-neighbor RouterSync exchange that
// keeps internal/router.Table converged (spec.md 4.D).
package routersync

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/router"
)

// FeatureID is this feature's fixed slot.
const FeatureID uint8 = 2

// Sender delivers an encoded RouterSync frame directly to one neighbor
// connection (a one-hop exchange; it is never routed).
type Sender interface {
	SendToConn(conn identity.ConnId, featureID uint8, payload []byte) error
}

// Encode serializes a RouterSync snapshot.
func Encode(s router.RouterSync) ([]byte, error) {
	b, err := msgpack.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("routersync: encode: %w", err)
	}
	return b, nil
}

// Decode parses a RouterSync snapshot.
func Decode(b []byte) (router.RouterSync, error) {
	var s router.RouterSync
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return router.RouterSync{}, fmt.Errorf("routersync: decode: %w", err)
	}
	return s, nil
}

type neighborState struct {
	conn     identity.ConnId
	lastSync uint64
}

// Feature drives the periodic sync exchange described in spec.md 4.D,
// "every sync_ms (configurable) per neighbor, build a RouterSync".
type Feature struct {
	mu        sync.Mutex
	table     *router.Table
	syncMs    uint64
	neighbors map[identity.NodeId]*neighborState

	sender Sender
	log    zerolog.Logger
}

// New constructs a Feature bound to table, sending a fresh RouterSync to
// every known neighbor at most once per syncMs.
func New(table *router.Table, syncMs uint64, sender Sender, log zerolog.Logger) *Feature {
	return &Feature{
		table:     table,
		syncMs:    syncMs,
		neighbors: make(map[identity.NodeId]*neighborState),
		sender:    sender,
		log:       log.With().Str("component", "routersync").Logger(),
	}
}

// NeighborUp registers a connected neighbor so Tick starts exchanging sync
// frames with it. Call this from the neighbor EventConnected handler.
func (f *Feature) NeighborUp(conn identity.ConnId, neighbor identity.NodeId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neighbors[neighbor] = &neighborState{conn: conn}
}

// NeighborDown stops exchanging sync frames with neighbor. Call this from
// the neighbor EventDisconnected handler.
func (f *Feature) NeighborDown(neighbor identity.NodeId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.neighbors, neighbor)
}

// Tick sends a fresh RouterSync to every neighbor whose last send was more
// than syncMs ago.
func (f *Feature) Tick(nowMs uint64) {
	f.mu.Lock()
	due := make(map[identity.NodeId]*neighborState, len(f.neighbors))
	for n, st := range f.neighbors {
		if nowMs-st.lastSync >= f.syncMs {
			st.lastSync = nowMs
			due[n] = st
		}
	}
	f.mu.Unlock()

	for n, st := range due {
		sync := f.table.CreateSync(n)
		payload, err := Encode(sync)
		if err != nil {
			f.log.Error().Err(err).Msg("encode router sync")
			continue
		}
		if err := f.sender.SendToConn(st.conn, FeatureID, payload); err != nil {
			f.log.Debug().Err(err).Uint32("neighbor", uint32(n)).Msg("send router sync")
		}
	}
}

// HandleFrame applies an inbound RouterSync frame from neighbor over conn.
func (f *Feature) HandleFrame(conn identity.ConnId, neighbor identity.NodeId, payload []byte) error {
	sync, err := Decode(payload)
	if err != nil {
		return err
	}
	metric, ok := f.table.DirectMetric(conn, neighbor)
	if !ok {
		return fmt.Errorf("routersync: no direct path to neighbor %d over %s", neighbor, conn)
	}
	// Routes learned through neighbor carry it in their hop chain, which
	// split horizon and ApplySync's loop check test against.
	metric = metric.Add(router.NewMetric(0, []identity.NodeId{neighbor}, ^uint32(0)))
	f.table.ApplySync(conn, neighbor, metric, sync)
	return nil
}
