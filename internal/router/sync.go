package router

import "github.com/8xff/sdn-overlay/internal/identity"

// SyncEntry is one advertised slot in a RouterSync: the best metric a peer
// can offer for that slot, or absent (Present == false) if split horizon
// hides it or the peer has nothing to offer there.
type SyncEntry struct {
	Metric  Metric
	Present bool
}

func presentEntry(m Metric) SyncEntry { return SyncEntry{Metric: m, Present: true} }

// RouterSync is the periodic snapshot a node sends to one neighbor:
// the service registry sync plus four layer syncs, each a 256-slot array.
type RouterSync struct {
	ServiceRegistry [256]SyncEntry
	Layers          [identity.NumLayers][256]SyncEntry
}
