package forwarder

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// broadcastDedupTTLMs is how long a (from_node, service, stream) key is
// remembered, per spec.md 4.E.
const broadcastDedupTTLMs = 2_000

// broadcastDedupMaxEntries bounds the dedup history's size; once the cap is
// reached the least-recently-seen key is evicted first.
const broadcastDedupMaxEntries = 10_000

type broadcastKey struct {
	from    identity.NodeId
	service uint8
	stream  uint32
}

// broadcastDedup is the per-(from_node, service, stream) broadcast history
// from spec.md 4.E, capped at broadcastDedupMaxEntries with LRU eviction
// (grounded on ethereum-go-ethereum's use of hashicorp/golang-lru for
// exactly this shape of bounded recent-seen-set) and a 2-second TTL applied
// on top, since plain LRU has no notion of expiry.
type broadcastDedup struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newBroadcastDedup() *broadcastDedup {
	c, err := lru.New(broadcastDedupMaxEntries)
	if err != nil {
		// lru.New only errors on a non-positive size, which is a
		// programmer error, not a runtime condition.
		panic(err)
	}
	return &broadcastDedup{cache: c}
}

// seen reports whether key was already recorded within the last
// broadcastDedupTTLMs of nowMs, recording it either way.
func (d *broadcastDedup) seen(key broadcastKey, nowMs uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.cache.Get(key); ok {
		expireAt := v.(uint64)
		if nowMs < expireAt {
			return true
		}
	}
	d.cache.Add(key, nowMs+broadcastDedupTTLMs)
	return false
}
