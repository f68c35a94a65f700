package router

import (
	"sort"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// Path is a single candidate route to a destination via a specific
// neighbor connection.
type Path struct {
	Conn    identity.ConnId
	NextHop identity.NodeId
	Metric  Metric
}

// pathLess orders Paths by metric score, then hop count, then bandwidth, then by
// the lowest connection uuid as the final tie-break (spec.md 4.D).
func pathLess(a, b Path) bool {
	if metricLess(a.Metric, b.Metric) {
		return true
	}
	if metricLess(b.Metric, a.Metric) {
		return false
	}
	return a.Conn.Uuid() < b.Conn.Uuid()
}

// destSlot is a sorted list of Paths to one destination via different
// neighbors, best path first.
type destSlot []Path

// upsert inserts or replaces the Path for p.Conn, keeping the slot sorted.
func (s destSlot) upsert(p Path) destSlot {
	for i, e := range s {
		if e.Conn == p.Conn {
			s[i] = p
			sort.SliceStable(s, func(a, b int) bool { return pathLess(s[a], s[b]) })
			return s
		}
	}
	s = append(s, p)
	sort.SliceStable(s, func(a, b int) bool { return pathLess(s[a], s[b]) })
	return s
}

// removeConn drops every Path routed via conn, returning the resulting slot
// (nil if empty) and whether anything was removed.
func (s destSlot) removeConn(conn identity.ConnId) (destSlot, bool) {
	out := s[:0]
	removed := false
	for _, e := range s {
		if e.Conn == conn {
			removed = true
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, removed
	}
	return out, removed
}

// best returns the best Path in the slot whose NextHop is not in excepts, or
// false if none qualifies.
func (s destSlot) best(excepts map[identity.NodeId]struct{}) (Path, bool) {
	for _, p := range s {
		if _, skip := excepts[p.NextHop]; skip {
			continue
		}
		return p, true
	}
	return Path{}, false
}

// bestExcludingNeighbor returns the best Path whose hop chain does not
// already contain neighbor (split horizon), used when generating a sync.
func (s destSlot) bestExcludingNeighbor(neighbor identity.NodeId) (Metric, bool) {
	for _, p := range s {
		if !p.Metric.ContainsHop(neighbor) {
			return p.Metric, true
		}
	}
	return Metric{}, false
}
