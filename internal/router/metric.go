package router

import (
	"github.com/8xff/sdn-overlay/internal/identity"
)

// BandwidthPenaltyThreshold is the bandwidth below which a 1000ms latency
// penalty is applied when scoring a Metric.
const BandwidthPenaltyThreshold = 10000 // kbps

// HopCost is the per-hop score weight, in milliseconds.
const HopCost = 10

// LowBandwidthPenaltyMs is added to the score of metrics under
// BandwidthPenaltyThreshold.
const LowBandwidthPenaltyMs = 1000

// Metric describes the cost of a path: accumulated latency, the chain of
// hops it traverses (never including the local node), and the minimum
// bandwidth along the path.
type Metric struct {
	LatencyMs     uint16
	Hops          []identity.NodeId
	BandwidthKbps uint32
}

// NewMetric constructs a Metric from its three fields, copying hops.
func NewMetric(latencyMs uint16, hops []identity.NodeId, bandwidthKbps uint32) Metric {
	h := make([]identity.NodeId, len(hops))
	copy(h, hops)
	return Metric{LatencyMs: latencyMs, Hops: h, BandwidthKbps: bandwidthKbps}
}

// Score is latency + len(hops)*HopCost, plus LowBandwidthPenaltyMs when
// bandwidth is below BandwidthPenaltyThreshold.
func (m Metric) Score() int {
	s := int(m.LatencyMs) + len(m.Hops)*HopCost
	if m.BandwidthKbps < BandwidthPenaltyThreshold {
		s += LowBandwidthPenaltyMs
	}
	return s
}

// ContainsHop reports whether id appears anywhere in the metric's hop chain,
// used to detect routing loops.
func (m Metric) ContainsHop(id identity.NodeId) bool {
	for _, h := range m.Hops {
		if h == id {
			return true
		}
	}
	return false
}

// Add combines two metrics along a path: latencies sum, hop chains
// concatenate, and bandwidth takes the minimum of the two.
func (m Metric) Add(other Metric) Metric {
	hops := make([]identity.NodeId, 0, len(m.Hops)+len(other.Hops))
	hops = append(hops, m.Hops...)
	hops = append(hops, other.Hops...)
	bw := m.BandwidthKbps
	if other.BandwidthKbps < bw {
		bw = other.BandwidthKbps
	}
	return Metric{
		LatencyMs:     m.LatencyMs + other.LatencyMs,
		Hops:          hops,
		BandwidthKbps: bw,
	}
}

// metricLess reports whether a is strictly preferable to b: lower score first,
// then fewer hops, then higher bandwidth, as the final tie-break.
func metricLess(a, b Metric) bool {
	if sa, sb := a.Score(), b.Score(); sa != sb {
		return sa < sb
	}
	if len(a.Hops) != len(b.Hops) {
		return len(a.Hops) < len(b.Hops)
	}
	return a.BandwidthKbps > b.BandwidthKbps
}
