package router

import (
	"testing"

	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/rs/zerolog"
)

func newTestTable(self identity.NodeId) *Table {
	return NewTable(self, zerolog.Nop())
}

func TestMetricAdd(t *testing.T) {
	m1 := NewMetric(1, []identity.NodeId{1, 2}, 10000)
	m2 := NewMetric(2, []identity.NodeId{2, 3}, 20000)

	sum := m1.Add(m2)
	if sum.LatencyMs != 3 {
		t.Errorf("latency = %d, want 3", sum.LatencyMs)
	}
	if sum.BandwidthKbps != 10000 {
		t.Errorf("bandwidth = %d, want 10000 (min)", sum.BandwidthKbps)
	}
	want := []identity.NodeId{1, 2, 2, 3}
	if len(sum.Hops) != len(want) {
		t.Fatalf("hops = %v, want %v", sum.Hops, want)
	}
	for i := range want {
		if sum.Hops[i] != want[i] {
			t.Errorf("hops[%d] = %d, want %d", i, sum.Hops[i], want[i])
		}
	}
}

func TestMetricAddAssociative(t *testing.T) {
	a := NewMetric(1, []identity.NodeId{1}, 5000)
	b := NewMetric(2, []identity.NodeId{2}, 6000)
	c := NewMetric(3, []identity.NodeId{3}, 7000)

	left := a.Add(b).Add(c)
	right := a.Add(b.Add(c))

	if left.LatencyMs != right.LatencyMs || left.BandwidthKbps != right.BandwidthKbps {
		t.Fatalf("Add is not associative: left=%+v right=%+v", left, right)
	}
	if len(left.Hops) != len(right.Hops) {
		t.Fatalf("Add hop concatenation is not associative: left=%v right=%v", left.Hops, right.Hops)
	}
}

// Property 1: a table containing a direct path to every neighbor resolves
// Next(self) to Local regardless of table contents.
func TestNextLocal(t *testing.T) {
	tab := newTestTable(1)
	tab.SetDirect(identity.FromOut(0, 1), 2, NewMetric(1, nil, 100000))

	dest := tab.Next(1, nil)
	if dest.Action != ActionLocal {
		t.Fatalf("Next(self) = %+v, want Local", dest)
	}
}

func TestNextDirectNeighbor(t *testing.T) {
	tab := newTestTable(identity.NodeId(0x00000001))
	conn := identity.FromOut(0, 1)
	tab.SetDirect(conn, identity.NodeId(0x00000002), NewMetric(5, nil, 100000))

	dest := tab.Next(identity.NodeId(0x00000002), nil)
	if dest.Action != ActionNext || dest.NextHop != 2 || dest.Conn != conn {
		t.Fatalf("Next(2) = %+v, want Next via conn %v", dest, conn)
	}
}

func TestNextUnreachable(t *testing.T) {
	tab := newTestTable(1)
	dest := tab.Next(999, nil)
	if dest.Action != ActionReject {
		t.Fatalf("Next(999) = %+v, want Reject", dest)
	}
}

// Property 2: a sync generated for a neighbor never advertises a metric
// whose hops contain that neighbor (split horizon).
func TestCreateSyncSplitHorizon(t *testing.T) {
	self := identity.NodeId(1)
	tab := newTestTable(self)

	connA := identity.FromOut(0, 1)
	nodeA := identity.NodeId(2)
	tab.SetDirect(connA, nodeA, NewMetric(1, nil, 100000))

	// simulate learning about node 3 via A, with A in the hop chain.
	syncFromA := RouterSync{}
	syncFromA.Layers[0][identity.NodeId(3).Layer(0)] = presentEntry(NewMetric(1, nil, 100000))
	tab.ApplySync(connA, nodeA, NewMetric(1, []identity.NodeId{nodeA}, 100000), syncFromA)

	syncForA := tab.CreateSync(nodeA)
	idx3 := identity.NodeId(3).Layer(0)
	if syncForA.Layers[0][idx3].Present {
		t.Fatalf("sync for neighbor %d should omit the only known path to slot %d, since it runs through the neighbor itself: %+v", nodeA, idx3, syncForA.Layers[0][idx3])
	}
}

// Property 5: applying the same RouterSync twice yields identical slot
// contents.
func TestApplySyncIdempotent(t *testing.T) {
	self := identity.NodeId(1)
	conn := identity.FromOut(0, 1)
	neighbor := identity.NodeId(2)
	neighborMetric := NewMetric(1, []identity.NodeId{neighbor}, 100000)

	var sync RouterSync
	sync.Layers[0][identity.NodeId(3).Layer(0)] = presentEntry(NewMetric(2, nil, 50000))

	tab1 := newTestTable(self)
	tab1.ApplySync(conn, neighbor, neighborMetric, sync)
	first := tab1.Next(3, nil)

	tab1.ApplySync(conn, neighbor, neighborMetric, sync)
	second := tab1.Next(3, nil)

	if first != second {
		t.Fatalf("applying sync twice changed the result: first=%+v second=%+v", first, second)
	}
}

func TestApplySyncRejectsLoop(t *testing.T) {
	self := identity.NodeId(1)
	tab := newTestTable(self)
	conn := identity.FromOut(0, 1)
	neighbor := identity.NodeId(2)

	var sync RouterSync
	// advertise a path back to self.
	idx := self.Layer(0)
	sync.Layers[0][idx] = presentEntry(NewMetric(1, []identity.NodeId{self}, 100000))
	tab.ApplySync(conn, neighbor, NewMetric(1, nil, 100000), sync)

	if len(tab.layers[0][idx]) != 0 {
		t.Fatalf("slot %d should remain empty, a self-loop must be rejected, got %+v", idx, tab.layers[0][idx])
	}
}

func TestDelDirectClearsPaths(t *testing.T) {
	tab := newTestTable(1)
	conn := identity.FromOut(0, 1)
	tab.SetDirect(conn, 2, NewMetric(1, nil, 100000))

	if dest := tab.Next(2, nil); dest.Action != ActionNext {
		t.Fatalf("expected reachable before DelDirect, got %+v", dest)
	}

	tab.DelDirect(conn)

	if dest := tab.Next(2, nil); dest.Action != ActionReject {
		t.Fatalf("expected unreachable after DelDirect, got %+v", dest)
	}
}

func TestServiceNextLocalWins(t *testing.T) {
	tab := newTestTable(1)
	tab.RegisterService(42)

	dest := tab.ServiceNext(42, nil)
	if dest.Action != ActionLocal {
		t.Fatalf("ServiceNext(local) = %+v, want Local", dest)
	}
}

func TestServiceNextRemote(t *testing.T) {
	tab := newTestTable(1)
	conn := identity.FromOut(0, 1)
	neighbor := identity.NodeId(2)

	var sync RouterSync
	sync.ServiceRegistry[42] = presentEntry(NewMetric(1, nil, 100000))
	tab.ApplySync(conn, neighbor, NewMetric(1, []identity.NodeId{neighbor}, 100000), sync)

	dest := tab.ServiceNext(42, nil)
	if dest.Action != ActionNext || dest.NextHop != neighbor {
		t.Fatalf("ServiceNext(42) = %+v, want Next via %d", dest, neighbor)
	}
}

func TestClosestNodeLocal(t *testing.T) {
	tab := newTestTable(1)
	dest := tab.ClosestNode(1000, nil)
	if dest.Action != ActionLocal {
		t.Fatalf("ClosestNode with no peers = %+v, want Local", dest)
	}
}

func TestClosestNodeRemoteImproves(t *testing.T) {
	self := identity.NodeId(0x000000FF)
	tab := newTestTable(self)
	conn := identity.FromOut(0, 1)
	// neighbor id very close to the key 0x00000000.
	neighbor := identity.NodeId(0x00000001)
	tab.SetDirect(conn, neighbor, NewMetric(1, nil, 100000))

	dest := tab.ClosestNode(0, nil)
	if dest.Action != ActionNext || dest.NextHop != neighbor {
		t.Fatalf("ClosestNode(0) = %+v, want Next via %d", dest, neighbor)
	}
}
