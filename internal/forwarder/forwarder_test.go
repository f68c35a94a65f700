package forwarder

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/router"
	"github.com/8xff/sdn-overlay/internal/wire"
)

func headerWith(rule wire.RouteRule, ttl uint8) wire.Header {
	return wire.Header{TTL: ttl, FeatureID: 1, Rule: rule, StreamID: 1}
}

func TestForwarderDirectIsLocal(t *testing.T) {
	tab := router.NewTable(identity.NodeId(1), zerolog.Nop())
	f := New(identity.NodeId(1), tab, zerolog.Nop())

	d := f.Resolve(headerWith(wire.Direct(), 5), 0)
	if d.Action != ActionLocal {
		t.Fatalf("Action = %d, want ActionLocal", d.Action)
	}
}

func TestForwarderTTLZeroDropped(t *testing.T) {
	tab := router.NewTable(identity.NodeId(1), zerolog.Nop())
	f := New(identity.NodeId(1), tab, zerolog.Nop())

	d := f.Resolve(headerWith(wire.Direct(), 0), 0)
	if d.Action != ActionReject {
		t.Fatalf("Action = %d, want ActionReject for ttl=0", d.Action)
	}
}

func TestForwarderToNodeLocal(t *testing.T) {
	self := identity.NodeId(42)
	tab := router.NewTable(self, zerolog.Nop())
	f := New(self, tab, zerolog.Nop())

	d := f.Resolve(headerWith(wire.ToNode(self), 5), 0)
	if d.Action != ActionLocal {
		t.Fatalf("Action = %d, want ActionLocal", d.Action)
	}
}

func TestForwarderToNodeNext(t *testing.T) {
	self := identity.NodeId(0x00000001)
	tab := router.NewTable(self, zerolog.Nop())
	neighbor := identity.NodeId(0x000000FF)
	conn := identity.FromOut(0, 1)
	tab.SetDirect(conn, neighbor, router.NewMetric(10, nil, 100_000))

	f := New(self, tab, zerolog.Nop())
	d := f.Resolve(headerWith(wire.ToNode(neighbor), 5), 0)
	if d.Action != ActionNext {
		t.Fatalf("Action = %d, want ActionNext", d.Action)
	}
	if len(d.Targets) != 1 || d.Targets[0].Conn != conn {
		t.Fatalf("Targets = %+v, want a single target over %v", d.Targets, conn)
	}
	if d.Header.TTL != 4 {
		t.Fatalf("forwarded TTL = %d, want 4 (decremented)", d.Header.TTL)
	}
}

func TestForwarderToNodeUnreachableRejected(t *testing.T) {
	self := identity.NodeId(1)
	tab := router.NewTable(self, zerolog.Nop())
	f := New(self, tab, zerolog.Nop())

	d := f.Resolve(headerWith(wire.ToNode(identity.NodeId(999)), 5), 0)
	if d.Action != ActionReject {
		t.Fatalf("Action = %d, want ActionReject for unreachable", d.Action)
	}
}

func TestForwarderLoopProtectionDropsSelfOriginated(t *testing.T) {
	self := identity.NodeId(0x00000001)
	tab := router.NewTable(self, zerolog.Nop())
	neighbor := identity.NodeId(0x000000FF)
	conn := identity.FromOut(0, 1)
	tab.SetDirect(conn, neighbor, router.NewMetric(10, nil, 100_000))

	f := New(self, tab, zerolog.Nop())
	h := headerWith(wire.ToNode(neighbor), 5)
	h.HasFrom = true
	h.FromNode = self

	d := f.Resolve(h, 0)
	if d.Action != ActionReject {
		t.Fatalf("Action = %d, want ActionReject (loop protection)", d.Action)
	}
}

func TestForwarderBroadcastMulticastsToDirectNeighborsAndLocal(t *testing.T) {
	self := identity.NodeId(1)
	tab := router.NewTable(self, zerolog.Nop())
	n1, n2 := identity.NodeId(2), identity.NodeId(3)
	c1, c2 := identity.FromOut(0, 1), identity.FromOut(0, 2)
	tab.SetDirect(c1, n1, router.NewMetric(1, nil, 1_000_000))
	tab.SetDirect(c2, n2, router.NewMetric(1, nil, 1_000_000))

	f := New(self, tab, zerolog.Nop())
	h := headerWith(wire.Broadcast(), 5)
	h.HasFrom = true
	h.FromNode = identity.NodeId(9)

	d := f.Resolve(h, 0)
	if d.Action != ActionMulticast || !d.Local {
		t.Fatalf("Action=%d Local=%v, want Multicast+Local", d.Action, d.Local)
	}
	if len(d.Targets) != 2 {
		t.Fatalf("Targets len = %d, want 2", len(d.Targets))
	}
}

func TestForwarderBroadcastDedup(t *testing.T) {
	self := identity.NodeId(1)
	tab := router.NewTable(self, zerolog.Nop())
	f := New(self, tab, zerolog.Nop())

	h := headerWith(wire.Broadcast(), 5)
	h.HasFrom = true
	h.FromNode = identity.NodeId(9)
	h.ServiceID = 3
	h.StreamID = 7

	first := f.Resolve(h, 1_000)
	if first.Action != ActionMulticast {
		t.Fatalf("first broadcast Action = %d, want Multicast", first.Action)
	}
	second := f.Resolve(h, 1_500)
	if second.Action != ActionReject {
		t.Fatalf("duplicate broadcast within TTL window Action = %d, want Reject", second.Action)
	}
	// After the 2s dedup window expires, the same key is accepted again.
	third := f.Resolve(h, 1_000+broadcastDedupTTLMs+1)
	if third.Action != ActionMulticast {
		t.Fatalf("broadcast after dedup TTL expiry Action = %d, want Multicast", third.Action)
	}
}

func TestForwarderToServiceLocal(t *testing.T) {
	self := identity.NodeId(1)
	tab := router.NewTable(self, zerolog.Nop())
	tab.RegisterService(5)
	f := New(self, tab, zerolog.Nop())

	d := f.Resolve(headerWith(wire.ToService(5), 5), 0)
	if d.Action != ActionLocal {
		t.Fatalf("Action = %d, want ActionLocal", d.Action)
	}
}

func TestForwarderToServiceUnreachableRejected(t *testing.T) {
	self := identity.NodeId(1)
	tab := router.NewTable(self, zerolog.Nop())
	f := New(self, tab, zerolog.Nop())

	d := f.Resolve(headerWith(wire.ToService(5), 5), 0)
	if d.Action != ActionReject {
		t.Fatalf("Action = %d, want ActionReject", d.Action)
	}
}

func TestForwarderToKeyLocalWhenClosest(t *testing.T) {
	self := identity.NodeId(0x10)
	tab := router.NewTable(self, zerolog.Nop())
	f := New(self, tab, zerolog.Nop())

	// With no neighbors known, the local node is trivially closest to any
	// key.
	d := f.Resolve(headerWith(wire.ToKey(identity.NodeId(0x11)), 5), 0)
	if d.Action != ActionLocal {
		t.Fatalf("Action = %d, want ActionLocal", d.Action)
	}
}
