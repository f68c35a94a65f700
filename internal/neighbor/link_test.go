package neighbor

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/security"
	"github.com/8xff/sdn-overlay/internal/transport"
	"github.com/8xff/sdn-overlay/internal/wire"
)

func testAuth() security.Authorization {
	return security.NewHMACAuthorization([]byte("test-preshared-key"))
}

func testHandshake() func() security.HandshakeBuilder {
	return func() security.HandshakeBuilder {
		return security.NewStaticKeyHandshake([]byte("test-link-key"))
	}
}

// drainOnce decodes and dispatches every control frame currently queued on
// tr into link, simulating the controller's receive loop for a single pass.
func drainOnce(t *testing.T, tr transport.Transport, link *Link, nowMs uint64) int {
	t.Helper()
	n := 0
	for {
		select {
		case pkt := <-tr.Recv():
			if len(pkt.Data) == 0 || pkt.Data[0] != wire.KindControl {
				t.Fatalf("unexpected non-control datagram from %v", pkt.From)
			}
			auth := testAuth()
			validate := func(payload, sig []byte) bool { return auth.Validate(identity.NodeId(0), payload, sig) }
			cmd, tsMs, ok, err := wire.DecodeSignedControl(pkt.Data[1:], validate)
			if err != nil {
				t.Fatalf("DecodeSignedControl: %v", err)
			}
			if !ok {
				t.Fatal("control frame failed signature validation")
			}
			link.HandleControl(cmd, tsMs, nowMs)
			n++
		case <-time.After(20 * time.Millisecond):
			return n
		}
	}
}

func TestLinkHandshakeAndPingPong(t *testing.T) {
	addrA := netip.MustParseAddrPort("127.0.0.1:21001")
	addrB := netip.MustParseAddrPort("127.0.0.1:21002")

	trA, err := transport.NewLoopbackTransport(addrA)
	if err != nil {
		t.Fatalf("NewLoopbackTransport a: %v", err)
	}
	defer trA.Close()
	trB, err := transport.NewLoopbackTransport(addrB)
	if err != nil {
		t.Fatalf("NewLoopbackTransport b: %v", err)
	}
	defer trB.Close()

	selfA := identity.NodeId(100)
	selfB := identity.NodeId(200)

	linkA := NewLink(selfA, addrB, testAuth(), testHandshake(), trA, zerolog.Nop())
	linkB := NewLink(selfB, addrA, testAuth(), testHandshake(), trB, zerolog.Nop())

	now := uint64(1_000_000)
	if err := linkA.Connect(selfB, now); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if linkA.State() != StateConnecting {
		t.Fatalf("linkA.State() = %s, want connecting", linkA.State())
	}

	// A's ConnectRequest reaches B; B replies ConnectResponse.
	drainOnce(t, trB, linkB, now)
	if linkB.State() != StateConnected {
		t.Fatalf("linkB.State() = %s, want connected", linkB.State())
	}
	drainOnce(t, trA, linkA, now)
	if linkA.State() != StateConnected {
		t.Fatalf("linkA.State() = %s, want connected", linkA.State())
	}

	var gotConnected bool
	select {
	case ev := <-linkA.Events():
		if ev.Kind != EventConnected {
			t.Fatalf("linkA event kind = %d, want EventConnected", ev.Kind)
		}
		if ev.Connected.Remote != selfB {
			t.Fatalf("linkA connected remote = %d, want %d", ev.Connected.Remote, selfB)
		}
		gotConnected = true
	default:
	}
	if !gotConnected {
		t.Fatal("linkA should have emitted EventConnected")
	}

	remoteB, ok := linkA.RemoteID()
	if !ok || remoteB != selfB {
		t.Fatalf("linkA.RemoteID() = (%d, %v), want (%d, true)", remoteB, ok, selfB)
	}
	remoteA, ok := linkB.RemoteID()
	if !ok || remoteA != selfA {
		t.Fatalf("linkB.RemoteID() = (%d, %v), want (%d, true)", remoteA, ok, selfA)
	}

	// Drive a ping/pong round trip.
	now += pingIntervalMs
	linkA.Tick(now)
	drainOnce(t, trB, linkB, now)
	drainOnce(t, trA, linkA, now)

	var gotStats bool
	for {
		select {
		case ev := <-linkA.Events():
			if ev.Kind == EventStats {
				gotStats = true
			}
			continue
		default:
		}
		break
	}
	if !gotStats {
		t.Fatal("linkA should have emitted EventStats after a ping/pong round trip")
	}
}

func TestLinkConnectTimeout(t *testing.T) {
	addrA := netip.MustParseAddrPort("127.0.0.1:21003")
	addrB := netip.MustParseAddrPort("127.0.0.1:21004")
	trA, err := transport.NewLoopbackTransport(addrA)
	if err != nil {
		t.Fatalf("NewLoopbackTransport: %v", err)
	}
	defer trA.Close()

	linkA := NewLink(identity.NodeId(1), addrB, testAuth(), testHandshake(), trA, zerolog.Nop())
	now := uint64(0)
	if err := linkA.Connect(identity.NodeId(2), now); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	linkA.Tick(now + connectTimeoutMs - 1)
	if linkA.State() != StateConnecting {
		t.Fatalf("State() = %s before deadline, want connecting", linkA.State())
	}

	linkA.Tick(now + connectTimeoutMs)
	if linkA.State() != StateClosed {
		t.Fatalf("State() = %s after deadline, want closed", linkA.State())
	}

	select {
	case ev := <-linkA.Events():
		if ev.Kind != EventOutgoingError || ev.Reject != wire.RejectTimeout {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected an OutgoingError event")
	}
}

func TestLinkGracefulDisconnect(t *testing.T) {
	addrA := netip.MustParseAddrPort("127.0.0.1:21005")
	addrB := netip.MustParseAddrPort("127.0.0.1:21006")
	trA, err := transport.NewLoopbackTransport(addrA)
	if err != nil {
		t.Fatalf("NewLoopbackTransport a: %v", err)
	}
	defer trA.Close()
	trB, err := transport.NewLoopbackTransport(addrB)
	if err != nil {
		t.Fatalf("NewLoopbackTransport b: %v", err)
	}
	defer trB.Close()

	selfA, selfB := identity.NodeId(1), identity.NodeId(2)
	linkA := NewLink(selfA, addrB, testAuth(), testHandshake(), trA, zerolog.Nop())
	linkB := NewLink(selfB, addrA, testAuth(), testHandshake(), trB, zerolog.Nop())

	now := uint64(0)
	linkA.Connect(selfB, now)
	drainOnce(t, trB, linkB, now)
	drainOnce(t, trA, linkA, now)
	if linkA.State() != StateConnected || linkB.State() != StateConnected {
		t.Fatalf("both links should be connected: a=%s b=%s", linkA.State(), linkB.State())
	}

	linkA.Close(now)
	if linkA.State() != StateDisconnecting {
		t.Fatalf("linkA.State() = %s, want disconnecting", linkA.State())
	}

	drainOnce(t, trB, linkB, now)
	if linkB.State() != StateClosed {
		t.Fatalf("linkB.State() = %s, want closed", linkB.State())
	}
	drainOnce(t, trA, linkA, now)
	if linkA.State() != StateClosed {
		t.Fatalf("linkA.State() = %s, want closed", linkA.State())
	}

	var sawDisconnect int
	for _, l := range []*Link{linkA, linkB} {
		for {
			select {
			case ev := <-l.Events():
				if ev.Kind == EventDisconnected {
					sawDisconnect++
				}
				continue
			default:
			}
			break
		}
	}
	if sawDisconnect != 2 {
		t.Fatalf("sawDisconnect = %d, want 2 (one per link)", sawDisconnect)
	}
}

func TestLinkRejectsCollisionFromHigherID(t *testing.T) {
	addrA := netip.MustParseAddrPort("127.0.0.1:21007")
	addrB := netip.MustParseAddrPort("127.0.0.1:21008")
	trA, err := transport.NewLoopbackTransport(addrA)
	if err != nil {
		t.Fatalf("NewLoopbackTransport a: %v", err)
	}
	defer trA.Close()
	trB, err := transport.NewLoopbackTransport(addrB)
	if err != nil {
		t.Fatalf("NewLoopbackTransport b: %v", err)
	}
	defer trB.Close()

	// B has the higher id: when it already has a connected session with A
	// and receives a second ConnectRequest from A, it should reject the
	// duplicate with AlreadyConnected rather than tearing down.
	lowID, highID := identity.NodeId(1), identity.NodeId(2)
	linkLow := NewLink(lowID, addrB, testAuth(), testHandshake(), trA, zerolog.Nop())
	linkHigh := NewLink(highID, addrA, testAuth(), testHandshake(), trB, zerolog.Nop())

	now := uint64(0)
	linkLow.Connect(highID, now)
	drainOnce(t, trB, linkHigh, now)
	drainOnce(t, trA, linkLow, now)
	if linkHigh.State() != StateConnected {
		t.Fatalf("linkHigh.State() = %s, want connected", linkHigh.State())
	}

	// Drain the Connected event so it doesn't confuse the next check.
	<-linkHigh.Events()

	// Simulate a duplicate ConnectRequest (e.g. A retried before seeing the
	// response) arriving at the already-connected higher-id side.
	cmd := wire.NeighboursControl{Kind: wire.CtrlConnectRequest, From: uint32(lowID), To: uint32(highID), Session: 0xDEAD, Handshake: []byte("x")}
	linkHigh.HandleControl(cmd, now, now)
	if linkHigh.State() != StateConnected {
		t.Fatalf("linkHigh.State() = %s after duplicate request, want still connected", linkHigh.State())
	}
}
