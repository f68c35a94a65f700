package dhtkv

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// fakeNetwork wires a Client/Server pair's Sender back into each other's
// HandleMessage synchronously, as if delivered over an already-connected
// neighbor link with zero latency.
type fakeNetwork struct {
	mu      sync.Mutex
	deliver func(from identity.NodeId, payload []byte)
}

type boundSender struct {
	self identity.NodeId
	net  *fakeNetwork
}

func (s boundSender) SendToNode(dest identity.NodeId, featureID uint8, streamID uint32, payload []byte) error {
	s.net.mu.Lock()
	deliver := s.net.deliver
	s.net.mu.Unlock()
	deliver(s.self, payload)
	return nil
}

// clock is a shared mutable timestamp the test advances; the fake network
// stamps inbound server messages with it so server-side inactivity timers
// see the same simulated time the test's Tick/ExpireInactive calls use.
type clock struct {
	mu  sync.Mutex
	now uint64
}

func (c *clock) set(now uint64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *clock) get() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newPair(t *testing.T, clientID, serverID identity.NodeId) (*Client, *Server) {
	client, server, _ := newPairWithClock(t, clientID, serverID)
	return client, server
}

func newPairWithClock(t *testing.T, clientID, serverID identity.NodeId) (*Client, *Server, *clock) {
	t.Helper()
	serverNet := &fakeNetwork{}
	clientNet := &fakeNetwork{}
	cl := &clock{}

	server := NewServer(serverID, boundSender{self: serverID, net: clientNet}, zerolog.Nop())
	client := NewClient(clientID, boundSender{self: clientID, net: serverNet}, zerolog.Nop())

	serverNet.deliver = func(from identity.NodeId, payload []byte) {
		m, err := Decode(payload)
		if err != nil {
			t.Fatalf("decode to server: %v", err)
		}
		server.HandleMessage(from, m, cl.get())
	}
	clientNet.deliver = func(from identity.NodeId, payload []byte) {
		m, err := Decode(payload)
		if err != nil {
			t.Fatalf("decode to client: %v", err)
		}
		client.HandleMessage(from, m)
	}
	return client, server, cl
}

func drainEvents(c *Client) []Event {
	var out []Event
	for {
		select {
		case e := <-c.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestClientSetRoundTrip(t *testing.T) {
	client, _ := newPair(t, identity.NodeId(1), identity.NodeId(2))
	reqID := client.Set(identity.NodeId(2), 10, 1, []byte("hello"), 0)

	events := drainEvents(client)
	if len(events) != 1 || events[0].Kind != EventWriteOk || events[0].ReqID != reqID {
		t.Fatalf("events = %+v, want a single EventWriteOk for reqID %d", events, reqID)
	}
}

func TestServerHigherVersionWins(t *testing.T) {
	client, server := newPair(t, identity.NodeId(1), identity.NodeId(2))
	drainEvents(client)

	client.Set(identity.NodeId(2), 10, 1, []byte("v1"), 0)
	drainEvents(client)
	client.Set(identity.NodeId(2), 10, 1, []byte("v2"), 0)
	drainEvents(client)

	ms := server.maps[10]
	e := ms.entries[1]
	if string(e.data) != "v2" || e.version != 2 {
		t.Fatalf("entry = %+v, want version=2 data=v2", e)
	}
}

func TestServerStaleSessionLoses(t *testing.T) {
	server := NewServer(identity.NodeId(2), boundSender{self: identity.NodeId(2), net: &fakeNetwork{deliver: func(identity.NodeId, []byte) {}}}, zerolog.Nop())

	// New session (session=2) writes first at version 1.
	server.HandleMessage(identity.NodeId(1), Message{Kind: MsgSet, Map: 10, SubKey: 1, Version: 1, Session: 2, Data: []byte("new")}, 0)
	// Stale session (session=1) tries to write a higher version number but
	// loses because its session is older: a writer restart always wins over
	// stale state from the previous session.
	server.HandleMessage(identity.NodeId(1), Message{Kind: MsgSet, Map: 10, SubKey: 1, Version: 99, Session: 1, Data: []byte("stale")}, 0)

	e := server.maps[10].entries[1]
	if string(e.data) != "new" || e.session != 2 {
		t.Fatalf("entry = %+v, want the new-session write to have won", e)
	}
}

func TestServerTieDiscards(t *testing.T) {
	server := NewServer(identity.NodeId(2), boundSender{self: identity.NodeId(2), net: &fakeNetwork{deliver: func(identity.NodeId, []byte) {}}}, zerolog.Nop())

	server.HandleMessage(identity.NodeId(1), Message{Kind: MsgSet, Map: 10, SubKey: 1, Version: 5, Session: 1, Data: []byte("first")}, 0)
	server.HandleMessage(identity.NodeId(1), Message{Kind: MsgSet, Map: 10, SubKey: 1, Version: 5, Session: 1, Data: []byte("duplicate")}, 0)

	e := server.maps[10].entries[1]
	if string(e.data) != "first" {
		t.Fatalf("entry.data = %q, want the original write preserved on a version/session tie", e.data)
	}
}

func TestSubscriberReceivesOnSet(t *testing.T) {
	client, server := newPair(t, identity.NodeId(1), identity.NodeId(2))
	client.Sub(identity.NodeId(2), 10, 77, 0)
	events := drainEvents(client)
	if len(events) != 1 || events[0].Kind != EventSubOk {
		t.Fatalf("events = %+v, want a single EventSubOk", events)
	}

	// A write from a third node into the same map should fan out to the
	// subscriber even though it never wrote anything itself.
	server.HandleMessage(identity.NodeId(3), Message{Kind: MsgSet, Map: 10, SubKey: 5, Version: 1, Session: 1, Data: []byte("pushed")}, 0)

	events = drainEvents(client)
	if len(events) != 1 || events[0].Kind != EventChanged || string(events[0].Data) != "pushed" {
		t.Fatalf("events = %+v, want a single EventChanged carrying the pushed value", events)
	}
}

func TestAckRetryThenFailure(t *testing.T) {
	client := NewClient(identity.NodeId(1), boundSender{self: identity.NodeId(1), net: &fakeNetwork{deliver: func(identity.NodeId, []byte) {}}}, zerolog.Nop())

	reqID := client.Set(identity.NodeId(2), 10, 1, []byte("x"), 0)
	_ = reqID

	now := uint64(0)
	for i := 0; i < ackRetries; i++ {
		now += ackRetryMs
		client.Tick(now)
	}
	events := drainEvents(client)
	for _, e := range events {
		if e.Kind == EventWriteFailed {
			return
		}
	}
	// One more tick past the retry budget must surface the failure.
	now += ackRetryMs
	client.Tick(now)
	events = drainEvents(client)
	found := false
	for _, e := range events {
		if e.Kind == EventWriteFailed {
			found = true
		}
	}
	if !found {
		t.Fatalf("events = %+v, want an EventWriteFailed after %d unacked retries", events, ackRetries)
	}
}

func TestSubPingKeepsSubscriptionAlive(t *testing.T) {
	client, server, cl := newPairWithClock(t, identity.NodeId(1), identity.NodeId(2))
	client.Sub(identity.NodeId(2), 10, 1, 0)
	drainEvents(client)

	for now := uint64(0); now <= subExpiryMs+subPingMs; now += subPingMs {
		cl.set(now)
		client.Tick(now)
		server.ExpireInactive(now)
	}

	if _, ok := server.maps[10].subs[subscriberKey{requester: identity.NodeId(1), handle: 1}]; !ok {
		t.Fatalf("subscriber was expired despite regular SubPing refresh")
	}
}

func TestServerExpiresInactiveSubscriber(t *testing.T) {
	client, server := newPair(t, identity.NodeId(1), identity.NodeId(2))
	client.Sub(identity.NodeId(2), 10, 1, 0)
	drainEvents(client)

	server.ExpireInactive(subExpiryMs + 1)

	// A map state left with no subscribers and no entries is pruned as well.
	if ms := server.maps[10]; ms != nil {
		if _, ok := ms.subs[subscriberKey{requester: identity.NodeId(1), handle: 1}]; ok {
			t.Fatalf("subscriber should have been expired after %dms of inactivity", subExpiryMs+1)
		}
	}
}

func TestDelTombstonesEntry(t *testing.T) {
	client, server := newPair(t, identity.NodeId(1), identity.NodeId(2))
	client.Set(identity.NodeId(2), 10, 1, []byte("v"), 0)
	drainEvents(client)
	client.Del(identity.NodeId(2), 10, 1, 0)
	drainEvents(client)

	e := server.maps[10].entries[1]
	if e.present {
		t.Fatalf("entry.present = true, want false after Del")
	}
}
