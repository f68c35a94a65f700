package routersync

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/router"
)

type captureSender struct {
	sent map[identity.ConnId][]byte
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(map[identity.ConnId][]byte)}
}

func (s *captureSender) SendToConn(conn identity.ConnId, featureID uint8, payload []byte) error {
	s.sent[conn] = payload
	return nil
}

func TestTickSendsSyncAtInterval(t *testing.T) {
	table := router.NewTable(identity.NodeId(1), zerolog.Nop())
	conn := identity.FromOut(0, 1)
	table.SetDirect(conn, identity.NodeId(2), router.NewMetric(10, nil, 1000))

	sender := newCaptureSender()
	f := New(table, 1000, sender, zerolog.Nop())
	f.NeighborUp(conn, identity.NodeId(2))

	f.Tick(0)
	if _, ok := sender.sent[conn]; !ok {
		t.Fatal("expected a sync frame to be sent at t=0")
	}
	delete(sender.sent, conn)

	f.Tick(500)
	if _, ok := sender.sent[conn]; ok {
		t.Fatal("did not expect a second sync frame before the interval elapses")
	}

	f.Tick(1000)
	if _, ok := sender.sent[conn]; !ok {
		t.Fatal("expected a sync frame to be sent once the interval elapses")
	}
}

func TestHandleFrameAppliesSyncToTable(t *testing.T) {
	table1 := router.NewTable(identity.NodeId(1), zerolog.Nop())
	conn12 := identity.FromOut(0, 1)
	table1.SetDirect(conn12, identity.NodeId(2), router.NewMetric(10, nil, 1000))

	table2 := router.NewTable(identity.NodeId(2), zerolog.Nop())
	conn21 := identity.FromIn(0, 1)
	table2.SetDirect(conn21, identity.NodeId(1), router.NewMetric(10, nil, 1000))
	conn23 := identity.FromOut(0, 2)
	table2.SetDirect(conn23, identity.NodeId(3), router.NewMetric(10, nil, 1000))

	sender2 := newCaptureSender()
	f2 := New(table2, 1000, sender2, zerolog.Nop())
	f2.NeighborUp(conn21, identity.NodeId(1))
	f2.Tick(0)

	sync2 := table2.CreateSync(identity.NodeId(1))
	payload, err := Encode(sync2)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	f1 := New(table1, 1000, newCaptureSender(), zerolog.Nop())
	f1.NeighborUp(conn12, identity.NodeId(2))
	if err := f1.HandleFrame(conn12, identity.NodeId(2), payload); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	dest := table1.Next(identity.NodeId(3), nil)
	if dest.Action != router.ActionNext {
		t.Fatalf("Next(3) action = %v, want ActionNext", dest.Action)
	}
	if dest.Conn != conn12 {
		t.Fatalf("Next(3) conn = %v, want %v", dest.Conn, conn12)
	}
}
