package transport

import (
	"errors"
	"net/netip"
	"sync"
)

// loopbackRegistry lets LoopbackTransport instances address each other by
// netip.AddrPort within a single process, the way controller tests wire up
// a whole mesh without touching a real socket.
var loopbackRegistry = struct {
	mu   sync.Mutex
	byIP map[netip.AddrPort]*LoopbackTransport
}{byIP: make(map[netip.AddrPort]*LoopbackTransport)}

// LoopbackTransport is an in-process Transport implementation used to drive
// deterministic controller integration tests (spec.md 8, scenarios S1-S6)
// without binding real sockets.
type LoopbackTransport struct {
	addr netip.AddrPort
	recv chan Packet

	mu     sync.Mutex
	closed bool
}

// NewLoopbackTransport registers a new endpoint at addr. addr need not be
// routable; it only serves as this transport's registry key.
func NewLoopbackTransport(addr netip.AddrPort) (*LoopbackTransport, error) {
	loopbackRegistry.mu.Lock()
	defer loopbackRegistry.mu.Unlock()

	if _, exists := loopbackRegistry.byIP[addr]; exists {
		return nil, errors.New("transport: loopback address already in use: " + addr.String())
	}
	t := &LoopbackTransport{addr: addr, recv: make(chan Packet, 256)}
	loopbackRegistry.byIP[addr] = t
	return t, nil
}

func (t *LoopbackTransport) Send(addr netip.AddrPort, data []byte) error {
	loopbackRegistry.mu.Lock()
	dst, ok := loopbackRegistry.byIP[addr]
	loopbackRegistry.mu.Unlock()
	if !ok {
		return errors.New("transport: no loopback endpoint at " + addr.String())
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	dst.mu.Lock()
	closed := dst.closed
	dst.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case dst.recv <- Packet{From: t.addr, Data: cp}:
	default:
		// Mirrors UDPTransport's drop-on-full-queue behavior rather than
		// blocking the sender.
	}
	return nil
}

func (t *LoopbackTransport) Recv() <-chan Packet { return t.recv }

func (t *LoopbackTransport) LocalAddr() netip.AddrPort { return t.addr }

func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	loopbackRegistry.mu.Lock()
	delete(loopbackRegistry.byIP, t.addr)
	loopbackRegistry.mu.Unlock()

	close(t.recv)
	return nil
}
