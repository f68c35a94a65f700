package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/8xff/sdn-overlay/pkg/metricsx"
)

// MaxDatagramSize is the largest frame UDPTransport will read or send,
// matching spec.md's MTU-bound wire format.
const MaxDatagramSize = 1500

// ErrClosed is returned by Send once the transport has been closed.
var ErrClosed = errors.New("transport: closed")

// UDPTransport sends and receives raw datagrams over a UDP socket, grounded
// on pkg/nspkt/listener.go's bind/serve/close lifecycle: a mutex-guarded
// socket handle, a background read loop, and atomic/VictoriaMetrics
// counters for observability.
type UDPTransport struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	closing bool
	serve   <-chan struct{}

	recv chan Packet
	log  zerolog.Logger

	rxCount *metrics.Counter
	rxBytes *metrics.Counter
	txCount *metrics.Counter
	txBytes *metrics.Counter
	txErr   *metrics.Counter
}

// ListenUDP binds a UDP socket at addr (SO_REUSEPORT-enabled so multiple
// processes, or graceful restarts, can share the port) and starts its
// background read loop.
func ListenUDP(addr netip.AddrPort) (*UDPTransport, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	laddr := conn.LocalAddr().String()

	t := &UDPTransport{
		conn: conn,
		recv: make(chan Packet, 256),
		log:  log.With().Str("component", "transport.udp").Str("local", laddr).Logger(),

		rxCount: metrics.GetOrCreateCounter(metricsx.Name("sdn_transport_rx_count", "local", laddr)),
		rxBytes: metrics.GetOrCreateCounter(metricsx.Name("sdn_transport_rx_bytes", "local", laddr)),
		txCount: metrics.GetOrCreateCounter(metricsx.Name("sdn_transport_tx_count", "local", laddr)),
		txBytes: metrics.GetOrCreateCounter(metricsx.Name("sdn_transport_tx_bytes", "local", laddr)),
		txErr:   metrics.GetOrCreateCounter(metricsx.Name("sdn_transport_tx_err_count", "local", laddr)),
	}

	serve := make(chan struct{})
	t.serve = serve
	go t.run(serve)
	return t, nil
}

func (t *UDPTransport) run(serve chan struct{}) {
	defer close(serve)
	defer close(t.recv)

	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if !closing {
				t.log.Debug().Err(err).Msg("udp read error, stopping")
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.rxCount.Inc()
		t.rxBytes.Add(n)

		select {
		case t.recv <- Packet{From: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), Data: data}:
		default:
			t.log.Warn().Msg("recv queue full, dropping inbound packet")
		}
	}
}

func (t *UDPTransport) Send(addr netip.AddrPort, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	closing := t.closing
	t.mu.Unlock()

	if conn == nil || closing {
		return ErrClosed
	}
	n, err := conn.WriteToUDPAddrPort(data, addr)
	if err != nil {
		t.txErr.Inc()
		return err
	}
	t.txCount.Inc()
	t.txBytes.Add(n)
	return nil
}

func (t *UDPTransport) Recv() <-chan Packet { return t.recv }

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return netip.AddrPort{}
	}
	a, _ := netip.ParseAddrPort(t.conn.LocalAddr().String())
	return a
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	conn := t.conn
	serve := t.serve
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if serve != nil {
		<-serve
	}
	return err
}
