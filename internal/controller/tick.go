package controller

import (
	"context"
	"time"

	"github.com/8xff/sdn-overlay/internal/featuremgr"
	"github.com/8xff/sdn-overlay/internal/neighbor"
	"github.com/8xff/sdn-overlay/internal/router"
)

// defaultDirectBandwidthKbps is the bandwidth assumed for a freshly
// connected neighbor link, until something measures it: high enough to
// stay clear of Metric's low-bandwidth score penalty.
const defaultDirectBandwidthKbps = 100_000

// Run drives the controller's single event loop: it alternates between
// draining inbound packets and firing a periodic Tick, the same two
// suspension points a cooperative single-threaded reactor uses. It blocks
// until ctx is cancelled or the transport closes.
func (n *Node) Run(ctx context.Context, tickEvery time.Duration) error {
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-n.tr.Recv():
			if !ok {
				return nil
			}
			n.recvPacket(pkt.From, pkt.Data, uint64(time.Now().UnixMilli()))
		case t := <-ticker.C:
			n.Tick(uint64(t.UnixMilli()))
		}
	}
}

// Tick drives every time-based subsystem once: outstanding neighbor link
// FSMs, router_sync's periodic exchange, every ack-retry cadence
// (dataping, dht_kv, pub/sub, rpc), dht_kv's inactive-subscriber expiry,
// and pub/sub's source-binding poll.
func (n *Node) Tick(nowMs uint64) {
	n.setNowMs(nowMs)

	n.mu.Lock()
	links := make([]*linkState, 0, len(n.byAddr))
	for _, ls := range n.byAddr {
		links = append(links, ls)
	}
	n.mu.Unlock()

	for _, ls := range links {
		ls.link.Tick(nowMs)
		n.drainLinkEvents(ls, nowMs)
	}

	n.rsync.Tick(nowMs)
	n.ping.Tick(nowMs)
	n.dhtClient.Tick(nowMs)
	n.dhtServer.ExpireInactive(nowMs)
	n.relay.Tick(nowMs)
	n.rpcClient.Tick(nowMs)
	n.srcBind.PollEvents()

	n.mgr.Tick(nowMs)
	for n.mgr.PollOutputs() > 0 {
	}
}

// drainLinkEvents non-blockingly pulls every FSM event currently queued on
// ls.link and reacts to it. This is the controller's third suspension
// point collapsed into the tick: rather than a dedicated goroutine per
// link waiting on its Events() channel, each link's queue is drained here
// once per tick.
func (n *Node) drainLinkEvents(ls *linkState, nowMs uint64) {
	for {
		select {
		case ev := <-ls.link.Events():
			n.handleLinkEvent(ls, ev, nowMs)
		default:
			return
		}
	}
}

func (n *Node) handleLinkEvent(ls *linkState, ev neighbor.Event, nowMs uint64) {
	switch ev.Kind {
	case neighbor.EventConnected:
		n.mu.Lock()
		ls.conn = ev.Connected.Conn
		ls.haveConn = true
		ls.remote = ev.Connected.Remote
		ls.enc = ev.Connected.Encryptor
		ls.dec = ev.Connected.Decryptor
		n.byConn[ls.conn] = ls
		n.mu.Unlock()

		n.table.SetDirect(ls.conn, ls.remote, router.NewMetric(0, nil, defaultDirectBandwidthKbps))
		n.rsync.NeighborUp(ls.conn, ls.remote)
		n.mgr.DispatchSharedInput(featuremgr.ConnEvent{Conn: ls.conn, Remote: ls.remote, Connected: true})
		n.emit(Event{Kind: EventNeighborUp, Remote: ls.remote})
		n.log.Info().Uint32("remote", uint32(ls.remote)).Str("conn", ls.conn.String()).Msg("neighbor up")

	case neighbor.EventDisconnected:
		n.mu.Lock()
		remote := ls.remote
		conn := ls.conn
		delete(n.byAddr, ls.addr)
		delete(n.byConn, conn)
		n.mu.Unlock()

		n.table.DelDirect(conn)
		n.rsync.NeighborDown(remote)
		n.relay.NotifyConnClosed(conn, nowMs)
		n.mgr.DispatchSharedInput(featuremgr.ConnEvent{Conn: conn, Remote: remote, Connected: false})
		n.emit(Event{Kind: EventNeighborDown, Remote: remote})
		n.log.Info().Uint32("remote", uint32(remote)).Str("conn", conn.String()).Msg("neighbor down")

	case neighbor.EventOutgoingError, neighbor.EventStats:
		// advisory only; nothing for the controller to react to.
	}
}
