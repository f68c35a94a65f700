package controller

import (
	"crypto/rand"
	"fmt"
	"net/netip"

	"github.com/8xff/sdn-overlay/internal/dataping"
	"github.com/8xff/sdn-overlay/internal/dhtkv"
	"github.com/8xff/sdn-overlay/internal/featuremgr"
	"github.com/8xff/sdn-overlay/internal/forwarder"
	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/pubsub"
	"github.com/8xff/sdn-overlay/internal/router"
	"github.com/8xff/sdn-overlay/internal/routersync"
	"github.com/8xff/sdn-overlay/internal/rpc"
	"github.com/8xff/sdn-overlay/internal/security"
	"github.com/8xff/sdn-overlay/internal/wire"
)

// Each fixed feature's Sender/ConnSender interface has its own argument
// shape (see internal/dhtkv, internal/rpc, internal/pubsub,
// internal/routersync, internal/dataping); a single Node method can't
// satisfy all of them at once, so these thin per-feature adapters each
// delegate to Node's actual send primitives below.

type dhtkvSender struct{ n *Node }

func (s *dhtkvSender) SendToNode(dest identity.NodeId, featureID uint8, streamID uint32, payload []byte) error {
	return s.n.sendRouted(dest, featureID, streamID, payload)
}

type pingSender struct{ n *Node }

func (s *pingSender) SendToNode(dest identity.NodeId, featureID uint8, payload []byte) error {
	return s.n.sendRouted(dest, featureID, 0, payload)
}

type rpcSender struct{ n *Node }

func (s *rpcSender) SendToNode(dest identity.NodeId, payload []byte) error {
	return s.n.sendRouted(dest, rpc.FeatureID, 0, payload)
}

func (s *rpcSender) SendToService(routeServiceID uint8, payload []byte) error {
	return s.n.sendToService(routeServiceID, rpc.FeatureID, payload)
}

// connSender implements both internal/pubsub.ConnSender (SendConn) and
// internal/routersync.Sender (SendToConn): the two share an identical
// one-hop send shape, just under different method names.
type connSender struct{ n *Node }

func (s *connSender) SendConn(conn identity.ConnId, featureID uint8, payload []byte) error {
	return s.n.sendDirect(conn, featureID, payload)
}

func (s *connSender) SendToConn(conn identity.ConnId, featureID uint8, payload []byte) error {
	return s.n.sendDirect(conn, featureID, payload)
}

// mgrSink implements featuremgr.OutputSink, handing a raw service's polled
// output frame to the ordinary routed-send path. Only SendServiceOutput is
// ever exercised: the Manager's fixed-feature slots are left empty since
// Node dispatches those directly (see the package doc comment).
type mgrSink struct{ n *Node }

func (s *mgrSink) SendFeatureOutput(featureID uint8, out featuremgr.Inbound) {
	s.n.log.Warn().Uint8("feature", featureID).Msg("featuremgr: unexpected fixed-feature output")
}

func (s *mgrSink) SendServiceOutput(serviceID uint8, out featuremgr.Inbound) {
	if err := s.n.sendToService(serviceID, rawServiceFeatureID, out.Payload); err != nil {
		s.n.log.Debug().Err(err).Uint8("service", serviceID).Msg("send raw service output")
	}
}

// sendRouted originates a feature-data frame addressed ToNode(dest),
// resolved through the routing table exactly as an inbound frame would be
// (spec.md 4.E): delivered locally if dest is self, sent over the next hop
// otherwise.
func (n *Node) sendRouted(dest identity.NodeId, featureID uint8, streamID uint32, payload []byte) error {
	if dest == n.self {
		return n.dispatchLocal(n.self, 0, featureID, payload)
	}
	d := n.table.Next(dest, nil)
	switch d.Action {
	case router.ActionLocal:
		return n.dispatchLocal(n.self, 0, featureID, payload)
	case router.ActionNext:
		h := wire.Header{
			Secure:    true,
			HasFrom:   true,
			FromNode:  n.self,
			TTL:       defaultTTL,
			FeatureID: featureID,
			Rule:      wire.ToNode(dest),
			StreamID:  streamID,
		}
		return n.sendFrame(d.Conn, h, payload)
	default:
		return router.ErrUnreachable
	}
}

// sendToService originates a frame addressed ToService(serviceID).
func (n *Node) sendToService(serviceID uint8, featureID uint8, payload []byte) error {
	d := n.table.ServiceNext(serviceID, nil)
	switch d.Action {
	case router.ActionLocal:
		return n.dispatchLocal(n.self, 0, featureID, payload)
	case router.ActionNext:
		h := wire.Header{
			Secure:    true,
			HasFrom:   true,
			FromNode:  n.self,
			TTL:       defaultTTL,
			FeatureID: featureID,
			ServiceID: serviceID,
			Rule:      wire.ToService(serviceID),
		}
		return n.sendFrame(d.Conn, h, payload)
	default:
		return router.ErrUnreachable
	}
}

// sendDirect originates a frame addressed Direct(): delivered to exactly
// the neighbor on the far end of conn, never forwarded further (used by
// pub/sub and router_sync, which resolve their own one-hop upstream).
func (n *Node) sendDirect(conn identity.ConnId, featureID uint8, payload []byte) error {
	h := wire.Header{
		Secure:    true,
		HasFrom:   true,
		FromNode:  n.self,
		TTL:       1,
		FeatureID: featureID,
		Rule:      wire.Direct(),
	}
	return n.sendFrame(conn, h, payload)
}

// sendFrame seals header||payload with conn's Encryptor and writes the
// resulting SecureEnvelope to conn's remote address.
func (n *Node) sendFrame(conn identity.ConnId, h wire.Header, payload []byte) error {
	n.mu.Lock()
	ls, ok := n.byConn[conn]
	n.mu.Unlock()
	if !ok || ls.enc == nil {
		return fmt.Errorf("controller: no connected link for conn %s", conn)
	}
	return n.sealAndSend(ls, h, payload)
}

// sealAndSend encrypts header||payload with ls's Encryptor into a
// wire.SecureEnvelope and writes it to ls's remote address. Each link's
// Encryptor only ever protects that one hop: a forwarded frame is
// re-sealed here with the outbound link's own key, never the inbound
// link's.
func (n *Node) sealAndSend(ls *linkState, h wire.Header, payload []byte) error {
	plaintext := append(h.Marshal(), payload...)

	env := wire.NewSecureEnvelope(len(plaintext))
	env[0] = wire.KindFeatureData
	nonce := env.Nonce()
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("controller: read nonce: %w", err)
	}

	sealed := ls.enc.Seal(env[:1+len(nonce)], nonce, plaintext, security.LinkAAD)
	return n.tr.Send(ls.addr, sealed)
}

// dispatchLocal hands a decrypted feature payload addressed to this node to
// the owning fixed feature. conn is the inbound link the frame arrived on;
// it is only meaningful (non-zero) for features resolved over Direct(),
// i.e. pub/sub and router_sync.
func (n *Node) dispatchLocal(from identity.NodeId, conn identity.ConnId, featureID uint8, payload []byte) error {
	nowMs := n.nowMs()
	switch featureID {
	case routersync.FeatureID:
		return n.rsync.HandleFrame(conn, from, payload)
	case dataping.FeatureID:
		return n.ping.HandleFrame(from, payload, nowMs)
	case dhtkv.FeatureID:
		return n.dispatchDHTKV(from, payload, nowMs)
	case pubsub.FeatureID:
		return n.dispatchPubSub(conn, payload, nowMs)
	case rpc.FeatureID:
		return n.dispatchRPC(from, payload)
	default:
		return fmt.Errorf("controller: no local handler for feature %d", featureID)
	}
}

func (n *Node) dispatchDHTKV(from identity.NodeId, payload []byte, nowMs uint64) error {
	m, err := dhtkv.Decode(payload)
	if err != nil {
		return err
	}
	switch m.Kind {
	case dhtkv.MsgSet, dhtkv.MsgDel, dhtkv.MsgSub, dhtkv.MsgUnsub, dhtkv.MsgSubPing:
		n.dhtServer.HandleMessage(from, m, nowMs)
	default:
		n.dhtClient.HandleMessage(from, m)
	}
	return nil
}

func (n *Node) dispatchPubSub(conn identity.ConnId, payload []byte, nowMs uint64) error {
	m, err := pubsub.Decode(payload)
	if err != nil {
		return err
	}
	n.relay.HandleMessage(conn, m, nowMs)
	return nil
}

func (n *Node) dispatchRPC(from identity.NodeId, payload []byte) error {
	m, err := rpc.Decode(payload)
	if err != nil {
		return err
	}
	rpc.HandleMessage(n.rpcClient, n.rpcServer, from, m)
	return nil
}

// recvPacket dispatches one inbound raw datagram. Control frames (neighbor
// handshake/keepalive) are routed to the owning link's FSM; feature-data
// frames are opened with the inbound link's Decryptor, resolved through the
// forwarder, and delivered locally and/or re-sealed onto each outbound
// link the decision names.
func (n *Node) recvPacket(fromAddr netip.AddrPort, data []byte, nowMs uint64) {
	if len(data) == 0 {
		return
	}
	n.setNowMs(nowMs)
	switch data[0] {
	case wire.KindControl:
		n.recvControl(fromAddr, data, nowMs)
	case wire.KindFeatureData:
		n.recvFeatureData(fromAddr, data, nowMs)
	default:
		n.log.Debug().Uint8("kind", data[0]).Msg("unknown frame discriminator")
	}
}

func (n *Node) recvControl(fromAddr netip.AddrPort, data []byte, nowMs uint64) {
	ls := n.linkFor(fromAddr)
	validate := func(payload, sig []byte) bool {
		return n.auth.Validate(identity.NodeId(0), payload, sig)
	}
	cmd, tsMs, ok, err := wire.DecodeSignedControl(data[1:], validate)
	if err != nil {
		n.log.Debug().Err(err).Msg("decode control frame")
		return
	}
	if !ok {
		n.log.Debug().Msg("control frame failed signature validation")
		return
	}
	ls.link.HandleControl(cmd, tsMs, nowMs)
}

func (n *Node) recvFeatureData(fromAddr netip.AddrPort, data []byte, nowMs uint64) {
	n.mu.Lock()
	ls, ok := n.byAddr[fromAddr]
	n.mu.Unlock()
	if !ok || ls.dec == nil {
		n.log.Debug().Str("from", fromAddr.String()).Msg("feature data from unconnected link")
		return
	}

	env := wire.SecureEnvelope(data)
	if len(data) < 1+12+16 {
		n.log.Debug().Msg("malformed secure envelope")
		return
	}
	nonce := env.Nonce()
	ciphertext := data[13:]
	plaintext, err := ls.dec.Open(nil, nonce, ciphertext, security.LinkAAD)
	if err != nil {
		n.log.Debug().Err(err).Msg("decrypt feature data")
		return
	}

	h, consumed, err := wire.UnmarshalHeader(plaintext)
	if err != nil {
		n.log.Debug().Err(err).Msg("decode forwarding header")
		return
	}
	payload := plaintext[consumed:]

	decision := n.fwd.Resolve(h, nowMs)
	switch decision.Action {
	case forwarder.ActionLocal:
		n.dispatchLocalFrame(h, ls.conn, payload)
	case forwarder.ActionNext:
		n.forward(decision.Targets, decision.Header, payload)
	case forwarder.ActionMulticast:
		if decision.Local {
			n.dispatchLocalFrame(h, ls.conn, payload)
		}
		n.forward(decision.Targets, decision.Header, payload)
	}
}

// dispatchLocalFrame routes one locally-resolved frame: a rawServiceFeatureID
// frame addressed ToService goes straight to the Feature & Service Manager's
// raw service hooks (spec.md 4.H), bypassing the fixed-feature switch in
// dispatchLocal entirely.
func (n *Node) dispatchLocalFrame(h wire.Header, conn identity.ConnId, payload []byte) {
	if h.FeatureID == rawServiceFeatureID && h.Rule.Kind == wire.RuleToService {
		n.mgr.DispatchServiceInput(h.Rule.ToService, featuremgr.Inbound{From: h.FromNode, Payload: payload})
		return
	}
	if err := n.dispatchLocal(h.FromNode, conn, h.FeatureID, payload); err != nil {
		n.log.Debug().Err(err).Uint8("feature", h.FeatureID).Msg("dispatch local frame")
	}
}

// forward re-seals a forwarded frame's header onto each target link and
// sends it, used for ActionNext and ActionMulticast decisions.
func (n *Node) forward(targets []forwarder.Target, h wire.Header, payload []byte) {
	for _, t := range targets {
		n.mu.Lock()
		ls, ok := n.byConn[t.Conn]
		n.mu.Unlock()
		if !ok || ls.enc == nil {
			continue
		}
		if err := n.sealAndSend(ls, h, payload); err != nil {
			n.log.Debug().Err(err).Str("conn", t.Conn.String()).Msg("forward frame")
		}
	}
}
