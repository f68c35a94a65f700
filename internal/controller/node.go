// Package controller ties the wire codec, routing table, forwarder,
// neighbor links, and fixed features (router_sync, data, dht_kv, pubsub,
// rpc) into a single runnable node (spec.md 4.H's Feature & Service
// Manager plus the controller worker of spec.md §5). The generic
// featuremgr.Manager polling contract (internal/featuremgr) is reserved
// for the up-to-256 user-registered services spec.md 4.H also names: the
// fixed features below each already expose their own typed Sender/Event
// API, so the controller wires them directly instead of through that
// opaque contract.
package controller

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/dataping"
	"github.com/8xff/sdn-overlay/internal/dhtkv"
	"github.com/8xff/sdn-overlay/internal/featuremgr"
	"github.com/8xff/sdn-overlay/internal/forwarder"
	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/neighbor"
	"github.com/8xff/sdn-overlay/internal/pubsub"
	"github.com/8xff/sdn-overlay/internal/router"
	"github.com/8xff/sdn-overlay/internal/routersync"
	"github.com/8xff/sdn-overlay/internal/rpc"
	"github.com/8xff/sdn-overlay/internal/security"
	"github.com/8xff/sdn-overlay/internal/transport"
)

// defaultTTL bounds the hop count of an originated frame.
const defaultTTL = 32

// rawServiceFeatureID tags a feature-data frame as carrying a raw,
// application-registered service's payload rather than one of the six
// fixed features: spec.md 4.H's on_input/pop_output services, as opposed
// to the request/response services internal/rpc layers on top of the same
// service registry.
const rawServiceFeatureID uint8 = 0xFF

// Config is the subset of pkg/config.Config a Node needs at construction
// time; kept separate from that package to avoid an import cycle between
// pkg/config (a leaf package) and internal/controller.
type Config struct {
	NodeID       identity.NodeId
	SyncMs       uint64
	SubExpiryMs  uint64
	PresharedKey []byte
}

type linkState struct {
	link     *neighbor.Link
	addr     netip.AddrPort
	conn     identity.ConnId
	haveConn bool
	remote   identity.NodeId
	enc      security.Encryptor
	dec      security.Decryptor
}

// Event is a controller-level notification surfaced to an embedding
// application (distinct from the lower-level per-package event types each
// feature already exposes internally).
type Event struct {
	Kind       EventKind
	Remote     identity.NodeId
	PubSub     PubSubDelivery
	DHTChanged dhtkv.Event
}

// EventKind tags Event's union.
type EventKind int

const (
	EventNeighborUp EventKind = iota
	EventNeighborDown
	EventPubSubData
	EventDHTChanged
)

// PubSubDelivery is one payload delivered to a local pub/sub subscriber.
type PubSubDelivery struct {
	Sub     pubsub.LocalSubId
	Channel pubsub.ChannelIdentify
	Payload []byte
}

// Node is a single overlay participant: it owns a transport, a routing
// table, the neighbor links dialed from or accepted onto it, and every
// fixed feature spec.md 4.H names.
type Node struct {
	mu   sync.Mutex
	self identity.NodeId
	log  zerolog.Logger

	tr           transport.Transport
	auth         security.Authorization
	newHandshake func() security.HandshakeBuilder

	table *router.Table
	fwd   *forwarder.Forwarder

	byAddr map[netip.AddrPort]*linkState
	byConn map[identity.ConnId]*linkState

	rsync     *routersync.Feature
	ping      *dataping.Feature
	dhtServer *dhtkv.Server
	dhtClient *dhtkv.Client
	relay     *pubsub.Relay
	srcBind   *pubsub.SourceBinding
	rpcClient *rpc.Client
	rpcServer *rpc.Server

	mgr *featuremgr.Manager

	fanout *nodeFanout

	events chan Event

	lastNowMs uint64
}

// New constructs a Node bound to tr, listening and dialing over it.
func New(cfg Config, tr transport.Transport, log zerolog.Logger) *Node {
	log = log.With().Uint32("node", uint32(cfg.NodeID)).Logger()
	auth := security.NewHMACAuthorization(cfg.PresharedKey)
	newHandshake := func() security.HandshakeBuilder {
		return security.NewStaticKeyHandshake(cfg.PresharedKey)
	}

	table := router.NewTable(cfg.NodeID, log)
	fwd := forwarder.New(cfg.NodeID, table, log)

	n := &Node{
		self:         cfg.NodeID,
		log:          log,
		tr:           tr,
		auth:         auth,
		newHandshake: newHandshake,
		table:        table,
		fwd:          fwd,
		byAddr:       make(map[netip.AddrPort]*linkState),
		byConn:       make(map[identity.ConnId]*linkState),
		events:       make(chan Event, 256),
	}
	n.fanout = &nodeFanout{n: n}

	syncMs := cfg.SyncMs
	if syncMs == 0 {
		syncMs = 1000
	}
	connSender := &connSender{n: n}
	n.rsync = routersync.New(table, syncMs, connSender, log)
	n.ping = dataping.New(cfg.NodeID, &pingSender{n: n}, log)
	n.dhtServer = dhtkv.NewServer(cfg.NodeID, &dhtkvSender{n: n}, log)
	n.dhtClient = dhtkv.NewClient(cfg.NodeID, &dhtkvSender{n: n}, log)
	n.relay = pubsub.NewRelay(cfg.NodeID, table, connSender, n.fanout, log)
	n.srcBind = pubsub.NewSourceBinding(cfg.NodeID, table, n.dhtClient, log)
	n.rpcClient = rpc.NewClient(&rpcSender{n: n}, log)
	n.rpcServer = rpc.NewServer(&rpcSender{n: n}, log)

	n.mgr = featuremgr.New(&mgrSink{n: n})

	return n
}

// Events returns the channel of controller-level notifications.
func (n *Node) Events() <-chan Event { return n.events }

func (n *Node) emit(e Event) {
	select {
	case n.events <- e:
	default:
		n.log.Warn().Msg("controller event queue full, dropping event")
	}
}

// Dial starts an outbound connection attempt toward remote at addr. The
// connection completes asynchronously; Events() reports EventNeighborUp
// once the handshake finishes.
func (n *Node) Dial(remote identity.NodeId, addr netip.AddrPort, nowMs uint64) error {
	n.mu.Lock()
	if _, exists := n.byAddr[addr]; exists {
		n.mu.Unlock()
		return fmt.Errorf("controller: already have a link to %s", addr)
	}
	ls := &linkState{addr: addr, link: neighbor.NewLink(n.self, addr, n.auth, n.newHandshake, n.tr, n.log)}
	n.byAddr[addr] = ls
	n.mu.Unlock()

	return ls.link.Connect(remote, nowMs)
}

// linkFor returns the link handling addr, creating an inbound one lazily
// if this is the first frame seen from it.
func (n *Node) linkFor(addr netip.AddrPort) *linkState {
	n.mu.Lock()
	defer n.mu.Unlock()
	ls, ok := n.byAddr[addr]
	if ok {
		return ls
	}
	ls = &linkState{addr: addr, link: neighbor.NewLink(n.self, addr, n.auth, n.newHandshake, n.tr, n.log)}
	n.byAddr[addr] = ls
	return ls
}

// RegisterService advertises that this node answers serviceID locally (the
// router's service registry, spec.md 4.D). Pair with rpc.Server.Handle (via
// Node.Handle) for request/response services, or with RegisterRawService
// for a feature-style on_tick/on_input/pop_output service (spec.md 4.H).
func (n *Node) RegisterService(serviceID uint8) {
	n.table.RegisterService(serviceID)
}

// UnregisterService withdraws a local service registration.
func (n *Node) UnregisterService(serviceID uint8) {
	n.table.UnregisterService(serviceID)
}

// RegisterRawService installs svc at serviceID in the Feature & Service
// Manager (spec.md 4.H) and advertises serviceID in the routing table, so
// frames addressed ToService(serviceID) reach svc.OnInput directly instead
// of going through internal/rpc's request/response framing.
func (n *Node) RegisterRawService(serviceID uint8, svc featuremgr.Service) {
	n.table.RegisterService(serviceID)
	n.mgr.RegisterService(serviceID, svc)
}

// UnregisterRawService withdraws a raw service registered with
// RegisterRawService.
func (n *Node) UnregisterRawService(serviceID uint8) {
	n.table.UnregisterService(serviceID)
	n.mgr.UnregisterService(serviceID)
}

// Handle registers an RPC method handler for serviceID (spec.md 4.H's
// supplemented RPC feature, SPEC_FULL.md §12.1).
func (n *Node) Handle(serviceID uint8, method string, fn rpc.HandlerFunc) {
	n.rpcServer.Handle(serviceID, method, fn)
}

// DHTClient exposes the DHT-KV client for Set/Del/Sub/Unsub calls
// (spec.md 4.F).
func (n *Node) DHTClient() *dhtkv.Client { return n.dhtClient }

// SourceBinding exposes the pub/sub source-binding layer (spec.md 4.G's
// publisher-location DHT-KV map).
func (n *Node) SourceBinding() *pubsub.SourceBinding { return n.srcBind }

// Relay exposes the pub/sub subscriber-tree relay (spec.md 4.G).
func (n *Node) Relay() *pubsub.Relay { return n.relay }

// RPC exposes the RPC client for Call (SPEC_FULL.md §12.1).
func (n *Node) RPC() *rpc.Client { return n.rpcClient }

// Ping exposes the data feature's routed ping (spec.md §8 S2).
func (n *Node) Ping() *dataping.Feature { return n.ping }

// Table exposes the routing table for callers that need to inspect
// reachability directly.
func (n *Node) Table() *router.Table { return n.table }

// nowMs reports the timestamp of the most recent Tick or inbound packet:
// a local-loopback send (e.g. pinging or calling oneself) has no packet of
// its own to derive a timestamp from, so it borrows the controller's most
// recently observed time instead.
func (n *Node) nowMs() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastNowMs
}

func (n *Node) setNowMs(nowMs uint64) {
	n.mu.Lock()
	if nowMs > n.lastNowMs {
		n.lastNowMs = nowMs
	}
	n.mu.Unlock()
}
