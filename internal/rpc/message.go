// Package rpc implements the request/response feature supplemented in
// SPEC_FULL.md 12.1: a thin correlation layer over the Forwarder's
// ToNode/ToService routing, grounded on the original implementation's
// RpcBox request/answer API (original_source/examples/examples/
// benchmark_rpc.rs, benchmark_rpc_local.rs).
package rpc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// FeatureID is this feature's slot in the fixed feature table: RPC is the
// supplemented feature 6 (spec.md 4.H lists 0..5; see SPEC_FULL.md §12.1).
const FeatureID uint8 = 6

// MsgKind tags the RPC wire message union.
type MsgKind uint8

const (
	MsgRequest MsgKind = iota
	MsgResponse
)

// Message is the single wire type for both an RPC call and its reply.
type Message struct {
	Kind      MsgKind `msgpack:"k"`
	ReqID     uint64  `msgpack:"r"`
	ServiceID uint8   `msgpack:"sid"`
	Method    string  `msgpack:"m,omitempty"`
	Payload   []byte  `msgpack:"p,omitempty"`

	// Response-only.
	Ok    bool   `msgpack:"ok,omitempty"`
	Error string `msgpack:"e,omitempty"`
}

// Encode serializes a Message.
func Encode(m Message) ([]byte, error) {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode message: %w", err)
	}
	return b, nil
}

// Decode parses a Message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("rpc: decode message: %w", err)
	}
	return m, nil
}

// TargetKind selects which Forwarder RouteRule a call resolves through.
type TargetKind uint8

const (
	TargetNode TargetKind = iota
	TargetService
)

// Target names where a Call's request frame should be routed, independent
// of ServiceID (which instead names the handler slot to invoke once the
// frame lands).
type Target struct {
	Kind      TargetKind
	Node      identity.NodeId // valid when Kind == TargetNode
	ServiceID uint8           // valid when Kind == TargetService (routing-level, not handler-level)
}

// Sender delivers an encoded RPC message per a routing Target.
type Sender interface {
	SendToNode(dest identity.NodeId, payload []byte) error
	SendToService(routeServiceID uint8, payload []byte) error
}

func (s Target) send(sender Sender, payload []byte) error {
	switch s.Kind {
	case TargetNode:
		return sender.SendToNode(s.Node, payload)
	case TargetService:
		return sender.SendToService(s.ServiceID, payload)
	default:
		return fmt.Errorf("rpc: unknown target kind %d", s.Kind)
	}
}
