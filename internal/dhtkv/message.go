// Package dhtkv implements the DHT-KV feature contract of spec.md 4.F: a
// client/server protocol where each Map is owned by exactly one responsible
// node (whichever node a ToKey(Map) route resolves to), with
// version/session-guarded writes and a subscriber fan-out for change
// events.
package dhtkv

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// FeatureID is this feature's slot in the fixed feature table: dht_kv is
// feature 4.
const FeatureID uint8 = 4

// MapID names a DHT-KV map; it is routed exactly like a NodeId via ToKey,
// so a Map's responsible node is whichever node is closest to it by XOR
// distance.
type MapID = identity.NodeId

// MsgKind tags the DHT-KV wire message union.
type MsgKind uint8

const (
	MsgSet MsgKind = iota
	MsgDel
	MsgSub
	MsgUnsub
	MsgSubPing
	MsgSetOk
	MsgDelOk
	MsgSubOk
	MsgUnsubOk
	MsgOnSet
	MsgOnDel
)

// Message is the single wire type covering every DHT-KV request, ack, and
// event. Exactly the fields relevant to Kind are meaningful.
type Message struct {
	Kind MsgKind `msgpack:"k"`

	Map    uint32 `msgpack:"m"`
	SubKey uint32 `msgpack:"sk,omitempty"`
	ReqID  uint64 `msgpack:"r,omitempty"`

	// Set / OnSet
	Version uint64 `msgpack:"v,omitempty"`
	Session uint64 `msgpack:"ss,omitempty"`
	Data    []byte `msgpack:"d,omitempty"`
	Source  uint32 `msgpack:"src,omitempty"`

	// Sub
	Handle    uint64 `msgpack:"h,omitempty"`
	LastRelay uint64 `msgpack:"lr,omitempty"`
}

// Encode serializes a Message for transport over an established,
// already-encrypted feature-data frame.
func Encode(m Message) ([]byte, error) {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("dhtkv: encode message: %w", err)
	}
	return b, nil
}

// Decode parses a Message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("dhtkv: decode message: %w", err)
	}
	return m, nil
}

// Sender delivers an encoded DHT-KV message to dest. Controllers wire this
// to the forwarder's ToNode resolution over a connected neighbor link.
type Sender interface {
	SendToNode(dest identity.NodeId, featureID uint8, streamID uint32, payload []byte) error
}
