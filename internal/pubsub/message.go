// Package pubsub implements the two-layer pub/sub relay of spec.md 4.G: a
// subscriber tree built hop-by-hop toward each channel's source, with
// control acks for Sub/Unsub and a feedback path (passthrough and windowed
// numeric aggregation) running the opposite direction.
package pubsub

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// FeatureID is this feature's slot in the fixed feature table: pubsub is
// feature 5.
const FeatureID uint8 = 5

// ChannelId names a pub/sub stream.
type ChannelId uint64

// LocalSubId is a nonce a local consumer assigns itself when subscribing.
type LocalSubId uint64

// ChannelIdentify pins a channel to a specific source, the unit a relay
// entry is keyed on.
type ChannelIdentify struct {
	Channel ChannelId
	Source  identity.NodeId
}

func (ci ChannelIdentify) String() string {
	return fmt.Sprintf("%d@%d", ci.Channel, ci.Source)
}

// MsgKind tags the pub/sub control/data/feedback wire union.
type MsgKind uint8

const (
	MsgSub MsgKind = iota
	MsgUnsub
	MsgSubOk
	MsgUnsubOk
	MsgData
	MsgFeedbackPassthrough
	MsgFeedbackNumber
)

// NumberInfo is the aggregated numeric feedback shape from spec.md 4.G:
// "summed count & sum, max of max, min of min."
type NumberInfo struct {
	Count uint64 `msgpack:"c"`
	Sum   int64  `msgpack:"s"`
	Max   int64  `msgpack:"x"`
	Min   int64  `msgpack:"n"`
}

// Combine merges other into info per the spec's aggregation rule.
func (info NumberInfo) Combine(other NumberInfo) NumberInfo {
	if info.Count == 0 {
		return other
	}
	if other.Count == 0 {
		return info
	}
	out := NumberInfo{
		Count: info.Count + other.Count,
		Sum:   info.Sum + other.Sum,
		Max:   info.Max,
		Min:   info.Min,
	}
	if other.Max > out.Max {
		out.Max = other.Max
	}
	if other.Min < out.Min {
		out.Min = other.Min
	}
	return out
}

// Message is the single wire type for every pub/sub control, data, and
// feedback exchange between two directly-connected hops on a channel's
// relay tree.
type Message struct {
	Kind    MsgKind   `msgpack:"k"`
	Channel ChannelId `msgpack:"c"`
	Source  uint32    `msgpack:"src"`
	ReqID   uint64    `msgpack:"r,omitempty"`

	Data []byte `msgpack:"d,omitempty"`

	FeedbackID uint8      `msgpack:"fid,omitempty"`
	WindowMs   uint32     `msgpack:"w,omitempty"`
	Number     NumberInfo `msgpack:"num,omitempty"`
}

func (m Message) identify() ChannelIdentify {
	return ChannelIdentify{Channel: m.Channel, Source: identity.NodeId(m.Source)}
}

// Encode serializes a Message.
func Encode(m Message) ([]byte, error) {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("pubsub: encode message: %w", err)
	}
	return b, nil
}

// Decode parses a Message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("pubsub: decode message: %w", err)
	}
	return m, nil
}

// ConnSender delivers an encoded pub/sub message directly over a single
// established link, identified by ConnId. Unlike DHT-KV's ToNode sender,
// the relay tree only ever talks to its immediate upstream/downstream
// neighbors, one hop at a time.
type ConnSender interface {
	SendConn(conn identity.ConnId, featureID uint8, payload []byte) error
}
