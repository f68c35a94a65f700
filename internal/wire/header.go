// Package wire implements the overlay's frame codec: the 1-byte
// discriminator distinguishing control frames from feature data, the
// forwarding header carried by every data frame, and the route-rule tagged
// union used by the forwarder.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// Frame discriminators, the first byte of every datagram.
const (
	KindFeatureData uint8 = 0x00
	KindControl     uint8 = 0xFF
)

// MaxControlFrameSize bounds every control frame to a single datagram, per
// spec.md 4.B.
const MaxControlFrameSize = 1499

// HeaderVersion is the only forwarding-header version this codec emits or
// accepts.
const HeaderVersion = 1

// MaxHeaderSize bounds the encoded forwarding header: 4 fixed bytes, a
// route rule of up to 5 bytes, stream id and meta (5 bytes), and the
// optional 4-byte from_node.
const MaxHeaderSize = 18

// RouteRuleKind tags the RouteRule union.
type RouteRuleKind uint8

const (
	RuleDirect    RouteRuleKind = 0
	RuleToNode    RouteRuleKind = 1
	RuleToKey     RouteRuleKind = 2
	RuleToService RouteRuleKind = 3
	RuleBroadcast RouteRuleKind = 4
)

// RouteRule selects how a data frame should be routed.
type RouteRule struct {
	Kind      RouteRuleKind
	ToNode    identity.NodeId // valid when Kind == RuleToNode
	ToKey     identity.NodeId // valid when Kind == RuleToKey
	ToService uint8           // valid when Kind == RuleToService
}

func Direct() RouteRule { return RouteRule{Kind: RuleDirect} }
func ToNode(n identity.NodeId) RouteRule {
	return RouteRule{Kind: RuleToNode, ToNode: n}
}
func ToKey(k identity.NodeId) RouteRule {
	return RouteRule{Kind: RuleToKey, ToKey: k}
}
func ToService(s uint8) RouteRule {
	return RouteRule{Kind: RuleToService, ToService: s}
}
func Broadcast() RouteRule { return RouteRule{Kind: RuleBroadcast} }

func (r RouteRule) marshal() []byte {
	switch r.Kind {
	case RuleDirect:
		return []byte{byte(RuleDirect)}
	case RuleToNode:
		b := make([]byte, 5)
		b[0] = byte(RuleToNode)
		binary.BigEndian.PutUint32(b[1:], uint32(r.ToNode))
		return b
	case RuleToKey:
		b := make([]byte, 5)
		b[0] = byte(RuleToKey)
		binary.BigEndian.PutUint32(b[1:], uint32(r.ToKey))
		return b
	case RuleToService:
		return []byte{byte(RuleToService), r.ToService}
	case RuleBroadcast:
		return []byte{byte(RuleBroadcast)}
	default:
		panic("wire: unknown route rule kind")
	}
}

func unmarshalRouteRule(b []byte) (RouteRule, int, error) {
	if len(b) < 1 {
		return RouteRule{}, 0, fmt.Errorf("wire: truncated route rule")
	}
	switch RouteRuleKind(b[0]) {
	case RuleDirect:
		return Direct(), 1, nil
	case RuleToNode:
		if len(b) < 5 {
			return RouteRule{}, 0, fmt.Errorf("wire: truncated ToNode rule")
		}
		return ToNode(identity.NodeId(binary.BigEndian.Uint32(b[1:5]))), 5, nil
	case RuleToKey:
		if len(b) < 5 {
			return RouteRule{}, 0, fmt.Errorf("wire: truncated ToKey rule")
		}
		return ToKey(identity.NodeId(binary.BigEndian.Uint32(b[1:5]))), 5, nil
	case RuleToService:
		if len(b) < 2 {
			return RouteRule{}, 0, fmt.Errorf("wire: truncated ToService rule")
		}
		return ToService(b[1]), 2, nil
	case RuleBroadcast:
		return Broadcast(), 1, nil
	default:
		return RouteRule{}, 0, fmt.Errorf("wire: unknown route rule kind %d", b[0])
	}
}

// Header is the forwarding header carried by every feature-data frame.
type Header struct {
	Secure    bool
	FromNode  identity.NodeId // valid when HasFrom
	HasFrom   bool
	MetaClass uint8 // 2-bit per-feature meta class
	TTL       uint8
	FeatureID uint8
	ServiceID uint8
	Rule      RouteRule
	StreamID  uint32
	Meta      uint8
}

// Marshal encodes the header per spec.md 4.B. The encoded form is always
// <= MaxHeaderSize bytes.
func (h Header) Marshal() []byte {
	var flags uint8
	flags = HeaderVersion & 0x07
	if h.Secure {
		flags |= 1 << 3
	}
	if h.HasFrom {
		flags |= 1 << 4
	}
	flags |= (h.MetaClass & 0x03) << 5

	b := make([]byte, 0, MaxHeaderSize)
	b = append(b, flags, h.TTL, h.FeatureID, h.ServiceID)
	b = append(b, h.Rule.marshal()...)

	var sid [4]byte
	binary.BigEndian.PutUint32(sid[:], h.StreamID)
	b = append(b, sid[:]...)
	b = append(b, h.Meta)

	if h.HasFrom {
		var fn [4]byte
		binary.BigEndian.PutUint32(fn[:], uint32(h.FromNode))
		b = append(b, fn[:]...)
	}
	return b
}

// UnmarshalHeader decodes a Header from the front of b, returning the
// number of bytes consumed. It refuses any frame whose declared length
// exceeds len(b).
func UnmarshalHeader(b []byte) (Header, int, error) {
	if len(b) < 4 {
		return Header{}, 0, fmt.Errorf("wire: truncated header")
	}
	flags := b[0]
	version := flags & 0x07
	if version != HeaderVersion {
		return Header{}, 0, fmt.Errorf("wire: unsupported header version %d", version)
	}
	h := Header{
		Secure:    flags&(1<<3) != 0,
		HasFrom:   flags&(1<<4) != 0,
		MetaClass: (flags >> 5) & 0x03,
		TTL:       b[1],
		FeatureID: b[2],
		ServiceID: b[3],
	}

	rule, n, err := unmarshalRouteRule(b[4:])
	if err != nil {
		return Header{}, 0, err
	}
	h.Rule = rule
	off := 4 + n

	if len(b) < off+4+1 {
		return Header{}, 0, fmt.Errorf("wire: truncated header (stream/meta)")
	}
	h.StreamID = binary.BigEndian.Uint32(b[off:])
	off += 4
	h.Meta = b[off]
	off++

	if h.HasFrom {
		if len(b) < off+4 {
			return Header{}, 0, fmt.Errorf("wire: truncated header (from_node)")
		}
		h.FromNode = identity.NodeId(binary.BigEndian.Uint32(b[off:]))
		off += 4
	}

	if off > MaxHeaderSize {
		return Header{}, 0, fmt.Errorf("wire: header length %d exceeds max %d", off, MaxHeaderSize)
	}
	if off > len(b) {
		return Header{}, 0, fmt.Errorf("wire: declared header length exceeds datagram size")
	}
	return h, off, nil
}
