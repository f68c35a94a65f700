package wire

import (
	"bytes"
	"testing"

	"github.com/8xff/sdn-overlay/internal/identity"
)

func TestHeaderRoundTrip(t *testing.T) {
	for _, h := range []Header{
		{TTL: 32, FeatureID: 5, ServiceID: 1, Rule: Direct(), StreamID: 1, Meta: 0},
		{TTL: 10, FeatureID: 1, ServiceID: 0, Rule: ToNode(42), StreamID: 99, Meta: 7},
		{TTL: 10, FeatureID: 4, ServiceID: 0, Rule: ToKey(0xAABBCCDD), StreamID: 1, Meta: 0},
		{TTL: 10, FeatureID: 6, ServiceID: 3, Rule: ToService(200), StreamID: 1, Meta: 0},
		{TTL: 5, FeatureID: 5, ServiceID: 0, Rule: Broadcast(), StreamID: 1, Meta: 0},
		{Secure: true, HasFrom: true, FromNode: 7, TTL: 1, FeatureID: 1, Rule: Direct(), StreamID: 2, Meta: 1},
		{MetaClass: 3, TTL: 1, FeatureID: 1, Rule: Direct(), StreamID: 2, Meta: 1},
	} {
		b := h.Marshal()
		if len(b) > MaxHeaderSize {
			t.Fatalf("encoded header %+v is %d bytes, exceeds max %d", h, len(b), MaxHeaderSize)
		}
		got, n, err := UnmarshalHeader(b)
		if err != nil {
			t.Fatalf("UnmarshalHeader(%+v): %v", h, err)
		}
		if n != len(b) {
			t.Fatalf("UnmarshalHeader consumed %d bytes, want %d", n, len(b))
		}
		if got != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
		}
	}
}

func TestHeaderRejectsOversizedDeclaration(t *testing.T) {
	h := Header{HasFrom: true, FromNode: 1, TTL: 1, FeatureID: 1, Rule: Direct(), StreamID: 1}
	b := h.Marshal()
	_, _, err := UnmarshalHeader(b[:len(b)-1])
	if err == nil {
		t.Fatal("UnmarshalHeader should reject a datagram shorter than the declared header")
	}
}

func TestHeaderRejectsBadVersion(t *testing.T) {
	b := Header{TTL: 1, FeatureID: 1, Rule: Direct(), StreamID: 1}.Marshal()
	b[0] = (b[0] &^ 0x07) | 0x02
	if _, _, err := UnmarshalHeader(b); err == nil {
		t.Fatal("UnmarshalHeader should reject an unsupported version")
	}
}

func TestRouteRuleRoundTrip(t *testing.T) {
	rules := []RouteRule{
		Direct(),
		ToNode(identity.NodeId(123)),
		ToKey(identity.NodeId(456)),
		ToService(9),
		Broadcast(),
	}
	for _, r := range rules {
		b := r.marshal()
		got, n, err := unmarshalRouteRule(b)
		if err != nil {
			t.Fatalf("unmarshalRouteRule(%+v): %v", r, err)
		}
		if n != len(b) || got != r {
			t.Fatalf("round trip mismatch for %+v: got %+v (consumed %d/%d)", r, got, n, len(b))
		}
	}
}

func TestSecureEnvelopeLayout(t *testing.T) {
	e := NewSecureEnvelope(4)
	copy(e.Payload(), []byte{0xAA, 0xBB, 0xCC, 0xDD})
	e[0] = KindFeatureData

	if e.Discriminator() != KindFeatureData {
		t.Fatalf("Discriminator() = %#x, want %#x", e.Discriminator(), KindFeatureData)
	}
	if !bytes.Equal(e.Payload(), []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Fatalf("Payload() = %x, want aabbccdd", e.Payload())
	}
	if len(e.Nonce()) != 12 {
		t.Fatalf("Nonce() length = %d, want 12", len(e.Nonce()))
	}
	if len(e.Tag()) != 16 {
		t.Fatalf("Tag() length = %d, want 16", len(e.Tag()))
	}
}
