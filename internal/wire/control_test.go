package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"testing"
)

func hmacSign(key []byte) SignFunc {
	return func(payload []byte) []byte {
		h := hmac.New(sha256.New, key)
		h.Write(payload)
		return h.Sum(nil)
	}
}

func hmacValidate(key []byte) ValidateFunc {
	sign := hmacSign(key)
	return func(payload, sig []byte) bool {
		return hmac.Equal(sign(payload), sig)
	}
}

func TestSignedControlRoundTrip(t *testing.T) {
	key := []byte("test-preshared-key")
	cmd := NeighboursControl{
		Kind:      CtrlConnectRequest,
		To:        42,
		Session:   0xC0FFEE,
		Handshake: []byte("hello"),
	}
	b, err := EncodeSignedControl(1000, cmd, hmacSign(key))
	if err != nil {
		t.Fatalf("EncodeSignedControl: %v", err)
	}

	got, nowMs, ok, err := DecodeSignedControl(b, hmacValidate(key))
	if err != nil {
		t.Fatalf("DecodeSignedControl: %v", err)
	}
	if !ok {
		t.Fatal("DecodeSignedControl: signature should validate")
	}
	if nowMs != 1000 {
		t.Fatalf("nowMs = %d, want 1000", nowMs)
	}
	if got.Kind != cmd.Kind || got.To != cmd.To || got.Session != cmd.Session || string(got.Handshake) != string(cmd.Handshake) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cmd)
	}
}

func TestSignedControlRejectsBadSignature(t *testing.T) {
	cmd := NeighboursControl{Kind: CtrlPing, Session: 1, Seq: 1}
	b, err := EncodeSignedControl(1, cmd, hmacSign([]byte("key-a")))
	if err != nil {
		t.Fatalf("EncodeSignedControl: %v", err)
	}

	_, _, ok, err := DecodeSignedControl(b, hmacValidate([]byte("key-b")))
	if err != nil {
		t.Fatalf("DecodeSignedControl should not error on a bad signature, got %v", err)
	}
	if ok {
		t.Fatal("DecodeSignedControl should reject a signature made with a different key")
	}
}

func TestDecodeSignedControlRejectsOversized(t *testing.T) {
	big := make([]byte, MaxControlFrameSize+1)
	_, _, _, err := DecodeSignedControl(big, hmacValidate([]byte("k")))
	if err == nil {
		t.Fatal("DecodeSignedControl should reject frames over MaxControlFrameSize")
	}
}
