package security

import "testing"

func TestStaticKeyHandshakeRoundTrip(t *testing.T) {
	initiator := NewStaticKeyHandshake([]byte("preshared-secret"))
	responder := NewStaticKeyHandshake([]byte("preshared-secret"))

	initMsg, err := initiator.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	respMsg, respEnc, respDec, err := responder.Respond(initMsg)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	initEnc, initDec, err := initiator.Complete(respMsg)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	plaintext := []byte("ping seq=1")
	nonce := make([]byte, 12)

	// Initiator -> responder.
	ct := initEnc.Seal(nil, nonce, plaintext, LinkAAD)
	got, err := respDec.Open(nil, nonce, ct, LinkAAD)
	if err != nil {
		t.Fatalf("responder Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}

	// Responder -> initiator.
	ct2 := respEnc.Seal(nil, nonce, plaintext, LinkAAD)
	got2, err := initDec.Open(nil, nonce, ct2, LinkAAD)
	if err != nil {
		t.Fatalf("initiator Open: %v", err)
	}
	if string(got2) != string(plaintext) {
		t.Fatalf("got %q, want %q", got2, plaintext)
	}
}

func TestStaticKeyHandshakeDirectionsDiffer(t *testing.T) {
	initiator := NewStaticKeyHandshake([]byte("k"))
	responder := NewStaticKeyHandshake([]byte("k"))

	initMsg, _ := initiator.Initiate()
	_, respEnc, respDec, _ := responder.Respond(initMsg)

	nonce := make([]byte, 12)
	ct := respEnc.Seal(nil, nonce, []byte("hello"), LinkAAD)
	if _, err := respDec.Open(nil, nonce, ct, LinkAAD); err == nil {
		t.Fatal("responder's own send key should not decrypt its own ciphertext")
	}
}

func TestStaticKeyHandshakeRejectsShortSalt(t *testing.T) {
	responder := NewStaticKeyHandshake([]byte("k"))
	if _, _, _, err := responder.Respond([]byte("too-short")); err == nil {
		t.Fatal("Respond should reject a salt that isn't handshakeSaltSize bytes")
	}
}

func TestStaticKeyHandshakeCompleteBeforeInitiate(t *testing.T) {
	initiator := NewStaticKeyHandshake([]byte("k"))
	salt := make([]byte, handshakeSaltSize)
	if _, _, err := initiator.Complete(salt); err == nil {
		t.Fatal("Complete should fail when called before Initiate")
	}
}

func TestMismatchedPresharedKeysFailToDecrypt(t *testing.T) {
	initiator := NewStaticKeyHandshake([]byte("key-a"))
	responder := NewStaticKeyHandshake([]byte("key-b"))

	initMsg, _ := initiator.Initiate()
	respMsg, _, respDec, _ := responder.Respond(initMsg)
	initEnc, _, _ := initiator.Complete(respMsg)

	nonce := make([]byte, 12)
	ct := initEnc.Seal(nil, nonce, []byte("hello"), LinkAAD)
	if _, err := respDec.Open(nil, nonce, ct, LinkAAD); err == nil {
		t.Fatal("mismatched preshared keys should fail to decrypt")
	}
}
