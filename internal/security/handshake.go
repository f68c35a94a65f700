package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// Encryptor seals a link's outgoing data frames. It matches cipher.AEAD's
// Seal signature so *cipher.gcm (via aes.NewCipher + cipher.NewGCM) can be
// used directly, mirroring pkg/nspkt's allocation-free AES-GCM use.
type Encryptor interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
}

// Decryptor opens a link's incoming data frames.
type Decryptor interface {
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// LinkAAD binds ciphertexts to this protocol the same way r2crypto binds
// Titanfall 2 packets to a fixed associated-data string.
var LinkAAD = []byte("sdn-overlay-link-v1")

// HandshakeBuilder derives a per-link Encryptor/Decryptor pair from a single
// request/response exchange, per spec.md 4.C's one-round-trip handshake.
type HandshakeBuilder interface {
	// Initiate produces the handshake bytes to embed in a ConnectRequest.
	Initiate() (msg []byte, err error)
	// Respond consumes an initiator's handshake bytes (from ConnectRequest)
	// and returns the bytes to embed in the ConnectResponse, plus the
	// responder's own Encryptor/Decryptor pair.
	Respond(initMsg []byte) (respMsg []byte, enc Encryptor, dec Decryptor, err error)
	// Complete consumes the responder's handshake bytes (from
	// ConnectResponse) and returns the initiator's Encryptor/Decryptor
	// pair.
	Complete(respMsg []byte) (enc Encryptor, dec Decryptor, err error)
}

// StaticKeyHandshake implements HandshakeBuilder over a pre-shared key,
// grounded on pkg/nspkt/r2crypto.go's single-key AES-GCM scheme. Each side
// contributes a random 16-byte nonce; send/receive keys are derived
// separately per direction so the two link halves never reuse the same
// (key, nonce-space) pair.
type StaticKeyHandshake struct {
	psk      []byte
	initSalt []byte
}

// NewStaticKeyHandshake constructs a HandshakeBuilder over a shared key.
func NewStaticKeyHandshake(psk []byte) *StaticKeyHandshake {
	k := make([]byte, len(psk))
	copy(k, psk)
	return &StaticKeyHandshake{psk: k}
}

const handshakeSaltSize = 16

func deriveKey(psk []byte, label string, salt []byte) []byte {
	h := sha256.New()
	h.Write(psk)
	h.Write([]byte(label))
	h.Write(salt)
	return h.Sum(nil)[:16]
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: new gcm: %w", err)
	}
	return gcm, nil
}

func (s *StaticKeyHandshake) Initiate() ([]byte, error) {
	salt := make([]byte, handshakeSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("security: read initiator salt: %w", err)
	}
	s.initSalt = salt
	return salt, nil
}

func (s *StaticKeyHandshake) Respond(initMsg []byte) ([]byte, Encryptor, Decryptor, error) {
	if len(initMsg) != handshakeSaltSize {
		return nil, nil, nil, fmt.Errorf("security: handshake salt must be %d bytes, got %d", handshakeSaltSize, len(initMsg))
	}
	respSalt := make([]byte, handshakeSaltSize)
	if _, err := rand.Read(respSalt); err != nil {
		return nil, nil, nil, fmt.Errorf("security: read responder salt: %w", err)
	}

	combined := append(append([]byte{}, initMsg...), respSalt...)
	// Responder sends with "resp" key, receives with "init" key: the
	// initiator's Encryptor must use the same "init" key the responder
	// decrypts with, and vice versa.
	sendKey := deriveKey(s.psk, "resp", combined)
	recvKey := deriveKey(s.psk, "init", combined)

	sendGCM, err := newGCM(sendKey)
	if err != nil {
		return nil, nil, nil, err
	}
	recvGCM, err := newGCM(recvKey)
	if err != nil {
		return nil, nil, nil, err
	}
	return respSalt, sendGCM, recvGCM, nil
}

func (s *StaticKeyHandshake) Complete(respMsg []byte) (Encryptor, Decryptor, error) {
	if len(respMsg) != handshakeSaltSize {
		return nil, nil, fmt.Errorf("security: handshake salt must be %d bytes, got %d", handshakeSaltSize, len(respMsg))
	}
	if len(s.initSalt) == 0 {
		return nil, nil, fmt.Errorf("security: Complete called before Initiate")
	}
	combined := append(append([]byte{}, s.initSalt...), respMsg...)
	sendKey := deriveKey(s.psk, "init", combined)
	recvKey := deriveKey(s.psk, "resp", combined)

	sendGCM, err := newGCM(sendKey)
	if err != nil {
		return nil, nil, err
	}
	recvGCM, err := newGCM(recvKey)
	if err != nil {
		return nil, nil, err
	}
	return sendGCM, recvGCM, nil
}
