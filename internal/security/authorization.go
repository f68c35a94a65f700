// Package security provides the pluggable capability structs the core
// depends on as external collaborators (spec.md 6/9): Authorization for
// signing/validating control frames, and a HandshakeBuilder that derives a
// per-link Encryptor/Decryptor pair. Real, runnable default implementations
// are provided; callers may substitute their own function pointers.
package security

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// Authorization signs outgoing control payloads and validates incoming
// ones. Implementations are capability structs, not trait objects: callers
// pass one in at construction time (spec.md 9, "dynamic dispatch").
type Authorization interface {
	Sign(payload []byte) []byte
	Validate(node identity.NodeId, payload, sig []byte) bool
}

// HMACAuthorization implements Authorization with HMAC-SHA256 over a shared
// pre-shared key, grounded on pkg/nspkt's SendAtlasSigreq1Raw signing
// pattern. It does not bind the signature to a specific node id: the shared
// key is the only secret, same as the teacher's single-key HMAC scheme.
type HMACAuthorization struct {
	key []byte
}

// NewHMACAuthorization constructs an Authorization backed by a shared key.
func NewHMACAuthorization(key []byte) *HMACAuthorization {
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACAuthorization{key: k}
}

func (a *HMACAuthorization) Sign(payload []byte) []byte {
	h := hmac.New(sha256.New, a.key)
	h.Write(payload)
	return h.Sum(nil)
}

func (a *HMACAuthorization) Validate(_ identity.NodeId, payload, sig []byte) bool {
	h := hmac.New(sha256.New, a.key)
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), sig)
}
