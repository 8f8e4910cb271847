// Package crypto holds the canonical JSON encoder and Ed25519 signature
// verification for inbound orders and rule bundles.
//
// Central Command signs orders and promoted-rule bundles with its Ed25519
// private key. The agent verifies signatures before acting on either,
// so a MITM or a compromised relay cannot inject commands into the fleet.
package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
)

// Verifier verifies Ed25519 signatures against a pinned server key.
type Verifier struct {
	mu        sync.RWMutex
	publicKey ed25519.PublicKey
	keyHex    string
}

// NewVerifier creates a verifier. If publicKeyHex is empty, verification
// is deferred until SetPublicKey is called (the first check-in provides
// the key).
func NewVerifier(publicKeyHex string) *Verifier {
	v := &Verifier{}
	if publicKeyHex != "" {
		_ = v.SetPublicKey(publicKeyHex)
	}
	return v
}

// SetPublicKey sets or updates the server's Ed25519 public key.
func (v *Verifier) SetPublicKey(hexKey string) error {
	pubBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("decode public key hex: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: got %d, want %d", len(pubBytes), ed25519.PublicKeySize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.publicKey = ed25519.PublicKey(pubBytes)
	v.keyHex = hexKey
	return nil
}

// HasKey reports whether a public key has been pinned.
func (v *Verifier) HasKey() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.publicKey != nil
}

// PublicKeyHex returns the pinned public key as a hex string.
func (v *Verifier) PublicKeyHex() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keyHex
}

// Verify checks the Ed25519 signature over payload. signatureHex is the
// hex-encoded 64-byte signature.
func (v *Verifier) Verify(payload []byte, signatureHex string) error {
	v.mu.RLock()
	pk := v.publicKey
	v.mu.RUnlock()

	if pk == nil {
		return fmt.Errorf("no server public key configured")
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize)
	}

	if !ed25519.Verify(pk, payload, sig) {
		return fmt.Errorf("Ed25519 signature verification failed")
	}
	return nil
}

// VerifyFields canonicalizes fields and verifies the signature over the
// canonical bytes. Orders are signed over their field map minus the
// signature itself.
func (v *Verifier) VerifyFields(fields map[string]any, signatureHex string) error {
	payload, err := Canonical(fields)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	return v.Verify(payload, signatureHex)
}
