// Package evidence builds, signs and hash-chains compliance evidence
// bundles, and hands sealed bundles to the offline queue for delivery.
package evidence

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Signer holds the appliance's Ed25519 identity. The private key never
// leaves this struct; the public half is published to Central Command
// at startup.
type Signer struct {
	priv   ed25519.PrivateKey
	pubHex string
}

// LoadOrCreateSigner loads the 32-byte seed from path, generating and
// persisting a fresh one on first boot. An existing key file that is
// readable by group or other is refused: callers treat any error here
// as fatal (exit code 2).
func LoadOrCreateSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key %s: want %d-byte seed, got %d bytes", path, ed25519.SeedSize, len(data))
		}
		if fi, serr := os.Stat(path); serr == nil && fi.Mode().Perm()&0o077 != 0 {
			return nil, fmt.Errorf("signing key %s: mode %04o too permissive, want 0600", path, fi.Mode().Perm())
		}
		priv := ed25519.NewKeyFromSeed(data)
		return &Signer{
			priv:   priv,
			pubHex: hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return &Signer{priv: priv, pubHex: hex.EncodeToString(pub)}, nil
}

// Sign returns the hex-encoded Ed25519 signature over data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// PublicKeyHex returns the hex-encoded public key for publication.
func (s *Signer) PublicKeyHex() string { return s.pubHex }
