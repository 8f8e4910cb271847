package evidence

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestSignerCreatesSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.key")

	s, err := LoadOrCreateSigner(path)
	if err != nil {
		t.Fatalf("LoadOrCreateSigner: %v", err)
	}
	if len(s.PublicKeyHex()) != 64 {
		t.Fatalf("public key hex length = %d", len(s.PublicKeyHex()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if len(data) != ed25519.SeedSize {
		t.Fatalf("key file is %d bytes, want %d-byte seed", len(data), ed25519.SeedSize)
	}
	fi, _ := os.Stat(path)
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %04o, want 0600", fi.Mode().Perm())
	}
}

func TestSignerReloadsSameIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	first, err := LoadOrCreateSigner(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrCreateSigner(path)
	if err != nil {
		t.Fatal(err)
	}
	if first.PublicKeyHex() != second.PublicKeyHex() {
		t.Fatal("reload produced a different identity")
	}
}

func TestSignerRejectsPermissiveKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	seed := make([]byte, ed25519.SeedSize)
	if err := os.WriteFile(path, seed, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateSigner(path); err == nil {
		t.Fatal("world-readable key accepted")
	}
}

func TestSignerRejectsTruncatedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateSigner(path); err == nil {
		t.Fatal("truncated key accepted")
	}
}

func TestSignVerifiable(t *testing.T) {
	s, err := LoadOrCreateSigner(filepath.Join(t.TempDir(), "signing.key"))
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("bundle digest bytes")
	sig, err := hex.DecodeString(s.Sign(data))
	if err != nil {
		t.Fatal(err)
	}
	pub, err := hex.DecodeString(s.PublicKeyHex())
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		t.Fatal("signature does not verify")
	}
}
