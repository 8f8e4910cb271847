package evidence

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureQueue struct {
	kinds    []string
	payloads [][]byte
}

func (q *captureQueue) Enqueue(kind string, payload []byte) error {
	q.kinds = append(q.kinds, kind)
	q.payloads = append(q.payloads, append([]byte(nil), payload...))
	return nil
}

func newTestPipeline(t *testing.T, dir string) (*Pipeline, *captureQueue) {
	t.Helper()
	signer, err := LoadOrCreateSigner(filepath.Join(dir, "signing.key"))
	if err != nil {
		t.Fatal(err)
	}
	q := &captureQueue{}
	p, err := NewPipeline(zerolog.Nop(), nil, "clinic-001", signer, q, nil, dir)
	if err != nil {
		t.Fatal(err)
	}
	return p, q
}

func sampleInput(host string) Input {
	return Input{
		HostID:      host,
		CheckID:     "firewall",
		Outcome:     "success",
		HealingTier: "L1",
		ControlIDs:  []string{"164.312(a)(1)"},
		PreState:    map[string]any{"profile_enabled": false},
		PostState:   map[string]any{"profile_enabled": true},
		Actions:     []Action{{Tier: "L1", RunbookID: "RB-WIN-SEC-001", Outcome: "success"}},
	}
}

func TestChainIntegrity(t *testing.T) {
	p, _ := newTestPipeline(t, t.TempDir())

	var chain []*Bundle
	for i := 0; i < 4; i++ {
		b, err := p.Seal(sampleInput("WS01"))
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		chain = append(chain, b)
	}

	if chain[0].ParentHash != GenesisParent {
		t.Errorf("first parent = %s, want genesis", chain[0].ParentHash)
	}
	pub, _ := hex.DecodeString(p.signer.PublicKeyHex())
	for i, b := range chain {
		if i > 0 && b.ParentHash != chain[i-1].BundleHash {
			t.Errorf("bundle %d parent = %s, want %s", i, b.ParentHash, chain[i-1].BundleHash)
		}
		digest, err := Hash(b)
		if err != nil {
			t.Fatal(err)
		}
		if hex.EncodeToString(digest) != b.BundleHash {
			t.Errorf("bundle %d hash mismatch", i)
		}
		sig, _ := hex.DecodeString(b.Signature)
		if !ed25519.Verify(ed25519.PublicKey(pub), digest, sig) {
			t.Errorf("bundle %d signature invalid", i)
		}
	}
}

func TestChainsIndependentPerHost(t *testing.T) {
	p, _ := newTestPipeline(t, t.TempDir())

	a1, _ := p.Seal(sampleInput("WS01"))
	b1, _ := p.Seal(sampleInput("WS02"))
	a2, _ := p.Seal(sampleInput("WS01"))

	if b1.ParentHash != GenesisParent {
		t.Error("second host should start its own chain at genesis")
	}
	if a2.ParentHash != a1.BundleHash {
		t.Error("WS01 chain broken by interleaved WS02 bundle")
	}
}

func TestHashDeterministicAndExcludesSeal(t *testing.T) {
	b := &Bundle{
		BundleID: "CB-2026-08-24-0001", SiteID: "s", HostID: "h", CheckID: "c",
		CreatedAt: "2026-08-24T12:00:00Z", Outcome: "success",
		PreState: map[string]any{"z": 1, "a": "x"}, ParentHash: GenesisParent,
		PHIScrubbed: true,
	}
	h1, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := Hash(b)
	if hex.EncodeToString(h1) != hex.EncodeToString(h2) {
		t.Fatal("hash not deterministic")
	}

	b.Signature = "deadbeef"
	b.BundleHash = "cafe"
	b.OTSProof = "calendar#abc"
	h3, _ := Hash(b)
	if hex.EncodeToString(h1) != hex.EncodeToString(h3) {
		t.Fatal("seal fields leak into the hash")
	}

	b.Outcome = "failure"
	h4, _ := Hash(b)
	if hex.EncodeToString(h1) == hex.EncodeToString(h4) {
		t.Fatal("content change did not change hash")
	}
}

func TestBundlePersistedAndLoadable(t *testing.T) {
	dir := t.TempDir()
	p, q := newTestPipeline(t, dir)

	b, err := p.Seal(sampleInput("WS01"))
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := p.Load(b.BundleID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.BundleHash != b.BundleHash || loaded.Signature != b.Signature {
		t.Error("persisted bundle differs from sealed bundle")
	}

	bdir, _ := p.bundleDir(b.BundleID)
	if _, err := os.Stat(filepath.Join(bdir, "bundle.sig")); err != nil {
		t.Errorf("bundle.sig missing: %v", err)
	}

	if len(q.kinds) != 1 || q.kinds[0] != "evidence" {
		t.Fatalf("enqueued kinds = %v", q.kinds)
	}
	var queued Bundle
	if err := json.Unmarshal(q.payloads[0], &queued); err != nil {
		t.Fatal(err)
	}
	if queued.BundleID != b.BundleID {
		t.Error("queued payload is not the sealed bundle")
	}
}

func TestIDsMonotonicAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, dir)
	b1, _ := p.Seal(sampleInput("WS01"))
	b2, _ := p.Seal(sampleInput("WS01"))
	if seqOf(b2.BundleID) != seqOf(b1.BundleID)+1 {
		t.Fatalf("ids not sequential: %s then %s", b1.BundleID, b2.BundleID)
	}

	// Restart against the same state dir: counter resumes, no reuse.
	p2, _ := newTestPipeline(t, dir)
	b3, err := p2.Seal(sampleInput("WS01"))
	if err != nil {
		t.Fatal(err)
	}
	if seqOf(b3.BundleID) != seqOf(b2.BundleID)+1 {
		t.Fatalf("id reused after restart: %s after %s", b3.BundleID, b2.BundleID)
	}
	if b3.ParentHash != b2.BundleHash {
		t.Error("chain parent lost across restart")
	}
}

func TestOrphanedChainRecovered(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, dir)
	b1, _ := p.Seal(sampleInput("WS01"))
	b2, _ := p.Seal(sampleInput("WS01"))

	// Simulate a crash between bundle commit and the parent write:
	// roll the parent file back to b1's hash.
	key := p.chainKey("WS01")
	if err := os.WriteFile(p.parentPath(key), []byte(b1.BundleHash+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p2, _ := newTestPipeline(t, dir)
	b3, err := p2.Seal(sampleInput("WS01"))
	if err != nil {
		t.Fatal(err)
	}
	if b3.ParentHash != b2.BundleHash {
		t.Fatalf("parent = %s, want orphan hash %s", b3.ParentHash, b2.BundleHash)
	}
}

func TestOrphanRecoveredAcrossDayGap(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, dir)
	b1, _ := p.Seal(sampleInput("WS01"))
	b2, _ := p.Seal(sampleInput("WS01"))

	key := p.chainKey("WS01")
	if err := os.WriteFile(p.parentPath(key), []byte(b1.BundleHash+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Appliance powered off over several day boundaries mid-seal: the
	// orphan's day directory is days old by the time we restart.
	old := time.Now().UTC().AddDate(0, 0, -3)
	src := filepath.Join(dir, "evidence",
		time.Now().UTC().Format("2006"), time.Now().UTC().Format("01"), time.Now().UTC().Format("02"))
	dst := filepath.Join(dir, "evidence", old.Format("2006"), old.Format("01"), old.Format("02"))
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(src, dst); err != nil {
		t.Fatal(err)
	}

	p2, _ := newTestPipeline(t, dir)
	b3, err := p2.Seal(sampleInput("WS01"))
	if err != nil {
		t.Fatal(err)
	}
	if b3.ParentHash != b2.BundleHash {
		t.Fatalf("parent = %s, want orphan hash %s", b3.ParentHash, b2.BundleHash)
	}
}

func TestSealScrubsState(t *testing.T) {
	p, _ := newTestPipeline(t, t.TempDir())

	in := sampleInput("WS01")
	in.PreState = map[string]any{
		"operator_note": "patient SSN 123-45-6789 on file",
		"share":         `\\fs01\users\jsmith\scans`,
	}
	b, err := p.Seal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !b.PHIScrubbed {
		t.Error("phi_scrubbed not set")
	}
	doc, _ := json.Marshal(b.PreState)
	if strings.Contains(string(doc), "123-45-6789") || strings.Contains(string(doc), "jsmith") {
		t.Errorf("phi leaked into sealed bundle: %s", doc)
	}
	// Input map untouched.
	if !strings.Contains(fmt.Sprint(in.PreState["operator_note"]), "123-45-6789") {
		t.Error("scrubber mutated caller's map")
	}
}

func TestDryRunFlagCarried(t *testing.T) {
	p, _ := newTestPipeline(t, t.TempDir())
	in := sampleInput("WS01")
	in.DryRun = true
	in.Outcome = "dry_run_plan"
	b, err := p.Seal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !b.DryRun {
		t.Error("dry_run not carried into bundle")
	}
}
