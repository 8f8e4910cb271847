package evidence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/crypto"
	"github.com/osiriscare/appliance-agent/internal/metrics"
)

// GenesisParent is the parent hash of the first bundle in every
// (site, host) chain.
const GenesisParent = "0000000000000000000000000000000000000000000000000000000000000000"

// Action records one healing step taken for the bundle's incident.
type Action struct {
	Tier      string `json:"tier"`
	RunbookID string `json:"runbook_id,omitempty"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

// Bundle is one sealed evidence record. BundleHash covers the
// canonical JSON of every field except bundle_hash, signature and
// ots_proof; Signature is Ed25519 over the raw hash bytes. A sealed
// bundle's signed content is never modified.
type Bundle struct {
	BundleID    string         `json:"bundle_id"`
	SiteID      string         `json:"site_id"`
	HostID      string         `json:"host_id"`
	CheckID     string         `json:"check_id"`
	CreatedAt   string         `json:"created_at"`
	Outcome     string         `json:"outcome"`
	HealingTier string         `json:"healing_tier,omitempty"`
	ControlIDs  []string       `json:"control_ids,omitempty"`
	PreState    map[string]any `json:"pre_state,omitempty"`
	PostState   map[string]any `json:"post_state,omitempty"`
	Actions     []Action       `json:"actions,omitempty"`
	DryRun      bool           `json:"dry_run"`
	PHIScrubbed bool           `json:"phi_scrubbed"`
	ParentHash  string         `json:"parent_hash"`
	BundleHash  string         `json:"bundle_hash"`
	Signature   string         `json:"signature"`
	OTSProof    string         `json:"ots_proof,omitempty"`
}

// Input is everything a caller supplies for one bundle. The pipeline
// owns ids, timestamps, chaining and signing.
type Input struct {
	HostID      string
	CheckID     string
	Outcome     string
	HealingTier string
	ControlIDs  []string
	PreState    map[string]any
	PostState   map[string]any
	Actions     []Action
	DryRun      bool
}

// Enqueuer receives sealed bundles for delivery. The offline queue
// implements it; the pipeline never sends synchronously.
type Enqueuer interface {
	Enqueue(kind string, payload []byte) error
}

// Pipeline is the single writer of evidence bundles and chain state.
type Pipeline struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	siteID  string
	signer  *Signer
	scrub   *Scrubber
	anchor  *Anchor
	queue   Enqueuer
	dir     string // state_dir

	mu      sync.Mutex
	parents map[string]string // chain key -> parent hash
	seqDay  string
	seq     int
}

// NewPipeline prepares the evidence and chain directories, resumes the
// per-day id counter, and finalizes any chain update orphaned by a
// crash between bundle persistence and the parent-hash write.
func NewPipeline(log zerolog.Logger, m *metrics.Metrics, siteID string, signer *Signer, queue Enqueuer, anchor *Anchor, stateDir string) (*Pipeline, error) {
	for _, d := range []string{filepath.Join(stateDir, "evidence"), filepath.Join(stateDir, "chain")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	p := &Pipeline{
		log:     log,
		metrics: m,
		siteID:  siteID,
		signer:  signer,
		scrub:   NewScrubber(),
		anchor:  anchor,
		queue:   queue,
		dir:     stateDir,
		parents: make(map[string]string),
		seqDay:  time.Now().UTC().Format("2006-01-02"),
	}
	if err := p.recover(); err != nil {
		return nil, err
	}
	return p, nil
}

// Seal scrubs, chains, signs, persists and enqueues one bundle.
// Bundles for the same (site, host) must be sealed by a single
// goroutine per chain; the pipeline serializes internally regardless.
func (p *Pipeline) Seal(in Input) (*Bundle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	raw, _ := json.Marshal([]any{in.PreState, in.PostState, in.Actions})
	if p.scrub.ContainsPHI(string(raw)) {
		p.log.Warn().Str("check", in.CheckID).Strs("categories", p.scrub.Report(string(raw))).
			Msg("redacting phi from bundle")
		if p.metrics != nil {
			p.metrics.BundlesScrubbed.Inc()
		}
	}

	b := &Bundle{
		BundleID:    p.nextIDLocked(now),
		SiteID:      p.siteID,
		HostID:      in.HostID,
		CheckID:     in.CheckID,
		CreatedAt:   now.Format("2006-01-02T15:04:05.000Z07:00"),
		Outcome:     in.Outcome,
		HealingTier: in.HealingTier,
		ControlIDs:  in.ControlIDs,
		PreState:    p.scrub.ScrubMap(in.PreState),
		PostState:   p.scrub.ScrubMap(in.PostState),
		Actions:     scrubActions(p.scrub, in.Actions),
		DryRun:      in.DryRun,
		PHIScrubbed: true,
	}

	key := p.chainKey(in.HostID)
	parent, err := p.parentLocked(key)
	if err != nil {
		return nil, err
	}
	b.ParentHash = parent

	digest, err := Hash(b)
	if err != nil {
		return nil, err
	}
	b.BundleHash = hex.EncodeToString(digest)
	b.Signature = p.signer.Sign(digest)

	if p.anchor != nil {
		if handle, aerr := p.anchor.Submit(b.BundleID, b.BundleHash); aerr != nil {
			p.log.Warn().Err(aerr).Str("bundle", b.BundleID).Msg("ots submission failed")
		} else {
			b.OTSProof = handle
		}
	}

	if err := p.persist(b); err != nil {
		return nil, err
	}
	if err := p.writeParentLocked(key, b.BundleHash); err != nil {
		return nil, err
	}

	if p.queue != nil {
		payload, _ := json.Marshal(b)
		if err := p.queue.Enqueue("evidence", payload); err != nil {
			// The bundle is durable on disk; delivery catches up via recover.
			p.log.Error().Err(err).Str("bundle", b.BundleID).Msg("evidence enqueue failed")
		}
	}

	if p.metrics != nil {
		p.metrics.BundlesSealed.Inc()
	}
	p.log.Info().Str("bundle", b.BundleID).Str("host", in.HostID).Str("check", in.CheckID).
		Str("outcome", in.Outcome).Msg("bundle sealed")
	return b, nil
}

// Hash computes the SHA-256 over the bundle's canonical JSON with the
// bundle_hash, signature and ots_proof fields removed. Deterministic
// across runs: canonical JSON sorts keys and strips whitespace.
func Hash(b *Bundle) ([]byte, error) {
	encoded, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	delete(doc, "bundle_hash")
	delete(doc, "signature")
	delete(doc, "ots_proof")

	canonical, err := crypto.Canonical(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize bundle: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// Load reads a persisted bundle by id.
func (p *Pipeline) Load(bundleID string) (*Bundle, error) {
	dir, err := p.bundleDir(bundleID)
	if err != nil {
		return nil, err
	}
	return readBundle(filepath.Join(dir, "bundle.json"))
}

var bundleIDPattern = regexp.MustCompile(`^CB-(\d{4})-(\d{2})-(\d{2})-(\d{4})$`)

// bundleDir maps CB-YYYY-MM-DD-NNNN onto evidence/YYYY/MM/DD/<id>.
func (p *Pipeline) bundleDir(bundleID string) (string, error) {
	m := bundleIDPattern.FindStringSubmatch(bundleID)
	if m == nil {
		return "", fmt.Errorf("malformed bundle id %q", bundleID)
	}
	return filepath.Join(p.dir, "evidence", m[1], m[2], m[3], bundleID), nil
}

// persist writes bundle.json and bundle.sig into a staging directory,
// then commits both with a single rename.
func (p *Pipeline) persist(b *Bundle) error {
	final, err := p.bundleDir(b.BundleID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return fmt.Errorf("create evidence day dir: %w", err)
	}

	staging := filepath.Join(p.dir, "evidence", ".tmp-"+b.BundleID)
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	doc, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	if err := writeFileSync(filepath.Join(staging, "bundle.json"), doc); err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(staging, "bundle.sig"), []byte(b.Signature+"\n")); err != nil {
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("commit bundle %s: %w", b.BundleID, err)
	}
	return nil
}

func (p *Pipeline) chainKey(hostID string) string {
	return p.siteID + "-" + hostID
}

func (p *Pipeline) parentPath(key string) string {
	return filepath.Join(p.dir, "chain", key+".parent")
}

// parentLocked returns the chain parent for key, reading the durable
// file on first use. Callers hold mu.
func (p *Pipeline) parentLocked(key string) (string, error) {
	if parent, ok := p.parents[key]; ok {
		return parent, nil
	}
	data, err := os.ReadFile(p.parentPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			p.parents[key] = GenesisParent
			return GenesisParent, nil
		}
		return "", fmt.Errorf("read chain parent %s: %w", key, err)
	}
	parent := strings.TrimSpace(string(data))
	if len(parent) != 64 {
		return "", fmt.Errorf("chain parent %s: malformed hash %q", key, parent)
	}
	p.parents[key] = parent
	return parent, nil
}

func (p *Pipeline) writeParentLocked(key, hash string) error {
	path := p.parentPath(key)
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, []byte(hash+"\n")); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit chain parent %s: %w", key, err)
	}
	p.parents[key] = hash
	return nil
}

// recover resumes the per-day id counter and repairs chains orphaned
// by a crash after bundle commit but before the parent write. The
// orphan is identified by parent_hash equal to the stored parent while
// the stored parent has not advanced to the orphan's own hash.
func (p *Pipeline) recover() error {
	today := time.Now().UTC()
	todays := p.scanDay(today)
	for _, b := range todays {
		if n := seqOf(b.BundleID); n > p.seq {
			p.seq = n
		}
	}

	// The orphan lives in the last day anything was sealed, which can be
	// arbitrarily far back if the appliance sat powered off.
	bundles := append(p.newestBundlesBefore(today), todays...)

	// Latest bundle per chain, in id order.
	latest := make(map[string]*Bundle)
	for _, b := range bundles {
		key := b.SiteID + "-" + b.HostID
		if cur, ok := latest[key]; !ok || b.BundleID > cur.BundleID {
			latest[key] = b
		}
	}
	for key, b := range latest {
		parent, err := p.parentLocked(key)
		if err != nil {
			return err
		}
		if parent != b.BundleHash && parent == b.ParentHash {
			p.log.Warn().Str("bundle", b.BundleID).Str("chain", key).
				Msg("finalizing orphaned chain update")
			if err := p.writeParentLocked(key, b.BundleHash); err != nil {
				return err
			}
		}
	}
	return nil
}

// newestBundlesBefore loads the most recent evidence day strictly
// before the given day, walking year/month/day directories newest
// first. Empty day directories and staging leftovers are skipped.
func (p *Pipeline) newestBundlesBefore(today time.Time) []*Bundle {
	cut := today.Format("2006-01-02")
	root := filepath.Join(p.dir, "evidence")
	for _, y := range sortedDirsDesc(root) {
		for _, m := range sortedDirsDesc(filepath.Join(root, y)) {
			for _, d := range sortedDirsDesc(filepath.Join(root, y, m)) {
				day, err := time.Parse("2006-01-02", y+"-"+m+"-"+d)
				if err != nil || day.Format("2006-01-02") >= cut {
					continue
				}
				if bundles := p.scanDay(day); len(bundles) > 0 {
					return bundles
				}
			}
		}
	}
	return nil
}

func sortedDirsDesc(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names
}

// nextIDLocked allocates the next monotonic bundle id for the day.
func (p *Pipeline) nextIDLocked(now time.Time) string {
	day := now.Format("2006-01-02")
	if day != p.seqDay {
		p.seqDay = day
		p.seq = 0
	}
	p.seq++
	return fmt.Sprintf("CB-%s-%04d", day, p.seq)
}

// scanDay loads every committed bundle under the day's directory.
func (p *Pipeline) scanDay(t time.Time) []*Bundle {
	dayDir := filepath.Join(p.dir, "evidence", t.Format("2006"), t.Format("01"), t.Format("02"))
	entries, err := os.ReadDir(dayDir)
	if err != nil {
		return nil
	}
	var out []*Bundle
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := readBundle(filepath.Join(dayDir, e.Name(), "bundle.json"))
		if err != nil {
			p.log.Warn().Err(err).Str("dir", e.Name()).Msg("skipping unreadable bundle")
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BundleID < out[j].BundleID })
	return out
}

func seqOf(bundleID string) int {
	m := bundleIDPattern.FindStringSubmatch(bundleID)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[4])
	return n
}

func readBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &b, nil
}

func scrubActions(s *Scrubber, actions []Action) []Action {
	if actions == nil {
		return nil
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		a.Error = s.ScrubString(a.Error)
		out[i] = a
	}
	return out
}

// writeFileSync writes and fsyncs in one pass; callers rename for
// atomicity.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}
