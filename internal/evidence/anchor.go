package evidence

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Anchor submits bundle hashes to OpenTimestamps calendar servers and
// upgrades pending proofs once the calendars have committed them to a
// Bitcoin block (typically 1-24 h later).
type Anchor struct {
	log       zerolog.Logger
	calendars []string
	client    *http.Client
	dir       string // state_dir

	mu      sync.Mutex
	pending map[string]*anchorState // bundle id -> state
}

type anchorState struct {
	BundleID    string    `json:"bundle_id"`
	Digest      string    `json:"digest"`
	Calendar    string    `json:"calendar"`
	Proof       string    `json:"proof"` // base64 pending attestation
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewAnchor loads any pending proofs left from a previous run. A nil
// return means anchoring is disabled (no calendars configured).
func NewAnchor(log zerolog.Logger, calendars []string, stateDir string) (*Anchor, error) {
	if len(calendars) == 0 {
		return nil, nil
	}
	a := &Anchor{
		log:       log,
		calendars: calendars,
		client:    &http.Client{Timeout: 10 * time.Second},
		dir:       stateDir,
		pending:   make(map[string]*anchorState),
	}
	if err := os.MkdirAll(filepath.Join(stateDir, "anchors"), 0o700); err != nil {
		return nil, fmt.Errorf("create anchors dir: %w", err)
	}
	if data, err := os.ReadFile(a.statePath()); err == nil {
		if err := json.Unmarshal(data, &a.pending); err != nil {
			log.Warn().Err(err).Msg("discarding unreadable anchor state")
			a.pending = make(map[string]*anchorState)
		}
	}
	return a, nil
}

// Submit posts the digest to the first calendar that accepts it and
// returns the proof handle recorded on the bundle.
func (a *Anchor) Submit(bundleID, digestHex string) (string, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", fmt.Errorf("decode digest: %w", err)
	}

	var lastErr error
	for _, cal := range a.calendars {
		proof, err := a.post(cal+"/digest", digest)
		if err != nil {
			lastErr = err
			continue
		}
		st := &anchorState{
			BundleID:    bundleID,
			Digest:      digestHex,
			Calendar:    cal,
			Proof:       base64.StdEncoding.EncodeToString(proof),
			SubmittedAt: time.Now().UTC(),
		}
		a.mu.Lock()
		a.pending[bundleID] = st
		a.saveLocked()
		a.mu.Unlock()
		return cal + "#" + digestHex, nil
	}
	return "", fmt.Errorf("all calendars refused digest: %w", lastErr)
}

// UpgradeDue polls calendars for every pending proof older than an
// hour. Completed attestations are written next to the bundle as
// bundle.ots; proofs older than 7 days are dropped with a warning.
func (a *Anchor) UpgradeDue(ctx context.Context) {
	a.mu.Lock()
	due := make([]*anchorState, 0, len(a.pending))
	for _, st := range a.pending {
		if time.Since(st.SubmittedAt) >= time.Hour {
			due = append(due, st)
		}
	}
	a.mu.Unlock()

	for _, st := range due {
		if ctx.Err() != nil {
			return
		}
		if time.Since(st.SubmittedAt) > 7*24*time.Hour {
			a.log.Warn().Str("bundle", st.BundleID).Msg("abandoning stale ots proof")
			a.drop(st.BundleID)
			continue
		}

		upgraded, err := a.get(ctx, st.Calendar+"/timestamp/"+st.Digest)
		if err != nil {
			a.log.Debug().Err(err).Str("bundle", st.BundleID).Msg("ots upgrade not ready")
			continue
		}
		if err := a.writeProof(st.BundleID, upgraded); err != nil {
			a.log.Warn().Err(err).Str("bundle", st.BundleID).Msg("write ots proof failed")
			continue
		}
		a.log.Info().Str("bundle", st.BundleID).Msg("ots proof upgraded")
		a.drop(st.BundleID)
	}
}

// Run upgrades pending proofs on a fixed cadence until ctx is done.
func (a *Anchor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.UpgradeDue(ctx)
		}
	}
}

// Pending returns the number of proofs awaiting upgrade.
func (a *Anchor) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Anchor) writeProof(bundleID string, proof []byte) error {
	m := bundleIDPattern.FindStringSubmatch(bundleID)
	if m == nil {
		return fmt.Errorf("malformed bundle id %q", bundleID)
	}
	dir := filepath.Join(a.dir, "evidence", m[1], m[2], m[3], bundleID)
	tmp := filepath.Join(dir, "bundle.ots.tmp")
	if err := writeFileSync(tmp, proof); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "bundle.ots"))
}

func (a *Anchor) drop(bundleID string) {
	a.mu.Lock()
	delete(a.pending, bundleID)
	a.saveLocked()
	a.mu.Unlock()
}

func (a *Anchor) statePath() string {
	return filepath.Join(a.dir, "anchors", "pending.json")
}

// saveLocked persists pending state; callers hold mu.
func (a *Anchor) saveLocked() {
	data, err := json.MarshalIndent(a.pending, "", "  ")
	if err != nil {
		return
	}
	tmp := a.statePath() + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		a.log.Warn().Err(err).Msg("anchor state write failed")
		return
	}
	if err := os.Rename(tmp, a.statePath()); err != nil {
		a.log.Warn().Err(err).Msg("anchor state commit failed")
	}
}

func (a *Anchor) post(url string, body []byte) ([]byte, error) {
	resp, err := a.client.Post(url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return data, nil
}

func (a *Anchor) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return data, nil
}
