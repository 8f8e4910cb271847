// Package runbook holds the runbook registry: named remediation script
// bundles with remediate and verify phases. The agent dispatches runbooks
// but never invents remediation logic of its own.
package runbook

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/drift"
)

//go:embed runbooks.json
var builtinJSON []byte

// Runbook is one script bundle. Success requires the remediate phase to
// exit 0 and the verify phase to exit 0 afterward.
type Runbook struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Platform    drift.Platform `json:"platform"`

	// Disruptive runbooks are deferred outside the maintenance window.
	Disruptive bool `json:"disruptive"`

	Remediate string `json:"remediate_script"`
	Verify    string `json:"verify_script"`

	ControlIDs     []string `json:"control_ids,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`

	// Source is "builtin" or the extension file the runbook came from.
	Source string `json:"-"`
}

// Timeout returns the runbook's per-phase timeout in seconds, defaulted.
func (r *Runbook) Timeout() int {
	if r.TimeoutSeconds > 0 {
		return r.TimeoutSeconds
	}
	return 120
}

// Registry is the runbook lookup table: embedded builtins overlaid by
// JSON files from the extension directory.
type Registry struct {
	log    zerolog.Logger
	extDir string

	mu       sync.RWMutex
	runbooks map[string]*Runbook
}

// NewRegistry parses the embedded builtins and overlays any runbooks
// found in extDir (optional; missing dir is fine).
func NewRegistry(log zerolog.Logger, extDir string) (*Registry, error) {
	reg := &Registry{log: log, extDir: extDir}
	if err := reg.Reload(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Reload re-reads the extension directory over the builtins. Extension
// runbooks with a builtin's id replace it.
func (reg *Registry) Reload() error {
	books := make(map[string]*Runbook)

	var builtins map[string]*Runbook
	if err := json.Unmarshal(builtinJSON, &builtins); err != nil {
		return fmt.Errorf("parse embedded runbooks: %w", err)
	}
	for id, rb := range builtins {
		rb.ID = id
		rb.Source = "builtin"
		books[id] = rb
	}

	if reg.extDir != "" {
		if err := reg.loadDir(books, reg.extDir); err != nil {
			return err
		}
	}

	reg.mu.Lock()
	reg.runbooks = books
	reg.mu.Unlock()
	reg.log.Info().Int("count", len(books)).Msg("runbook registry loaded")
	return nil
}

func (reg *Registry) loadDir(books map[string]*Runbook, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read runbook dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			reg.log.Error().Err(err).Str("file", name).Msg("skipping unreadable runbook file")
			continue
		}

		// A file holds either one runbook object or a map keyed by id.
		var single Runbook
		if err := json.Unmarshal(data, &single); err == nil && single.ID != "" {
			single.Source = name
			books[single.ID] = &single
			continue
		}
		var many map[string]*Runbook
		if err := json.Unmarshal(data, &many); err != nil {
			reg.log.Error().Err(err).Str("file", name).Msg("skipping malformed runbook file")
			continue
		}
		for id, rb := range many {
			if rb == nil {
				continue
			}
			rb.ID = id
			rb.Source = name
			books[id] = rb
		}
	}
	return nil
}

// Get returns the runbook with the given id, or nil.
func (reg *Registry) Get(id string) *Runbook {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.runbooks[id]
}

// IDs returns all runbook ids, sorted. The L2 planner context lists
// these (names only, no scripts).
func (reg *Registry) IDs() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := make([]string, 0, len(reg.runbooks))
	for id := range reg.runbooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForPlatform returns ids of runbooks applicable to one platform, sorted.
func (reg *Registry) ForPlatform(p drift.Platform) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var ids []string
	for id, rb := range reg.runbooks {
		if rb.Platform == p {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered runbooks.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.runbooks)
}

// legacyActions maps retired free-form rule actions to the runbook that
// replaced them. Only the rule loader consults this.
var legacyActions = map[string]string{
	"restore_firewall_baseline":  "RB-WIN-SEC-001",
	"restart_firewall_service":   "RB-WIN-SEC-002",
	"enable_defender_realtime":   "RB-WIN-AV-001",
	"update_defender_signatures": "RB-WIN-AV-002",
	"restart_auditd":             "RB-LNX-AUD-001",
	"harden_sshd":                "RB-LNX-SSH-001",
	"cleanup_disk":               "RB-SELF-DISK-001",
}

// MigrateAction resolves a legacy action name to a runbook id. Returns
// the id and true when the action is a known legacy alias.
func MigrateAction(action string) (string, bool) {
	id, ok := legacyActions[action]
	return id, ok
}
