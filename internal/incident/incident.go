// Package incident defines the durable incident record and its store.
package incident

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/osiriscare/appliance-agent/internal/crypto"
	"github.com/osiriscare/appliance-agent/internal/drift"
)

// Status is an incident's resolution status. Resolved and escalated are
// terminal; a terminal incident never reverts.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusEscalated
}

// Tier identifies which healer tier produced a resolution.
type Tier string

const (
	TierL1   Tier = "L1"
	TierL2   Tier = "L2"
	TierL3   Tier = "L3"
	TierNone Tier = ""
)

// Outcome is the terminal result of a healing attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeNone    Outcome = ""
)

// Incident is one persistent record of a drift instance, tracked through
// to a terminal resolution. Resolution fields are set only by the healer.
type Incident struct {
	ID               string         `json:"id"`
	SiteID           string         `json:"site_id"`
	HostID           string         `json:"host_id"`
	CheckType        string         `json:"check_type"`
	Platform         drift.Platform `json:"platform"`
	Severity         drift.Severity `json:"severity"`
	CreatedAt        time.Time      `json:"created_at"`
	RawState         map[string]any `json:"raw_state"`
	PatternSignature string         `json:"pattern_signature"`

	Status     Status     `json:"status"`
	Tier       Tier       `json:"tier,omitempty"`
	Outcome    Outcome    `json:"outcome,omitempty"`
	RunbookID  string     `json:"runbook_id,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// RecommendedAction carries the detector's runbook suggestion into
	// the healer; it is advisory, not binding.
	RecommendedAction string   `json:"recommended_action,omitempty"`
	ControlIDs        []string `json:"control_ids,omitempty"`
}

// FromDrift builds a new open incident from a drifted result.
func FromDrift(siteID string, r drift.Result) *Incident {
	raw := make(map[string]any, len(r.PreState)+1)
	for k, v := range r.PreState {
		raw[k] = v
	}
	raw["status"] = string(r.Status)

	return &Incident{
		ID:                uuid.NewString(),
		SiteID:            siteID,
		HostID:            r.TargetID,
		CheckType:         r.CheckID,
		Platform:          r.Platform,
		Severity:          r.Severity,
		CreatedAt:         time.Now().UTC(),
		RawState:          raw,
		PatternSignature:  Signature(r.CheckID, raw),
		Status:            StatusOpen,
		RecommendedAction: r.RecommendedAction,
		ControlIDs:        r.ControlIDs,
	}
}

// ResourceKey returns the per-resource serialization key used for
// cooldown and circuit accounting.
func (i *Incident) ResourceKey() string {
	return i.HostID + ":" + i.CheckType
}

// volatileStateKeys are dropped from the signature input: they vary
// between semantically equal states.
var volatileStateKeys = map[string]bool{
	"timestamp":   true,
	"observed_at": true,
	"ts":          true,
	"duration_ms": true,
	"free_bytes":  true,
}

// Signature computes the stable pattern signature over a normalized
// state. Semantically equal states hash identically regardless of map
// iteration order or volatile fields.
func Signature(checkType string, rawState map[string]any) string {
	normalized := make(map[string]any, len(rawState))
	for k, v := range rawState {
		if volatileStateKeys[k] {
			continue
		}
		normalized[k] = v
	}
	payload, err := crypto.Canonical(map[string]any{
		"check_type": checkType,
		"state":      normalized,
	})
	if err != nil {
		// Canonical only fails on unmarshalable values; fall back to the
		// check type alone rather than poisoning the pipeline.
		payload = []byte(checkType)
	}
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%x", sum[:8])
}
