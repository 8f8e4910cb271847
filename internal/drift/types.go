// Package drift defines the scan-side data model: targets, drift results,
// and the detector contract.
package drift

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"
)

// Platform identifies the kind of system a target runs.
type Platform string

const (
	PlatformWindows   Platform = "windows"
	PlatformLinux     Platform = "linux"
	PlatformNixOSSelf Platform = "nixos-self"
)

// Transport identifies how scripts reach a target.
type Transport string

const (
	TransportWinRM Transport = "winrm"
	TransportSSH   Transport = "ssh"
	TransportLocal Transport = "local"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusPass  Status = "pass"
	StatusWarn  Status = "warn"
	StatusFail  Status = "fail"
	StatusError Status = "error"
)

// Severity grades a drift finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Credentials is the in-memory credential material for a target. It is
// re-supplied by the server on every check-in and must never reach disk;
// every field is excluded from JSON.
type Credentials struct {
	Username     string `json:"-"`
	Password     string `json:"-"`
	PrivateKey   string `json:"-"`
	SudoPassword string `json:"-"`
}

// Target describes one machine the agent monitors. The target set is
// rebuilt atomically from each check-in response.
type Target struct {
	Hostname  string    `json:"hostname"`
	Address   string    `json:"address,omitempty"`
	Platform  Platform  `json:"platform"`
	Transport Transport `json:"transport"`
	Port      int       `json:"port,omitempty"`

	// UseTLS covers WinRM HTTPS (5986). Plaintext 5985 is permitted only
	// when the server-side target config explicitly asks for it.
	UseTLS    bool `json:"use_tls"`
	VerifyTLS bool `json:"verify_tls"`

	Credentials *Credentials `json:"-"`
}

// ID returns the stable identifier used for per-target serialization.
func (t *Target) ID() string {
	return t.Hostname
}

// Addr returns the dial address, preferring the explicit address.
func (t *Target) Addr() string {
	if t.Address != "" {
		return t.Address
	}
	return t.Hostname
}

// Fragment is a hash-addressed piece of captured evidence.
type Fragment struct {
	SHA256  string `json:"sha256"`
	Content string `json:"content"`
}

// NewFragment hashes content into a Fragment.
func NewFragment(content string) Fragment {
	sum := sha256.Sum256([]byte(content))
	return Fragment{SHA256: fmt.Sprintf("%x", sum), Content: content}
}

// Result is the outcome of one check on one target. Results are not
// persisted; the incident builder consumes them.
type Result struct {
	CheckID           string         `json:"check_id"`
	TargetID          string         `json:"target_id"`
	Platform          Platform       `json:"platform"`
	Status            Status         `json:"status"`
	Severity          Severity       `json:"severity"`
	Drifted           bool           `json:"drifted"`
	PreState          map[string]any `json:"pre_state"`
	RecommendedAction string         `json:"recommended_action,omitempty"`
	ControlIDs        []string       `json:"control_ids,omitempty"`
	Fragments         []Fragment     `json:"fragments,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Pass builds a non-drifted result. Drifted=false always pairs with
// status=pass.
func Pass(checkID, targetID string, platform Platform, preState map[string]any) Result {
	return Result{
		CheckID:   checkID,
		TargetID:  targetID,
		Platform:  platform,
		Status:    StatusPass,
		Severity:  SeverityInfo,
		Drifted:   false,
		PreState:  preState,
		Timestamp: time.Now().UTC(),
	}
}

// Detector is the contract every drift detector satisfies. Run must be
// idempotent and side-effect-free on the target; remediation belongs to
// the healer.
type Detector interface {
	Name() string
	Platform() Platform
	Run(ctx context.Context, target *Target) ([]Result, error)
}

// ScriptResult is the outer contract both remote executors return.
type ScriptResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration_ms"`
}

// Runner executes a script on a target. Both transports and the local
// path satisfy it; parameters are injected per the transport's contract.
type Runner interface {
	RunScript(ctx context.Context, target *Target, script string, params map[string]string, timeout time.Duration) (*ScriptResult, error)
}
