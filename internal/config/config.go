// Package config loads and validates the appliance agent configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full agent configuration. Built once at startup from
// defaults, the YAML file, and environment overrides; never mutated after.
type Config struct {
	SiteID string `yaml:"site_id"`
	HostID string `yaml:"host_id"`

	CentralCommand CentralCommandConfig `yaml:"central_command"`
	Intervals      IntervalConfig       `yaml:"intervals"`
	Healing        HealingConfig        `yaml:"healing"`
	Escalation     EscalationConfig     `yaml:"escalation"`
	Queue          QueueConfig          `yaml:"queue"`
	GRPC           GRPCConfig           `yaml:"grpc"`
	OTS            OTSConfig            `yaml:"ots"`

	// MaintenanceWindow is "HH:MM-HH:MM" UTC and may cross midnight.
	// Empty means no window: disruptive work runs immediately.
	MaintenanceWindow string `yaml:"maintenance_window"`

	RulesDir       string `yaml:"rules_dir"`
	SigningKeyPath string `yaml:"signing_key_path"`
	StateDir       string `yaml:"state_dir"`
	LogLevel       string `yaml:"log_level"`
}

// CentralCommandConfig describes the remote REST endpoint.
type CentralCommandConfig struct {
	URL              string `yaml:"url"`
	APIKeyFile       string `yaml:"api_key_file"`
	VerifyTLS        *bool  `yaml:"verify_tls"`
	ServerPubKeyPath string `yaml:"server_pubkey_path"`
}

// IntervalConfig holds cadence intervals in seconds.
type IntervalConfig struct {
	CheckinSec               int     `yaml:"checkin_sec"`
	DriftScanSec             int     `yaml:"drift_scan_sec"`
	WorkstationDiscoverySec  int     `yaml:"workstation_discovery_sec"`
	WorkstationComplianceSec int     `yaml:"workstation_compliance_sec"`
	LearningSyncSec          int     `yaml:"learning_sync_sec"`
	QueueDrainSec            int     `yaml:"queue_drain_sec"`
	FlapGCSec                int     `yaml:"flap_gc_sec"`
	JitterPct                float64 `yaml:"jitter_pct"`
}

// HealingConfig controls the three-tier auto-healer.
type HealingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	DryRun      bool          `yaml:"dry_run"`
	L2Enabled   bool          `yaml:"l2_enabled"`
	CooldownSec int           `yaml:"cooldown_sec"`
	L2          L2Config      `yaml:"l2"`
	Circuit     CircuitConfig `yaml:"circuit"`
	Flap        FlapConfig    `yaml:"flap"`
}

// L2Config bounds the LLM planner.
type L2Config struct {
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	Endpoint        string  `yaml:"endpoint"`
	APIKeyFile      string  `yaml:"api_key_file"`
	DailyBudgetUSD  float64 `yaml:"daily_budget_usd"`
	MaxCallsPerHour int     `yaml:"max_calls_per_hour"`
	MaxConcurrent   int     `yaml:"max_concurrent"`
	MinConfidence   float64 `yaml:"min_confidence"`
}

// CircuitConfig controls the per-incident-type circuit breaker.
type CircuitConfig struct {
	FailuresToOpen  int `yaml:"failures_to_open"`
	OpenDurationSec int `yaml:"open_duration_sec"`
}

// FlapConfig controls flap detection.
type FlapConfig struct {
	WindowSec int `yaml:"window_sec"`
	Threshold int `yaml:"threshold"`
}

// EscalationConfig lists L3 delivery channels. Empty values disable a channel.
type EscalationConfig struct {
	SlackWebhookURL   string      `yaml:"slack_webhook_url"`
	PagerDutyRouteKey string      `yaml:"pagerduty_routing_key"`
	WebhookURL        string      `yaml:"webhook_url"`
	Email             EmailConfig `yaml:"email"`
}

// EmailConfig configures SMTP escalation delivery.
type EmailConfig struct {
	SMTPAddr string   `yaml:"smtp_addr"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// QueueConfig bounds the offline queue.
type QueueConfig struct {
	MaxEntries int `yaml:"max_entries"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// GRPCConfig controls the workstation intake server.
type GRPCConfig struct {
	Enabled  *bool `yaml:"enabled"`
	Port     int   `yaml:"port"`
	HTTPPort int   `yaml:"http_port"`
}

// OTSConfig controls OpenTimestamps anchoring of bundle hashes.
type OTSConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Calendars []string `yaml:"calendars"`
}

// Default returns a config with production defaults.
func Default() Config {
	verifyTLS := true
	grpcEnabled := true
	return Config{
		CentralCommand: CentralCommandConfig{
			URL:       "https://api.osiriscare.net",
			VerifyTLS: &verifyTLS,
		},
		Intervals: IntervalConfig{
			CheckinSec:               60,
			DriftScanSec:             300,
			WorkstationDiscoverySec:  3600,
			WorkstationComplianceSec: 600,
			LearningSyncSec:          14400,
			QueueDrainSec:            5,
			FlapGCSec:                60,
			JitterPct:                0.1,
		},
		Healing: HealingConfig{
			Enabled:     true,
			DryRun:      false,
			L2Enabled:   false,
			CooldownSec: 300,
			L2: L2Config{
				Provider:        "anthropic",
				Model:           "claude-3-5-haiku-latest",
				DailyBudgetUSD:  10.0,
				MaxCallsPerHour: 60,
				MaxConcurrent:   3,
				MinConfidence:   0.6,
			},
			Circuit: CircuitConfig{
				FailuresToOpen:  5,
				OpenDurationSec: 1800,
			},
			Flap: FlapConfig{
				WindowSec: 1800,
				Threshold: 5,
			},
		},
		Queue: QueueConfig{
			MaxEntries: 10000,
			MaxAgeDays: 7,
		},
		GRPC: GRPCConfig{
			Enabled:  &grpcEnabled,
			Port:     50051,
			HTTPPort: 9090,
		},
		OTS: OTSConfig{
			Calendars: []string{
				"https://a.pool.opentimestamps.org",
				"https://b.pool.opentimestamps.org",
			},
		},
		RulesDir: "/var/lib/msp/rules",
		StateDir: "/var/lib/msp",
		LogLevel: "info",
	}
}

// Load reads configuration from a YAML file, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Environment wins over the file:
// the installed OS may be read-only, so runtime toggles must not require
// editing it.
func applyEnv(cfg *Config) {
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("HEALING_DRY_RUN"); v != "" {
		cfg.Healing.DryRun = !isFalsy(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("RULES_DIR"); v != "" {
		cfg.RulesDir = v
	}
	if v := os.Getenv("GRPC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.GRPC.Port = p
		}
	}
}

// Validate checks the invariants a config must satisfy before the agent
// starts. Failures here map to exit code 1.
func (c *Config) Validate() error {
	if c.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	if c.SigningKeyPath == "" {
		return fmt.Errorf("signing_key_path is required")
	}
	// A missing key is generated on first boot; only a present but
	// unreadable or over-permissive key is a config error.
	info, err := os.Stat(c.SigningKeyPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("signing key: %w", err)
	default:
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return fmt.Errorf("signing key %s mode %o too permissive (want <= 0600)", c.SigningKeyPath, mode)
		}
	}
	if j := c.Intervals.JitterPct; j < 0 || j > 0.5 {
		return fmt.Errorf("intervals.jitter_pct %v out of range [0, 0.5]", j)
	}
	if c.MaintenanceWindow != "" {
		if _, err := ParseWindow(c.MaintenanceWindow); err != nil {
			return fmt.Errorf("maintenance_window: %w", err)
		}
	}
	if c.RulesDir != "" {
		if err := os.MkdirAll(c.RulesDir, 0o755); err != nil {
			return fmt.Errorf("rules_dir: %w", err)
		}
	}
	if err := os.MkdirAll(c.StateDir, 0o700); err != nil {
		return fmt.Errorf("state_dir: %w", err)
	}
	return nil
}

// Window returns the parsed maintenance window, or nil when none is set.
// Validate guarantees the string parses.
func (c *Config) Window() *MaintenanceWindow {
	if c.MaintenanceWindow == "" {
		return nil
	}
	w, err := ParseWindow(c.MaintenanceWindow)
	if err != nil {
		return nil
	}
	return &w
}

// VerifyTLS reports whether server certificates are validated.
func (c *Config) VerifyTLS() bool {
	return c.CentralCommand.VerifyTLS == nil || *c.CentralCommand.VerifyTLS
}

// GRPCEnabled reports whether the workstation intake server runs.
func (c *Config) GRPCEnabled() bool {
	return c.GRPC.Enabled == nil || *c.GRPC.Enabled
}

// IncidentDBPath returns the incident store database path.
func (c *Config) IncidentDBPath() string {
	return filepath.Join(c.StateDir, "incidents.db")
}

// QueueDir returns the offline queue directory.
func (c *Config) QueueDir() string {
	return filepath.Join(c.StateDir, "queue")
}

// EvidenceDir returns the evidence bundle root.
func (c *Config) EvidenceDir() string {
	return filepath.Join(c.StateDir, "evidence")
}

// ChainDir returns the directory holding per-(site, host) parent hashes.
func (c *Config) ChainDir() string {
	return filepath.Join(c.StateDir, "chain")
}

// NoncesPath returns the order replay-cache file.
func (c *Config) NoncesPath() string {
	return filepath.Join(c.StateDir, "nonces", "used.json")
}

// RunbooksDir returns the directory of operator-supplied runbook definitions.
func (c *Config) RunbooksDir() string {
	return filepath.Join(c.StateDir, "runbooks")
}

// MaintenanceWindow is a daily UTC window, possibly crossing midnight.
type MaintenanceWindow struct {
	StartHour, StartMin int
	EndHour, EndMin     int
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (MaintenanceWindow, error) {
	var w MaintenanceWindow
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return w, fmt.Errorf("want HH:MM-HH:MM, got %q", s)
	}
	var err error
	w.StartHour, w.StartMin, err = parseHHMM(parts[0])
	if err != nil {
		return w, err
	}
	w.EndHour, w.EndMin, err = parseHHMM(parts[1])
	if err != nil {
		return w, err
	}
	return w, nil
}

func parseHHMM(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("bad time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Contains reports whether t (UTC) falls inside the window.
func (w MaintenanceWindow) Contains(t time.Time) bool {
	t = t.UTC()
	cur := t.Hour()*60 + t.Minute()
	start := w.StartHour*60 + w.StartMin
	end := w.EndHour*60 + w.EndMin
	if start <= end {
		return cur >= start && cur < end
	}
	// Crosses midnight: e.g. 22:00-04:00.
	return cur >= start || cur < end
}

// NextStart returns the next window opening at or after t.
func (w MaintenanceWindow) NextStart(t time.Time) time.Time {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), w.StartHour, w.StartMin, 0, 0, time.UTC)
	if !start.After(t) {
		if w.Contains(t) {
			return t
		}
		start = start.Add(24 * time.Hour)
	}
	return start
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}
