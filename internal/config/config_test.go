package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeKey(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "signing.key")
	if err := os.WriteFile(path, make([]byte, 32), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	key := writeKey(t, dir)
	path := writeConfig(t, dir, `
site_id: clinic-001
host_id: appliance-01
signing_key_path: `+key+`
state_dir: `+dir+`
rules_dir: `+filepath.Join(dir, "rules")+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Intervals.CheckinSec != 60 {
		t.Errorf("checkin interval = %d, want 60", cfg.Intervals.CheckinSec)
	}
	if cfg.Intervals.DriftScanSec != 300 {
		t.Errorf("drift scan interval = %d, want 300", cfg.Intervals.DriftScanSec)
	}
	if cfg.Intervals.JitterPct != 0.1 {
		t.Errorf("jitter = %v, want 0.1", cfg.Intervals.JitterPct)
	}
	if !cfg.Healing.Enabled || cfg.Healing.DryRun {
		t.Errorf("healing defaults wrong: enabled=%v dry_run=%v", cfg.Healing.Enabled, cfg.Healing.DryRun)
	}
	if !cfg.VerifyTLS() {
		t.Error("verify_tls should default true")
	}
	if !cfg.GRPCEnabled() || cfg.GRPC.Port != 50051 {
		t.Errorf("grpc defaults wrong: enabled=%v port=%d", cfg.GRPCEnabled(), cfg.GRPC.Port)
	}
	if cfg.Healing.Circuit.FailuresToOpen != 5 || cfg.Healing.Circuit.OpenDurationSec != 1800 {
		t.Errorf("circuit defaults wrong: %+v", cfg.Healing.Circuit)
	}
}

func TestLoadMissingSiteID(t *testing.T) {
	dir := t.TempDir()
	key := writeKey(t, dir)
	path := writeConfig(t, dir, `
host_id: appliance-01
signing_key_path: `+key+`
state_dir: `+dir+`
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing site_id")
	}
}

func TestLoadRejectsPermissiveKey(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "signing.key")
	if err := os.WriteFile(key, make([]byte, 32), 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	path := writeConfig(t, dir, `
site_id: clinic-001
host_id: appliance-01
signing_key_path: `+key+`
state_dir: `+dir+`
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for 0644 key file")
	}
}

func TestLoadAllowsMissingKey(t *testing.T) {
	// First boot: the key does not exist yet and is generated later.
	dir := t.TempDir()
	path := writeConfig(t, dir, `
site_id: clinic-001
host_id: appliance-01
signing_key_path: `+filepath.Join(dir, "signing.key")+`
state_dir: `+dir+`
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load with absent key: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	key := writeKey(t, dir)
	path := writeConfig(t, dir, `
site_id: clinic-001
host_id: appliance-01
signing_key_path: `+key+`
state_dir: `+dir+`
healing:
  dry_run: false
`)
	t.Setenv("HEALING_DRY_RUN", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Healing.DryRun {
		t.Error("HEALING_DRY_RUN=true should override file")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
}

func TestJitterOutOfRange(t *testing.T) {
	dir := t.TempDir()
	key := writeKey(t, dir)
	path := writeConfig(t, dir, `
site_id: clinic-001
host_id: appliance-01
signing_key_path: `+key+`
state_dir: `+dir+`
intervals:
  jitter_pct: 0.9
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for jitter_pct 0.9")
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("02:00-04:30")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	in := time.Date(2026, 1, 15, 3, 0, 0, 0, time.UTC)
	out := time.Date(2026, 1, 15, 5, 0, 0, 0, time.UTC)
	if !w.Contains(in) {
		t.Errorf("%v should be inside 02:00-04:30", in)
	}
	if w.Contains(out) {
		t.Errorf("%v should be outside 02:00-04:30", out)
	}

	if _, err := ParseWindow("2am-4am"); err == nil {
		t.Error("expected parse error for 2am-4am")
	}
}

func TestWindowCrossesMidnight(t *testing.T) {
	w, err := ParseWindow("22:00-04:00")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	cases := []struct {
		hour int
		want bool
	}{
		{23, true},
		{1, true},
		{4, false},
		{12, false},
		{22, true},
	}
	for _, tc := range cases {
		ts := time.Date(2026, 1, 15, tc.hour, 0, 0, 0, time.UTC)
		if got := w.Contains(ts); got != tc.want {
			t.Errorf("Contains(%02d:00) = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestWindowNextStart(t *testing.T) {
	w, _ := ParseWindow("22:00-04:00")

	before := time.Date(2026, 1, 15, 20, 0, 0, 0, time.UTC)
	next := w.NextStart(before)
	want := time.Date(2026, 1, 15, 22, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextStart(20:00) = %v, want %v", next, want)
	}

	// Inside the window the next start is now.
	inside := time.Date(2026, 1, 15, 23, 0, 0, 0, time.UTC)
	if got := w.NextStart(inside); !got.Equal(inside) {
		t.Errorf("NextStart(inside) = %v, want %v", got, inside)
	}

	// Past the start, outside the window: tomorrow.
	after := time.Date(2026, 1, 15, 5, 0, 0, 0, time.UTC)
	next = w.NextStart(after)
	want = time.Date(2026, 1, 15, 22, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextStart(05:00) = %v, want %v", next, want)
	}
}
