package drift

import (
	"testing"
)

func TestPassInvariant(t *testing.T) {
	r := Pass("firewall", "ws01", PlatformWindows, nil)
	if r.Drifted {
		t.Error("Pass result must not be drifted")
	}
	if r.Status != StatusPass {
		t.Errorf("status = %s, want pass", r.Status)
	}
}

func TestNewFragmentDeterministic(t *testing.T) {
	a := NewFragment("iptables-save output")
	b := NewFragment("iptables-save output")
	if a.SHA256 != b.SHA256 {
		t.Error("same content must hash identically")
	}
	if len(a.SHA256) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a.SHA256))
	}
}

func TestEvaluateWindowsFirewallProfileDisabled(t *testing.T) {
	state := windowsScanState{
		FirewallProfiles:   map[string]bool{"Domain": false, "Private": true},
		FirewallService:    "Running",
		DefenderService:    "Running",
		RealTimeProtection: true,
		DefinitionAgeDays:  1,
		BitLocker:          "On",
		DaysSinceLastPatch: 5,
		ScreenLockSecs:     600,
		EventLog:           "Running",
		LogonAuditing:      true,
	}
	target := &Target{Hostname: "WS01", Platform: PlatformWindows}

	results := evaluateWindows(state, target)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1: %+v", len(results), results)
	}
	r := results[0]
	if r.CheckID != "firewall" || !r.Drifted || r.Status != StatusFail {
		t.Errorf("unexpected result: %+v", r)
	}
	if r.RecommendedAction != "RB-WIN-SEC-001" {
		t.Errorf("recommended action = %s, want RB-WIN-SEC-001", r.RecommendedAction)
	}
	if enabled, ok := r.PreState["profile_enabled"].(bool); !ok || enabled {
		t.Errorf("pre_state.profile_enabled = %v, want false", r.PreState["profile_enabled"])
	}
}

func TestEvaluateWindowsServiceStoppedNotProfile(t *testing.T) {
	// A stopped firewall service must not also report per-profile drift:
	// the profiles are meaningless while the service is down.
	state := windowsScanState{
		FirewallProfiles:   map[string]bool{"Domain": false},
		FirewallService:    "Stopped",
		DefenderService:    "Running",
		RealTimeProtection: true,
		DefinitionAgeDays:  1,
		BitLocker:          "On",
		DaysSinceLastPatch: 5,
		ScreenLockSecs:     600,
		EventLog:           "Running",
		LogonAuditing:      true,
	}
	results := evaluateWindows(state, &Target{Hostname: "WS01"})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1: %+v", len(results), results)
	}
	if results[0].CheckID != "firewall_service" {
		t.Errorf("check = %s, want firewall_service", results[0].CheckID)
	}
	if results[0].Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", results[0].Severity)
	}
}

func TestEvaluateWindowsCleanBaseline(t *testing.T) {
	state := windowsScanState{
		FirewallProfiles:   map[string]bool{"Domain": true, "Private": true, "Public": true},
		FirewallService:    "Running",
		DefenderService:    "Running",
		RealTimeProtection: true,
		DefinitionAgeDays:  2,
		BitLocker:          "On",
		DaysSinceLastPatch: 10,
		ScreenLockSecs:     900,
		EventLog:           "Running",
		LogonAuditing:      true,
	}
	if results := evaluateWindows(state, &Target{Hostname: "WS01"}); len(results) != 0 {
		t.Errorf("clean state produced drift: %+v", results)
	}
}

func TestEvaluateWindowsStaleDefinitions(t *testing.T) {
	state := windowsScanState{
		FirewallProfiles:   map[string]bool{"Domain": true},
		FirewallService:    "Running",
		DefenderService:    "Running",
		RealTimeProtection: true,
		DefinitionAgeDays:  9,
		BitLocker:          "On",
		DaysSinceLastPatch: 5,
		ScreenLockSecs:     600,
		EventLog:           "Running",
		LogonAuditing:      true,
	}
	results := evaluateWindows(state, &Target{Hostname: "WS01"})
	if len(results) != 1 || results[0].CheckID != "defender_definitions" {
		t.Fatalf("want single defender_definitions drift, got %+v", results)
	}
}

func TestParseLinuxStateSkipsNoise(t *testing.T) {
	out := "Warning: sudo lecture\n" +
		`{"ssh_root_login":"no","ssh_password_auth":"no","firewall":"nftables","firewall_rules":12,"audit":"auditd","mac":"apparmor_enforcing","pending_security_updates":0,"shadow_mode":"640","extra_uid0":"none"}`
	state, err := parseLinuxState(out)
	if err != nil {
		t.Fatalf("parseLinuxState: %v", err)
	}
	if state.Firewall != "nftables" || state.FirewallRules != 12 {
		t.Errorf("bad parse: %+v", state)
	}
}

func TestParseLinuxStateNoJSON(t *testing.T) {
	if _, err := parseLinuxState("command not found"); err == nil {
		t.Fatal("expected error for output without JSON")
	}
}

func TestEvaluateLinuxClean(t *testing.T) {
	state := linuxScanState{
		SSHRootLogin:    "no",
		SSHPasswordAuth: "no",
		Firewall:        "nftables",
		FirewallRules:   10,
		Audit:           "auditd",
		MAC:             "selinux_enforcing",
		ShadowMode:      "640",
		ExtraUID0:       "none",
	}
	if results := evaluateLinux(state, &Target{Hostname: "db01"}); len(results) != 0 {
		t.Errorf("clean state produced drift: %+v", results)
	}
}

func TestEvaluateLinuxSSHAndFirewall(t *testing.T) {
	state := linuxScanState{
		SSHRootLogin:    "yes",
		SSHPasswordAuth: "yes",
		Firewall:        "inactive",
		Audit:           "auditd",
		MAC:             "apparmor_enforcing",
		ShadowMode:      "640",
		ExtraUID0:       "none",
	}
	results := evaluateLinux(state, &Target{Hostname: "db01"})
	checks := map[string]bool{}
	for _, r := range results {
		checks[r.CheckID] = true
		if !r.Drifted {
			t.Errorf("%s: drifted=false on a failing check", r.CheckID)
		}
	}
	if !checks["ssh_hardening"] || !checks["firewall"] {
		t.Errorf("missing expected checks, got %v", checks)
	}
}

func TestEvaluateLinuxUID0Escalates(t *testing.T) {
	state := linuxScanState{
		SSHRootLogin:    "no",
		SSHPasswordAuth: "no",
		Firewall:        "ufw",
		FirewallRules:   5,
		Audit:           "auditd",
		MAC:             "apparmor_enforcing",
		ShadowMode:      "640",
		ExtraUID0:       "backdoor",
	}
	results := evaluateLinux(state, &Target{Hostname: "db01"})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].RecommendedAction != "escalate" || results[0].Severity != SeverityCritical {
		t.Errorf("uid0 account should escalate at critical: %+v", results[0])
	}
}

func TestStripIptablesComments(t *testing.T) {
	in := "# Generated by iptables-save v1.8 on Mon Jan 1\n*filter\n:INPUT DROP [0:0]\n# Completed\n"
	out := stripIptablesComments(in)
	if out != "*filter\n:INPUT DROP [0:0]\n\n" {
		t.Errorf("unexpected strip output: %q", out)
	}
}
