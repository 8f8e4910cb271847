package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// linuxScanScript gathers all Linux check state in a single SSH call.
// Values are sanitized before interpolation so the output is valid JSON
// without depending on python on the target.
const linuxScanScript = `#!/bin/bash
set -o pipefail

# SSH hardening
ssh_root="unknown"; ssh_passauth="unknown"
if [ -f /etc/ssh/sshd_config ]; then
    ssh_root=$(grep -i "^PermitRootLogin" /etc/ssh/sshd_config 2>/dev/null | awk '{print $2}' | head -1)
    ssh_passauth=$(grep -i "^PasswordAuthentication" /etc/ssh/sshd_config 2>/dev/null | awk '{print $2}' | head -1)
    [ -z "$ssh_root" ] && ssh_root="prohibit-password"
    [ -z "$ssh_passauth" ] && ssh_passauth="yes"
fi

# Firewall: probe candidates in order of likelihood; first responder wins
fw="inactive"; fw_rules=0
if command -v ufw >/dev/null 2>&1 && ufw status 2>/dev/null | grep -q "Status: active"; then
    fw="ufw"
    fw_rules=$(ufw status 2>/dev/null | grep -c "ALLOW\|DENY\|REJECT\|LIMIT" || true)
elif command -v firewall-cmd >/dev/null 2>&1 && firewall-cmd --state 2>/dev/null | grep -q running; then
    fw="firewalld"
    fw_rules=$(firewall-cmd --list-all 2>/dev/null | grep -c . || true)
elif command -v nft >/dev/null 2>&1 && [ "$(nft list ruleset 2>/dev/null | grep -c rule)" -gt 0 ]; then
    fw="nftables"
    fw_rules=$(nft list ruleset 2>/dev/null | grep -c rule)
elif command -v iptables >/dev/null 2>&1; then
    chains=$(iptables-save 2>/dev/null | grep -c '^:')
    if [ "${chains:-0}" -gt 3 ]; then
        fw="iptables"
        fw_rules=$chains
    fi
fi

# auditd
audit="none"
if systemctl is-active auditd >/dev/null 2>&1; then
    audit="auditd"
elif [ -d /var/log/journal ]; then
    audit="journald_persistent"
else
    audit="journald_volatile"
fi

# MAC: SELinux or AppArmor enforcing
mac="none"
if command -v getenforce >/dev/null 2>&1; then
    mac="selinux_$(getenforce 2>/dev/null | tr 'A-Z' 'a-z')"
elif command -v aa-enabled >/dev/null 2>&1 && aa-enabled >/dev/null 2>&1; then
    mac="apparmor_enforcing"
elif [ -d /sys/kernel/security/apparmor ]; then
    mac="apparmor_loaded"
fi

# Patch level: pending security updates where the package manager can say
pending=0
if command -v apt-get >/dev/null 2>&1; then
    pending=$(apt-get -s upgrade 2>/dev/null | grep -c "^Inst.*security" || true)
elif command -v dnf >/dev/null 2>&1; then
    pending=$(dnf -q updateinfo list sec 2>/dev/null | grep -c . || true)
fi

# CIS basics: shadow perms and UID-0 accounts beyond root
shadow_mode=$(stat -c '%a' /etc/shadow 2>/dev/null || echo "unknown")
extra_root=$(awk -F: '$3 == 0 && $1 != "root" {print $1}' /etc/passwd 2>/dev/null | tr '\n' ',' | sed 's/,$//')
[ -z "$extra_root" ] && extra_root="none"

num() { v=$(echo "$1" | head -1 | tr -dc '0-9'); echo "${v:-0}"; }
fw_rules=$(num "$fw_rules"); pending=$(num "$pending")

printf '{"ssh_root_login":"%s","ssh_password_auth":"%s","firewall":"%s","firewall_rules":%s,"audit":"%s","mac":"%s","pending_security_updates":%s,"shadow_mode":"%s","extra_uid0":"%s"}\n' \
    "$ssh_root" "$ssh_passauth" "$fw" "$fw_rules" "$audit" "$mac" "$pending" "$shadow_mode" "$extra_root"
`

// linuxScanState is the parsed output of the Linux scan script.
type linuxScanState struct {
	SSHRootLogin           string `json:"ssh_root_login"`
	SSHPasswordAuth        string `json:"ssh_password_auth"`
	Firewall               string `json:"firewall"`
	FirewallRules          int    `json:"firewall_rules"`
	Audit                  string `json:"audit"`
	MAC                    string `json:"mac"`
	PendingSecurityUpdates int    `json:"pending_security_updates"`
	ShadowMode             string `json:"shadow_mode"`
	ExtraUID0              string `json:"extra_uid0"`
}

// LinuxDetector checks remote Linux targets over SSH.
type LinuxDetector struct {
	log    zerolog.Logger
	runner Runner
}

// NewLinuxDetector builds a detector backed by an SSH runner.
func NewLinuxDetector(log zerolog.Logger, runner Runner) *LinuxDetector {
	return &LinuxDetector{log: log, runner: runner}
}

func (d *LinuxDetector) Name() string       { return "linux" }
func (d *LinuxDetector) Platform() Platform { return PlatformLinux }

func (d *LinuxDetector) Run(ctx context.Context, target *Target) ([]Result, error) {
	res, err := d.runner.RunScript(ctx, target, linuxScanScript,
		map[string]string{"hostname": target.Hostname}, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", target.Hostname, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("scan %s: exit %d: %s", target.Hostname, res.ExitCode, res.Stderr)
	}

	state, err := parseLinuxState(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("parse scan output for %s: %w", target.Hostname, err)
	}

	results := evaluateLinux(*state, target)
	if len(results) == 0 {
		results = append(results, Pass("linux_baseline", target.ID(), PlatformLinux,
			map[string]any{"checks": "all_pass"}))
	}
	return results, nil
}

// parseLinuxState finds and parses the JSON line in script output,
// skipping any noise the shell printed first.
func parseLinuxState(output string) (*linuxScanState, error) {
	idx := strings.Index(output, "{")
	if idx < 0 {
		return nil, fmt.Errorf("no JSON in output")
	}
	var state linuxScanState
	if err := json.Unmarshal([]byte(output[idx:]), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func evaluateLinux(state linuxScanState, target *Target) []Result {
	now := time.Now().UTC()
	var results []Result

	drifted := func(checkID string, status Status, sev Severity, action string, controls []string, preState map[string]any) {
		results = append(results, Result{
			CheckID:           checkID,
			TargetID:          target.ID(),
			Platform:          PlatformLinux,
			Status:            status,
			Severity:          sev,
			Drifted:           true,
			PreState:          preState,
			RecommendedAction: action,
			ControlIDs:        controls,
			Timestamp:         now,
		})
	}

	var sshIssues []string
	if state.SSHRootLogin == "yes" {
		sshIssues = append(sshIssues, "root_login=yes")
	}
	if state.SSHPasswordAuth == "yes" {
		sshIssues = append(sshIssues, "password_auth=yes")
	}
	if len(sshIssues) > 0 {
		drifted("ssh_hardening", StatusFail, SeverityHigh, "RB-LNX-SSH-001",
			[]string{"164.312(a)(2)(i)"},
			map[string]any{
				"root_login":    state.SSHRootLogin,
				"password_auth": state.SSHPasswordAuth,
				"issues":        strings.Join(sshIssues, ","),
			})
	}

	if state.Firewall == "inactive" || state.FirewallRules == 0 {
		drifted("firewall", StatusFail, SeverityHigh, "RB-LNX-FW-001",
			[]string{"164.312(e)(1)"},
			map[string]any{"firewall": state.Firewall, "rules": state.FirewallRules})
	}

	if state.Audit == "none" || state.Audit == "journald_volatile" {
		drifted("audit_logging", StatusFail, SeverityCritical, "RB-LNX-AUD-001",
			[]string{"164.312(b)"},
			map[string]any{"audit": state.Audit})
	}

	if state.MAC == "none" || state.MAC == "selinux_permissive" || state.MAC == "selinux_disabled" {
		drifted("mac_enforcement", StatusWarn, SeverityMedium, "RB-LNX-MAC-001",
			[]string{"164.312(a)(1)"},
			map[string]any{"mac": state.MAC})
	}

	if state.PendingSecurityUpdates > 0 {
		sev := SeverityMedium
		status := StatusWarn
		if state.PendingSecurityUpdates > 10 {
			sev = SeverityHigh
			status = StatusFail
		}
		drifted("patch_level", status, sev, "RB-LNX-PATCH-001",
			[]string{"164.308(a)(5)(ii)(A)"},
			map[string]any{"pending_security_updates": state.PendingSecurityUpdates})
	}

	if state.ShadowMode != "640" && state.ShadowMode != "600" && state.ShadowMode != "000" && state.ShadowMode != "unknown" {
		drifted("file_permissions", StatusFail, SeverityHigh, "RB-LNX-PERM-001",
			[]string{"164.312(a)(1)"},
			map[string]any{"shadow_mode": state.ShadowMode})
	}

	if state.ExtraUID0 != "none" && state.ExtraUID0 != "" {
		drifted("uid0_accounts", StatusFail, SeverityCritical, "escalate",
			[]string{"164.312(a)(1)"},
			map[string]any{"accounts": state.ExtraUID0})
	}

	return results
}
