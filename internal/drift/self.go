package drift

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
)

// bashCandidates lists paths to search for bash, in priority order.
// NixOS puts bash in /run/current-system/sw/bin/ which is often missing
// from the restricted PATH set by systemd services.
var bashCandidates = []string{
	"/run/current-system/sw/bin/bash",
	"/usr/bin/bash",
	"/bin/bash",
}

// findBash returns the full path to a working bash binary.
func findBash() (string, error) {
	if p, err := exec.LookPath("bash"); err == nil {
		return p, nil
	}
	for _, p := range bashCandidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("bash not found in $PATH or at %v", bashCandidates)
}

// essentialServices are the units the appliance cannot function without.
var essentialServices = []string{"sshd", "chronyd"}

// SelfDetector checks the appliance host itself. All probes run locally.
type SelfDetector struct {
	log    zerolog.Logger
	hostID string
}

// NewSelfDetector builds the appliance self-detector.
func NewSelfDetector(log zerolog.Logger, hostID string) *SelfDetector {
	return &SelfDetector{log: log, hostID: hostID}
}

func (d *SelfDetector) Name() string       { return "self" }
func (d *SelfDetector) Platform() Platform { return PlatformNixOSSelf }

func (d *SelfDetector) Run(ctx context.Context, _ *Target) ([]Result, error) {
	now := time.Now().UTC()
	var results []Result

	drifted := func(checkID string, status Status, sev Severity, action string, preState map[string]any) {
		results = append(results, Result{
			CheckID:           checkID,
			TargetID:          d.hostID,
			Platform:          PlatformNixOSSelf,
			Status:            status,
			Severity:          sev,
			Drifted:           true,
			PreState:          preState,
			RecommendedAction: action,
			Timestamp:         now,
		})
	}

	// Disk: >95% warn, >98% fail.
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		switch {
		case usage.UsedPercent > 98:
			drifted("disk_space", StatusFail, SeverityCritical, "RB-SELF-DISK-001",
				map[string]any{"used_pct": usage.UsedPercent, "free_bytes": usage.Free})
		case usage.UsedPercent > 95:
			drifted("disk_space", StatusWarn, SeverityHigh, "RB-SELF-DISK-001",
				map[string]any{"used_pct": usage.UsedPercent, "free_bytes": usage.Free})
		}
	}

	// NixOS generation: booted system must match current system or a
	// reboot is pending after an update.
	booted, errB := os.Readlink("/run/booted-system")
	current, errC := os.Readlink("/run/current-system")
	if errB == nil && errC == nil && booted != current {
		drifted("nixos_generation", StatusWarn, SeverityLow, "noop",
			map[string]any{"booted": booted, "current": current})
	}

	// Time sync via chrony.
	if synced, ok := d.chronySynced(ctx); ok && !synced {
		drifted("time_sync", StatusFail, SeverityMedium, "RB-SELF-NTP-001",
			map[string]any{"synced": false})
	}

	// Essential service liveness.
	for _, svc := range essentialServices {
		if active, ok := d.serviceActive(ctx, svc); ok && !active {
			drifted("service_"+svc, StatusFail, SeverityHigh, "RB-SELF-SVC-001",
				map[string]any{"service": svc, "active": false})
		}
	}

	// Firewall posture: probe candidates in likelihood order and treat
	// the first responder as authoritative. An inactive sibling service
	// is not drift.
	fwState, fwDrifted := d.firewallPosture(ctx)
	if fwDrifted {
		drifted("firewall", StatusFail, SeverityHigh, "RB-SELF-FW-001", fwState)
	}

	if len(results) == 0 {
		results = append(results, Pass("self_baseline", d.hostID, PlatformNixOSSelf,
			map[string]any{"checks": "all_pass"}))
	}
	return results, nil
}

// firewallPosture probes nftables first; when nftables has no ruleset it
// falls back to iptables, accepting a chain count above 3 with a stable
// iptables-save hash as an active firewall.
func (d *SelfDetector) firewallPosture(ctx context.Context) (map[string]any, bool) {
	if out, err := d.run(ctx, "nft list ruleset 2>/dev/null | grep -c rule"); err == nil {
		if n, _ := strconv.Atoi(strings.TrimSpace(out)); n > 0 {
			return map[string]any{"firewall": "nftables", "rules": n}, false
		}
	}

	save1, err := d.run(ctx, "iptables-save 2>/dev/null")
	if err != nil || strings.TrimSpace(save1) == "" {
		return map[string]any{"firewall": "none"}, true
	}
	chains := strings.Count(save1, "\n:") + btoi(strings.HasPrefix(save1, ":"))
	if chains <= 3 {
		return map[string]any{"firewall": "iptables", "chains": chains}, true
	}

	// Stability probe: a ruleset mid-rewrite would hash differently.
	save2, err := d.run(ctx, "iptables-save 2>/dev/null")
	if err != nil {
		return map[string]any{"firewall": "iptables", "chains": chains}, true
	}
	h1 := sha256.Sum256([]byte(stripIptablesComments(save1)))
	h2 := sha256.Sum256([]byte(stripIptablesComments(save2)))
	if h1 != h2 {
		return map[string]any{"firewall": "iptables", "chains": chains, "stable": false}, true
	}
	return map[string]any{"firewall": "iptables", "chains": chains, "stable": true}, false
}

// stripIptablesComments removes the timestamped comment lines so the
// stability hash only covers rules.
func stripIptablesComments(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func (d *SelfDetector) chronySynced(ctx context.Context) (synced, ok bool) {
	out, err := d.run(ctx, "chronyc tracking 2>/dev/null | grep 'Leap status'")
	if err != nil {
		// chronyc missing: fall back to timedatectl.
		out, err = d.run(ctx, "timedatectl show --property=NTPSynchronized --value 2>/dev/null")
		if err != nil {
			return false, false
		}
		return strings.TrimSpace(out) == "yes", true
	}
	return strings.Contains(out, "Normal"), true
}

func (d *SelfDetector) serviceActive(ctx context.Context, unit string) (active, ok bool) {
	out, err := d.run(ctx, "systemctl is-active "+unit+" 2>/dev/null")
	if err != nil && strings.TrimSpace(out) == "" {
		return false, false
	}
	return strings.TrimSpace(out) == "active", true
}

// run executes a local shell fragment with a short timeout.
func (d *SelfDetector) run(ctx context.Context, command string) (string, error) {
	bash, err := findBash()
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, bash, "-c", command).Output()
	return string(out), err
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
