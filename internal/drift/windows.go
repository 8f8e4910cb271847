package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// windowsScanScript gathers all Windows check state in one WinRM call to
// minimize round-trips and authentication overhead.
const windowsScanScript = `
$ErrorActionPreference = 'SilentlyContinue'
$result = @{}

# Firewall: profile enablement AND the service itself. A disabled profile
# with a running service is a different condition from a stopped service.
$fw = @{}
Get-NetFirewallProfile | ForEach-Object { $fw[$_.Name] = [bool]$_.Enabled }
$result.FirewallProfiles = $fw
$mps = Get-Service MpsSvc -EA SilentlyContinue
$result.FirewallService = if ($mps) { $mps.Status.ToString() } else { "NotFound" }

# Defender: service, real-time protection, definition age
$wd = Get-Service WinDefend -EA SilentlyContinue
$result.DefenderService = if ($wd) { $wd.Status.ToString() } else { "NotFound" }
$result.RealTimeProtection = $false
$result.DefinitionAgeDays = -1
try {
    $mp = Get-MpComputerStatus -EA Stop
    $result.RealTimeProtection = [bool]$mp.RealTimeProtectionEnabled
    $result.DefinitionAgeDays = [int]$mp.AntivirusSignatureAge
} catch {}

# BitLocker on the system drive
$result.BitLocker = "NotAvailable"
try {
    $bl = Get-BitLockerVolume -MountPoint "C:" -EA Stop
    $result.BitLocker = $bl.ProtectionStatus.ToString()
} catch {}

# Patch level: days since the newest installed hotfix
$result.DaysSinceLastPatch = -1
try {
    $hf = Get-HotFix -EA Stop | Sort-Object InstalledOn -Descending | Select-Object -First 1
    if ($hf.InstalledOn) {
        $result.DaysSinceLastPatch = [int]((Get-Date) - $hf.InstalledOn).TotalDays
    }
} catch {}

# Screen lock inactivity timeout
$result.ScreenLockSecs = -1
try {
    $sl = Get-ItemProperty -Path "HKLM:\SOFTWARE\Microsoft\Windows\CurrentVersion\Policies\System" -Name "InactivityTimeoutSecs" -EA Stop
    $result.ScreenLockSecs = [int]$sl.InactivityTimeoutSecs
} catch {}

# Audit: event log service plus logon audit policy
$el = Get-Service EventLog -EA SilentlyContinue
$result.EventLog = if ($el) { $el.Status.ToString() } else { "NotFound" }
$result.LogonAuditing = $false
try {
    $ap = auditpol /get /subcategory:"Logon" 2>$null | Out-String
    $result.LogonAuditing = ($ap -match "Success")
} catch {}

$result | ConvertTo-Json -Depth 3 -Compress
`

// windowsScanState is the parsed output of the Windows scan script.
type windowsScanState struct {
	FirewallProfiles   map[string]bool `json:"FirewallProfiles"`
	FirewallService    string          `json:"FirewallService"`
	DefenderService    string          `json:"DefenderService"`
	RealTimeProtection bool            `json:"RealTimeProtection"`
	DefinitionAgeDays  int             `json:"DefinitionAgeDays"`
	BitLocker          string          `json:"BitLocker"`
	DaysSinceLastPatch int             `json:"DaysSinceLastPatch"`
	ScreenLockSecs     int             `json:"ScreenLockSecs"`
	EventLog           string          `json:"EventLog"`
	LogonAuditing      bool            `json:"LogonAuditing"`
}

// WindowsDetector checks Windows targets over WinRM.
type WindowsDetector struct {
	log    zerolog.Logger
	runner Runner
}

// NewWindowsDetector builds a detector backed by a WinRM runner.
func NewWindowsDetector(log zerolog.Logger, runner Runner) *WindowsDetector {
	return &WindowsDetector{log: log, runner: runner}
}

func (d *WindowsDetector) Name() string       { return "windows" }
func (d *WindowsDetector) Platform() Platform { return PlatformWindows }

// Run executes the scan script and evaluates the parsed state. Detection
// only: no remediation happens here.
func (d *WindowsDetector) Run(ctx context.Context, target *Target) ([]Result, error) {
	res, err := d.runner.RunScript(ctx, target, windowsScanScript,
		map[string]string{"Hostname": target.Hostname}, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", target.Hostname, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("scan %s: exit %d: %s", target.Hostname, res.ExitCode, res.Stderr)
	}

	var state windowsScanState
	if err := json.Unmarshal([]byte(res.Stdout), &state); err != nil {
		return nil, fmt.Errorf("parse scan output for %s: %w", target.Hostname, err)
	}

	results := evaluateWindows(state, target)
	if len(results) == 0 {
		results = append(results, Pass("windows_baseline", target.ID(), PlatformWindows,
			map[string]any{"checks": "all_pass"}))
	}
	return results, nil
}

// evaluateWindows converts parsed scan state into drift results.
func evaluateWindows(state windowsScanState, target *Target) []Result {
	now := time.Now().UTC()
	var results []Result

	drifted := func(checkID string, sev Severity, action string, controls []string, preState map[string]any, frags ...Fragment) {
		results = append(results, Result{
			CheckID:           checkID,
			TargetID:          target.ID(),
			Platform:          PlatformWindows,
			Status:            StatusFail,
			Severity:          sev,
			Drifted:           true,
			PreState:          preState,
			RecommendedAction: action,
			ControlIDs:        controls,
			Fragments:         frags,
			Timestamp:         now,
		})
	}

	// Firewall service stopped is its own condition; a disabled profile on
	// a running service is the common healable case.
	if state.FirewallService != "Running" && state.FirewallService != "NotFound" {
		drifted("firewall_service", SeverityCritical, "RB-WIN-SEC-002",
			[]string{"164.312(a)(1)"},
			map[string]any{"service_status": state.FirewallService})
	} else {
		for profile, enabled := range state.FirewallProfiles {
			if !enabled {
				drifted("firewall", SeverityHigh, "RB-WIN-SEC-001",
					[]string{"164.312(a)(1)"},
					map[string]any{
						"profile":         profile,
						"profile_enabled": false,
						"service_status":  state.FirewallService,
					})
			}
		}
	}

	if state.DefenderService != "Running" && state.DefenderService != "NotFound" {
		drifted("defender_service", SeverityHigh, "RB-WIN-AV-001",
			[]string{"164.308(a)(5)(ii)(B)"},
			map[string]any{"service_status": state.DefenderService})
	} else if state.DefenderService == "Running" && !state.RealTimeProtection {
		drifted("defender_realtime", SeverityHigh, "RB-WIN-AV-001",
			[]string{"164.308(a)(5)(ii)(B)"},
			map[string]any{"realtime_enabled": false})
	}
	if state.DefinitionAgeDays > 7 {
		drifted("defender_definitions", SeverityMedium, "RB-WIN-AV-002",
			[]string{"164.308(a)(5)(ii)(B)"},
			map[string]any{"definition_age_days": state.DefinitionAgeDays})
	}

	if state.BitLocker != "NotAvailable" && state.BitLocker != "On" && state.BitLocker != "1" {
		drifted("bitlocker", SeverityCritical, "RB-WIN-ENC-001",
			[]string{"164.312(a)(2)(iv)"},
			map[string]any{"protection_status": state.BitLocker})
	}

	if state.DaysSinceLastPatch > 90 {
		drifted("patch_level", SeverityHigh, "RB-WIN-PATCH-001",
			[]string{"164.308(a)(5)(ii)(A)"},
			map[string]any{"days_since_last_patch": state.DaysSinceLastPatch})
	} else if state.DaysSinceLastPatch > 30 {
		results = append(results, Result{
			CheckID:           "patch_level",
			TargetID:          target.ID(),
			Platform:          PlatformWindows,
			Status:            StatusWarn,
			Severity:          SeverityMedium,
			Drifted:           true,
			PreState:          map[string]any{"days_since_last_patch": state.DaysSinceLastPatch},
			RecommendedAction: "RB-WIN-PATCH-001",
			ControlIDs:        []string{"164.308(a)(5)(ii)(A)"},
			Timestamp:         now,
		})
	}

	if state.ScreenLockSecs < 0 || state.ScreenLockSecs > 900 {
		drifted("screen_lock", SeverityMedium, "RB-WIN-LOCK-001",
			[]string{"164.312(a)(2)(iii)"},
			map[string]any{"inactivity_timeout_secs": state.ScreenLockSecs})
	}

	if state.EventLog != "Running" && state.EventLog != "NotFound" {
		drifted("audit_logging", SeverityCritical, "RB-WIN-AUD-001",
			[]string{"164.312(b)"},
			map[string]any{"service_status": state.EventLog})
	} else if !state.LogonAuditing {
		results = append(results, Result{
			CheckID:           "audit_policy",
			TargetID:          target.ID(),
			Platform:          PlatformWindows,
			Status:            StatusWarn,
			Severity:          SeverityMedium,
			Drifted:           true,
			PreState:          map[string]any{"logon_auditing": false},
			RecommendedAction: "RB-WIN-AUD-002",
			ControlIDs:        []string{"164.312(b)"},
			Timestamp:         now,
		})
	}

	return results
}
