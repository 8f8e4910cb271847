package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// WorkstationRecord is the shape the discovery collaborator publishes per
// enumerated workstation. The agent treats discovery as external and only
// consumes these records.
type WorkstationRecord struct {
	Hostname string    `json:"hostname"`
	OS       string    `json:"os,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
	Source   string    `json:"source"` // ad, intake
}

// WorkstationProvider supplies the current workstation list.
type WorkstationProvider interface {
	Workstations(ctx context.Context) ([]WorkstationRecord, error)
}

// workstationScanScript is the lightweight compliance subset run on the
// 10-minute workstation cadence. The full Windows scan stays on the
// drift-scan cadence for servers.
const workstationScanScript = `
$ErrorActionPreference = 'SilentlyContinue'
$result = @{}
$fw = @{}
Get-NetFirewallProfile | ForEach-Object { $fw[$_.Name] = [bool]$_.Enabled }
$result.FirewallProfiles = $fw
$mps = Get-Service MpsSvc -EA SilentlyContinue
$result.FirewallService = if ($mps) { $mps.Status.ToString() } else { "NotFound" }
$wd = Get-Service WinDefend -EA SilentlyContinue
$result.DefenderService = if ($wd) { $wd.Status.ToString() } else { "NotFound" }
$result.RealTimeProtection = $false
try {
    $mp = Get-MpComputerStatus -EA Stop
    $result.RealTimeProtection = [bool]$mp.RealTimeProtectionEnabled
} catch {}
$result | ConvertTo-Json -Depth 3 -Compress
`

// WorkstationDetector runs the lightweight compliance subset against
// online workstations.
type WorkstationDetector struct {
	log    zerolog.Logger
	runner Runner
}

// NewWorkstationDetector builds the workstation compliance detector.
func NewWorkstationDetector(log zerolog.Logger, runner Runner) *WorkstationDetector {
	return &WorkstationDetector{log: log, runner: runner}
}

func (d *WorkstationDetector) Name() string       { return "workstation" }
func (d *WorkstationDetector) Platform() Platform { return PlatformWindows }

func (d *WorkstationDetector) Run(ctx context.Context, target *Target) ([]Result, error) {
	res, err := d.runner.RunScript(ctx, target, workstationScanScript,
		map[string]string{"Hostname": target.Hostname}, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("workstation scan %s: %w", target.Hostname, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("workstation scan %s: exit %d: %s", target.Hostname, res.ExitCode, res.Stderr)
	}

	var state windowsScanState
	if err := json.Unmarshal([]byte(res.Stdout), &state); err != nil {
		return nil, fmt.Errorf("parse workstation output for %s: %w", target.Hostname, err)
	}

	// The subset fields reuse the full evaluation; absent fields stay at
	// zero values which the evaluator treats as not-probed.
	state.BitLocker = "NotAvailable"
	state.DefinitionAgeDays = -1
	state.DaysSinceLastPatch = -1
	state.ScreenLockSecs = 0
	state.EventLog = "NotFound"
	state.LogonAuditing = true

	results := evaluateWindows(state, target)
	if len(results) == 0 {
		results = append(results, Pass("workstation_baseline", target.ID(), PlatformWindows,
			map[string]any{"checks": "all_pass"}))
	}
	return results, nil
}
