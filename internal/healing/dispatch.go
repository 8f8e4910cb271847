package healing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/runbook"
)

// Dispatcher runs runbooks against targets, picking the transport from
// the target. Success requires remediate exit 0 and verify exit 0.
type Dispatcher struct {
	log   zerolog.Logger
	books *runbook.Registry
	winrm drift.Runner
	ssh   drift.Runner
	local drift.Runner
}

// NewDispatcher wires the three runners. Any runner may be nil; using
// its transport is then a contract error.
func NewDispatcher(log zerolog.Logger, books *runbook.Registry, winrm, ssh, local drift.Runner) *Dispatcher {
	return &Dispatcher{log: log, books: books, winrm: winrm, ssh: ssh, local: local}
}

// ExecOutcome is the result of one runbook dispatch.
type ExecOutcome struct {
	RunbookID  string
	Success    bool
	Output     string
	Error      string
	DurationMs int64
}

// Registry exposes the runbook registry for planner context assembly.
func (d *Dispatcher) Registry() *runbook.Registry { return d.books }

// RunRunbook executes a runbook's remediate phase then its verify
// phase. A non-nil error means the dispatch itself failed (missing
// runbook, no transport); script failures come back in the outcome.
func (d *Dispatcher) RunRunbook(ctx context.Context, target *drift.Target, runbookID string, params map[string]string) (*ExecOutcome, error) {
	rb := d.books.Get(runbookID)
	if rb == nil {
		return nil, fmt.Errorf("unknown runbook %q", runbookID)
	}
	runner, err := d.runnerFor(target)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out := &ExecOutcome{RunbookID: runbookID}
	timeout := time.Duration(rb.Timeout()) * time.Second

	rem, err := runner.RunScript(ctx, target, rb.Remediate, params, timeout)
	if err != nil {
		out.Error = fmt.Sprintf("remediate: %v", err)
		out.DurationMs = time.Since(start).Milliseconds()
		return out, nil
	}
	out.Output = combineOutput(rem.Stdout, rem.Stderr)
	if rem.ExitCode != 0 {
		out.Error = fmt.Sprintf("remediate exited %d", rem.ExitCode)
		out.DurationMs = time.Since(start).Milliseconds()
		return out, nil
	}

	ver, err := runner.RunScript(ctx, target, rb.Verify, params, timeout)
	if err != nil {
		out.Error = fmt.Sprintf("verify: %v", err)
		out.DurationMs = time.Since(start).Milliseconds()
		return out, nil
	}
	out.Output = combineOutput(out.Output, combineOutput(ver.Stdout, ver.Stderr))
	if ver.ExitCode != 0 {
		out.Error = fmt.Sprintf("verify exited %d", ver.ExitCode)
		out.DurationMs = time.Since(start).Milliseconds()
		return out, nil
	}

	out.Success = true
	out.DurationMs = time.Since(start).Milliseconds()
	d.log.Info().Str("runbook", runbookID).Str("target", target.ID()).
		Int64("duration_ms", out.DurationMs).Msg("runbook verified")
	return out, nil
}

func (d *Dispatcher) runnerFor(t *drift.Target) (drift.Runner, error) {
	if t == nil {
		return nil, fmt.Errorf("no target for dispatch")
	}
	switch t.Transport {
	case drift.TransportWinRM:
		if d.winrm == nil {
			return nil, fmt.Errorf("winrm runner not configured")
		}
		return d.winrm, nil
	case drift.TransportSSH:
		if d.ssh == nil {
			return nil, fmt.Errorf("ssh runner not configured")
		}
		return d.ssh, nil
	case drift.TransportLocal:
		if d.local == nil {
			return nil, fmt.Errorf("local runner not configured")
		}
		return d.local, nil
	}
	return nil, fmt.Errorf("unknown transport %q", t.Transport)
}

func combineOutput(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n" + b
}

// stateParams flattens scalar raw-state values into script parameters,
// so runbooks see the finding they are fixing ($params_profile,
// PARAMS_SERVICE and so on). Rule params overlay these.
func stateParams(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if k == "status" {
			continue
		}
		switch v.(type) {
		case map[string]any, []any, nil:
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
