package daemon

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

// registerOrderHandlers binds the agent-side actions signed orders can
// invoke. Triggered cadences run asynchronously; the order completes
// once the trigger is accepted, not when the cadence finishes.
func (d *Daemon) registerOrderHandlers() {
	d.orders.RegisterHandler("force_checkin", func(context.Context, map[string]any) (map[string]any, error) {
		d.sched.Trigger("checkin")
		return map[string]any{"triggered": "checkin"}, nil
	})
	d.orders.RegisterHandler("run_drift", func(context.Context, map[string]any) (map[string]any, error) {
		d.sched.Trigger("drift_scan")
		return map[string]any{"triggered": "drift_scan"}, nil
	})
	d.orders.RegisterHandler("enumerate_workstations", func(context.Context, map[string]any) (map[string]any, error) {
		d.sched.Trigger("workstation_discovery")
		return map[string]any{"triggered": "workstation_discovery"}, nil
	})
	d.orders.RegisterHandler("sync_rules", func(context.Context, map[string]any) (map[string]any, error) {
		d.sched.Trigger("learning_sync")
		return map[string]any{"triggered": "learning_sync"}, nil
	})
	d.orders.RegisterHandler("drain_queue", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		before := d.queue.Depth()
		d.drainer.DrainOnce(ctx)
		return map[string]any{"depth_before": before, "depth_after": d.queue.Depth()}, nil
	})
	d.orders.RegisterHandler("agent_status", d.handleAgentStatus)
	d.orders.RegisterHandler("healing", d.handleHealingOrder)
	d.orders.RegisterHandler("restart_agent", d.handleRestartAgent)
	d.orders.RegisterHandler("update_agent", handleUpdateAgent)
}

// handleHealingOrder runs a named runbook against a target on demand,
// bypassing the incident ladder. The order is already signature- and
// replay-verified by the processor.
func (d *Daemon) handleHealingOrder(ctx context.Context, params map[string]any) (map[string]any, error) {
	runbookID, _ := params["runbook_id"].(string)
	if runbookID == "" {
		return nil, fmt.Errorf("runbook_id is required")
	}

	target := d.selfTarget()
	if hostname, _ := params["hostname"].(string); hostname != "" && hostname != d.cfg.HostID {
		target = nil
		for _, t := range d.Targets() {
			if t.Hostname == hostname {
				target = t
				break
			}
		}
		if target == nil {
			return nil, fmt.Errorf("host %q is not a monitored target", hostname)
		}
	}

	out, err := d.dispatch.RunRunbook(ctx, target, runbookID, runbookParams(params))
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"runbook_id":  runbookID,
		"hostname":    target.Hostname,
		"success":     out.Success,
		"duration_ms": out.DurationMs,
	}
	if out.Error != "" {
		result["error"] = out.Error
	}
	return result, nil
}

func runbookParams(params map[string]any) map[string]string {
	raw, _ := params["params"].(map[string]any)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// handleRestartAgent reports completion, then delivers SIGTERM to the
// process so the normal shutdown path runs and systemd restarts us.
func (d *Daemon) handleRestartAgent(context.Context, map[string]any) (map[string]any, error) {
	d.log.Info().Msg("restart ordered")
	go func() {
		time.Sleep(2 * time.Second)
		syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}()
	return map[string]any{"restarting": true}, nil
}

// handleUpdateAgent acknowledges the update order. The binary itself
// ships inside the appliance's system profile, so the actual swap
// happens on the next system update; the ack tells the server the
// order reached a live agent.
func handleUpdateAgent(_ context.Context, params map[string]any) (map[string]any, error) {
	version, _ := params["version"].(string)
	if version == "" {
		return nil, fmt.Errorf("version is required")
	}
	return map[string]any{
		"status":  "update_received",
		"version": version,
	}, nil
}

func (d *Daemon) handleAgentStatus(_ context.Context, _ map[string]any) (map[string]any, error) {
	d.mu.Lock()
	targets := len(d.targets)
	applianceID := d.applianceID
	lastCheckin := d.lastCheckin
	d.mu.Unlock()

	status := map[string]any{
		"version":      d.version,
		"appliance_id": applianceID,
		"targets":      targets,
		"queue_depth":  d.queue.Depth(),
		"rules_loaded": d.healer.Ruleset().Len(),
		"runbooks":     d.books.Count(),
	}
	if !lastCheckin.IsZero() {
		status["last_checkin"] = lastCheckin.UTC().Format(time.RFC3339)
	}
	if d.intake != nil {
		status["connected_agents"] = d.intake.Registry().ConnectedCount()
	}
	return status, nil
}
