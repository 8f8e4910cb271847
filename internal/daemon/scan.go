package daemon

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/osiriscare/appliance-agent/internal/discovery"
	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/evidence"
	"github.com/osiriscare/appliance-agent/internal/healing"
	"github.com/osiriscare/appliance-agent/internal/incident"
	"github.com/osiriscare/appliance-agent/internal/queue"
)

// scanAll runs the self detector plus the per-target detectors over the
// current snapshot. Each target failing is isolated: one unreachable
// host never blocks the rest of the scan.
func (d *Daemon) scanAll(ctx context.Context) {
	d.runDetector(ctx, d.selfDet, d.selfTarget())

	for _, t := range d.Targets() {
		if ctx.Err() != nil {
			return
		}
		switch t.Platform {
		case drift.PlatformWindows:
			d.runDetector(ctx, d.winDet, t)
		case drift.PlatformLinux:
			d.runDetector(ctx, d.linDet, t)
		default:
			d.log.Warn().Str("platform", string(t.Platform)).Str("host", t.Hostname).Msg("no detector for platform")
		}
	}
}

type detector interface {
	Name() string
	Run(ctx context.Context, target *drift.Target) ([]drift.Result, error)
}

func (d *Daemon) runDetector(ctx context.Context, det detector, target *drift.Target) {
	d.metrics.ScansTotal.WithLabelValues(det.Name()).Inc()
	results, err := det.Run(ctx, target)
	if err != nil {
		host := "self"
		if target != nil {
			host = target.Hostname
		}
		d.log.Warn().Err(err).Str("detector", det.Name()).Str("host", host).Msg("detector run failed")
	}
	for _, res := range results {
		if !res.Drifted {
			d.sealPass(res)
			continue
		}
		d.metrics.DriftsTotal.WithLabelValues(res.CheckID, string(res.Severity)).Inc()
		d.handleDrift(ctx, res, target)
	}
}

// sealPass cuts an evidence bundle for a clean check. The chain proves
// compliance was observed, not just that drift was fixed, so passing
// scans extend it too.
func (d *Daemon) sealPass(res drift.Result) {
	_, err := d.pipeline.Seal(evidence.Input{
		HostID:     res.TargetID,
		CheckID:    res.CheckID,
		Outcome:    "pass",
		ControlIDs: res.ControlIDs,
		PreState:   res.PreState,
	})
	if err != nil {
		d.log.Error().Err(err).Str("check", res.CheckID).Msg("evidence seal failed")
	}
}

// handleDrift records an incident, runs the healing ladder and seals
// evidence for terminal results. Deferred results re-surface on a later
// scan of the same drift, so no evidence is cut for them.
func (d *Daemon) handleDrift(ctx context.Context, res drift.Result, target *drift.Target) {
	inc := incident.FromDrift(d.cfg.SiteID, res)
	if err := d.store.Record(inc); err != nil {
		d.log.Error().Err(err).Str("check", res.CheckID).Msg("incident record failed")
		return
	}
	d.metrics.IncidentsTotal.Inc()

	result, err := d.healer.HandleIncident(ctx, inc, target)
	if err != nil {
		d.log.Error().Err(err).Str("incident", inc.ID).Msg("healing failed")
	}
	if result == nil || result.Deferred {
		return
	}

	// The healer owns pattern-stat accounting; here we only record the
	// execution for fleet learning and seal the evidence.
	d.learning.RecordExecution(result)
	d.sealEvidence(inc, res, result)
}

func (d *Daemon) sealEvidence(inc *incident.Incident, res drift.Result, result *healing.Result) {
	actions := make([]evidence.Action, 0, len(result.Attempts))
	for _, a := range result.Attempts {
		actions = append(actions, evidence.Action{
			Tier:      string(a.Tier),
			RunbookID: a.RunbookID,
			Outcome:   attemptOutcome(a),
			Error:     a.Error,
		})
	}

	var post map[string]any
	if result.Outcome == incident.OutcomeSuccess {
		post = map[string]any{"resolved": true}
		if out := strings.TrimSpace(result.Output); out != "" {
			post["output"] = out
		}
	}

	// Dry-run results never executed anything; the bundle records the
	// plan, not a failure.
	outcome := string(result.Outcome)
	if result.DryRun {
		outcome = "dry_run_plan"
	}

	_, err := d.pipeline.Seal(evidence.Input{
		HostID:      inc.HostID,
		CheckID:     inc.CheckType,
		Outcome:     outcome,
		HealingTier: string(result.Tier),
		ControlIDs:  res.ControlIDs,
		PreState:    res.PreState,
		PostState:   post,
		Actions:     actions,
		DryRun:      result.DryRun,
	})
	if err != nil {
		d.log.Error().Err(err).Str("incident", inc.ID).Msg("evidence seal failed")
	}
}

func attemptOutcome(a healing.Attempt) string {
	if a.Error != "" {
		return string(incident.OutcomeFailure)
	}
	return string(incident.OutcomeSuccess)
}

// rehandle retries an incident recovered from a previous run. The
// original target may be gone from the snapshot; the resource key names
// the host so we can still find it.
func (d *Daemon) rehandle(ctx context.Context, inc *incident.Incident) {
	var target *drift.Target
	for _, t := range d.Targets() {
		if t.Hostname == inc.HostID {
			target = t
			break
		}
	}
	if target == nil {
		if inc.Platform != drift.PlatformNixOSSelf {
			d.log.Debug().Str("incident", inc.ID).Msg("recovered incident has no live target yet")
			return
		}
		target = d.selfTarget()
	}

	result, err := d.healer.HandleIncident(ctx, inc, target)
	if err != nil {
		d.log.Warn().Err(err).Str("incident", inc.ID).Msg("recovered incident retry failed")
	}
	if result != nil && !result.Deferred {
		d.learning.RecordExecution(result)
	}
}

// discoverWorkstations refreshes the AD workstation list and publishes
// the enumeration result. Without a domain controller in the target set
// a DNS SRV probe reports what domain is visible, so the server can
// provision credentials for it.
func (d *Daemon) discoverWorkstations(ctx context.Context) {
	if firstWindows(d.Targets()) == nil {
		d.publishDomain(ctx)
		return
	}
	if err := d.enum.Refresh(ctx); err != nil {
		d.log.Warn().Err(err).Msg("workstation discovery failed")
		return
	}

	records, err := d.enum.Workstations(ctx)
	if err != nil || len(records) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"site_id":       d.cfg.SiteID,
		"enumerated_at": time.Now().UTC().Format(time.RFC3339),
		"workstations":  records,
	})
	if err != nil {
		return
	}
	if err := d.queue.Enqueue(queue.KindEnumerationResult, payload); err != nil {
		d.log.Warn().Err(err).Msg("enumeration result enqueue failed")
	}
}

// publishDomain spools a domain_discovery record for an AD domain the
// target set does not cover yet. The same domain is reported once, not
// on every discovery tick.
func (d *Daemon) publishDomain(ctx context.Context) {
	domain, controllers := discovery.DiscoverDomain(ctx)
	if domain == "" {
		return
	}

	d.mu.Lock()
	seen := d.lastDomain == domain
	d.lastDomain = domain
	d.mu.Unlock()
	if seen {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"site_id":       d.cfg.SiteID,
		"domain":        domain,
		"controllers":   controllers,
		"discovered_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := d.queue.Enqueue(queue.KindDomainDiscovery, payload); err != nil {
		d.log.Warn().Err(err).Msg("domain discovery enqueue failed")
	}
	d.log.Info().Str("domain", domain).Int("controllers", len(controllers)).Msg("visible domain reported")
}

// scanWorkstations sweeps discovered workstations that have no resident
// agent. Hosts streaming through the intake server are skipped: their
// own agent already reports drift.
func (d *Daemon) scanWorkstations(ctx context.Context) {
	records, err := d.enum.Workstations(ctx)
	if err != nil || len(records) == 0 {
		return
	}
	creds := d.windowsCredentials()
	if creds == nil {
		d.log.Debug().Msg("no windows credentials, skipping workstation sweep")
		return
	}

	for _, r := range records {
		if ctx.Err() != nil {
			return
		}
		if !r.Online {
			continue
		}
		if d.intake != nil && d.intake.Registry().HasAgentForHost(r.Hostname) {
			continue
		}
		d.runDetector(ctx, d.wsDet, &drift.Target{
			Hostname:    r.Hostname,
			Platform:    drift.PlatformWindows,
			Transport:   drift.TransportWinRM,
			UseTLS:      true,
			Credentials: creds,
		})
	}
}

// selfTarget is the appliance itself: remediations run through the
// local runner without any transport.
func (d *Daemon) selfTarget() *drift.Target {
	return &drift.Target{
		Hostname:  d.cfg.HostID,
		Platform:  drift.PlatformNixOSSelf,
		Transport: drift.TransportLocal,
	}
}

// windowsCredentials returns the domain credentials from the first
// Windows target. Workstation sweeps reuse the same service account.
func (d *Daemon) windowsCredentials() *drift.Credentials {
	for _, t := range d.Targets() {
		if t.Platform == drift.PlatformWindows && t.Credentials != nil {
			return t.Credentials
		}
	}
	return nil
}

// consumeIntake drains verified workstation drift events into the same
// incident path as scanner-found drift.
func (d *Daemon) consumeIntake(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-d.intake.Events:
			if !ok {
				return
			}
			scanCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			d.handleDrift(scanCtx, res, d.workstationTarget(res.TargetID))
			cancel()
		}
	}
}

// workstationTarget builds a remediation target for an agent-reported
// host. Without domain credentials healing escalates instead.
func (d *Daemon) workstationTarget(hostname string) *drift.Target {
	creds := d.windowsCredentials()
	if creds == nil {
		return nil
	}
	return &drift.Target{
		Hostname:    hostname,
		Platform:    drift.PlatformWindows,
		Transport:   drift.TransportWinRM,
		UseTLS:      true,
		Credentials: creds,
	}
}
