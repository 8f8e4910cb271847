package healing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/config"
	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/incident"
	"github.com/osiriscare/appliance-agent/internal/metrics"
)

// Result is the healer's verdict for one incident.
type Result struct {
	IncidentID string
	Tier       incident.Tier
	Outcome    incident.Outcome
	RunbookID  string
	RuleID     string
	Output     string
	Error      string

	// Reason is set for deferrals and escalations.
	Reason   string
	Deferred bool
	DryRun   bool

	// Decision carries the L2 reasoning when tier is L2 or the planner
	// contributed to an L3.
	Decision *Decision

	Attempts   []Attempt
	DurationMs int64
}

// TicketSink stores escalation tickets upstream. Implementations must
// be safe for concurrent use.
type TicketSink interface {
	StoreTicket(ctx context.Context, t *Ticket) error
}

// attemptMark records the last executed healing attempt for cooldown
// accounting, with the cooldown the matched rule asked for.
type attemptMark struct {
	at       time.Time
	cooldown time.Duration
}

// Healer is the three-tier auto-healer. HandleIncident is the sole
// entry point; all gates and tiers live behind it.
type Healer struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	cfg     config.HealingConfig
	window  *config.MaintenanceWindow

	store    *incident.Store
	dispatch *Dispatcher
	planner  *Planner
	router   *Router
	sink     TicketSink
	guard    *Guardrails

	flap    *FlapTracker
	circuit *CircuitBreaker
	rules   atomic.Pointer[Ruleset]

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	attempts map[string]attemptMark
}

// New wires a healer. planner may be nil (L2 disabled); sink may be nil.
func New(log zerolog.Logger, m *metrics.Metrics, cfg config.HealingConfig, window *config.MaintenanceWindow,
	store *incident.Store, dispatch *Dispatcher, planner *Planner, router *Router, sink TicketSink,
	circuitSnapshotPath string) *Healer {

	h := &Healer{
		log:      log,
		metrics:  m,
		cfg:      cfg,
		window:   window,
		store:    store,
		dispatch: dispatch,
		planner:  planner,
		router:   router,
		sink:     sink,
		guard:    NewGuardrails(),
		flap:     NewFlapTracker(time.Duration(cfg.Flap.WindowSec)*time.Second, cfg.Flap.Threshold),
		circuit:  NewCircuitBreaker(log, cfg.Circuit.FailuresToOpen, time.Duration(cfg.Circuit.OpenDurationSec)*time.Second, circuitSnapshotPath),
		locks:    make(map[string]*sync.Mutex),
		attempts: make(map[string]attemptMark),
	}
	h.rules.Store(NewRuleset(builtinRules()))
	return h
}

// SwapRules atomically replaces the ruleset. In-flight evaluations keep
// their snapshot.
func (h *Healer) SwapRules(rs *Ruleset) {
	h.rules.Store(rs)
	if h.metrics != nil {
		h.metrics.RulesLoaded.Set(float64(rs.Len()))
	}
}

// Ruleset returns the current snapshot.
func (h *Healer) Ruleset() *Ruleset { return h.rules.Load() }

// Flap exposes the tracker for the GC cadence.
func (h *Healer) Flap() *FlapTracker { return h.flap }

// HandleIncident runs the gate ladder then the tier ladder. Incidents
// sharing a (host, check_type) are serialized; distinct resources heal
// in parallel under the caller's worker pool.
func (h *Healer) HandleIncident(ctx context.Context, inc *incident.Incident, target *drift.Target) (*Result, error) {
	key := inc.ResourceKey()
	lock := h.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	clog := h.log.With().Str("incident_id", inc.ID).Str("resource", key).Logger()

	// Gate 0: healing disabled entirely. The drift still escalates so
	// a human sees it.
	if !h.cfg.Enabled {
		clog.Debug().Msg("healing disabled, escalating")
		if err := h.store.MarkResolving(inc.ID); err != nil {
			return nil, err
		}
		return h.escalateL3(ctx, inc, nil, "healing_disabled", "", start)
	}

	// Gate 1: dry run. The plan is logged and a synthetic L1 failure
	// recorded so the dry_run field stays visible downstream.
	if h.cfg.DryRun {
		clog.Info().Str("plan", h.describePlan(inc)).Msg("dry run: skipping execution")
		if err := h.store.SetResolution(inc.ID, incident.TierL1, incident.OutcomeFailure, "", "", "dry_run"); err != nil {
			return nil, fmt.Errorf("record dry run: %w", err)
		}
		h.countResult(incident.TierL1, "dry_run")
		return &Result{
			IncidentID: inc.ID, Tier: incident.TierL1, Outcome: incident.OutcomeFailure,
			Error: "dry_run", DryRun: true, DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	// Gate 2: maintenance window for disruptive remediations.
	if h.deferredByWindow(inc) {
		h.countDeferred("maintenance_window")
		clog.Info().Msg("disruptive remediation deferred to maintenance window")
		return &Result{IncidentID: inc.ID, Deferred: true, Reason: "maintenance_window"}, nil
	}

	// Gate 3: per-resource cooldown.
	if remaining := h.cooldownRemaining(key); remaining > 0 {
		h.countDeferred("cooldown")
		clog.Debug().Dur("remaining", remaining).Msg("healing in cooldown")
		return &Result{IncidentID: inc.ID, Deferred: true, Reason: "cooldown"}, nil
	}

	// Gate 4: flap detection.
	if flips := h.flap.NoteRecurrence(inc.PatternSignature); flips >= h.flap.Threshold() {
		if h.metrics != nil {
			h.metrics.FlapEscalations.Inc()
		}
		clog.Warn().Int("flips", flips).Msg("pattern flapping, escalating")
		if err := h.store.MarkResolving(inc.ID); err != nil {
			return nil, err
		}
		return h.escalateL3(ctx, inc, nil, "flap_detected", "", start)
	}

	// Gate 5: circuit breaker.
	if !h.circuit.Allow(key) {
		clog.Warn().Msg("circuit open, escalating")
		if err := h.store.MarkResolving(inc.ID); err != nil {
			return nil, err
		}
		return h.escalateL3(ctx, inc, nil, "circuit_open", "", start)
	}

	if err := h.store.MarkResolving(inc.ID); err != nil {
		return nil, err
	}

	// L1.
	var attempts []Attempt
	l1 := h.runL1(ctx, inc, target, key)
	switch {
	case l1.escalate:
		return h.escalateL3(ctx, inc, attempts, l1.escalateReason, "", start)
	case l1.matched && l1.outcome.Success:
		return h.finalize(inc, incident.TierL1, l1.rule.ID, l1.outcome, start)
	case l1.matched:
		attempts = append(attempts, Attempt{
			Tier: incident.TierL1, RuleID: l1.rule.ID,
			RunbookID: l1.outcome.RunbookID, Output: l1.outcome.Output, Error: l1.outcome.Error,
		})
		h.recordFailure(key)
		h.countResult(incident.TierL1, "failure")
	}

	// L2.
	if !h.cfg.L2Enabled || h.planner == nil {
		reason := "no_rule_matched"
		if l1.matched {
			reason = "l1_failed"
		}
		return h.escalateL3(ctx, inc, attempts, reason, "", start)
	}
	return h.runL2(ctx, inc, target, key, attempts, start)
}

// RecoverOpen re-feeds non-terminal incidents after restart; the caller
// resolves targets and re-dispatches.
func (h *Healer) RecoverOpen(limit int) ([]*incident.Incident, error) {
	if _, err := h.store.RecoverOrphans(); err != nil {
		return nil, err
	}
	return h.store.ListOpen(limit)
}

type l1Verdict struct {
	matched        bool
	rule           *Rule
	outcome        *ExecOutcome
	escalate       bool
	escalateReason string
}

// runL1 evaluates the ruleset snapshot in priority order and dispatches
// the first match. Contract errors (unknown action, missing runbook)
// skip to the next rule rather than silently succeeding.
func (h *Healer) runL1(ctx context.Context, inc *incident.Incident, target *drift.Target, key string) l1Verdict {
	for _, rule := range h.rules.Load().Rules() {
		if !rule.Matches(inc) {
			continue
		}

		switch rule.Action {
		case ActionNoop:
			h.noteAttempt(key, rule)
			return l1Verdict{matched: true, rule: rule, outcome: &ExecOutcome{Success: true, Output: "noop"}}

		case ActionEscalate:
			reason, _ := rule.Params["reason"].(string)
			if reason == "" {
				reason = "rule " + rule.ID + " escalates"
			}
			return l1Verdict{escalate: true, escalateReason: reason}

		case ActionWindowsRunbook, ActionLinuxRunbook, ActionLocalScript:
			runbookID, _ := rule.Params["runbook_id"].(string)
			if runbookID == "" {
				runbookID = inc.RecommendedAction
			}
			if runbookID == "" || h.dispatch.Registry().Get(runbookID) == nil {
				h.contractError(rule.ID, fmt.Sprintf("runbook %q not registered", runbookID))
				continue
			}
			h.noteAttempt(key, rule)
			out, err := h.dispatch.RunRunbook(ctx, target, runbookID, ruleParams(inc, rule))
			if err != nil {
				h.contractError(rule.ID, err.Error())
				continue
			}
			return l1Verdict{matched: true, rule: rule, outcome: out}

		default:
			h.contractError(rule.ID, fmt.Sprintf("unknown action %q", rule.Action))
			continue
		}
	}
	return l1Verdict{}
}

// runL2 consults the planner and dispatches its decision.
func (h *Healer) runL2(ctx context.Context, inc *incident.Incident, target *drift.Target, key string, attempts []Attempt, start time.Time) (*Result, error) {
	recent, err := h.store.RecentResolutions(inc.HostID, inc.CheckType, 10)
	if err != nil {
		h.log.Warn().Err(err).Msg("resolution history unavailable for planner")
	}
	pc := &PlanContext{
		Incident:   inc,
		Recent:     recent,
		RunbookIDs: h.dispatch.Registry().ForPlatform(inc.Platform),
		WindowOpen: h.window == nil || h.window.Contains(time.Now().UTC()),
	}

	decision, err := h.planner.Plan(ctx, pc)
	if err != nil {
		reason := "l2_error"
		if errors.Is(err, ErrBudgetExhausted) {
			reason = "l2_budget_exhausted"
		}
		h.log.Warn().Err(err).Str("incident_id", inc.ID).Msg("planner unavailable")
		return h.escalateL3(ctx, inc, attempts, reason, "", start)
	}

	if blocked := h.guard.Check(decision, h.dispatch.Registry().Get(decision.RunbookID) != nil); blocked != "" {
		h.log.Warn().Str("incident_id", inc.ID).Str("reason", blocked).Msg("guardrails blocked planner decision")
		return h.escalateL3(ctx, inc, attempts, "l2_guardrail", decision.Reasoning, start)
	}
	if decision.Escalate || decision.Confidence < h.planner.MinConfidence() {
		return h.escalateL3(ctx, inc, attempts, "l2_low_confidence", decision.Reasoning, start)
	}

	h.noteAttempt(key, nil)
	params := stateParams(inc.RawState)
	for k, v := range decision.Parameters {
		params[k] = fmt.Sprintf("%v", v)
	}
	out, err := h.dispatch.RunRunbook(ctx, target, decision.RunbookID, params)
	if err != nil {
		h.contractError("l2", err.Error())
		return h.escalateL3(ctx, inc, attempts, "l2_dispatch_failed", decision.Reasoning, start)
	}
	if out.Success {
		res, ferr := h.finalize(inc, incident.TierL2, "", out, start)
		if res != nil {
			res.Decision = decision
		}
		return res, ferr
	}

	attempts = append(attempts, Attempt{
		Tier: incident.TierL2, RunbookID: out.RunbookID, Output: out.Output, Error: out.Error,
	})
	h.recordFailure(key)
	h.countResult(incident.TierL2, "failure")
	return h.escalateL3(ctx, inc, attempts, "l2_failed", decision.Reasoning, start)
}

// finalize records a successful resolution.
func (h *Healer) finalize(inc *incident.Incident, tier incident.Tier, ruleID string, out *ExecOutcome, start time.Time) (*Result, error) {
	if err := h.store.SetResolution(inc.ID, tier, incident.OutcomeSuccess, out.RunbookID, out.Output, ""); err != nil {
		return nil, fmt.Errorf("record resolution: %w", err)
	}
	elapsed := time.Since(start).Milliseconds()
	if err := h.store.UpdatePatternStat(inc, true, elapsed); err != nil {
		h.log.Warn().Err(err).Msg("pattern stat update failed")
	}
	h.flap.NoteResolved(inc.PatternSignature)
	h.circuit.RecordSuccess(inc.ResourceKey())
	h.countResult(tier, "success")
	h.log.Info().Str("incident_id", inc.ID).Str("tier", string(tier)).
		Str("runbook", out.RunbookID).Int64("duration_ms", elapsed).Msg("incident resolved")

	return &Result{
		IncidentID: inc.ID, Tier: tier, Outcome: incident.OutcomeSuccess,
		RunbookID: out.RunbookID, RuleID: ruleID, Output: out.Output,
		DurationMs: elapsed,
	}, nil
}

// escalateL3 builds and delivers the ticket, then records the terminal
// escalated state.
func (h *Healer) escalateL3(ctx context.Context, inc *incident.Incident, attempts []Attempt, reason, l2Reasoning string, start time.Time) (*Result, error) {
	ticket := h.router.BuildTicket(inc, attempts, reason, l2Reasoning)
	delivered := h.router.Deliver(ctx, ticket)
	if delivered == 0 && len(ticket.DeliveryLog) > 0 {
		h.log.Error().Str("incident_id", inc.ID).Msg("all escalation channels failed")
	}
	if h.sink != nil {
		if err := h.sink.StoreTicket(ctx, ticket); err != nil {
			h.log.Warn().Err(err).Str("incident_id", inc.ID).Msg("ticket store failed, left to queue")
		}
	}

	deliveryLog, _ := json.Marshal(ticket.DeliveryLog)
	if err := h.store.SetResolution(inc.ID, incident.TierL3, incident.OutcomeFailure, "", string(deliveryLog), reason); err != nil {
		return nil, fmt.Errorf("record escalation: %w", err)
	}
	elapsed := time.Since(start).Milliseconds()
	if err := h.store.UpdatePatternStat(inc, false, elapsed); err != nil {
		h.log.Warn().Err(err).Msg("pattern stat update failed")
	}
	h.countResult(incident.TierL3, "escalated")
	h.log.Warn().Str("incident_id", inc.ID).Str("reason", reason).
		Int("channels_delivered", delivered).Msg("incident escalated")

	return &Result{
		IncidentID: inc.ID, Tier: incident.TierL3, Outcome: incident.OutcomeFailure,
		Reason: reason, Error: reason, Attempts: attempts,
		Output: string(deliveryLog), DurationMs: elapsed,
	}, nil
}

// deferredByWindow checks whether the recommended remediation is
// disruptive and the maintenance window is closed.
func (h *Healer) deferredByWindow(inc *incident.Incident) bool {
	if h.window == nil {
		return false
	}
	rb := h.dispatch.Registry().Get(inc.RecommendedAction)
	if rb == nil || !rb.Disruptive {
		return false
	}
	return !h.window.Contains(time.Now().UTC())
}

func (h *Healer) cooldownRemaining(key string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	mark, ok := h.attempts[key]
	if !ok {
		return 0
	}
	if remaining := mark.cooldown - time.Since(mark.at); remaining > 0 {
		return remaining
	}
	return 0
}

// noteAttempt marks an executed attempt. A nil rule uses the global
// cooldown; a rule override wins.
func (h *Healer) noteAttempt(key string, rule *Rule) {
	cooldown := time.Duration(h.cfg.CooldownSec) * time.Second
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	if rule != nil && rule.CooldownSec > 0 {
		cooldown = time.Duration(rule.CooldownSec) * time.Second
	}
	h.mu.Lock()
	h.attempts[key] = attemptMark{at: time.Now(), cooldown: cooldown}
	h.mu.Unlock()
}

func (h *Healer) lockFor(key string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.locks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	h.locks[key] = m
	return m
}

// describePlan names what would run, for the dry-run log line.
func (h *Healer) describePlan(inc *incident.Incident) string {
	for _, rule := range h.rules.Load().Rules() {
		if rule.Matches(inc) {
			id, _ := rule.Params["runbook_id"].(string)
			if id == "" {
				id = inc.RecommendedAction
			}
			return fmt.Sprintf("rule %s action %s runbook %s", rule.ID, rule.Action, id)
		}
	}
	return "no matching rule (would consult L2)"
}

func (h *Healer) contractError(ruleID, msg string) {
	h.log.Error().Str("rule", ruleID).Str("detail", msg).Msg("rule contract violation")
	if h.metrics != nil {
		h.metrics.CountError("healing", metrics.ClassContract)
	}
}

func (h *Healer) countResult(tier incident.Tier, outcome string) {
	if h.metrics != nil {
		h.metrics.HealingResults.WithLabelValues(string(tier), outcome).Inc()
	}
}

func (h *Healer) recordFailure(key string) {
	if h.circuit.RecordFailure(key) && h.metrics != nil {
		h.metrics.CircuitOpens.Inc()
	}
}

func (h *Healer) countDeferred(reason string) {
	if h.metrics != nil {
		h.metrics.HealingDeferred.WithLabelValues(reason).Inc()
	}
}

// ruleParams builds the script parameter set for a rule dispatch.
func ruleParams(inc *incident.Incident, rule *Rule) map[string]string {
	params := stateParams(inc.RawState)
	for k, v := range rule.Params {
		if k == "runbook_id" {
			continue
		}
		params[k] = fmt.Sprintf("%v", v)
	}
	return params
}
