package healing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/config"
	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/incident"
	"github.com/osiriscare/appliance-agent/internal/runbook"
)

// fakeRunner scripts exit codes per call and counts invocations.
type fakeRunner struct {
	mu    sync.Mutex
	exits []int
	calls int
}

func (f *fakeRunner) RunScript(_ context.Context, _ *drift.Target, _ string, _ map[string]string, _ time.Duration) (*drift.ScriptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	exit := 0
	if len(f.exits) > 0 {
		exit = f.exits[0]
		f.exits = f.exits[1:]
	}
	return &drift.ScriptResult{ExitCode: exit, Stdout: "out"}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testHarness struct {
	healer *Healer
	store  *incident.Store
	runner *fakeRunner
	target *drift.Target
}

func newHarness(t *testing.T, mutate func(*config.HealingConfig)) *testHarness {
	t.Helper()
	store, err := incident.Open(zerolog.Nop(), filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	books, err := runbook.NewRegistry(zerolog.Nop(), "")
	if err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{}
	dispatch := NewDispatcher(zerolog.Nop(), books, runner, runner, runner)
	router := NewRouter(zerolog.Nop(), config.EscalationConfig{})

	cfg := config.Default().Healing
	if mutate != nil {
		mutate(&cfg)
	}
	h := New(zerolog.Nop(), nil, cfg, nil, store, dispatch, nil, router, nil, "")

	return &testHarness{
		healer: h,
		store:  store,
		runner: runner,
		target: &drift.Target{Hostname: "WS01", Platform: drift.PlatformWindows, Transport: drift.TransportWinRM},
	}
}

func firewallIncident(t *testing.T, h *testHarness) *incident.Incident {
	t.Helper()
	inc := incident.FromDrift("clinic-001", drift.Result{
		CheckID:           "firewall",
		TargetID:          "WS01",
		Platform:          drift.PlatformWindows,
		Status:            drift.StatusFail,
		Severity:          drift.SeverityHigh,
		Drifted:           true,
		PreState:          map[string]any{"profile": "Domain", "profile_enabled": false},
		RecommendedAction: "RB-WIN-SEC-001",
	})
	if err := h.store.Record(inc); err != nil {
		t.Fatal(err)
	}
	return inc
}

func TestL1Success(t *testing.T) {
	h := newHarness(t, nil)
	inc := firewallIncident(t, h)

	res, err := h.healer.HandleIncident(context.Background(), inc, h.target)
	if err != nil {
		t.Fatalf("HandleIncident: %v", err)
	}
	if res.Tier != incident.TierL1 || res.Outcome != incident.OutcomeSuccess {
		t.Fatalf("tier=%s outcome=%s", res.Tier, res.Outcome)
	}
	if res.RunbookID != "RB-WIN-SEC-001" {
		t.Errorf("runbook = %s", res.RunbookID)
	}
	// remediate + verify.
	if h.runner.callCount() != 2 {
		t.Errorf("runner calls = %d, want 2", h.runner.callCount())
	}

	got, _ := h.store.Get(inc.ID)
	if got.Status != incident.StatusResolved {
		t.Errorf("status = %s", got.Status)
	}
}

func TestVerifyFailureIsFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.exits = []int{0, 1} // remediate ok, verify fails
	inc := firewallIncident(t, h)

	res, err := h.healer.HandleIncident(context.Background(), inc, h.target)
	if err != nil {
		t.Fatal(err)
	}
	// L2 disabled by default: failed L1 escalates.
	if res.Tier != incident.TierL3 {
		t.Fatalf("tier = %s, want L3", res.Tier)
	}
	if res.Reason != "l1_failed" {
		t.Errorf("reason = %s", res.Reason)
	}
	got, _ := h.store.Get(inc.ID)
	if got.Status != incident.StatusEscalated {
		t.Errorf("status = %s", got.Status)
	}
}

func TestDryRunPurity(t *testing.T) {
	h := newHarness(t, func(c *config.HealingConfig) { c.DryRun = true })
	inc := firewallIncident(t, h)

	res, err := h.healer.HandleIncident(context.Background(), inc, h.target)
	if err != nil {
		t.Fatal(err)
	}
	if !res.DryRun {
		t.Error("result not marked dry run")
	}
	if res.Error != "dry_run" || res.Outcome != incident.OutcomeFailure {
		t.Errorf("outcome=%s error=%s", res.Outcome, res.Error)
	}
	if h.runner.callCount() != 0 {
		t.Errorf("dry run invoked executor %d times", h.runner.callCount())
	}
	got, _ := h.store.Get(inc.ID)
	if got.Error != "dry_run" {
		t.Errorf("stored error = %s", got.Error)
	}
}

func TestHealingDisabledEscalates(t *testing.T) {
	h := newHarness(t, func(c *config.HealingConfig) { c.Enabled = false })
	inc := firewallIncident(t, h)

	res, err := h.healer.HandleIncident(context.Background(), inc, h.target)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tier != incident.TierL3 || res.Reason != "healing_disabled" {
		t.Fatalf("tier=%s reason=%s", res.Tier, res.Reason)
	}
	if h.runner.callCount() != 0 {
		t.Error("disabled healer must not execute anything")
	}
	stored, err := h.store.Get(inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != incident.StatusEscalated {
		t.Errorf("status = %s, want escalated", stored.Status)
	}
}

func TestCooldownSoundness(t *testing.T) {
	h := newHarness(t, nil)

	first := firewallIncident(t, h)
	if _, err := h.healer.HandleIncident(context.Background(), first, h.target); err != nil {
		t.Fatal(err)
	}
	calls := h.runner.callCount()

	second := firewallIncident(t, h)
	res, err := h.healer.HandleIncident(context.Background(), second, h.target)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Deferred || res.Reason != "cooldown" {
		t.Fatalf("second attempt not deferred: %+v", res)
	}
	if h.runner.callCount() != calls {
		t.Error("deferred attempt still executed")
	}
	// Deferred incident stays open for a later cycle.
	got, _ := h.store.Get(second.ID)
	if got.Status != incident.StatusOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
}

func TestFlapEscalation(t *testing.T) {
	h := newHarness(t, func(c *config.HealingConfig) { c.Flap.Threshold = 2 })
	// Drive the tracker directly the way terminal results do.
	sig := ""
	for i := 0; i < 2; i++ {
		inc := firewallIncident(t, h)
		sig = inc.PatternSignature
		h.healer.flap.NoteResolved(sig)
		h.healer.flap.NoteRecurrence(sig)
	}
	if !h.healer.flap.Flapping(sig) {
		t.Fatal("tracker should report flapping")
	}

	inc := firewallIncident(t, h)
	h.healer.flap.NoteResolved(inc.PatternSignature)
	calls := h.runner.callCount()
	res, err := h.healer.HandleIncident(context.Background(), inc, h.target)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tier != incident.TierL3 || res.Reason != "flap_detected" {
		t.Fatalf("tier=%s reason=%s", res.Tier, res.Reason)
	}
	if h.runner.callCount() != calls {
		t.Error("flap escalation must not invoke L1/L2 executors")
	}
}

func TestEscalateRule(t *testing.T) {
	h := newHarness(t, nil)
	inc := incident.FromDrift("clinic-001", drift.Result{
		CheckID:  "uid0_accounts",
		TargetID: "srv01",
		Platform: drift.PlatformLinux,
		Status:   drift.StatusFail,
		Severity: drift.SeverityCritical,
		Drifted:  true,
		PreState: map[string]any{"extra_uid0": "eve"},
	})
	if err := h.store.Record(inc); err != nil {
		t.Fatal(err)
	}

	res, err := h.healer.HandleIncident(context.Background(), inc,
		&drift.Target{Hostname: "srv01", Platform: drift.PlatformLinux, Transport: drift.TransportSSH})
	if err != nil {
		t.Fatal(err)
	}
	if res.Tier != incident.TierL3 {
		t.Fatalf("tier = %s", res.Tier)
	}
	if h.runner.callCount() != 0 {
		t.Error("escalate rule must not execute anything")
	}
}

func TestNoRuleMatched(t *testing.T) {
	h := newHarness(t, nil)
	inc := incident.FromDrift("clinic-001", drift.Result{
		CheckID:  "something_novel",
		TargetID: "WS01",
		Platform: drift.PlatformWindows,
		Status:   drift.StatusFail,
		Severity: drift.SeverityMedium,
		Drifted:  true,
		PreState: map[string]any{"weird": true},
	})
	h.store.Record(inc)

	res, err := h.healer.HandleIncident(context.Background(), inc, h.target)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tier != incident.TierL3 || res.Reason != "no_rule_matched" {
		t.Fatalf("tier=%s reason=%s", res.Tier, res.Reason)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(zerolog.Nop(), 3, 50*time.Millisecond, "")
	key := "ws01:firewall"

	for i := 0; i < 2; i++ {
		if opened := cb.RecordFailure(key); opened {
			t.Fatalf("opened after %d failures", i+1)
		}
	}
	if !cb.RecordFailure(key) {
		t.Fatal("third failure should open")
	}
	if cb.Allow(key) {
		t.Fatal("open breaker allowed attempt")
	}

	// Half-open after expiry: exactly one probe.
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow(key) {
		t.Fatal("half-open probe denied")
	}
	if cb.Allow(key) {
		t.Fatal("second probe allowed while first pending")
	}

	// Failed probe re-opens; successful probe closes.
	cb.RecordFailure(key)
	if cb.Allow(key) {
		t.Fatal("re-opened breaker allowed attempt")
	}
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow(key) {
		t.Fatal("probe denied after second expiry")
	}
	cb.RecordSuccess(key)
	if !cb.Allow(key) {
		t.Fatal("closed breaker denied attempt")
	}
}

func TestCircuitSnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "circuit.json")
	cb := NewCircuitBreaker(zerolog.Nop(), 2, time.Hour, path)
	cb.RecordFailure("k")
	cb.RecordFailure("k")
	if cb.Allow("k") {
		t.Fatal("should be open")
	}

	again := NewCircuitBreaker(zerolog.Nop(), 2, time.Hour, path)
	if again.Allow("k") {
		t.Fatal("open state lost across restart")
	}
}

func TestFlapTrackerCountsOnlyFlips(t *testing.T) {
	f := NewFlapTracker(time.Minute, 3)

	// Recurrence without a prior resolution is not a flip.
	if n := f.NoteRecurrence("sig"); n != 0 {
		t.Errorf("flips = %d, want 0", n)
	}
	f.NoteResolved("sig")
	if n := f.NoteRecurrence("sig"); n != 1 {
		t.Errorf("flips = %d, want 1", n)
	}
	// Two recurrences after one resolution still count one flip.
	if n := f.NoteRecurrence("sig"); n != 1 {
		t.Errorf("flips = %d, want 1", n)
	}
}

func TestFlapWindowExpiry(t *testing.T) {
	f := NewFlapTracker(30*time.Millisecond, 1)
	f.NoteResolved("sig")
	f.NoteRecurrence("sig")
	if !f.Flapping("sig") {
		t.Fatal("should flap inside window")
	}
	time.Sleep(40 * time.Millisecond)
	if f.Flapping("sig") {
		t.Fatal("flips should expire with the window")
	}
}

func TestBudgetTracker(t *testing.T) {
	b := NewBudgetTracker(10, 2, 1)

	release, err := b.Admit()
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	// Concurrency slot taken.
	if _, err := b.Admit(); err == nil {
		t.Fatal("second concurrent admit should fail")
	}
	release()

	b.RecordCall(1000, 500)
	b.RecordCall(1000, 500)
	if _, err := b.Admit(); err == nil {
		t.Fatal("hourly cap should deny")
	}

	cost := NewBudgetTracker(10, 60, 3).RecordCall(1_000_000, 1_000_000)
	if cost < 4.79 || cost > 4.81 {
		t.Errorf("cost = %f, want 4.80", cost)
	}
}
