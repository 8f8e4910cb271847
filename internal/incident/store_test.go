package incident

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/drift"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(zerolog.Nop(), filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testIncident() *Incident {
	return FromDrift("clinic-001", drift.Result{
		CheckID:  "firewall",
		TargetID: "WS01",
		Platform: drift.PlatformWindows,
		Status:   drift.StatusFail,
		Severity: drift.SeverityHigh,
		Drifted:  true,
		PreState: map[string]any{"profile_enabled": false, "profile": "Domain"},
	})
}

func TestRecordAndGet(t *testing.T) {
	s := newTestStore(t)
	inc := testIncident()
	if err := s.Record(inc); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Get(inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CheckType != "firewall" || got.HostID != "WS01" {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.Status != StatusOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
	if got.PatternSignature != inc.PatternSignature {
		t.Error("pattern signature lost in roundtrip")
	}
	if enabled, ok := got.RawState["profile_enabled"].(bool); !ok || enabled {
		t.Errorf("raw state lost: %v", got.RawState)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetResolution(t *testing.T) {
	s := newTestStore(t)
	inc := testIncident()
	if err := s.Record(inc); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkResolving(inc.ID); err != nil {
		t.Fatalf("MarkResolving: %v", err)
	}
	if err := s.SetResolution(inc.ID, TierL1, OutcomeSuccess, "RB-WIN-SEC-001", "ok", ""); err != nil {
		t.Fatalf("SetResolution: %v", err)
	}

	got, _ := s.Get(inc.ID)
	if got.Status != StatusResolved || got.Tier != TierL1 || got.Outcome != OutcomeSuccess {
		t.Errorf("resolution not recorded: %+v", got)
	}
	if got.RunbookID != "RB-WIN-SEC-001" {
		t.Errorf("runbook = %s", got.RunbookID)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}
}

func TestTerminalStatesNeverRevert(t *testing.T) {
	s := newTestStore(t)
	inc := testIncident()
	s.Record(inc)
	if err := s.SetResolution(inc.ID, TierL1, OutcomeSuccess, "RB-1", "", ""); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkResolving(inc.ID); !errors.Is(err, ErrTerminalTransition) {
		t.Errorf("resolved -> resolving allowed: %v", err)
	}
	if err := s.SetResolution(inc.ID, TierL2, OutcomeFailure, "RB-2", "", ""); !errors.Is(err, ErrTerminalTransition) {
		t.Errorf("double resolution allowed: %v", err)
	}

	// Still the original resolution.
	got, _ := s.Get(inc.ID)
	if got.Tier != TierL1 || got.Outcome != OutcomeSuccess {
		t.Errorf("terminal state mutated: %+v", got)
	}
}

func TestL3SetsEscalated(t *testing.T) {
	s := newTestStore(t)
	inc := testIncident()
	s.Record(inc)
	if err := s.SetResolution(inc.ID, TierL3, OutcomeFailure, "", "", "flap_detected"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(inc.ID)
	if got.Status != StatusEscalated {
		t.Errorf("status = %s, want escalated", got.Status)
	}
	if err := s.MarkResolving(inc.ID); !errors.Is(err, ErrTerminalTransition) {
		t.Error("escalated -> resolving allowed")
	}
}

func TestQueryPattern(t *testing.T) {
	s := newTestStore(t)
	a := testIncident()
	b := testIncident()
	s.Record(a)
	s.Record(b)

	if a.PatternSignature != b.PatternSignature {
		t.Fatal("same drift should produce same signature")
	}

	got, err := s.QueryPattern(a.PatternSignature, time.Hour)
	if err != nil {
		t.Fatalf("QueryPattern: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d incidents, want 2", len(got))
	}
}

func TestListOpenAndRecovery(t *testing.T) {
	s := newTestStore(t)
	inc := testIncident()
	s.Record(inc)
	s.MarkResolving(inc.ID)

	open, err := s.ListOpen(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("got %d open, want 1", len(open))
	}

	// Fresh resolving incident is not an orphan.
	n, err := s.RecoverOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("recovered %d, want 0", n)
	}

	// Backdate the healing takeover past the orphan age; recovery
	// force-fails it.
	if _, err := s.db.Exec(`UPDATE incidents SET resolving_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-2*time.Hour).Format(time.RFC3339Nano), inc.ID); err != nil {
		t.Fatal(err)
	}
	n, err = s.RecoverOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	got, _ := s.Get(inc.ID)
	if got.Outcome != OutcomeFailure || got.Error != "orphaned" {
		t.Errorf("orphan not force-failed: %+v", got)
	}
}

func TestOrphanAgeCountsFromResolving(t *testing.T) {
	s := newTestStore(t)
	inc := testIncident()
	s.Record(inc)

	// The incident sat open for hours before healing picked it up.
	if _, err := s.db.Exec(`UPDATE incidents SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-3*time.Hour).Format(time.RFC3339Nano), inc.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkResolving(inc.ID); err != nil {
		t.Fatal(err)
	}

	// Healing just started; the old created_at must not orphan it.
	n, err := s.RecoverOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("recovered %d, want 0: healing in progress", n)
	}
	got, _ := s.Get(inc.ID)
	if got.Status != StatusResolving {
		t.Errorf("status = %s, want resolving", got.Status)
	}
}

func TestSignatureDeterministic(t *testing.T) {
	a := Signature("firewall", map[string]any{"profile": "Domain", "profile_enabled": false, "timestamp": "2026-01-01T00:00:00Z"})
	b := Signature("firewall", map[string]any{"profile_enabled": false, "profile": "Domain", "timestamp": "2026-02-02T09:09:09Z"})
	if a != b {
		t.Error("volatile fields and key order must not affect the signature")
	}
	c := Signature("firewall", map[string]any{"profile": "Public", "profile_enabled": false})
	if a == c {
		t.Error("different states must produce different signatures")
	}
	d := Signature("defender", map[string]any{"profile": "Domain", "profile_enabled": false})
	if a == d {
		t.Error("check type must feed the signature")
	}
}

func TestPatternStats(t *testing.T) {
	s := newTestStore(t)
	inc := testIncident()
	s.Record(inc)

	if err := s.UpdatePatternStat(inc, true, 1200); err != nil {
		t.Fatalf("UpdatePatternStat: %v", err)
	}
	if err := s.UpdatePatternStat(inc, false, 800); err != nil {
		t.Fatal(err)
	}

	stats, cursor, err := s.PatternStatsSince(0)
	if err != nil {
		t.Fatalf("PatternStatsSince: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("got %d stats, want 1", len(stats))
	}
	st := stats[0]
	if st.Occurrences != 2 || st.Successes != 1 || st.Failures != 1 {
		t.Errorf("counters wrong: %+v", st)
	}
	if st.AvgResolutionMs != 1000 {
		t.Errorf("avg = %d, want 1000", st.AvgResolutionMs)
	}
	if cursor <= 0 {
		t.Errorf("cursor = %d, want > 0", cursor)
	}

	// Nothing new since the cursor.
	again, next, err := s.PatternStatsSince(cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 || next != cursor {
		t.Errorf("unexpected deltas after cursor: %v", again)
	}
}
