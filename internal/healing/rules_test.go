package healing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/crypto"
	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/incident"
	"github.com/osiriscare/appliance-agent/internal/runbook"
)

func TestConditionOperators(t *testing.T) {
	raw := map[string]any{
		"status":   "fail",
		"age_days": 12,
		"enabled":  false,
		"nested":   map[string]any{"value": "deep"},
		"output":   "access denied on share",
	}

	cases := []struct {
		cond Condition
		want bool
	}{
		{Condition{Field: "status", Operator: OpEq, Value: "fail"}, true},
		{Condition{Field: "status", Operator: OpNe, Value: "pass"}, true},
		{Condition{Field: "enabled", Operator: OpEq, Value: false}, true},
		{Condition{Field: "enabled", Operator: OpEq, Value: true}, false},
		{Condition{Field: "age_days", Operator: OpGt, Value: 7}, true},
		{Condition{Field: "age_days", Operator: OpGte, Value: 12}, true},
		{Condition{Field: "age_days", Operator: OpLt, Value: 12}, false},
		{Condition{Field: "age_days", Operator: OpLte, Value: 12}, true},
		{Condition{Field: "output", Operator: OpContains, Value: "denied"}, true},
		{Condition{Field: "output", Operator: OpMatches, Value: `access\s+denied`}, true},
		{Condition{Field: "output", Operator: OpMatches, Value: `^granted`}, false},
		{Condition{Field: "nested.value", Operator: OpEq, Value: "deep"}, true},
		{Condition{Field: "missing", Operator: OpEq, Value: "x"}, false},
	}
	for i, tc := range cases {
		if got := tc.cond.Eval(raw); got != tc.want {
			t.Errorf("case %d (%s %s %v): got %v", i, tc.cond.Field, tc.cond.Operator, tc.cond.Value, got)
		}
	}
}

func TestRuleMatchesPlatformAndSeverity(t *testing.T) {
	r := &Rule{
		ID: "r1", Enabled: true,
		Platform: drift.PlatformWindows,
		Severity: []string{"high", "critical"},
		Conditions: []Condition{
			{Field: "status", Operator: OpEq, Value: "fail"},
		},
	}
	inc := &incident.Incident{
		Platform: drift.PlatformWindows,
		Severity: drift.SeverityHigh,
		RawState: map[string]any{"status": "fail"},
	}
	if !r.Matches(inc) {
		t.Error("should match")
	}

	inc.Platform = drift.PlatformLinux
	if r.Matches(inc) {
		t.Error("platform mismatch should skip rule")
	}
	inc.Platform = drift.PlatformWindows
	inc.Severity = drift.SeverityLow
	if r.Matches(inc) {
		t.Error("severity filter should skip rule")
	}

	r.Enabled = false
	inc.Severity = drift.SeverityHigh
	if r.Matches(inc) {
		t.Error("disabled rule matched")
	}
}

func TestRulesetOrdering(t *testing.T) {
	rs := NewRuleset([]*Rule{
		{ID: "b", Origin: OriginBuiltin, Priority: PriorityBuiltin},
		{ID: "z", Origin: OriginLocal, Priority: PriorityLocal},
		{ID: "a", Origin: OriginPromoted, Priority: PriorityPromoted},
		{ID: "m", Origin: OriginPromoted, Priority: PriorityPromoted},
	})
	got := make([]string, 0, rs.Len())
	for _, r := range rs.Rules() {
		got = append(got, r.ID)
	}
	want := []string{"z", "a", "m", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func newTestLoader(t *testing.T, dir string, verifier *crypto.Verifier) *Loader {
	t.Helper()
	books, err := runbook.NewRegistry(zerolog.Nop(), "")
	if err != nil {
		t.Fatal(err)
	}
	return NewLoader(zerolog.Nop(), nil, dir, verifier, books)
}

func TestLoaderLocalYAML(t *testing.T) {
	dir := t.TempDir()
	ruleYAML := `
id: SITE-FW-001
name: site firewall override
platform: windows
check_type: firewall
conditions:
  - field: status
    operator: eq
    value: fail
action: run_windows_runbook
params:
  runbook_id: RB-WIN-SEC-001
cooldown_sec: 60
`
	if err := os.WriteFile(filepath.Join(dir, "site.yaml"), []byte(ruleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	rs := newTestLoader(t, dir, nil).Load()
	var found *Rule
	for _, r := range rs.Rules() {
		if r.ID == "SITE-FW-001" {
			found = r
		}
	}
	if found == nil {
		t.Fatal("local rule not loaded")
	}
	if found.Origin != OriginLocal || found.Priority != PriorityLocal {
		t.Errorf("origin=%s priority=%d", found.Origin, found.Priority)
	}
	if found.CooldownSec != 60 {
		t.Errorf("cooldown = %d", found.CooldownSec)
	}
	// Local rules sort ahead of builtins.
	if rs.Rules()[0].ID != "SITE-FW-001" {
		t.Errorf("first rule = %s, want local override", rs.Rules()[0].ID)
	}
}

func TestLoaderRejectsUnknownAction(t *testing.T) {
	dir := t.TempDir()
	bad := "id: BAD-001\naction: reformat_everything\n"
	os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o644)

	rs := newTestLoader(t, dir, nil).Load()
	for _, r := range rs.Rules() {
		if r.ID == "BAD-001" {
			t.Fatal("unknown action accepted")
		}
	}
}

func TestLoaderMigratesLegacyAction(t *testing.T) {
	dir := t.TempDir()
	legacy := "id: OLD-001\naction: restore_firewall_baseline\n"
	os.WriteFile(filepath.Join(dir, "legacy.yaml"), []byte(legacy), 0o644)

	rs := newTestLoader(t, dir, nil).Load()
	for _, r := range rs.Rules() {
		if r.ID == "OLD-001" {
			if r.Action != ActionWindowsRunbook {
				t.Errorf("action = %s", r.Action)
			}
			if r.Params["runbook_id"] != "RB-WIN-SEC-001" {
				t.Errorf("runbook_id = %v", r.Params["runbook_id"])
			}
			return
		}
	}
	t.Fatal("legacy rule dropped instead of migrated")
}

func TestLoaderVerifiesPromotedBundle(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	verifier := crypto.NewVerifier(hex.EncodeToString(pub))

	rules := []map[string]any{{
		"id":     "PROMOTED-001",
		"action": "noop",
	}}
	payload, err := crypto.Canonical(rules)
	if err != nil {
		t.Fatal(err)
	}
	sig := hex.EncodeToString(ed25519.Sign(priv, payload))

	dir := t.TempDir()
	bundle, _ := json.Marshal(map[string]any{"rules": rules, "signature": sig})
	os.WriteFile(filepath.Join(dir, "promoted.json"), bundle, 0o644)

	rs := newTestLoader(t, dir, verifier).Load()
	found := false
	for _, r := range rs.Rules() {
		if r.ID == "PROMOTED-001" {
			found = true
			if r.Origin != OriginPromoted || r.Priority != PriorityPromoted {
				t.Errorf("origin=%s priority=%d", r.Origin, r.Priority)
			}
		}
	}
	if !found {
		t.Fatal("signed promoted bundle not loaded")
	}

	// Tampered bundle is rejected wholesale.
	rules[0]["action"] = "escalate"
	tampered, _ := json.Marshal(map[string]any{"rules": rules, "signature": sig})
	os.WriteFile(filepath.Join(dir, "promoted.json"), tampered, 0o644)
	rs = newTestLoader(t, dir, verifier).Load()
	for _, r := range rs.Rules() {
		if r.ID == "PROMOTED-001" {
			t.Fatal("tampered bundle accepted")
		}
	}
}

func TestLoaderRejectsUnsignedWhenKeyPinned(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	verifier := crypto.NewVerifier(hex.EncodeToString(pub))

	dir := t.TempDir()
	bundle, _ := json.Marshal(map[string]any{
		"rules": []map[string]any{{"id": "UNSIGNED-001", "action": "noop"}},
	})
	os.WriteFile(filepath.Join(dir, "promoted.json"), bundle, 0o644)

	rs := newTestLoader(t, dir, verifier).Load()
	for _, r := range rs.Rules() {
		if r.ID == "UNSIGNED-001" {
			t.Fatal("unsigned bundle accepted with pinned key")
		}
	}
}

func TestBuiltinRulesAreValid(t *testing.T) {
	books, err := runbook.NewRegistry(zerolog.Nop(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range builtinRules() {
		if !knownActions[r.Action] {
			t.Errorf("rule %s has unknown action %s", r.ID, r.Action)
		}
		if !r.Enabled {
			t.Errorf("rule %s shipped disabled", r.ID)
		}
		if id, ok := r.Params["runbook_id"].(string); ok {
			if books.Get(id) == nil {
				t.Errorf("rule %s references unregistered runbook %s", r.ID, id)
			}
		}
	}
}
