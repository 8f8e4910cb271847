// Package healing implements the three-tier auto-healer: the L1
// deterministic rules engine, the L2 planner client, and the L3
// escalation router, behind a single HandleIncident entry point.
package healing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/osiriscare/appliance-agent/internal/crypto"
	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/incident"
	"github.com/osiriscare/appliance-agent/internal/metrics"
	"github.com/osiriscare/appliance-agent/internal/runbook"
)

// Operator is a rule condition comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

// Rule origins and their priorities. Lower priority evaluates first.
const (
	OriginLocal    = "local"
	OriginPromoted = "promoted"
	OriginBuiltin  = "builtin"

	PriorityLocal    = 1
	PriorityPromoted = 5
	PriorityBuiltin  = 10
)

// Actions a rule may dispatch. Anything else is refused at load time.
const (
	ActionWindowsRunbook = "run_windows_runbook"
	ActionLinuxRunbook   = "run_linux_runbook"
	ActionLocalScript    = "run_local_script"
	ActionEscalate       = "escalate"
	ActionNoop           = "noop"
)

var knownActions = map[string]bool{
	ActionWindowsRunbook: true,
	ActionLinuxRunbook:   true,
	ActionLocalScript:    true,
	ActionEscalate:       true,
	ActionNoop:           true,
}

// Condition is one predicate over the incident's raw state. Field
// supports dotted paths into nested maps.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Eval evaluates the condition against the raw state. A missing field
// never matches.
func (c *Condition) Eval(raw map[string]any) bool {
	actual := fieldValue(raw, c.Field)
	if actual == nil {
		return false
	}

	switch c.Operator {
	case OpEq:
		return valuesEqual(actual, c.Value)
	case OpNe:
		return !valuesEqual(actual, c.Value)
	case OpContains:
		return strings.Contains(fmt.Sprintf("%v", actual), fmt.Sprintf("%v", c.Value))
	case OpMatches:
		re, err := regexp.Compile(fmt.Sprintf("%v", c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	case OpGt, OpGte, OpLt, OpLte:
		af, aok := toFloat(actual)
		vf, vok := toFloat(c.Value)
		if !aok || !vok {
			return false
		}
		switch c.Operator {
		case OpGt:
			return af > vf
		case OpGte:
			return af >= vf
		case OpLt:
			return af < vf
		default:
			return af <= vf
		}
	}
	return false
}

// Rule is one deterministic L1 rule.
type Rule struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	// Origin is local, promoted or builtin; it fixes the priority band
	// and breaks priority ties.
	Origin   string `json:"origin" yaml:"origin"`
	Priority int    `json:"priority" yaml:"priority"`

	// Platform restricts the rule; empty matches any platform.
	Platform  drift.Platform `json:"platform,omitempty" yaml:"platform"`
	CheckType string         `json:"check_type,omitempty" yaml:"check_type"`
	Severity  []string       `json:"severity,omitempty" yaml:"severity"`

	Conditions []Condition    `json:"conditions" yaml:"conditions"`
	Action     string         `json:"action" yaml:"action"`
	Params     map[string]any `json:"params,omitempty" yaml:"params"`

	// CooldownSec overrides the global per-resource cooldown when > 0.
	CooldownSec int  `json:"cooldown_sec,omitempty" yaml:"cooldown_sec"`
	Enabled     bool `json:"enabled" yaml:"enabled"`
}

// Matches reports whether every condition holds for the incident.
func (r *Rule) Matches(inc *incident.Incident) bool {
	if !r.Enabled {
		return false
	}
	if r.Platform != "" && r.Platform != inc.Platform {
		return false
	}
	if r.CheckType != "" && r.CheckType != inc.CheckType {
		return false
	}
	if len(r.Severity) > 0 {
		ok := false
		for _, s := range r.Severity {
			if s == string(inc.Severity) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for i := range r.Conditions {
		if !r.Conditions[i].Eval(inc.RawState) {
			return false
		}
	}
	return true
}

// Ruleset is an immutable, priority-sorted rule list. The healer swaps
// whole rulesets atomically; in-flight evaluations keep their snapshot.
type Ruleset struct {
	rules []*Rule
}

// NewRuleset sorts rules by ascending priority, ties broken by
// (origin, id) lexicographic.
func NewRuleset(rules []*Rule) *Ruleset {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Origin != b.Origin {
			return a.Origin < b.Origin
		}
		return a.ID < b.ID
	})
	return &Ruleset{rules: sorted}
}

// Rules returns the sorted rules. Callers must not mutate.
func (rs *Ruleset) Rules() []*Rule { return rs.rules }

// Len returns the rule count.
func (rs *Ruleset) Len() int { return len(rs.rules) }

// ruleSchema validates rule documents before they are accepted.
const ruleSchema = `{
	"type": "object",
	"required": ["id", "action"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string"},
		"description": {"type": "string"},
		"origin": {"enum": ["local", "promoted", "builtin", ""]},
		"priority": {"type": "integer", "minimum": 0},
		"platform": {"enum": ["windows", "linux", "nixos-self", ""]},
		"check_type": {"type": "string"},
		"severity": {"type": "array", "items": {"type": "string"}},
		"action": {"type": "string", "minLength": 1},
		"params": {"type": "object"},
		"cooldown_sec": {"type": "integer", "minimum": 0},
		"enabled": {"type": "boolean"},
		"conditions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["field", "operator"],
				"properties": {
					"field": {"type": "string", "minLength": 1},
					"operator": {"enum": ["eq", "ne", "gt", "gte", "lt", "lte", "contains", "matches"]}
				}
			}
		}
	}
}`

var compiledRuleSchema = jsonschema.MustCompileString("rule.json", ruleSchema)

// Loader reads the rules directory and produces rulesets. Files:
// *.yaml / *.yml hold locally authored rules; *.json holds promoted
// bundles pulled from Central Command, signature-checked when a server
// public key is pinned.
type Loader struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	dir      string
	verifier *crypto.Verifier
	runbooks *runbook.Registry
}

// NewLoader builds a loader. verifier may lack a key; unsigned promoted
// bundles are then accepted with a warning.
func NewLoader(log zerolog.Logger, m *metrics.Metrics, dir string, verifier *crypto.Verifier, books *runbook.Registry) *Loader {
	return &Loader{log: log, metrics: m, dir: dir, verifier: verifier, runbooks: books}
}

// Load builds a fresh ruleset: builtins plus everything valid on disk.
// Individual bad rules or files are skipped and counted, never fatal.
func (l *Loader) Load() *Ruleset {
	rules := builtinRules()
	rules = append(rules, l.loadDir()...)
	rs := NewRuleset(rules)
	if l.metrics != nil {
		l.metrics.RulesLoaded.Set(float64(rs.Len()))
	}
	l.log.Info().Int("count", rs.Len()).Msg("ruleset loaded")
	return rs
}

func (l *Loader) loadDir() []*Rule {
	if l.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Error().Err(err).Str("dir", l.dir).Msg("rules dir unreadable")
		}
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(l.dir, name)
		switch {
		case strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml"):
			out = append(out, l.loadYAML(path)...)
		case strings.HasSuffix(name, ".json"):
			out = append(out, l.loadPromotedBundle(path)...)
		}
	}
	return out
}

// loadYAML reads locally authored rules: one rule document or a
// top-level "rules" list.
func (l *Loader) loadYAML(path string) []*Rule {
	data, err := os.ReadFile(path)
	if err != nil {
		l.log.Error().Err(err).Str("file", path).Msg("skipping unreadable rule file")
		return nil
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		l.reject(path, "malformed", err)
		return nil
	}

	docs := []map[string]any{doc}
	if list, ok := doc["rules"].([]any); ok {
		docs = docs[:0]
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				docs = append(docs, m)
			}
		}
	}

	var out []*Rule
	for _, m := range docs {
		if r := l.buildRule(path, m, OriginLocal, PriorityLocal); r != nil {
			out = append(out, r)
		}
	}
	return out
}

// loadPromotedBundle reads a promoted bundle:
// {"rules": [...], "signature": "<hex over canonical rules>"}.
func (l *Loader) loadPromotedBundle(path string) []*Rule {
	data, err := os.ReadFile(path)
	if err != nil {
		l.log.Error().Err(err).Str("file", path).Msg("skipping unreadable rule bundle")
		return nil
	}

	var bundle struct {
		Rules     []map[string]any `json:"rules"`
		Signature string           `json:"signature"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		l.reject(path, "malformed", err)
		return nil
	}

	if l.verifier != nil && l.verifier.HasKey() {
		if bundle.Signature == "" {
			l.reject(path, "unsigned", fmt.Errorf("bundle carries no signature"))
			return nil
		}
		payload, err := crypto.Canonical(bundle.Rules)
		if err != nil {
			l.reject(path, "malformed", err)
			return nil
		}
		if err := l.verifier.Verify(payload, bundle.Signature); err != nil {
			l.reject(path, "bad_signature", err)
			return nil
		}
	} else if bundle.Signature == "" {
		l.log.Warn().Str("file", path).Msg("accepting unsigned rule bundle: no server key pinned")
	}

	var out []*Rule
	for _, m := range bundle.Rules {
		if r := l.buildRule(path, m, OriginPromoted, PriorityPromoted); r != nil {
			out = append(out, r)
		}
	}
	return out
}

// buildRule validates and converts one rule document. Unknown actions
// are migrated when a legacy alias exists, refused otherwise.
func (l *Loader) buildRule(path string, doc map[string]any, origin string, priority int) *Rule {
	if err := compiledRuleSchema.Validate(normalizeForSchema(doc)); err != nil {
		l.reject(path, "schema", err)
		return nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		l.reject(path, "malformed", err)
		return nil
	}
	r := &Rule{Origin: origin, Priority: priority, Enabled: true}
	if err := json.Unmarshal(raw, r); err != nil {
		l.reject(path, "malformed", err)
		return nil
	}
	// Origin and priority are assigned by provenance, not by the document.
	r.Origin = origin
	r.Priority = priority

	if !knownActions[r.Action] {
		if id, ok := runbook.MigrateAction(r.Action); ok {
			r.Action = actionForRunbook(l.runbooks, id)
			if r.Params == nil {
				r.Params = map[string]any{}
			}
			r.Params["runbook_id"] = id
		} else {
			l.reject(path, "unknown_action", fmt.Errorf("rule %s: action %q", r.ID, r.Action))
			return nil
		}
	}
	return r
}

func (l *Loader) reject(path, reason string, err error) {
	l.log.Error().Err(err).Str("file", filepath.Base(path)).Str("reason", reason).Msg("rule rejected")
	if l.metrics != nil {
		l.metrics.RulesRejected.WithLabelValues(reason).Inc()
	}
}

// actionForRunbook picks the dispatch action matching a runbook's
// platform.
func actionForRunbook(books *runbook.Registry, id string) string {
	if books != nil {
		if rb := books.Get(id); rb != nil {
			switch rb.Platform {
			case drift.PlatformWindows:
				return ActionWindowsRunbook
			case drift.PlatformNixOSSelf:
				return ActionLocalScript
			}
			return ActionLinuxRunbook
		}
	}
	if strings.HasPrefix(id, "RB-WIN-") {
		return ActionWindowsRunbook
	}
	if strings.HasPrefix(id, "RB-SELF-") {
		return ActionLocalScript
	}
	return ActionLinuxRunbook
}

// normalizeForSchema converts YAML-decoded values into the shapes the
// JSON schema validator expects.
func normalizeForSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForSchema(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeForSchema(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForSchema(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return v
	}
}

// fieldValue resolves a dotted path in nested maps.
func fieldValue(data map[string]any, field string) any {
	var cur any = data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func valuesEqual(a, b any) bool {
	ab, aBool := a.(bool)
	bb, bBool := b.(bool)
	if aBool && bBool {
		return ab == bb
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
