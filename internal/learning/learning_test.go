package learning

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/central"
	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/healing"
	"github.com/osiriscare/appliance-agent/internal/incident"
	"github.com/osiriscare/appliance-agent/internal/queue"
)

type fakeClient struct {
	mu      sync.Mutex
	pushErr error
	batches [][]byte
	sinces  []string
	pull    *central.PromotedRulesResponse
	pullErr error
}

func (f *fakeClient) PushPatternStats(_ context.Context, batch []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.batches = append(f.batches, append([]byte(nil), batch...))
	return nil
}

func (f *fakeClient) PullPromotedRules(_ context.Context, since string) (*central.PromotedRulesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if f.pull == nil {
		return &central.PromotedRulesResponse{}, nil
	}
	return f.pull, nil
}

type spoolEntry struct {
	kind    string
	payload []byte
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []spoolEntry
}

func (f *fakeQueue) Enqueue(kind string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, spoolEntry{kind, append([]byte(nil), payload...)})
	return nil
}

type harness struct {
	svc      *Service
	store    *incident.Store
	client   *fakeClient
	queue    *fakeQueue
	stateDir string
	rulesDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	stateDir := t.TempDir()
	rulesDir := filepath.Join(stateDir, "rules")
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	store, err := incident.Open(zerolog.Nop(), filepath.Join(stateDir, "incidents.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	client := &fakeClient{}
	q := &fakeQueue{}
	svc, err := New(zerolog.Nop(), "clinic-001", store, client, q, nil, nil, rulesDir, stateDir)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{svc: svc, store: store, client: client, queue: q, stateDir: stateDir, rulesDir: rulesDir}
}

func recordStat(t *testing.T, store *incident.Store, check string) {
	t.Helper()
	inc := incident.FromDrift("clinic-001", drift.Result{
		CheckID:  check,
		TargetID: "WS01",
		Platform: drift.PlatformWindows,
		Status:   drift.StatusFail,
		Severity: drift.SeverityHigh,
		Drifted:  true,
		PreState: map[string]any{"profile_enabled": false},
	})
	if err := store.Record(inc); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdatePatternStat(inc, true, 1200); err != nil {
		t.Fatal(err)
	}
}

func TestPushSendsOnlyNewStats(t *testing.T) {
	h := newHarness(t)
	recordStat(t, h.store, "firewall")
	recordStat(t, h.store, "antivirus")

	h.svc.Sync(context.Background())
	if len(h.client.batches) != 1 {
		t.Fatalf("batches = %d", len(h.client.batches))
	}
	var batch statBatch
	if err := json.Unmarshal(h.client.batches[0], &batch); err != nil {
		t.Fatal(err)
	}
	if batch.SiteID != "clinic-001" || len(batch.Stats) != 2 {
		t.Fatalf("batch = %+v", batch)
	}

	// Nothing changed: the cursor must suppress a re-push.
	h.svc.Sync(context.Background())
	if len(h.client.batches) != 1 {
		t.Fatalf("unchanged store re-pushed, batches = %d", len(h.client.batches))
	}

	recordStat(t, h.store, "firewall")
	h.svc.Sync(context.Background())
	if len(h.client.batches) != 2 {
		t.Fatalf("updated stat not pushed, batches = %d", len(h.client.batches))
	}
}

func TestPushSpoolsWhenOffline(t *testing.T) {
	h := newHarness(t)
	recordStat(t, h.store, "firewall")
	h.client.pushErr = context.DeadlineExceeded

	h.svc.Sync(context.Background())

	if len(h.queue.entries) != 1 || h.queue.entries[0].kind != queue.KindPatternStat {
		t.Fatalf("spool = %+v", h.queue.entries)
	}
	// The queue owns delivery now; coming back online must not re-push.
	h.client.pushErr = nil
	h.svc.Sync(context.Background())
	if len(h.client.batches) != 0 {
		t.Fatalf("spooled batch pushed again: %d", len(h.client.batches))
	}
}

func TestPullWritesPromotedBundle(t *testing.T) {
	h := newHarness(t)
	h.client.pull = &central.PromotedRulesResponse{
		Rules:     []json.RawMessage{json.RawMessage(`{"id":"PROMO-1","action":"noop"}`)},
		Signature: "ab12",
		Cursor:    "cursor-9",
	}

	h.svc.Sync(context.Background())

	data, err := os.ReadFile(filepath.Join(h.rulesDir, "promoted.json"))
	if err != nil {
		t.Fatalf("promoted bundle: %v", err)
	}
	var bundle struct {
		Rules     []json.RawMessage `json:"rules"`
		Signature string            `json:"signature"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatal(err)
	}
	if len(bundle.Rules) != 1 || bundle.Signature != "ab12" {
		t.Fatalf("bundle = %+v", bundle)
	}

	h.svc.Sync(context.Background())
	if got := h.client.sinces[1]; got != "cursor-9" {
		t.Fatalf("second pull since = %q", got)
	}
}

func TestCursorsSurviveRestart(t *testing.T) {
	h := newHarness(t)
	recordStat(t, h.store, "firewall")
	h.client.pull = &central.PromotedRulesResponse{
		Rules:     []json.RawMessage{json.RawMessage(`{"id":"PROMO-1","action":"noop"}`)},
		Cursor:    "cursor-3",
		Signature: "cd34",
	}
	h.svc.Sync(context.Background())

	reopened, err := New(zerolog.Nop(), "clinic-001", h.store, h.client, h.queue, nil, nil, h.rulesDir, h.stateDir)
	if err != nil {
		t.Fatal(err)
	}
	h.client.pull = nil
	reopened.Sync(context.Background())

	if len(h.client.batches) != 1 {
		t.Fatalf("restart re-pushed stats, batches = %d", len(h.client.batches))
	}
	if got := h.client.sinces[len(h.client.sinces)-1]; got != "cursor-3" {
		t.Fatalf("restart pull since = %q", got)
	}
}

func TestRecordExecutionSpools(t *testing.T) {
	h := newHarness(t)
	h.svc.RecordExecution(&healing.Result{
		IncidentID: "inc-1",
		Tier:       incident.TierL1,
		Outcome:    incident.OutcomeSuccess,
		RunbookID:  "RB-WIN-SEC-001",
		DurationMs: 420,
	})

	if len(h.queue.entries) != 1 || h.queue.entries[0].kind != queue.KindExecution {
		t.Fatalf("spool = %+v", h.queue.entries)
	}
	var record map[string]any
	if err := json.Unmarshal(h.queue.entries[0].payload, &record); err != nil {
		t.Fatal(err)
	}
	if record["incident_id"] != "inc-1" || record["tier"] != "L1" {
		t.Fatalf("record = %v", record)
	}
}
