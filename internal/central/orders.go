package central

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/crypto"
	"github.com/osiriscare/appliance-agent/internal/metrics"
)

// Order is a signed instruction from Central Command. The signature
// covers the canonical JSON of every field except the signature.
type Order struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	IssuedAt   time.Time      `json:"issued_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Signature  string         `json:"signature"`

	raw json.RawMessage
}

// UnmarshalJSON keeps the raw bytes so verification sees exactly what
// the server signed, not a round-tripped rendering.
func (o *Order) UnmarshalJSON(data []byte) error {
	type alias Order
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*o = Order(a)
	o.raw = append(json.RawMessage(nil), data...)
	return nil
}

// signedFields returns the raw order document minus the signature,
// with numbers preserved for canonicalization.
func (o *Order) signedFields() (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(o.raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", o.ID, err)
	}
	delete(doc, "signature")
	return doc, nil
}

// NonceCache is the 24-hour order replay cache, persisted so a restart
// cannot be used to replay an already-executed order.
type NonceCache struct {
	log    zerolog.Logger
	path   string
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewNonceCache loads the cache from disk; a missing or corrupt file
// starts empty.
func NewNonceCache(log zerolog.Logger, path string) (*NonceCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create nonce dir: %w", err)
	}
	n := &NonceCache{
		log:    log,
		path:   path,
		window: 24 * time.Hour,
		seen:   make(map[string]time.Time),
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &n.seen); err != nil {
			log.Warn().Err(err).Msg("discarding unreadable nonce cache")
			n.seen = make(map[string]time.Time)
		}
	}
	return n, nil
}

// Seen reports whether the order id was executed within the window.
func (n *NonceCache) Seen(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	at, ok := n.seen[id]
	return ok && time.Since(at) < n.window
}

// Remember records the id and persists the pruned cache.
func (n *NonceCache) Remember(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := time.Now().UTC().Add(-n.window)
	for k, at := range n.seen {
		if at.Before(cutoff) {
			delete(n.seen, k)
		}
	}
	n.seen[id] = time.Now().UTC()

	data, err := json.MarshalIndent(n.seen, "", "  ")
	if err != nil {
		return err
	}
	tmp := n.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write nonce cache: %w", err)
	}
	return os.Rename(tmp, n.path)
}

// OrderHandler executes one order action.
type OrderHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Processor verifies and dispatches signed orders. Subsystems inject
// handlers for the actions they own; a few host-local actions are
// built in.
type Processor struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	client   *Client
	verifier *crypto.Verifier
	nonces   *NonceCache

	mu          sync.Mutex
	handlers    map[string]OrderHandler
	applianceID string
}

// NewProcessor wires the order pipeline.
func NewProcessor(log zerolog.Logger, m *metrics.Metrics, client *Client, verifier *crypto.Verifier, nonces *NonceCache) *Processor {
	p := &Processor{
		log:      log,
		metrics:  m,
		client:   client,
		verifier: verifier,
		nonces:   nonces,
		handlers: make(map[string]OrderHandler),
	}
	p.handlers["view_logs"] = handleViewLogs
	p.handlers["diagnostic"] = handleDiagnostic
	return p
}

// RegisterHandler adds or replaces the handler for an action.
func (p *Processor) RegisterHandler(action string, h OrderHandler) {
	p.mu.Lock()
	p.handlers[action] = h
	p.mu.Unlock()
}

// SetApplianceID records the identity assigned at check-in. Polling is
// a no-op until it is set.
func (p *Processor) SetApplianceID(id string) {
	p.mu.Lock()
	p.applianceID = id
	p.mu.Unlock()
}

// Poll fetches and processes all pending orders.
func (p *Processor) Poll(ctx context.Context) {
	p.mu.Lock()
	id := p.applianceID
	p.mu.Unlock()
	if id == "" {
		return
	}

	orders, err := p.client.PendingOrders(ctx, id)
	if err != nil {
		p.log.Warn().Err(err).Msg("order poll failed")
		return
	}
	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}
		p.Process(ctx, o)
	}
}

// Process runs one order end to end: verify, replay-check, ack,
// execute, complete.
func (p *Processor) Process(ctx context.Context, o *Order) {
	clog := p.log.With().Str("order", o.ID).Str("action", o.Action).Logger()

	if reason := p.validate(o); reason != "" {
		clog.Warn().Str("reason", reason).Msg("order rejected")
		if p.metrics != nil {
			p.metrics.OrdersRejected.WithLabelValues(reason).Inc()
		}
		// A replayed order already reported its completion.
		if reason != "replay" {
			p.complete(ctx, o.ID, false, nil, "rejected: "+reason)
		}
		return
	}

	if err := p.nonces.Remember(o.ID); err != nil {
		clog.Error().Err(err).Msg("nonce persist failed, refusing order")
		return
	}

	p.mu.Lock()
	id := p.applianceID
	handler, ok := p.handlers[o.Action]
	p.mu.Unlock()

	if err := p.client.AckOrder(ctx, id, o.ID); err != nil {
		clog.Warn().Err(err).Msg("order ack failed")
	}
	if !ok {
		p.complete(ctx, o.ID, false, nil, "unknown action: "+o.Action)
		return
	}

	params := o.Parameters
	if params == nil {
		params = map[string]any{}
	}
	result, err := handler(ctx, params)
	if err != nil {
		clog.Warn().Err(err).Msg("order failed")
		p.complete(ctx, o.ID, false, nil, err.Error())
		return
	}
	if p.metrics != nil {
		p.metrics.OrdersExecuted.WithLabelValues(o.Action).Inc()
	}
	clog.Info().Msg("order completed")
	p.complete(ctx, o.ID, true, result, "")
}

// validate returns a rejection reason or "".
func (p *Processor) validate(o *Order) string {
	if o.ID == "" || o.Action == "" {
		return "malformed"
	}
	if o.Signature == "" {
		return "unsigned"
	}
	fields, err := o.signedFields()
	if err != nil {
		return "malformed"
	}
	if err := p.verifier.VerifyFields(fields, o.Signature); err != nil {
		if p.metrics != nil {
			p.metrics.CountError("orders", metrics.ClassCrypto)
		}
		return "bad_signature"
	}
	if !o.ExpiresAt.IsZero() && time.Now().After(o.ExpiresAt) {
		return "expired"
	}
	if p.nonces.Seen(o.ID) {
		return "replay"
	}
	return ""
}

func (p *Processor) complete(ctx context.Context, orderID string, success bool, result map[string]any, errMsg string) {
	p.mu.Lock()
	id := p.applianceID
	p.mu.Unlock()
	if err := p.client.CompleteOrder(ctx, id, orderID, success, result, errMsg); err != nil {
		p.log.Warn().Err(err).Str("order", orderID).Msg("completion report failed")
	}
}

// allowedDiagnostics whitelists the host commands an order may run.
var allowedDiagnostics = map[string][]string{
	"agent_status":   {"systemctl", "status", "appliance-agent"},
	"agent_logs":     {"journalctl", "-u", "appliance-agent", "--no-pager", "-n", "100"},
	"disk_usage":     {"df", "-h"},
	"memory":         {"free", "-h"},
	"uptime":         {"uptime"},
	"network":        {"ip", "addr", "show"},
	"dns":            {"cat", "/etc/resolv.conf"},
	"time_sync":      {"timedatectl", "status"},
	"current_system": {"readlink", "/run/current-system"},
	"firewall":       {"nft", "list", "ruleset"},
	"services":       {"systemctl", "list-units", "--type=service", "--state=running", "--no-pager"},
}

func handleViewLogs(_ context.Context, params map[string]any) (map[string]any, error) {
	lines := 50
	if l, ok := params["lines"].(float64); ok && l > 0 {
		lines = int(l)
		if lines > 500 {
			lines = 500
		}
	}
	out, err := exec.Command("journalctl", "-u", "appliance-agent", "--no-pager", "-n", fmt.Sprint(lines)).Output()
	if err != nil {
		return nil, fmt.Errorf("journalctl: %w", err)
	}
	return map[string]any{"logs": string(out), "lines": lines}, nil
}

func handleDiagnostic(_ context.Context, params map[string]any) (map[string]any, error) {
	command, _ := params["command"].(string)
	args, ok := allowedDiagnostics[command]
	if !ok {
		return nil, fmt.Errorf("command %q not in whitelist", command)
	}

	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	text := string(out)
	if len(text) > 2000 {
		text = text[:2000] + "\n... (truncated)"
	}
	return map[string]any{"command": command, "exit_code": exitCode, "output": text}, nil
}
