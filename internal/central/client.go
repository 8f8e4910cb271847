// Package central is the REST client for Central Command: check-in
// with credential pull, evidence and telemetry submission, learning
// sync, and signed-order processing.
package central

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/config"
	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/healing"
	"github.com/osiriscare/appliance-agent/internal/metrics"
	"github.com/osiriscare/appliance-agent/internal/queue"
)

// StatusError carries the HTTP status for delivery classification.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("central command returned %d: %s", e.Code, e.Body)
}

// Client talks to Central Command. Safe for concurrent use.
type Client struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	base    string
	keyFile string
	client  *http.Client

	mu    sync.Mutex
	token string
}

// NewClient builds the client. The bearer token is read from the key
// file on first use and re-read once on any 401.
func NewClient(log zerolog.Logger, m *metrics.Metrics, cfg config.CentralCommandConfig) *Client {
	verify := cfg.VerifyTLS == nil || *cfg.VerifyTLS
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if !verify {
		log.Warn().Msg("tls certificate validation disabled")
		tlsCfg.InsecureSkipVerify = true
	}
	return &Client{
		log:     log,
		metrics: m,
		base:    strings.TrimRight(cfg.URL, "/"),
		keyFile: cfg.APIKeyFile,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// CheckinRequest is the phone-home payload.
type CheckinRequest struct {
	SiteID         string   `json:"site_id"`
	Hostname       string   `json:"hostname"`
	MACAddress     string   `json:"mac"`
	IPAddresses    []string `json:"ips"`
	UptimeSeconds  int      `json:"uptime"`
	AgentVersion   string   `json:"agent_version"`
	AgentPublicKey string   `json:"agent_public_key,omitempty"`
}

// TargetSpec is one monitored machine as the server describes it.
// Credentials ride only in this response and are never persisted.
type TargetSpec struct {
	Hostname     string `json:"hostname"`
	Address      string `json:"address"`
	Port         int    `json:"port"`
	UseTLS       bool   `json:"use_tls"`
	VerifyTLS    bool   `json:"verify_tls"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	PrivateKey   string `json:"private_key"`
	SudoPassword string `json:"sudo_password"`
}

// CheckinResponse carries the server's view of this appliance. The
// target arrays replace the agent's current set wholesale.
type CheckinResponse struct {
	ApplianceID          string       `json:"appliance_id"`
	ServerTime           string       `json:"server_time"`
	ServerPublicKey      string       `json:"server_public_key"`
	WindowsTargets       []TargetSpec `json:"windows_targets"`
	LinuxTargets         []TargetSpec `json:"linux_targets"`
	EnabledRunbooks      []string     `json:"enabled_runbooks"`
	TriggerEnumeration   bool         `json:"trigger_enumeration"`
	TriggerImmediateScan bool         `json:"trigger_immediate_scan"`
}

// Targets converts the response arrays into drift targets.
func (r *CheckinResponse) Targets() []*drift.Target {
	out := make([]*drift.Target, 0, len(r.WindowsTargets)+len(r.LinuxTargets))
	for _, s := range r.WindowsTargets {
		out = append(out, s.target(drift.PlatformWindows, drift.TransportWinRM))
	}
	for _, s := range r.LinuxTargets {
		out = append(out, s.target(drift.PlatformLinux, drift.TransportSSH))
	}
	return out
}

func (s TargetSpec) target(platform drift.Platform, transport drift.Transport) *drift.Target {
	return &drift.Target{
		Hostname:  s.Hostname,
		Address:   s.Address,
		Platform:  platform,
		Transport: transport,
		Port:      s.Port,
		UseTLS:    s.UseTLS,
		VerifyTLS: s.VerifyTLS,
		Credentials: &drift.Credentials{
			Username:     s.Username,
			Password:     s.Password,
			PrivateKey:   s.PrivateKey,
			SudoPassword: s.SudoPassword,
		},
	}
}

// Checkin posts the phone-home payload.
func (c *Client) Checkin(ctx context.Context, req *CheckinRequest) (*CheckinResponse, error) {
	var resp CheckinResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/appliances/checkin", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitEvidence posts one sealed bundle. The server re-verifies the
// signature and hash chain before accepting.
func (c *Client) SubmitEvidence(ctx context.Context, bundle []byte) error {
	return c.doRaw(ctx, http.MethodPost, "/evidence", bundle, nil)
}

// PushPatternStats posts a batch of aggregated pattern statistics.
func (c *Client) PushPatternStats(ctx context.Context, batch []byte) error {
	return c.doRaw(ctx, http.MethodPost, "/api/agent/sync/pattern-stats", batch, nil)
}

// PushExecution posts one healing execution record.
func (c *Client) PushExecution(ctx context.Context, record []byte) error {
	return c.doRaw(ctx, http.MethodPost, "/api/agent/executions", record, nil)
}

// PromotedRulesResponse is the learning pull payload: rules the server
// promoted from fleet-wide patterns, signed as a bundle.
type PromotedRulesResponse struct {
	Rules     []json.RawMessage `json:"rules"`
	Signature string            `json:"signature"`
	Cursor    string            `json:"cursor"`
}

// PullPromotedRules fetches rules promoted since the cursor.
func (c *Client) PullPromotedRules(ctx context.Context, since string) (*PromotedRulesResponse, error) {
	var resp PromotedRulesResponse
	path := "/api/agent/sync/promoted-rules?since=" + since
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PendingOrders polls for signed orders.
func (c *Client) PendingOrders(ctx context.Context, applianceID string) ([]*Order, error) {
	var resp struct {
		Orders []*Order `json:"orders"`
	}
	path := "/api/appliances/" + applianceID + "/orders/pending"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// AckOrder marks an order executing before the agent runs it.
func (c *Client) AckOrder(ctx context.Context, applianceID, orderID string) error {
	path := "/api/appliances/" + applianceID + "/orders/" + orderID + "/ack"
	return c.doRaw(ctx, http.MethodPost, path, nil, nil)
}

// CompleteOrder posts an order's terminal result.
func (c *Client) CompleteOrder(ctx context.Context, applianceID, orderID string, success bool, result map[string]any, errMsg string) error {
	payload := map[string]any{
		"order_id": orderID,
		"success":  success,
		"result":   result,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	path := "/api/appliances/" + applianceID + "/orders/" + orderID + "/complete"
	return c.doJSON(ctx, http.MethodPost, path, payload, nil)
}

// StoreTicket uploads an escalation ticket. Implements the healer's
// ticket sink; delivery failures fall back to the offline queue.
func (c *Client) StoreTicket(ctx context.Context, t *healing.Ticket) error {
	return c.doJSON(ctx, http.MethodPost, "/api/agent/escalations", t, nil)
}

// Deliver routes a queue entry to its endpoint. Implements
// queue.Sender; non-retryable statuses are wrapped for dead-lettering.
func (c *Client) Deliver(ctx context.Context, kind string, payload []byte) error {
	var err error
	switch kind {
	case queue.KindEvidence:
		err = c.SubmitEvidence(ctx, payload)
	case queue.KindPatternStat:
		err = c.PushPatternStats(ctx, payload)
	case queue.KindExecution:
		err = c.PushExecution(ctx, payload)
	case queue.KindIncident:
		err = c.doRaw(ctx, http.MethodPost, "/api/agent/escalations", payload, nil)
	case queue.KindDomainDiscovery:
		err = c.doRaw(ctx, http.MethodPost, "/api/agent/discovery/domain", payload, nil)
	case queue.KindEnumerationResult:
		err = c.doRaw(ctx, http.MethodPost, "/api/agent/discovery/workstations", payload, nil)
	case queue.KindCheckinMeta:
		err = c.doRaw(ctx, http.MethodPost, "/api/appliances/checkin/meta", payload, nil)
	default:
		return &queue.PermanentError{Err: fmt.Errorf("unknown queue kind %q", kind)}
	}

	var se *StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests {
		return &queue.PermanentError{Err: err}
	}
	return err
}

// doJSON marshals in, performs the request, and unmarshals a 2xx body
// into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
	}
	return c.doRaw(ctx, method, path, body, out)
}

// doRaw performs one authenticated request, re-reading the token file
// and retrying once on 401.
func (c *Client) doRaw(ctx context.Context, method, path string, body []byte, out any) error {
	respBody, status, err := c.attempt(ctx, method, path, body)
	if err == nil && status == http.StatusUnauthorized {
		c.log.Info().Str("path", path).Msg("token rejected, re-reading key file")
		c.invalidateToken()
		respBody, status, err = c.attempt(ctx, method, path, body)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.CountError("central", metrics.ClassTransient)
		}
		return err
	}
	if status < 200 || status > 299 {
		return &StatusError{Code: status, Body: truncateBody(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "appliance-agent/1")
	if token, err := c.bearer(); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read %s response: %w", path, err)
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) bearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	if c.keyFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.keyFile)
	if err != nil {
		return "", fmt.Errorf("read api key: %w", err)
	}
	c.token = strings.TrimSpace(string(data))
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func truncateBody(b []byte) string {
	const max = 500
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
