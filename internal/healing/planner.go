package healing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/config"
	"github.com/osiriscare/appliance-agent/internal/evidence"
	"github.com/osiriscare/appliance-agent/internal/incident"
	"github.com/osiriscare/appliance-agent/internal/metrics"
)

// Decision is the planner's structured verdict.
type Decision struct {
	RunbookID  string         `json:"runbook_id"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
	Confidence float64        `json:"confidence"`
	Escalate   bool           `json:"escalate"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// PlanContext is the compact context assembled for one planner call.
type PlanContext struct {
	Incident   *incident.Incident
	Recent     []*incident.Incident
	RunbookIDs []string
	WindowOpen bool
	DryRun     bool
}

// Planner is the L2 client. It calls the remote planner endpoint, which
// holds the model credentials; the appliance only carries its site API
// key. Raw state is PHI-scrubbed before it leaves the device.
type Planner struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	cfg     config.L2Config
	siteID  string
	apiKey  string
	client  *http.Client
	budget  *BudgetTracker
	scrub   *evidence.Scrubber
}

// NewPlanner reads the API key file (missing file leaves the planner
// keyless; calls then fail and the healer escalates).
func NewPlanner(log zerolog.Logger, m *metrics.Metrics, cfg config.L2Config, siteID string) *Planner {
	apiKey := ""
	if cfg.APIKeyFile != "" {
		if data, err := os.ReadFile(cfg.APIKeyFile); err == nil {
			apiKey = strings.TrimSpace(string(data))
		} else {
			log.Warn().Err(err).Msg("l2 api key file unreadable")
		}
	}
	return &Planner{
		log:     log,
		metrics: m,
		cfg:     cfg,
		siteID:  siteID,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		budget:  NewBudgetTracker(cfg.DailyBudgetUSD, cfg.MaxCallsPerHour, cfg.MaxConcurrent),
		scrub:   evidence.NewScrubber(),
	}
}

// MinConfidence returns the configured auto-execution floor.
func (p *Planner) MinConfidence() float64 {
	if p.cfg.MinConfidence > 0 {
		return p.cfg.MinConfidence
	}
	return 0.6
}

// planRequest is the wire body for the remote planner.
type planRequest struct {
	SiteID           string           `json:"site_id"`
	HostID           string           `json:"host_id"`
	IncidentID       string           `json:"incident_id"`
	CheckType        string           `json:"check_type"`
	Platform         string           `json:"platform"`
	Severity         string           `json:"severity"`
	PatternSignature string           `json:"pattern_signature"`
	RawState         map[string]any   `json:"raw_state"`
	RecentOutcomes   []recentOutcome  `json:"recent_outcomes,omitempty"`
	RunbookIDs       []string         `json:"runbook_ids"`
	Constraints      planConstraints  `json:"constraints"`
	Provider         string           `json:"provider,omitempty"`
	Model            string           `json:"model,omitempty"`
	Strict           bool             `json:"strict,omitempty"`
}

type recentOutcome struct {
	Tier      string `json:"tier"`
	Outcome   string `json:"outcome"`
	RunbookID string `json:"runbook_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type planConstraints struct {
	WindowOpen bool `json:"maintenance_window_open"`
	DryRun     bool `json:"dry_run"`
}

// Plan calls the remote planner once, retrying exactly once in strict
// mode when the response does not parse. Budget denials return
// ErrBudgetExhausted without making a call.
func (p *Planner) Plan(ctx context.Context, pc *PlanContext) (*Decision, error) {
	release, err := p.budget.Admit()
	if err != nil {
		if p.metrics != nil {
			p.metrics.L2BudgetDenied.Inc()
		}
		return nil, err
	}
	defer release()

	req := p.buildRequest(pc)
	decision, err := p.call(ctx, req)
	if err != nil {
		if !isParseError(err) {
			p.countCall("error")
			return nil, err
		}
		p.log.Warn().Err(err).Str("incident", pc.Incident.ID).Msg("planner response unparsable, retrying strict")
		req.Strict = true
		decision, err = p.call(ctx, req)
		if err != nil {
			p.countCall("parse_error")
			return nil, fmt.Errorf("planner strict retry: %w", err)
		}
	}

	cost := p.budget.RecordCall(decision.InputTokens, decision.OutputTokens)
	p.countCall("ok")
	p.log.Info().Str("incident", pc.Incident.ID).Str("runbook", decision.RunbookID).
		Float64("confidence", decision.Confidence).Float64("cost_usd", cost).
		Bool("escalate", decision.Escalate).Msg("planner decision")
	return decision, nil
}

func (p *Planner) buildRequest(pc *PlanContext) *planRequest {
	inc := pc.Incident
	req := &planRequest{
		SiteID:           p.siteID,
		HostID:           inc.HostID,
		IncidentID:       inc.ID,
		CheckType:        inc.CheckType,
		Platform:         string(inc.Platform),
		Severity:         string(inc.Severity),
		PatternSignature: inc.PatternSignature,
		RawState:         p.scrub.ScrubMap(inc.RawState),
		RunbookIDs:       pc.RunbookIDs,
		Constraints:      planConstraints{WindowOpen: pc.WindowOpen, DryRun: pc.DryRun},
		Provider:         p.cfg.Provider,
		Model:            p.cfg.Model,
	}
	// Cap history at 10 entries, newest first.
	for i, prev := range pc.Recent {
		if i >= 10 {
			break
		}
		req.RecentOutcomes = append(req.RecentOutcomes, recentOutcome{
			Tier:      string(prev.Tier),
			Outcome:   string(prev.Outcome),
			RunbookID: prev.RunbookID,
			Error:     p.scrub.ScrubString(prev.Error),
		})
	}
	return req
}

type parseError struct{ err error }

func (e *parseError) Error() string { return "parse planner response: " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

func isParseError(err error) bool {
	var pe *parseError
	return errors.As(err, &pe)
}

func (p *Planner) call(ctx context.Context, req *planRequest) (*Decision, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("planner has no api key")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal plan request: %w", err)
	}

	endpoint := p.cfg.Endpoint
	if endpoint == "" {
		return nil, fmt.Errorf("planner endpoint not configured")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(endpoint, "/")+"/api/agent/l2/plan", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("planner request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read planner response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("planner returned %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var d Decision
	if err := json.Unmarshal(respBody, &d); err != nil {
		return nil, &parseError{err: err}
	}
	if d.RunbookID == "" && !d.Escalate {
		return nil, &parseError{err: fmt.Errorf("decision has neither runbook_id nor escalate")}
	}
	return &d, nil
}

func (p *Planner) countCall(result string) {
	if p.metrics != nil {
		p.metrics.L2Calls.WithLabelValues(result).Inc()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
