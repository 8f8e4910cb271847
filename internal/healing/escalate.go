package healing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/config"
	"github.com/osiriscare/appliance-agent/internal/evidence"
	"github.com/osiriscare/appliance-agent/internal/incident"
)

// Attempt records one tried resolution for the escalation ticket.
type Attempt struct {
	Tier      incident.Tier `json:"tier"`
	RuleID    string        `json:"rule_id,omitempty"`
	RunbookID string        `json:"runbook_id,omitempty"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Ticket is the full L3 escalation record.
type Ticket struct {
	IncidentID  string             `json:"incident_id"`
	SiteID      string             `json:"site_id"`
	HostID      string             `json:"host_id"`
	CheckType   string             `json:"check_type"`
	Severity    string             `json:"severity"`
	Reason      string             `json:"reason"`
	RawState    map[string]any     `json:"raw_state"`
	Attempts    []Attempt          `json:"attempts,omitempty"`
	L2Reasoning string             `json:"l2_reasoning,omitempty"`
	NextSteps   []string           `json:"next_steps,omitempty"`
	Urgency     string             `json:"urgency"`
	CreatedAt   time.Time          `json:"created_at"`
	DeliveryLog map[string]string  `json:"delivery_log,omitempty"`
}

// Router delivers tickets through every enabled channel. One channel
// failing never skips the rest; the delivery log records each outcome.
type Router struct {
	log    zerolog.Logger
	cfg    config.EscalationConfig
	client *http.Client
	scrub  *evidence.Scrubber

	// sendMail is swappable for tests.
	sendMail func(addr, from string, to []string, msg []byte) error
}

// NewRouter builds the L3 router from the escalation config.
func NewRouter(log zerolog.Logger, cfg config.EscalationConfig) *Router {
	return &Router{
		log:    log,
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		scrub:  evidence.NewScrubber(),
		sendMail: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// BuildTicket assembles a scrubbed ticket for an incident.
func (r *Router) BuildTicket(inc *incident.Incident, attempts []Attempt, reason, l2Reasoning string) *Ticket {
	urgency := "medium"
	switch inc.Severity {
	case "critical":
		urgency = "high"
	case "info", "low":
		urgency = "low"
	}
	for i := range attempts {
		attempts[i].Output = r.scrub.ScrubString(attempts[i].Output)
		attempts[i].Error = r.scrub.ScrubString(attempts[i].Error)
	}
	return &Ticket{
		IncidentID:  inc.ID,
		SiteID:      inc.SiteID,
		HostID:      inc.HostID,
		CheckType:   inc.CheckType,
		Severity:    string(inc.Severity),
		Reason:      reason,
		RawState:    r.scrub.ScrubMap(inc.RawState),
		Attempts:    attempts,
		L2Reasoning: r.scrub.ScrubString(l2Reasoning),
		NextSteps:   nextSteps(inc, reason),
		Urgency:     urgency,
		CreatedAt:   time.Now().UTC(),
	}
}

// Deliver pushes the ticket to every configured channel and fills the
// ticket's delivery log. Returns the number of successful deliveries.
func (r *Router) Deliver(ctx context.Context, t *Ticket) int {
	t.DeliveryLog = map[string]string{}
	delivered := 0

	channels := []struct {
		name    string
		enabled bool
		send    func(context.Context, *Ticket) error
	}{
		{"slack", r.cfg.SlackWebhookURL != "", r.sendSlack},
		{"pagerduty", r.cfg.PagerDutyRouteKey != "", r.sendPagerDuty},
		{"webhook", r.cfg.WebhookURL != "", r.sendWebhook},
		{"email", r.cfg.Email.SMTPAddr != "" && len(r.cfg.Email.To) > 0, r.sendEmail},
	}
	for _, ch := range channels {
		if !ch.enabled {
			continue
		}
		if err := ch.send(ctx, t); err != nil {
			t.DeliveryLog[ch.name] = "failed: " + err.Error()
			r.log.Error().Err(err).Str("channel", ch.name).Str("incident", t.IncidentID).
				Msg("escalation delivery failed")
			continue
		}
		t.DeliveryLog[ch.name] = "delivered"
		delivered++
	}
	return delivered
}

func (r *Router) sendSlack(ctx context.Context, t *Ticket) error {
	text := fmt.Sprintf(":rotating_light: *%s* on `%s` (%s)\nincident `%s` escalated: %s\n%d prior attempt(s), urgency %s",
		t.CheckType, t.HostID, t.SiteID, t.IncidentID, t.Reason, len(t.Attempts), t.Urgency)
	return r.postJSON(ctx, r.cfg.SlackWebhookURL, map[string]any{"text": text})
}

func (r *Router) sendPagerDuty(ctx context.Context, t *Ticket) error {
	sev := "warning"
	if t.Urgency == "high" {
		sev = "critical"
	}
	return r.postJSON(ctx, "https://events.pagerduty.com/v2/enqueue", map[string]any{
		"routing_key":  r.cfg.PagerDutyRouteKey,
		"event_action": "trigger",
		"dedup_key":    t.IncidentID,
		"payload": map[string]any{
			"summary":        fmt.Sprintf("%s drift on %s unresolved (%s)", t.CheckType, t.HostID, t.Reason),
			"source":         t.HostID,
			"severity":       sev,
			"custom_details": t,
		},
	})
}

func (r *Router) sendWebhook(ctx context.Context, t *Ticket) error {
	return r.postJSON(ctx, r.cfg.WebhookURL, t)
}

func (r *Router) sendEmail(_ context.Context, t *Ticket) error {
	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [escalation] %s on %s (%s)\r\nContent-Type: application/json\r\n\r\n%s\r\n",
		r.cfg.Email.From, strings.Join(r.cfg.Email.To, ", "),
		t.CheckType, t.HostID, t.Urgency, body)
	return r.sendMail(r.cfg.Email.SMTPAddr, r.cfg.Email.From, r.cfg.Email.To, []byte(msg))
}

func (r *Router) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// nextSteps suggests operator actions per escalation reason.
func nextSteps(inc *incident.Incident, reason string) []string {
	switch reason {
	case "flap_detected":
		return []string{
			"remediation is not sticking: inspect " + inc.HostID + " for a conflicting policy (GPO, config management) re-applying the drifted state",
			"review recent resolutions for this pattern signature in the incident store",
		}
	case "circuit_open":
		return []string{
			"repeated failures on " + inc.ResourceKey() + ": check transport reachability and credentials",
			"run the runbook manually and compare output with the recorded attempts",
		}
	case "l2_budget_exhausted":
		return []string{
			"L2 planner budget exhausted: raise healing.l2 limits or handle manually",
		}
	}
	return []string{
		"review attempts below; the drift persists on " + inc.HostID,
	}
}
