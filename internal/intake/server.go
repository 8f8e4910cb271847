package intake

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/osiriscare/appliance-agent/internal/config"
	"github.com/osiriscare/appliance-agent/internal/crypto"
	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/metrics"
)

// enabledChecks is the check set pushed to every registering agent.
var enabledChecks = []string{
	"bitlocker", "defender", "patches", "firewall", "screenlock",
}

// Server accepts workstation agent traffic. Verified drift events are
// published on Events; the daemon feeds them into the same incident
// path a detector result takes.
type Server struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	cfg      config.GRPCConfig
	registry *Registry
	grpc     *grpc.Server

	// Events carries verified workstation drift. The buffer absorbs
	// bursts; when the daemon falls behind, events are dropped with a
	// warning rather than blocking the stream.
	Events chan drift.Result
}

// NewServer builds the intake server.
func NewServer(log zerolog.Logger, m *metrics.Metrics, cfg config.GRPCConfig) *Server {
	return &Server{
		log:      log,
		metrics:  m,
		cfg:      cfg,
		registry: NewRegistry(),
		Events:   make(chan drift.Result, 256),
	}
}

// Registry exposes the agent registry for the discovery cadence.
func (s *Server) Registry() *Registry { return s.registry }

// Listen opens the configured TCP port.
func (s *Server) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("intake listen on %d: %w", s.cfg.Port, err)
	}
	return lis, nil
}

// Serve runs the gRPC server on lis until stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(Codec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxConcurrentStreams(100),
	)
	s.grpc.RegisterService(&ServiceDesc, s)
	s.log.Info().Int("port", s.cfg.Port).Msg("intake server listening")
	return s.grpc.Serve(lis)
}

// GracefulStop drains in-flight RPCs and stops.
func (s *Server) GracefulStop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) countRPC(method string) {
	if s.metrics != nil {
		s.metrics.IntakeEvents.WithLabelValues(method).Inc()
	}
}

// Register enrolls an agent and pins its public key. Registrations
// without a usable Ed25519 key are refused; there is no unauthenticated
// mode.
func (s *Server) Register(_ context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	s.countRPC("register")
	now := time.Now().UTC()

	verifier := crypto.NewVerifier("")
	if err := verifier.SetPublicKey(req.PublicKey); err != nil {
		s.log.Warn().Err(err).Str("hostname", req.Hostname).Msg("registration refused")
		return &RegisterResponse{
			Accepted:   false,
			Reason:     "unusable public key",
			ServerTime: now.Format(time.RFC3339),
		}, nil
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = fmt.Sprintf("ws-%s-%s", req.Hostname, randomHex(8))
	}
	platform := req.Platform
	if platform == "" {
		platform = string(drift.PlatformWindows)
	}

	s.registry.Register(&AgentState{
		AgentID:       agentID,
		Hostname:      req.Hostname,
		Platform:      platform,
		Verifier:      verifier,
		ConnectedAt:   now,
		LastHeartbeat: now,
	})
	s.log.Info().Str("agent", agentID).Str("hostname", req.Hostname).Msg("workstation agent registered")

	return &RegisterResponse{
		Accepted:         true,
		AgentID:          agentID,
		CheckIntervalSec: 300,
		EnabledChecks:    enabledChecks,
		ServerTime:       now.Format(time.RFC3339),
	}, nil
}

// ReportDrift receives the event stream. Each event is verified against
// the key pinned at registration; failures are acked with
// received=false so the agent does not retry, and counted.
func (s *Server) ReportDrift(stream grpc.ServerStream) error {
	for {
		event := new(DriftEvent)
		if err := stream.RecvMsg(event); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		s.countRPC("report_drift")

		ack := DriftAck{
			EventID:  fmt.Sprintf("%s-%d", event.AgentID, event.Timestamp),
			Received: true,
		}
		if reason := s.admit(event); reason != "" {
			if s.metrics != nil {
				s.metrics.IntakeUnknownAgent.Inc()
			}
			s.log.Warn().
				Str("agent", event.AgentID).
				Str("check", event.CheckType).
				Str("reason", reason).
				Msg("drift event dropped")
			ack.Received = false
			ack.Reason = reason
		} else {
			s.registry.CountDrift(event.AgentID)
			s.publish(event)
		}

		if err := stream.SendMsg(&ack); err != nil {
			return err
		}
	}
}

// admit returns a rejection reason or "".
func (s *Server) admit(event *DriftEvent) string {
	agent := s.registry.Get(event.AgentID)
	if agent == nil {
		return "unknown_agent"
	}
	if event.Signature == "" {
		return "unsigned"
	}
	fields, err := event.signedFields()
	if err != nil {
		return "malformed"
	}
	if err := agent.Verifier.VerifyFields(fields, event.Signature); err != nil {
		if s.metrics != nil {
			s.metrics.CountError("intake", metrics.ClassCrypto)
		}
		return "bad_signature"
	}
	return ""
}

// publish converts the event into the detector result shape and hands
// it to the incident path.
func (s *Server) publish(event *DriftEvent) {
	agent := s.registry.Get(event.AgentID)

	pre := make(map[string]any, len(event.PreState)+2)
	for k, v := range event.PreState {
		pre[k] = v
	}
	if event.Expected != "" {
		pre["expected"] = event.Expected
	}
	if event.Actual != "" {
		pre["actual"] = event.Actual
	}

	status := drift.Status(event.Status)
	if status == "" {
		status = drift.StatusFail
	}
	severity := drift.Severity(event.Severity)
	if severity == "" {
		severity = drift.SeverityMedium
	}
	ts := time.Now().UTC()
	if event.Timestamp > 0 {
		ts = time.Unix(event.Timestamp, 0).UTC()
	}

	result := drift.Result{
		CheckID:    event.CheckType,
		TargetID:   event.Hostname,
		Platform:   drift.Platform(agent.Platform),
		Status:     status,
		Severity:   severity,
		Drifted:    status != drift.StatusPass,
		PreState:   pre,
		ControlIDs: event.ControlIDs,
		Timestamp:  ts,
	}

	select {
	case s.Events <- result:
	default:
		s.log.Warn().
			Str("hostname", event.Hostname).
			Str("check", event.CheckType).
			Msg("event buffer full, dropping drift event")
	}
}

// ReportHealing records a workstation-local remediation outcome.
func (s *Server) ReportHealing(_ context.Context, req *HealingResult) (*HealingAck, error) {
	s.countRPC("report_healing")
	s.log.Info().
		Str("hostname", req.Hostname).
		Str("check", req.CheckType).
		Bool("success", req.Success).
		Msg("workstation healing reported")
	s.registry.Touch(req.AgentID)
	return &HealingAck{
		EventID:  fmt.Sprintf("%s-%d", req.AgentID, req.Timestamp),
		Received: true,
	}, nil
}

// Heartbeat refreshes the registration clock.
func (s *Server) Heartbeat(_ context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	s.countRPC("heartbeat")
	return &HeartbeatResponse{
		Acknowledged: s.registry.Touch(req.AgentID),
		ServerTime:   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func randomHex(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
