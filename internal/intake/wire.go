// Package intake accepts push events from workstation agents that the
// appliance cannot poll. The wire format is gRPC with a JSON codec;
// messages are plain structs so no generated code is involved.
package intake

import (
	"bytes"
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// Codec is the JSON message codec both ends of the intake service use.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                       { return "json" }

// RegisterRequest enrolls a workstation agent. The public key is pinned
// for the lifetime of the registration; every subsequent drift event
// must verify against it.
type RegisterRequest struct {
	AgentID      string   `json:"agent_id,omitempty"`
	Hostname     string   `json:"hostname"`
	Platform     string   `json:"platform,omitempty"`
	AgentVersion string   `json:"agent_version,omitempty"`
	PublicKey    string   `json:"public_key"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterResponse carries the assigned identity and check config.
type RegisterResponse struct {
	Accepted         bool     `json:"accepted"`
	AgentID          string   `json:"agent_id,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	CheckIntervalSec int      `json:"check_interval_sec,omitempty"`
	EnabledChecks    []string `json:"enabled_checks,omitempty"`
	ServerTime       string   `json:"server_time"`
}

// DriftEvent is one check outcome pushed by a workstation agent. The
// signature covers the canonical JSON of every field except itself.
type DriftEvent struct {
	AgentID    string         `json:"agent_id"`
	Hostname   string         `json:"hostname"`
	CheckType  string         `json:"check_type"`
	Status     string         `json:"status"`
	Severity   string         `json:"severity,omitempty"`
	Expected   string         `json:"expected,omitempty"`
	Actual     string         `json:"actual,omitempty"`
	PreState   map[string]any `json:"pre_state,omitempty"`
	ControlIDs []string       `json:"control_ids,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Signature  string         `json:"signature"`

	raw json.RawMessage
}

// UnmarshalJSON keeps the raw bytes so verification sees exactly what
// the agent signed.
func (e *DriftEvent) UnmarshalJSON(data []byte) error {
	type alias DriftEvent
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = DriftEvent(a)
	e.raw = append(json.RawMessage(nil), data...)
	return nil
}

// signedFields returns the raw event document minus the signature.
func (e *DriftEvent) signedFields() (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(e.raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	delete(doc, "signature")
	return doc, nil
}

// DriftAck answers each event on the stream.
type DriftAck struct {
	EventID  string `json:"event_id"`
	Received bool   `json:"received"`
	Reason   string `json:"reason,omitempty"`
}

// HealingResult reports a workstation-local remediation outcome.
type HealingResult struct {
	AgentID   string `json:"agent_id"`
	Hostname  string `json:"hostname"`
	CheckType string `json:"check_type"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HealingAck acknowledges a healing report.
type HealingAck struct {
	EventID  string `json:"event_id"`
	Received bool   `json:"received"`
}

// HeartbeatRequest keeps a registration alive.
type HeartbeatRequest struct {
	AgentID   string `json:"agent_id"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// HeartbeatResponse returns the appliance clock for agent-side skew
// detection.
type HeartbeatResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	ServerTime   string `json:"server_time"`
}

// service is the server-side contract behind the hand-written
// ServiceDesc.
type service interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	ReportDrift(stream grpc.ServerStream) error
	ReportHealing(ctx context.Context, req *HealingResult) (*HealingAck, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
}

const serviceName = "intake.WorkstationIntake"

// ServiceDesc is the hand-written service descriptor. Tests and the
// reference agent client build streams from the same desc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "ReportHealing", Handler: reportHealingHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ReportDrift",
			Handler:       reportDriftHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "intake",
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(service).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Register"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(service).Register(ctx, req.(*RegisterRequest))
	})
}

func reportHealingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealingResult)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(service).ReportHealing(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ReportHealing"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(service).ReportHealing(ctx, req.(*HealingResult))
	})
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(service).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Heartbeat"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(service).Heartbeat(ctx, req.(*HeartbeatRequest))
	})
}

func reportDriftHandler(srv any, stream grpc.ServerStream) error {
	return srv.(service).ReportDrift(stream)
}
