package intake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/osiriscare/appliance-agent/internal/config"
	"github.com/osiriscare/appliance-agent/internal/crypto"
	"github.com/osiriscare/appliance-agent/internal/drift"
)

const bufSize = 1024 * 1024

func setupTestServer(t *testing.T) (*grpc.ClientConn, *Server) {
	t.Helper()

	srv := NewServer(zerolog.Nop(), nil, config.GRPCConfig{Port: 50051})
	lis := bufconn.Listen(bufSize)
	go srv.Serve(lis)

	dialer := func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		srv.GracefulStop()
		lis.Close()
	})
	return conn, srv
}

func registerAgent(t *testing.T, conn *grpc.ClientConn, hostname string) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp RegisterResponse
	err = conn.Invoke(ctx, "/intake.WorkstationIntake/Register", &RegisterRequest{
		Hostname:  hostname,
		Platform:  "windows",
		PublicKey: hex.EncodeToString(pub),
	}, &resp)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !resp.Accepted || resp.AgentID == "" {
		t.Fatalf("registration refused: %+v", resp)
	}
	return resp.AgentID, priv
}

// signedEvent builds an event document signed over everything but the
// signature, as the workstation agent does.
func signedEvent(t *testing.T, priv ed25519.PrivateKey, fields map[string]any) map[string]any {
	t.Helper()
	payload, err := crypto.Canonical(fields)
	if err != nil {
		t.Fatal(err)
	}
	doc := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["signature"] = hex.EncodeToString(ed25519.Sign(priv, payload))
	return doc
}

func driftStream(t *testing.T, conn *grpc.ClientConn) grpc.ClientStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], "/intake.WorkstationIntake/ReportDrift")
	if err != nil {
		t.Fatalf("ReportDrift stream: %v", err)
	}
	return stream
}

func TestRegisterRefusesUnusableKey(t *testing.T) {
	conn, _ := setupTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp RegisterResponse
	err := conn.Invoke(ctx, "/intake.WorkstationIntake/Register", &RegisterRequest{
		Hostname:  "WS01",
		PublicKey: "not-hex",
	}, &resp)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.Accepted {
		t.Fatal("registration with garbage key accepted")
	}
}

func TestVerifiedDriftReachesEventChannel(t *testing.T) {
	conn, srv := setupTestServer(t)
	agentID, priv := registerAgent(t, conn, "WS01")
	stream := driftStream(t, conn)

	event := signedEvent(t, priv, map[string]any{
		"agent_id":   agentID,
		"hostname":   "WS01",
		"check_type": "firewall",
		"status":     "fail",
		"severity":   "high",
		"expected":   "enabled",
		"actual":     "disabled",
		"timestamp":  time.Now().Unix(),
	})
	if err := stream.SendMsg(event); err != nil {
		t.Fatalf("send: %v", err)
	}
	var ack DriftAck
	if err := stream.RecvMsg(&ack); err != nil {
		t.Fatalf("recv ack: %v", err)
	}
	if !ack.Received {
		t.Fatalf("ack = %+v", ack)
	}

	select {
	case got := <-srv.Events:
		if got.CheckID != "firewall" || got.TargetID != "WS01" || !got.Drifted {
			t.Fatalf("result = %+v", got)
		}
		if got.Platform != drift.PlatformWindows || got.Severity != drift.SeverityHigh {
			t.Fatalf("result = %+v", got)
		}
		if got.PreState["actual"] != "disabled" {
			t.Fatalf("pre_state = %v", got.PreState)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestPassingEventIsNotDrifted(t *testing.T) {
	conn, srv := setupTestServer(t)
	agentID, priv := registerAgent(t, conn, "WS01")
	stream := driftStream(t, conn)

	event := signedEvent(t, priv, map[string]any{
		"agent_id":   agentID,
		"hostname":   "WS01",
		"check_type": "bitlocker",
		"status":     "pass",
		"timestamp":  time.Now().Unix(),
	})
	if err := stream.SendMsg(event); err != nil {
		t.Fatal(err)
	}
	var ack DriftAck
	if err := stream.RecvMsg(&ack); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-srv.Events:
		if got.Drifted {
			t.Fatalf("pass event marked drifted: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestUnknownAgentEventDropped(t *testing.T) {
	conn, srv := setupTestServer(t)
	_, priv := registerAgent(t, conn, "WS01")
	stream := driftStream(t, conn)

	event := signedEvent(t, priv, map[string]any{
		"agent_id":   "ws-ghost-00000000",
		"hostname":   "GHOST",
		"check_type": "firewall",
		"status":     "fail",
		"timestamp":  time.Now().Unix(),
	})
	if err := stream.SendMsg(event); err != nil {
		t.Fatal(err)
	}
	var ack DriftAck
	if err := stream.RecvMsg(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Received || ack.Reason != "unknown_agent" {
		t.Fatalf("ack = %+v", ack)
	}
	select {
	case got := <-srv.Events:
		t.Fatalf("dropped event published: %+v", got)
	default:
	}
}

func TestTamperedEventDropped(t *testing.T) {
	conn, srv := setupTestServer(t)
	agentID, priv := registerAgent(t, conn, "WS01")
	stream := driftStream(t, conn)

	event := signedEvent(t, priv, map[string]any{
		"agent_id":   agentID,
		"hostname":   "WS01",
		"check_type": "firewall",
		"status":     "pass",
		"timestamp":  time.Now().Unix(),
	})
	// Flip the status after signing.
	event["status"] = "fail"
	if err := stream.SendMsg(event); err != nil {
		t.Fatal(err)
	}
	var ack DriftAck
	if err := stream.RecvMsg(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Received || ack.Reason != "bad_signature" {
		t.Fatalf("ack = %+v", ack)
	}
	select {
	case got := <-srv.Events:
		t.Fatalf("tampered event published: %+v", got)
	default:
	}
}

func TestDriftStreamEOF(t *testing.T) {
	conn, _ := setupTestServer(t)
	stream := driftStream(t, conn)

	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}
	var ack DriftAck
	if err := stream.RecvMsg(&ack); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestHeartbeatTracksRegistration(t *testing.T) {
	conn, srv := setupTestServer(t)
	agentID, _ := registerAgent(t, conn, "WS01")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp HeartbeatResponse
	err := conn.Invoke(ctx, "/intake.WorkstationIntake/Heartbeat",
		&HeartbeatRequest{AgentID: agentID}, &resp)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !resp.Acknowledged || resp.ServerTime == "" {
		t.Fatalf("resp = %+v", resp)
	}

	err = conn.Invoke(ctx, "/intake.WorkstationIntake/Heartbeat",
		&HeartbeatRequest{AgentID: "ws-ghost-00000000"}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Acknowledged {
		t.Fatal("unknown agent acknowledged")
	}
	if !srv.Registry().HasAgentForHost("ws01") {
		t.Fatal("registry lost the agent")
	}
}

func TestHTTPEndpoints(t *testing.T) {
	var ready atomic.Bool
	h := NewHTTPServer(zerolog.Nop(), nil, 0, ready.Load)
	lis, err := h.Listen()
	if err != nil {
		t.Fatal(err)
	}
	go h.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})
	base := "http://" + lis.Addr().String()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before checkin = %d", resp.StatusCode)
	}

	ready.Store(true)
	resp, err = http.Get(base + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz after checkin = %d", resp.StatusCode)
	}
}
