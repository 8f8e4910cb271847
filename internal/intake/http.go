package intake

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/metrics"
)

// ReadyFunc reports whether the agent is ready to serve. The daemon
// wires it to "checked in within the last five minutes".
type ReadyFunc func() bool

// HTTPServer exposes /healthz, /readyz and /metrics on one listener.
type HTTPServer struct {
	log   zerolog.Logger
	port  int
	ready ReadyFunc
	srv   *http.Server
}

// NewHTTPServer wires the operational endpoints.
func NewHTTPServer(log zerolog.Logger, m *metrics.Metrics, port int, ready ReadyFunc) *HTTPServer {
	h := &HTTPServer{log: log, port: port, ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not ready")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	})
	if m != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	h.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Listen opens the configured port.
func (h *HTTPServer) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return nil, fmt.Errorf("http listen on %d: %w", h.port, err)
	}
	return lis, nil
}

// Serve blocks until shutdown.
func (h *HTTPServer) Serve(lis net.Listener) error {
	h.log.Info().Int("port", h.port).Msg("operational http listening")
	err := h.srv.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections within the context deadline.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
