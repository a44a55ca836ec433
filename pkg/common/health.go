package common

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultHealthAddr is the listen address of the debug server.
const DefaultHealthAddr = ":8080"

// HealthServer serves liveness, readiness, Prometheus metrics and the
// statsviz runtime dashboard.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// HealthOption configures a HealthServer.
type HealthOption func(*healthOptions)

type healthOptions struct {
	addr     string
	gatherer prometheus.Gatherer
}

// WithAddr overrides DefaultHealthAddr.
func WithAddr(addr string) HealthOption { return func(o *healthOptions) { o.addr = addr } }

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) HealthOption {
	return func(o *healthOptions) { o.gatherer = g }
}

// NewHealthServer builds the debug server. Readiness reports ready's value.
// The server is not started; call ListenAndServe.
func NewHealthServer(ready *atomic.Bool, opts ...HealthOption) *HealthServer {
	o := healthOptions{addr: DefaultHealthAddr, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))
	// Registration only fails on a duplicate route, which cannot happen on a fresh mux.
	_ = statsviz.Register(mux)

	return &HealthServer{
		server: &http.Server{
			Addr:              o.addr,
			Handler:           otelhttp.NewHandler(mux, "health_server"),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ready: ready,
	}
}

// Server exposes the underlying http.Server for shutdown.
func (h *HealthServer) Server() *http.Server { return h.server }

// Handler returns the instrumented mux, mainly for tests.
func (h *HealthServer) Handler() http.Handler { return h.server.Handler }

// ListenAndServe blocks serving requests. A graceful shutdown is not an error.
func (h *HealthServer) ListenAndServe() error {
	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
