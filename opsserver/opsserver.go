// Package opsserver implements the small operator-facing HTTP surface
// named in spec §6's opsPort field but left unspecified there: a /healthz
// aggregating upstream health and a /metrics plain-text stub, grounded on
// the teacher's OTEL-metrics-only approach (no Prometheus client pulled in
// for this one endpoint — see DESIGN.md).
package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/conduit-run/conduit/concurrency"
	"github.com/conduit-run/conduit/gateway"
	"github.com/conduit-run/conduit/schemacache"
)

// Server serves /healthz and /metrics.
type Server struct {
	gateway *gateway.Gateway
	schemas *schemacache.Store
	gate    *concurrency.Gate

	httpServer *http.Server
}

// New constructs an ops Server bound to addr.
func New(addr string, gw *gateway.Gateway, schemas *schemacache.Store, gate *concurrency.Gate) *Server {
	s := &Server{gateway: gw, schemas: schemas, gate: gate}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start runs the server in the background. Bind errors surface on the
// returned channel rather than blocking the caller.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.ListenAndServe() }()
	return errc
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status    string                   `json:"status"`
	Upstreams []gateway.UpstreamHealth `json:"upstreams"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	upstreams := s.gateway.HealthCheck(r.Context())
	status := "ok"
	for _, u := range upstreams {
		if u.Status == gateway.StatusError || u.Status == gateway.StatusDegraded {
			status = "degraded"
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(healthResponse{Status: status, Upstreams: upstreams})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := s.schemas.Stats()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "conduit_schema_cache_hits %d\n", stats.Hits)
	fmt.Fprintf(w, "conduit_schema_cache_misses %d\n", stats.Misses)
	fmt.Fprintf(w, "conduit_concurrency_in_flight %d\n", s.gate.InFlight())
	fmt.Fprintf(w, "conduit_concurrency_queued %d\n", s.gate.Queued())
}
