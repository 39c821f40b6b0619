// Package health tracks per-component status and serves the /health and
// /metrics HTTP endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Status is a component health level.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Registry aggregates component statuses. A component marked critical
// pulls the overall status to unhealthy when it is unhealthy itself;
// non-critical components only degrade the overall status.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Status
	critical   map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]Status),
		critical:   make(map[string]bool),
	}
}

// Register adds a component in healthy state.
func (r *Registry) Register(name string, critical bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = Healthy
	r.critical[name] = critical
}

// Set updates a component's status.
func (r *Registry) Set(name string, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[name]; !ok {
		r.critical[name] = false
	}
	r.components[name] = s
}

// Overall computes the aggregate status.
func (r *Registry) Overall() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	overall := Healthy
	for name, s := range r.components {
		switch s {
		case Unhealthy:
			if r.critical[name] {
				return Unhealthy
			}
			overall = Degraded
		case Degraded:
			if overall == Healthy {
				overall = Degraded
			}
		}
	}
	return overall
}

// Snapshot returns a copy of the per-component statuses.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status, len(r.components))
	for name, s := range r.components {
		out[name] = s
	}
	return out
}

type healthResponse struct {
	Status     Status            `json:"status"`
	Components map[string]Status `json:"components"`
}

// Handler returns the /health JSON handler.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{
			Status:     r.Overall(),
			Components: r.Snapshot(),
		}

		code := http.StatusOK
		if resp.Status == Unhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error().Err(err).Msg("Failed to encode health response")
		}
	}
}

// Server serves /health and /metrics.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates the health/metrics HTTP server.
func NewServer(addr string, reg *Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", reg.Handler())

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the server. Blocks until the server stops.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting health/metrics server")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.server.Shutdown(ctx)
}
