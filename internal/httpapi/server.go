// Package httpapi serves the local diagnostics surface: health, fleet
// status, a Prometheus endpoint, and an admin reload trigger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/you/huecycle/internal/config"
	"github.com/you/huecycle/internal/fleet"
	"github.com/you/huecycle/internal/version"
)

// Fleet is the slice of the fleet manager the API exposes.
type Fleet interface {
	Statuses() []fleet.IdentityStatus
	Reload() error
}

// Options configures the server.
type Options struct {
	Addr string
	// RPS/Burst bound per-IP request rates; zero disables limiting.
	RPS   int
	Burst int
}

// Server is the diagnostics HTTP server. All responses are secret-free:
// identity snapshots go through config.Identity.Redacted.
type Server struct {
	httpServer *http.Server
	fleet      Fleet
	store      *config.Store
	metrics    *Metrics
	limiter    *ipRateLimiter
}

func New(fl Fleet, store *config.Store, metrics *Metrics, opts Options) *Server {
	srv := &Server{
		fleet:   fl,
		store:   store,
		metrics: metrics,
		limiter: newIPRateLimiter(opts.RPS, opts.Burst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/status", srv.handleStatus)
	mux.HandleFunc("/reload", srv.handleReload)
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.instrument(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}

		rec := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.metrics.ObserveRequest(r.URL.Path, r.Method, rec.Status(), time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleStatus reports build info, supervisor states, and a redacted view
// of every configured identity.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	identities := make([]map[string]any, 0)
	for _, id := range s.store.Users() {
		identities = append(identities, id.Redacted())
	}

	payload := map[string]any{
		"version":     version.Version,
		"supervisors": s.fleet.Statuses(),
		"identities":  identities,
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(payload)
}

// handleReload re-reads the config file on demand, same as an external
// edit would.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	err := s.fleet.Reload()
	s.metrics.observeReload(err)
	if err != nil {
		log.Printf("httpapi: reload failed: %v", err)
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"reloaded": true})
}

// Start serves until Shutdown. A closed listener is a clean exit.
func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
