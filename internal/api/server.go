// Package api exposes the monitoring engine over REST/JSON plus the
// WebSocket handshake, Prometheus metrics and a health probe.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/gateway"
	"github.com/watchmesh/backend/internal/middleware"
	"github.com/watchmesh/backend/internal/service"
	"github.com/watchmesh/backend/internal/stats"
)

// Pinger is a named dependency the health endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the engine components behind the HTTP surface.
type Server struct {
	targets *service.Targets
	stats   *stats.View
	gateway *gateway.Gateway
	wallets core.WalletStore
	ws      http.Handler
	limiter *middleware.RateLimiter
	keys    *KeyRing
	logger  *log.Logger

	pingers map[string]Pinger
	httpSrv *http.Server
}

func NewServer(targets *service.Targets, view *stats.View, gw *gateway.Gateway, wallets core.WalletStore, ws http.Handler, limiter *middleware.RateLimiter, keys *KeyRing) *Server {
	return &Server{
		targets: targets,
		stats:   view,
		gateway: gw,
		wallets: wallets,
		ws:      ws,
		limiter: limiter,
		keys:    keys,
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
		pingers: make(map[string]Pinger),
	}
}

// AddPinger registers a dependency for the /health report.
func (s *Server) AddPinger(name string, p Pinger) {
	s.pingers[name] = p
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/targets", s.handleCreateTarget).Methods("POST")
	v1.HandleFunc("/targets", s.handleListTargets).Methods("GET")
	v1.HandleFunc("/targets/{id}", s.handleGetTarget).Methods("GET")
	v1.HandleFunc("/targets/{id}", s.handleUpdateTarget).Methods("PUT")
	v1.HandleFunc("/targets/{id}", s.handleDeleteTarget).Methods("DELETE")
	v1.HandleFunc("/targets/{id}/deactivate", s.handleDeactivateTarget).Methods("POST")
	v1.HandleFunc("/targets/{id}/probe", s.handleManualProbe).Methods("POST")
	v1.HandleFunc("/targets/{id}/stats", s.handleTargetStats).Methods("GET")

	v1.HandleFunc("/incidents", s.handleListIncidents).Methods("GET")
	v1.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods("GET")

	// Community prober surface sits behind the per-prober rate limiter.
	v1.Handle("/probes/available", s.rateLimited(s.handleListAvailable)).Methods("GET")
	v1.Handle("/probes/submit", s.rateLimited(s.handleSubmitProbe)).Methods("POST")

	v1.HandleFunc("/wallets/{proberId}", s.handleGetWallet).Methods("GET")

	// Key provisioning is admin-only; the full key is returned exactly once.
	v1.HandleFunc("/keys", s.handleIssueKey).Methods("POST")
	v1.HandleFunc("/keys/{actorId}", s.handleRevokeKeys).Methods("DELETE")

	if s.ws != nil {
		r.Handle("/ws/monitor", s.ws)
	}
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	return r
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start(port string) error {
	addr := ":" + port
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Printf("🚀 HTTP API listening on %s", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(h)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Owner-ID, X-Actor-ID, X-Actor-Role, X-Prober-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

// actor resolves the request identity: an API key when presented,
// otherwise the trusted identity headers (dev/internal traffic).
func (s *Server) actor(r *http.Request) (string, core.ActorRole, error) {
	if key := r.Header.Get("X-API-Key"); key != "" && s.keys != nil {
		return s.keys.Authenticate(r.Context(), key)
	}
	id := r.Header.Get("X-Actor-ID")
	role := core.ActorRole(r.Header.Get("X-Actor-Role"))
	if role == "" {
		role = core.RoleOwner
	}
	return id, role, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps kinded engine errors onto HTTP statuses. Conflict
// responses carry a Retry-After hint for cooldown backoff.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.NotFound:
		status = http.StatusNotFound
	case core.Invalid:
		status = http.StatusBadRequest
	case core.Unauthorized:
		status = http.StatusUnauthorized
	case core.Conflict:
		status = http.StatusConflict
		if retry := core.RetryAfterOf(err); retry > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second).Seconds())))
		}
	case core.Unavailable:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  core.KindOf(err).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string, len(s.pingers))
	healthy := true
	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			deps[name] = fmt.Sprintf("down: %v", err)
			healthy = false
			continue
		}
		deps[name] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":       state,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
