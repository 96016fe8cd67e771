package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/engine"
	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/metrics"
	"github.com/dukahub/dukasync/pkg/types"
)

// SyncStatus is the engine surface the health and status endpoints read.
type SyncStatus interface {
	IsRunning() bool
	PeerStatuses() []engine.PeerStatus
	Totals() engine.Totals
}

// PeerDirectory lists known peers for the status payloads.
type PeerDirectory interface {
	Peers() []*types.Node
	ReachablePeers() []*types.Node
}

// StatusStore is the subset of persisted state the API reports.
type StatusStore interface {
	CountEvents() (int, error)
	ListPartitions(openOnly bool) ([]*types.PartitionRecord, error)
	ListRecoverySessions() ([]*types.RecoverySession, error)
	GetRecoveryStats() (*types.RecoveryStats, error)
}

// KeyRotator rotates the registration key. The security manager implements
// it; the admin endpoint drives it.
type KeyRotator interface {
	Rotate(newKey string, grace time.Duration) error
}

// StrategySetter overrides the reconciliation strategy of an unresolved
// partition. The partition detector implements it.
type StrategySetter interface {
	SetStrategy(partitionID string, strategy types.PartitionStrategy) error
}

// ComponentHealth reports per-component liveness for the status payload.
type ComponentHealth interface {
	Components() map[string]bool
}

// Config wires the local HTTP API.
type Config struct {
	BindAddr string // host:port, default ":8766" (sync port + 1)
	Version  string // daemon version reported on /status

	Self       *types.Node
	Engine     SyncStatus
	Registry   PeerDirectory
	Store      StatusStore
	Security   KeyRotator      // optional, enables /admin/rotate-key
	Partitions StrategySetter  // optional, enables /admin/partitions
	Monitor    ComponentHealth // optional, adds component rows to /status
}

// Server is the local HTTP surface: health and status probes, the
// Prometheus scrape endpoint, and localhost-only admin operations. It binds
// one port above the sync listener.
type Server struct {
	cfg    Config
	router chi.Router
	logger zerolog.Logger

	mu         sync.RWMutex
	running    bool
	startedAt  time.Time
	listenAddr net.Addr
	httpServer *http.Server
}

// NewServer creates the local API server. Admin routes are registered even
// when their backends are absent; the handlers answer 501 in that case.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Self == nil {
		return nil, fmt.Errorf("api server requires the node identity")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("api server requires the sync engine")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("api server requires the peer registry")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("api server requires the store")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8766"
	}

	s := &Server{
		cfg:       cfg,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(s.instrument)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/admin", func(r chi.Router) {
		r.Use(localhostOnly)
		r.Post("/rotate-key", s.handleRotateKey)
		r.Post("/partitions/{id}/strategy", s.handleSetStrategy)
	})
	s.router = r

	return s, nil
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenAddr
}

// Start binds the API listener and serves until Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to bind api listener: %w", err)
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer = srv
	s.listenAddr = listener.Addr()
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("local api started")

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("api server exited")
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	s.httpServer = nil
	s.listenAddr = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info().Msg("local api stopped")
	return nil
}

// IsRunning reports whether the listener is up.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startedAt)
}

// instrument records request counts and latency per matched route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		method := r.Method + " " + route
		metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(ww.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
	})
}

// localhostOnly guards the admin routes: requests must originate on this
// host. The API binds all interfaces so peers can probe /health; admin
// operations must not be reachable from the LAN.
func localhostOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "admin endpoints are restricted to localhost")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ErrorResponse is the JSON body of every non-2xx API answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
