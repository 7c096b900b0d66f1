// Package server runs the HTTP listener for health probes and the admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/blobmetrics/internal/logging"
)

// ReadinessChecker is a dependency consulted by /readyz.
type ReadinessChecker interface {
	Name() string

	// CheckReady returns nil when the dependency is usable.
	CheckReady(ctx context.Context) error
}

// HeartbeatTimeout is how long a registered heartbeat may go without a beat
// before /healthz reports degraded.
const HeartbeatTimeout = 30 * time.Second

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// Config configures a Server.
type Config struct {
	Addr string
	TLS  TLSConfig
}

// Server serves /healthz, /readyz, /debug/pprof and any registered
// handlers.
type Server struct {
	addr   string
	tlsCfg TLSConfig
	logger *logging.Logger

	shutDown atomic.Bool

	mu               sync.RWMutex
	boundAddr        string
	server           *http.Server
	reloader         *CertReloader
	heartbeats       map[string]*heartbeat
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
	handlers         map[string]http.Handler
	now              func() time.Time
}

type heartbeat struct {
	running bool
	last    time.Time
}

// HealthStatus is the body of /healthz and /readyz.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Heartbeats map[string]bool        `json:"heartbeats,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// New creates a Server. Nothing listens until Start.
func New(cfg Config, logger *logging.Logger) *Server {
	return &Server{
		addr:             cfg.Addr,
		tlsCfg:           cfg.TLS,
		logger:           logging.OrDefault(logger).Component("http-server"),
		heartbeats:       make(map[string]*heartbeat),
		readinessTimeout: DefaultReadinessTimeout,
		handlers:         make(map[string]http.Handler),
		now:              time.Now,
	}
}

// Handle mounts handler on pattern. Call before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[pattern] = handler
}

// RegisterReadinessCheck adds a dependency to /readyz.
func (s *Server) RegisterReadinessCheck(checker ReadinessChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readinessChecks = append(s.readinessChecks, checker)
}

// SetReadinessTimeout sets the per-check timeout.
func (s *Server) SetReadinessTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readinessTimeout = d
}

// RegisterHeartbeat starts tracking name as a live background activity.
func (s *Server) RegisterHeartbeat(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[name] = &heartbeat{running: true, last: s.now()}
}

// Beat records that name is still making progress.
func (s *Server) Beat(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hb, ok := s.heartbeats[name]; ok {
		hb.last = s.now()
	}
}

// UnregisterHeartbeat marks name as stopped.
func (s *Server) UnregisterHeartbeat(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hb, ok := s.heartbeats[name]; ok {
		hb.running = false
	}
}

// SetShuttingDown makes both probes fail from now on.
func (s *Server) SetShuttingDown() {
	s.shutDown.Store(true)
}

// IsShuttingDown reports whether SetShuttingDown was called.
func (s *Server) IsShuttingDown() bool {
	return s.shutDown.Load()
}

// CertReloader returns the TLS reloader once started with TLS, or nil.
func (s *Server) CertReloader() *CertReloader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reloader
}

// Handler returns the complete mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)

	s.mu.RLock()
	for pattern, handler := range s.handlers {
		mux.Handle(pattern, handler)
	}
	s.mu.RUnlock()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	var (
		ln       net.Listener
		reloader *CertReloader
		err      error
	)
	if s.tlsCfg.Enabled() {
		ln, reloader, err = NewTLSListener(s.addr, s.tlsCfg, s.logger)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		// Readiness checks and flushes may take a while.
		WriteTimeout: 30 * time.Second,
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.server = srv
	s.reloader = reloader
	s.mu.Unlock()

	s.logger.Infof("http server listening", map[string]any{
		"addr": ln.Addr().String(),
		"tls":  reloader != nil,
	})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("http server error", map[string]any{logging.FieldError: err})
		}
	}()
	return nil
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// Shutdown stops accepting requests and waits for those in flight until ctx
// ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Close is Shutdown with a five second limit.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, s.CheckHealth())
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, s.CheckReadiness(r.Context()))
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(status)
	}
}

// CheckHealth computes the liveness status.
func (s *Server) CheckHealth() HealthStatus {
	status := HealthStatus{Status: "ok", Checks: make(map[string]CheckResult)}
	if s.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "server is shutting down"}
		return status
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "server is running"}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.heartbeats) == 0 {
		return status
	}

	now := s.now()
	status.Heartbeats = make(map[string]bool, len(s.heartbeats))
	healthy := true
	for name, hb := range s.heartbeats {
		ok := hb.running && now.Sub(hb.last) < HeartbeatTimeout
		status.Heartbeats[name] = ok
		healthy = healthy && ok
	}
	if healthy {
		status.Checks["heartbeats"] = CheckResult{Healthy: true, Message: "all background work is progressing"}
	} else {
		status.Status = "degraded"
		status.Checks["heartbeats"] = CheckResult{Healthy: false, Message: "background work has stalled or stopped"}
	}
	return status
}

// CheckReadiness runs every readiness check.
func (s *Server) CheckReadiness(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok", Checks: make(map[string]CheckResult)}
	if s.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "server is shutting down"}
		return status
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "server is running"}

	s.mu.RLock()
	checks := append([]ReadinessChecker(nil), s.readinessChecks...)
	timeout := s.readinessTimeout
	s.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()
		if err != nil {
			status.Status = "not_ready"
			status.Checks[checker.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[checker.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return status
}
