package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dray-io/blobmetrics/internal/logging"
)

// Server serves /metrics for Prometheus scraping.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   *logging.Logger

	mu        sync.RWMutex
	boundAddr string
	server    *http.Server
}

// NewServer serves the default Prometheus registry on addr.
func NewServer(addr string, logger *logging.Logger) *Server {
	return NewServerWithRegistry(addr, prometheus.DefaultGatherer, logger)
}

// NewServerWithRegistry serves gatherer on addr.
func NewServerWithRegistry(addr string, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	return &Server{
		addr:     addr,
		gatherer: gatherer,
		logger:   logging.OrDefault(logger).Component("metrics-server"),
	}
}

// Handler returns the /metrics handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: promErrorLogger{s.logger},
	}))
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.server = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("metrics server stopped", map[string]any{logging.FieldError: err})
		}
	}()
	s.logger.Infof("metrics server listening", map[string]any{"addr": ln.Addr().String()})
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

// Close shuts the server down, waiting up to five seconds for scrapes in
// flight.
func (s *Server) Close() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// promErrorLogger adapts the logger to promhttp.Logger.
type promErrorLogger struct{ l *logging.Logger }

func (p promErrorLogger) Println(v ...any) {
	p.l.Errorf("metrics handler error", map[string]any{"detail": fmt.Sprint(v...)})
}
