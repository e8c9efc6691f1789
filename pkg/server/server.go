// Package server provides the HTTP RPC front-ends of SoundGraph: the
// similarity service under /similarity and the clustering service under
// /clustering.
//
// Parameters are read from the query string or a form body as a flat
// key to list-of-string multidict, mirroring what the calling web app sends.
// Responses are JSON. Client mistakes and lookup failures are answered
// in-band with HTTP 200 and a body such as
//
//	{"error": true, "result": "Bad filter syntax.", "status_code": 400}
//
// so thin clients need no transport-level error handling.
//
// Example:
//
//	srv, err := server.New(&server.ServiceState{Index: idx, Engine: engine}, server.DefaultConfig(), nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop(context.Background())
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/orneryd/soundgraph/pkg/cluster"
	"github.com/orneryd/soundgraph/pkg/features"
	"github.com/orneryd/soundgraph/pkg/logging"
	"github.com/orneryd/soundgraph/pkg/search"
)

// Errors for HTTP operations.
var (
	ErrServerClosed = errors.New("server closed")
	ErrNoIndex      = errors.New("vector index required")
)

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "0.0.0.0")
	Address string
	// Port to listen on (default: 8008)
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RequestTimeout bounds each handler. Zero leaves deadlines to the
	// caller.
	RequestTimeout time.Duration
	// MaxRequestSize in bytes (default: 10MB)
	MaxRequestSize int64
	// MetricsEnabled serves Prometheus metrics at /metrics
	MetricsEnabled bool
	// DefaultNumResults answers nnsearch and nnrange without num_results
	DefaultNumResults int
	// SnapshotPath is where save writes when no filename is given.
	// Relative filenames are placed next to it.
	SnapshotPath string
	// ClusterConcurrency bounds simultaneous clustering computations.
	// Zero means GOMAXPROCS.
	ClusterConcurrency int
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:           "0.0.0.0",
		Port:              8008,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
		MaxRequestSize:    10 * 1024 * 1024, // 10MB
		MetricsEnabled:    true,
		DefaultNumResults: 15,
	}
}

// ServiceState is everything the handlers share. It is built once at
// startup. Index serializes its own mutations; the other fields are
// read-only after construction.
type ServiceState struct {
	Index *search.VectorIndex
	// Engine serves the clustering endpoints. Nil disables them.
	Engine *cluster.Engine
	// Features is reported on /status when set.
	Features    *features.Store
	FeatureSets []string
}

// Server is the HTTP RPC server.
type Server struct {
	config  *Config
	state   *ServiceState
	log     zerolog.Logger
	metrics *metrics

	// clusterSlots keeps CPU-bound clustering from starving the rest of
	// the service.
	clusterSlots *semaphore.Weighted

	httpServer *http.Server
	listener   net.Listener
	handler    http.Handler

	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a server over state. A nil config uses DefaultConfig and a
// nil logger the "server" component logger.
func New(state *ServiceState, config *Config, log *zerolog.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if state == nil || state.Index == nil {
		return nil, ErrNoIndex
	}
	if config.DefaultNumResults <= 0 {
		config.DefaultNumResults = DefaultConfig().DefaultNumResults
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	slots := config.ClusterConcurrency
	if slots <= 0 {
		slots = runtime.GOMAXPROCS(0)
	}

	s := &Server{
		config:       config,
		state:        state,
		log:          logging.With("server"),
		clusterSlots: semaphore.NewWeighted(int64(slots)),
		started:      time.Now(),
	}
	if log != nil {
		s.log = *log
	}
	s.metrics = newMetrics(prometheus.NewRegistry(), s)
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server error")
		}
	}()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("listening")
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}
