// Package api serves BlockChat's HTTP JSON interface and provides a client
// for it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockberries/blockchat/chain"
	"github.com/blockberries/blockchat/config"
	"github.com/blockberries/blockchat/engine"
	"github.com/blockberries/blockchat/evidence"
	"github.com/blockberries/blockchat/logging"
	"github.com/blockberries/blockchat/metrics"
	"github.com/blockberries/blockchat/types"
)

// Default limits
const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxBodyBytes = 1 << 20
)

// Backend is the node surface the API serves. *engine.Engine implements it.
type Backend interface {
	CreateTransaction(ctx context.Context, kind types.TxKind) (*types.Transaction, error)
	Chain() *chain.Chain
	Peers() []engine.PeerStatus
	GetMetrics() (*engine.Metrics, error)
	SyncStatus() (engine.SyncStatus, error)
	Evidence(validator types.PublicKey) []*evidence.DuplicateBlockEvidence
}

// Config holds server configuration
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// ConfigFrom builds the server configuration from the node's api section.
func ConfigFrom(cfg config.APIConfig) Config {
	return Config{
		ListenAddr:  cfg.ListenAddr,
		ReadTimeout: cfg.ReadTimeout.Duration(),
	}
}

// Server is the HTTP API server.
type Server struct {
	config  Config
	name    string
	backend Backend

	logger  *logging.Logger
	metrics metrics.Metrics

	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener
	running    atomic.Bool
	mu         sync.Mutex
}

// NewServer creates a server for the node called name.
func NewServer(cfg Config, name string, backend Backend) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		config:  cfg,
		name:    name,
		backend: backend,
		logger:  logging.NewNopLogger(),
		metrics: metrics.NewNopMetrics(),
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// SetLogger sets the logger. Must be called before Start.
func (s *Server) SetLogger(logger *logging.Logger) {
	s.logger = logger.WithComponent("api")
}

// SetMetrics sets the metrics sink. Must be called before Start.
func (s *Server) SetMetrics(m metrics.Metrics) {
	s.metrics = m
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/transaction", s.instrument("transaction", http.MethodPost, s.handleTransaction))
	s.mux.HandleFunc("/stake", s.instrument("stake", http.MethodPost, s.handleStake))
	s.mux.HandleFunc("/block", s.instrument("block", http.MethodGet, s.handleBlock))
	s.mux.HandleFunc("/balance", s.instrument("balance", http.MethodGet, s.handleBalance))
	s.mux.HandleFunc("/info", s.instrument("info", http.MethodGet, s.handleInfo))
	s.mux.HandleFunc("/messages", s.instrument("messages", http.MethodGet, s.handleMessages))
	s.mux.HandleFunc("/peers", s.instrument("peers", http.MethodGet, s.handlePeers))
	s.mux.HandleFunc("/mempool", s.instrument("mempool", http.MethodGet, s.handleMempool))
	s.mux.HandleFunc("/evidence", s.instrument("evidence", http.MethodGet, s.handleEvidence))
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts serving on the configured address.
func (s *Server) Start() error {
	if s.running.Swap(true) {
		return nil
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", logging.Error(err))
		}
	}()

	s.logger.Info("API server listening", logging.Address(listener.Addr().String()))
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	return srv.Shutdown(ctx)
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument enforces the method, bounds the body and records the outcome.
func (s *Server) instrument(endpoint, method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		if r.Method != method {
			rec.Header().Set("Allow", method)
			writeError(rec, http.StatusMethodNotAllowed, errMethodNotAllowed)
		} else {
			r.Body = http.MaxBytesReader(rec, r.Body, s.config.MaxBodyBytes)
			h(rec, r)
		}

		s.metrics.IncAPIRequests(endpoint, rec.code)
		s.logger.Debug("API request",
			"endpoint", endpoint,
			"method", r.Method,
			"code", rec.code,
			logging.Duration(time.Since(start)),
		)
	}
}
