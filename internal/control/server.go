// Package control implements the loopback control plane.
//
// A single HTTP endpoint accepts JSON commands from local clients (CLI,
// desktop app). The listener binds to loopback only, there is no remote
// access path. Master keys arrive in request payloads, are wrapped in
// SecureBytes immediately and are never logged or echoed back.
package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/phantomvault/phantomd/internal/logger"
	"github.com/phantomvault/phantomd/internal/ratelimiter"
)

// ServerConfig configures the control-plane HTTP server.
type ServerConfig struct {
	// Host must be a loopback address
	Host string

	// Port to listen on
	Port int

	// RateLimit is the sustained request rate per second (0 = unlimited)
	RateLimit uint

	// RateBurst is the burst capacity
	RateBurst uint

	// Workers bounds concurrent lock/unlock/relock operations
	Workers int
}

// applyDefaults fills in zero values with sensible defaults.
func (c *ServerConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port <= 0 {
		c.Port = 9317
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
}

// Server serves the control plane over loopback HTTP.
//
// Endpoints:
//   - POST /v1/rpc: JSON command envelope {"kind": ..., "payload": ...}
//   - GET /health: liveness probe
type Server struct {
	server       *http.Server
	host         string
	port         int
	shutdownOnce sync.Once
}

// NewServer creates a control-plane server around the given handler deps.
//
// The server is created in a stopped state. Call Start() to begin serving.
func NewServer(config ServerConfig, deps Deps) *Server {
	config.applyDefaults()

	mux := NewHandler(config, deps)

	server := &http.Server{
		Addr:         net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port)),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // lock/unlock of large trees is slow
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		server: server,
		host:   config.Host,
		port:   config.Port,
	}
}

// Start runs the server until the context is cancelled or an error occurs.
//
// When the context is cancelled, Start initiates graceful shutdown and
// returns nil.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Control plane listening on %s:%d", s.host, s.port)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Control plane shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("control plane server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("control plane shutdown error: %w", err)
			logger.Error("Control plane shutdown error: %v", err)
		} else {
			logger.Info("Control plane stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.port
}

// NewHandler builds the control-plane HTTP handler without the server
// wrapper. Config defaults are applied.
func NewHandler(config ServerConfig, deps Deps) http.Handler {
	config.applyDefaults()

	h := &handler{
		deps:    deps,
		limiter: ratelimiter.New(config.RateLimit, config.RateBurst),
		workers: make(chan struct{}, config.Workers),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/rpc", h.serveRPC)
	mux.HandleFunc("/health", h.serveHealth)
	return mux
}
