// Package api provides the HTTP REST API for FieldWard Core.
//
// It exposes the device registry, the command pipeline, and the offline
// SMS webhook to web and mobile clients.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldward/fieldward-core/internal/audit"
	"github.com/fieldward/fieldward-core/internal/control"
	"github.com/fieldward/fieldward-core/internal/device"
	"github.com/fieldward/fieldward-core/internal/infrastructure/config"
	"github.com/fieldward/fieldward-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// SMSHandler processes inbound offline messages. Satisfied by
// smschannel.Handler.
type SMSHandler interface {
	HandleMessage(ctx context.Context, from, body string) string
}

// HealthChecker reports broker or analytics connectivity for the health
// endpoint.
type HealthChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Registry *device.Registry
	Pipeline *control.Pipeline
	Commands control.Repository
	SMS      SMSHandler       // optional: offline webhook returns 503 when nil
	Broker   HealthChecker    // optional: reported in /health when set
	Audit    audit.Repository // optional: audit listing returns 404 when nil
	Version  string
}

// Server is the HTTP API server for FieldWard Core.
type Server struct {
	cfg      config.APIConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	registry *device.Registry
	pipeline *control.Pipeline
	commands control.Repository
	sms      SMSHandler
	broker   HealthChecker
	audits   audit.Repository
	version  string
	server   *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry, pipeline)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("command pipeline is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command repository is required")
	}

	return &Server{
		cfg:      deps.Config,
		secCfg:   deps.Security,
		logger:   deps.Logger,
		registry: deps.Registry,
		pipeline: deps.Pipeline,
		commands: deps.Commands,
		sms:      deps.SMS,
		broker:   deps.Broker,
		audits:   deps.Audit,
		version:  deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// The listener runs in a background goroutine; stop it with Close().
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
