package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
	"github.com/nerrad567/loxrelay/internal/infrastructure/logging"
	"github.com/nerrad567/loxrelay/internal/process"
	"github.com/nerrad567/loxrelay/internal/relay"
)

// Server timeouts. The surface is three small GET endpoints, so the values
// are fixed rather than configurable.
const (
	readTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second

	// gracefulShutdownTimeout is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	gracefulShutdownTimeout = 10 * time.Second
)

// StatusSource is the view of the relay the status surface reads from.
// *relay.Relay implements it.
type StatusSource interface {
	Snapshot() *config.Snapshot
	Stats() relay.Counters
	MiniserverState() string
	Epoch() uint64
}

// UIStats reports on the managed UI child process. *process.Manager
// implements it.
type UIStats interface {
	Stats() process.Stats
}

// Broker exposes the MQTT connection health. *mqtt.Client implements it.
type Broker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Relay   StatusSource
	UI      UIStats // optional
	Broker  Broker  // optional; healthz reports degraded when it fails
	Version string
}

// Server is the read-only HTTP status server.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	relay   StatusSource
	ui      UIStats
	broker  Broker
	version string
	server  *http.Server
}

// New creates an API server from the given dependencies. The server does
// not listen until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Relay == nil {
		return nil, fmt.Errorf("relay is required")
	}
	if deps.Config.Listen == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		relay:   deps.Relay,
		ui:      deps.UI,
		broker:  deps.Broker,
		version: deps.Version,
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	s.logger.Info("API server starting", "address", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the server, waiting for in-flight requests
// up to gracefulShutdownTimeout.
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
