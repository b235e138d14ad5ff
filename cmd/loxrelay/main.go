// loxrelay bridges an MQTT broker and a Loxone Miniserver.
//
// It subscribes to configured MQTT topics, normalises and filters the
// traffic, and forwards the surviving values to the Miniserver over its
// encrypted WebSocket protocol (or plain HTTP requests). A UDP listener
// accepts line-oriented datagrams and republishes them onto the broker,
// and a small HTTP surface exposes status and the redacted configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/loxrelay/internal/api"
	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
	"github.com/nerrad567/loxrelay/internal/infrastructure/logging"
	"github.com/nerrad567/loxrelay/internal/infrastructure/mqtt"
	"github.com/nerrad567/loxrelay/internal/miniserver"
	"github.com/nerrad567/loxrelay/internal/process"
	"github.com/nerrad567/loxrelay/internal/relay"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting loxrelay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration. A missing file yields the defaults, so a fresh
	// deployment boots and can then be configured over MQTT.
	configPath := getConfigPath()
	store := config.NewStore(configPath)
	cfg, err := store.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.General.Logging, version)
	log.Info("logger initialised",
		"level", cfg.General.Logging.Level,
		"format", cfg.General.Logging.Format,
	)

	topics := mqtt.NewTopics(cfg.General.BaseTopic)

	// Connect to the MQTT broker
	bus, err := mqtt.Connect(cfg.Broker, cfg.General.BaseTopic)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	bus.SetLogger(log.With("component", "mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)

	// Miniserver connector; its Run loop handles handshake and reconnects.
	msLog := log.With("component", "miniserver")
	connector := miniserver.New(cfg.Miniserver, cfg.Debug, msLog)

	// UI process manager (only when a command is configured)
	ui := buildUIManager(cfg.UI, log)

	rlyOpts := relay.Options{
		Store:     store,
		Snapshot:  cfg,
		Bus:       bus,
		Topics:    topics,
		Forwarder: connector,
		FetchInputs: func(ctx context.Context, mcfg config.MiniserverConfig) ([]string, error) {
			return miniserver.FetchVirtualInputs(ctx, mcfg, msLog)
		},
		Respawn: process.Respawn,
		Logger:  log.With("component", "relay"),
	}
	if ui != nil {
		rlyOpts.UI = ui
	}

	rly, err := relay.New(rlyOpts)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	// Status HTTP surface (optional)
	if cfg.API.Listen != "" {
		apiDeps := api.Deps{
			Config:  cfg.API,
			Logger:  log.With("component", "api"),
			Relay:   rly,
			Broker:  bus,
			Version: version,
		}
		if ui != nil {
			apiDeps.UI = ui
		}

		apiServer, apiErr := api.New(apiDeps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr := apiServer.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	log.Info("initialisation complete")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return connector.Run(gctx) })
	g.Go(func() error { return rly.Run(gctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("relay stopped: %w", err)
	}

	log.Info("loxrelay stopped")
	return nil
}

// buildUIManager creates the UI process manager, or nil when no UI command
// is configured.
func buildUIManager(cfg config.UIConfig, log *logging.Logger) *process.Manager {
	if len(cfg.Command) == 0 {
		return nil
	}

	mgr := process.NewManager(process.Config{
		Name:               "ui",
		Command:            cfg.Command,
		RestartOnFailure:   cfg.RestartOnFailure,
		RestartDelay:       cfg.RestartDelay,
		MaxRestartAttempts: cfg.MaxRestartAttempts,
		GracefulTimeout:    cfg.GracefulTimeout,
	})
	mgr.SetLogger(log.With("component", "ui"))
	return mgr
}

// getConfigPath returns the configuration file path.
// Uses LOXRELAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("LOXRELAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
