package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/kstats/internal/clock"
	"github.com/goodtune/kstats/internal/config"
	"github.com/goodtune/kstats/internal/events"
	"github.com/goodtune/kstats/internal/metrics"
	"github.com/goodtune/kstats/internal/stats"
	"github.com/goodtune/kstats/internal/systemd"
	"github.com/goodtune/kstats/internal/timers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the kstats daemon",
	Long:  `Start the kstats daemon with the event socket, the stats engine and the metrics endpoint.`,
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// statsView exposes the engine to the HTTP server.
type statsView struct {
	engine *stats.Engine
}

func (v statsView) Current() (any, error) {
	return v.engine.Snapshot()
}

func (v statsView) Reset(ctx context.Context) error {
	return v.engine.Reset(ctx)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting kstats")

	durations, err := cfg.Stats.Durations()
	if err != nil {
		return err
	}

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	repo, err := stats.NewRepository(store.Counters(), stats.RepositoryConfig{
		Namespace: cfg.Stats.Namespace,
		Key:       cfg.Stats.Key,
		CacheTTL:  durations.CacheTTL,
		CacheSize: cfg.Stats.CacheSize,
	}, clock.Real{}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize stats repository: %w", err)
	}

	// Initialize event socket. Failing to bind leaves the engine without a
	// source; that is reported below and is not fatal.
	eventServer := events.NewServer(cfg.Events.SocketPath, logger)
	if sdListeners.Activated && sdListeners.Events != nil {
		eventServer.SetListener(sdListeners.Events)
	}

	var source stats.Source
	if err := eventServer.Start(); err != nil {
		logger.Error().Err(err).Str("socket", cfg.Events.SocketPath).Msg("Failed to start event socket")
	} else {
		source = eventServer
	}

	var identity stats.Identity
	if cfg.Identity.UserID != "" {
		identity = stats.StaticIdentity(cfg.Identity.UserID)
	}

	scheduler := timers.NewManager(logger)
	engine := stats.NewEngine(repo, source, identity, scheduler, clock.Real{}, stats.Config{
		TickInterval:    durations.TickInterval,
		FlushInterval:   durations.FlushInterval,
		MessageDebounce: durations.MessageDebounce,
	}, logger)

	tracking := true
	if err := engine.Start(cmd.Context()); err != nil {
		if !errors.Is(err, stats.ErrMissingCollaborator) {
			return fmt.Errorf("failed to start stats engine: %w", err)
		}
		tracking = false
		logger.Error().Err(err).Msg("Stats are not tracked this session")
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, statsView{engine: engine}, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics Server started")

	logger.Info().
		Bool("tracking", tracking).
		Str("events", eventServer.Addr()).
		Msgf("Stats: http://%s/stats", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	if !tracking {
		_ = systemd.NotifyStatus("stats not tracked: collaborator missing")
	}

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	shutdown(engine, eventServer, metricsServer, logger)

	logger.Info().Msg("kstats stopped")
	return nil
}

// shutdown stops the engine first so its final flush sees every event
// already accepted on the socket.
func shutdown(engine *stats.Engine, eventServer *events.Server, metricsServer *metrics.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := engine.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error stopping stats engine")
	}

	if err := eventServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping event socket")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}
}
