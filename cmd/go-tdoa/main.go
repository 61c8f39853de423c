// go-tdoa: acoustic source localization daemon
// Solves impulsive events heard by drone-mounted microphones and steers a
// follower toward each fix
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslashibe/go-tdoa/internal/config"
	"github.com/teslashibe/go-tdoa/internal/health"
	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/metrics"
	"github.com/teslashibe/go-tdoa/internal/motion"
	"github.com/teslashibe/go-tdoa/internal/server"
	"github.com/teslashibe/go-tdoa/internal/sim"
	"github.com/teslashibe/go-tdoa/internal/store"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
	"github.com/teslashibe/go-tdoa/internal/uplink"
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-tdoa/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	noSim       = flag.Bool("no-sim", false, "disable the simulated gunshot source")
)

// queueName labels events submitted over HTTP or the uplink.
const queueName = "api"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-tdoa %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *noSim {
		cfg.Simulation.Enabled = false
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting go-tdoa",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fleet
	fleet := sim.NewFleet()
	for _, p := range cfg.Platforms {
		fleet.Add(p.Platform(), p.Origin)
	}

	checker := health.NewChecker(version)
	checker.Register("fleet", func(context.Context) (bool, string) {
		return fleet.Healthy(), fmt.Sprintf("%d platforms", len(fleet.Platforms()))
	})

	collector, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	opts := []locator.Option{locator.WithMetrics(collector)}

	// Fix log
	var db *store.DB
	if cfg.Store.Path != "" {
		db, err = store.Open(cfg.Store.Path)
		if err != nil {
			logger.Error("failed to open fix store", "path", cfg.Store.Path, "error", err)
			os.Exit(1)
		}
		defer db.Close()

		opts = append(opts, locator.WithStore(db))
		checker.Register("store", func(ctx context.Context) (bool, string) {
			if err := db.PingContext(ctx); err != nil {
				return false, err.Error()
			}
			return true, cfg.Store.Path
		})
		logger.Info("fix store ready", "path", cfg.Store.Path)
	}

	// Motion: simulated platforms always follow; a flight controller too
	// when configured
	sinks := locator.MotionSinks{fleet}
	if cfg.Motion.BaseURL != "" {
		mc := motion.NewClient(motion.Config{
			BaseURL:     cfg.Motion.BaseURL,
			Timeout:     cfg.Motion.Timeout,
			RateLimitHz: cfg.Motion.RateLimitHz,
			Velocity:    cfg.Motion.Velocity,
		}, logger.With("component", "motion"))
		sinks = append(sinks, mc)
		checker.Register("motion", func(context.Context) (bool, string) {
			return mc.Healthy(), cfg.Motion.BaseURL
		})
	}
	opts = append(opts, locator.WithMotion(sinks))

	// Event sources
	queue := locator.NewQueueSource(queueName, cfg.Locator.QueueSize)
	var source locator.Source = queue

	if cfg.Simulation.Enabled {
		gunshots := sim.NewGunshotSource(fleet, sim.GunshotConfig{
			Interval:  cfg.Simulation.Interval,
			Anchor:    cfg.Simulation.Anchor,
			Listeners: cfg.Simulation.Listeners,
			GroundZ:   cfg.Simulation.GroundZ,
			ZSpread:   cfg.Simulation.ZSpread,
			JitterSec: cfg.Simulation.JitterSec,
			Speed:     cfg.Solver.SpeedOfSound,
			Seed:      uint64(cfg.Simulation.Seed),
		}, logger.With("component", "sim"))
		source = locator.Merge(queue, gunshots)

		logger.Info("simulated gunshots enabled",
			"interval", cfg.Simulation.Interval,
			"anchor", cfg.Simulation.Anchor,
		)
	}
	defer source.Close()

	checker.Register("source", func(context.Context) (bool, string) {
		return source.Healthy(), source.Name()
	})

	loc := locator.New(source, fleet, locator.Config{
		Solver: tdoa.Solver{
			Speed:        cfg.Solver.SpeedOfSound,
			MaxCondition: cfg.Solver.MaxCondition,
		},
		HistorySize:    cfg.Locator.HistorySize,
		Follower:       cfg.Locator.Follower,
		ApproachOffset: cfg.Locator.ApproachOffset,
	}, logger.With("component", "locator"), opts...)

	go func() {
		if err := loc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("locator error", "error", err)
		}
	}()

	// Collector uplink
	var up *uplink.Client
	if cfg.Uplink.URL != "" {
		up = uplink.NewClient(uplink.Config{
			URL:              cfg.Uplink.URL,
			Station:          cfg.Uplink.Station,
			ReconnectBackoff: cfg.Uplink.ReconnectDelay,
			MaxBackoff:       cfg.Uplink.MaxReconnectDelay,
			PingInterval:     cfg.Uplink.PingInterval,
		}, logger.With("component", "uplink"))

		up.OnEvent(func(ev locator.Event) {
			if err := queue.Push(ev); err != nil {
				logger.Warn("uplink event dropped", "event_id", ev.ID, "error", err)
			}
		})

		if err := up.Connect(ctx); err != nil {
			logger.Error("failed to start uplink", "error", err)
			os.Exit(1)
		}

		fixes := loc.Subscribe()
		go up.Publish(ctx, fixes)

		checker.Register("uplink", func(context.Context) (bool, string) {
			if up.IsConnected() {
				return true, cfg.Uplink.URL
			}
			return false, "disconnected"
		})
	}

	deps := server.Deps{
		Locator: loc,
		Fleet:   fleet,
		Queue:   queue,
		Metrics: collector,
		Health:  checker,
	}
	if db != nil {
		deps.Store = db
	}
	srv := server.New(cfg, deps, logger.With("component", "server"), version)

	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	printStartupBanner(cfg, version)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	// Stop in order: server -> uplink -> locator -> sources
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	if up != nil {
		up.Close()
	}

	loc.Stop()

	logger.Info("go-tdoa stopped", "stats", loc.Stats())
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("go-tdoa v" + version)
	fmt.Println("   Acoustic TDOA source localization")
	fmt.Println()
	fmt.Printf("   Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Printf("   Platforms: %d   Simulation: %v\n", len(cfg.Platforms), cfg.Simulation.Enabled)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health              - Health check")
	fmt.Println("   POST /api/solve           - Stateless solve")
	fmt.Println("   POST /api/events          - Queue a measured event")
	fmt.Println("   GET  /api/fixes/latest    - Latest fix")
	fmt.Println("   WS   /api/fixes/stream    - Real-time fix stream")
	fmt.Println("   GET  /api/stats           - Locator statistics")
	fmt.Println("   GET  /metrics             - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
