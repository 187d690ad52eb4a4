package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/molochain/realtime/internal/bus"
	"github.com/molochain/realtime/internal/limits"
	"github.com/molochain/realtime/internal/monitoring"
	"github.com/molochain/realtime/internal/platform"
	"github.com/molochain/realtime/internal/ws"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		// Logger config comes from the config itself, so bootstrap failures
		// use a default logger.
		logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sysmon := monitoring.NewSystemMonitor(logger)
	sysmon.Start(ctx, cfg.MetricsInterval)

	var rateLimiter *limits.ConnectionRateLimiter
	if cfg.ConnRateLimitEnabled {
		rateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
		logger.Info().Msg("Connection rate limiting enabled")
	}

	server := ws.NewServer(ws.ServerConfig{
		Addr:           cfg.Addr,
		Channels:       cfg.ChannelList(),
		MaxConnections: cfg.MaxConnections,
		PingInterval:   cfg.PingInterval,
		SweepInterval:  cfg.SweepInterval,
		RateLimiter:    rateLimiter,
	}, logger, sysmon)

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	var ingest *bus.Ingest
	if cfg.NATSURL != "" {
		ingest, err = bus.Connect(cfg.NATSURL, server.Router(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect notification bus")
		}
	} else {
		logger.Warn().Msg("NATS_URL not set, notification bus ingest disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	if ingest != nil {
		ingest.Close()
	}
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
