// SPDX-License-Identifier: MIT

// pisond is the coin WiFi vending daemon: coin aggregation, session
// accounting and LAN enforcement in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pisonet/pisond/internal/config"
	"github.com/pisonet/pisond/internal/daemon"
	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pisond %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pisond: %v\n", err)
		os.Exit(1)
	}

	xlog.Configure(xlog.Config{Level: cfg.Log.Level, Service: "pisond"})
	logger := xlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "pisond",
		ServiceVersion: version,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "main.telemetry_failed").Msg("telemetry init failed")
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Str("event", "main.telemetry_shutdown_failed").Msg("trace flush failed")
		}
	}()

	holder := config.NewHolder(cfg, *configPath)
	if err := holder.StartWatcher(); err != nil {
		logger.Warn().Err(err).Str("event", "main.watch_failed").Msg("config watcher unavailable")
	}
	defer holder.Stop()

	// SIGHUP forces a reload even when the file watcher missed the write.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			_ = holder.Reload()
		}
	}()

	app, err := daemon.New(ctx, holder, nil, nil)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "main.init_failed").Msg("daemon init failed")
	}

	runErr := app.Run(ctx)
	if err := app.Close(); err != nil {
		logger.Warn().Err(err).Str("event", "main.close_failed").Msg("shutdown cleanup failed")
	}
	if runErr != nil {
		logger.Fatal().Err(runErr).Str("event", "main.run_failed").Msg("daemon exited with error")
	}
	logger.Info().Str("event", "main.stopped").Msg("pisond stopped")
}
