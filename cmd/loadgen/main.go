// Command loadgen drives a chat server with N virtual users plus the
// monitor client, then writes latency percentiles and raw samples to the
// perf-data directory.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/suspiciousleaf/chat-app/internal/config"
	"github.com/suspiciousleaf/chat-app/internal/loadgen"
	"github.com/suspiciousleaf/chat-app/internal/monitoring"
)

func main() {
	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level: "info", Format: "pretty", Service: "loadgen",
	})

	cfg, err := config.LoadLoadGen(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "loadgen",
	})
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Aborting load run")
		cancel()
	}()

	runner := loadgen.NewRunner(logger, *cfg)
	report, err := runner.Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Load run failed")
	}

	logger.Info().
		Float64("p90_ms", report.P90Millis).
		Float64("p95_ms", report.P95Millis).
		Float64("p99_ms", report.P99Millis).
		Msg("Done")
}
