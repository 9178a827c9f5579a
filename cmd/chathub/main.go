// Command chathub runs the chat server: websocket hub, auth endpoints,
// Prometheus metrics and the Postgres-backed message store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/suspiciousleaf/chat-app/internal/auth"
	"github.com/suspiciousleaf/chat-app/internal/config"
	"github.com/suspiciousleaf/chat-app/internal/hub"
	"github.com/suspiciousleaf/chat-app/internal/monitoring"
	"github.com/suspiciousleaf/chat-app/internal/server"
	"github.com/suspiciousleaf/chat-app/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level: "info", Format: "json", Service: "chathub",
	})

	cfg, err := config.LoadServer(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "chathub",
	})
	cfg.LogConfig(logger)

	st, err := store.Open(store.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer st.Close()

	if err := st.EnsureSchema(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	jwt := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenLifetime)

	h := hub.New(st, logger, hub.Options{
		SendQueueSize:        cfg.SendQueueSize,
		SendTimeout:          cfg.SendTimeout,
		UploadTimer:          time.Duration(cfg.CachedMessageUploadTimer) * time.Second,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
	})

	srv := server.New(st, h, jwt, logger, server.Options{
		Addr:           cfg.Addr,
		MaxConnections: cfg.MaxConnections,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	logger.Info().Msg("Server stopped")
}
