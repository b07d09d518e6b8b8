// agentroom - real-time chat server for humans and agents
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentroom/internal/api"
	"github.com/ashureev/agentroom/internal/approval"
	"github.com/ashureev/agentroom/internal/bus"
	"github.com/ashureev/agentroom/internal/config"
	"github.com/ashureev/agentroom/internal/hub"
	"github.com/ashureev/agentroom/internal/ratelimit"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/ashureev/agentroom/internal/unfurl"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	registry := hub.NewRegistry(hub.Options{
		QueueSize:    cfg.Hub.SendQueueSize,
		WriteTimeout: cfg.Hub.WriteTimeout,
	})

	// Cross-process fan-out (optional).
	fanout := bus.Local(registry)
	if cfg.Redis.Addr != "" {
		redisBus, err := bus.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Channel, registry)
		if err != nil {
			slog.Warn("Redis unavailable, broadcasting to local sockets only", "addr", cfg.Redis.Addr, "error", err)
		} else if err := redisBus.StartForwarder(ctx); err != nil {
			slog.Warn("Redis forwarder failed, broadcasting to local sockets only", "error", err)
			_ = redisBus.Close()
		} else {
			fanout = redisBus
		}
	}
	defer func() {
		if closeErr := fanout.Close(); closeErr != nil {
			slog.Error("Failed to close bus", "error", closeErr)
		}
	}()
	dispatcher := bus.NewDispatcher(fanout, cfg.Hub.BroadcastTimeout)

	limiter := ratelimit.New()
	limiter.StartEviction(ctx, cfg.RateLimit.SweepInterval)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, registry, dispatcher, limiter, cfg)
	reviewHandler := api.NewReviewHandler(baseHandler, approval.NewService(repo, dispatcher))
	unfurlHandler := api.NewUnfurlHandler(baseHandler, unfurl.New(repo, nil, unfurl.Options{
		Timeout:  cfg.Unfurl.Timeout,
		CacheTTL: cfg.Unfurl.CacheTTL,
		MaxBytes: cfg.Unfurl.MaxBytes,
	}))

	r := api.NewRouter(baseHandler, reviewHandler, unfurlHandler)

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked sockets are not tracked by srv.Shutdown; close them with 1012.
	if err := registry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Hub did not stop in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	dispatcher.Wait()

	slog.Info("Server stopped successfully")
}
