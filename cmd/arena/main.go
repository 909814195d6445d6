// Arena evaluation server: pairs autonomous agents with turn-based
// environments over HTTP and keeps their ratings.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/arenaproj/arena/pkg/api"
	"github.com/arenaproj/arena/pkg/config"
	"github.com/arenaproj/arena/pkg/database"
	"github.com/arenaproj/arena/pkg/env"
	"github.com/arenaproj/arena/pkg/envs/nim"
	"github.com/arenaproj/arena/pkg/errbuf"
	"github.com/arenaproj/arena/pkg/plugin"
	"github.com/arenaproj/arena/pkg/store"
	"github.com/arenaproj/arena/pkg/telemetry"
	"github.com/arenaproj/arena/pkg/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("ARENA_CONFIG"),
		"Path to the arena.yaml configuration file")
	flag.Parse()

	// .env is optional; environment variables win over it either way.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	slog.Info("Starting arena", "version", version.Full(), "addr", cfg.Addr)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbClient, err := database.NewClient(ctx, database.Config{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready", "dialect", dbClient.Dialect())

	st := store.New(dbClient)

	// Builtin environments first, then uploaded plugins on top.
	registry := env.NewRegistry()
	nim.Register(registry)

	plugins := plugin.NewLoader(registry, cfg.PluginsDir)
	if err := plugins.LoadAll(); err != nil {
		slog.Error("Failed to load plugins", "dir", cfg.PluginsDir, "error", err)
		os.Exit(1)
	}
	slog.Info("Environments registered", "refs", registry.Refs())

	errors := errbuf.New()
	metrics := telemetry.New(func() float64 {
		size, err := dbClient.Size(context.Background())
		if err != nil {
			return 0
		}
		return float64(size)
	})

	server := api.NewServer(cfg, st, registry, plugins, errors, metrics)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}
