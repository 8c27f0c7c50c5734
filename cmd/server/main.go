// Command server runs the receiving side of the trip pipeline: a webhook
// endpoint that verifies and caches incoming batches, and a WebSocket
// endpoint that streams trip changes to clients grouped by location.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odiazmo/tripstream/internal/auth"
	"github.com/odiazmo/tripstream/internal/authz"
	"github.com/odiazmo/tripstream/internal/config"
	"github.com/odiazmo/tripstream/internal/database"
	"github.com/odiazmo/tripstream/internal/hub"
	"github.com/odiazmo/tripstream/internal/store"
	"github.com/odiazmo/tripstream/internal/version"
	"github.com/odiazmo/tripstream/internal/webhook"
	"github.com/odiazmo/tripstream/internal/ws"
)

func main() {
	configPath := flag.String("config", "configs/server.local.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting server",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trips, err := store.New(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer trips.Close()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	h := hub.New(hub.Config{
		CombinedBatches: cfg.Hub.CombinedBatches,
		WriteTimeout:    cfg.Hub.WriteTimeout,
	}, trips, logger)
	h.Start(ctx)

	wsHandler := ws.NewHandler(h, trips, authz.New(pool), auth.NewVerifier(cfg.Auth.JWTSecret), logger)
	whHandler := webhook.NewHandler(cfg.Webhook.Secret, cfg.Webhook.MaxSkew, trips, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /webhooks/trips/batch", whHandler)
	mux.Handle("/ws/trips", wsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, checkCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer checkCancel()
		if err := trips.Ping(checkCtx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(checkCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := h.Stop(shutdownCtx); err != nil {
		logger.Warn("hub shutdown incomplete", "error", err)
	}

	logger.Info("server stopped")
}
