// Command streamer runs the producer side of the trip pipeline: it listens
// for trip row changes in PostgreSQL, batches them, and delivers signed
// batches to the webhook endpoint.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odiazmo/tripstream/internal/composer"
	"github.com/odiazmo/tripstream/internal/config"
	"github.com/odiazmo/tripstream/internal/database"
	"github.com/odiazmo/tripstream/internal/sender"
	"github.com/odiazmo/tripstream/internal/source"
	"github.com/odiazmo/tripstream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamer.local.yaml", "path to config file")
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

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadStreamer(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	comp := composer.New(cfg.Composer, logger)
	comp.Start()

	snd := sender.New(cfg.Sender, comp.Batches(), logger)
	snd.Start(context.Background()) // workers outlive ctx to drain the final batches

	listener := source.New(
		database.BuildConnString(cfg.Database),
		cfg.Source.Channel,
		comp,
		logger,
	)

	// Queue-depth heartbeat.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				events, batches := comp.Depths()
				logger.Debug("queues", "event_queue", events, "batch_queue", batches)
			}
		}
	}()

	// Run until the signal cancels ctx; the listener stops submitting
	// before the drain starts below.
	if err := listener.Run(ctx); err != nil {
		logger.Error("change listener failed", "error", err)
	}

	// Graceful drain: flush buffered events into batches, then let the
	// workers finish posting everything already queued.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()

	if err := comp.Close(drainCtx); err != nil {
		logger.Warn("composer drain incomplete", "error", err)
	}
	snd.Wait()

	stats := snd.Stats()
	logger.Info("streamer stopped",
		"delivered", stats.Delivered,
		"rejected", stats.Rejected,
		"exhausted", stats.Exhausted,
	)
}
