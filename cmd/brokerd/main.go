// brokerd — the unified brokerage trading façade runtime.
//
// Architecture:
//
//	main.go                 — entry point: loads config, wires the stack, waits for SIGINT/SIGTERM
//	internal/sim            — reference venue: tick feed + order-matching simulator behind the façade
//	internal/match          — depth-walking LIMIT/MARKET/FAK/FOK simulator
//	internal/sep            — virtual sub-account overlay: filtering, accounting, rollover
//	internal/bars           — second-bar generator + multi-interval aggregation
//	internal/bus            — typed event bus binding the layers
//	internal/datamgr        — persistence port (in-memory or gorm/PostgreSQL)
//	internal/feed           — WebSocket tick client + REST reference-data client
//
// The stack at runtime: feed → sim adapter (matcher) → SEP overlay. Consumers
// subscribe the overlay's bus for TICK/BAR/ORDER_STATUS/TRADE_REPORT events
// and drive orders through the overlay's façade operations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ktrader-tech/ktrader-broker-api/internal/config"
	"github.com/ktrader-tech/ktrader-broker-api/internal/datamgr"
	"github.com/ktrader-tech/ktrader-broker-api/internal/sep"
	"github.com/ktrader-tech/ktrader-broker-api/internal/sim"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	var dm datamgr.DataManager
	if cfg.Database.DSN != "" {
		store, err := datamgr.OpenGorm(cfg.Database.DSN)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		dm = store
	} else {
		logger.Warn("no database configured, using in-memory store")
		dm = datamgr.NewMemory()
	}

	venue := sim.New(sim.Options{
		Account:      cfg.Account.ID,
		InitialCash:  cfg.Account.InitialCash,
		FeedURL:      cfg.Feed.WSURL,
		ReferenceURL: cfg.Feed.ReferenceURL,
	}, logger)

	overlay, err := sep.New(venue, cfg.Sep.SubAccount, dm, true, sep.Options{
		InitialCash:    cfg.Sep.InitialCash,
		DebounceWindow: cfg.Sep.DebounceWindow,
		DebounceIdle:   cfg.Sep.DebounceIdle,
	}, logger)
	if err != nil {
		logger.Error("failed to create sep overlay", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := overlay.Connect(ctx, nil); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics started", "url", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port))
	}

	logger.Info("brokerd started",
		"account", overlay.Account(),
		"source", overlay.SourceID(),
		"feed", cfg.Feed.WSURL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Error("failed to stop metrics server", "error", err)
		}
	}
	if err := overlay.Close(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
