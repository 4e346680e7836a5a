package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/loopwork-ai/relay/internal/bridge"
	"github.com/loopwork-ai/relay/internal/chain"
	"github.com/loopwork-ai/relay/internal/config"
	"github.com/loopwork-ai/relay/internal/events"
	"github.com/loopwork-ai/relay/internal/guard"
	"github.com/loopwork-ai/relay/internal/notify"
	"github.com/loopwork-ai/relay/internal/prompts"
	"github.com/loopwork-ai/relay/internal/schedules"
	"github.com/loopwork-ai/relay/internal/service"
	"github.com/loopwork-ai/relay/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", envOr("RELAY_CONFIG_PATH", "config/relay.yaml"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Observability.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Record store
	st, err := store.Open(&store.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConnections:  cfg.Database.MaxConnections,
		IdleConnections: cfg.Database.IdleConnections,
		MaxLifetime:     cfg.Database.MaxLifetime,
	}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// Event stream
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	cancel()
	eventMgr := events.NewManager(rdb, logger, cfg.Redis.StreamMaxLen)

	// Notification sinks
	sinks := notify.Fanout{notify.NewBroadcastSink(eventMgr)}
	if cfg.Notifications.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(
			cfg.Notifications.WebhookURL,
			cfg.Notifications.RatePerMinute,
			cfg.Notifications.Burst,
			logger,
		))
	}

	promptBuilder, err := prompts.NewBuilder()
	if err != nil {
		return err
	}

	engineBridge := bridge.NewHTTPBridge(bridge.Config{
		BaseURL:        cfg.Engine.BaseURL,
		RequestTimeout: cfg.Engine.RequestTimeout,
	}, eventMgr, logger)
	defer engineBridge.Close()

	engine := chain.New(
		st, st,
		guard.NewStoreGuard(st),
		engineBridge,
		promptBuilder,
		sinks,
		eventMgr,
		logger,
		chain.Options{
			SettleDelay:      cfg.Chaining.SettleDelay,
			OpTimeout:        cfg.Chaining.OpTimeout,
			ChainingDisabled: !cfg.Chaining.Enabled,
		},
	)
	defer engine.Close()

	recovery := chain.NewRecovery(st, logger)
	orchestrator := service.New(engine, recovery, st, eventMgr, logger)

	// Schedule lane
	if cfg.Schedules.Enabled {
		scheduler := schedules.NewScheduler(
			schedules.NewDBOperations(st.DB()),
			orchestrator,
			logger,
			cfg.Schedules.TickInterval,
		)
		go func() {
			if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Scheduler exited", zap.Error(err))
			}
		}()
	}

	// Hot reload of chaining knobs
	go func() {
		err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
			engine.SetSettleDelay(next.Chaining.SettleDelay)
			engine.SetChainingEnabled(next.Chaining.Enabled)
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("Config watcher exited", zap.Error(err))
		}
	}()

	// Metrics and health endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.DB().PingContext(checkCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(checkCtx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server exited", zap.Error(err))
		}
	}()

	logger.Info("Orchestrator started",
		zap.String("engine_url", cfg.Engine.BaseURL),
		zap.Duration("settle_delay", cfg.Chaining.SettleDelay),
		zap.Int("metrics_port", cfg.Observability.MetricsPort),
	)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
