package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"identityrecon/internal/config"
	"identityrecon/internal/database"
	"identityrecon/internal/events"
	"identityrecon/internal/handlers"
	"identityrecon/internal/lock"
	"identityrecon/internal/metrics"
	"identityrecon/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.SetupLogger(cfg)
	logger.Info("starting identity service",
		slog.String("version", config.Version),
		slog.String("addr", cfg.Addr()),
		slog.String("database_driver", cfg.DatabaseDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()
	store := database.NewContactStore(db)

	checks := map[string]handlers.Pinger{"database": store}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		// The local lock keeps same-process callers off Redis while one of
		// them already holds the keys.
		locker = lock.Chain{lock.NewLocal(), lock.NewRedis(client, cfg.LockTTL, cfg.LockWait, logger)}
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		logger.Info("distributed identifier lock enabled")
	}

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("initialize kafka publisher: %w", err)
		}
		defer kafka.Close()
		publisher = kafka
		checks["kafka"] = kafka
		logger.Info("publishing identity events to kafka", slog.String("topic", cfg.KafkaTopic))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := service.NewReconciliationEngine(store,
		service.WithLocker(locker),
		service.WithPublisher(publisher),
		service.WithMetrics(metrics.New(registry)),
		service.WithLogger(logger),
		service.WithMaxRetries(cfg.IdentifyMaxRetries),
	)

	h := handlers.New(engine, checks, logger)
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handlers.NewRouter(h, registry, registry, logger),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
