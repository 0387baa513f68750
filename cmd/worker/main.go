package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"leadsync/internal/config"
	"leadsync/internal/database"
	"leadsync/internal/events"
	"leadsync/internal/handlers"
	"leadsync/internal/logging"
	"leadsync/internal/metrics"
	"leadsync/internal/repository"
	"leadsync/internal/service"
	"leadsync/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := baseLogger.With().Str("component", "worker-main").Logger()

	if !cfg.Engine.Enabled {
		logger.Warn().Msg("Engine is disabled in config, only maintenance jobs will run")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	memory := repository.NewMemoryRepository()
	coordinator := repository.NewFailoverRepository(memory, memory, &logger)
	if client := connectRedis(ctx, cfg.Redis, &logger); client != nil {
		defer client.Close()
		coordinator = repository.NewFailoverRepository(repository.NewRedisRepository(client), memory, &logger)
	}

	bus := events.NewEventBus()
	bus.SubscribeAll(func(e *events.Event) error {
		metrics.IncDomainEvent(e.Type)
		return nil
	})
	bus.Subscribe(events.EventEventFrozen, func(e *events.Event) error {
		logger.Warn().RawJSON("payload", e.Payload).Msg("event frozen")
		return nil
	})
	bus.Subscribe(events.EventConflictDetected, func(e *events.Event) error {
		logger.Info().RawJSON("payload", e.Payload).Msg("conflict detected")
		return nil
	})

	rt, err := handlers.New(db, bus, &logger).Router()
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	if cfg.Engine.Enabled {
		engine := worker.NewEngine(db, rt, coordinator, coordinator, bus, cfg.Engine, &logger)
		spawn(engine.Start)
	}
	spawn(service.NewRetentionService(db, cfg.Retention, &logger).Start)
	if cfg.Backup.Enabled {
		spawn(database.NewBackupService(db, cfg.Backup, logging.Component(&logger, "backup")).Start)
	}

	logger.Info().Bool("engine", cfg.Engine.Enabled).Msg("Worker started")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	wg.Wait()
	logger.Info().Msg("Worker stopped")
	return nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *zerolog.Logger) *redis.Client {
	if cfg.Address == "" {
		return nil
	}
	client := repository.NewRedisClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, using in-process locks")
		_ = client.Close()
		return nil
	}
	return client
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
