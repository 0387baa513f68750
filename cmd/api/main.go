package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"leadsync/internal/api"
	"leadsync/internal/config"
	"leadsync/internal/database"
	"leadsync/internal/events"
	"leadsync/internal/handlers"
	"leadsync/internal/logging"
	"leadsync/internal/metrics"
	"leadsync/internal/models"
	"leadsync/internal/repository"
	"leadsync/internal/service"
	"leadsync/internal/vendors"
	"leadsync/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
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

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	coordinator := initCoordinator(redisClient, &logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus()
	subscribeDomainEvents(bus, &logger)

	set := handlers.New(db, bus, &logger)
	rt, err := set.Router()
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	engine := worker.NewEngine(db, rt, coordinator, coordinator, bus, cfg.Engine, &logger)

	subscriptions := service.NewSubscriptionService(db, cfg.Integrations.PublicBaseURL, &logger)
	if pd := vendors.NewPipedriveClient(cfg.Integrations.Pipedrive, &logger); pd.Configured() {
		subscriptions.WithRegistrar(models.VendorPipedrive, pd)
	}

	bulk := service.NewBulkSyncService(db, bus, cfg.Sync, &logger)
	if n, err := bulk.Resume(ctx); err != nil {
		logger.Error().Err(err).Msg("resume sync jobs")
	} else if n > 0 {
		logger.Info().Int("jobs", n).Msg("sync jobs resumed")
	}
	defer bulk.Shutdown()

	if cfg.Engine.Enabled {
		go engine.Start(ctx)
	}

	health := service.NewHealthService(db)
	httpServer := api.NewHTTPServer(cfg.API, api.Services{
		DB:            db,
		Webhooks:      service.NewWebhookService(db, &logger),
		Subscriptions: subscriptions,
		Health:        health,
		Conflicts:     service.NewConflictService(db, &logger),
		Sync:          bulk,
		Engine:        engine,
		Coordination:  coordinator,
	}, &logger)

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(cfg.API, health, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
		go grpcServer.WatchHealth(ctx, 15*time.Second)
	}

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(db, cfg.Backup, logging.Component(&logger, "backup"))
		go backupService.Start(ctx)
	}

	startMetrics(ctx, cfg, &logger)

	return startServers(ctx, grpcServer, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(context.Background(), client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// initCoordinator prefers Redis and falls back to process-local locks.
func initCoordinator(client *redis.Client, logger *zerolog.Logger) *repository.FailoverRepository {
	memory := repository.NewMemoryRepository()
	if client == nil {
		return repository.NewFailoverRepository(memory, memory, logger)
	}
	return repository.NewFailoverRepository(repository.NewRedisRepository(client), memory, logger)
}

func subscribeDomainEvents(bus *events.EventBus, logger *zerolog.Logger) {
	eventLogger := logging.Component(logger, "events")
	bus.SubscribeAll(func(e *events.Event) error {
		metrics.IncDomainEvent(e.Type)
		eventLogger.Info().Str("event_type", e.Type).RawJSON("payload", e.Payload).Msg("domain event")
		return nil
	})
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Bool("grpc", grpcServer != nil).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
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
