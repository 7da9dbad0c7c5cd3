package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/spot-pipeline/internal/api/cache"
	"github.com/cuongbtq/spot-pipeline/internal/api/handler"
	"github.com/cuongbtq/spot-pipeline/internal/api/router"
	"github.com/cuongbtq/spot-pipeline/internal/config"
	"github.com/cuongbtq/spot-pipeline/internal/events"
	"github.com/cuongbtq/spot-pipeline/internal/observability"
	"github.com/cuongbtq/spot-pipeline/internal/queue"
	"github.com/cuongbtq/spot-pipeline/internal/storage"
	"github.com/cuongbtq/spot-pipeline/shared/logger"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/backend"
	"github.com/cuongbtq/spot-pipeline/shared/rabbitmq"
)

const serviceName = "api-service"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := config.LoadEnv(); err != nil {
		return err
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.New(cfg.Logging.Logger(serviceName))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("storage_backend", cfg.Storage.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize object store
	store, err := backend.New(ctx, cfg.Storage.BackendConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := backend.EnsureContainers(ctx, store, cfg.Queue.Containers.Jobs, cfg.Queue.Containers.Data); err != nil {
		return fmt.Errorf("failed to prepare storage containers: %w", err)
	}

	st := storage.NewStorage(store, storage.Containers{
		Jobs: cfg.Queue.Containers.Jobs,
		Data: cfg.Queue.Containers.Data,
	}, appLogger.Logger)

	// Initialize metrics
	var metricsHandler http.Handler
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		promHandler, shutdown, err := observability.InitMetrics()
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		defer shutdown(context.Background())

		metrics, err = observability.NewGlobalMetrics()
		if err != nil {
			return fmt.Errorf("failed to create metric instruments: %w", err)
		}
		metricsHandler = promHandler
	}

	// Initialize event publisher
	publisher, err := initPublisher(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer publisher.Close()

	// Initialize status cache
	statusCache, closeCache, err := initCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer closeCache()

	q := queue.New(st, queue.Config{
		StaleAfter:  cfg.Queue.StaleAfter,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Retry:       cfg.Queue.Retry.Policy(),
	}, appLogger.Logger, queue.WithPublisher(publisher), queue.WithMetrics(metrics))

	// Initialize router
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:        appLogger.Logger,
		Queue:         q,
		Storage:       st,
		Cache:         statusCache,
		MaxUploadSize: cfg.Server.MaxUploadSize,
	}, router.Options{
		ServiceName:    serviceName,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsHandler: metricsHandler,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initPublisher connects to RabbitMQ when events are enabled
func initPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if !cfg.Events.Enabled {
		return events.Noop{}, nil
	}

	client, err := rabbitmq.NewClient(cfg.Events.RabbitMQ.Client(), logger)
	if err != nil {
		return nil, err
	}
	return events.NewRabbitPublisher(client, logger), nil
}

// initCache connects to Redis when the status cache is enabled
func initCache(ctx context.Context, cfg *config.Config) (cache.StatusCache, func(), error) {
	if !cfg.Cache.Enabled {
		return cache.Noop{}, func() {}, nil
	}

	client, err := cache.NewRedisClient(ctx, cache.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedis(client, cfg.Cache.TTL), func() { client.Close() }, nil
}
