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
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/spot-pipeline/internal/config"
	"github.com/cuongbtq/spot-pipeline/internal/events"
	"github.com/cuongbtq/spot-pipeline/internal/observability"
	"github.com/cuongbtq/spot-pipeline/internal/queue"
	"github.com/cuongbtq/spot-pipeline/internal/storage"
	"github.com/cuongbtq/spot-pipeline/internal/transform"
	"github.com/cuongbtq/spot-pipeline/internal/worker"
	"github.com/cuongbtq/spot-pipeline/shared/logger"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/backend"
	"github.com/cuongbtq/spot-pipeline/shared/postgresql"
	"github.com/cuongbtq/spot-pipeline/shared/rabbitmq"
)

const serviceName = "worker-service"

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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	once := flag.Bool("once", false, "Run a single poll cycle and exit")
	workerID := flag.String("id", "", "Worker id (defaults to worker.id or hostname)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if *workerID != "" {
		cfg.Worker.ID = *workerID
	}
	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaultWorkerID()
	}

	// Initialize logger
	appLogger, err := logger.New(cfg.Logging.Logger(serviceName))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerLogger := appLogger.Logger.With(slog.String("worker_id", cfg.Worker.ID))

	workerLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("storage_backend", cfg.Storage.Backend),
		slog.String("lease_mode", cfg.Queue.Lease.Mode),
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
	}, workerLogger)

	// Initialize claim leaser
	leaser, closeLeaser, err := initLeaser(ctx, cfg, store, workerLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize lease mode %q: %w", cfg.Queue.Lease.Mode, err)
	}
	defer closeLeaser()

	// Initialize metrics
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		var shutdownMetrics func()
		metrics, shutdownMetrics, err = initMetricsServer(cfg, workerLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		defer shutdownMetrics()
	}

	// Initialize event publisher
	publisher := events.Publisher(events.Noop{})
	if cfg.Events.Enabled {
		client, err := rabbitmq.NewClient(cfg.Events.RabbitMQ.Client(), workerLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		publisher = events.NewRabbitPublisher(client, workerLogger)
	}
	defer publisher.Close()

	retryPolicy := cfg.Queue.Retry.Policy()

	q := queue.New(st, queue.Config{
		StaleAfter:  cfg.Queue.StaleAfter,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Retry:       retryPolicy,
	}, workerLogger,
		queue.WithLeaser(leaser),
		queue.WithPublisher(publisher),
		queue.WithMetrics(metrics),
	)

	w := worker.NewWorker(q, st,
		transform.NewGrayscale(transform.Options{MaxDimension: cfg.Worker.MaxDimension}, workerLogger),
		worker.Config{
			ID:           cfg.Worker.ID,
			PollInterval: cfg.Worker.PollInterval,
			MaxBackoff:   cfg.Worker.MaxBackoff,
			JobTimeout:   cfg.Worker.JobTimeout,
			Retry:        retryPolicy,
		},
		workerLogger,
		metrics,
	)

	if *once {
		found, err := w.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("poll cycle failed: %w", err)
		}
		workerLogger.Info("Single poll cycle finished", slog.Bool("claimed", found))
		return nil
	}

	go func() {
		if err := w.Run(ctx); err != nil {
			workerLogger.Error("Worker error", slog.Any("error", err))
		}
	}()

	workerLogger.Info("Worker service started successfully")

	<-ctx.Done()
	workerLogger.Info("Received signal, shutting down gracefully")

	select {
	case <-w.Done():
		workerLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		workerLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	workerLogger.Info("Worker service shutdown complete")
	return nil
}

// defaultWorkerID combines the hostname with a short random suffix so
// restarted processes on the same host never share an id.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

// initLeaser builds the leaser for the configured lease mode
func initLeaser(ctx context.Context, cfg *config.Config, store objectstore.Store, logger *slog.Logger) (queue.Leaser, func(), error) {
	switch cfg.Queue.Lease.Mode {
	case queue.LeaseModeConditional:
		leaser, err := queue.NewObjectLeaser(store, cfg.Queue.Containers.Jobs, cfg.Queue.StaleAfter)
		if err != nil {
			return nil, nil, err
		}
		return leaser, func() {}, nil

	case queue.LeaseModePostgres:
		client, err := postgresql.NewClient(ctx, cfg.Queue.Lease.Database.Postgres(), logger)
		if err != nil {
			return nil, nil, err
		}
		leaser := queue.NewPostgresLeaser(client.GetDB(), cfg.Queue.StaleAfter)
		if err := leaser.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return leaser, func() { client.Close() }, nil

	default:
		return queue.NoopLeaser{}, func() {}, nil
	}
}

// initMetricsServer exposes /metrics and /health on the metrics port
func initMetricsServer(cfg *config.Config, logger *slog.Logger) (*observability.Metrics, func(), error) {
	handler, shutdownProvider, err := observability.InitMetrics()
	if err != nil {
		return nil, nil, err
	}

	metrics, err := observability.NewGlobalMetrics()
	if err != nil {
		shutdownProvider(context.Background())
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		shutdownProvider(ctx)
	}
	return metrics, shutdown, nil
}
