package main

import (
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/cuongbtq/spot-pipeline/internal/config"
	"github.com/cuongbtq/spot-pipeline/internal/replicate"
	"github.com/cuongbtq/spot-pipeline/shared/logger"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/backend"
)

const serviceName = "store-sync"

func loadConfig(c *cli.Context) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging.Logger(serviceName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, appLogger, nil
}

func openStore(c *cli.Context, cfg *config.Config, name string) (objectstore.Store, error) {
	sc, ok := cfg.Sync.Stores[name]
	if !ok {
		return nil, fmt.Errorf("sync store %q is not defined", name)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("sync store %q: %w", name, err)
	}

	store, err := backend.New(c.Context, sc.BackendConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open store %q: %w", name, err)
	}
	return store, nil
}

func runCopy(c *cli.Context) error {
	cfg, appLogger, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer appLogger.Close()

	if c.IsSet("source") {
		cfg.Sync.Source = c.String("source")
	}
	if c.IsSet("dest") {
		cfg.Sync.Destination = c.String("dest")
	}
	if c.IsSet("container") {
		pairs := make([]config.ContainerPair, 0, len(c.StringSlice("container")))
		for _, raw := range c.StringSlice("container") {
			pair, err := config.ParseContainerPair(raw)
			if err != nil {
				return err
			}
			pairs = append(pairs, pair)
		}
		cfg.Sync.Containers = pairs
	}
	if c.IsSet("concurrency") {
		cfg.Sync.Concurrency = c.Int("concurrency")
	}
	verify := cfg.Sync.Verify || c.Bool("verify")
	dryRun := c.Bool("dry-run")

	if err := cfg.ValidateSyncConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	src, err := openStore(c, cfg, cfg.Sync.Source)
	if err != nil {
		return err
	}
	dst, err := openStore(c, cfg, cfg.Sync.Destination)
	if err != nil {
		return err
	}

	log := appLogger.Logger.With(
		slog.String("source", cfg.Sync.Source),
		slog.String("destination", cfg.Sync.Destination),
	)

	r := replicate.New(src, dst, replicate.Options{
		Concurrency: cfg.Sync.Concurrency,
		Retry:       cfg.Queue.Retry.Policy(),
	}, log, nil)

	out := c.App.Writer
	failed := 0
	for _, pair := range cfg.Sync.Containers {
		report, err := r.Run(c.Context, replicate.Request{
			SourceContainer: pair.Source,
			DestContainer:   pair.Destination,
			Prefix:          c.String("prefix"),
			DryRun:          dryRun,
			Verify:          verify,
		})
		if err != nil {
			return fmt.Errorf("copy of container %s aborted: %w", pair, err)
		}

		fmt.Fprintf(out, "%s: listed=%d copied=%d skipped=%d failed=%d bytes=%d\n",
			pair, report.Listed, report.Copied, report.Skipped, len(report.Failures), report.Bytes)
		for _, key := range report.Planned {
			fmt.Fprintf(out, "would copy %s/%s to %s/%s\n", pair.Source, key, pair.Destination, key)
		}
		for _, f := range report.Failures {
			fmt.Fprintf(c.App.ErrWriter, "failed %s/%s: %v\n", pair.Source, f.Key, f.Err)
		}
		failed += len(report.Failures)
	}

	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d objects failed to copy; re-run to retry them", failed), 1)
	}
	return nil
}

func runList(c *cli.Context) error {
	cfg, appLogger, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer appLogger.Close()

	store, err := openStore(c, cfg, c.String("store"))
	if err != nil {
		return err
	}

	var count int
	var total int64
	err = objectstore.Walk(c.Context, store, c.String("container"), c.String("prefix"), func(obj objectstore.ObjectInfo) error {
		fmt.Fprintf(c.App.Writer, "%10d  %s\n", obj.Size, obj.Key)
		count++
		total += obj.Size
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", c.String("container"), err)
	}

	fmt.Fprintf(c.App.Writer, "%d objects, %d bytes\n", count, total)
	return nil
}
