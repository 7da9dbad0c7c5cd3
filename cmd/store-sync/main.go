// Command store-sync copies pipeline containers between object stores for
// a cold cutover: stop writers, copy, repoint the services, restart.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/cuongbtq/spot-pipeline/internal/config"
)

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Printf("warning: could not load .env file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newConfigFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to configuration file",
		Value:   "configs/store-sync/config.yaml",
		EnvVars: []string{"STORE_SYNC_CONFIG_PATH"},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "store-sync",
		Usage: "Copy pipeline data between object stores",
		Flags: []cli.Flag{
			newConfigFlag(),
		},
		Commands: []*cli.Command{
			{
				Name:  "copy",
				Usage: "Copy every object the destination is missing",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source",
						Usage: "Source store name (overrides sync.source)",
					},
					&cli.StringFlag{
						Name:  "dest",
						Usage: "Destination store name (overrides sync.destination)",
					},
					&cli.StringSliceFlag{
						Name:  "container",
						Usage: "Container to copy as name or source:destination; repeatable (overrides sync.containers)",
					},
					&cli.StringFlag{
						Name:  "prefix",
						Usage: "Only copy keys under this prefix",
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "Objects copied in parallel (overrides sync.concurrency)",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "List what would be copied without writing",
					},
					&cli.BoolFlag{
						Name:  "verify",
						Usage: "Re-stat every copied object",
					},
				},
				Action: runCopy,
			},
			{
				Name:  "ls",
				Usage: "List objects in a store container",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "store",
						Usage:    "Store name from sync.stores",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "container",
						Usage:    "Container to list",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "prefix",
						Usage: "Only list keys under this prefix",
					},
				},
				Action: runList,
			},
		},
	}
}
