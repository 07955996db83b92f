// Package main provides the stuck-flow sweeper daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/relokate/masterflow/pkg/cmd"
	"github.com/relokate/masterflow/pkg/log"
	"github.com/relokate/masterflow/pkg/phases"
	"github.com/relokate/masterflow/pkg/sweeper"
)

func main() {
	command := &cli.Command{
		Name:                  "masterflow-sweeper",
		Usage:                 "Reconcile stuck flows and purge soft-deleted data",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewRunCommand(),
		},
		Flags: sweeperFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			return runScheduled(ctx, command)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func sweeperFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for distributed flow locks (empty for process-local locks)",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "schedule",
			Usage:   "Cron expression for the periodic sweep",
			Value:   "*/5 * * * *",
			Sources: cli.EnvVars("SWEEP_SCHEDULE"),
		},
		&cli.StringFlag{
			Name:    "cleanup-schedule",
			Usage:   "Cron expression for the orphaned-data cleanup",
			Value:   "0 3 * * *",
			Sources: cli.EnvVars("CLEANUP_SCHEDULE"),
		},
		&cli.DurationFlag{
			Name:    "stuck-threshold",
			Usage:   "How long a flow may sit without updates before it is considered stuck",
			Value:   sweeper.DefaultStuckThreshold,
			Sources: cli.EnvVars("STUCK_THRESHOLD"),
		},
		&cli.DurationFlag{
			Name:    "orphan-age",
			Usage:   "How long soft-deleted rows are retained before physical removal",
			Value:   sweeper.DefaultOrphanAge,
			Sources: cli.EnvVars("ORPHAN_AGE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

func buildSweeper(ctx context.Context, command *cli.Command) (*sweeper.Sweeper, func(), error) {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("sweeper")

	persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
	locker := cmd.NewFlowLocker(ctx, logger, command.String("redis-url"))

	cleanup := func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}

		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}

	sw := sweeper.NewSweeper(sweeper.Config{
		Logger:      logger,
		Persistence: persistence,
		Registry:    phases.NewRegistry(),
		Locker:      locker,
		Publisher:   eventBus,
		Threshold:   command.Duration("stuck-threshold"),
		OrphanAge:   command.Duration("orphan-age"),
	})

	return sw, cleanup, nil
}

func runScheduled(ctx context.Context, command *cli.Command) error {
	sw, cleanup, err := buildSweeper(ctx, command)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := log.WithModule("sweeper")

	scheduler := cron.New()

	_, err = scheduler.AddFunc(command.String("schedule"), func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()

		reconciled, err := sw.Sweep(sweepCtx)
		if err != nil {
			logger.ErrorContext(sweepCtx, "Sweep failed", "error", err)

			return
		}

		logger.InfoContext(sweepCtx, "Sweep finished", "reconciled", reconciled)
	})
	if err != nil {
		return err
	}

	_, err = scheduler.AddFunc(command.String("cleanup-schedule"), func() {
		cleanupCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()

		purged, err := sw.CleanupOrphanedData(cleanupCtx)
		if err != nil {
			logger.ErrorContext(cleanupCtx, "Cleanup failed", "error", err)

			return
		}

		logger.InfoContext(cleanupCtx, "Cleanup finished", "purged", purged)
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Starting sweeper",
		"schedule", command.String("schedule"),
		"cleanup_schedule", command.String("cleanup-schedule"))

	scheduler.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.InfoContext(ctx, "Shutting down sweeper")
	<-scheduler.Stop().Done()

	return nil
}
