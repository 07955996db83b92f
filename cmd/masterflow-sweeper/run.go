package main

import (
	"context"

	cli "github.com/urfave/cli/v3"

	"github.com/relokate/masterflow/pkg/log"
)

// NewRunCommand performs one sweep immediately and exits. Useful for
// operators reconciling a known-stuck flow without waiting for the schedule.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Run a single sweep and exit",
		Flags:   sweeperFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			sw, cleanup, err := buildSweeper(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			logger := log.WithModule("sweeper")

			reconciled, err := sw.Sweep(ctx)
			if err != nil {
				return err
			}

			purged, err := sw.CleanupOrphanedData(ctx)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Sweep finished", "reconciled", reconciled, "purged", purged)

			return nil
		},
	}
}
