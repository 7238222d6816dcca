// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gatekeep/gatekeep/internal/config"
)

// NewSweepCmd creates the sweep subcommand.
func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired sessions and reservations once",
		Long: `Run one sweep of expired sessions and lapsed registration
reservations, for deployments that schedule cleanup externally.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runSweep(cmd, cfg, newLogger(cfg, cmd.ErrOrStderr()), openBackend)
		},
	}
}

func runSweep(
	cmd *cobra.Command,
	cfg *config.Config,
	logger *slog.Logger,
	open func(context.Context, *config.Config, *slog.Logger) (*backend, error),
) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	b, err := open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	c, err := buildComponents(cfg, b, logger, nil)
	if err != nil {
		return err
	}

	result, err := c.sweeper.SweepOnce(ctx)
	cmd.Printf("Removed %d expired sessions and %d expired reservations\n", result.Sessions, result.Reservations)
	return err
}
