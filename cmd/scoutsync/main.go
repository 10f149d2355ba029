// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/frcscout/go-scoutsync/internal/config"
	"github.com/frcscout/go-scoutsync/scoutsync"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
}

// app bundles what every subcommand needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *scoutsync.Engine
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	partitions, err := scoutsync.OpenPartitions(ctx, cfg.Partitions, cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	engine, err := scoutsync.NewEngine(ctx, partitions, cfg.Engine(), logger)
	if err != nil {
		partitions.Close()
		return nil, err
	}
	for _, p := range cfg.SeedPeers() {
		if _, err := engine.Peers().Upsert(ctx, p); err != nil {
			engine.Close()
			return nil, fmt.Errorf("failed to seed peer %s: %w", p.Name, err)
		}
	}
	return &app{cfg: cfg, logger: logger, engine: engine}, nil
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		a.logger.Warn("failed to close partitions", "error", err)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "scoutsync",
		Short:         "Replicate scouting data between peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := cmd.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "scoutsync.yaml", "path to the YAML configuration file")
	f.StringVar(&opts.envFile, "env-file", ".env", "optional .env file with SCOUTSYNC_* variables")

	cmd.AddCommand(
		newServeCmd(opts),
		newSyncCmd(opts),
		newFullSyncCmd(opts),
		newPeersCmd(opts),
		newCaptureCmd(opts),
		newPruneCmd(opts),
	)
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
