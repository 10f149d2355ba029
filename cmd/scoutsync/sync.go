// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/frcscout/go-scoutsync/scoutsync"
	"github.com/spf13/cobra"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var peerName string
	cmd := &cobra.Command{
		Use:     "sync",
		Short:   "Run one sync cycle against a peer",
		Example: "  scoutsync sync --peer pit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), opts, peerName, false)
		},
	}
	cmd.Flags().StringVar(&peerName, "peer", "", "peer name")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}

func newFullSyncCmd(opts *rootOptions) *cobra.Command {
	var peerName string
	cmd := &cobra.Command{
		Use:     "full-sync",
		Short:   "Exchange complete datasets with a peer",
		Example: "  scoutsync full-sync --peer pit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), opts, peerName, true)
		},
	}
	cmd.Flags().StringVar(&peerName, "peer", "", "peer name")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}

func runOnce(ctx context.Context, opts *rootOptions, peerName string, full bool) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	peer, err := a.engine.Peers().GetByName(ctx, peerName)
	if err != nil {
		return err
	}
	run := a.engine.RunCycle
	if full {
		run = a.engine.RunFullSync
	}
	report, err := run(ctx, peer.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Status != scoutsync.CycleCompleted {
		return fmt.Errorf("sync with %s finished with status %s", peer.Name, report.Status)
	}
	return nil
}
