// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/frcscout/go-scoutsync/scoutsync"
	"github.com/spf13/cobra"
)

func newCaptureCmd(opts *rootOptions) *cobra.Command {
	var since string
	var lookback time.Duration
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Print local changes as wire JSON",
		Example: "  scoutsync capture --since 2025-03-01T00:00:00Z\n" +
			"  scoutsync capture --lookback 2h",
		RunE: func(cmd *cobra.Command, args []string) error {
			from := time.Now().Add(-lookback)
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				from = t
			}

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.CaptureChanges(cmd.Context(), from)
			if err != nil {
				return err
			}
			for _, terr := range res.Errors {
				a.logger.Warn("capture problem", "error", terr)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(scoutsync.ChangesResponse{
				Changes:    scoutsync.ToWire(res.Changes),
				ServerID:   a.engine.ServerID(),
				Timestamp:  time.Now().UTC(),
				Format:     scoutsync.WireFormat,
				TotalCount: len(res.Changes),
				Checksum:   scoutsync.BatchChecksum(res.Changes),
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 start time (overrides --lookback)")
	cmd.Flags().DurationVar(&lookback, "lookback", 24*time.Hour, "capture window ending now")
	return cmd
}
