// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPruneCmd(opts *rootOptions) *cobra.Command {
	var resetFailed bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete completed change-log entries past the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.engine.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d completed changes\n", removed)

			if resetFailed {
				var total int64
				for _, p := range a.engine.Partitions().All() {
					n, err := a.engine.ChangeLog().ResetFailed(cmd.Context(), p.Name)
					if err != nil {
						return err
					}
					total += n
				}
				fmt.Printf("requeued %d failed changes\n", total)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetFailed, "reset-failed", false, "also move failed changes back to pending")
	return cmd
}
