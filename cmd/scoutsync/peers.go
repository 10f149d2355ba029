// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/frcscout/go-scoutsync/scoutsync"
	"github.com/spf13/cobra"
)

func newPeersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage the peer registry",
	}
	cmd.AddCommand(newPeersListCmd(opts), newPeersAddCmd(opts), newPeersDisableCmd(opts))
	return cmd
}

func newPeersListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			peers, err := a.engine.Peers().List(cmd.Context(), false)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tURL\tACTIVE\tENABLED\tERRORS\tLAST SYNC")
			for _, p := range peers {
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%t\t%d\t%s\n",
					p.ID, p.Name, p.BaseURL(), p.IsActive, p.SyncEnabled, p.ErrorCount, formatOptional(p.LastSync))
			}
			return w.Flush()
		},
	}
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func newPeersAddCmd(opts *rootOptions) *cobra.Command {
	var peer scoutsync.Peer
	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Register a peer",
		Example: "  scoutsync peers add --name pit --host 10.0.0.5 --port 8080",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			added, err := a.engine.Peers().Add(cmd.Context(), peer)
			if err != nil {
				return err
			}
			fmt.Printf("added peer %d (%s) at %s\n", added.ID, added.Name, added.BaseURL())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&peer.Name, "name", "", "unique peer name")
	f.StringVar(&peer.Host, "host", "", "peer host or IP address")
	f.IntVar(&peer.Port, "port", 8080, "peer port")
	f.StringVar(&peer.Protocol, "protocol", "http", "http or https")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func newPeersDisableCmd(opts *rootOptions) *cobra.Command {
	var deactivate bool
	cmd := &cobra.Command{
		Use:   "disable NAME",
		Short: "Stop syncing with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			peer, err := a.engine.Peers().GetByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if deactivate {
				err = a.engine.Peers().Deactivate(cmd.Context(), peer.ID)
			} else {
				err = a.engine.Peers().SetSyncEnabled(cmd.Context(), peer.ID, false)
			}
			if err != nil {
				return err
			}
			fmt.Printf("disabled peer %s\n", peer.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&deactivate, "deactivate", false, "mark the peer inactive instead of only disabling sync")
	return cmd
}
