// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SyncAll runs one cycle against every contactable peer that is not in backoff,
// at most MaxConcurrentPeers at a time. Peers already syncing are skipped.
func (e *Engine) SyncAll(ctx context.Context) ([]*CycleReport, error) {
	peers, err := e.peers.List(ctx, true)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var reports []*CycleReport

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.config.MaxConcurrentPeers, 1))
	for i := range peers {
		peer := peers[i]
		until, waiting, err := e.tracker.Backoff(gctx, peer.ID)
		if err != nil {
			e.logger.Warn("failed to read peer backoff", "peer", peer.Name, "error", err)
		} else if waiting {
			e.logger.Debug("peer in backoff, skipping", "peer", peer.Name, "until", until)
			continue
		}
		g.Go(func() error {
			report, err := e.RunCycle(gctx, peer.ID)
			if err != nil {
				if !errors.Is(err, ErrCycleInProgress) {
					e.logger.Warn("sync cycle not started", "peer", peer.Name, "error", err)
				}
				return nil
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return reports, err
}

// Start runs the background scheduler until ctx is cancelled: a sync round
// every SyncInterval and change-log pruning every PruneInterval.
func (e *Engine) Start(ctx context.Context) error {
	interval := e.config.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	pruneEvery := e.config.PruneInterval
	if pruneEvery <= 0 {
		pruneEvery = DefaultPruneInterval
	}

	syncTicker := time.NewTicker(interval)
	defer syncTicker.Stop()
	pruneTicker := time.NewTicker(pruneEvery)
	defer pruneTicker.Stop()

	e.logger.Info("sync scheduler started", "interval", interval, "prune_interval", pruneEvery)
	e.runRound(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync scheduler stopped")
			return nil
		case <-syncTicker.C:
			e.runRound(ctx)
		case <-pruneTicker.C:
			if _, err := e.Prune(ctx); err != nil {
				e.logger.Warn("change log pruning failed", "error", err)
			}
		}
	}
}

func (e *Engine) runRound(ctx context.Context) {
	reports, err := e.SyncAll(ctx)
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("sync round failed", "error", err)
		return
	}
	if len(reports) > 0 {
		e.logger.Debug("sync round finished", "cycles", len(reports))
	}
}
