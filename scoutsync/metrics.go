// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"time"
)

const (
	MetricsOpCycle    = "cycle"
	MetricsOpFullSync = "full_sync"
	MetricsOpReceive  = "receive"
	MetricsOpServe    = "serve"

	MetricsStageTotal = "total"

	// Receive-side stages.
	MetricsStageReceiveDecode = "decode"
	MetricsStageReceiveApply  = "apply"

	// Serve-side stages.
	MetricsStageServeCapture = "capture"
	MetricsStageServeEncode  = "encode"
)

// StageTiming is one measured step. Cycle steps use the Step* names as Stage.
type StageTiming struct {
	Operation string
	Stage     string
	Peer      string
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (e *Engine) stageTimingEnabled() bool {
	return e != nil && (e.config.StageMetrics != nil || e.config.LogStageTimings)
}

func (e *Engine) stageStart() time.Time {
	if !e.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (e *Engine) observeStage(ctx context.Context, op, stage, peer string, start time.Time, count int, hadError bool) {
	if start.IsZero() || e == nil {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Peer:      peer,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}

	if e.config.StageMetrics != nil {
		e.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if e.config.LogStageTimings {
		e.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"peer", timing.Peer,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
