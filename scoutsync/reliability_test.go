// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTracker_Record(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	tr := n.engine.Tracker()

	require.NoError(t, tr.Record(ctx, 1, StepPushLocal, true, 100*time.Millisecond))
	require.NoError(t, tr.Record(ctx, 1, StepPushLocal, true, 300*time.Millisecond))
	require.NoError(t, tr.Record(ctx, 1, StepPushLocal, false, 200*time.Millisecond))
	require.NoError(t, tr.Record(ctx, 1, StepPushLocal, false, 200*time.Millisecond))

	m, err := tr.Get(ctx, 1, StepPushLocal)
	require.NoError(t, err)
	require.EqualValues(t, 2, m.SuccessCount)
	require.EqualValues(t, 2, m.FailureCount)
	require.Equal(t, 2, m.ConsecutiveFailures)
	require.InDelta(t, 0.5, m.ReliabilityScore, 1e-9)
	require.Equal(t, 200*time.Millisecond, m.AvgDuration)
	require.NotNil(t, m.LastSuccess)
	require.NotNil(t, m.LastFailure)

	zero, err := tr.Get(ctx, 2, StepPushLocal)
	require.NoError(t, err)
	require.Zero(t, zero.SuccessCount)
	require.Zero(t, zero.ReliabilityScore)

	// Aggregates survive a fresh tracker over the same storage.
	fresh := NewTracker(n.core, time.Minute, time.Hour)
	m2, err := fresh.Get(ctx, 1, StepPushLocal)
	require.NoError(t, err)
	require.Equal(t, m.SuccessCount, m2.SuccessCount)
	require.Equal(t, m.ConsecutiveFailures, m2.ConsecutiveFailures)

	list, err := fresh.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestTracker_BackoffDoubles(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	tr := NewTracker(n.core, time.Second, 5*time.Second)
	clock := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	_, waiting, err := tr.Backoff(ctx, 1)
	require.NoError(t, err)
	require.False(t, waiting)

	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second} {
		require.NoError(t, tr.Record(ctx, 1, OpTypeCycle, false, time.Millisecond))
		until, waiting, err := tr.Backoff(ctx, 1)
		require.NoError(t, err)
		require.True(t, waiting, "failure %d", i+1)
		require.True(t, clock.Add(want).Equal(until), "failure %d: %s", i+1, until)
	}

	clock = clock.Add(10 * time.Second)
	_, waiting, err = tr.Backoff(ctx, 1)
	require.NoError(t, err)
	require.False(t, waiting)

	require.NoError(t, tr.Record(ctx, 1, OpTypeCycle, true, time.Millisecond))
	require.NoError(t, tr.Record(ctx, 1, OpTypeCycle, false, time.Millisecond))
	until, _, err := tr.Backoff(ctx, 1)
	require.NoError(t, err)
	require.True(t, clock.Add(time.Second).Equal(until))
}
