// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	var got []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		got = append(got, p.delay(attempt))
	}
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}, got)
}

func TestRetryPolicy_BulkTimeout(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, 30*time.Second, p.bulkTimeout(0))
	require.Equal(t, 30*time.Second, p.bulkTimeout(49))
	require.Equal(t, 40*time.Second, p.bulkTimeout(500))
	require.Equal(t, 180*time.Second, p.bulkTimeout(100000))
	require.Equal(t, 180*time.Second, p.openEndedTimeout())

	p.MaxBulkTimeout = 0
	require.Equal(t, 30*time.Second, p.openEndedTimeout())
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	p := fastRetry()

	calls := 0
	err := withRetry(ctx, p, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = withRetry(ctx, p, func(int) error {
		calls++
		return errors.New("still down")
	})
	require.EqualError(t, err, "still down")
	require.Equal(t, 3, calls)

	calls = 0
	rejected := errors.New("bad request")
	err = withRetry(ctx, p, func(int) error {
		calls++
		return permanent(rejected)
	})
	require.ErrorIs(t, err, rejected)
	require.Equal(t, 1, calls)
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastRetry()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour

	calls := 0
	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := withRetry(ctx, p, func(int) error {
		calls++
		return errors.New("unreachable")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Less(t, time.Since(start), time.Minute)
}
