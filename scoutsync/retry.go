// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is the single retry and timeout policy of every network call.
type RetryPolicy struct {
	Attempts       int           `yaml:"attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	BulkTimeout    time.Duration `yaml:"bulk_timeout"`
	MaxBulkTimeout time.Duration `yaml:"max_bulk_timeout"`
	// RecordsPerSecond widens the bulk timeout by one second per this many records.
	RecordsPerSecond int `yaml:"records_per_second"`
}

// DefaultRetryPolicy: 3 attempts, backoff 1s, 2s, 4s capped at 8s; ping 10s;
// bulk 30s plus 1s per 50 records, capped at 180s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:         3,
		BaseDelay:        time.Second,
		MaxDelay:         8 * time.Second,
		PingTimeout:      10 * time.Second,
		BulkTimeout:      30 * time.Second,
		MaxBulkTimeout:   180 * time.Second,
		RecordsPerSecond: 50,
	}
}

// delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// bulkTimeout scales the transfer timeout with the batch size.
func (p RetryPolicy) bulkTimeout(records int) time.Duration {
	t := p.BulkTimeout
	if p.RecordsPerSecond > 0 {
		t += time.Duration(records/p.RecordsPerSecond) * time.Second
	}
	if p.MaxBulkTimeout > 0 && t > p.MaxBulkTimeout {
		t = p.MaxBulkTimeout
	}
	return t
}

// openEndedTimeout bounds transfers whose size is unknown until the reply arrives.
func (p RetryPolicy) openEndedTimeout() time.Duration {
	if p.MaxBulkTimeout > 0 {
		return p.MaxBulkTimeout
	}
	return p.BulkTimeout
}

// permanentError stops the retry loop; the peer answered and retrying cannot help.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// withRetry runs fn up to p.Attempts times with exponential backoff.
func withRetry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) || ctx.Err() != nil {
			return err
		}
		if attempt < attempts {
			if serr := sleepWithContext(ctx, p.delay(attempt)); serr != nil {
				return err
			}
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
