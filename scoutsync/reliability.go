// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ReliabilityMetric aggregates outcomes of one operation type against one peer.
// It drives health reporting and backoff only, never correctness.
type ReliabilityMetric struct {
	PeerID              int64         `json:"peer_id"`
	OperationType       string        `json:"operation_type"`
	SuccessCount        int64         `json:"success_count"`
	FailureCount        int64         `json:"failure_count"`
	AvgDuration         time.Duration `json:"avg_duration_ns"`
	ReliabilityScore    float64       `json:"reliability_score"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	LastFailure         *time.Time    `json:"last_failure,omitempty"`
}

type reliabilityKey struct {
	peerID int64
	op     string
}

// Tracker keeps ReliabilityMetrics in sync_reliability with an in-memory cache.
type Tracker struct {
	db          *sql.DB
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time

	mu    sync.Mutex
	cache map[reliabilityKey]*ReliabilityMetric
}

func NewTracker(db *sql.DB, backoffBase, backoffMax time.Duration) *Tracker {
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	if backoffMax < backoffBase {
		backoffMax = DefaultBackoffMax
	}
	return &Tracker{
		db:          db,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		now:         time.Now,
		cache:       make(map[reliabilityKey]*ReliabilityMetric),
	}
}

const reliabilityColumns = `peer_id, operation_type, success_count, failure_count, avg_duration, reliability_score, consecutive_fails, last_success, last_failure`

func scanReliability(row rowScanner) (*ReliabilityMetric, error) {
	var (
		m           ReliabilityMetric
		avgSeconds  float64
		lastSuccess sql.NullString
		lastFailure sql.NullString
	)
	if err := row.Scan(&m.PeerID, &m.OperationType, &m.SuccessCount, &m.FailureCount, &avgSeconds,
		&m.ReliabilityScore, &m.ConsecutiveFailures, &lastSuccess, &lastFailure); err != nil {
		return nil, err
	}
	m.AvgDuration = time.Duration(avgSeconds * float64(time.Second))
	m.LastSuccess = parseNullTime(lastSuccess)
	m.LastFailure = parseNullTime(lastFailure)
	return &m, nil
}

// load returns the cached metric, reading it from storage on first use. Caller holds mu.
func (t *Tracker) load(ctx context.Context, k reliabilityKey) (*ReliabilityMetric, error) {
	if m, ok := t.cache[k]; ok {
		return m, nil
	}
	m, err := scanReliability(t.db.QueryRowContext(ctx,
		`SELECT `+reliabilityColumns+` FROM sync_reliability WHERE peer_id = ? AND operation_type = ?`, k.peerID, k.op))
	if errors.Is(err, sql.ErrNoRows) {
		m = &ReliabilityMetric{PeerID: k.peerID, OperationType: k.op}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load reliability metric: %w", err)
	}
	t.cache[k] = m
	return m, nil
}

// Record folds one outcome into the running aggregates.
func (t *Tracker) Record(ctx context.Context, peerID int64, op string, success bool, d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := reliabilityKey{peerID: peerID, op: op}
	cur, err := t.load(ctx, k)
	if err != nil {
		return err
	}
	m := *cur
	now := t.now().UTC()
	if success {
		m.SuccessCount++
		m.ConsecutiveFailures = 0
		m.LastSuccess = &now
	} else {
		m.FailureCount++
		m.ConsecutiveFailures++
		m.LastFailure = &now
	}
	total := m.SuccessCount + m.FailureCount
	m.AvgDuration += (d - m.AvgDuration) / time.Duration(total)
	m.ReliabilityScore = float64(m.SuccessCount) / float64(total)

	_, err = t.db.ExecContext(ctx, `INSERT INTO sync_reliability (`+reliabilityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id, operation_type) DO UPDATE SET
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			avg_duration = excluded.avg_duration,
			reliability_score = excluded.reliability_score,
			consecutive_fails = excluded.consecutive_fails,
			last_success = excluded.last_success,
			last_failure = excluded.last_failure`,
		m.PeerID, m.OperationType, m.SuccessCount, m.FailureCount, m.AvgDuration.Seconds(), m.ReliabilityScore,
		m.ConsecutiveFailures, nullTime(m.LastSuccess), nullTime(m.LastFailure))
	if err != nil {
		return fmt.Errorf("failed to store reliability metric: %w", err)
	}
	*cur = m
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// Get returns a copy of one metric; a peer never contacted has a zero metric.
func (t *Tracker) Get(ctx context.Context, peerID int64, op string) (ReliabilityMetric, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, err := t.load(ctx, reliabilityKey{peerID: peerID, op: op})
	if err != nil {
		return ReliabilityMetric{}, err
	}
	return *m, nil
}

// List returns every stored metric ordered by peer and operation.
func (t *Tracker) List(ctx context.Context) ([]ReliabilityMetric, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT `+reliabilityColumns+` FROM sync_reliability ORDER BY peer_id, operation_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reliability metrics: %w", err)
	}
	defer rows.Close()
	var out []ReliabilityMetric
	for rows.Next() {
		m, err := scanReliability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Backoff reports whether the scheduler should leave the peer alone and until when.
// The delay doubles with every consecutive failed cycle, from backoffBase up to backoffMax.
func (t *Tracker) Backoff(ctx context.Context, peerID int64) (time.Time, bool, error) {
	m, err := t.Get(ctx, peerID, OpTypeCycle)
	if err != nil {
		return time.Time{}, false, err
	}
	if m.ConsecutiveFailures == 0 || m.LastFailure == nil {
		return time.Time{}, false, nil
	}
	delay := t.backoffBase
	for i := 1; i < m.ConsecutiveFailures && delay < t.backoffMax; i++ {
		delay *= 2
	}
	delay = min(delay, t.backoffMax)
	until := m.LastFailure.Add(delay)
	return until, t.now().Before(until), nil
}
