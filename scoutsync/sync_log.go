// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SyncLogEntry is one persisted cycle or full-sync report.
type SyncLogEntry struct {
	ID            string          `json:"id"`
	PeerID        int64           `json:"peer_id"`
	PeerName      string          `json:"peer_name"`
	OperationType string          `json:"operation_type"`
	Status        string          `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	Pushed        int             `json:"pushed"`
	Pulled        int             `json:"pulled"`
	Applied       int             `json:"applied"`
	Conflicts     int             `json:"conflicts"`
	Report        json.RawMessage `json:"report"`
}

// SyncLog stores cycle reports in sync_log.
type SyncLog struct {
	db *sql.DB
}

func NewSyncLog(db *sql.DB) *SyncLog {
	return &SyncLog{db: db}
}

// Write persists a finished report.
func (l *SyncLog) Write(ctx context.Context, r *CycleReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode cycle report: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO sync_log
		(id, peer_id, peer_name, operation_type, status, started_at, finished_at, pushed, pulled, applied, conflicts, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CycleID, r.PeerID, r.PeerName, r.OperationType, r.Status,
		formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.Pushed, r.Pulled, r.Applied, len(r.Conflicts), string(data))
	if err != nil {
		return fmt.Errorf("failed to write sync log: %w", err)
	}
	return nil
}

// List returns the most recent entries first. peerID 0 means all peers.
func (l *SyncLog) List(ctx context.Context, peerID int64, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, peer_id, peer_name, operation_type, status, started_at, finished_at,
		pushed, pulled, applied, conflicts, report FROM sync_log`
	args := []any{}
	if peerID > 0 {
		query += ` WHERE peer_id = ?`
		args = append(args, peerID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync log: %w", err)
	}
	defer rows.Close()

	var out []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var started, finished, report string
		if err := rows.Scan(&e.ID, &e.PeerID, &e.PeerName, &e.OperationType, &e.Status, &started, &finished,
			&e.Pushed, &e.Pulled, &e.Applied, &e.Conflicts, &report); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		e.StartedAt, _ = parseTime(started)
		e.FinishedAt, _ = parseTime(finished)
		e.Report = json.RawMessage(report)
		out = append(out, e)
	}
	return out, rows.Err()
}
