// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"fmt"
)

// initializeEngineSchema creates the node-wide sync tables in the primary partition.
func (e *Engine) initializeEngineSchema(ctx context.Context) error {
	migrations := []string{
		// 1) Peer registry. Peers are deactivated, never deleted.
		/*language=sqlite*/ `CREATE TABLE IF NOT EXISTS sync_servers (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			name          TEXT    NOT NULL UNIQUE,
			host          TEXT    NOT NULL,
			port          INTEGER NOT NULL,
			protocol      TEXT    NOT NULL DEFAULT 'http' CHECK (protocol IN ('http','https')),
			server_id     TEXT    NOT NULL DEFAULT '',
			is_active     INTEGER NOT NULL DEFAULT 1,
			sync_enabled  INTEGER NOT NULL DEFAULT 1,
			last_sync     TEXT,
			last_ping     TEXT,
			error_count   INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT    NOT NULL DEFAULT '',
			created_at    TEXT    NOT NULL
		)`,

		// 2) Audit log of cycles and full resyncs
		/*language=sqlite*/ `CREATE TABLE IF NOT EXISTS sync_log (
			id             TEXT    PRIMARY KEY,
			peer_id        INTEGER NOT NULL,
			peer_name      TEXT    NOT NULL,
			operation_type TEXT    NOT NULL,
			status         TEXT    NOT NULL,
			started_at     TEXT    NOT NULL,
			finished_at    TEXT    NOT NULL,
			pushed         INTEGER NOT NULL DEFAULT 0,
			pulled         INTEGER NOT NULL DEFAULT 0,
			applied        INTEGER NOT NULL DEFAULT 0,
			conflicts      INTEGER NOT NULL DEFAULT 0,
			report         TEXT    NOT NULL
		)`,
		/*language=sqlite*/ `CREATE INDEX IF NOT EXISTS idx_sync_log_peer ON sync_log (peer_id, started_at)`,

		// 3) Per (peer, operation type) reliability aggregates
		/*language=sqlite*/ `CREATE TABLE IF NOT EXISTS sync_reliability (
			peer_id           INTEGER NOT NULL,
			operation_type    TEXT    NOT NULL,
			success_count     INTEGER NOT NULL DEFAULT 0,
			failure_count     INTEGER NOT NULL DEFAULT 0,
			avg_duration      REAL    NOT NULL DEFAULT 0,
			reliability_score REAL    NOT NULL DEFAULT 0,
			consecutive_fails INTEGER NOT NULL DEFAULT 0,
			last_success      TEXT,
			last_failure      TEXT,
			PRIMARY KEY (peer_id, operation_type)
		)`,
	}

	db := e.partitions.Primary().DB
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize sync schema: %w", err)
		}
	}
	return nil
}
