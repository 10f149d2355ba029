// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Partition is one physically separate SQLite file holding part of the logical schema.
type Partition struct {
	Name string
	Path string
	DB   *sql.DB
}

// PartitionSpec names a partition file to open.
type PartitionSpec struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// OpenPartition opens (creating if needed) a partition file in WAL mode with a
// busy timeout, so that the web application and the sync engine can share it.
func OpenPartition(ctx context.Context, name, path string, busyTimeout time.Duration) (*Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("partition name cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for partition %s: %w", name, err)
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = 30 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %s: %w", name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping partition %s: %w", name, err)
	}
	if err := initializePartition(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize partition %s: %w", name, err)
	}
	return &Partition{Name: name, Path: path, DB: db}, nil
}

// initializePartition creates the per-partition sync metadata tables.
func initializePartition(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS database_changes (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name       TEXT NOT NULL,
			record_id        TEXT NOT NULL,
			operation        TEXT NOT NULL CHECK (operation IN ('insert','update','upsert','delete','soft_delete','reactivate')),
			change_data      TEXT,
			timestamp        TEXT NOT NULL,
			change_hash      TEXT NOT NULL DEFAULT '',
			sync_status      TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('pending','completed','failed')),
			retry_count      INTEGER NOT NULL DEFAULT 0,
			origin_server_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_database_changes_status ON database_changes (sync_status, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_database_changes_record ON database_changes (table_name, record_id, timestamp)`,
		// Single row: this node's identity and the apply-mode switch consulted by capture triggers.
		`CREATE TABLE IF NOT EXISTS sync_node_info (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			server_id  TEXT NOT NULL DEFAULT '',
			apply_mode INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO sync_node_info (id, server_id, apply_mode) VALUES (1, '', 0)`,
		// Reset apply_mode in case the process crashed while applying a remote batch
		`UPDATE sync_node_info SET apply_mode = 0 WHERE apply_mode = 1`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// Partitions is the ordered set of partition files of one node. The first one
// is the primary partition and also holds peers, sync log and reliability rows.
type Partitions struct {
	list   []*Partition
	byName map[string]*Partition
}

// NewPartitions groups already opened partitions.
func NewPartitions(parts ...*Partition) (*Partitions, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("at least one partition is required")
	}
	ps := &Partitions{byName: make(map[string]*Partition, len(parts))}
	for _, p := range parts {
		if _, dup := ps.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate partition name %q", p.Name)
		}
		ps.byName[p.Name] = p
		ps.list = append(ps.list, p)
	}
	return ps, nil
}

// OpenPartitions opens the partitions in order; on failure the already opened files are closed.
func OpenPartitions(ctx context.Context, specs []PartitionSpec, busyTimeout time.Duration) (*Partitions, error) {
	var opened []*Partition
	for _, spec := range specs {
		p, err := OpenPartition(ctx, spec.Name, spec.Path, busyTimeout)
		if err != nil {
			for _, o := range opened {
				o.DB.Close()
			}
			return nil, err
		}
		opened = append(opened, p)
	}
	ps, err := NewPartitions(opened...)
	if err != nil {
		for _, o := range opened {
			o.DB.Close()
		}
		return nil, err
	}
	return ps, nil
}

func (ps *Partitions) Primary() *Partition { return ps.list[0] }

func (ps *Partitions) All() []*Partition { return ps.list }

func (ps *Partitions) Get(name string) (*Partition, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// Close closes every partition file.
func (ps *Partitions) Close() error {
	var errs []error
	for _, p := range ps.list {
		if err := p.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close partition %s: %w", p.Name, err))
		}
	}
	return errors.Join(errs...)
}

// EnsureServerID returns the persisted node identity, generating one on first
// start, and copies it into every partition so capture triggers can stamp it.
func (ps *Partitions) EnsureServerID(ctx context.Context, preferred string) (string, error) {
	serverID := strings.TrimSpace(preferred)
	if serverID == "" {
		if err := ps.Primary().DB.QueryRowContext(ctx,
			`SELECT server_id FROM sync_node_info WHERE id = 1`).Scan(&serverID); err != nil {
			return "", fmt.Errorf("failed to read server id: %w", err)
		}
	}
	if serverID == "" {
		serverID = uuid.New().String()
	}
	for _, p := range ps.list {
		if _, err := p.DB.ExecContext(ctx,
			`UPDATE sync_node_info SET server_id = ? WHERE id = 1`, serverID); err != nil {
			return "", fmt.Errorf("failed to persist server id in %s: %w", p.Name, err)
		}
	}
	return serverID, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
