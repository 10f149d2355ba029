// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Peer is one known replication partner.
type Peer struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Protocol    string     `json:"protocol"`
	ServerID    string     `json:"server_id,omitempty"`
	IsActive    bool       `json:"is_active"`
	SyncEnabled bool       `json:"sync_enabled"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
	LastPing    *time.Time `json:"last_ping,omitempty"`
	ErrorCount  int        `json:"error_count"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// BaseURL is the peer's root URL, e.g. http://10.0.0.5:8080.
func (p *Peer) BaseURL() string {
	proto := p.Protocol
	if proto == "" {
		proto = "http"
	}
	return proto + "://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Contactable reports whether the orchestrator may talk to the peer at all.
func (p *Peer) Contactable() bool {
	return p.IsActive && p.SyncEnabled
}

// Validate checks the identity fields of a peer before it is stored.
func (p *Peer) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("peer name is required")
	}
	if strings.TrimSpace(p.Host) == "" {
		return errors.New("peer host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid peer port %d", p.Port)
	}
	switch p.Protocol {
	case "", "http", "https":
	default:
		return fmt.Errorf("invalid peer protocol %q", p.Protocol)
	}
	return nil
}

// PeerRegistry stores peers in sync_servers of the primary partition.
type PeerRegistry struct {
	db  *sql.DB
	now func() time.Time
}

func NewPeerRegistry(db *sql.DB) *PeerRegistry {
	return &PeerRegistry{db: db, now: time.Now}
}

const peerColumns = `id, name, host, port, protocol, server_id, is_active, sync_enabled, last_sync, last_ping, error_count, last_error, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (*Peer, error) {
	var (
		p                  Peer
		lastSync, lastPing sql.NullString
		createdAt          string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Host, &p.Port, &p.Protocol, &p.ServerID, &p.IsActive, &p.SyncEnabled,
		&lastSync, &lastPing, &p.ErrorCount, &p.LastError, &createdAt); err != nil {
		return nil, err
	}
	p.LastSync = parseNullTime(lastSync)
	p.LastPing = parseNullTime(lastPing)
	if t, ok := parseTime(createdAt); ok {
		p.CreatedAt = t
	}
	return &p, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, ok := parseTime(s.String)
	if !ok {
		return nil
	}
	return &t
}

// Add registers a new peer. New peers start active and enabled.
func (r *PeerRegistry) Add(ctx context.Context, p Peer) (*Peer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Protocol == "" {
		p.Protocol = "http"
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO sync_servers (name, host, port, protocol, is_active, sync_enabled, created_at)
		VALUES (?, ?, ?, ?, 1, 1, ?)`, p.Name, p.Host, p.Port, p.Protocol, formatTime(r.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to add peer %s: %w", p.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Upsert adds the peer or refreshes the address of the peer with the same name.
// Health counters and enabled flags of an existing peer are kept.
func (r *PeerRegistry) Upsert(ctx context.Context, p Peer) (*Peer, error) {
	existing, err := r.GetByName(ctx, p.Name)
	if errors.Is(err, ErrPeerNotFound) {
		return r.Add(ctx, p)
	}
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Protocol == "" {
		p.Protocol = "http"
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE sync_servers SET host = ?, port = ?, protocol = ? WHERE id = ?`,
		p.Host, p.Port, p.Protocol, existing.ID); err != nil {
		return nil, fmt.Errorf("failed to update peer %s: %w", p.Name, err)
	}
	return r.Get(ctx, existing.ID)
}

func (r *PeerRegistry) Get(ctx context.Context, id int64) (*Peer, error) {
	p, err := scanPeer(r.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM sync_servers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrPeerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load peer %d: %w", id, err)
	}
	return p, nil
}

func (r *PeerRegistry) GetByName(ctx context.Context, name string) (*Peer, error) {
	p, err := scanPeer(r.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM sync_servers WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load peer %s: %w", name, err)
	}
	return p, nil
}

// List returns all peers ordered by id; with contactableOnly, only active and enabled ones.
func (r *PeerRegistry) List(ctx context.Context, contactableOnly bool) ([]Peer, error) {
	q := `SELECT ` + peerColumns + ` FROM sync_servers`
	if contactableOnly {
		q += ` WHERE is_active = 1 AND sync_enabled = 1`
	}
	rows, err := r.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()
	var out []Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RecordPing stores a successful ping and the identity the peer reported.
func (r *PeerRegistry) RecordPing(ctx context.Context, id int64, serverID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sync_servers SET last_ping = ?,
		server_id = CASE WHEN ? != '' THEN ? ELSE server_id END WHERE id = ?`,
		formatTime(r.now()), serverID, serverID, id)
	if err != nil {
		return fmt.Errorf("failed to record ping for peer %d: %w", id, err)
	}
	return nil
}

// RecordFailure increments error_count and stores the last error message.
func (r *PeerRegistry) RecordFailure(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.db.ExecContext(ctx, `UPDATE sync_servers SET error_count = error_count + 1, last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to record failure for peer %d: %w", id, err)
	}
	return nil
}

// RecordSuccess clears the error counter; lastSync, when set, becomes the new sync watermark.
func (r *PeerRegistry) RecordSuccess(ctx context.Context, id int64, lastSync *time.Time) error {
	var err error
	if lastSync != nil {
		_, err = r.db.ExecContext(ctx, `UPDATE sync_servers SET error_count = 0, last_error = '', last_sync = ? WHERE id = ?`,
			formatTime(*lastSync), id)
	} else {
		_, err = r.db.ExecContext(ctx, `UPDATE sync_servers SET error_count = 0, last_error = '' WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("failed to record success for peer %d: %w", id, err)
	}
	return nil
}

func (r *PeerRegistry) SetSyncEnabled(ctx context.Context, id int64, enabled bool) error {
	return r.setFlag(ctx, id, "sync_enabled", enabled)
}

// Deactivate soft-deletes a peer. Its history stays referenced by the sync log.
func (r *PeerRegistry) Deactivate(ctx context.Context, id int64) error {
	return r.setFlag(ctx, id, "is_active", false)
}

func (r *PeerRegistry) Activate(ctx context.Context, id int64) error {
	return r.setFlag(ctx, id, "is_active", true)
}

func (r *PeerRegistry) setFlag(ctx context.Context, id int64, column string, v bool) error {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`UPDATE sync_servers SET %s = ? WHERE id = ?`, column), v, id)
	if err != nil {
		return fmt.Errorf("failed to update peer %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrPeerNotFound, id)
	}
	return nil
}
