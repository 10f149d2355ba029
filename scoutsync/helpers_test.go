// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Scouting data lives in "core", accounts in "users", like a production node.
const coreSchema = `
CREATE TABLE team (
	id          INTEGER PRIMARY KEY,
	team_number INTEGER NOT NULL UNIQUE,
	team_name   TEXT,
	updated_at  TEXT
);
CREATE TABLE match_scouting (
	id           INTEGER PRIMARY KEY,
	team_number  INTEGER NOT NULL,
	match_number INTEGER NOT NULL,
	auto_points  INTEGER,
	notes        TEXT,
	created_at   TEXT,
	updated_at   TEXT
);`

const usersSchema = `
CREATE TABLE role (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE "user" (
	id         INTEGER PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	email      TEXT,
	updated_at TEXT,
	deleted_at TEXT
);
CREATE TABLE user_roles (
	user_id INTEGER NOT NULL,
	role_id INTEGER NOT NULL,
	PRIMARY KEY (user_id, role_id)
);`

type testNode struct {
	t      *testing.T
	engine *Engine
	core   *sql.DB
	users  *sql.DB
	server *httptest.Server
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastRetry keeps retry loops short enough for unit tests.
func fastRetry() RetryPolicy {
	return RetryPolicy{
		Attempts:         3,
		BaseDelay:        5 * time.Millisecond,
		MaxDelay:         20 * time.Millisecond,
		PingTimeout:      2 * time.Second,
		BulkTimeout:      2 * time.Second,
		MaxBulkTimeout:   5 * time.Second,
		RecordsPerSecond: 50,
	}
}

func newTestNode(t *testing.T, opts ...func(*Config)) *testNode {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	parts, err := OpenPartitions(ctx, []PartitionSpec{
		{Name: "core", Path: filepath.Join(dir, "scouting.db")},
		{Name: "users", Path: filepath.Join(dir, "users.db")},
	}, 5*time.Second)
	require.NoError(t, err)

	core, _ := parts.Get("core")
	users, _ := parts.Get("users")
	_, err = core.DB.ExecContext(ctx, coreSchema)
	require.NoError(t, err)
	_, err = users.DB.ExecContext(ctx, usersSchema)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	cfg.BackoffBase = time.Minute
	for _, opt := range opts {
		opt(cfg)
	}
	engine, err := NewEngine(ctx, parts, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return &testNode{t: t, engine: engine, core: core.DB, users: users.DB}
}

// serve starts the node's HTTP API. wrap, when set, decorates the mux.
func (n *testNode) serve(wrap func(http.Handler) http.Handler) *httptest.Server {
	n.t.Helper()
	mux := http.NewServeMux()
	NewHTTPSyncHandlers(n.engine, testLogger()).Register(mux)
	var h http.Handler = mux
	if wrap != nil {
		h = wrap(mux)
	}
	n.server = httptest.NewServer(h)
	n.t.Cleanup(n.server.Close)
	return n.server
}

// addPeer registers the node served at srv under name.
func (n *testNode) addPeer(name string, srv *httptest.Server) *Peer {
	n.t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(n.t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(n.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(n.t, err)
	p, err := n.engine.Peers().Add(context.Background(), Peer{Name: name, Host: host, Port: port})
	require.NoError(n.t, err)
	return p
}

func (n *testNode) exec(db *sql.DB, query string, args ...any) {
	n.t.Helper()
	_, err := db.ExecContext(context.Background(), query, args...)
	require.NoError(n.t, err)
}

func (n *testNode) insertTeam(id, number int, name string) {
	n.t.Helper()
	n.exec(n.core, `INSERT INTO team (id, team_number, team_name, updated_at) VALUES (?, ?, ?, ?)`,
		id, number, name, stamp())
}

func (n *testNode) renameTeam(id int, name string) {
	n.t.Helper()
	n.exec(n.core, `UPDATE team SET team_name = ?, updated_at = ? WHERE id = ?`, name, stamp(), id)
}

func (n *testNode) teamName(id int) string {
	n.t.Helper()
	var name string
	err := n.core.QueryRowContext(context.Background(), `SELECT team_name FROM team WHERE id = ?`, id).Scan(&name)
	require.NoError(n.t, err)
	return name
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

// stamp renders the current time the way the web layer writes updated_at.
func stamp() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05.000")
}

// sealed builds a record with its content hash computed.
func sealed(t *testing.T, table, recordID string, op Operation, ts time.Time, payload map[string]any) ChangeRecord {
	t.Helper()
	rec := ChangeRecord{
		TableName:  table,
		RecordID:   recordID,
		Operation:  op,
		Payload:    payload,
		Timestamp:  ts,
		SyncStatus: StatusPending,
	}
	require.NoError(t, rec.Seal())
	return rec
}

func logStatuses(t *testing.T, db *sql.DB, table string) map[SyncStatus]int {
	t.Helper()
	rows, err := db.QueryContext(context.Background(),
		`SELECT sync_status, COUNT(*) FROM database_changes WHERE table_name = ? GROUP BY sync_status`, table)
	require.NoError(t, err)
	defer rows.Close()
	out := map[SyncStatus]int{}
	for rows.Next() {
		var s string
		var c int
		require.NoError(t, rows.Scan(&s, &c))
		out[SyncStatus(s)] = c
	}
	require.NoError(t, rows.Err())
	return out
}
