// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalog_DiscoverTablesSkipsInternal(t *testing.T) {
	n := newTestNode(t, func(c *Config) { c.ExcludedTables = []string{"Match_Scouting"} })
	ctx := context.Background()

	core, err := n.engine.Catalog().DiscoverTables(ctx, "core")
	require.NoError(t, err)
	require.Equal(t, []string{"team"}, core)

	users, err := n.engine.Catalog().DiscoverTables(ctx, "users")
	require.NoError(t, err)
	require.Equal(t, []string{"role", "user", "user_roles"}, users)

	_, err = n.engine.Catalog().DiscoverTables(ctx, "archive")
	require.Error(t, err)
}

func TestCatalog_PartitionFor(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	cat := n.engine.Catalog()

	part, err := cat.PartitionFor(ctx, "team")
	require.NoError(t, err)
	require.Equal(t, "core", part)

	part, err = cat.PartitionFor(ctx, "USER_ROLES")
	require.NoError(t, err)
	require.Equal(t, "users", part)

	_, err = cat.PartitionFor(ctx, "pit_notes")
	require.ErrorIs(t, err, ErrUnknownTable)

	_, err = cat.PartitionFor(ctx, "database_changes")
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestCatalog_RefreshSeesNewTables(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	_, err := n.engine.Catalog().PartitionFor(ctx, "pit_notes")
	require.ErrorIs(t, err, ErrUnknownTable)

	n.exec(n.core, `CREATE TABLE pit_notes (id INTEGER PRIMARY KEY, body TEXT)`)
	n.engine.Catalog().Refresh()
	part, err := n.engine.Catalog().PartitionFor(ctx, "pit_notes")
	require.NoError(t, err)
	require.Equal(t, "core", part)
}

func TestTableInfo_Columns(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	cat := n.engine.Catalog()

	team, err := cat.TableInfo(ctx, "core", "team")
	require.NoError(t, err)
	require.Equal(t, []string{"updated_at"}, team.TimestampColumns())
	require.Empty(t, team.SoftDeleteColumn())
	require.Len(t, team.PrimaryKey, 1)
	require.True(t, team.Column("TEAM_NUMBER").IsInteger())
	require.Equal(t, "254", team.RecordID(map[string]any{"id": int64(254)}))

	scouting, err := cat.TableInfo(ctx, "core", "match_scouting")
	require.NoError(t, err)
	require.Equal(t, []string{"updated_at", "created_at"}, scouting.TimestampColumns())

	user, err := cat.TableInfo(ctx, "users", "user")
	require.NoError(t, err)
	require.Equal(t, "deleted_at", user.SoftDeleteColumn())

	roles, err := cat.TableInfo(ctx, "users", "user_roles")
	require.NoError(t, err)
	require.Empty(t, roles.TimestampColumns())
	require.Equal(t, "1|3", roles.RecordID(map[string]any{"role_id": int64(3), "User_ID": int64(1)}))

	_, err = cat.TableInfo(ctx, "core", "missing")
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestTableInfo_RowidTable(t *testing.T) {
	n := newTestNode(t)
	n.exec(n.core, `CREATE TABLE scratch (body TEXT, flag BLOB)`)
	n.engine.Catalog().Refresh()

	info, err := n.engine.Catalog().TableInfo(context.Background(), "core", "scratch")
	require.NoError(t, err)
	require.Empty(t, info.PrimaryKey)
	require.True(t, info.Column("flag").IsBlob())
	require.Equal(t, "12", info.RecordID(map[string]any{"rowid": int64(12), "body": "x"}))
}

func TestTableInfo_NormalizeTemporal(t *testing.T) {
	n := newTestNode(t)
	n.exec(n.core, `CREATE TABLE pit_visit (id INTEGER PRIMARY KEY, visited DATETIME, note TEXT)`)
	n.engine.Catalog().Refresh()

	info, err := n.engine.Catalog().TableInfo(context.Background(), "core", "pit_visit")
	require.NoError(t, err)
	payload := map[string]any{"id": int64(1), "visited": "2025-03-01 10:00:00", "note": "2025-03-01 10:00:00"}
	info.NormalizeTemporal(payload)
	require.Equal(t, "2025-03-01T10:00:00Z", payload["visited"])
	require.Equal(t, "2025-03-01 10:00:00", payload["note"])
}
