// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func appendTeamChange(t *testing.T, n *testNode, id string, ts time.Time, status SyncStatus) ChangeRecord {
	t.Helper()
	rec := sealed(t, "team", id, OpUpsert, ts, map[string]any{"id": id, "team_name": "t" + id})
	rec.SyncStatus = status
	rec.OriginServerID = n.engine.ServerID()
	_, err := n.engine.ChangeLog().Append(context.Background(), n.core, &rec)
	require.NoError(t, err)
	require.NotZero(t, rec.ID)
	return rec
}

func TestChangeLog_AppendAndPending(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	a := appendTeamChange(t, n, "1", time.Now(), StatusPending)
	appendTeamChange(t, n, "2", time.Now(), StatusCompleted)

	pending, err := n.engine.ChangeLog().Pending(ctx, "core", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, a.ID, pending[0].ID)
	require.Equal(t, a.ContentHash, pending[0].ContentHash)
	require.Equal(t, "core", pending[0].Partition)
	require.True(t, a.Timestamp.Equal(pending[0].Timestamp))

	bad := ChangeRecord{TableName: "team", RecordID: "3", Operation: Operation("truncate")}
	_, err = n.engine.ChangeLog().Append(ctx, n.core, &bad)
	require.Error(t, err)
}

func TestChangeLog_MarkRetryFailsAtLimit(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	log := n.engine.ChangeLog()
	rec := appendTeamChange(t, n, "1", time.Now(), StatusPending)

	require.NoError(t, log.MarkRetry(ctx, "core", []int64{rec.ID}, 2))
	pending, err := log.Pending(ctx, "core", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)

	require.NoError(t, log.MarkRetry(ctx, "core", []int64{rec.ID}, 2))
	require.Equal(t, map[SyncStatus]int{StatusFailed: 1}, logStatuses(t, n.core, "team"))

	since, err := log.Since(ctx, "core", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, since)

	// Failed entries are no longer touched by retries.
	require.NoError(t, log.MarkRetry(ctx, "core", []int64{rec.ID}, 2))
	require.Equal(t, 2, countRows(t, n.core, `SELECT retry_count FROM database_changes WHERE id = ?`, rec.ID))

	reset, err := log.ResetFailed(ctx, "core")
	require.NoError(t, err)
	require.EqualValues(t, 1, reset)
	pending, err = log.Pending(ctx, "core", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Zero(t, pending[0].RetryCount)
}

func TestChangeLog_MarkCompleted(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	a := appendTeamChange(t, n, "1", time.Now(), StatusPending)
	b := appendTeamChange(t, n, "2", time.Now(), StatusPending)

	require.NoError(t, n.engine.ChangeLog().MarkCompleted(ctx, "core", []int64{a.ID, b.ID}))
	require.NoError(t, n.engine.ChangeLog().MarkCompleted(ctx, "core", nil))
	require.Equal(t, map[SyncStatus]int{StatusCompleted: 2}, logStatuses(t, n.core, "team"))
}

func TestChangeLog_PruneKeepsUndelivered(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	appendTeamChange(t, n, "1", old, StatusCompleted)
	appendTeamChange(t, n, "2", old, StatusPending)
	appendTeamChange(t, n, "3", old, StatusFailed)
	appendTeamChange(t, n, "4", time.Now(), StatusCompleted)

	removed, err := n.engine.ChangeLog().Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
	require.Equal(t, map[SyncStatus]int{StatusCompleted: 1, StatusPending: 1, StatusFailed: 1}, logStatuses(t, n.core, "team"))
}

func TestChangeLog_StatusCounts(t *testing.T) {
	n := newTestNode(t)
	appendTeamChange(t, n, "1", time.Now(), StatusPending)
	appendTeamChange(t, n, "2", time.Now(), StatusCompleted)
	n.exec(n.users, `INSERT INTO role (id, name) VALUES (1, 'scout')`)

	counts, err := n.engine.ChangeLog().StatusCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[SyncStatus]int64{StatusPending: 2, StatusCompleted: 1, StatusFailed: 0}, counts)
}

func TestChangeLog_LatestForAndOriginOf(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	log := n.engine.ChangeLog()
	base := time.Now().Add(-time.Minute)
	older := appendTeamChange(t, n, "1", base, StatusCompleted)

	newer := sealed(t, "team", "1", OpUpdate, base.Add(time.Second), map[string]any{"id": "1", "team_name": "renamed"})
	newer.OriginServerID = "remote-node"
	_, err := log.Append(ctx, n.core, &newer)
	require.NoError(t, err)

	latest, err := log.LatestFor(ctx, n.core, "core", "team", "1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, newer.ID, latest.ID)

	none, err := log.LatestFor(ctx, n.core, "core", "team", "404")
	require.NoError(t, err)
	require.Nil(t, none)

	origin, err := log.OriginOf(ctx, "core", "team", "1", newer.ContentHash)
	require.NoError(t, err)
	require.Equal(t, "remote-node", origin)
	origin, err = log.OriginOf(ctx, "core", "team", "1", older.ContentHash)
	require.NoError(t, err)
	require.Equal(t, n.engine.ServerID(), origin)
	origin, err = log.OriginOf(ctx, "core", "team", "1", "nope")
	require.NoError(t, err)
	require.Empty(t, origin)

	entry, err := log.EntryWithHash(ctx, "core", "team", "1", older.ContentHash)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, older.ID, entry.ID)
	require.True(t, older.Timestamp.Truncate(time.Millisecond).Equal(entry.Timestamp.Truncate(time.Millisecond)))
}
