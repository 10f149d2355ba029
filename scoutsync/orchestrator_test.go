// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pair returns node A with node B registered as its peer; B is served over HTTP.
func pair(t *testing.T, wrapB func(http.Handler) http.Handler, optsA ...func(*Config)) (*testNode, *testNode, *Peer) {
	t.Helper()
	a := newTestNode(t, optsA...)
	b := newTestNode(t)
	srv := b.serve(wrapB)
	return a, b, a.addPeer("b", srv)
}

// onPush replaces B's receive endpoint.
func onPush(fn http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == PathReceiveChanges {
				fn(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestRunCycle_DeliversLocalChanges(t *testing.T) {
	a, b, peer := pair(t, nil)
	ctx := context.Background()
	a.insertTeam(254, 254, "Cheesy Poofs")
	a.insertTeam(1678, 1678, "Citrus Circuits")
	a.insertTeam(118, 118, "Robonauts")

	report, err := a.engine.RunCycle(ctx, peer.ID)
	require.NoError(t, err)
	require.Equal(t, CycleCompleted, report.Status, "%v", report.Errors)
	require.Equal(t, 3, report.Pushed)
	require.Zero(t, report.Pulled)
	require.Empty(t, report.Conflicts)

	require.Equal(t, 3, countRows(t, b.core, `SELECT COUNT(*) FROM team`))
	require.Equal(t, "Citrus Circuits", b.teamName(1678))
	require.Equal(t, map[SyncStatus]int{StatusCompleted: 3}, logStatuses(t, a.core, "team"))
	require.Equal(t, 3, countRows(t, b.core,
		`SELECT COUNT(*) FROM database_changes WHERE table_name = 'team' AND origin_server_id = ?`, a.engine.ServerID()))

	var steps []string
	for _, op := range report.Operations {
		require.True(t, op.Success, op.Step)
		steps = append(steps, op.Step)
	}
	require.Equal(t, []string{
		StepPing, StepCaptureLocal, StepFetchRemote, StepDetectConflicts, StepResolveConflicts,
		StepPushLocal, StepApplyRemote, StepMarkSynced, StepUpdatePeerHealth,
	}, steps)

	got, err := a.engine.Peers().Get(ctx, peer.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSync)
	require.True(t, report.StartedAt.Equal(*got.LastSync))
	require.Equal(t, b.engine.ServerID(), got.ServerID)
	require.Zero(t, got.ErrorCount)

	entries, err := a.engine.SyncLog().List(ctx, peer.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, report.CycleID, entries[0].ID)
	require.Equal(t, CycleCompleted, entries[0].Status)
	require.Equal(t, 3, entries[0].Pushed)
	var stored CycleReport
	require.NoError(t, json.Unmarshal(entries[0].Report, &stored))
	require.Len(t, stored.Operations, 9)

	m, err := a.engine.Tracker().Get(ctx, peer.ID, OpTypeCycle)
	require.NoError(t, err)
	require.EqualValues(t, 1, m.SuccessCount)
}

func TestRunCycle_PullsRemoteChanges(t *testing.T) {
	a, b, peer := pair(t, nil)
	b.insertTeam(973, 973, "Greybots")
	b.exec(b.users, `INSERT INTO role (id, name) VALUES (1, 'scout')`)

	report, err := a.engine.RunCycle(context.Background(), peer.ID)
	require.NoError(t, err)
	require.Equal(t, CycleCompleted, report.Status, "%v", report.Errors)
	require.Equal(t, 2, report.Pulled)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, "Greybots", a.teamName(973))
	require.Equal(t, 1, countRows(t, a.users, `SELECT COUNT(*) FROM role WHERE name = 'scout'`))

	// Rows applied from B are not captured again as local changes.
	require.Equal(t, map[SyncStatus]int{StatusCompleted: 1}, logStatuses(t, a.core, "team"))
}

// Concurrent edits of one row converge on the later write on both sides.
func TestRunCycle_ConflictLatestWins(t *testing.T) {
	a, b, peer := pair(t, nil)
	ctx := context.Background()
	a.insertTeam(7, 7, "seed")
	report, err := a.engine.RunCycle(ctx, peer.ID)
	require.NoError(t, err)
	require.Equal(t, CycleCompleted, report.Status, "%v", report.Errors)
	require.Equal(t, "seed", b.teamName(7))

	a.renameTeam(7, "renamed in the pits")
	time.Sleep(20 * time.Millisecond)
	b.renameTeam(7, "renamed in the stands")

	report, err = a.engine.RunCycle(ctx, peer.ID)
	require.NoError(t, err)
	require.Equal(t, CycleCompleted, report.Status, "%v", report.Errors)
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, WinnerRemote, report.Conflicts[0].Winner)
	require.Equal(t, MethodLatestTimestamp, report.Conflicts[0].Method)
	require.Zero(t, report.Pushed)
	require.Equal(t, 1, report.Applied)

	require.Equal(t, "renamed in the stands", a.teamName(7))
	require.Equal(t, "renamed in the stands", b.teamName(7))
	require.Equal(t, 0, logStatuses(t, a.core, "team")[StatusPending])
}

// addPitNotes creates a tracked table without timestamp columns, captured by full snapshot.
func (n *testNode) addPitNotes() {
	n.t.Helper()
	n.exec(n.core, `CREATE TABLE pit_note (id INTEGER PRIMARY KEY, body TEXT)`)
	require.NoError(n.t, n.engine.InstallTriggers(context.Background(), "pit_note"))
}

func pitNote(t *testing.T, n *testNode, id int) string {
	t.Helper()
	var body string
	require.NoError(t, n.core.QueryRow(`SELECT body FROM pit_note WHERE id = ?`, id).Scan(&body))
	return body
}

func TestRunCycle_LatestEditWinsWithoutTimestampColumns(t *testing.T) {
	a, b, peer := pair(t, nil)
	ctx := context.Background()
	a.addPitNotes()
	b.addPitNotes()

	b.exec(b.core, `INSERT INTO pit_note (id, body) VALUES (1, 'orig')`)
	report, err := a.engine.RunCycle(ctx, peer.ID)
	require.NoError(t, err)
	require.Equal(t, CycleCompleted, report.Status, "%v", report.Errors)
	require.Equal(t, "orig", pitNote(t, a, 1))

	// A's edit is newer than B's copy, which B captures later.
	time.Sleep(10 * time.Millisecond)
	a.exec(a.core, `UPDATE pit_note SET body = 'edited on A' WHERE id = 1`)
	report, err = a.engine.RunCycle(ctx, peer.ID)
	require.NoError(t, err)
	require.Equal(t, CycleCompleted, report.Status, "%v", report.Errors)
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, WinnerLocal, report.Conflicts[0].Winner)
	require.Equal(t, 1, report.Pushed)
	require.Equal(t, "edited on A", pitNote(t, a, 1))
	require.Equal(t, "edited on A", pitNote(t, b, 1))

	time.Sleep(10 * time.Millisecond)
	b.exec(b.core, `UPDATE pit_note SET body = 'edited on B' WHERE id = 1`)
	report, err = a.engine.RunCycle(ctx, peer.ID)
	require.NoError(t, err)
	require.Equal(t, CycleCompleted, report.Status, "%v", report.Errors)
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, WinnerRemote, report.Conflicts[0].Winner)
	require.Zero(t, report.Pushed)
	require.Equal(t, "edited on B", pitNote(t, a, 1))
	require.Equal(t, "edited on B", pitNote(t, b, 1))
}

// A push that times out leaves local entries pending while the pull still lands.
func TestRunCycle_PushTimeoutIsPartial(t *testing.T) {
	slow := onPush(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	})
	a, b, peer := pair(t, slow, func(c *Config) {
		c.Retry.BulkTimeout = 100 * time.Millisecond
		c.Retry.MaxBulkTimeout = 2 * time.Second
	})
	ctx := context.Background()
	a.insertTeam(1, 1, "local")
	b.insertTeam(2, 2, "remote")

	report, err := a.engine.RunCycle(ctx, peer.ID)
	require.NoError(t, err)
	require.Equal(t, CyclePartial, report.Status)
	require.True(t, report.StepFailed(StepPushLocal))
	require.False(t, report.StepFailed(StepFetchRemote))
	require.False(t, report.StepFailed(StepApplyRemote))
	require.Zero(t, report.Pushed)
	require.Equal(t, "remote", a.teamName(2))

	require.Equal(t, 1, countRows(t, a.core, `SELECT COUNT(*) FROM database_changes
		WHERE table_name = 'team' AND record_id = '1' AND sync_status = 'pending' AND retry_count = 1`))

	got, err := a.engine.Peers().Get(ctx, peer.ID)
	require.NoError(t, err)
	require.Nil(t, got.LastSync)
	require.Equal(t, 1, got.ErrorCount)

	_, waiting, err := a.engine.Tracker().Backoff(ctx, peer.ID)
	require.NoError(t, err)
	require.True(t, waiting)
	push, err := a.engine.Tracker().Get(ctx, peer.ID, StepPushLocal)
	require.NoError(t, err)
	require.EqualValues(t, 1, push.FailureCount)
}

// A peer that confirms fewer records than were sent has not received the batch.
func TestRunCycle_ShortAckIsNotDelivery(t *testing.T) {
	short := onPush(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"applied_count":1}`))
	})
	a, _, peer := pair(t, short)
	a.insertTeam(1, 1, "one")
	a.insertTeam(2, 2, "two")

	report, err := a.engine.RunCycle(context.Background(), peer.ID)
	require.NoError(t, err)
	require.Equal(t, CyclePartial, report.Status)
	require.True(t, report.StepFailed(StepPushLocal))
	require.Zero(t, report.Pushed)
	require.Equal(t, 2, countRows(t, a.core, `SELECT COUNT(*) FROM database_changes
		WHERE table_name = 'team' AND sync_status = 'pending' AND retry_count = 1`))
}

func TestRunCycle_UnreachablePeerAborts(t *testing.T) {
	a, _, peer := pair(t, nil)
	ctx := context.Background()
	a.insertTeam(1, 1, "stays pending")
	gone := newTestNode(t).serve(nil)
	gone.Close()
	down := a.addPeer("gone", gone)

	report, err := a.engine.RunCycle(ctx, down.ID)
	require.NoError(t, err)
	require.Equal(t, CycleAborted, report.Status)
	require.Len(t, report.Operations, 1)
	require.True(t, report.StepFailed(StepPing))
	require.Equal(t, map[SyncStatus]int{StatusPending: 1}, logStatuses(t, a.core, "team"))

	got, err := a.engine.Peers().Get(ctx, down.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ErrorCount)
	require.NotEmpty(t, got.LastError)

	m, err := a.engine.Tracker().Get(ctx, down.ID, OpTypeCycle)
	require.NoError(t, err)
	require.EqualValues(t, 1, m.FailureCount)

	// The healthy peer is unaffected.
	report, err = a.engine.RunCycle(ctx, peer.ID)
	require.NoError(t, err)
	require.Equal(t, CycleCompleted, report.Status, "%v", report.Errors)
}

func TestRunCycle_StartErrors(t *testing.T) {
	a, _, peer := pair(t, nil)
	ctx := context.Background()

	_, err := a.engine.RunCycle(ctx, 404)
	require.ErrorIs(t, err, ErrPeerNotFound)

	release, ok := a.engine.lockPeer(peer.ID)
	require.True(t, ok)
	_, err = a.engine.RunCycle(ctx, peer.ID)
	require.ErrorIs(t, err, ErrCycleInProgress)
	release()

	require.NoError(t, a.engine.Peers().SetSyncEnabled(ctx, peer.ID, false))
	_, err = a.engine.RunFullSync(ctx, peer.ID)
	require.ErrorIs(t, err, ErrPeerDisabled)
}

// Records never travel back to the node that originated them.
func TestRunCycle_DoesNotEchoRecords(t *testing.T) {
	a, b, peer := pair(t, nil)
	ctx := context.Background()
	a.insertTeam(1, 1, "from a")
	report, err := a.engine.RunCycle(ctx, peer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, report.Pushed)

	srvA := a.serve(nil)
	back := b.addPeer("a", srvA)
	report, err = b.engine.RunCycle(ctx, back.ID)
	require.NoError(t, err)
	require.Equal(t, CycleCompleted, report.Status, "%v", report.Errors)
	require.Zero(t, report.Pushed)

	report, err = a.engine.RunCycle(ctx, peer.ID)
	require.NoError(t, err)
	require.Zero(t, report.Pushed)
	require.Zero(t, report.Pulled)
}

func TestRunFullSync(t *testing.T) {
	a, b, peer := pair(t, nil)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		a.insertTeam(i, 100+i, "a")
	}
	b.insertTeam(11, 211, "b")
	b.insertTeam(12, 212, "b")

	report, err := a.engine.RunFullSync(ctx, peer.ID)
	require.NoError(t, err)
	require.Equal(t, OpTypeFullSync, report.OperationType)
	require.Equal(t, CycleCompleted, report.Status, "%v", report.Errors)
	require.Equal(t, 2, report.Pulled)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, 3, report.Pushed)

	require.Equal(t, 5, countRows(t, a.core, `SELECT COUNT(*) FROM team`))
	require.Equal(t, 5, countRows(t, b.core, `SELECT COUNT(*) FROM team`))
	require.Equal(t, 0, logStatuses(t, a.core, "team")[StatusPending])

	m, err := a.engine.Tracker().Get(ctx, peer.ID, OpTypeFullSync)
	require.NoError(t, err)
	require.EqualValues(t, 1, m.SuccessCount)
}

func TestRunCycle_ReportsStageTimings(t *testing.T) {
	var mu sync.Mutex
	stages := map[string]bool{}
	rec := StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
		mu.Lock()
		defer mu.Unlock()
		stages[timing.Operation+"/"+timing.Stage] = true
	})
	a, _, peer := pair(t, nil, func(c *Config) { c.StageMetrics = rec })
	a.insertTeam(1, 1, "timed")

	_, err := a.engine.RunCycle(context.Background(), peer.ID)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.True(t, stages[OpTypeCycle+"/"+StepPing])
	require.True(t, stages[OpTypeCycle+"/"+StepPushLocal])
	require.True(t, stages[MetricsOpCycle+"/"+MetricsStageTotal])
}
