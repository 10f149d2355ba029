// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func teamChange(t *testing.T, name, origin string, ts time.Time) ChangeRecord {
	t.Helper()
	rec := sealed(t, "team", "7", OpUpdate, ts, map[string]any{"id": int64(7), "team_number": int64(1678), "team_name": name})
	rec.OriginServerID = origin
	return rec
}

func TestResolveLatestTimestamp_LaterWinsRegardlessOfSide(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	earlier := teamChange(t, "Citrus Circuits", "node-a", t1)
	later := teamChange(t, "Citrus Circuits 1678", "node-b", t2)

	r := ResolveLatestTimestamp(Conflict{Local: earlier, Remote: later})
	require.Equal(t, WinnerRemote, r.Winner)
	require.Equal(t, MethodLatestTimestamp, r.Method)
	require.Equal(t, later.ContentHash, r.RemoteHash)

	r = ResolveLatestTimestamp(Conflict{Local: later, Remote: earlier})
	require.Equal(t, WinnerLocal, r.Winner)
	require.Equal(t, later.ContentHash, r.LocalHash)
}

func TestResolveLatestTimestamp_TieIsDeterministic(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	a := teamChange(t, "Spartan Robotics", "node-a", ts)
	b := teamChange(t, "The Spartans", "node-b", ts)

	winnerHash := func(c Conflict) string {
		r := ResolveLatestTimestamp(c)
		if r.Winner == WinnerLocal {
			return r.LocalHash
		}
		return r.RemoteHash
	}
	require.Equal(t, winnerHash(Conflict{Local: a, Remote: b}), winnerHash(Conflict{Local: b, Remote: a}))
}

func TestDetectConflicts(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	same := sealed(t, "team", "1", OpUpsert, ts, map[string]any{"id": int64(1), "team_name": "x"})
	localOnly := sealed(t, "team", "2", OpUpsert, ts, map[string]any{"id": int64(2)})
	localDiff := sealed(t, "team", "3", OpUpsert, ts, map[string]any{"id": int64(3), "team_name": "local"})
	remoteDiff := sealed(t, "team", "3", OpUpsert, ts.Add(time.Minute), map[string]any{"id": int64(3), "team_name": "remote"})
	remoteOnly := sealed(t, "match_scouting", "9", OpUpsert, ts, map[string]any{"id": int64(9)})

	conflicts := DetectConflicts(
		[]ChangeRecord{same, localOnly, localDiff},
		[]ChangeRecord{same, remoteDiff, remoteOnly},
	)
	require.Len(t, conflicts, 1)
	require.Equal(t, "3", conflicts[0].Local.RecordID)
	require.Equal(t, "local", conflicts[0].Local.Payload["team_name"])
	require.Equal(t, "remote", conflicts[0].Remote.Payload["team_name"])
}

func TestPlanReconcile_DropsLosers(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	localWin := sealed(t, "team", "1", OpUpsert, ts.Add(time.Minute), map[string]any{"id": int64(1), "team_name": "l"})
	remoteLose := sealed(t, "team", "1", OpUpsert, ts, map[string]any{"id": int64(1), "team_name": "r"})
	localLose := sealed(t, "team", "2", OpUpsert, ts, map[string]any{"id": int64(2), "team_name": "l"})
	remoteWin := sealed(t, "team", "2", OpUpsert, ts.Add(time.Minute), map[string]any{"id": int64(2), "team_name": "r"})
	plain := sealed(t, "team", "3", OpUpsert, ts, map[string]any{"id": int64(3)})

	local := []ChangeRecord{localWin, localLose, plain}
	remote := []ChangeRecord{remoteLose, remoteWin}
	res := ResolveConflicts(DetectConflicts(local, remote), testLogger())
	require.Len(t, res, 2)

	plan := PlanReconcile(local, remote, res)
	require.Equal(t, []ChangeRecord{localWin, plain}, plan.Push)
	require.Equal(t, []ChangeRecord{localLose}, plan.Superseded)
	require.Equal(t, []ChangeRecord{remoteWin}, plan.Apply)
	require.Equal(t, []ChangeRecord{remoteLose}, plan.Discarded)
}
