// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"log/slog"
	"sort"
	"time"
)

// Winner names the side whose record survives a conflict.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"

	MethodLatestTimestamp = "latest_timestamp"
)

// Conflict is a pair of records for the same row whose content differs.
type Conflict struct {
	Local  ChangeRecord
	Remote ChangeRecord
}

// Resolution is the audit record of one resolved conflict.
type Resolution struct {
	Table           string    `json:"table"`
	RecordID        string    `json:"record_id"`
	Winner          Winner    `json:"winner"`
	Method          string    `json:"method"`
	LocalTimestamp  time.Time `json:"local_timestamp"`
	RemoteTimestamp time.Time `json:"remote_timestamp"`
	LocalHash       string    `json:"local_hash"`
	RemoteHash      string    `json:"remote_hash"`
}

// DetectConflicts joins local and remote changes on (table, record_id) and
// returns the pairs with differing content hashes, in a stable order.
func DetectConflicts(local, remote []ChangeRecord) []Conflict {
	byKey := make(map[recordKey]ChangeRecord, len(local))
	for _, rec := range dedupeLatest(local) {
		byKey[rec.key()] = rec
	}
	var out []Conflict
	for _, rem := range dedupeLatest(remote) {
		loc, ok := byKey[rem.key()]
		if !ok || loc.ContentHash == rem.ContentHash {
			continue
		}
		out = append(out, Conflict{Local: loc, Remote: rem})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Local.TableName != out[j].Local.TableName {
			return out[i].Local.TableName < out[j].Local.TableName
		}
		return out[i].Local.RecordID < out[j].Local.RecordID
	})
	return out
}

// ResolveLatestTimestamp is whole-row last-write-wins: the later timestamp wins,
// ties go to the larger content hash and then the larger origin id, so both
// peers pick the same record whichever side they sit on.
//
// Known limitation: concurrent edits to different columns of the same row are
// not merged. The earlier edit is discarded in full.
func ResolveLatestTimestamp(c Conflict) Resolution {
	winner := WinnerLocal
	if c.Remote.newerThan(&c.Local) {
		winner = WinnerRemote
	}
	return Resolution{
		Table:           c.Local.TableName,
		RecordID:        c.Local.RecordID,
		Winner:          winner,
		Method:          MethodLatestTimestamp,
		LocalTimestamp:  c.Local.Timestamp,
		RemoteTimestamp: c.Remote.Timestamp,
		LocalHash:       c.Local.ContentHash,
		RemoteHash:      c.Remote.ContentHash,
	}
}

// ResolveConflicts resolves every conflict and logs each outcome for audit.
func ResolveConflicts(conflicts []Conflict, logger *slog.Logger) []Resolution {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		r := ResolveLatestTimestamp(c)
		logger.Info("conflict resolved",
			"table", r.Table, "record_id", r.RecordID, "winner", r.Winner, "method", r.Method,
			"local_ts", r.LocalTimestamp, "remote_ts", r.RemoteTimestamp)
		out = append(out, r)
	}
	return out
}

// ReconcilePlan splits one cycle's records after conflict resolution.
type ReconcilePlan struct {
	Push       []ChangeRecord // local records to send
	Apply      []ChangeRecord // remote records to apply locally
	Superseded []ChangeRecord // local records that lost a conflict
	Discarded  []ChangeRecord // remote records that lost a conflict
}

// PlanReconcile removes the loser of every resolution from its side.
func PlanReconcile(local, remote []ChangeRecord, resolutions []Resolution) ReconcilePlan {
	winners := make(map[recordKey]Winner, len(resolutions))
	for _, r := range resolutions {
		winners[recordKey{table: r.Table, id: r.RecordID}] = r.Winner
	}
	var plan ReconcilePlan
	for _, rec := range local {
		if w, ok := winners[rec.key()]; ok && w == WinnerRemote {
			plan.Superseded = append(plan.Superseded, rec)
			continue
		}
		plan.Push = append(plan.Push, rec)
	}
	for _, rec := range remote {
		if w, ok := winners[rec.key()]; ok && w == WinnerLocal {
			plan.Discarded = append(plan.Discarded, rec)
			continue
		}
		plan.Apply = append(plan.Apply, rec)
	}
	return plan
}
