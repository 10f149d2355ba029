// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

// Operation is the kind of mutation a ChangeRecord describes.
type Operation string

// Operation constants for change records
const (
	OpInsert     Operation = "insert"
	OpUpdate     Operation = "update"
	OpUpsert     Operation = "upsert"
	OpDelete     Operation = "delete"
	OpSoftDelete Operation = "soft_delete"
	OpReactivate Operation = "reactivate"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpUpsert, OpDelete, OpSoftDelete, OpReactivate:
		return true
	}
	return false
}

// IsWrite reports whether op materializes the payload as a row.
func (op Operation) IsWrite() bool {
	return op == OpInsert || op == OpUpdate || op == OpUpsert
}

// SyncStatus is the delivery state of a change-log entry.
type SyncStatus string

// Status constants for change-log entries
const (
	StatusPending   SyncStatus = "pending"
	StatusCompleted SyncStatus = "completed"
	StatusFailed    SyncStatus = "failed"
)

// Internal table names. None of them is ever tracked for replication.
const (
	changeLogTable   = "database_changes"
	nodeInfoTable    = "sync_node_info"
	peersTable       = "sync_servers"
	syncLogTable     = "sync_log"
	reliabilityTable = "sync_reliability"
)

// Cycle step names, also used as reliability operation types.
const (
	StepPing             = "ping_peer"
	StepCaptureLocal     = "capture_local"
	StepFetchRemote      = "fetch_remote"
	StepDetectConflicts  = "detect_conflicts"
	StepResolveConflicts = "resolve_conflicts"
	StepPushLocal        = "push_local"
	StepApplyRemote      = "apply_remote"
	StepMarkSynced       = "mark_synced"
	StepUpdatePeerHealth = "update_peer_health"

	OpTypeCycle    = "cycle"
	OpTypeFullSync = "full_sync"
)

// Cycle outcome values stored in sync_log.status
const (
	CycleCompleted = "completed"
	CyclePartial   = "partial"
	CycleAborted   = "aborted"
)

// Wire format tag sent with every batch.
const WireFormat = "scoutsync/v1"

// Version is reported by the ping endpoint.
const Version = "1.0.0"

// timeLayout is fixed-width so that stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"
