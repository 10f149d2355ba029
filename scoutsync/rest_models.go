// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"time"
)

// REST/JSON models exchanged between peers and with the admin API

// WireChange is the JSON representation of a ChangeRecord.
type WireChange struct {
	Table          string         `json:"table"`
	RecordID       string         `json:"record_id"`
	Operation      Operation      `json:"operation"`
	Data           map[string]any `json:"data"`
	Timestamp      time.Time      `json:"timestamp"`
	ChangeHash     string         `json:"change_hash"`
	OriginServerID string         `json:"origin_server_id,omitempty"`
}

// ToWire converts records for sending; log ids and status stay local.
func ToWire(records []ChangeRecord) []WireChange {
	out := make([]WireChange, len(records))
	for i := range records {
		r := &records[i]
		out[i] = WireChange{
			Table:          r.TableName,
			RecordID:       r.RecordID,
			Operation:      r.Operation,
			Data:           r.Payload,
			Timestamp:      r.Timestamp.UTC(),
			ChangeHash:     r.ContentHash,
			OriginServerID: r.OriginServerID,
		}
	}
	return out
}

// FromWire converts received changes. A record without an origin is attributed to fallbackOrigin.
func FromWire(changes []WireChange, fallbackOrigin string) []ChangeRecord {
	out := make([]ChangeRecord, len(changes))
	for i := range changes {
		w := &changes[i]
		origin := w.OriginServerID
		if origin == "" {
			origin = fallbackOrigin
		}
		out[i] = ChangeRecord{
			TableName:      w.Table,
			RecordID:       w.RecordID,
			Operation:      w.Operation,
			Payload:        w.Data,
			Timestamp:      w.Timestamp.UTC(),
			ContentHash:    w.ChangeHash,
			SyncStatus:     StatusPending,
			OriginServerID: origin,
		}
	}
	return out
}

// PingResponse answers GET /api/sync/ping
type PingResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"server_id"`
	Version  string `json:"version"`
}

// ChangesResponse answers GET /api/sync/changes
type ChangesResponse struct {
	Changes    []WireChange `json:"changes"`
	ServerID   string       `json:"server_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Format     string       `json:"format"`
	TotalCount int          `json:"total_count"`
	Checksum   string       `json:"checksum"`
}

// PushRequest is the body of POST /api/sync/receive-changes and /api/sync/full-sync-receive
type PushRequest struct {
	Changes    []WireChange `json:"changes"`
	ServerID   string       `json:"server_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Format     string       `json:"format"`
	TotalCount int          `json:"total_count"`
	Checksum   string       `json:"checksum"`
}

// PushResponse reports how many records of a pushed batch were handled.
type PushResponse struct {
	AppliedCount int          `json:"applied_count"`
	Superseded   int          `json:"superseded,omitempty"`
	Errors       []ApplyError `json:"errors,omitempty"`
}

// FullSyncPage answers GET /api/sync/full-sync-send
type FullSyncPage struct {
	Changes  []WireChange `json:"changes"`
	ServerID string       `json:"server_id"`
	Offset   int          `json:"offset"`
	Limit    int          `json:"limit"`
	Total    int          `json:"total"`
	HasMore  bool         `json:"has_more"`
	Checksum string       `json:"checksum"`
}

// AddPeerRequest is the body of POST /api/sync/servers
type AddPeerRequest struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
}

// StatusResponse answers GET /api/sync/status
type StatusResponse struct {
	ServerID   string               `json:"server_id"`
	Version    string               `json:"version"`
	Partitions []string             `json:"partitions"`
	Changes    map[SyncStatus]int64 `json:"changes"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
