// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"sort"
	"time"
)

// ChangeRecord is one captured mutation of one row. Payload is a full row snapshot, not a diff.
type ChangeRecord struct {
	ID             int64 // database_changes.id; 0 for records built from a table snapshot
	Partition      string
	TableName      string
	RecordID       string
	Operation      Operation
	Payload        map[string]any
	Timestamp      time.Time
	ContentHash    string
	SyncStatus     SyncStatus
	RetryCount     int
	OriginServerID string

	// Covers lists change-log ids that were folded into this record during de-duplication.
	// They are acknowledged together with it.
	Covers []int64
}

type recordKey struct {
	table string
	id    string
}

func (r *ChangeRecord) key() recordKey {
	return recordKey{table: r.TableName, id: r.RecordID}
}

// LogIDs returns every change-log id this record stands for.
func (r *ChangeRecord) LogIDs() []int64 {
	ids := make([]int64, 0, len(r.Covers)+1)
	if r.ID > 0 {
		ids = append(ids, r.ID)
	}
	return append(ids, r.Covers...)
}

// Seal normalizes the payload and computes the content hash.
func (r *ChangeRecord) Seal() error {
	r.Payload = NormalizePayload(r.Payload)
	h, err := ContentHash(r.Payload)
	if err != nil {
		return err
	}
	r.ContentHash = h
	r.Timestamp = r.Timestamp.UTC()
	return nil
}

// newerThan orders records by timestamp, then hash, then origin, so that the
// comparison is total and independent of input order.
func (r *ChangeRecord) newerThan(o *ChangeRecord) bool {
	if !r.Timestamp.Equal(o.Timestamp) {
		return r.Timestamp.After(o.Timestamp)
	}
	if r.ContentHash != o.ContentHash {
		return r.ContentHash > o.ContentHash
	}
	return r.OriginServerID > o.OriginServerID
}

// dedupeLatest keeps the newest record per (table, record_id). The log ids of
// dropped records move into the survivor's Covers. A snapshot with the same
// content as a log entry is the same edit, so the log entry and its time survive.
func dedupeLatest(records []ChangeRecord) []ChangeRecord {
	idx := make(map[recordKey]int, len(records))
	out := make([]ChangeRecord, 0, len(records))
	for _, rec := range records {
		k := rec.key()
		i, seen := idx[k]
		if !seen {
			idx[k] = len(out)
			out = append(out, rec)
			continue
		}
		cur := &out[i]
		if sameEdit(&rec, cur) {
			if rec.ID != 0 {
				rec.Covers = append(rec.Covers, cur.LogIDs()...)
				out[i] = rec
			}
			continue
		}
		if rec.newerThan(cur) {
			rec.Covers = append(rec.Covers, cur.LogIDs()...)
			out[i] = rec
		} else {
			cur.Covers = append(cur.Covers, rec.LogIDs()...)
		}
	}
	return out
}

// sameEdit reports whether one record is a log entry and the other a snapshot of the same content.
func sameEdit(a, b *ChangeRecord) bool {
	return a.ContentHash != "" && a.ContentHash == b.ContentHash && (a.ID == 0) != (b.ID == 0)
}

func sortByTimestamp(records []ChangeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts the layouts SQLite rows are commonly written with.
func parseTime(s string) (time.Time, bool) {
	layouts := []string{
		timeLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
