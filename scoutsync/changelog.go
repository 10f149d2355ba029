// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const changeColumns = `id, table_name, record_id, operation, change_data, timestamp, change_hash, sync_status, retry_count, origin_server_id`

// ChangeLog is the durable per-partition record of every mutation (table database_changes).
// Entries are immutable except for sync_status and retry_count.
type ChangeLog struct {
	partitions *Partitions
	logger     *slog.Logger
}

func NewChangeLog(partitions *Partitions, logger *slog.Logger) *ChangeLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeLog{partitions: partitions, logger: logger}
}

func (l *ChangeLog) db(partition string) (*sql.DB, error) {
	p, ok := l.partitions.Get(partition)
	if !ok {
		return nil, fmt.Errorf("unknown partition %q", partition)
	}
	return p.DB, nil
}

// Append writes rec through ex (a *sql.DB or an open *sql.Tx of rec's partition).
// The record is sealed first when it has no hash yet.
func (l *ChangeLog) Append(ctx context.Context, ex sqlExecer, rec *ChangeRecord) (int64, error) {
	if !rec.Operation.Valid() {
		return 0, fmt.Errorf("invalid operation %q", rec.Operation)
	}
	if rec.ContentHash == "" {
		if err := rec.Seal(); err != nil {
			return 0, err
		}
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = StatusPending
	}
	data, err := canonicalJSON(NormalizePayload(rec.Payload))
	if err != nil {
		return 0, fmt.Errorf("failed to encode change payload: %w", err)
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO database_changes (table_name, record_id, operation, change_data, timestamp, change_hash, sync_status, retry_count, origin_server_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TableName, rec.RecordID, string(rec.Operation), string(data), formatTime(rec.Timestamp),
		rec.ContentHash, string(rec.SyncStatus), rec.RetryCount, rec.OriginServerID)
	if err != nil {
		return 0, fmt.Errorf("failed to append change for %s[%s]: %w", rec.TableName, rec.RecordID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	rec.ID = id
	return id, nil
}

func scanChange(rows *sql.Rows, partition string) (ChangeRecord, error) {
	var (
		rec       ChangeRecord
		op        string
		data      sql.NullString
		ts        string
		status    string
		retries   int
		origin    string
		tableName string
		recordID  string
	)
	if err := rows.Scan(&rec.ID, &tableName, &recordID, &op, &data, &ts, &rec.ContentHash, &status, &retries, &origin); err != nil {
		return rec, fmt.Errorf("failed to scan change: %w", err)
	}
	payload, err := decodePayload([]byte(data.String))
	if err != nil {
		return rec, fmt.Errorf("change %d: %w", rec.ID, err)
	}
	parsed, ok := parseTime(ts)
	if !ok {
		return rec, fmt.Errorf("change %d: invalid timestamp %q", rec.ID, ts)
	}
	rec.Partition = partition
	rec.TableName = tableName
	rec.RecordID = recordID
	rec.Operation = Operation(op)
	rec.Payload = payload
	rec.Timestamp = parsed
	rec.SyncStatus = SyncStatus(status)
	rec.RetryCount = retries
	rec.OriginServerID = origin
	return rec, nil
}

func (l *ChangeLog) query(ctx context.Context, partition, query string, args ...any) ([]ChangeRecord, error) {
	db, err := l.db(partition)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log of %s: %w", partition, err)
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows, partition)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Pending returns entries still awaiting delivery, oldest first. limit <= 0 means no limit.
func (l *ChangeLog) Pending(ctx context.Context, partition string, limit int) ([]ChangeRecord, error) {
	q := `SELECT ` + changeColumns + ` FROM database_changes WHERE sync_status = 'pending' AND change_hash != '' ORDER BY id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return l.query(ctx, partition, q)
}

// Since returns entries that are pending or newer than since. Failed entries are left
// out until ResetFailed re-queues them.
func (l *ChangeLog) Since(ctx context.Context, partition string, since time.Time) ([]ChangeRecord, error) {
	return l.query(ctx, partition, `SELECT `+changeColumns+` FROM database_changes
		WHERE change_hash != '' AND sync_status != 'failed'
		  AND (sync_status = 'pending' OR julianday(timestamp) >= julianday(?))
		ORDER BY id`, formatTime(since))
}

// All returns every non-failed entry of a partition; used by full resync.
func (l *ChangeLog) All(ctx context.Context, partition string) ([]ChangeRecord, error) {
	return l.query(ctx, partition, `SELECT `+changeColumns+` FROM database_changes
		WHERE change_hash != '' AND sync_status != 'failed' ORDER BY id`)
}

// LatestFor returns the newest entry for one row, or nil.
func (l *ChangeLog) LatestFor(ctx context.Context, q sqlQueryer, partition, table, recordID string) (*ChangeRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+changeColumns+` FROM database_changes
		WHERE table_name = ? AND record_id = ? AND change_hash != ''
		ORDER BY julianday(timestamp) DESC, id DESC LIMIT 1`, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest change: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanChange(rows, partition)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// EntryWithHash returns the newest entry carrying exactly this content, or nil.
func (l *ChangeLog) EntryWithHash(ctx context.Context, partition, table, recordID, hash string) (*ChangeRecord, error) {
	db, err := l.db(partition)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+changeColumns+` FROM database_changes
		WHERE table_name = ? AND record_id = ? AND change_hash = ?
		ORDER BY id DESC LIMIT 1`, table, recordID, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up change by hash: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanChange(rows, partition)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// OriginOf returns the origin of the newest entry carrying exactly this content, or "".
func (l *ChangeLog) OriginOf(ctx context.Context, partition, table, recordID, hash string) (string, error) {
	rec, err := l.EntryWithHash(ctx, partition, table, recordID, hash)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.OriginServerID, nil
}

// MarkCompleted flips the given entries to completed.
func (l *ChangeLog) MarkCompleted(ctx context.Context, partition string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return l.updateIDs(ctx, partition, ids,
		`UPDATE database_changes SET sync_status = 'completed' WHERE id IN (%s)`)
}

// MarkRetry increments retry_count of pending entries; entries reaching maxRetries become failed.
func (l *ChangeLog) MarkRetry(ctx context.Context, partition string, ids []int64, maxRetries int) error {
	if len(ids) == 0 {
		return nil
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return l.updateIDs(ctx, partition, ids, fmt.Sprintf(`UPDATE database_changes SET
		retry_count = retry_count + 1,
		sync_status = CASE WHEN retry_count + 1 >= %d THEN 'failed' ELSE 'pending' END
		WHERE sync_status = 'pending' AND id IN (%%s)`, maxRetries))
}

func (l *ChangeLog) updateIDs(ctx context.Context, partition string, ids []int64, stmt string) error {
	db, err := l.db(partition)
	if err != nil {
		return err
	}
	// Chunked to stay below SQLite's host parameter limit.
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		if _, err := db.ExecContext(ctx, fmt.Sprintf(stmt, placeholders), args...); err != nil {
			return fmt.Errorf("failed to update change status in %s: %w", partition, err)
		}
	}
	return nil
}

// ResetFailed re-queues failed entries with a fresh retry budget.
func (l *ChangeLog) ResetFailed(ctx context.Context, partition string) (int64, error) {
	db, err := l.db(partition)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE database_changes SET sync_status = 'pending', retry_count = 0 WHERE sync_status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed changes: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes completed entries older than retention in every partition.
// Pending and failed entries are never removed.
func (l *ChangeLog) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-retention))
	var total int64
	for _, p := range l.partitions.All() {
		res, err := p.DB.ExecContext(ctx, `DELETE FROM database_changes
			WHERE sync_status = 'completed' AND julianday(timestamp) < julianday(?)`, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune change log of %s: %w", p.Name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		l.logger.Info("pruned change log", "removed", total, "retention", retention)
	}
	return total, nil
}

// SealHashes computes hashes for entries written by capture triggers, which
// cannot hash in SQL. Payload and timestamp are rewritten in canonical form;
// prepare, when set, adjusts each payload before hashing.
func (l *ChangeLog) SealHashes(ctx context.Context, partition string, prepare func(table string, payload map[string]any)) (int, error) {
	db, err := l.db(partition)
	if err != nil {
		return 0, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, table_name, change_data, timestamp FROM database_changes WHERE change_hash = '' ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("failed to read unsealed changes: %w", err)
	}
	type unsealed struct {
		id    int64
		table string
		data  sql.NullString
		ts    string
	}
	var pending []unsealed
	for rows.Next() {
		var u unsealed
		if err := rows.Scan(&u.id, &u.table, &u.data, &u.ts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan unsealed change: %w", err)
		}
		pending = append(pending, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin seal transaction: %w", err)
	}
	defer tx.Rollback()

	sealed := 0
	for _, u := range pending {
		payload, err := decodePayload([]byte(u.data.String))
		if err != nil {
			l.logger.Warn("skipping change with unreadable payload", "partition", partition, "id", u.id, "error", err)
			continue
		}
		if prepare != nil {
			prepare(u.table, payload)
		}
		rec := ChangeRecord{Payload: payload}
		if ts, ok := parseTime(u.ts); ok {
			rec.Timestamp = ts
		} else {
			rec.Timestamp = time.Now().UTC()
		}
		if err := rec.Seal(); err != nil {
			return sealed, err
		}
		data, err := canonicalJSON(rec.Payload)
		if err != nil {
			return sealed, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE database_changes SET change_hash = ?, change_data = ?, timestamp = ? WHERE id = ?`,
			rec.ContentHash, string(data), formatTime(rec.Timestamp), u.id); err != nil {
			return sealed, fmt.Errorf("failed to seal change %d: %w", u.id, err)
		}
		sealed++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sealed changes: %w", err)
	}
	return sealed, nil
}

// StatusCounts reports the number of entries per status across partitions.
func (l *ChangeLog) StatusCounts(ctx context.Context) (map[SyncStatus]int64, error) {
	counts := map[SyncStatus]int64{StatusPending: 0, StatusCompleted: 0, StatusFailed: 0}
	for _, p := range l.partitions.All() {
		rows, err := p.DB.QueryContext(ctx,
			`SELECT sync_status, COUNT(*) FROM database_changes GROUP BY sync_status`)
		if err != nil {
			return nil, fmt.Errorf("failed to count changes in %s: %w", p.Name, err)
		}
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, err
			}
			counts[SyncStatus(status)] += n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return counts, nil
}

// groupLogIDs collects the change-log ids of records per partition.
func groupLogIDs(records []ChangeRecord) map[string][]int64 {
	out := make(map[string][]int64)
	for i := range records {
		ids := records[i].LogIDs()
		if len(ids) == 0 {
			continue
		}
		out[records[i].Partition] = append(out[records[i].Partition], ids...)
	}
	return out
}
