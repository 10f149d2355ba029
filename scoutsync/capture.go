// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// CaptureResult is everything a peer needs to catch up since a point in time.
// Errors holds per-table and per-partition failures that did not stop capture.
type CaptureResult struct {
	Changes []ChangeRecord
	Errors  []error
	Tables  int
}

// Capturer produces ChangeRecords from table snapshots and the change log.
// It never changes sync_status, but it seals trigger entries (payload,
// timestamp and hash) before reading them.
type Capturer struct {
	partitions    *Partitions
	catalog       SchemaCatalog
	changeLog     *ChangeLog
	refs          *referenceResolver
	serverID      string
	snapshotLimit int
	logger        *slog.Logger
	now           func() time.Time
}

func newCapturer(partitions *Partitions, catalog SchemaCatalog, changeLog *ChangeLog, refs *referenceResolver,
	serverID string, snapshotLimit int, logger *slog.Logger) *Capturer {
	return &Capturer{
		partitions:    partitions,
		catalog:       catalog,
		changeLog:     changeLog,
		refs:          refs,
		serverID:      serverID,
		snapshotLimit: snapshotLimit,
		logger:        logger,
		now:           time.Now,
	}
}

// Capture collects changes since the given time across all partitions.
// Tables without timestamp columns contribute a snapshot bounded by the snapshot limit.
// Unsealed trigger entries are sealed first; delivery state is left as is.
// The error is non-nil only when no partition could be read at all.
func (c *Capturer) Capture(ctx context.Context, since time.Time) (CaptureResult, error) {
	return c.capture(ctx, since, c.snapshotLimit)
}

// CaptureAll collects every row of every tracked table, for full resync.
func (c *Capturer) CaptureAll(ctx context.Context) (CaptureResult, error) {
	return c.capture(ctx, time.Time{}, 0)
}

// ChangesFor is Capture as served to a requesting peer: records that peer
// originated are left out so they do not travel back to it.
func (c *Capturer) ChangesFor(ctx context.Context, since time.Time, requester string) (CaptureResult, error) {
	res, err := c.Capture(ctx, since)
	if err != nil {
		return res, err
	}
	res.Changes = withoutOrigin(res.Changes, requester)
	return res, nil
}

func withoutOrigin(changes []ChangeRecord, origin string) []ChangeRecord {
	if origin == "" {
		return changes
	}
	out := changes[:0:0]
	for _, ch := range changes {
		if ch.OriginServerID != origin {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Capturer) capture(ctx context.Context, since time.Time, limit int) (CaptureResult, error) {
	var res CaptureResult
	failedPartitions := 0
	for _, p := range c.partitions.All() {
		changes, tables, errs, err := c.capturePartition(ctx, p, since, limit)
		if err != nil {
			failedPartitions++
			c.logger.Error("partition capture failed", "partition", p.Name, "error", err)
			res.Errors = append(res.Errors, fmt.Errorf("partition %s: %w", p.Name, err))
			continue
		}
		res.Changes = append(res.Changes, changes...)
		res.Errors = append(res.Errors, errs...)
		res.Tables += tables
	}
	sortByTimestamp(res.Changes)
	if failedPartitions == len(c.partitions.All()) {
		return res, newSyncError(KindTransient, "capture", errors.Join(res.Errors...))
	}
	return res, nil
}

// capturePartition returns the merged records of one partition. A returned
// error means the partition itself is unreadable; table errors are collected.
func (c *Capturer) capturePartition(ctx context.Context, p *Partition, since time.Time, limit int) ([]ChangeRecord, int, []error, error) {
	if _, err := c.changeLog.SealHashes(ctx, p.Name, c.prepareFor(ctx, p.Name)); err != nil {
		return nil, 0, nil, err
	}
	tables, err := c.catalog.DiscoverTables(ctx, p.Name)
	if err != nil {
		return nil, 0, nil, err
	}

	var (
		records []ChangeRecord
		errs    []error
		tracked = make(map[string]bool, len(tables))
	)
	for _, table := range tables {
		tracked[strings.ToLower(table)] = true
		recs, err := c.captureTable(ctx, p, table, since, limit)
		if err != nil {
			c.logger.Warn("table capture failed", "partition", p.Name, "table", table, "error", err)
			errs = append(errs, recordError(KindSchemaMismatch, "capture", &ChangeRecord{TableName: table}, err))
			continue
		}
		records = append(records, recs...)
	}

	logged, err := c.changeLog.Since(ctx, p.Name, since)
	if err != nil {
		return nil, 0, nil, err
	}
	merged := make([]ChangeRecord, 0, len(logged)+len(records))
	for _, rec := range logged {
		if tracked[strings.ToLower(rec.TableName)] {
			merged = append(merged, rec)
		}
	}
	merged = append(merged, records...)
	return dedupeLatest(merged), len(tables), errs, nil
}

func (c *Capturer) prepareFor(ctx context.Context, partition string) func(string, map[string]any) {
	return temporalNormalizer(ctx, c.catalog, partition)
}

// temporalNormalizer adjusts trigger payloads of one partition before they are sealed.
func temporalNormalizer(ctx context.Context, catalog SchemaCatalog, partition string) func(string, map[string]any) {
	return func(table string, payload map[string]any) {
		info, err := catalog.TableInfo(ctx, partition, table)
		if err != nil {
			return
		}
		info.NormalizeTemporal(payload)
	}
}

// captureTable selects rows changed since the given time, or a bounded snapshot
// when the table has no timestamp columns.
func (c *Capturer) captureTable(ctx context.Context, p *Partition, table string, since time.Time, limit int) ([]ChangeRecord, error) {
	info, err := c.catalog.TableInfo(ctx, p.Name, table)
	if err != nil {
		return nil, err
	}

	selectList := "*"
	if len(info.PrimaryKey) == 0 {
		selectList = "rowid AS rowid, *"
	}
	query := fmt.Sprintf("SELECT %s FROM %s", selectList, quoteIdent(table))
	var args []any
	tsCols := info.TimestampColumns()
	var tsExpr string
	if len(tsCols) > 0 {
		quoted := make([]string, len(tsCols))
		for i, col := range tsCols {
			quoted[i] = quoteIdent(col)
		}
		tsExpr = quoted[0]
		if len(quoted) > 1 {
			tsExpr = fmt.Sprintf("COALESCE(%s)", strings.Join(quoted, ", "))
		}
		if !since.IsZero() {
			query += fmt.Sprintf(" WHERE julianday(%s) >= julianday(?)", tsExpr)
			args = append(args, formatTime(since))
		}
	} else if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s: %w", table, err)
	}
	snapshots, err := scanRowMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}

	captureTime := c.now().UTC()
	out := make([]ChangeRecord, 0, len(snapshots))
	for _, row := range snapshots {
		recordID := info.RecordID(row)
		delete(row, "rowid")

		ts, stamped := captureTime, false
		for _, col := range tsCols {
			if t, ok := timestampValue(row[col]); ok {
				ts, stamped = t, true
				break
			}
		}
		if err := c.refs.Enrich(ctx, p.Name, table, row); err != nil {
			return nil, err
		}
		rec := ChangeRecord{
			Partition:  p.Name,
			TableName:  table,
			RecordID:   recordID,
			Operation:  OpUpsert,
			Payload:    row,
			Timestamp:  ts,
			SyncStatus: StatusPending,
		}
		if err := rec.Seal(); err != nil {
			return nil, err
		}
		// A row already in the log keeps the origin and edit time of that entry.
		rec.OriginServerID = c.serverID
		logged, err := c.changeLog.EntryWithHash(ctx, p.Name, table, recordID, rec.ContentHash)
		if err != nil {
			return nil, err
		}
		if logged != nil {
			if logged.OriginServerID != "" {
				rec.OriginServerID = logged.OriginServerID
			}
			if !stamped {
				rec.Timestamp = logged.Timestamp
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func timestampValue(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		return parseTime(x)
	case []byte:
		return parseTime(string(x))
	}
	return time.Time{}, false
}

// scanRowMaps reads every row into a column -> value map and closes rows.
func scanRowMaps(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Track records a change made by the web layer after its transaction committed.
// recordID may be empty when payload carries the primary key.
func (c *Capturer) Track(ctx context.Context, table, recordID string, op Operation, payload map[string]any) (*ChangeRecord, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation %q", op)
	}
	part, err := c.catalog.PartitionFor(ctx, table)
	if err != nil {
		return nil, recordError(KindSchemaMismatch, "track", &ChangeRecord{TableName: table, RecordID: recordID}, err)
	}
	info, err := c.catalog.TableInfo(ctx, part, table)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if recordID == "" {
		recordID = info.RecordID(payload)
	}
	if recordID == "" {
		return nil, fmt.Errorf("cannot determine record id for %s", table)
	}
	info.NormalizeTemporal(payload)
	if op.IsWrite() || op == OpReactivate {
		if err := c.refs.Enrich(ctx, part, table, payload); err != nil {
			return nil, err
		}
	}
	rec := &ChangeRecord{
		Partition:      part,
		TableName:      info.Table,
		RecordID:       recordID,
		Operation:      op,
		Payload:        payload,
		Timestamp:      c.now(),
		SyncStatus:     StatusPending,
		OriginServerID: c.serverID,
	}
	if err := rec.Seal(); err != nil {
		return nil, err
	}
	p, _ := c.partitions.Get(part)
	if _, err := c.changeLog.Append(ctx, p.DB, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// sortForPaging orders records deterministically so offset/limit pages are stable.
func sortForPaging(records []ChangeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := &records[i], &records[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.TableName != b.TableName {
			return a.TableName < b.TableName
		}
		return a.RecordID < b.RecordID
	})
}
