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
	"strconv"
	"strings"
	"time"
)

// ApplyOptions tunes one Apply call.
type ApplyOptions struct {
	// GuardNewerLocal skips incoming records when the local log already holds a
	// newer entry with different content for the same row. Used on the receive path.
	GuardNewerLocal bool
}

// ApplyError describes one record that could not be applied.
type ApplyError struct {
	Table     string    `json:"table"`
	RecordID  string    `json:"record_id"`
	Operation Operation `json:"operation"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

func (e ApplyError) Error() string {
	return fmt.Sprintf("%s %s[%s]: %s", e.Operation, e.Table, e.RecordID, e.Message)
}

// ApplyResult reports one batch. AppliedCount includes superseded records,
// which are handled (a newer local version exists) but not written.
type ApplyResult struct {
	AppliedCount int          `json:"applied_count"`
	Superseded   int          `json:"superseded"`
	Errors       []ApplyError `json:"errors,omitempty"`
}

func (r *ApplyResult) merge(o ApplyResult) {
	r.AppliedCount += o.AppliedCount
	r.Superseded += o.Superseded
	r.Errors = append(r.Errors, o.Errors...)
}

func (r *ApplyResult) fail(rec *ChangeRecord, err error) {
	kind := KindOf(err)
	if kind == 0 {
		kind = KindUnresolvable
	}
	r.Errors = append(r.Errors, ApplyError{
		Table:     rec.TableName,
		RecordID:  rec.RecordID,
		Operation: rec.Operation,
		Kind:      kind.String(),
		Message:   err.Error(),
	})
}

// DefaultTablePriority applies parent tables before the join rows that reference them.
func DefaultTablePriority() map[string]int {
	return map[string]int{
		"role":       0,
		"user":       1,
		"user_roles": 2,
	}
}

const defaultTablePriority = 100

// Applier writes remote ChangeRecords into local partitions.
type Applier struct {
	partitions *Partitions
	catalog    SchemaCatalog
	changeLog  *ChangeLog
	refs       *referenceResolver
	priority   map[string]int
	logger     *slog.Logger
}

func newApplier(partitions *Partitions, catalog SchemaCatalog, changeLog *ChangeLog, refs *referenceResolver,
	priority map[string]int, logger *slog.Logger) *Applier {
	p := make(map[string]int, len(priority))
	for t, v := range priority {
		p[strings.ToLower(t)] = v
	}
	return &Applier{
		partitions: partitions,
		catalog:    catalog,
		changeLog:  changeLog,
		refs:       refs,
		priority:   p,
		logger:     logger,
	}
}

func (a *Applier) priorityOf(table string) int {
	if v, ok := a.priority[strings.ToLower(table)]; ok {
		return v
	}
	return defaultTablePriority
}

// orderBatch sorts by static table priority, then timestamp. Ties keep input order.
func (a *Applier) orderBatch(batch []ChangeRecord) {
	sort.SliceStable(batch, func(i, j int) bool {
		pi, pj := a.priorityOf(batch[i].TableName), a.priorityOf(batch[j].TableName)
		if pi != pj {
			return pi < pj
		}
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})
}

// Apply writes a batch into the partitions owning its tables: one transaction
// per partition, one savepoint per record. A failing record is rolled back,
// reported and skipped; the rest of the batch proceeds. The returned error is
// set only when a whole partition transaction could not be committed.
func (a *Applier) Apply(ctx context.Context, batch []ChangeRecord, opts ApplyOptions) (ApplyResult, error) {
	var res ApplyResult
	groups := make(map[string][]ChangeRecord)
	var order []string

	for i := range batch {
		rec := batch[i]
		if err := a.prepare(ctx, &rec); err != nil {
			a.logger.Warn("rejecting change", "table", rec.TableName, "record_id", rec.RecordID, "error", err)
			res.fail(&rec, err)
			continue
		}
		if _, seen := groups[rec.Partition]; !seen {
			order = append(order, rec.Partition)
		}
		groups[rec.Partition] = append(groups[rec.Partition], rec)
	}

	var txErrs []error
	for _, part := range order {
		group := groups[part]
		a.orderBatch(group)
		pres, err := a.applyPartition(ctx, part, group, opts)
		if err != nil {
			a.logger.Error("partition apply failed", "partition", part, "records", len(group), "error", err)
			txErrs = append(txErrs, err)
			for i := range group {
				res.fail(&group[i], err)
			}
			continue
		}
		res.merge(pres)
	}
	if len(txErrs) > 0 {
		return res, newSyncError(KindTransient, "apply", errors.Join(txErrs...))
	}
	return res, nil
}

// prepare validates a record and assigns its partition.
func (a *Applier) prepare(ctx context.Context, rec *ChangeRecord) error {
	if !rec.Operation.Valid() {
		return recordError(KindSchemaMismatch, "apply", rec, fmt.Errorf("unknown operation %q", rec.Operation))
	}
	if rec.RecordID == "" {
		return recordError(KindSchemaMismatch, "apply", rec, errors.New("missing record_id"))
	}
	part, err := a.catalog.PartitionFor(ctx, rec.TableName)
	if err != nil {
		return recordError(KindSchemaMismatch, "apply", rec, err)
	}
	rec.Partition = part
	rec.Payload = NormalizePayload(rec.Payload)
	sum, err := ContentHash(rec.Payload)
	if err != nil {
		return recordError(KindSchemaMismatch, "apply", rec, err)
	}
	if rec.ContentHash == "" {
		rec.ContentHash = sum
	} else if rec.ContentHash != sum {
		return recordError(KindChecksumMismatch, "apply", rec,
			fmt.Errorf("content hash %s does not match payload (%s)", rec.ContentHash, sum))
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return nil
}

func (a *Applier) applyPartition(ctx context.Context, part string, group []ChangeRecord, opts ApplyOptions) (ApplyResult, error) {
	var res ApplyResult
	p, ok := a.partitions.Get(part)
	if !ok {
		return res, fmt.Errorf("unknown partition %q", part)
	}
	if opts.GuardNewerLocal {
		// Trigger entries have no hash until sealed and would be invisible to the guard.
		if _, err := a.changeLog.SealHashes(ctx, part, temporalNormalizer(ctx, a.catalog, part)); err != nil {
			return res, err
		}
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Suppress capture triggers for the writes below; the flag is only visible inside this transaction.
	if _, err := tx.ExecContext(ctx, `UPDATE sync_node_info SET apply_mode = 1 WHERE id = 1`); err != nil {
		return res, fmt.Errorf("failed to enable apply mode: %w", err)
	}

	for i := range group {
		rec := &group[i]
		if _, err := tx.ExecContext(ctx, `SAVEPOINT apply_record`); err != nil {
			return res, fmt.Errorf("failed to create savepoint: %w", err)
		}
		superseded, err := a.applyRecord(ctx, tx, rec, opts)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO apply_record`); rbErr != nil {
				return res, fmt.Errorf("failed to roll back record: %w", rbErr)
			}
			_, _ = tx.ExecContext(ctx, `RELEASE apply_record`)
			a.logger.Warn("skipping change that failed to apply",
				"table", rec.TableName, "record_id", rec.RecordID, "op", rec.Operation, "error", err)
			res.fail(rec, err)
			continue
		}
		if _, err := tx.ExecContext(ctx, `RELEASE apply_record`); err != nil {
			return res, fmt.Errorf("failed to release savepoint: %w", err)
		}
		res.AppliedCount++
		if superseded {
			res.Superseded++
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sync_node_info SET apply_mode = 0 WHERE id = 1`); err != nil {
		return res, fmt.Errorf("failed to disable apply mode: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to commit apply transaction: %w", err)
	}
	return res, nil
}

// applyRecord applies one record inside the partition transaction and logs it
// as completed under its original origin.
func (a *Applier) applyRecord(ctx context.Context, tx *sql.Tx, rec *ChangeRecord, opts ApplyOptions) (bool, error) {
	info, err := a.catalog.TableInfo(ctx, rec.Partition, rec.TableName)
	if err != nil {
		return false, recordError(KindSchemaMismatch, "apply", rec, err)
	}

	if opts.GuardNewerLocal {
		latest, err := a.changeLog.LatestFor(ctx, tx, rec.Partition, info.Table, rec.RecordID)
		if err != nil {
			return false, err
		}
		if latest != nil && latest.ContentHash != rec.ContentHash && latest.newerThan(rec) {
			a.logger.Info("incoming change superseded by newer local change",
				"table", rec.TableName, "record_id", rec.RecordID,
				"incoming_ts", rec.Timestamp, "local_ts", latest.Timestamp)
			return true, nil
		}
	}

	payload := make(map[string]any, len(rec.Payload))
	for k, v := range rec.Payload {
		payload[k] = v
	}

	localID := rec.RecordID
	switch rec.Operation {
	case OpInsert, OpUpdate, OpUpsert:
		localID, err = a.upsertRow(ctx, tx, info, rec, payload)
	case OpSoftDelete:
		localID, err = a.softDelete(ctx, tx, info, rec, payload)
	case OpReactivate:
		localID, err = a.reactivate(ctx, tx, info, rec, payload)
	case OpDelete:
		localID, err = a.hardDelete(ctx, tx, info, rec, payload)
	}
	if err != nil {
		return false, err
	}

	logged := ChangeRecord{
		Partition:      rec.Partition,
		TableName:      info.Table,
		RecordID:       localID,
		Operation:      rec.Operation,
		Payload:        rec.Payload,
		Timestamp:      rec.Timestamp,
		ContentHash:    rec.ContentHash,
		SyncStatus:     StatusCompleted,
		OriginServerID: rec.OriginServerID,
	}
	if _, err := a.changeLog.Append(ctx, tx, &logged); err != nil {
		return false, err
	}
	return false, nil
}

// pkValue converts a record id component to the key column's storage type.
func pkValue(col *ColumnInfo, s string) (any, error) {
	if col.IsInteger() {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	return sqlArg(col, s)
}

// splitRecordID maps a record id onto the primary key columns.
func splitRecordID(info *TableInfo, recordID string) ([]string, error) {
	if len(info.PrimaryKey) == 1 {
		return []string{recordID}, nil
	}
	parts := strings.Split(recordID, compositeSep)
	if len(parts) != len(info.PrimaryKey) {
		return nil, fmt.Errorf("record id %q does not match %d key columns of %s", recordID, len(info.PrimaryKey), info.Table)
	}
	return parts, nil
}

// resolvePayload runs identity remapping, reference resolution and primary key
// injection on a write payload. It returns the local record id, or "" when the
// row must be inserted under a fresh id.
func (a *Applier) resolvePayload(ctx context.Context, tx *sql.Tx, info *TableInfo, rec *ChangeRecord, payload map[string]any) (string, error) {
	localID := rec.RecordID
	id, outcome, err := a.refs.remapIdentity(ctx, tx, info, payload)
	if err != nil {
		return "", recordError(KindUnresolvable, "apply", rec, err)
	}
	switch outcome {
	case identityRemapped:
		localID = id
	case identityFresh:
		localID = ""
	}
	if err := a.refs.Resolve(ctx, tx, rec.Partition, rec, payload); err != nil {
		return "", err
	}
	if len(info.PrimaryKey) == 0 || outcome == identityFresh {
		return localID, nil
	}
	parts, err := splitRecordID(info, localID)
	if err != nil {
		return "", recordError(KindSchemaMismatch, "apply", rec, err)
	}
	for i := range info.PrimaryKey {
		pk := &info.PrimaryKey[i]
		if lookupFold(payload, pk.Name) == nil {
			v, err := pkValue(pk, parts[i])
			if err != nil {
				return "", recordError(KindSchemaMismatch, "apply", rec, err)
			}
			payload[pk.Name] = v
		}
	}
	// Resolution may have rewritten key columns of a join row.
	return info.RecordID(payload), nil
}

// columnsOf filters payload to columns of the destination table, in stable order.
// Unknown columns are dropped; schemas may drift between peer versions.
func columnsOf(info *TableInfo, payload map[string]any) ([]string, []any, error) {
	names := make([]string, 0, len(payload))
	for k := range payload {
		if info.HasColumn(k) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	args := make([]any, len(names))
	for i, k := range names {
		col := info.Column(k)
		v, err := sqlArg(col, payload[k])
		if err != nil {
			return nil, nil, err
		}
		names[i] = col.Name
		args[i] = v
	}
	return names, args, nil
}

func (a *Applier) upsertRow(ctx context.Context, tx *sql.Tx, info *TableInfo, rec *ChangeRecord, payload map[string]any) (string, error) {
	localID, err := a.resolvePayload(ctx, tx, info, rec, payload)
	if err != nil {
		return "", err
	}
	cols, args, err := columnsOf(info, payload)
	if err != nil {
		return "", recordError(KindSchemaMismatch, "apply", rec, err)
	}
	if len(cols) == 0 {
		return "", recordError(KindSchemaMismatch, "apply", rec, errors.New("payload has no columns of the destination table"))
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	if len(info.PrimaryKey) == 0 {
		return localID, a.insertIfAbsent(ctx, tx, info, rec, quoted, args)
	}
	if localID == "" {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(info.Table), strings.Join(quoted, ", "), placeholders), args...)
		if err != nil {
			return "", recordError(KindUnresolvable, "insert", rec, err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return "", recordError(KindUnresolvable, "insert", rec, err)
		}
		return strconv.FormatInt(newID, 10), nil
	}

	pkCols := make([]string, len(info.PrimaryKey))
	isPK := make(map[string]bool, len(info.PrimaryKey))
	for i, pk := range info.PrimaryKey {
		pkCols[i] = quoteIdent(pk.Name)
		isPK[strings.ToLower(pk.Name)] = true
	}
	var sets []string
	for i, c := range cols {
		if !isPK[strings.ToLower(c)] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoted[i], quoted[i]))
		}
	}
	conflictAction := "DO NOTHING"
	if len(sets) > 0 {
		conflictAction = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s",
		quoteIdent(info.Table), strings.Join(quoted, ", "), placeholders, strings.Join(pkCols, ", "), conflictAction)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return "", recordError(KindUnresolvable, "upsert", rec, err)
	}
	return localID, nil
}

// insertIfAbsent handles rowid tables, which have no key to upsert on.
func (a *Applier) insertIfAbsent(ctx context.Context, tx *sql.Tx, info *TableInfo, rec *ChangeRecord, quoted []string, args []any) error {
	conds := make([]string, len(quoted))
	for i, c := range quoted {
		conds[i] = c + " IS ?"
	}
	var n int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s",
		quoteIdent(info.Table), strings.Join(conds, " AND ")), args...).Scan(&n); err != nil {
		return recordError(KindUnresolvable, "upsert", rec, err)
	}
	if n > 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(quoted)), ", ")
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(info.Table), strings.Join(quoted, ", "), placeholders), args...); err != nil {
		return recordError(KindUnresolvable, "upsert", rec, err)
	}
	return nil
}

// hasRowColumns reports whether a payload carries columns of the table beyond its key.
func hasRowColumns(info *TableInfo, payload map[string]any) bool {
	for k := range payload {
		col := info.Column(k)
		if col != nil && col.PKIndex == 0 {
			return true
		}
	}
	return false
}

// keyWhere builds the WHERE clause selecting a row by local record id.
func keyWhere(info *TableInfo, recordID string) (string, []any, error) {
	parts, err := splitRecordID(info, recordID)
	if err != nil {
		return "", nil, err
	}
	conds := make([]string, len(info.PrimaryKey))
	args := make([]any, len(info.PrimaryKey))
	for i := range info.PrimaryKey {
		pk := &info.PrimaryKey[i]
		v, err := pkValue(pk, parts[i])
		if err != nil {
			return "", nil, err
		}
		conds[i] = quoteIdent(pk.Name) + " = ?"
		args[i] = v
	}
	return strings.Join(conds, " AND "), args, nil
}

func (a *Applier) softDelete(ctx context.Context, tx *sql.Tx, info *TableInfo, rec *ChangeRecord, payload map[string]any) (string, error) {
	flag := info.SoftDeleteColumn()
	if flag == "" || len(info.PrimaryKey) == 0 {
		return a.hardDelete(ctx, tx, info, rec, payload)
	}
	localID := rec.RecordID
	if hasRowColumns(info, payload) {
		id, err := a.upsertRow(ctx, tx, info, rec, payload)
		if err != nil {
			return "", err
		}
		localID = id
	} else if id, outcome, err := a.refs.remapIdentity(ctx, tx, info, payload); err != nil {
		return "", recordError(KindUnresolvable, "soft_delete", rec, err)
	} else if outcome == identityRemapped {
		localID = id
	} else if outcome == identityFresh {
		// The row was never replicated here; nothing to flag.
		return rec.RecordID, nil
	}

	where, args, err := keyWhere(info, localID)
	if err != nil {
		return "", recordError(KindSchemaMismatch, "soft_delete", rec, err)
	}
	var set string
	var setArgs []any
	if strings.EqualFold(flag, "is_deleted") {
		set = fmt.Sprintf("%s = 1", quoteIdent(flag))
	} else {
		set = fmt.Sprintf("%s = COALESCE(%s, ?)", quoteIdent(flag), quoteIdent(flag))
		setArgs = append(setArgs, formatTime(rec.Timestamp))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(info.Table), set, where),
		append(setArgs, args...)...); err != nil {
		return "", recordError(KindUnresolvable, "soft_delete", rec, err)
	}
	return localID, nil
}

func (a *Applier) reactivate(ctx context.Context, tx *sql.Tx, info *TableInfo, rec *ChangeRecord, payload map[string]any) (string, error) {
	localID := rec.RecordID
	if hasRowColumns(info, payload) {
		id, err := a.upsertRow(ctx, tx, info, rec, payload)
		if err != nil {
			return "", err
		}
		localID = id
	}
	flag := info.SoftDeleteColumn()
	if flag == "" || len(info.PrimaryKey) == 0 {
		return localID, nil
	}
	where, args, err := keyWhere(info, localID)
	if err != nil {
		return "", recordError(KindSchemaMismatch, "reactivate", rec, err)
	}
	set := fmt.Sprintf("%s = NULL", quoteIdent(flag))
	if strings.EqualFold(flag, "is_deleted") {
		set = fmt.Sprintf("%s = 0", quoteIdent(flag))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(info.Table), set, where), args...); err != nil {
		return "", recordError(KindUnresolvable, "reactivate", rec, err)
	}
	return localID, nil
}

// hardDelete removes the row and verifies it is gone. Deleting an absent row succeeds.
func (a *Applier) hardDelete(ctx context.Context, tx *sql.Tx, info *TableInfo, rec *ChangeRecord, payload map[string]any) (string, error) {
	table := quoteIdent(info.Table)
	if len(info.PrimaryKey) == 0 {
		cols, args, err := columnsOf(info, payload)
		if err != nil || len(cols) == 0 {
			return "", recordError(KindSchemaMismatch, "delete", rec, errors.New("rowid table delete needs the old row in the payload"))
		}
		conds := make([]string, len(cols))
		for i, c := range cols {
			conds[i] = quoteIdent(c) + " IS ?"
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(conds, " AND ")), args...); err != nil {
			return "", recordError(KindUnresolvable, "delete", rec, err)
		}
		return rec.RecordID, nil
	}

	localID := rec.RecordID
	if id, outcome, err := a.refs.remapIdentity(ctx, tx, info, payload); err != nil {
		return "", recordError(KindUnresolvable, "delete", rec, err)
	} else if outcome == identityRemapped {
		localID = id
	} else if outcome == identityFresh {
		// The id belongs to a different local row; the remote row never arrived here.
		return rec.RecordID, nil
	}
	where, args, err := keyWhere(info, localID)
	if err != nil {
		return "", recordError(KindSchemaMismatch, "delete", rec, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...); err != nil {
		return "", recordError(KindUnresolvable, "delete", rec, err)
	}
	var remaining int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where), args...).Scan(&remaining); err != nil {
		return "", recordError(KindUnresolvable, "delete", rec, err)
	}
	if remaining != 0 {
		return "", recordError(KindUnresolvable, "delete", rec, fmt.Errorf("%d rows remain after delete", remaining))
	}
	return localID, nil
}
