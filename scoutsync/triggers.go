// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"text/template"
)

// triggerData holds the data needed for trigger template rendering
type triggerData struct {
	Table       string // SQL string literal of the table name
	QuotedTable string
	InsertName  string
	UpdateName  string
	DeleteName  string
	RecordIDNew string
	RecordIDOld string
	NewRowJSON  string
	OldRowJSON  string
	UpdateOp    string
}

// Triggers write unsealed entries (empty change_hash); SealHashes completes them before capture.
const insertTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS {{.InsertName}}
AFTER INSERT ON {{.QuotedTable}}
WHEN COALESCE((SELECT apply_mode FROM sync_node_info WHERE id = 1), 0) = 0
BEGIN
	INSERT INTO database_changes (table_name, record_id, operation, change_data, timestamp, change_hash, sync_status, origin_server_id)
	VALUES ({{.Table}}, {{.RecordIDNew}}, 'insert', {{.NewRowJSON}},
		strftime('%Y-%m-%dT%H:%M:%fZ','now'), '', 'pending',
		COALESCE((SELECT server_id FROM sync_node_info WHERE id = 1), ''));
END`

const updateTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS {{.UpdateName}}
AFTER UPDATE ON {{.QuotedTable}}
WHEN COALESCE((SELECT apply_mode FROM sync_node_info WHERE id = 1), 0) = 0
BEGIN
	INSERT INTO database_changes (table_name, record_id, operation, change_data, timestamp, change_hash, sync_status, origin_server_id)
	VALUES ({{.Table}}, {{.RecordIDNew}}, {{.UpdateOp}}, {{.NewRowJSON}},
		strftime('%Y-%m-%dT%H:%M:%fZ','now'), '', 'pending',
		COALESCE((SELECT server_id FROM sync_node_info WHERE id = 1), ''));
END`

const deleteTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS {{.DeleteName}}
AFTER DELETE ON {{.QuotedTable}}
WHEN COALESCE((SELECT apply_mode FROM sync_node_info WHERE id = 1), 0) = 0
BEGIN
	INSERT INTO database_changes (table_name, record_id, operation, change_data, timestamp, change_hash, sync_status, origin_server_id)
	VALUES ({{.Table}}, {{.RecordIDOld}}, 'delete', {{.OldRowJSON}},
		strftime('%Y-%m-%dT%H:%M:%fZ','now'), '', 'pending',
		COALESCE((SELECT server_id FROM sync_node_info WHERE id = 1), ''));
END`

var triggerTemplates = []struct {
	name string
	tmpl *template.Template
}{
	{"insert", template.Must(template.New("insert").Parse(insertTriggerTemplate))},
	{"update", template.Must(template.New("update").Parse(updateTriggerTemplate))},
	{"delete", template.Must(template.New("delete").Parse(deleteTriggerTemplate))},
}

func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// columnExpr renders a column of NEW/OLD the way capture serializes it (BLOBs as lowercase hex).
func columnExpr(col ColumnInfo, prefix string) string {
	ref := prefix + "." + quoteIdent(col.Name)
	if col.IsBlob() {
		return fmt.Sprintf("CASE WHEN %s IS NULL THEN NULL ELSE lower(hex(%s)) END", ref, ref)
	}
	return ref
}

// buildJSONObjectExpr creates a SQLite json_object() call that uses hex encoding for BLOB columns
func buildJSONObjectExpr(info *TableInfo, prefix string) string {
	pairs := make([]string, 0, len(info.Columns))
	for _, col := range info.Columns {
		pairs = append(pairs, fmt.Sprintf("%s, %s", sqlString(col.Name), columnExpr(col, prefix)))
	}
	return fmt.Sprintf("json_object(%s)", strings.Join(pairs, ", "))
}

// buildRecordIDExpr mirrors TableInfo.RecordID in SQL.
func buildRecordIDExpr(info *TableInfo, prefix string) string {
	if len(info.PrimaryKey) == 0 {
		return prefix + ".rowid"
	}
	parts := make([]string, len(info.PrimaryKey))
	for i, pk := range info.PrimaryKey {
		parts[i] = fmt.Sprintf("COALESCE(CAST(%s AS TEXT), '')", columnExpr(pk, prefix))
	}
	return strings.Join(parts, " || "+sqlString(compositeSep)+" || ")
}

// buildUpdateOpExpr classifies an UPDATE as soft_delete, reactivate or update.
func buildUpdateOpExpr(info *TableInfo) string {
	switch col := info.SoftDeleteColumn(); strings.ToLower(col) {
	case "deleted_at":
		c := quoteIdent(col)
		return fmt.Sprintf(`CASE WHEN OLD.%[1]s IS NULL AND NEW.%[1]s IS NOT NULL THEN 'soft_delete'
			WHEN OLD.%[1]s IS NOT NULL AND NEW.%[1]s IS NULL THEN 'reactivate' ELSE 'update' END`, c)
	case "is_deleted":
		c := quoteIdent(col)
		return fmt.Sprintf(`CASE WHEN COALESCE(OLD.%[1]s, 0) = 0 AND COALESCE(NEW.%[1]s, 0) != 0 THEN 'soft_delete'
			WHEN COALESCE(OLD.%[1]s, 0) != 0 AND COALESCE(NEW.%[1]s, 0) = 0 THEN 'reactivate' ELSE 'update' END`, c)
	default:
		return "'update'"
	}
}

func triggerName(table, suffix string) string {
	return quoteIdent("trg_" + strings.ToLower(table) + "_sync_" + suffix)
}

// createTriggersForTable creates INSERT, UPDATE, DELETE capture triggers for a table
func createTriggersForTable(ctx context.Context, db *sql.DB, info *TableInfo) error {
	data := triggerData{
		Table:       sqlString(info.Table),
		QuotedTable: quoteIdent(info.Table),
		InsertName:  triggerName(info.Table, "ai"),
		UpdateName:  triggerName(info.Table, "au"),
		DeleteName:  triggerName(info.Table, "ad"),
		RecordIDNew: buildRecordIDExpr(info, "NEW"),
		RecordIDOld: buildRecordIDExpr(info, "OLD"),
		NewRowJSON:  buildJSONObjectExpr(info, "NEW"),
		OldRowJSON:  buildJSONObjectExpr(info, "OLD"),
		UpdateOp:    buildUpdateOpExpr(info),
	}

	for _, t := range triggerTemplates {
		var buf bytes.Buffer
		if err := t.tmpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("failed to execute %s trigger template for table %s: %w", t.name, info.Table, err)
		}
		if _, err := db.ExecContext(ctx, buf.String()); err != nil {
			return fmt.Errorf("failed to create %s trigger for table %s: %w", t.name, info.Table, err)
		}
	}
	return nil
}

// dropTriggersForTable removes the capture triggers, e.g. before a schema change.
func dropTriggersForTable(ctx context.Context, db *sql.DB, table string) error {
	for _, suffix := range []string{"ai", "au", "ad"} {
		if _, err := db.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+triggerName(table, suffix)); err != nil {
			return fmt.Errorf("failed to drop trigger on %s: %w", table, err)
		}
	}
	return nil
}

// InstallTriggers installs hook-on-write capture on the given tables, or on every
// discovered table when none are named. Writes made while the apply engine runs
// are not captured.
func InstallTriggers(ctx context.Context, catalog SchemaCatalog, partitions *Partitions, tables ...string) error {
	targets := make(map[string][]string)
	if len(tables) == 0 {
		for _, p := range partitions.All() {
			discovered, err := catalog.DiscoverTables(ctx, p.Name)
			if err != nil {
				return err
			}
			targets[p.Name] = discovered
		}
	} else {
		for _, t := range tables {
			part, err := catalog.PartitionFor(ctx, t)
			if err != nil {
				return err
			}
			targets[part] = append(targets[part], t)
		}
	}

	for part, names := range targets {
		p, _ := partitions.Get(part)
		for _, name := range names {
			info, err := catalog.TableInfo(ctx, part, name)
			if err != nil {
				return err
			}
			if err := createTriggersForTable(ctx, p.DB, info); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveTriggers drops capture triggers from the named tables.
func RemoveTriggers(ctx context.Context, catalog SchemaCatalog, partitions *Partitions, tables ...string) error {
	for _, t := range tables {
		part, err := catalog.PartitionFor(ctx, t)
		if err != nil {
			return err
		}
		p, _ := partitions.Get(part)
		if err := dropTriggersForTable(ctx, p.DB, t); err != nil {
			return err
		}
	}
	return nil
}
