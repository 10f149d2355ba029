// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type catalogQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	PKIndex      int // 1-based position in the primary key, 0 when not part of it
	NotNull      bool
	DefaultValue *string
}

// IsBlob returns true if this column should be treated as BLOB data
func (c *ColumnInfo) IsBlob() bool {
	return strings.Contains(strings.ToLower(c.DeclaredType), "blob")
}

// IsInteger follows SQLite's affinity rule for INTEGER columns.
func (c *ColumnInfo) IsInteger() bool {
	return strings.Contains(strings.ToLower(c.DeclaredType), "int")
}

// TableInfo holds cached information about a table's structure
type TableInfo struct {
	Partition  string
	Table      string
	Columns    []ColumnInfo
	PrimaryKey []ColumnInfo // ordered by PKIndex; empty for rowid-only tables
	byName     map[string]int
}

// Column looks a column up case-insensitively.
func (t *TableInfo) Column(name string) *ColumnInfo {
	i, ok := t.byName[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return &t.Columns[i]
}

func (t *TableInfo) HasColumn(name string) bool { return t.Column(name) != nil }

// TimestampColumns returns the change-time columns present, most specific first.
func (t *TableInfo) TimestampColumns() []string {
	var cols []string
	for _, name := range []string{"updated_at", "created_at"} {
		if c := t.Column(name); c != nil {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// SoftDeleteColumn returns "deleted_at", "is_deleted" or "" when the table only supports hard deletes.
func (t *TableInfo) SoftDeleteColumn() string {
	for _, name := range []string{"deleted_at", "is_deleted"} {
		if c := t.Column(name); c != nil {
			return c.Name
		}
	}
	return ""
}

// RecordID renders the primary key of a row map. Rowid tables use "rowid".
func (t *TableInfo) RecordID(row map[string]any) string {
	if len(t.PrimaryKey) == 0 {
		return recordIDString(row["rowid"])
	}
	parts := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		parts[i] = recordIDString(lookupFold(row, pk.Name))
	}
	return strings.Join(parts, compositeSep)
}

func lookupFold(row map[string]any, name string) any {
	if v, ok := row[name]; ok {
		return v
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// SchemaCatalog enumerates tracked tables at runtime so new tables are picked
// up without code changes. SQLiteCatalog is the only implementation shipped;
// another storage engine can plug in its own catalog behind this interface.
type SchemaCatalog interface {
	DiscoverTables(ctx context.Context, partition string) ([]string, error)
	TableInfo(ctx context.Context, partition, table string) (*TableInfo, error)
	PartitionFor(ctx context.Context, table string) (string, error)
	Refresh()
}

// SQLiteCatalog reads sqlite_master and PRAGMA table_info, caching results until Refresh.
type SQLiteCatalog struct {
	partitions *Partitions
	exclude    map[string]bool

	mutex  sync.RWMutex
	tables map[string][]string   // partition -> tables
	owner  map[string]string     // table -> partition
	info   map[string]*TableInfo // partition.table -> info
}

// NewSQLiteCatalog creates a catalog; excluded tables are never reported.
func NewSQLiteCatalog(partitions *Partitions, excluded []string) *SQLiteCatalog {
	ex := make(map[string]bool, len(excluded))
	for _, t := range excluded {
		ex[strings.ToLower(t)] = true
	}
	return &SQLiteCatalog{
		partitions: partitions,
		exclude:    ex,
		tables:     make(map[string][]string),
		owner:      make(map[string]string),
		info:       make(map[string]*TableInfo),
	}
}

// isInternalTable reports tables that belong to the engine itself.
func isInternalTable(name string) bool {
	n := strings.ToLower(name)
	switch n {
	case changeLogTable, nodeInfoTable, peersTable, syncLogTable, reliabilityTable:
		return true
	}
	return strings.HasPrefix(n, "sqlite_")
}

// Refresh drops every cached table list and table info.
func (c *SQLiteCatalog) Refresh() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.tables = make(map[string][]string)
	c.owner = make(map[string]string)
	c.info = make(map[string]*TableInfo)
}

func (c *SQLiteCatalog) DiscoverTables(ctx context.Context, partition string) ([]string, error) {
	c.mutex.RLock()
	if tables, ok := c.tables[partition]; ok {
		c.mutex.RUnlock()
		return tables, nil
	}
	c.mutex.RUnlock()

	p, ok := c.partitions.Get(partition)
	if !ok {
		return nil, fmt.Errorf("unknown partition %q", partition)
	}
	rows, err := p.DB.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in %s: %w", partition, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if isInternalTable(name) || c.exclude[strings.ToLower(name)] {
			continue
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	sort.Strings(tables)

	c.mutex.Lock()
	c.tables[partition] = tables
	for _, t := range tables {
		if _, claimed := c.owner[strings.ToLower(t)]; !claimed {
			c.owner[strings.ToLower(t)] = partition
		}
	}
	c.mutex.Unlock()
	return tables, nil
}

func (c *SQLiteCatalog) PartitionFor(ctx context.Context, table string) (string, error) {
	key := strings.ToLower(table)
	c.mutex.RLock()
	owner, ok := c.owner[key]
	c.mutex.RUnlock()
	if ok {
		return owner, nil
	}
	// Partitions are scanned in configuration order, so a table present in two files belongs to the first.
	for _, p := range c.partitions.All() {
		if _, err := c.DiscoverTables(ctx, p.Name); err != nil {
			return "", err
		}
		c.mutex.RLock()
		owner, ok = c.owner[key]
		c.mutex.RUnlock()
		if ok {
			return owner, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
}

func (c *SQLiteCatalog) TableInfo(ctx context.Context, partition, table string) (*TableInfo, error) {
	cacheKey := partition + "." + strings.ToLower(table)
	c.mutex.RLock()
	if info, exists := c.info[cacheKey]; exists {
		c.mutex.RUnlock()
		return info, nil
	}
	c.mutex.RUnlock()

	p, ok := c.partitions.Get(partition)
	if !ok {
		return nil, fmt.Errorf("unknown partition %q", partition)
	}
	info, err := loadTableInfo(ctx, p.DB, table)
	if err != nil {
		return nil, err
	}
	info.Partition = partition

	c.mutex.Lock()
	c.info[cacheKey] = info
	c.mutex.Unlock()
	return info, nil
}

// loadTableInfo queries PRAGMA table_info for one table.
func loadTableInfo(ctx context.Context, q catalogQueryer, table string) (*TableInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: table, byName: make(map[string]int)}
	for rows.Next() {
		var cid, notNull, pk int
		var name, declaredType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		col := ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			PKIndex:      pk,
			NotNull:      notNull == 1,
		}
		if defaultValue.Valid {
			d := defaultValue.String
			col.DefaultValue = &d
		}
		info.byName[strings.ToLower(name)] = len(info.Columns)
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	for _, col := range info.Columns {
		if col.PKIndex > 0 {
			info.PrimaryKey = append(info.PrimaryKey, col)
		}
	}
	sort.Slice(info.PrimaryKey, func(i, j int) bool {
		return info.PrimaryKey[i].PKIndex < info.PrimaryKey[j].PKIndex
	})
	return info, nil
}

// isTemporal reports declared types the SQLite driver converts to time.Time on read.
func (c *ColumnInfo) isTemporal() bool {
	switch strings.ToLower(c.DeclaredType) {
	case "date", "datetime", "timestamp":
		return true
	}
	return false
}

// NormalizeTemporal rewrites textual DATE/DATETIME/TIMESTAMP values the way the
// driver would have read them, so that trigger and snapshot payloads hash alike.
func (t *TableInfo) NormalizeTemporal(payload map[string]any) {
	for k, v := range payload {
		s, ok := v.(string)
		if !ok {
			continue
		}
		col := t.Column(k)
		if col == nil || !col.isTemporal() {
			continue
		}
		if ts, ok := parseTime(strings.TrimSuffix(s, "Z")); ok {
			payload[k] = ts.Format(time.RFC3339Nano)
		}
	}
}
