// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ReferenceRule declares how a foreign key column is carried between peers
// whose integer ids differ: capture stores the referenced row's natural key in
// the payload, apply maps it back to the local id.
type ReferenceRule struct {
	Table        string `yaml:"table"`
	Column       string `yaml:"column"`
	RefTable     string `yaml:"ref_table"`
	RefColumn    string `yaml:"ref_column"`
	NaturalKey   string `yaml:"natural_key"`
	PayloadField string `yaml:"payload_field"`
}

// Field is the payload key holding the natural key; defaults to <ref_table>_<natural_key>.
func (r ReferenceRule) Field() string {
	if r.PayloadField != "" {
		return r.PayloadField
	}
	return r.RefTable + "_" + r.NaturalKey
}

func (r ReferenceRule) refColumn() string {
	if r.RefColumn == "" {
		return "id"
	}
	return r.RefColumn
}

// Validate checks that the rule names every table and column it needs.
func (r ReferenceRule) Validate() error {
	if r.Table == "" || r.Column == "" || r.RefTable == "" || r.NaturalKey == "" {
		return fmt.Errorf("reference rule requires table, column, ref_table and natural_key: %+v", r)
	}
	return nil
}

// DefaultReferenceRules maps user-role assignments by username and role name.
func DefaultReferenceRules() []ReferenceRule {
	return []ReferenceRule{
		{Table: "user_roles", Column: "user_id", RefTable: "user", RefColumn: "id", NaturalKey: "username", PayloadField: "username"},
		{Table: "user_roles", Column: "role_id", RefTable: "role", RefColumn: "id", NaturalKey: "name", PayloadField: "role_name"},
	}
}

// DefaultIdentities are tables whose rows are matched across peers by natural key rather than id.
func DefaultIdentities() map[string]string {
	return map[string]string{
		"user": "username",
		"role": "name",
	}
}

// referenceResolver evaluates ReferenceRules and identity keys generically for every table.
type referenceResolver struct {
	catalog    SchemaCatalog
	partitions *Partitions
	rules      map[string][]ReferenceRule
	identities map[string]string
}

func newReferenceResolver(catalog SchemaCatalog, partitions *Partitions, rules []ReferenceRule, identities map[string]string) *referenceResolver {
	r := &referenceResolver{
		catalog:    catalog,
		partitions: partitions,
		rules:      make(map[string][]ReferenceRule),
		identities: make(map[string]string, len(identities)),
	}
	for _, rule := range rules {
		key := strings.ToLower(rule.Table)
		r.rules[key] = append(r.rules[key], rule)
	}
	for t, col := range identities {
		r.identities[strings.ToLower(t)] = col
	}
	return r
}

func (r *referenceResolver) rulesFor(table string) []ReferenceRule {
	return r.rules[strings.ToLower(table)]
}

// lookup selects one column of the first row of table matching where = val. When
// the table lives in curPartition, q (usually the open apply transaction) is used
// so rows written earlier in the same batch are visible.
func (r *referenceResolver) lookup(ctx context.Context, q sqlQueryer, curPartition, table, selectCol, whereCol string, val any) (any, bool, error) {
	part, err := r.catalog.PartitionFor(ctx, table)
	if err != nil {
		return nil, false, err
	}
	info, err := r.catalog.TableInfo(ctx, part, table)
	if err != nil {
		return nil, false, err
	}
	if !info.HasColumn(selectCol) || !info.HasColumn(whereCol) {
		return nil, false, newSyncError(KindSchemaMismatch, "lookup",
			fmt.Errorf("table %s lacks column %s or %s", table, selectCol, whereCol))
	}
	arg, err := sqlArg(info.Column(whereCol), val)
	if err != nil {
		return nil, false, err
	}

	src := q
	if part != curPartition || q == nil {
		p, _ := r.partitions.Get(part)
		src = p.DB
	}
	var out any
	err = src.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? LIMIT 1",
		quoteIdent(selectCol), quoteIdent(table), quoteIdent(whereCol)), arg).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up %s.%s: %w", table, whereCol, err)
	}
	return normalizeValue(out), true, nil
}

// Enrich adds the natural key of every referenced row to a captured payload.
// A dangling reference is carried as null.
func (r *referenceResolver) Enrich(ctx context.Context, partition, table string, payload map[string]any) error {
	for _, rule := range r.rulesFor(table) {
		fk := lookupFold(payload, rule.Column)
		if fk == nil {
			continue
		}
		natural, found, err := r.lookup(ctx, nil, partition, rule.RefTable, rule.NaturalKey, rule.refColumn(), fk)
		if err != nil {
			return fmt.Errorf("failed to enrich %s.%s: %w", table, rule.Column, err)
		}
		if found {
			payload[rule.Field()] = natural
		} else {
			payload[rule.Field()] = nil
		}
	}
	return nil
}

// Resolve rewrites foreign key columns of an incoming payload to local ids.
// A natural key in the payload wins over the carried id, since ids are not
// stable across peers; without one, the carried id must exist locally.
func (r *referenceResolver) Resolve(ctx context.Context, q sqlQueryer, partition string, rec *ChangeRecord, payload map[string]any) error {
	for _, rule := range r.rulesFor(rec.TableName) {
		fk := lookupFold(payload, rule.Column)
		natural := lookupFold(payload, rule.Field())

		if natural != nil {
			local, found, err := r.lookup(ctx, q, partition, rule.RefTable, rule.refColumn(), rule.NaturalKey, natural)
			if err != nil {
				return recordError(KindUnresolvable, "resolve", rec, err)
			}
			if !found {
				return recordError(KindUnresolvable, "resolve", rec,
					fmt.Errorf("no local %s with %s=%v", rule.RefTable, rule.NaturalKey, natural))
			}
			payload[rule.Column] = local
			continue
		}
		if fk == nil {
			continue
		}
		_, found, err := r.lookup(ctx, q, partition, rule.RefTable, rule.refColumn(), rule.refColumn(), fk)
		if err != nil {
			return recordError(KindUnresolvable, "resolve", rec, err)
		}
		if !found {
			return recordError(KindUnresolvable, "resolve", rec,
				fmt.Errorf("%s=%v references missing %s row", rule.Column, fk, rule.RefTable))
		}
	}
	return nil
}

type identityOutcome int

const (
	identityKept     identityOutcome = iota // no identity key, or ids already agree
	identityRemapped                        // payload now carries the local id
	identityFresh                           // id taken by another row; insert under a new id
)

// remapIdentity points an incoming row at the local row with the same natural
// key and returns the local record id. When no local row has the natural key
// but the incoming id belongs to a different local row, the id is dropped so
// the row is inserted fresh. Only single-column keys are remapped.
func (r *referenceResolver) remapIdentity(ctx context.Context, q sqlQueryer, info *TableInfo, payload map[string]any) (string, identityOutcome, error) {
	natural, ok := r.identities[strings.ToLower(info.Table)]
	if !ok || len(info.PrimaryKey) != 1 || !info.HasColumn(natural) {
		return "", identityKept, nil
	}
	val := lookupFold(payload, natural)
	if val == nil {
		return "", identityKept, nil
	}
	pk := info.PrimaryKey[0].Name
	incoming := lookupFold(payload, pk)

	local, found, err := r.lookup(ctx, q, info.Partition, info.Table, pk, natural, val)
	if err != nil {
		return "", identityKept, err
	}
	if !found {
		if incoming == nil {
			return "", identityKept, nil
		}
		owner, taken, err := r.lookup(ctx, q, info.Partition, info.Table, natural, pk, incoming)
		if err != nil {
			return "", identityKept, err
		}
		if taken && recordIDString(owner) != recordIDString(val) {
			deleteFold(payload, pk)
			return "", identityFresh, nil
		}
		return "", identityKept, nil
	}

	localID := recordIDString(local)
	if incoming != nil && localID == recordIDString(incoming) {
		return localID, identityKept, nil
	}
	deleteFold(payload, pk)
	payload[pk] = local
	return localID, identityRemapped, nil
}

func deleteFold(payload map[string]any, name string) {
	for k := range payload {
		if strings.EqualFold(k, name) {
			delete(payload, k)
		}
	}
}
