// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failure classes reported by capture, push, pull and apply.
type ErrorKind int

const (
	// KindTransient covers network timeouts, refused connections and non-2xx replies.
	KindTransient ErrorKind = iota + 1
	// KindSchemaMismatch means the destination schema cannot hold the record (unknown table, no usable columns).
	KindSchemaMismatch
	// KindUnresolvable means a foreign key could not be mapped to a local row.
	KindUnresolvable
	// KindChecksumMismatch means a batch arrived incomplete or altered.
	KindChecksumMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindUnresolvable:
		return "unresolvable"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	default:
		return "unknown"
	}
}

// SyncError is returned by every core replication operation.
type SyncError struct {
	Kind     ErrorKind
	Op       string
	Table    string
	RecordID string
	Err      error
}

func (e *SyncError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Table != "" {
		fmt.Fprintf(&b, " %s", e.Table)
		if e.RecordID != "" {
			fmt.Fprintf(&b, "[%s]", e.RecordID)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is matches any SyncError of the same kind, so errors.Is(err, ErrTransient) works on wrapped values.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is checks.
var (
	ErrTransient        = &SyncError{Kind: KindTransient}
	ErrSchemaMismatch   = &SyncError{Kind: KindSchemaMismatch}
	ErrUnresolvable     = &SyncError{Kind: KindUnresolvable}
	ErrChecksumMismatch = &SyncError{Kind: KindChecksumMismatch}
)

var (
	ErrCycleInProgress = errors.New("sync cycle already running for peer")
	ErrPeerDisabled    = errors.New("peer is inactive or has sync disabled")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrUnknownTable    = errors.New("table is not tracked by any partition")
)

func newSyncError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

func recordError(kind ErrorKind, op string, rec *ChangeRecord, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Table: rec.TableName, RecordID: rec.RecordID, Err: err}
}

// KindOf returns the kind of the first SyncError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
