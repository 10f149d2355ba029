// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T, dir string, cfg *Config) *Engine {
	t.Helper()
	parts, err := OpenPartitions(context.Background(), []PartitionSpec{
		{Name: "core", Path: filepath.Join(dir, "scouting.db")},
	}, time.Second)
	require.NoError(t, err)
	e, err := NewEngine(context.Background(), parts, cfg, testLogger())
	require.NoError(t, err)
	return e
}

func TestNewEngine_PersistsServerID(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, nil)
	id := e.ServerID()
	require.NotEmpty(t, id)
	require.NoError(t, e.Close())

	e = openEngine(t, dir, nil)
	require.Equal(t, id, e.ServerID())
	require.NoError(t, e.Close())

	cfg := DefaultConfig()
	cfg.ServerID = "pit-laptop"
	e = openEngine(t, dir, cfg)
	require.Equal(t, "pit-laptop", e.ServerID())
	require.NoError(t, e.Close())

	e = openEngine(t, dir, nil)
	defer e.Close()
	require.Equal(t, "pit-laptop", e.ServerID())
}

func TestNewEngine_RejectsInvalidConfig(t *testing.T) {
	parts, err := OpenPartitions(context.Background(), []PartitionSpec{
		{Name: "core", Path: filepath.Join(t.TempDir(), "scouting.db")},
	}, time.Second)
	require.NoError(t, err)
	defer parts.Close()

	cfg := DefaultConfig()
	cfg.Retry.Attempts = 0
	cfg.ReferenceRules = append(cfg.ReferenceRules, ReferenceRule{Table: "user_roles"})
	_, err = NewEngine(context.Background(), parts, cfg, testLogger())
	require.Error(t, err)
	require.Contains(t, err.Error(), "retry attempts")
	require.Contains(t, err.Error(), "reference rule")
}

func TestOpenPartitions_RejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenPartitions(context.Background(), []PartitionSpec{
		{Name: "core", Path: filepath.Join(dir, "a.db")},
		{Name: "core", Path: filepath.Join(dir, "b.db")},
	}, time.Second)
	require.Error(t, err)

	_, err = NewPartitions()
	require.Error(t, err)
}

func TestEngine_Prune(t *testing.T) {
	n := newTestNode(t, func(c *Config) { c.Retention = time.Hour })
	appendTeamChange(t, n, "1", time.Now().Add(-2*time.Hour), StatusCompleted)
	appendTeamChange(t, n, "2", time.Now(), StatusCompleted)

	removed, err := n.engine.Prune(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}
