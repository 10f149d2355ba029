// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/frcscout/go-scoutsync/scoutsync"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Partitions, 2)
	require.Equal(t, "core", cfg.Partitions[0].Name)
}

func TestLoadFromEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := loadFromEnv(cfg, envMap(map[string]string{
		"SCOUTSYNC_SERVER_ID":            "pit-laptop",
		"SCOUTSYNC_NODE_NAME":            "pit",
		"SCOUTSYNC_LISTEN":               " :9090 ",
		"SCOUTSYNC_JWT_SECRET":           "s3cret",
		"SCOUTSYNC_LOG_LEVEL":            "debug",
		"SCOUTSYNC_LOG_FORMAT":           "json",
		"SCOUTSYNC_SYNC_INTERVAL":        "45s",
		"SCOUTSYNC_LOOKBACK":             "6h",
		"SCOUTSYNC_MAX_CONCURRENT_PEERS": "2",
		"SCOUTSYNC_COMPRESS_THRESHOLD":   "",
		"SCOUTSYNC_PARTITIONS":           "core=/data/a.db, users=/data/b.db",
		"SCOUTSYNC_PEERS":                "stands=https://10.0.0.6:8443",
	}))
	require.NoError(t, err)

	require.Equal(t, "pit-laptop", cfg.Node.ServerID)
	require.Equal(t, "pit", cfg.Node.Name)
	require.Equal(t, ":9090", cfg.Server.Listen)
	require.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, 45*time.Second, cfg.Sync.Interval)
	require.Equal(t, 6*time.Hour, cfg.Sync.Lookback)
	require.Equal(t, 2, cfg.Sync.MaxConcurrentPeers)
	require.Equal(t, scoutsync.DefaultCompressThreshold, cfg.Sync.CompressThreshold)
	require.Equal(t, []scoutsync.PartitionSpec{
		{Name: "core", Path: "/data/a.db"},
		{Name: "users", Path: "/data/b.db"},
	}, cfg.Partitions)
	require.Equal(t, []PeerConfig{{Name: "stands", Host: "10.0.0.6", Port: 8443, Protocol: "https"}}, cfg.Peers)
}

func TestLoadFromEnv_CollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	err := loadFromEnv(cfg, envMap(map[string]string{
		"SCOUTSYNC_SYNC_INTERVAL": "soon",
		"SCOUTSYNC_MAX_RETRIES":   "many",
		"SCOUTSYNC_PARTITIONS":    "core",
	}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "SCOUTSYNC_SYNC_INTERVAL")
	require.Contains(t, err.Error(), "SCOUTSYNC_MAX_RETRIES")
	require.Contains(t, err.Error(), "expected name=path")
	require.Equal(t, DefaultConfig().Sync.Interval, cfg.Sync.Interval)
	require.Len(t, cfg.Partitions, 2)
}

func TestParsePeers(t *testing.T) {
	peers, err := parsePeers("pit=10.0.0.5:8080, stands=https://10.0.0.6:8443,")
	require.NoError(t, err)
	require.Equal(t, []PeerConfig{
		{Name: "pit", Host: "10.0.0.5", Port: 8080, Protocol: "http"},
		{Name: "stands", Host: "10.0.0.6", Port: 8443, Protocol: "https"},
	}, peers)

	for _, bad := range []string{"pit", "=10.0.0.5:8080", "pit=10.0.0.5", "pit=10.0.0.5:http"} {
		_, err := parsePeers(bad)
		require.Error(t, err, bad)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Listen = " "
	cfg.Partitions = append(cfg.Partitions, scoutsync.PartitionSpec{Name: "core", Path: "x.db"}, scoutsync.PartitionSpec{Name: "notes"})
	cfg.Peers = []PeerConfig{{Name: "pit", Host: "10.0.0.5", Port: 0}}
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"
	cfg.Sync.Interval = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"server.listen is required",
		`duplicate name "core"`,
		"partitions[3]: name and path are required",
		"peers[0]: invalid peer port 0",
		`unknown log level "loud"`,
		`unknown log format "xml"`,
		"sync interval must be positive",
	} {
		require.Contains(t, err.Error(), want)
	}

	cfg = DefaultConfig()
	cfg.Partitions = nil
	require.ErrorContains(t, cfg.Validate(), "at least one partition")
}

func TestEngineConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.ServerID = "stands-1"
	cfg.Node.Name = "stands"
	cfg.Auth.JWTSecret = "s3cret"
	cfg.Sync.Lookback = time.Hour
	cfg.Sync.ExcludedTables = []string{"audit"}
	cfg.Sync.LogStageTimings = true

	eng := cfg.Engine()
	require.Equal(t, "stands-1", eng.ServerID)
	require.Equal(t, "stands", eng.NodeName)
	require.Equal(t, "s3cret", eng.JWTSecret)
	require.Equal(t, time.Hour, eng.DefaultLookback)
	require.Equal(t, []string{"audit"}, eng.ExcludedTables)
	require.True(t, eng.LogStageTimings)
	require.Equal(t, scoutsync.DefaultRetryPolicy(), eng.Retry)
	require.Equal(t, scoutsync.DefaultReferenceRules(), eng.ReferenceRules)

	cfg.Node.Name = ""
	require.Equal(t, scoutsync.DefaultConfig().NodeName, cfg.Engine().NodeName)
}

func TestSeedPeers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peers = []PeerConfig{{Name: "pit", Host: "10.0.0.5", Port: 8080, Protocol: "http"}}
	require.Equal(t, []scoutsync.Peer{{Name: "pit", Host: "10.0.0.5", Port: 8080, Protocol: "http"}}, cfg.SeedPeers())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "scoutsync.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
node:
  server_id: pit-laptop
  name: pit
partitions:
  - name: core
    path: `+filepath.Join(dir, "scouting.db")+`
sync:
  interval: 45s
  excluded_tables: [audit]
logging:
  level: info
peers:
  - name: stands
    host: 10.0.0.6
    port: 8080
`), 0o600))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SCOUTSYNC_LOG_LEVEL=debug\nSCOUTSYNC_LOOKBACK=2h\n"), 0o600))

	// Process variables win over .env entries.
	t.Setenv("SCOUTSYNC_LOG_LEVEL", "warn")
	t.Cleanup(func() { _ = os.Unsetenv("SCOUTSYNC_LOOKBACK") })

	cfg, err := Load(yamlPath, envPath)
	require.NoError(t, err)
	require.Equal(t, "pit-laptop", cfg.Node.ServerID)
	require.Equal(t, "pit", cfg.Node.Name)
	require.Equal(t, ":8080", cfg.Server.Listen)
	require.Len(t, cfg.Partitions, 1)
	require.Equal(t, 45*time.Second, cfg.Sync.Interval)
	require.Equal(t, []string{"audit"}, cfg.Sync.ExcludedTables)
	require.Equal(t, 2*time.Hour, cfg.Sync.Lookback)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, []PeerConfig{{Name: "stands", Host: "10.0.0.6", Port: 8080}}, cfg.Peers)
}

func TestLoad_MissingFilesUseDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "absent.yaml"), filepath.Join(dir, "absent.env"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Server.Listen, cfg.Server.Listen)
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0o600))

	_, err := Load(path, "")
	require.ErrorContains(t, err, "config validation failed")

	require.NoError(t, os.WriteFile(path, []byte("node: [unclosed\n"), 0o600))
	_, err = Load(path, "")
	require.ErrorContains(t, err, "failed to parse config file")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "peer", "pit")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"peer":"pit"`)

	_, err = LoggingConfig{Level: "loud"}.NewLogger(&buf)
	require.Error(t, err)
}
