// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/frcscout/go-scoutsync/scoutsync"
)

// Config is the node configuration read from YAML, .env and SCOUTSYNC_* variables
type Config struct {
	Node       NodeConfig                `yaml:"node"`
	Server     ServerConfig              `yaml:"server"`
	Storage    StorageConfig             `yaml:"storage"`
	Partitions []scoutsync.PartitionSpec `yaml:"partitions"`
	Sync       SyncConfig                `yaml:"sync"`
	Auth       AuthConfig                `yaml:"auth"`
	Peers      []PeerConfig              `yaml:"peers"`
	Logging    LoggingConfig             `yaml:"logging"`
}

type NodeConfig struct {
	ServerID string `yaml:"server_id"`
	Name     string `yaml:"name"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// SyncConfig mirrors the tunables of scoutsync.Config
type SyncConfig struct {
	Interval            time.Duration             `yaml:"interval"`
	MaxConcurrentPeers  int                       `yaml:"max_concurrent_peers"`
	Lookback            time.Duration             `yaml:"lookback"`
	SnapshotLimit       int                       `yaml:"snapshot_limit"`
	MaxRetries          int                       `yaml:"max_retries"`
	PruneInterval       time.Duration             `yaml:"prune_interval"`
	Retention           time.Duration             `yaml:"retention"`
	BackoffBase         time.Duration             `yaml:"backoff_base"`
	BackoffMax          time.Duration             `yaml:"backoff_max"`
	CompressThreshold   int                       `yaml:"compress_threshold"`
	AutoInstallTriggers bool                      `yaml:"auto_install_triggers"`
	ExcludedTables      []string                  `yaml:"excluded_tables"`
	TablePriority       map[string]int            `yaml:"table_priority"`
	ReferenceRules      []scoutsync.ReferenceRule `yaml:"reference_rules"`
	Identities          map[string]string         `yaml:"identities"`
	Retry               scoutsync.RetryPolicy     `yaml:"retry"`
	LogStageTimings     bool                      `yaml:"log_stage_timings"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PeerConfig seeds the peer registry at startup, matched by name
type PeerConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a single-node configuration with the two standard partitions
func DefaultConfig() *Config {
	engine := scoutsync.DefaultConfig()
	return &Config{
		Node: NodeConfig{Name: engine.NodeName},
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    3 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{BusyTimeout: scoutsync.DefaultBusyTimeout},
		Partitions: []scoutsync.PartitionSpec{
			{Name: "core", Path: "data/scouting.db"},
			{Name: "users", Path: "data/users.db"},
		},
		Sync: SyncConfig{
			Interval:            engine.SyncInterval,
			MaxConcurrentPeers:  engine.MaxConcurrentPeers,
			Lookback:            engine.DefaultLookback,
			SnapshotLimit:       engine.SnapshotLimit,
			MaxRetries:          engine.MaxRetries,
			PruneInterval:       engine.PruneInterval,
			Retention:           engine.Retention,
			BackoffBase:         engine.BackoffBase,
			BackoffMax:          engine.BackoffMax,
			CompressThreshold:   engine.CompressThreshold,
			AutoInstallTriggers: engine.AutoInstallTriggers,
			TablePriority:       engine.TablePriority,
			ReferenceRules:      engine.ReferenceRules,
			Identities:          engine.Identities,
			Retry:               engine.Retry,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if len(c.Partitions) == 0 {
		errs = append(errs, errors.New("at least one partition is required"))
	}
	seen := make(map[string]bool, len(c.Partitions))
	for i, p := range c.Partitions {
		if p.Name == "" || p.Path == "" {
			errs = append(errs, fmt.Errorf("partitions[%d]: name and path are required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("partitions[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
	}
	for i, p := range c.Peers {
		peer := p.peer()
		if err := peer.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("peers[%d]: %w", i, err))
		}
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	if err := c.Engine().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Engine converts the file configuration into engine settings
func (c *Config) Engine() *scoutsync.Config {
	cfg := scoutsync.DefaultConfig()
	cfg.ServerID = c.Node.ServerID
	if c.Node.Name != "" {
		cfg.NodeName = c.Node.Name
	}
	s := c.Sync
	cfg.SyncInterval = s.Interval
	cfg.MaxConcurrentPeers = s.MaxConcurrentPeers
	cfg.DefaultLookback = s.Lookback
	cfg.SnapshotLimit = s.SnapshotLimit
	cfg.MaxRetries = s.MaxRetries
	cfg.PruneInterval = s.PruneInterval
	cfg.Retention = s.Retention
	cfg.BackoffBase = s.BackoffBase
	cfg.BackoffMax = s.BackoffMax
	cfg.CompressThreshold = s.CompressThreshold
	cfg.AutoInstallTriggers = s.AutoInstallTriggers
	cfg.ExcludedTables = s.ExcludedTables
	if s.TablePriority != nil {
		cfg.TablePriority = s.TablePriority
	}
	if s.ReferenceRules != nil {
		cfg.ReferenceRules = s.ReferenceRules
	}
	if s.Identities != nil {
		cfg.Identities = s.Identities
	}
	cfg.Retry = s.Retry
	cfg.LogStageTimings = s.LogStageTimings
	cfg.JWTSecret = c.Auth.JWTSecret
	return cfg
}

func (p PeerConfig) peer() scoutsync.Peer {
	return scoutsync.Peer{Name: p.Name, Host: p.Host, Port: p.Port, Protocol: p.Protocol}
}

// SeedPeers returns the configured peers as registry entries
func (c *Config) SeedPeers() []scoutsync.Peer {
	out := make([]scoutsync.Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, p.peer())
	}
	return out
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds the process logger described by the logging section
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
