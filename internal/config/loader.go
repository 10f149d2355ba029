// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/frcscout/go-scoutsync/scoutsync"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SCOUTSYNC_"

// Load reads configuration from the YAML file (when it exists), then the .env
// file (when it exists), then SCOUTSYNC_* environment variables, and validates it.
// Variables already set in the process environment win over .env entries.
func Load(configPath, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := loadFromEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

// loadFromEnv applies SCOUTSYNC_* overrides
func loadFromEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	if v, ok := get("SERVER_ID"); ok {
		cfg.Node.ServerID = v
	}
	if v, ok := get("NODE_NAME"); ok {
		cfg.Node.Name = v
	}
	if v, ok := get("LISTEN"); ok {
		cfg.Server.Listen = v
	}
	if v, ok := get("JWT_SECRET"); ok {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	duration("SYNC_INTERVAL", &cfg.Sync.Interval)
	duration("LOOKBACK", &cfg.Sync.Lookback)
	duration("RETENTION", &cfg.Sync.Retention)
	duration("BUSY_TIMEOUT", &cfg.Storage.BusyTimeout)
	integer("MAX_CONCURRENT_PEERS", &cfg.Sync.MaxConcurrentPeers)
	integer("MAX_RETRIES", &cfg.Sync.MaxRetries)
	integer("COMPRESS_THRESHOLD", &cfg.Sync.CompressThreshold)

	// SCOUTSYNC_PARTITIONS=core=data/scouting.db,users=data/users.db
	if v, ok := get("PARTITIONS"); ok {
		parts, err := parsePartitions(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Partitions = parts
		}
	}
	// SCOUTSYNC_PEERS=pit=10.0.0.5:8080,stands=https://10.0.0.6:8443
	if v, ok := get("PEERS"); ok {
		peers, err := parsePeers(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Peers = peers
		}
	}
	return errors.Join(errs...)
}

func parsePartitions(v string) ([]scoutsync.PartitionSpec, error) {
	var out []scoutsync.PartitionSpec
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, path, ok := strings.Cut(item, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("%sPARTITIONS: expected name=path, got %q", envPrefix, item)
		}
		out = append(out, scoutsync.PartitionSpec{Name: strings.TrimSpace(name), Path: strings.TrimSpace(path)})
	}
	return out, nil
}

func parsePeers(v string) ([]PeerConfig, error) {
	var out []PeerConfig
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, addr, ok := strings.Cut(item, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%sPEERS: expected name=host:port, got %q", envPrefix, item)
		}
		p := PeerConfig{Name: strings.TrimSpace(name), Protocol: "http"}
		if proto, rest, found := strings.Cut(addr, "://"); found {
			p.Protocol = proto
			addr = rest
		}
		host, port, ok := strings.Cut(strings.TrimSpace(addr), ":")
		if !ok {
			return nil, fmt.Errorf("%sPEERS: missing port in %q", envPrefix, item)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("%sPEERS: invalid port in %q: %w", envPrefix, item, err)
		}
		p.Host = host
		p.Port = n
		out = append(out, p)
	}
	return out, nil
}
