// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultMaxRetries         = 10
	DefaultBackoffBase        = 30 * time.Second
	DefaultBackoffMax         = 30 * time.Minute
	DefaultSnapshotLimit      = 5000
	DefaultLookback           = 24 * time.Hour
	DefaultSyncInterval       = 5 * time.Minute
	DefaultMaxConcurrentPeers = 4
	DefaultPruneInterval      = time.Hour
	DefaultRetention          = 30 * 24 * time.Hour
	DefaultCompressThreshold  = 8 << 10
	DefaultBusyTimeout        = 30 * time.Second
)

// Config holds engine settings
type Config struct {
	ServerID string // Stable node identity; generated and persisted when empty
	NodeName string // Human readable name sent to peers in tokens

	ExcludedTables []string          // Tables never replicated, in addition to the internal ones
	TablePriority  map[string]int    // Apply order per table; lower first, unlisted tables get 100
	ReferenceRules []ReferenceRule   // Foreign keys resolved through natural keys
	Identities     map[string]string // table -> natural key column used to match rows across peers

	SnapshotLimit   int           // Row cap for tables without timestamp columns (0 = unlimited)
	DefaultLookback time.Duration // Capture window for peers never synced before
	MaxRetries      int           // Failed pushes before a change-log entry is marked failed

	Retry              RetryPolicy
	SyncInterval       time.Duration // Scheduler tick
	MaxConcurrentPeers int           // Peers synced in parallel per tick
	PruneInterval      time.Duration
	Retention          time.Duration // Age after which completed change-log entries are pruned
	BackoffBase        time.Duration
	BackoffMax         time.Duration

	CompressThreshold   int    // Bodies at least this large are zstd-compressed (0 = never)
	JWTSecret           string // Shared peer secret; empty disables peer authentication
	AutoInstallTriggers bool   // Install capture triggers on every tracked table at startup

	HTTPClient *http.Client

	// StageMetrics receives per-step timings of cycles, full syncs and served requests.
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NodeName:            "scoutsync",
		TablePriority:       DefaultTablePriority(),
		ReferenceRules:      DefaultReferenceRules(),
		Identities:          DefaultIdentities(),
		SnapshotLimit:       DefaultSnapshotLimit,
		DefaultLookback:     DefaultLookback,
		MaxRetries:          DefaultMaxRetries,
		Retry:               DefaultRetryPolicy(),
		SyncInterval:        DefaultSyncInterval,
		MaxConcurrentPeers:  DefaultMaxConcurrentPeers,
		PruneInterval:       DefaultPruneInterval,
		Retention:           DefaultRetention,
		BackoffBase:         DefaultBackoffBase,
		BackoffMax:          DefaultBackoffMax,
		CompressThreshold:   DefaultCompressThreshold,
		AutoInstallTriggers: true,
	}
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	for _, r := range c.ReferenceRules {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry attempts must be at least 1"))
	}
	if c.Retry.PingTimeout <= 0 || c.Retry.BulkTimeout <= 0 {
		errs = append(errs, errors.New("ping and bulk timeouts must be positive"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync interval must be positive"))
	}
	if c.MaxConcurrentPeers < 1 {
		errs = append(errs, errors.New("max concurrent peers must be at least 1"))
	}
	return errors.Join(errs...)
}

// Engine owns every replication component of one node. Construct one per
// process with NewEngine and share it by reference.
type Engine struct {
	config   *Config
	logger   *slog.Logger
	serverID string

	partitions *Partitions
	catalog    SchemaCatalog
	changeLog  *ChangeLog
	refs       *referenceResolver
	capturer   *Capturer
	applier    *Applier
	transport  *Transport
	peers      *PeerRegistry
	tracker    *Tracker
	syncLog    *SyncLog
	auth       *JWTAuth

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	now func() time.Time
}

// NewEngine wires an engine over already opened partitions. The first
// partition is the primary one and also stores peers, sync log and
// reliability metrics. Close releases the partitions.
func NewEngine(ctx context.Context, partitions *Partitions, config *Config, logger *slog.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.DefaultLookback <= 0 {
		config.DefaultLookback = DefaultLookback
	}

	serverID, err := partitions.EnsureServerID(ctx, config.ServerID)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:     config,
		logger:     logger,
		serverID:   serverID,
		partitions: partitions,
		locks:      make(map[int64]*sync.Mutex),
		now:        time.Now,
	}
	if err := e.initializeEngineSchema(ctx); err != nil {
		return nil, err
	}

	primary := partitions.Primary().DB
	catalog := NewSQLiteCatalog(partitions, config.ExcludedTables)
	e.catalog = catalog
	e.changeLog = NewChangeLog(partitions, logger)
	e.refs = newReferenceResolver(catalog, partitions, config.ReferenceRules, config.Identities)
	e.capturer = newCapturer(partitions, catalog, e.changeLog, e.refs, serverID, config.SnapshotLimit, logger)
	e.applier = newApplier(partitions, catalog, e.changeLog, e.refs, config.TablePriority, logger)
	e.peers = NewPeerRegistry(primary)
	e.tracker = NewTracker(primary, config.BackoffBase, config.BackoffMax)
	e.syncLog = NewSyncLog(primary)
	if config.JWTSecret != "" {
		e.auth = NewJWTAuth(config.JWTSecret)
	}
	e.transport = NewTransport(config.HTTPClient, config.Retry, serverID, config.NodeName, e.auth,
		config.CompressThreshold, logger)

	if config.AutoInstallTriggers {
		if err := e.InstallTriggers(ctx); err != nil {
			return nil, err
		}
	}

	logger.Info("sync engine ready", "server_id", serverID, "partitions", len(partitions.All()))
	return e, nil
}

func (e *Engine) ServerID() string { return e.serverID }
func (e *Engine) Config() *Config { return e.config }
func (e *Engine) Partitions() *Partitions { return e.partitions }
func (e *Engine) Catalog() SchemaCatalog { return e.catalog }
func (e *Engine) ChangeLog() *ChangeLog { return e.changeLog }
func (e *Engine) Peers() *PeerRegistry { return e.peers }
func (e *Engine) Tracker() *Tracker { return e.tracker }
func (e *Engine) SyncLog() *SyncLog { return e.syncLog }
func (e *Engine) Transport() *Transport { return e.transport }
func (e *Engine) Authenticator() *JWTAuth { return e.auth }
func (e *Engine) Logger() *slog.Logger { return e.logger }
func (e *Engine) Applier() *Applier { return e.applier }
func (e *Engine) Capturer() *Capturer { return e.capturer }

// CaptureChanges returns every change since the given time across partitions.
func (e *Engine) CaptureChanges(ctx context.Context, since time.Time) (CaptureResult, error) {
	return e.capturer.Capture(ctx, since)
}

// ApplyChanges applies a batch coming from outside the replication protocol.
func (e *Engine) ApplyChanges(ctx context.Context, batch []ChangeRecord) (ApplyResult, error) {
	return e.applier.Apply(ctx, batch, ApplyOptions{})
}

// ChangesFor returns the changes a requesting peer has not originated itself.
func (e *Engine) ChangesFor(ctx context.Context, since time.Time, requester string) (CaptureResult, error) {
	return e.capturer.ChangesFor(ctx, since, requester)
}

// Track logs a change the application made without capture triggers.
func (e *Engine) Track(ctx context.Context, table, recordID string, op Operation, payload map[string]any) (*ChangeRecord, error) {
	return e.capturer.Track(ctx, table, recordID, op, payload)
}

// InstallTriggers installs capture triggers on the given tables, or on all tracked tables.
func (e *Engine) InstallTriggers(ctx context.Context, tables ...string) error {
	e.catalog.Refresh()
	return InstallTriggers(ctx, e.catalog, e.partitions, tables...)
}

// Prune removes completed change-log entries older than the retention period.
func (e *Engine) Prune(ctx context.Context) (int64, error) {
	return e.changeLog.Prune(ctx, e.config.Retention)
}

// Close closes every partition.
func (e *Engine) Close() error {
	return e.partitions.Close()
}

// lockPeer takes the per-peer cycle lock without waiting.
func (e *Engine) lockPeer(peerID int64) (func(), bool) {
	e.locksMu.Lock()
	mu, ok := e.locks[peerID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[peerID] = mu
	}
	e.locksMu.Unlock()
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}
