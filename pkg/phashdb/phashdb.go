// Package phashdb provides a SQLite-backed similarity index for binary fingerprints
package phashdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/liliang-cn/phashdb/pkg/core"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// Match is a query result: an item key and its distance from the query.
type Match = core.Match

// DB represents an open fingerprint index
type DB struct {
	index  *core.Index
	hasher Hasher // Optional hasher for reader based operations
}

// Config represents database configuration
type Config struct {
	Path            string               // Database file path
	FingerprintSize int                  // Bytes per fingerprint (0 for auto-detect)
	QueryStrategy   core.QueryStrategy   // Candidate fetch strategy
	Selection       core.SelectionPolicy // Vantage point scoring policy
	BusyTimeout     time.Duration        // SQLite busy timeout
	Logger          core.Logger          // Structured logger (default: discard)
}

// DefaultConfig returns default configuration
func DefaultConfig(path string) Config {
	def := core.DefaultConfig()
	return Config{
		Path:            path,
		FingerprintSize: 0,
		QueryStrategy:   def.QueryStrategy,
		Selection:       def.Selection,
		BusyTimeout:     def.BusyTimeout,
		Logger:          def.Logger,
	}
}

// Option is a functional option for configuring the DB.
type Option func(*options)

type options struct {
	hasher      Hasher
	metric      fingerprint.Metric
	batchSize   int
	workers     int
	logger      core.Logger
	initTimeout time.Duration
}

// WithHasher configures the DB with a hasher for reader based operations.
// When set, InsertReader and QueryReader become available.
func WithHasher(h Hasher) Option {
	return func(o *options) {
		o.hasher = h
	}
}

// WithMetric overrides the Hamming metric.
// Pruning is only sound for metrics that satisfy the triangle inequality.
func WithMetric(m fingerprint.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithBackfill tunes how distance columns are filled when a vantage point is added.
func WithBackfill(batchSize, workers int) Option {
	return func(o *options) {
		o.batchSize = batchSize
		o.workers = workers
	}
}

// WithLogger sets the logger, overriding Config.Logger.
func WithLogger(l core.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithInitTimeout bounds schema creation and validation during Open.
func WithInitTimeout(d time.Duration) Option {
	return func(o *options) {
		o.initTimeout = d
	}
}

// Open opens or creates a fingerprint index.
func Open(config Config, opts ...Option) (*DB, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	coreConfig := core.DefaultConfig()
	coreConfig.Path = config.Path
	coreConfig.FingerprintSize = config.FingerprintSize
	coreConfig.QueryStrategy = config.QueryStrategy
	coreConfig.Selection = config.Selection
	if config.BusyTimeout > 0 {
		coreConfig.BusyTimeout = config.BusyTimeout
	}
	if config.Logger != nil {
		coreConfig.Logger = config.Logger
	}
	if o.logger != nil {
		coreConfig.Logger = o.logger
	}
	if o.metric != nil {
		coreConfig.Metric = o.metric
	}
	if o.batchSize > 0 {
		coreConfig.BackfillBatchSize = o.batchSize
	}
	if o.workers > 0 {
		coreConfig.BackfillWorkers = o.workers
	}
	if o.hasher != nil && coreConfig.FingerprintSize == 0 {
		coreConfig.FingerprintSize = o.hasher.Size()
	}

	index, err := core.NewWithConfig(coreConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	ctx := context.Background()
	if o.initTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.initTimeout)
		defer cancel()
	}
	if err := index.Init(ctx); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}

	if o.hasher != nil {
		if size := index.FingerprintSize(); size != 0 && size != o.hasher.Size() {
			_ = index.Close()
			return nil, fmt.Errorf("%w: hasher produces %d bytes, index stores %d",
				core.ErrInvalidConfig, o.hasher.Size(), size)
		}
	}

	return &DB{index: index, hasher: o.hasher}, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.index.Close()
}

// Index returns the underlying index for direct access
func (db *DB) Index() *core.Index {
	return db.index
}

// SQL returns the underlying database connection
func (db *DB) SQL() *sql.DB {
	return db.index.GetDB()
}

// Insert stores key under the given fingerprint.
func (db *DB) Insert(ctx context.Context, fp fingerprint.Fingerprint, key string) error {
	_, err := db.index.Insert(ctx, fp, key)
	return err
}

// InsertHex stores key under a hex encoded fingerprint.
func (db *DB) InsertHex(ctx context.Context, hexValue, key string) error {
	fp, err := parseHex(hexValue)
	if err != nil {
		return err
	}
	return db.Insert(ctx, fp, key)
}

// Query returns items within radius of fp, nearest first.
func (db *DB) Query(ctx context.Context, fp fingerprint.Fingerprint, radius uint64, limit int) ([]Match, error) {
	return db.index.Query(ctx, fp, core.QueryOptions{Radius: radius, Limit: limit})
}

// QueryHex is Query with a hex encoded fingerprint.
func (db *DB) QueryHex(ctx context.Context, hexValue string, radius uint64, limit int) ([]Match, error) {
	fp, err := parseHex(hexValue)
	if err != nil {
		return nil, err
	}
	return db.Query(ctx, fp, radius, limit)
}

// AddVantagePointHex registers a hex encoded fingerprint as a vantage point.
func (db *DB) AddVantagePointHex(ctx context.Context, hexValue string) (int64, error) {
	fp, err := parseHex(hexValue)
	if err != nil {
		return 0, err
	}
	return db.index.AddVantagePoint(ctx, fp)
}

// AutoVantagePoints suggests and registers up to n vantage points.
// It stops early once no unregistered point is left.
func (db *DB) AutoVantagePoints(ctx context.Context, n, sampleSize int) ([]int64, error) {
	var ids []int64
	for len(ids) < n {
		sg, err := db.index.SuggestVantagePoint(ctx, sampleSize)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				break
			}
			return ids, err
		}
		id, err := db.index.AddVantagePoint(ctx, sg.Value)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseHex(s string) (fingerprint.Fingerprint, error) {
	fp, err := fingerprint.ParseHex(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidFingerprint, err)
	}
	return fp, nil
}
