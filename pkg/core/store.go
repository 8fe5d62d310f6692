package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/liliang-cn/phashdb/pkg/fingerprint"

	_ "modernc.org/sqlite" // SQLite driver
)

// Index is a persistent vantage-point partition index backed by SQLite
type Index struct {
	db     *sql.DB // deferred transactions, snapshot reads
	writer *sql.DB // BEGIN IMMEDIATE, so busy_timeout covers the write lock wait
	config Config
	metric fingerprint.Metric
	logger Logger
	handle string

	mu     sync.RWMutex
	closed bool

	// size is the fingerprint length in bytes, 0 until the first fingerprint is written
	size atomic.Int64

	plans planCache
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates an index at path with the default Hamming metric
func New(path string) (*Index, error) {
	config := DefaultConfig()
	config.Path = path

	return NewWithConfig(config)
}

// NewWithConfig creates an index with custom configuration. Call Init before use.
func NewWithConfig(config Config) (*Index, error) {
	if err := config.normalize(); err != nil {
		return nil, wrapError("init", err)
	}

	handle := uuid.NewString()
	s := &Index{
		config: config,
		metric: config.Metric,
		handle: handle,
		logger: config.Logger.With("handle", handle),
	}
	s.size.Store(int64(config.FingerprintSize))

	return s, nil
}

// Config returns the effective configuration
func (s *Index) Config() Config {
	return s.config
}

// Metric returns the distance metric
func (s *Index) Metric() fingerprint.Metric {
	return s.metric
}

// FingerprintSize returns the fingerprint length, 0 while the index is empty
func (s *Index) FingerprintSize() int {
	return int(s.size.Load())
}

// GetDB returns the underlying database handle
func (s *Index) GetDB() *sql.DB {
	return s.db
}

// begin starts a read transaction and returns a rollback func safe to defer after Commit
func (s *Index) begin(ctx context.Context) (*sql.Tx, func(), error) {
	return s.beginOn(ctx, s.db)
}

// beginWrite starts a transaction holding the database write lock. Write paths read before
// they write, and a deferred transaction upgraded after another connection committed fails
// with SQLITE_BUSY without consulting the busy handler.
func (s *Index) beginWrite(ctx context.Context) (*sql.Tx, func(), error) {
	return s.beginOn(ctx, s.writer)
}

func (s *Index) beginOn(ctx context.Context, db *sql.DB) (*sql.Tx, func(), error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	rollback := func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback transaction", "error", err)
		}
	}
	return tx, rollback, nil
}
