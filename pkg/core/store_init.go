package core

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/liliang-cn/phashdb/internal/encoding"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

const (
	metaFingerprintSize = "fingerprint_size"
	metaMetric          = "metric"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS counts (
	id INTEGER PRIMARY KEY,
	points INTEGER NOT NULL DEFAULT 0,
	vantage_points INTEGER NOT NULL DEFAULT 0,
	shells INTEGER NOT NULL DEFAULT 0,
	items INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- one d{vantage_point_id} column is added per vantage point
CREATE TABLE IF NOT EXISTS points (
	id INTEGER PRIMARY KEY,
	value BLOB UNIQUE NOT NULL
);

-- not necessarily present in points
CREATE TABLE IF NOT EXISTS vantage_points (
	id INTEGER PRIMARY KEY,
	value BLOB UNIQUE NOT NULL
);

-- count excludes the lower shells of the same vantage point
CREATE TABLE IF NOT EXISTS shells (
	id INTEGER PRIMARY KEY,
	vantage_point_id INTEGER NOT NULL REFERENCES vantage_points(id),
	upper_bound INTEGER NOT NULL,
	count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY,
	key TEXT UNIQUE NOT NULL,
	point_id INTEGER NOT NULL REFERENCES points(id)
);
`

const createIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_shells_vantage_point ON shells(vantage_point_id, upper_bound);
CREATE INDEX IF NOT EXISTS idx_items_point ON items(point_id);
`

// requiredColumns lists the columns each table must expose
var requiredColumns = map[string][]string{
	"counts":         {"id", "points", "vantage_points", "shells", "items"},
	"meta":           {"key", "value"},
	"points":         {"id", "value"},
	"vantage_points": {"id", "value"},
	"shells":         {"id", "vantage_point_id", "upper_bound", "count"},
	"items":          {"id", "key", "point_id"},
}

// Init opens the database, creates missing tables and validates existing ones
func (s *Index) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("init", ErrStoreClosed)
	}

	// busy_timeout: wait for competing writers instead of failing immediately
	// journal_mode=WAL: readers do not block the single writer
	sep := "?"
	if strings.Contains(s.config.Path, "?") {
		sep = "&"
	}
	dsn := fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		s.config.Path, sep, s.config.BusyTimeout.Milliseconds())

	db, err := openPool(ctx, dsn, 16, 4)
	if err != nil {
		return wrapError("init", err)
	}
	// _txlock=immediate makes every writer transaction BEGIN IMMEDIATE
	writer, err := openPool(ctx, dsn+"&_txlock=immediate", 4, 1)
	if err != nil {
		_ = db.Close()
		return wrapError("init", err)
	}
	s.db, s.writer = db, writer

	if err := s.initSchema(ctx); err != nil {
		_ = writer.Close()
		_ = db.Close()
		s.db, s.writer = nil, nil
		return wrapError("init", err)
	}

	s.logger.Info("index opened", "path", s.config.Path, "fingerprint_size", s.FingerprintSize(), "metric", s.metric.Name())
	return nil
}

func openPool(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrStorage, err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrStorage, err)
	}
	return db, nil
}

// initSchema creates and validates all tables in one transaction
func (s *Index) initSchema(ctx context.Context) error {
	tx, rollback, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	if _, err := tx.ExecContext(ctx, createTablesSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.validateSchema(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, createIndexesSQL); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	if err := s.initMeta(ctx, tx); err != nil {
		return err
	}
	if err := seedCounts(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// tableColumns returns the column names of a table
func tableColumns(ctx context.Context, q querier, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// validateSchema checks existing tables expose every required column and that each
// registered vantage point has its axis column.
func (s *Index) validateSchema(ctx context.Context, q querier) error {
	var pointCols map[string]bool
	for table, required := range requiredColumns {
		cols, err := tableColumns(ctx, q, table)
		if err != nil {
			return err
		}
		for _, col := range required {
			if !cols[col] {
				return fmt.Errorf("%w: table %s has no column %s", ErrSchema, table, col)
			}
		}
		if table == "points" {
			pointCols = cols
		}
	}

	axes, err := loadAxisIDs(ctx, q)
	if err != nil {
		return err
	}
	registered := make(map[int64]bool, len(axes))
	for _, id := range axes {
		registered[id] = true
		if !pointCols[encoding.AxisColumn(id)] {
			return fmt.Errorf("%w: vantage point %d has no axis column", ErrSchema, id)
		}
	}
	for col := range pointCols {
		if id, ok := encoding.ParseAxisColumn(col); ok && !registered[id] {
			s.logger.Warn("axis column without vantage point", "column", col)
		}
	}
	return nil
}

// initMeta reconciles the configured metric and fingerprint size with the stored ones
func (s *Index) initMeta(ctx context.Context, q querier) error {
	storedMetric, ok, err := readMeta(ctx, q, metaMetric)
	if err != nil {
		return err
	}
	if ok && storedMetric != s.metric.Name() {
		return fmt.Errorf("%w: store uses metric %q, configured %q", ErrSchema, storedMetric, s.metric.Name())
	}
	if !ok {
		if err := writeMeta(ctx, q, metaMetric, s.metric.Name()); err != nil {
			return err
		}
	}

	stored, err := storedSize(ctx, q)
	if err != nil {
		return err
	}
	configured := s.config.FingerprintSize
	switch {
	case stored > 0 && configured > 0 && stored != configured:
		return fmt.Errorf("%w: store holds %d-byte fingerprints, configured %d", ErrSchema, stored, configured)
	case stored > 0:
		if err := checkBound(s.metric, stored); err != nil {
			return err
		}
		s.size.Store(int64(stored))
		return writeMeta(ctx, q, metaFingerprintSize, strconv.Itoa(stored))
	case configured > 0:
		return writeMeta(ctx, q, metaFingerprintSize, strconv.Itoa(configured))
	}
	return nil
}

// storedSize reads the persisted fingerprint size, falling back to the first stored value
// for stores written before the meta table existed.
func storedSize(ctx context.Context, q querier) (int, error) {
	v, ok, err := readMeta(ctx, q, metaFingerprintSize)
	if err != nil {
		return 0, err
	}
	if ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: invalid stored fingerprint size %q", ErrSchema, v)
		}
		return n, nil
	}

	var n sql.NullInt64
	err = q.QueryRowContext(ctx, `
		SELECT length(value) FROM (
			SELECT value FROM points UNION ALL SELECT value FROM vantage_points
		) LIMIT 1`).Scan(&n)
	if err == sql.ErrNoRows || (err == nil && !n.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to detect fingerprint size: %w", err)
	}
	return int(n.Int64), nil
}

func readMeta(ctx context.Context, q querier, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return v, true, nil
}

func writeMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, "INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// resolveSize returns the fingerprint size a write must use. adopt is true when the size
// was fixed by this write and must be cached once the transaction commits.
func (s *Index) resolveSize(ctx context.Context, tx *sql.Tx, value fingerprint.Fingerprint) (size int, adopt bool, err error) {
	if len(value) == 0 {
		return 0, false, fmt.Errorf("%w: %w", ErrInvalidFingerprint, fingerprint.ErrEmpty)
	}
	size = s.FingerprintSize()
	if size == 0 {
		if size, err = storedSize(ctx, tx); err != nil {
			return 0, false, err
		}
		if size == 0 {
			size = len(value)
			if err := checkBound(s.metric, size); err != nil {
				return 0, false, err
			}
			if err := writeMeta(ctx, tx, metaFingerprintSize, strconv.Itoa(size)); err != nil {
				return 0, false, err
			}
		}
		adopt = true
	}
	if err := value.Validate(size); err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrInvalidFingerprint, err)
	}
	return size, adopt, nil
}

// readSize returns the fingerprint size for readers, 0 when nothing was written yet
func (s *Index) readSize(ctx context.Context, q querier) (int, error) {
	if size := s.FingerprintSize(); size > 0 {
		return size, nil
	}
	return storedSize(ctx, q)
}
