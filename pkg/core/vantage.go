package core

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/liliang-cn/phashdb/internal/encoding"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// AddVantagePoint registers value as a new axis. Every stored point gets its distance to
// value in the same transaction, so the cost is proportional to the number of points.
// Treat it as a maintenance operation: it holds the handle exclusively while it runs.
func (s *Index) AddVantagePoint(ctx context.Context, value fingerprint.Fingerprint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, wrapError("add_vantage_point", ErrStoreClosed)
	}

	id, size, adopt, err := s.addVantagePoint(ctx, value)
	if err != nil {
		return 0, wrapError("add_vantage_point", err)
	}
	if adopt {
		s.size.Store(int64(size))
	}

	s.invalidatePlans()

	s.logger.Info("vantage point added", "id", id, "value", value.String())
	return id, nil
}

func (s *Index) addVantagePoint(ctx context.Context, value fingerprint.Fingerprint) (id int64, size int, adopt bool, err error) {
	tx, rollback, err := s.beginWrite(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	defer rollback()

	if size, adopt, err = s.resolveSize(ctx, tx, value); err != nil {
		return 0, 0, false, err
	}

	var existing int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM vantage_points WHERE value = ?", []byte(value)).Scan(&existing)
	switch {
	case err == nil:
		return 0, 0, false, fmt.Errorf("%w: already registered as %d", ErrDuplicateVantagePoint, existing)
	case err != sql.ErrNoRows:
		return 0, 0, false, fmt.Errorf("failed to look up vantage point: %w", err)
	}

	blob, err := encoding.EncodeFingerprint(value)
	if err != nil {
		return 0, 0, false, fmt.Errorf("%w: %w", ErrInvalidFingerprint, err)
	}
	res, err := tx.ExecContext(ctx, "INSERT INTO vantage_points (value) VALUES (?)", blob)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, 0, false, fmt.Errorf("%w: %w", ErrDuplicateVantagePoint, err)
		}
		return 0, 0, false, fmt.Errorf("failed to insert vantage point: %w", err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, 0, false, fmt.Errorf("failed to get vantage point id: %w", err)
	}

	if err := addAxisColumn(ctx, tx, id); err != nil {
		return 0, 0, false, err
	}
	vp := VantagePoint{ID: id, Value: value.Clone()}
	points, err := s.backfillAxis(ctx, tx, vp)
	if err != nil {
		return 0, 0, false, err
	}

	// one catch-all shell holds every point until boundaries are recorded
	if err := insertShell(ctx, tx, id, int64(s.metric.Bound(size)), points); err != nil {
		return 0, 0, false, err
	}
	if err := bumpCount(ctx, tx, countVantagePoints, 1); err != nil {
		return 0, 0, false, err
	}
	if err := bumpCount(ctx, tx, countShells, 1); err != nil {
		return 0, 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, false, fmt.Errorf("failed to commit vantage point: %w", err)
	}
	return id, size, adopt, nil
}

// ListVantagePoints returns the vantage points ascending by id. This order is the
// positional axis order of every axis-aware statement.
func (s *Index) ListVantagePoints(ctx context.Context) ([]VantagePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("list_vantage_points", ErrStoreClosed)
	}

	size, err := s.readSize(ctx, s.db)
	if err != nil {
		return nil, wrapError("list_vantage_points", err)
	}
	vps, err := loadVantagePoints(ctx, s.db, size)
	if err != nil {
		return nil, wrapError("list_vantage_points", err)
	}
	return vps, nil
}
