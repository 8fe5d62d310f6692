package core

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/liliang-cn/phashdb/internal/encoding"
)

// insertShell appends one shell ending at upper
func insertShell(ctx context.Context, q querier, vpID int64, upper, count int64) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO shells (vantage_point_id, upper_bound, count) VALUES (?, ?, ?)", vpID, upper, count)
	if err != nil {
		return fmt.Errorf("failed to insert shell for vantage point %d: %w", vpID, err)
	}
	return nil
}

// bumpShells increments, on every axis, the shell containing the new point's distance
func bumpShells(ctx context.Context, q querier, vps []VantagePoint, dists []int64) error {
	for i, vp := range vps {
		_, err := q.ExecContext(ctx, `
			UPDATE shells SET count = count + 1 WHERE id = (
				SELECT id FROM shells WHERE vantage_point_id = ? AND upper_bound >= ?
				ORDER BY upper_bound LIMIT 1
			)`, vp.ID, dists[i])
		if err != nil {
			return fmt.Errorf("failed to update shell of vantage point %d: %w", vp.ID, err)
		}
	}
	return nil
}

func vantagePointExists(ctx context.Context, q querier, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM vantage_points WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: vantage point %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to look up vantage point %d: %w", id, err)
	}
	return nil
}

// loadShells lists the shells of one vantage point ascending by upper bound
func loadShells(ctx context.Context, q querier, vpID int64) ([]Shell, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT upper_bound, count FROM shells WHERE vantage_point_id = ? ORDER BY upper_bound", vpID)
	if err != nil {
		return nil, fmt.Errorf("failed to load shells: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		shells []Shell
		lower  int64
	)
	for rows.Next() {
		sh := Shell{VantagePointID: vpID, Lower: lower}
		if err := rows.Scan(&sh.Upper, &sh.Count); err != nil {
			return nil, fmt.Errorf("failed to scan shell: %w", err)
		}
		shells = append(shells, sh)
		lower = sh.Upper + 1
	}
	return shells, rows.Err()
}

// Shells lists the partition shells of a vantage point
func (s *Index) Shells(ctx context.Context, vpID int64) ([]Shell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("shells", ErrStoreClosed)
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, wrapError("shells", err)
	}
	defer rollback()

	if err := vantagePointExists(ctx, tx, vpID); err != nil {
		return nil, wrapError("shells", err)
	}
	shells, err := loadShells(ctx, tx, vpID)
	if err != nil {
		return nil, wrapError("shells", err)
	}
	return shells, nil
}

// RecordShellBoundaries replaces the shells of a vantage point. bounds are inclusive upper
// bounds and must be strictly increasing; the metric bound is appended when missing.
// Counts are recomputed from the stored axis values.
func (s *Index) RecordShellBoundaries(ctx context.Context, vpID int64, bounds []uint64) ([]Shell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, wrapError("record_shells", ErrStoreClosed)
	}

	tx, rollback, err := s.beginWrite(ctx)
	if err != nil {
		return nil, wrapError("record_shells", err)
	}
	defer rollback()

	shells, err := s.recordShells(ctx, tx, vpID, bounds)
	if err != nil {
		return nil, wrapError("record_shells", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapError("record_shells", fmt.Errorf("failed to commit shells: %w", err))
	}
	s.logger.Debug("shells recorded", "vantage_point", vpID, "shells", len(shells))
	return shells, nil
}

// RebalanceShells derives n shells of roughly equal population from the axis histogram
func (s *Index) RebalanceShells(ctx context.Context, vpID int64, n int) ([]Shell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, wrapError("rebalance_shells", ErrStoreClosed)
	}
	if n <= 0 {
		return nil, wrapError("rebalance_shells", fmt.Errorf("%w: shell count must be positive, got %d", ErrInvalidArgument, n))
	}

	tx, rollback, err := s.beginWrite(ctx)
	if err != nil {
		return nil, wrapError("rebalance_shells", err)
	}
	defer rollback()

	if err := vantagePointExists(ctx, tx, vpID); err != nil {
		return nil, wrapError("rebalance_shells", err)
	}
	hist, total, err := axisHistogram(ctx, tx, vpID)
	if err != nil {
		return nil, wrapError("rebalance_shells", err)
	}

	shells, err := s.recordShells(ctx, tx, vpID, quantileBounds(hist, total, n))
	if err != nil {
		return nil, wrapError("rebalance_shells", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapError("rebalance_shells", fmt.Errorf("failed to commit shells: %w", err))
	}
	s.logger.Debug("shells rebalanced", "vantage_point", vpID, "shells", len(shells), "points", total)
	return shells, nil
}

type histogramBin struct {
	distance int64
	count    int64
}

func axisHistogram(ctx context.Context, q querier, vpID int64) ([]histogramBin, int64, error) {
	col := encoding.AxisColumn(vpID)
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT %[1]s, COUNT(*) FROM points GROUP BY %[1]s ORDER BY %[1]s", col))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read axis histogram: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		hist  []histogramBin
		total int64
	)
	for rows.Next() {
		var b histogramBin
		if err := rows.Scan(&b.distance, &b.count); err != nil {
			return nil, 0, fmt.Errorf("failed to scan histogram bin: %w", err)
		}
		hist = append(hist, b)
		total += b.count
	}
	return hist, total, rows.Err()
}

// quantileBounds cuts the histogram into at most n shells of roughly total/n points each
func quantileBounds(hist []histogramBin, total int64, n int) []uint64 {
	var (
		bounds []uint64
		seen   int64
		next   = 1
	)
	for _, b := range hist {
		seen += b.count
		if next >= n {
			break
		}
		if seen*int64(n) >= total*int64(next) {
			bounds = append(bounds, uint64(b.distance))
			for next < n && seen*int64(n) >= total*int64(next) {
				next++
			}
		}
	}
	return bounds
}

// recordShells replaces the shells of vpID inside tx
func (s *Index) recordShells(ctx context.Context, tx *sql.Tx, vpID int64, bounds []uint64) ([]Shell, error) {
	if err := vantagePointExists(ctx, tx, vpID); err != nil {
		return nil, err
	}
	size, err := s.readSize(ctx, tx)
	if err != nil {
		return nil, err
	}
	limit := s.metric.Bound(size)

	for i, b := range bounds {
		if i > 0 && b <= bounds[i-1] {
			return nil, fmt.Errorf("%w: shell bounds must be strictly increasing", ErrInvalidArgument)
		}
		if b > limit {
			return nil, fmt.Errorf("%w: shell bound %d exceeds distance bound %d", ErrInvalidArgument, b, limit)
		}
	}
	if len(bounds) == 0 || bounds[len(bounds)-1] < limit {
		bounds = append(bounds, limit)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM shells WHERE vantage_point_id = ?", vpID)
	if err != nil {
		return nil, fmt.Errorf("failed to clear shells: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to clear shells: %w", err)
	}

	col := encoding.AxisColumn(vpID)
	count := fmt.Sprintf("SELECT COUNT(*) FROM points WHERE %s BETWEEN ? AND ?", col)
	var lower int64
	for _, b := range bounds {
		upper := int64(b)
		var n int64
		if err := tx.QueryRowContext(ctx, count, lower, upper).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count shell: %w", err)
		}
		if err := insertShell(ctx, tx, vpID, upper, n); err != nil {
			return nil, err
		}
		lower = upper + 1
	}

	if err := bumpCount(ctx, tx, countShells, int64(len(bounds))-removed); err != nil {
		return nil, err
	}
	return loadShells(ctx, tx, vpID)
}

// shellEstimate bounds the number of points whose axis value falls within band, summing
// every shell that overlaps it.
func shellEstimate(shells []Shell, band Band) int64 {
	var n int64
	for _, sh := range shells {
		if uint64(sh.Upper) < band.Lower || uint64(sh.Lower) > band.Upper {
			continue
		}
		n += sh.Count
	}
	return n
}
