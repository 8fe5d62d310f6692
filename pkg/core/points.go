package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/phashdb/internal/encoding"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// distance computes the stored form of d(a, b), failing on values no axis column can hold
func (s *Index) distance(a, b fingerprint.Fingerprint) (int64, error) {
	d, err := s.metric.Distance(a, b)
	if err != nil {
		return 0, err
	}
	if bound := s.metric.Bound(len(a)); d > bound {
		return 0, fmt.Errorf("%w: %s distance %d exceeds bound %d", ErrInvariantViolation, s.metric.Name(), d, bound)
	}
	v, err := encoding.EncodeDistance(d)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}
	return v, nil
}

// axisDistances returns the distance from value to every vantage point, in axis order
func (s *Index) axisDistances(value fingerprint.Fingerprint, vps []VantagePoint) ([]int64, error) {
	out := make([]int64, len(vps))
	for i, vp := range vps {
		d, err := s.distance(vp.Value, value)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func lookupPointID(ctx context.Context, q querier, value fingerprint.Fingerprint) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, "SELECT id FROM points WHERE value = ?", []byte(value)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up point: %w", err)
	}
	return id, true, nil
}

// insertPoint returns the id of value, inserting it with its axis distances when unseen
func (s *Index) insertPoint(ctx context.Context, tx *sql.Tx, p *axisPlan, vps []VantagePoint, value fingerprint.Fingerprint) (int64, error) {
	if id, ok, err := lookupPointID(ctx, tx, value); err != nil || ok {
		return id, err
	}

	if err := checkPlan(p, vps); err != nil {
		return 0, err
	}
	dists, err := s.axisDistances(value, vps)
	if err != nil {
		return 0, err
	}
	blob, err := encoding.EncodeFingerprint(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidFingerprint, err)
	}
	args := make([]any, 0, len(dists)+1)
	args = append(args, blob)
	for _, d := range dists {
		args = append(args, d)
	}

	res, err := tx.StmtContext(ctx, p.insertPoint).ExecContext(ctx, args...)
	if err != nil {
		if isUniqueViolation(err) {
			// another handle stored the same value first
			if id, ok, lerr := lookupPointID(ctx, tx, value); lerr == nil && ok {
				return id, nil
			}
		}
		return 0, fmt.Errorf("failed to insert point: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get point id: %w", err)
	}

	if err := bumpCount(ctx, tx, countPoints, 1); err != nil {
		return 0, err
	}
	if err := bumpShells(ctx, tx, vps, dists); err != nil {
		return 0, err
	}
	return id, nil
}

type pointRow struct {
	id    int64
	value fingerprint.Fingerprint
	dist  int64
}

// backfillAxis stores the distance to vp for every existing point and returns the number
// of points updated. Pages are read by id, their distances computed in parallel and written
// back sequentially inside tx.
func (s *Index) backfillAxis(ctx context.Context, tx *sql.Tx, vp VantagePoint) (int64, error) {
	col := encoding.AxisColumn(vp.ID)
	update, err := tx.PrepareContext(ctx, fmt.Sprintf("UPDATE points SET %s = ? WHERE id = ?", col))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare backfill: %w", err)
	}
	defer func() { _ = update.Close() }()

	batch := s.config.BackfillBatchSize
	var (
		lastID int64
		total  int64
	)
	for {
		page, err := readPointPage(ctx, tx, lastID, batch, len(vp.Value))
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			break
		}

		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(s.config.BackfillWorkers)
		for i := range page {
			g.Go(func() error {
				d, err := s.distance(vp.Value, page[i].value)
				if err != nil {
					return fmt.Errorf("point %d: %w", page[i].id, err)
				}
				page[i].dist = d
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return total, err
		}

		for _, row := range page {
			if _, err := update.ExecContext(ctx, row.dist, row.id); err != nil {
				return total, fmt.Errorf("failed to backfill point %d: %w", row.id, err)
			}
		}
		total += int64(len(page))
		lastID = page[len(page)-1].id

		if len(page) < batch {
			break
		}
	}

	s.logger.Debug("axis backfilled", "vantage_point", vp.ID, "points", total)
	return total, nil
}

func readPointPage(ctx context.Context, q querier, afterID int64, limit, size int) ([]pointRow, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, value FROM points WHERE id > ? ORDER BY id LIMIT ?", afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	page := make([]pointRow, 0, limit)
	for rows.Next() {
		var (
			row  pointRow
			blob []byte
		)
		if err := rows.Scan(&row.id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		value, err := encoding.DecodeFingerprint(blob, size)
		if err != nil {
			return nil, fmt.Errorf("%w: point %d: %w", ErrStorage, row.id, err)
		}
		row.value = value
		page = append(page, row)
	}
	return page, rows.Err()
}

// pointSelectSQL selects id, value and every axis column
func pointSelectSQL(vps []VantagePoint, where string) string {
	var b strings.Builder
	b.WriteString("SELECT id, value")
	for _, vp := range vps {
		b.WriteString(", ")
		b.WriteString(encoding.AxisColumn(vp.ID))
	}
	b.WriteString(" FROM points")
	if where != "" {
		b.WriteString(" ")
		b.WriteString(where)
	}
	return b.String()
}

func scanPoint(rows interface{ Scan(...any) error }, vps []VantagePoint, size int) (*Point, error) {
	var blob []byte
	dists := make([]int64, len(vps))
	dest := make([]any, 0, len(vps)+2)
	p := &Point{}
	dest = append(dest, &p.ID, &blob)
	for i := range dists {
		dest = append(dest, &dists[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	value, err := encoding.DecodeFingerprint(blob, size)
	if err != nil {
		return nil, fmt.Errorf("%w: point %d: %w", ErrStorage, p.ID, err)
	}
	p.Value = value
	if len(vps) > 0 {
		p.Axes = make(map[int64]int64, len(vps))
		for i, vp := range vps {
			p.Axes[vp.ID] = dists[i]
		}
	}
	return p, nil
}

// GetPoint returns a point with its stored axis distances
func (s *Index) GetPoint(ctx context.Context, id int64) (*Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("get_point", ErrStoreClosed)
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, wrapError("get_point", err)
	}
	defer rollback()

	size, err := s.readSize(ctx, tx)
	if err != nil {
		return nil, wrapError("get_point", err)
	}
	vps, err := loadVantagePoints(ctx, tx, size)
	if err != nil {
		return nil, wrapError("get_point", err)
	}
	p, err := scanPoint(tx.QueryRowContext(ctx, pointSelectSQL(vps, "WHERE id = ?"), id), vps, size)
	if err == sql.ErrNoRows {
		return nil, wrapError("get_point", fmt.Errorf("%w: point %d", ErrNotFound, id))
	}
	if err != nil {
		return nil, wrapError("get_point", err)
	}
	return p, nil
}

// ScanPoints calls fn for every point in id order inside one snapshot. Returning an error
// from fn stops the scan and is passed through.
func (s *Index) ScanPoints(ctx context.Context, fn func(*Point) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("scan_points", ErrStoreClosed)
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return wrapError("scan_points", err)
	}
	defer rollback()

	size, err := s.readSize(ctx, tx)
	if err != nil {
		return wrapError("scan_points", err)
	}
	vps, err := loadVantagePoints(ctx, tx, size)
	if err != nil {
		return wrapError("scan_points", err)
	}
	rows, err := tx.QueryContext(ctx, pointSelectSQL(vps, "ORDER BY id"))
	if err != nil {
		return wrapError("scan_points", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		p, err := scanPoint(rows, vps, size)
		if err != nil {
			return wrapError("scan_points", err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return wrapError("scan_points", err)
	}
	return nil
}
