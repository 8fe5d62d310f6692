package core

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/liliang-cn/phashdb/internal/encoding"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// hit is a candidate that passed the exact distance check
type hit struct {
	pointID  int64
	distance uint64
}

// Query returns the items whose fingerprint lies within opts.Radius of q, nearest first.
// Ties are ordered by point id, then item id. Items sharing a point are adjacent.
func (s *Index) Query(ctx context.Context, q fingerprint.Fingerprint, opts QueryOptions) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("query", ErrStoreClosed)
	}
	if opts.Limit < 0 {
		return nil, wrapError("query", fmt.Errorf("%w: limit must be non-negative", ErrInvalidArgument))
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, wrapError("query", err)
	}
	defer rollback()

	matches, err := s.query(ctx, tx, q, opts)
	if err != nil {
		return nil, wrapError("query", err)
	}
	return matches, nil
}

// QueryItem queries with the fingerprint stored for key. The item itself is part of the result.
func (s *Index) QueryItem(ctx context.Context, key string, opts QueryOptions) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("query_item", ErrStoreClosed)
	}
	if opts.Limit < 0 {
		return nil, wrapError("query_item", fmt.Errorf("%w: limit must be non-negative", ErrInvalidArgument))
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, wrapError("query_item", err)
	}
	defer rollback()

	_, value, err := lookup(ctx, tx, key)
	if err != nil {
		return nil, wrapError("query_item", err)
	}
	matches, err := s.query(ctx, tx, value, opts)
	if err != nil {
		return nil, wrapError("query_item", err)
	}
	return matches, nil
}

// query runs every step against one snapshot
func (s *Index) query(ctx context.Context, tx *sql.Tx, q fingerprint.Fingerprint, opts QueryOptions) ([]Match, error) {
	hits, err := s.evaluate(ctx, tx, q, opts.Radius)
	if err != nil {
		return nil, err
	}
	return resolveMatches(ctx, tx, hits, opts.Limit)
}

// evaluate returns the points within radius of q ordered by (distance, point id)
func (s *Index) evaluate(ctx context.Context, tx *sql.Tx, q fingerprint.Fingerprint, radius uint64) ([]hit, error) {
	size, err := s.readSize(ctx, tx)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	if err := q.Validate(size); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFingerprint, err)
	}

	vps, err := loadVantagePoints(ctx, tx, size)
	if err != nil {
		return nil, err
	}
	bands, err := s.computeBands(q, vps, radius)
	if err != nil {
		return nil, err
	}
	plan, err := s.plan(ctx, vps)
	if err != nil {
		return nil, err
	}
	defer s.releasePlan(plan)
	if err := checkPlan(plan, vps); err != nil {
		return nil, err
	}

	var candidates []pointRow
	switch s.config.QueryStrategy {
	case StrategyBitmap:
		candidates, err = s.bitmapCandidates(ctx, tx, plan, bands, size)
	default:
		candidates, err = s.bandCandidates(ctx, tx, plan, bands, size)
	}
	if err != nil {
		return nil, err
	}

	hits := make([]hit, 0, len(candidates))
	for _, c := range candidates {
		d, err := s.metric.Distance(c.value, q)
		if err != nil {
			return nil, fmt.Errorf("%w: point %d: %w", ErrInvariantViolation, c.id, err)
		}
		if d <= radius {
			hits = append(hits, hit{pointID: c.id, distance: d})
		}
	}
	slices.SortFunc(hits, func(a, b hit) int {
		if c := cmp.Compare(a.distance, b.distance); c != 0 {
			return c
		}
		return cmp.Compare(a.pointID, b.pointID)
	})

	s.logger.Debug("query evaluated",
		"strategy", s.config.QueryStrategy.String(),
		"axes", len(vps),
		"candidates", len(candidates),
		"hits", len(hits))

	return hits, nil
}

// errStopWalk ends walkMatches early without an error
var errStopWalk = errors.New("stop walk")

// walkMatches expands hits into items chunk by chunk, calling fn for each match until
// limit matches have been produced
func walkMatches(ctx context.Context, q querier, hits []hit, limit int, fn func(chunk int, m Match) error) error {
	produced := 0
	for start := 0; start < len(hits); start += resolveChunk {
		chunk := hits[start:min(start+resolveChunk, len(hits))]
		ids := make([]int64, len(chunk))
		for i, h := range chunk {
			ids[i] = h.pointID
		}
		byPoint, err := resolveItems(ctx, q, ids)
		if err != nil {
			return err
		}
		for _, h := range chunk {
			for _, it := range byPoint[h.pointID] {
				if err := fn(start/resolveChunk, Match{Key: it.Key, PointID: h.pointID, Distance: h.distance}); err != nil {
					if errors.Is(err, errStopWalk) {
						return nil
					}
					return err
				}
				produced++
				if limit > 0 && produced == limit {
					return nil
				}
			}
		}
	}
	return nil
}

// resolveMatches collects the matches of hits, at most limit of them
func resolveMatches(ctx context.Context, q querier, hits []hit, limit int) ([]Match, error) {
	var matches []Match
	err := walkMatches(ctx, q, hits, limit, func(_ int, m Match) error {
		matches = append(matches, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// computeBands derives the admissible axis range of every vantage point from the triangle
// inequality: d(v,p) must lie within [d(v,q)-r, d(v,q)+r], clamped to [0, bound].
func (s *Index) computeBands(q fingerprint.Fingerprint, vps []VantagePoint, radius uint64) ([]Band, error) {
	bound := s.metric.Bound(len(q))
	bands := make([]Band, len(vps))
	for i, vp := range vps {
		d, err := s.metric.Distance(vp.Value, q)
		if err != nil {
			return nil, fmt.Errorf("%w: vantage point %d: %w", ErrInvariantViolation, vp.ID, err)
		}
		if d > bound {
			return nil, fmt.Errorf("%w: %s distance %d exceeds bound %d", ErrInvariantViolation, s.metric.Name(), d, bound)
		}
		bands[i] = saturatingBand(vp.ID, d, radius, bound)
	}
	return bands, nil
}

func saturatingBand(vpID int64, d, radius, bound uint64) Band {
	b := Band{VantagePointID: vpID, Distance: d, Upper: bound}
	if d > radius {
		b.Lower = d - radius
	}
	if radius <= bound-d {
		b.Upper = d + radius
	}
	return b
}

func bandArgs(b Band) (int64, int64) {
	// bands never exceed the metric bound, which is checked to fit an axis column
	return int64(b.Lower), int64(b.Upper)
}

// bandCandidates evaluates every band in one statement
func (s *Index) bandCandidates(ctx context.Context, tx *sql.Tx, p *axisPlan, bands []Band, size int) ([]pointRow, error) {
	args := make([]any, 0, 2*len(bands))
	for _, b := range bands {
		lo, hi := bandArgs(b)
		args = append(args, lo, hi)
	}
	rows, err := tx.StmtContext(ctx, p.bandSelect).QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPointRows(rows, size)
}

func scanPointRows(rows *sql.Rows, size int) ([]pointRow, error) {
	var out []pointRow
	for rows.Next() {
		var (
			row  pointRow
			blob []byte
		)
		if err := rows.Scan(&row.id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		value, err := encoding.DecodeFingerprint(blob, size)
		if err != nil {
			return nil, fmt.Errorf("%w: point %d: %w", ErrStorage, row.id, err)
		}
		row.value = value
		out = append(out, row)
	}
	return out, rows.Err()
}

// Explain reports the bands a query would apply and an upper estimate of its candidate
// count taken from the shell statistics.
func (s *Index) Explain(ctx context.Context, q fingerprint.Fingerprint, radius uint64) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("explain", ErrStoreClosed)
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, wrapError("explain", err)
	}
	defer rollback()

	counts, err := readCounts(ctx, tx)
	if err != nil {
		return nil, wrapError("explain", err)
	}
	plan := &Plan{Strategy: s.config.QueryStrategy, Points: counts.Points, Bands: []Band{}}

	size, err := s.readSize(ctx, tx)
	if err != nil {
		return nil, wrapError("explain", err)
	}
	if size == 0 {
		return plan, nil
	}
	if err := q.Validate(size); err != nil {
		return nil, wrapError("explain", fmt.Errorf("%w: %w", ErrInvalidFingerprint, err))
	}

	vps, err := loadVantagePoints(ctx, tx, size)
	if err != nil {
		return nil, wrapError("explain", err)
	}
	if plan.Bands, err = s.computeBands(q, vps, radius); err != nil {
		return nil, wrapError("explain", err)
	}
	if len(vps) == 0 {
		plan.Estimate = -1
		return plan, nil
	}

	plan.Estimate = counts.Points
	for _, b := range plan.Bands {
		shells, err := loadShells(ctx, tx, b.VantagePointID)
		if err != nil {
			return nil, wrapError("explain", err)
		}
		plan.Estimate = min(plan.Estimate, shellEstimate(shells, b))
	}
	return plan, nil
}
