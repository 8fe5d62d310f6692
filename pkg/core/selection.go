package core

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// Suggestion is a stored point proposed as the next vantage point
type Suggestion struct {
	PointID int64                   `json:"pointId"`
	Value   fingerprint.Fingerprint `json:"value"`
	Score   uint64                  `json:"score"`
	Policy  SelectionPolicy         `json:"policy"`
}

// SuggestVantagePoint samples up to sampleSize points that are not yet vantage points and
// returns the one farthest from the registered vantage points, or from the rest of the
// sample while none are registered.
// The result is advisory; any fingerprint may become a vantage point.
func (s *Index) SuggestVantagePoint(ctx context.Context, sampleSize int) (*Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("suggest_vantage_point", ErrStoreClosed)
	}
	if sampleSize <= 0 {
		return nil, wrapError("suggest_vantage_point", fmt.Errorf("%w: sample size must be positive, got %d", ErrInvalidArgument, sampleSize))
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, wrapError("suggest_vantage_point", err)
	}
	defer rollback()

	sg, err := s.suggest(ctx, tx, sampleSize)
	if err != nil {
		return nil, wrapError("suggest_vantage_point", err)
	}
	return sg, nil
}

func (s *Index) suggest(ctx context.Context, tx *sql.Tx, sampleSize int) (*Suggestion, error) {
	size, err := s.readSize(ctx, tx)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: no points stored", ErrNotFound)
	}

	candidates, err := samplePoints(ctx, tx, sampleSize, size)
	if err != nil {
		return nil, err
	}
	vps, err := loadVantagePoints(ctx, tx, size)
	if err != nil {
		return nil, err
	}

	refs := make([]fingerprint.Fingerprint, 0, max(len(vps), len(candidates)))
	if len(vps) > 0 {
		for _, vp := range vps {
			refs = append(refs, vp.Value)
		}
	} else {
		for _, c := range candidates {
			refs = append(refs, c.value)
		}
	}

	scores := make([]uint64, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.BackfillWorkers)
	for i := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			score, err := s.score(candidates[i].value, refs)
			if err != nil {
				return fmt.Errorf("point %d: %w", candidates[i].id, err)
			}
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// samples are ordered by id, so the first maximum is the lowest id
	best := 0
	for i := range candidates {
		if scores[i] > scores[best] {
			best = i
		}
	}

	s.logger.Debug("vantage point suggested",
		"point", candidates[best].id,
		"score", scores[best],
		"policy", s.config.Selection.String(),
		"sample", len(candidates))

	return &Suggestion{
		PointID: candidates[best].id,
		Value:   candidates[best].value,
		Score:   scores[best],
		Policy:  s.config.Selection,
	}, nil
}

// score rates a candidate against the references under the configured policy.
// A reference equal to the candidate is ignored.
func (s *Index) score(value fingerprint.Fingerprint, refs []fingerprint.Fingerprint) (uint64, error) {
	var (
		sum    uint64
		minD   uint64 = math.MaxUint64
		others int
	)
	for _, ref := range refs {
		d, err := s.metric.Distance(value, ref)
		if err != nil {
			return 0, err
		}
		if d == 0 {
			continue
		}
		others++
		sum += d
		minD = min(minD, d)
	}
	if others == 0 {
		return 0, nil
	}
	if s.config.Selection == SelectMaxSum {
		return sum, nil
	}
	return minD, nil
}

// unregisteredPoints selects the points whose value is not a vantage point
const unregisteredPoints = "FROM points WHERE value NOT IN (SELECT value FROM vantage_points)"

// samplePoints draws up to n unregistered points, all of them when fewer exist, ordered by id
func samplePoints(ctx context.Context, q querier, n, size int) ([]pointRow, error) {
	var total int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) "+unregisteredPoints).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count points: %w", err)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: every stored point is already a vantage point", ErrNotFound)
	}

	query := "SELECT id, value " + unregisteredPoints + " ORDER BY id"
	args := []any{}
	if total > int64(n) {
		query = "SELECT id, value FROM (SELECT id, value " + unregisteredPoints + " ORDER BY random() LIMIT ?) ORDER BY id"
		args = append(args, n)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sample points: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPointRows(rows, size)
}
