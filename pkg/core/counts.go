package core

import (
	"context"
	"database/sql"
	"fmt"
)

// countColumn names a column of the counts table
type countColumn string

const (
	countPoints        countColumn = "points"
	countVantagePoints countColumn = "vantage_points"
	countShells        countColumn = "shells"
	countItems         countColumn = "items"
)

const countsRowID = 1

const recountSQL = `
	SELECT
		(SELECT COUNT(*) FROM points),
		(SELECT COUNT(*) FROM vantage_points),
		(SELECT COUNT(*) FROM shells),
		(SELECT COUNT(*) FROM items)`

// bumpCount adds delta to one cached count
func bumpCount(ctx context.Context, q querier, col countColumn, delta int64) error {
	if delta == 0 {
		return nil
	}
	stmt := fmt.Sprintf("UPDATE counts SET %[1]s = %[1]s + ? WHERE id = ?", col)
	if _, err := q.ExecContext(ctx, stmt, delta, countsRowID); err != nil {
		return fmt.Errorf("failed to update %s count: %w", col, err)
	}
	return nil
}

// seedCounts populates an empty counts table by counting the underlying tables
func seedCounts(ctx context.Context, q querier) error {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM counts").Scan(&n); err != nil {
		return fmt.Errorf("failed to read counts: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO counts (id, points, vantage_points, shells, items)
		SELECT ?, (SELECT COUNT(*) FROM points), (SELECT COUNT(*) FROM vantage_points),
			(SELECT COUNT(*) FROM shells), (SELECT COUNT(*) FROM items)`, countsRowID)
	if err != nil {
		return fmt.Errorf("failed to seed counts: %w", err)
	}
	return nil
}

func readCounts(ctx context.Context, q querier) (*Stats, error) {
	st := &Stats{}
	err := q.QueryRowContext(ctx, "SELECT points, vantage_points, shells, items FROM counts WHERE id = ?", countsRowID).
		Scan(&st.Points, &st.VantagePoints, &st.Shells, &st.Items)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read counts: %w", err)
	}
	return st, nil
}

// Stats returns the cached aggregate counts
func (s *Index) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("stats", ErrStoreClosed)
	}

	st, err := readCounts(ctx, s.db)
	if err != nil {
		return nil, wrapError("stats", err)
	}
	size, err := s.readSize(ctx, s.db)
	if err != nil {
		return nil, wrapError("stats", err)
	}
	st.FingerprintSize = size
	st.Metric = s.metric.Name()
	return st, nil
}

// Recount re-derives the aggregate counts from the tables and rewrites the cache
func (s *Index) Recount(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, wrapError("recount", ErrStoreClosed)
	}

	tx, rollback, err := s.beginWrite(ctx)
	if err != nil {
		return nil, wrapError("recount", err)
	}
	defer rollback()

	st := &Stats{}
	if err := tx.QueryRowContext(ctx, recountSQL).Scan(&st.Points, &st.VantagePoints, &st.Shells, &st.Items); err != nil {
		return nil, wrapError("recount", fmt.Errorf("failed to count rows: %w", err))
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO counts (id, points, vantage_points, shells, items)
		VALUES (?, ?, ?, ?, ?)`, countsRowID, st.Points, st.VantagePoints, st.Shells, st.Items)
	if err != nil {
		return nil, wrapError("recount", fmt.Errorf("failed to write counts: %w", err))
	}
	size, err := s.readSize(ctx, tx)
	if err != nil {
		return nil, wrapError("recount", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapError("recount", fmt.Errorf("failed to commit counts: %w", err))
	}

	st.FingerprintSize = size
	st.Metric = s.metric.Name()
	s.logger.Debug("counts recomputed", "points", st.Points, "items", st.Items)
	return st, nil
}
