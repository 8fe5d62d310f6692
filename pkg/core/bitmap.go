package core

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/liliang-cn/phashdb/internal/encoding"
)

// bitmapCandidates answers each band from its own axis index and intersects the id sets.
// SQLite uses a single index per table scan, so this lets every axis index take part.
func (s *Index) bitmapCandidates(ctx context.Context, tx *sql.Tx, p *axisPlan, bands []Band, size int) ([]pointRow, error) {
	if len(bands) == 0 {
		return s.bandCandidates(ctx, tx, p, bands, size)
	}

	// narrow bands first so an empty intersection stops early
	order := make([]int, len(bands))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(bands[a].Upper-bands[a].Lower, bands[b].Upper-bands[b].Lower)
	})

	var acc *roaring64.Bitmap
	for _, i := range order {
		bm, err := axisBitmap(ctx, tx, p.axisSelect[i], bands[i])
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = bm
		} else {
			acc.And(bm)
		}
		if acc.IsEmpty() {
			return nil, nil
		}
	}

	return fetchPoints(ctx, tx, acc.ToArray(), size)
}

func axisBitmap(ctx context.Context, tx *sql.Tx, stmt *sql.Stmt, b Band) (*roaring64.Bitmap, error) {
	lo, hi := bandArgs(b)
	rows, err := tx.StmtContext(ctx, stmt).QueryContext(ctx, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to select axis %d: %w", b.VantagePointID, err)
	}
	defer func() { _ = rows.Close() }()

	bm := roaring64.New()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan axis %d: %w", b.VantagePointID, err)
		}
		bm.Add(uint64(id))
	}
	return bm, rows.Err()
}

// fetchPoints loads the values of the given point ids
func fetchPoints(ctx context.Context, q querier, ids []uint64, size int) ([]pointRow, error) {
	out := make([]pointRow, 0, len(ids))
	for start := 0; start < len(ids); start += resolveChunk {
		chunk := ids[start:min(start+resolveChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = int64(id)
		}
		rows, err := q.QueryContext(ctx, fmt.Sprintf(
			"SELECT id, value FROM points WHERE id IN (%s)", encoding.Placeholders(len(chunk))), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch candidates: %w", err)
		}
		page, err := scanPointRows(rows, size)
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}
