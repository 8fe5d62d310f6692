package core

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/liliang-cn/phashdb/internal/encoding"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// resolveChunk caps the number of bind parameters per IN list
const resolveChunk = 500

// Entry pairs an item key with its fingerprint
type Entry struct {
	Key         string                  `json:"key"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
}

// Insert stores value (deduplicated) and points key at it. Re-inserting a key with another
// fingerprint re-points the key; re-inserting an unchanged pair is a no-op.
func (s *Index) Insert(ctx context.Context, value fingerprint.Fingerprint, key string) (int64, error) {
	ids, err := s.insert(ctx, "insert", []Entry{{Key: key, Fingerprint: value}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// InsertBatch inserts several entries in one transaction and returns their point ids
func (s *Index) InsertBatch(ctx context.Context, entries []Entry) ([]int64, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	return s.insert(ctx, "insert_batch", entries)
}

func (s *Index) insert(ctx context.Context, op string, entries []Entry) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, wrapError(op, ErrStoreClosed)
	}
	for _, e := range entries {
		if e.Key == "" {
			return nil, wrapError(op, fmt.Errorf("%w: item key cannot be empty", ErrInvalidArgument))
		}
	}

	ids, size, err := s.insertEntries(ctx, entries)
	if err != nil {
		return nil, wrapError(op, err)
	}
	if size > 0 {
		s.size.Store(int64(size))
	}
	return ids, nil
}

// insertEntries runs one insert transaction. size is non-zero when the fingerprint size was
// fixed by this transaction.
func (s *Index) insertEntries(ctx context.Context, entries []Entry) ([]int64, int, error) {
	tx, rollback, err := s.beginWrite(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer rollback()

	var adopted int
	for _, e := range entries {
		size, adopt, err := s.resolveSize(ctx, tx, e.Fingerprint)
		if err != nil {
			return nil, 0, fmt.Errorf("item %q: %w", e.Key, err)
		}
		if adopt {
			adopted = size
		}
	}

	size, err := s.readSize(ctx, tx)
	if err != nil {
		return nil, 0, err
	}
	vps, err := loadVantagePoints(ctx, tx, size)
	if err != nil {
		return nil, 0, err
	}
	plan, err := s.plan(ctx, vps)
	if err != nil {
		return nil, 0, err
	}
	defer s.releasePlan(plan)

	ids := make([]int64, len(entries))
	for i, e := range entries {
		pointID, err := s.insertPoint(ctx, tx, plan, vps, e.Fingerprint)
		if err != nil {
			return nil, 0, fmt.Errorf("item %q: %w", e.Key, err)
		}
		if err := upsertItem(ctx, tx, e.Key, pointID); err != nil {
			return nil, 0, err
		}
		ids[i] = pointID
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit insert: %w", err)
	}
	s.logger.Debug("items inserted", "count", len(entries), "axes", len(vps))
	return ids, adopted, nil
}

// upsertItem inserts key, re-points it, or does nothing when it already points at pointID
func upsertItem(ctx context.Context, q querier, key string, pointID int64) error {
	var (
		itemID  int64
		current int64
	)
	err := q.QueryRowContext(ctx, "SELECT id, point_id FROM items WHERE key = ?", key).Scan(&itemID, &current)
	switch {
	case err == sql.ErrNoRows:
		if _, err := q.ExecContext(ctx, "INSERT INTO items (key, point_id) VALUES (?, ?)", key, pointID); err != nil {
			return fmt.Errorf("failed to insert item %q: %w", key, err)
		}
		return bumpCount(ctx, q, countItems, 1)
	case err != nil:
		return fmt.Errorf("failed to look up item %q: %w", key, err)
	case current == pointID:
		return nil
	}

	if _, err := q.ExecContext(ctx, "UPDATE items SET point_id = ? WHERE id = ?", pointID, itemID); err != nil {
		return fmt.Errorf("failed to update item %q: %w", key, err)
	}
	return nil
}

// resolveItems maps point ids to their items, ordered by item id within each point
func resolveItems(ctx context.Context, q querier, pointIDs []int64) (map[int64][]Item, error) {
	out := make(map[int64][]Item, len(pointIDs))
	for start := 0; start < len(pointIDs); start += resolveChunk {
		end := min(start+resolveChunk, len(pointIDs))
		chunk := pointIDs[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := q.QueryContext(ctx, fmt.Sprintf(
			"SELECT id, key, point_id FROM items WHERE point_id IN (%s) ORDER BY id",
			encoding.Placeholders(len(chunk))), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve items: %w", err)
		}
		for rows.Next() {
			var it Item
			if err := rows.Scan(&it.ID, &it.Key, &it.PointID); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to scan item: %w", err)
			}
			out[it.PointID] = append(out[it.PointID], it)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve items: %w", err)
		}
	}
	return out, nil
}

// Resolve translates point ids into items, preserving the order of pointIDs. Items sharing
// a point are adjacent. Points without items contribute nothing.
func (s *Index) Resolve(ctx context.Context, pointIDs []int64) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("resolve", ErrStoreClosed)
	}

	byPoint, err := resolveItems(ctx, s.db, pointIDs)
	if err != nil {
		return nil, wrapError("resolve", err)
	}
	var items []Item
	for _, id := range pointIDs {
		items = append(items, byPoint[id]...)
	}
	return items, nil
}

// Exists reports whether key was inserted
func (s *Index) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, wrapError("exists", ErrStoreClosed)
	}

	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM items WHERE key = ?", key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapError("exists", err)
	}
	return true, nil
}

// lookup returns the item and fingerprint stored for key
func lookup(ctx context.Context, q querier, key string) (*Item, fingerprint.Fingerprint, error) {
	var (
		it   = Item{Key: key}
		blob []byte
	)
	err := q.QueryRowContext(ctx, `
		SELECT items.id, items.point_id, points.value
		FROM items JOIN points ON points.id = items.point_id
		WHERE items.key = ?`, key).Scan(&it.ID, &it.PointID, &blob)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("%w: item %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up item %q: %w", key, err)
	}
	value, err := encoding.DecodeFingerprint(blob, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: point %d: %w", ErrStorage, it.PointID, err)
	}
	return &it, value, nil
}

// Lookup returns the fingerprint stored for key
func (s *Index) Lookup(ctx context.Context, key string) (fingerprint.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("lookup", ErrStoreClosed)
	}

	_, value, err := lookup(ctx, s.db, key)
	if err != nil {
		return nil, wrapError("lookup", err)
	}
	return value, nil
}

// Remove deletes the item. Its point stays, since points are never deleted.
func (s *Index) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("remove", ErrStoreClosed)
	}

	tx, rollback, err := s.beginWrite(ctx)
	if err != nil {
		return wrapError("remove", err)
	}
	defer rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM items WHERE key = ?", key)
	if err != nil {
		return wrapError("remove", fmt.Errorf("failed to delete item %q: %w", key, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapError("remove", err)
	}
	if n == 0 {
		return wrapError("remove", fmt.Errorf("%w: item %q", ErrNotFound, key))
	}
	if err := bumpCount(ctx, tx, countItems, -n); err != nil {
		return wrapError("remove", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapError("remove", fmt.Errorf("failed to commit remove: %w", err))
	}

	s.logger.Debug("item removed", "key", key)
	return nil
}

// Rename moves an item to a new key
func (s *Index) Rename(ctx context.Context, oldKey, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("rename", ErrStoreClosed)
	}
	if newKey == "" {
		return wrapError("rename", fmt.Errorf("%w: item key cannot be empty", ErrInvalidArgument))
	}

	tx, rollback, err := s.beginWrite(ctx)
	if err != nil {
		return wrapError("rename", err)
	}
	defer rollback()

	res, err := tx.ExecContext(ctx, "UPDATE items SET key = ? WHERE key = ?", newKey, oldKey)
	if err != nil {
		if isUniqueViolation(err) {
			return wrapError("rename", fmt.Errorf("%w: %q", ErrItemExists, newKey))
		}
		return wrapError("rename", fmt.Errorf("failed to rename item %q: %w", oldKey, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapError("rename", err)
	}
	if n == 0 {
		return wrapError("rename", fmt.Errorf("%w: item %q", ErrNotFound, oldKey))
	}
	if err := tx.Commit(); err != nil {
		return wrapError("rename", fmt.Errorf("failed to commit rename: %w", err))
	}

	s.logger.Debug("item renamed", "from", oldKey, "to", newKey)
	return nil
}

// scanEntries calls fn for every item with its fingerprint, in item id order
func scanEntries(ctx context.Context, q querier, fn func(Entry) error) error {
	rows, err := q.QueryContext(ctx, `
		SELECT items.key, points.value
		FROM items JOIN points ON points.id = items.point_id
		ORDER BY items.id`)
	if err != nil {
		return fmt.Errorf("failed to read items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			e    Entry
			blob []byte
		)
		if err := rows.Scan(&e.Key, &blob); err != nil {
			return fmt.Errorf("failed to scan item: %w", err)
		}
		value, err := encoding.DecodeFingerprint(blob, 0)
		if err != nil {
			return fmt.Errorf("%w: item %q: %w", ErrStorage, e.Key, err)
		}
		e.Fingerprint = value
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
