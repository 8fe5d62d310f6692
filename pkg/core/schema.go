package core

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/liliang-cn/phashdb/internal/encoding"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// axisPlan holds the statements whose shape depends on the axis set.
// Statements are prepared on a pool and bound to a transaction of the same pool with
// Tx.StmtContext: insertPoint on the writer, the selects on the reader.
type axisPlan struct {
	version uint64
	axes    []int64

	// guarded by planCache.mu
	refs    int
	retired bool
	closed  bool

	insertPoint *sql.Stmt   // INSERT INTO points (value, d{a}...) VALUES (...)
	bandSelect  *sql.Stmt   // SELECT id, value FROM points WHERE d{a} BETWEEN ? AND ? AND ...
	axisSelect  []*sql.Stmt // SELECT id FROM points WHERE d{a} BETWEEN ? AND ?, one per axis
}

func (p *axisPlan) close() {
	for _, stmt := range p.statements() {
		_ = stmt.Close()
	}
	p.closed = true
}

func (p *axisPlan) statements() []*sql.Stmt {
	out := make([]*sql.Stmt, 0, 2+len(p.axisSelect))
	if p.insertPoint != nil {
		out = append(out, p.insertPoint)
	}
	if p.bandSelect != nil {
		out = append(out, p.bandSelect)
	}
	for _, stmt := range p.axisSelect {
		if stmt != nil {
			out = append(out, stmt)
		}
	}
	return out
}

// matches reports whether the plan was built for exactly these vantage points
func (p *axisPlan) matches(vps []VantagePoint) bool {
	if len(p.axes) != len(vps) {
		return false
	}
	for i, vp := range vps {
		if p.axes[i] != vp.ID {
			return false
		}
	}
	return true
}

// planCache is the handle-owned statement cache. A plan is replaced whenever a freshly read
// axis list differs from the cached one. A replaced plan is closed when the last
// transaction using it releases it.
type planCache struct {
	mu      sync.Mutex
	current *axisPlan
	version uint64
}

// plan returns a plan for the axis set of vps, rebuilding it when the set changed.
// The caller must releasePlan the result once its transaction no longer needs it.
func (s *Index) plan(ctx context.Context, vps []VantagePoint) (*axisPlan, error) {
	c := &s.plans
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.matches(vps) {
		c.current.refs++
		return c.current, nil
	}

	axes := make([]int64, len(vps))
	for i, vp := range vps {
		axes[i] = vp.ID
	}
	p, err := prepareAxisPlan(ctx, s.db, s.writer, axes)
	if err != nil {
		return nil, err
	}
	c.version++
	p.version = c.version
	p.refs = 1

	if c.current != nil {
		s.logger.Debug("axis set changed", "from", c.current.axes, "to", axes, "version", p.version)
		retirePlan(c.current)
	}
	c.current = p
	return p, nil
}

// releasePlan drops a reference taken by plan
func (s *Index) releasePlan(p *axisPlan) {
	c := &s.plans
	c.mu.Lock()
	defer c.mu.Unlock()

	p.refs--
	if p.retired && p.refs == 0 && !p.closed {
		p.close()
	}
}

// retirePlan marks p replaced and closes it when unused. Callers hold planCache.mu.
func retirePlan(p *axisPlan) {
	p.retired = true
	if p.refs == 0 && !p.closed {
		p.close()
	}
}

// invalidatePlans retires the current plan. Called after the axis set changed on this handle
// and on Close.
func (s *Index) invalidatePlans() {
	c := &s.plans
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		retirePlan(c.current)
		c.current = nil
	}
}

func prepareAxisPlan(ctx context.Context, reader, writer *sql.DB, axes []int64) (_ *axisPlan, err error) {
	p := &axisPlan{axes: axes}
	defer func() {
		if err != nil {
			p.close()
		}
	}()

	if p.insertPoint, err = writer.PrepareContext(ctx, insertPointSQL(axes)); err != nil {
		return nil, fmt.Errorf("failed to prepare point insert: %w", err)
	}
	if p.bandSelect, err = reader.PrepareContext(ctx, bandSelectSQL(axes)); err != nil {
		return nil, fmt.Errorf("failed to prepare band select: %w", err)
	}
	p.axisSelect = make([]*sql.Stmt, len(axes))
	for i, id := range axes {
		if p.axisSelect[i], err = reader.PrepareContext(ctx, axisSelectSQL(id)); err != nil {
			return nil, fmt.Errorf("failed to prepare axis select for %d: %w", id, err)
		}
	}
	return p, nil
}

func insertPointSQL(axes []int64) string {
	var b strings.Builder
	b.WriteString("INSERT INTO points (value")
	for _, id := range axes {
		b.WriteString(", ")
		b.WriteString(encoding.AxisColumn(id))
	}
	b.WriteString(") VALUES (")
	b.WriteString(encoding.Placeholders(len(axes) + 1))
	b.WriteString(")")
	return b.String()
}

func bandSelectSQL(axes []int64) string {
	var b strings.Builder
	b.WriteString("SELECT id, value FROM points")
	for i, id := range axes {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(encoding.AxisColumn(id))
		b.WriteString(" BETWEEN ? AND ?")
	}
	return b.String()
}

func axisSelectSQL(id int64) string {
	return fmt.Sprintf("SELECT id FROM points WHERE %s BETWEEN ? AND ?", encoding.AxisColumn(id))
}

// addAxisColumn adds the distance column and its index for a new vantage point
func addAxisColumn(ctx context.Context, tx *sql.Tx, id int64) error {
	col := encoding.AxisColumn(id)
	stmt := fmt.Sprintf("ALTER TABLE points ADD COLUMN %s INTEGER NOT NULL DEFAULT %d", col, encoding.UnknownDistance)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add axis column %s: %w", col, err)
	}
	stmt = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON points(%s)", encoding.AxisIndex(id), col)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to index axis column %s: %w", col, err)
	}
	return nil
}

// loadVantagePoints reads the vantage points ascending by id
func loadVantagePoints(ctx context.Context, q querier, size int) ([]VantagePoint, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, value FROM vantage_points ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to load vantage points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var vps []VantagePoint
	for rows.Next() {
		var (
			vp   VantagePoint
			blob []byte
		)
		if err := rows.Scan(&vp.ID, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan vantage point: %w", err)
		}
		value, err := encoding.DecodeFingerprint(blob, size)
		if err != nil {
			return nil, fmt.Errorf("%w: vantage point %d: %w", ErrStorage, vp.ID, err)
		}
		vp.Value = fingerprint.Fingerprint(value)
		vps = append(vps, vp)
	}
	return vps, rows.Err()
}

// loadAxisIDs reads the vantage point ids ascending
func loadAxisIDs(ctx context.Context, q querier) ([]int64, error) {
	rows, err := q.QueryContext(ctx, "SELECT id FROM vantage_points ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to load vantage point ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan vantage point id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// checkPlan reports an axis mismatch between a plan and the live vantage points
func checkPlan(p *axisPlan, vps []VantagePoint) error {
	if !p.matches(vps) {
		ids := make([]int64, len(vps))
		for i, vp := range vps {
			ids[i] = vp.ID
		}
		return fmt.Errorf("%w: plan v%d covers axes %v, live axes are %v", ErrInvariantViolation, p.version, p.axes, ids)
	}
	if !slices.IsSorted(p.axes) {
		return fmt.Errorf("%w: plan axes %v are not ascending", ErrInvariantViolation, p.axes)
	}
	return nil
}
