package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	config := DefaultConfig()
	config.Path = filepath.Join(t.TempDir(), "index.db")
	return config
}

func openIndex(t *testing.T, config Config) *Index {
	t.Helper()
	idx, err := NewWithConfig(config)
	require.NoError(t, err)
	require.NoError(t, idx.Init(context.Background()))
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func newTestIndex(t *testing.T, opts ...func(*Config)) *Index {
	t.Helper()
	config := testConfig(t)
	for _, opt := range opts {
		opt(&config)
	}
	return openIndex(t, config)
}

func fp(s string) fingerprint.Fingerprint {
	return fingerprint.MustParseHex(s)
}

func matchKeys(matches []Match) []string {
	keys := make([]string, len(matches))
	for i, m := range matches {
		keys[i] = m.Key
	}
	return keys
}

// renamedHamming is Hamming under another name
type renamedHamming struct{ fingerprint.Hamming }

func (renamedHamming) Name() string { return "hamming-v2" }

func TestInitCreatesSchema(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	for table := range requiredColumns {
		cols, err := tableColumns(ctx, idx.GetDB(), table)
		require.NoError(t, err)
		assert.NotEmpty(t, cols, "table %s", table)
	}

	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Metric: "hamming"}, st)
	assert.Zero(t, idx.FingerprintSize())
}

func TestInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t)

	idx := openIndex(t, config)
	_, err := idx.Insert(ctx, fp("00ff"), "a")
	require.NoError(t, err)
	_, err = idx.AddVantagePoint(ctx, fp("0000"))
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened := openIndex(t, config)
	assert.Equal(t, 2, reopened.FingerprintSize())

	st, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Points)
	assert.Equal(t, int64(1), st.VantagePoints)
	assert.Equal(t, int64(1), st.Shells)
	assert.Equal(t, int64(1), st.Items)
}

func TestInitStorageError(t *testing.T) {
	config := DefaultConfig()
	config.Path = filepath.Join(t.TempDir(), "missing", "dir", "index.db")

	idx, err := NewWithConfig(config)
	require.NoError(t, err)

	err = idx.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)

	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "init", se.Op)
}

func TestNewWithConfigValidation(t *testing.T) {
	_, err := NewWithConfig(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	config := DefaultConfig()
	config.Path = "x.db"
	config.FingerprintSize = -1
	_, err = NewWithConfig(config)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// 2^28 bytes of Hamming distance do not fit an axis column
	config.FingerprintSize = 1 << 28
	_, err = NewWithConfig(config)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSchemaMismatch(t *testing.T) {
	ctx := context.Background()

	t.Run("fingerprint size", func(t *testing.T) {
		config := testConfig(t)
		idx := openIndex(t, config)
		_, err := idx.Insert(ctx, fp("01"), "a")
		require.NoError(t, err)
		require.NoError(t, idx.Close())

		config.FingerprintSize = 8
		other, err := NewWithConfig(config)
		require.NoError(t, err)
		assert.ErrorIs(t, other.Init(ctx), ErrSchema)
	})

	t.Run("metric", func(t *testing.T) {
		config := testConfig(t)
		idx := openIndex(t, config)
		require.NoError(t, idx.Close())

		config.Metric = renamedHamming{}
		other, err := NewWithConfig(config)
		require.NoError(t, err)
		assert.ErrorIs(t, other.Init(ctx), ErrSchema)
	})

	t.Run("missing column", func(t *testing.T) {
		config := testConfig(t)
		db, err := sql.Open("sqlite", config.Path)
		require.NoError(t, err)
		_, err = db.Exec("CREATE TABLE points (id INTEGER PRIMARY KEY, data BLOB)")
		require.NoError(t, err)
		require.NoError(t, db.Close())

		idx, err := NewWithConfig(config)
		require.NoError(t, err)
		assert.ErrorIs(t, idx.Init(ctx), ErrSchema)
	})

	t.Run("missing axis column", func(t *testing.T) {
		config := testConfig(t)
		idx := openIndex(t, config)
		_, err := idx.GetDB().Exec("INSERT INTO vantage_points (value) VALUES (?)", []byte{0x01})
		require.NoError(t, err)
		require.NoError(t, idx.Close())

		other, err := NewWithConfig(config)
		require.NoError(t, err)
		assert.ErrorIs(t, other.Init(ctx), ErrSchema)
	})
}

func TestCountsSeededFromExistingRows(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t)

	idx := openIndex(t, config)
	for i, v := range []string{"00", "01", "ff"} {
		_, err := idx.Insert(ctx, fp(v), string(rune('a'+i)))
		require.NoError(t, err)
	}
	_, err := idx.Insert(ctx, fp("01"), "dup")
	require.NoError(t, err)
	_, err = idx.GetDB().Exec("DELETE FROM counts")
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened := openIndex(t, config)
	st, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Points)
	assert.Equal(t, int64(4), st.Items)
	assert.Equal(t, 1, st.FingerprintSize)
}

func TestRecount(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.Insert(ctx, fp("0f"), "a")
	require.NoError(t, err)
	_, err = idx.AddVantagePoint(ctx, fp("00"))
	require.NoError(t, err)

	_, err = idx.GetDB().Exec("UPDATE counts SET points = 99, items = 42")
	require.NoError(t, err)

	st, err := idx.Recount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Points)
	assert.Equal(t, int64(1), st.Items)
	assert.Equal(t, int64(1), st.VantagePoints)
	assert.Equal(t, int64(1), st.Shells)

	cached, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, st, cached)
}

func TestClosedIndex(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	_, err := idx.Insert(ctx, fp("00"), "a")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = idx.Query(ctx, fp("00"), QueryOptions{})
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = idx.AddVantagePoint(ctx, fp("00"))
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = idx.Stats(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"sentinel passes through", ErrDuplicateVantagePoint, ErrDuplicateVantagePoint},
		{"no rows", sql.ErrNoRows, ErrNotFound},
		{"fingerprint size", fingerprint.ErrSizeMismatch, ErrInvalidFingerprint},
		{"context", context.Canceled, context.Canceled},
		{"anything else", errors.New("disk I/O error"), ErrStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapError("op", tt.err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "phashdb: op: ")
		})
	}

	assert.NoError(t, wrapError("op", nil))

	inner := wrapError("inner", ErrNotFound)
	assert.Same(t, inner, wrapError("outer", inner))
}

func TestConstraintFailuresClassified(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	db := idx.GetDB()

	pointID, err := idx.Insert(ctx, fp("00"), "k")
	require.NoError(t, err)

	_, err = db.Exec("INSERT INTO items (key, point_id) VALUES ('k', ?)", pointID)
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
	assert.ErrorIs(t, wrapError("op", err), ErrInvariantViolation)

	_, err = db.Exec("INSERT INTO items (key, point_id) VALUES ('dangling', 999)")
	require.Error(t, err)
	assert.False(t, isUniqueViolation(err))
	assert.True(t, isConstraint(err))
}

// twoByte is the n-th distinct 2-byte fingerprint
func twoByte(n int) fingerprint.Fingerprint {
	return fingerprint.Fingerprint{byte(n >> 8), byte(n)}
}

func TestConcurrentHandlesInsert(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t)
	config.FingerprintSize = 2
	config.BusyTimeout = 10 * time.Second
	handles := []*Index{openIndex(t, config), openIndex(t, config)}

	const perHandle = 200
	var g errgroup.Group
	for h, idx := range handles {
		g.Go(func() error {
			for i := range perHandle {
				n := h*perHandle + i
				if _, err := idx.Insert(ctx, twoByte(n), fmt.Sprintf("k%d", n)); err != nil {
					return fmt.Errorf("handle %d insert %d: %w", h, n, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st, err := handles[1].Recount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2*perHandle), st.Points)
	assert.Equal(t, int64(2*perHandle), st.Items)
}

func TestConcurrentHandlesAxisChange(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t)
	config.FingerprintSize = 2
	config.BusyTimeout = 10 * time.Second
	inserter := openIndex(t, config)
	admin := openIndex(t, config)

	_, err := inserter.Insert(ctx, twoByte(0), "seed")
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		for n := 1; n <= 150; n++ {
			if _, err := inserter.Insert(ctx, twoByte(n*37), fmt.Sprintf("k%d", n)); err != nil {
				return fmt.Errorf("insert %d: %w", n, err)
			}
			if _, err := inserter.Query(ctx, twoByte(n), QueryOptions{Radius: 3}); err != nil {
				return fmt.Errorf("query %d: %w", n, err)
			}
		}
		return nil
	})
	g.Go(func() error {
		for _, v := range []int{0xffff, 0x00ff, 0xff00, 0x0f0f} {
			if _, err := admin.AddVantagePoint(ctx, twoByte(v)); err != nil {
				return fmt.Errorf("vantage point %04x: %w", v, err)
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	vps, err := inserter.ListVantagePoints(ctx)
	require.NoError(t, err)
	require.Len(t, vps, 4)

	var points int
	require.NoError(t, inserter.ScanPoints(ctx, func(p *Point) error {
		points++
		for _, vp := range vps {
			d, err := fingerprint.Hamming{}.Distance(p.Value, vp.Value)
			require.NoError(t, err)
			assert.Equal(t, int64(d), p.Axes[vp.ID], "point %d axis %d", p.ID, vp.ID)
		}
		return nil
	}))
	assert.Equal(t, 151, points)
}
