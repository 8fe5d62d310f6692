package core

import (
	"cmp"
	"context"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

func insertABC(t *testing.T, idx *Index) {
	t.Helper()
	ctx := context.Background()
	for _, e := range []struct{ value, key string }{{"00", "a"}, {"01", "b"}, {"ff", "c"}} {
		_, err := idx.Insert(ctx, fp(e.value), e.key)
		require.NoError(t, err)
	}
}

func TestQueryScenario(t *testing.T) {
	for _, strategy := range []QueryStrategy{StrategySQL, StrategyBitmap} {
		t.Run(strategy.String(), func(t *testing.T) {
			ctx := context.Background()
			idx := newTestIndex(t, func(c *Config) { c.QueryStrategy = strategy })
			insertABC(t, idx)

			vpID, err := idx.AddVantagePoint(ctx, fp("00"))
			require.NoError(t, err)
			assert.Equal(t, int64(1), vpID)

			matches, err := idx.Query(ctx, fp("00"), QueryOptions{Radius: 1})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, matchKeys(matches))
			assert.Equal(t, uint64(0), matches[0].Distance)
			assert.Equal(t, uint64(1), matches[1].Distance)

			matches, err = idx.Query(ctx, fp("ff"), QueryOptions{Radius: 0})
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, matchKeys(matches))

			matches, err = idx.Query(ctx, fp("00"), QueryOptions{Radius: 8})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, matchKeys(matches))
			assert.Equal(t, uint64(8), matches[2].Distance)

			// radius beyond the distance range clamps
			matches, err = idx.Query(ctx, fp("00"), QueryOptions{Radius: 1 << 40})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, matchKeys(matches))
		})
	}
}

func TestQueryRepointedItem(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	insertABC(t, idx)
	_, err := idx.AddVantagePoint(ctx, fp("00"))
	require.NoError(t, err)

	_, err = idx.Insert(ctx, fp("01"), "a")
	require.NoError(t, err)

	matches, err := idx.Query(ctx, fp("00"), QueryOptions{Radius: 0})
	require.NoError(t, err)
	assert.Empty(t, matches)

	// items sharing a point are adjacent, in insertion order
	matches, err = idx.Query(ctx, fp("00"), QueryOptions{Radius: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, matchKeys(matches))
	assert.Equal(t, matches[0].PointID, matches[1].PointID)

	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Points, "points are never deleted")
	assert.Equal(t, int64(3), st.Items)
}

func TestQueryIdempotentInsert(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	insertABC(t, idx)
	_, err := idx.AddVantagePoint(ctx, fp("0f"))
	require.NoError(t, err)

	before, err := idx.Query(ctx, fp("00"), QueryOptions{Radius: 8})
	require.NoError(t, err)
	statsBefore, err := idx.Stats(ctx)
	require.NoError(t, err)

	insertABC(t, idx)

	after, err := idx.Query(ctx, fp("00"), QueryOptions{Radius: 8})
	require.NoError(t, err)
	statsAfter, err := idx.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, statsBefore, statsAfter)
}

func TestQueryDedup(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	p1, err := idx.Insert(ctx, fp("a5a5"), "first")
	require.NoError(t, err)
	p2, err := idx.Insert(ctx, fp("a5a5"), "second")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Points)
	assert.Equal(t, int64(2), st.Items)

	matches, err := idx.Query(ctx, fp("a5a5"), QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, matchKeys(matches))
}

func TestQueryLimit(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	insertABC(t, idx)
	_, err := idx.Insert(ctx, fp("00"), "a2")
	require.NoError(t, err)

	matches, err := idx.Query(ctx, fp("00"), QueryOptions{Radius: 8, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a2"}, matchKeys(matches))

	matches, err = idx.Query(ctx, fp("00"), QueryOptions{Radius: 8, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a2", "b"}, matchKeys(matches))

	_, err = idx.Query(ctx, fp("00"), QueryOptions{Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestQueryEdgeCases(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	matches, err := idx.Query(ctx, fp("00"), QueryOptions{Radius: 3})
	require.NoError(t, err)
	assert.Empty(t, matches, "empty index")

	insertABC(t, idx)

	matches, err = idx.Query(ctx, fp("00"), QueryOptions{Radius: 8})
	require.NoError(t, err)
	assert.Len(t, matches, 3, "no vantage points degrades to a full scan")

	_, err = idx.Query(ctx, fp("0000"), QueryOptions{})
	assert.ErrorIs(t, err, ErrInvalidFingerprint)

	_, err = idx.Insert(ctx, fp("0000"), "wide")
	assert.ErrorIs(t, err, ErrInvalidFingerprint)

	_, err = idx.Insert(ctx, fingerprint.Fingerprint{}, "empty")
	assert.ErrorIs(t, err, ErrInvalidFingerprint)

	_, err = idx.Insert(ctx, fp("00"), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestQueryItem(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	insertABC(t, idx)

	matches, err := idx.QueryItem(ctx, "b", QueryOptions{Radius: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, matchKeys(matches))

	_, err = idx.QueryItem(ctx, "missing", QueryOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaturatingBand(t *testing.T) {
	tests := []struct {
		name              string
		d, radius, bound  uint64
		wantLower, wantUp uint64
	}{
		{"inside", 10, 3, 64, 7, 13},
		{"clamps at zero", 2, 5, 64, 0, 7},
		{"clamps at bound", 62, 5, 64, 57, 64},
		{"huge radius", 30, ^uint64(0), 64, 0, 64},
		{"zero radius", 5, 0, 64, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := saturatingBand(1, tt.d, tt.radius, tt.bound)
			assert.Equal(t, tt.wantLower, b.Lower)
			assert.Equal(t, tt.wantUp, b.Upper)
			assert.Equal(t, tt.d, b.Distance)
		})
	}
}

type corpusEntry struct {
	key     string
	value   fingerprint.Fingerprint
	pointID int64
	order   int
}

// clusteredCorpus returns near-duplicate groups so small radii find something
func clusteredCorpus(rng *rand.Rand, groups, perGroup, size int) []fingerprint.Fingerprint {
	var out []fingerprint.Fingerprint
	for g := 0; g < groups; g++ {
		base := make(fingerprint.Fingerprint, size)
		rng.Read(base)
		for i := 0; i < perGroup; i++ {
			v := base.Clone()
			for flips := rng.Intn(4); flips > 0; flips-- {
				bit := rng.Intn(size * 8)
				v[bit/8] ^= 1 << (bit % 8)
			}
			out = append(out, v)
		}
	}
	return out
}

func bruteForce(entries []corpusEntry, q fingerprint.Fingerprint, radius uint64) []string {
	type scored struct {
		corpusEntry
		d uint64
	}
	var hits []scored
	for _, e := range entries {
		if d := fingerprint.HammingDistance(e.value, q); d <= radius {
			hits = append(hits, scored{e, d})
		}
	}
	slices.SortFunc(hits, func(a, b scored) int {
		if c := cmp.Compare(a.d, b.d); c != 0 {
			return c
		}
		if c := cmp.Compare(a.pointID, b.pointID); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})
	keys := make([]string, len(hits))
	for i, h := range hits {
		keys[i] = h.key
	}
	return keys
}

func TestQueryMatchesBruteForce(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	config := testConfig(t)
	config.BackfillBatchSize = 16

	sqlIdx := openIndex(t, config)
	bitmapConfig := config
	bitmapConfig.QueryStrategy = StrategyBitmap
	bitmapIdx := openIndex(t, bitmapConfig)

	values := clusteredCorpus(rng, 30, 6, 4)
	var entries []corpusEntry
	for i, v := range values {
		key := fmt.Sprintf("k%03d", i)
		pointID, err := sqlIdx.Insert(ctx, v, key)
		require.NoError(t, err)
		entries = append(entries, corpusEntry{key: key, value: v, pointID: pointID, order: i})
	}

	queries := clusteredCorpus(rng, 10, 2, 4)
	radii := []uint64{0, 1, 2, 4, 8, 12, 32}

	check := func(stage string) {
		t.Helper()
		for _, q := range queries {
			for _, r := range radii {
				want := bruteForce(entries, q, r)
				for _, idx := range []*Index{sqlIdx, bitmapIdx} {
					matches, err := idx.Query(ctx, q, QueryOptions{Radius: r})
					require.NoError(t, err)
					assert.Equal(t, want, matchKeys(matches), "%s %s q=%s r=%d", stage, idx.Config().QueryStrategy, q, r)
				}

				limited, err := sqlIdx.Query(ctx, q, QueryOptions{Radius: r, Limit: 3})
				require.NoError(t, err)
				assert.Equal(t, want[:min(3, len(want))], matchKeys(limited), "%s limit q=%s r=%d", stage, q, r)
			}
		}
	}

	check("no vantage points")

	// the second handle adds the axes; the first must notice the changed axis set
	for i := 0; i < 3; i++ {
		sg, err := bitmapIdx.SuggestVantagePoint(ctx, 50)
		require.NoError(t, err)
		_, err = bitmapIdx.AddVantagePoint(ctx, sg.Value)
		require.NoError(t, err)
		check(fmt.Sprintf("%d vantage points", i+1))
	}

	// an axis that is not a stored point
	_, err := sqlIdx.AddVantagePoint(ctx, fp("f0f0f0f0"))
	require.NoError(t, err)
	check("foreign vantage point")
}

func TestBandFilterIsSound(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(9))
	idx := newTestIndex(t)

	values := clusteredCorpus(rng, 20, 5, 8)
	for i, v := range values {
		_, err := idx.Insert(ctx, v, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
	}
	for _, v := range []string{"0000000000000000", "ffffffffffffffff", "00ff00ff00ff00ff"} {
		_, err := idx.AddVantagePoint(ctx, fp(v))
		require.NoError(t, err)
	}
	vps, err := idx.ListVantagePoints(ctx)
	require.NoError(t, err)
	require.Len(t, vps, 3)

	var points []*Point
	require.NoError(t, idx.ScanPoints(ctx, func(p *Point) error {
		points = append(points, p)
		return nil
	}))

	for _, q := range values[:20] {
		for _, r := range []uint64{0, 3, 10, 20} {
			bands, err := idx.computeBands(q, vps, r)
			require.NoError(t, err)
			for _, p := range points {
				if fingerprint.HammingDistance(p.Value, q) > r {
					continue
				}
				for _, b := range bands {
					d := uint64(p.Axes[b.VantagePointID])
					assert.True(t, d >= b.Lower && d <= b.Upper,
						"point %d axis %d value %d outside band [%d, %d]", p.ID, b.VantagePointID, d, b.Lower, b.Upper)
				}
			}
		}
	}
}

func TestSecondVantagePointKeepsResults(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	idx := newTestIndex(t)

	values := clusteredCorpus(rng, 15, 4, 2)
	for i, v := range values {
		_, err := idx.Insert(ctx, v, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
	}
	_, err := idx.AddVantagePoint(ctx, values[0])
	require.NoError(t, err)

	before := map[string][]Match{}
	for _, q := range values[:10] {
		m, err := idx.Query(ctx, q, QueryOptions{Radius: 3})
		require.NoError(t, err)
		before[q.String()] = m
	}

	_, err = idx.AddVantagePoint(ctx, values[len(values)-1])
	require.NoError(t, err)

	for _, q := range values[:10] {
		m, err := idx.Query(ctx, q, QueryOptions{Radius: 3})
		require.NoError(t, err)
		assert.Equal(t, before[q.String()], m, "q=%s", q)
	}
}

func TestExplain(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	plan, err := idx.Explain(ctx, fp("00"), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), plan.Points)
	assert.Empty(t, plan.Bands)

	insertABC(t, idx)
	plan, err = idx.Explain(ctx, fp("00"), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), plan.Estimate, "full scan without vantage points")
	assert.Equal(t, int64(3), plan.Points)

	vpID, err := idx.AddVantagePoint(ctx, fp("00"))
	require.NoError(t, err)

	plan, err = idx.Explain(ctx, fp("00"), 1)
	require.NoError(t, err)
	require.Len(t, plan.Bands, 1)
	assert.Equal(t, Band{VantagePointID: vpID, Distance: 0, Lower: 0, Upper: 1}, plan.Bands[0])
	assert.Equal(t, int64(3), plan.Estimate, "one catch-all shell")

	_, err = idx.RecordShellBoundaries(ctx, vpID, []uint64{0, 1, 4})
	require.NoError(t, err)
	plan, err = idx.Explain(ctx, fp("00"), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), plan.Estimate)

	plan, err = idx.Explain(ctx, fp("ff"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), plan.Estimate)
}
