package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellCount(shells []Shell) int64 {
	var n int64
	for _, sh := range shells {
		n += sh.Count
	}
	return n
}

func TestShellsCoverEveryPoint(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	insertABC(t, idx)

	vpID, err := idx.AddVantagePoint(ctx, fp("00"))
	require.NoError(t, err)

	shells, err := idx.Shells(ctx, vpID)
	require.NoError(t, err)
	assert.Equal(t, []Shell{{VantagePointID: vpID, Lower: 0, Upper: 8, Count: 3}}, shells)

	_, err = idx.Insert(ctx, fp("03"), "d")
	require.NoError(t, err)
	shells, err = idx.Shells(ctx, vpID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), shellCount(shells))

	shells, err = idx.RecordShellBoundaries(ctx, vpID, []uint64{1, 4})
	require.NoError(t, err)
	assert.Equal(t, []Shell{
		{VantagePointID: vpID, Lower: 0, Upper: 1, Count: 2},
		{VantagePointID: vpID, Lower: 2, Upper: 4, Count: 1},
		{VantagePointID: vpID, Lower: 5, Upper: 8, Count: 1},
	}, shells)

	// new points land in the shell containing their distance
	_, err = idx.Insert(ctx, fp("07"), "e")
	require.NoError(t, err)
	shells, err = idx.Shells(ctx, vpID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), shells[1].Count)

	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Shells)
}

func TestRecordShellBoundariesValidation(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	insertABC(t, idx)
	vpID, err := idx.AddVantagePoint(ctx, fp("00"))
	require.NoError(t, err)

	_, err = idx.RecordShellBoundaries(ctx, vpID, []uint64{3, 3})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = idx.RecordShellBoundaries(ctx, vpID, []uint64{4, 2})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = idx.RecordShellBoundaries(ctx, vpID, []uint64{9})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = idx.RecordShellBoundaries(ctx, 42, []uint64{1})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = idx.Shells(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	// failures leave the shells untouched
	shells, err := idx.Shells(ctx, vpID)
	require.NoError(t, err)
	assert.Len(t, shells, 1)

	shells, err = idx.RecordShellBoundaries(ctx, vpID, nil)
	require.NoError(t, err)
	assert.Equal(t, []Shell{{VantagePointID: vpID, Lower: 0, Upper: 8, Count: 3}}, shells)
}

func TestRebalanceShells(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	// one point per distance 0..8 from the vantage point 0x00
	values := []string{"00", "01", "03", "07", "0f", "1f", "3f", "7f", "ff"}
	for i, v := range values {
		_, err := idx.Insert(ctx, fp(v), fmt.Sprintf("k%d", i))
		require.NoError(t, err)
	}
	vpID, err := idx.AddVantagePoint(ctx, fp("00"))
	require.NoError(t, err)

	shells, err := idx.RebalanceShells(ctx, vpID, 3)
	require.NoError(t, err)
	require.Len(t, shells, 3)
	for _, sh := range shells {
		assert.Equal(t, int64(3), sh.Count, "shell [%d, %d]", sh.Lower, sh.Upper)
	}
	assert.Equal(t, int64(0), shells[0].Lower)
	assert.Equal(t, int64(8), shells[2].Upper)

	_, err = idx.RebalanceShells(ctx, vpID, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestQuantileBounds(t *testing.T) {
	hist := []histogramBin{{0, 5}, {1, 5}, {2, 5}, {3, 5}}
	assert.Equal(t, []uint64{1}, quantileBounds(hist, 20, 2))
	assert.Equal(t, []uint64{0, 1, 2}, quantileBounds(hist, 20, 4))
	assert.Nil(t, quantileBounds(hist, 20, 1))
	assert.Nil(t, quantileBounds(nil, 0, 3))

	// a heavy bin absorbs several quantiles
	skewed := []histogramBin{{0, 1}, {5, 98}, {6, 1}}
	assert.Equal(t, []uint64{5}, quantileBounds(skewed, 100, 4))
}
