package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAxisColumn(t *testing.T) {
	assert.Equal(t, "d12", AxisColumn(12))
	assert.Equal(t, "idx_points_d3", AxisIndex(3))

	id, ok := ParseAxisColumn("d42")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	for _, name := range []string{"value", "d", "dx", "d0", "id"} {
		_, ok := ParseAxisColumn(name)
		assert.False(t, ok, name)
	}
}

func TestEncodeDistance(t *testing.T) {
	v, err := EncodeDistance(64)
	require.NoError(t, err)
	assert.Equal(t, int64(64), v)

	_, err = EncodeDistance(uint64(UnknownDistance))
	assert.ErrorIs(t, err, ErrInvalidDistance)
}

func TestDecodeFingerprint(t *testing.T) {
	buf := []byte{1, 2, 3}
	out, err := DecodeFingerprint(buf, 3)
	require.NoError(t, err)
	buf[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, out)

	_, err = DecodeFingerprint(buf, 4)
	assert.ErrorIs(t, err, ErrInvalidBlob)

	_, err = DecodeFingerprint(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidBlob)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?,?,?", Placeholders(3))
}
