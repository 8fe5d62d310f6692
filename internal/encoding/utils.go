package encoding

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidBlob is returned when a stored fingerprint blob is malformed
var ErrInvalidBlob = errors.New("invalid fingerprint blob")

// ErrInvalidDistance is returned when a distance cannot be stored in an axis column
var ErrInvalidDistance = errors.New("invalid axis distance")

// UnknownDistance is the axis column default for rows not yet backfilled.
// It is also the exclusive upper limit for any stored distance.
const UnknownDistance int64 = 0x7FFFFFFF

const axisPrefix = "d"

// EncodeFingerprint returns the blob bound for a fingerprint value.
// Fingerprints are stored verbatim so that SQL equality is byte equality.
func EncodeFingerprint(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, ErrInvalidBlob
	}
	return value, nil
}

// DecodeFingerprint copies a scanned blob; database/sql may reuse the scan buffer.
func DecodeFingerprint(data []byte, size int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidBlob
	}
	if size > 0 && len(data) != size {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidBlob, size, len(data))
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// EncodeDistance converts a computed distance to the stored integer.
func EncodeDistance(d uint64) (int64, error) {
	if d >= uint64(UnknownDistance) {
		return 0, fmt.Errorf("%w: %d does not fit below %d", ErrInvalidDistance, d, UnknownDistance)
	}
	return int64(d), nil
}

// AxisColumn names the points column holding distances to vantage point id.
func AxisColumn(id int64) string {
	return axisPrefix + strconv.FormatInt(id, 10)
}

// AxisIndex names the index over an axis column.
func AxisIndex(id int64) string {
	return "idx_points_" + AxisColumn(id)
}

// ParseAxisColumn reports the vantage point id of an axis column name.
func ParseAxisColumn(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, axisPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Placeholders returns n comma separated bind markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
