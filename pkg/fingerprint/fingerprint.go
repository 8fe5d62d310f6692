// Package fingerprint defines the binary fingerprint type stored by phashdb and the
// distance contract the index prunes with.
//
// A Fingerprint is an opaque, fixed-length byte sequence such as a 64-bit block hash or a
// 256-bit DCT hash. The index never interprets the bytes; it only compares them for equality
// and hands them to a Metric.
//
// # Metric requirements
//
// Query pruning relies on the triangle inequality: for every vantage point v and every stored
// point p, a match within radius r of q must satisfy |d(v,p) - d(v,q)| <= r. A Metric that
// is not a true metric (symmetric, zero only on equal inputs, triangle inequality) can make
// the index silently drop matches. The exact-distance filter applied afterwards only removes
// false positives; it cannot recover false negatives.
package fingerprint

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

var (
	// ErrSizeMismatch is returned when two fingerprints of different length are compared
	ErrSizeMismatch = errors.New("fingerprint size mismatch")

	// ErrEmpty is returned for zero-length fingerprints
	ErrEmpty = errors.New("empty fingerprint")
)

// Fingerprint is an immutable binary image hash.
type Fingerprint []byte

// Size returns the fingerprint length in bytes
func (f Fingerprint) Size() int {
	return len(f)
}

// Equal reports whether two fingerprints are byte-wise identical
func (f Fingerprint) Equal(other Fingerprint) bool {
	return bytes.Equal(f, other)
}

// String formats the fingerprint as lowercase hex, the format hashers print.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f)
}

// Clone returns a copy that does not alias f.
func (f Fingerprint) Clone() Fingerprint {
	if f == nil {
		return nil
	}
	out := make(Fingerprint, len(f))
	copy(out, f)
	return out
}

// Validate checks the fingerprint is non-empty and, if size > 0, exactly size bytes long.
func (f Fingerprint) Validate(size int) error {
	if len(f) == 0 {
		return ErrEmpty
	}
	if size > 0 && len(f) != size {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, size, len(f))
	}
	return nil
}

// MarshalText encodes the fingerprint as lowercase hex.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes a hex fingerprint.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	v, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ParseHex decodes a hex string (optionally prefixed with 0x) into a Fingerprint.
func ParseHex(s string) (Fingerprint, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, ErrEmpty
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex fingerprint %q: %w", s, err)
	}
	return Fingerprint(raw), nil
}

// MustParseHex is like ParseHex but panics on error. Intended for tests and constants.
func MustParseHex(s string) Fingerprint {
	f, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Metric is the distance contract used by the index.
//
// Distance must be symmetric and zero iff a and b are equal. Pruning is only sound when the
// triangle inequality holds as well; see the package documentation.
type Metric interface {
	// Name identifies the metric. It is persisted with the index so a store is never
	// reopened under a different metric.
	Name() string

	// Distance returns the distance between two fingerprints of equal size.
	Distance(a, b Fingerprint) (uint64, error)

	// Bound returns the largest distance possible between two fingerprints of size bytes.
	Bound(size int) uint64
}

// Hamming counts differing bits. It is the default metric for perceptual hashes.
type Hamming struct{}

// Name implements Metric
func (Hamming) Name() string { return "hamming" }

// Bound implements Metric
func (Hamming) Bound(size int) uint64 {
	if size <= 0 {
		return 0
	}
	return uint64(size) * 8
}

// Distance implements Metric
func (Hamming) Distance(a, b Fingerprint) (uint64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d bytes", ErrSizeMismatch, len(a), len(b))
	}
	return HammingDistance(a, b), nil
}

// HammingDistance counts the differing bits of two equal-length byte slices.
// Extra bytes of the longer slice are ignored.
func HammingDistance(a, b []byte) uint64 {
	n := min(len(a), len(b))
	var d int
	i := 0
	for ; i+8 <= n; i += 8 {
		d += bits.OnesCount64(binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < n; i++ {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return uint64(d)
}

// MetricByName resolves a persisted metric name.
func MetricByName(name string) (Metric, error) {
	switch strings.ToLower(name) {
	case "", "hamming":
		return Hamming{}, nil
	default:
		return nil, fmt.Errorf("unknown metric %q", name)
	}
}
