package phashdb

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// Hasher defines the interface for content-to-fingerprint hashing.
// Users can implement this interface to plug any perceptual hash
// (dHash, pHash, wavelet hashes, etc.) into phashdb.
type Hasher interface {
	// Hash reads content and returns its fingerprint.
	Hash(ctx context.Context, r io.Reader) (fingerprint.Fingerprint, error)

	// Size returns the fingerprint size in bytes produced by this hasher.
	Size() int
}

// Errors related to hasher operations
var (
	// ErrHasherNotConfigured is returned when reader operations are called
	// but no hasher was configured during Open.
	ErrHasherNotConfigured = errors.New("phashdb: hasher not configured, use WithHasher option or pass fingerprints directly")

	// ErrHashFailed is returned when the hasher fails to produce a fingerprint.
	ErrHashFailed = errors.New("phashdb: hashing failed")
)

// HasherFunc adapts a plain function to the Hasher interface.
type HasherFunc struct {
	Fn    func(ctx context.Context, r io.Reader) (fingerprint.Fingerprint, error)
	Bytes int
}

// Hash calls the underlying function.
func (h HasherFunc) Hash(ctx context.Context, r io.Reader) (fingerprint.Fingerprint, error) {
	return h.Fn(ctx, r)
}

// Size returns the configured fingerprint size.
func (h HasherFunc) Size() int {
	return h.Bytes
}

func (db *DB) hash(ctx context.Context, r io.Reader) (fingerprint.Fingerprint, error) {
	if db.hasher == nil {
		return nil, ErrHasherNotConfigured
	}
	fp, err := db.hasher.Hash(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashFailed, err)
	}
	if err := fp.Validate(db.hasher.Size()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashFailed, err)
	}
	return fp, nil
}

// InsertReader hashes the content of r and stores key under the result.
// Requires a hasher to be configured via WithHasher option.
func (db *DB) InsertReader(ctx context.Context, r io.Reader, key string) (fingerprint.Fingerprint, error) {
	fp, err := db.hash(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := db.Insert(ctx, fp, key); err != nil {
		return nil, err
	}
	return fp, nil
}

// QueryReader hashes the content of r and queries with the result.
// Requires a hasher to be configured via WithHasher option.
func (db *DB) QueryReader(ctx context.Context, r io.Reader, radius uint64, limit int) ([]Match, error) {
	fp, err := db.hash(ctx, r)
	if err != nil {
		return nil, err
	}
	return db.Query(ctx, fp, radius, limit)
}
