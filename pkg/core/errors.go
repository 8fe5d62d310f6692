package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// Error taxonomy
var (
	// ErrStorage is returned when the backing store is unreachable or corrupt
	ErrStorage = errors.New("storage error")

	// ErrSchema is returned when an existing store has incompatible tables
	ErrSchema = errors.New("incompatible schema")

	// ErrDuplicateVantagePoint is returned when an identical vantage point is already registered
	ErrDuplicateVantagePoint = errors.New("duplicate vantage point")

	// ErrInvariantViolation indicates a bug: distance overflow, axis mismatch and the like
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound is returned when an item, point or vantage point does not exist
	ErrNotFound = errors.New("not found")

	// ErrItemExists is returned when renaming onto an existing item key
	ErrItemExists = errors.New("item already exists")

	// ErrInvalidFingerprint is returned for empty or wrongly sized fingerprints
	ErrInvalidFingerprint = errors.New("invalid fingerprint")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidArgument is returned for empty keys, bad shell bounds and similar caller mistakes
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStoreClosed is returned when trying to use a closed store
	ErrStoreClosed = errors.New("store is closed")
)

// StoreError wraps errors with operation context
type StoreError struct {
	Op  string // Operation name
	Err error  // Underlying error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("phashdb: %v", e.Err)
	}
	return fmt.Sprintf("phashdb: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// wrapError classifies err and attaches the operation name.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: classify(err)}
}

// classify maps raw driver failures onto the error taxonomy. Errors that already carry a
// taxonomy sentinel pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrStorage, ErrSchema, ErrDuplicateVantagePoint, ErrInvariantViolation,
		ErrNotFound, ErrItemExists, ErrInvalidFingerprint, ErrInvalidConfig, ErrInvalidArgument,
		ErrStoreClosed,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, fingerprint.ErrSizeMismatch) || errors.Is(err, fingerprint.ErrEmpty) {
		return fmt.Errorf("%w: %w", ErrInvalidFingerprint, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if isConstraint(err) {
		return fmt.Errorf("%w: unexpected constraint failure: %w", ErrInvariantViolation, err)
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// sqliteCode extracts the extended result code of a driver error.
func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}

// isConstraint reports any constraint failure.
func isConstraint(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code&0xff == sqlite3.SQLITE_CONSTRAINT
}
