package core

import (
	"fmt"
	"runtime"
	"time"

	"github.com/liliang-cn/phashdb/internal/encoding"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// QueryStrategy selects how the band filter fetches candidates
type QueryStrategy int

const (
	// StrategySQL evaluates all bands in one multi-predicate SELECT
	StrategySQL QueryStrategy = iota
	// StrategyBitmap selects ids per axis and intersects them as roaring bitmaps
	StrategyBitmap
)

// String returns the configuration name of the strategy
func (q QueryStrategy) String() string {
	switch q {
	case StrategySQL:
		return "sql"
	case StrategyBitmap:
		return "bitmap"
	default:
		return fmt.Sprintf("unknown(%d)", int(q))
	}
}

// MarshalText encodes the strategy by name
func (q QueryStrategy) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// ParseQueryStrategy accepts "sql" or "bitmap"
func ParseQueryStrategy(s string) (QueryStrategy, error) {
	switch s {
	case "", "sql":
		return StrategySQL, nil
	case "bitmap":
		return StrategyBitmap, nil
	default:
		return StrategySQL, fmt.Errorf("%w: unknown query strategy %q", ErrInvalidConfig, s)
	}
}

// SelectionPolicy scores vantage point candidates. It is a tunable policy, not a contract.
type SelectionPolicy int

const (
	// SelectMaxMin picks the candidate whose nearest reference is farthest away
	SelectMaxMin SelectionPolicy = iota
	// SelectMaxSum picks the candidate with the largest total distance to the references
	SelectMaxSum
)

// String returns the configuration name of the policy
func (p SelectionPolicy) String() string {
	switch p {
	case SelectMaxMin:
		return "maxmin"
	case SelectMaxSum:
		return "maxsum"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// MarshalText encodes the policy by name
func (p SelectionPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParseSelectionPolicy accepts "maxmin" or "maxsum"
func ParseSelectionPolicy(s string) (SelectionPolicy, error) {
	switch s {
	case "", "maxmin":
		return SelectMaxMin, nil
	case "maxsum":
		return SelectMaxSum, nil
	default:
		return SelectMaxMin, fmt.Errorf("%w: unknown selection policy %q", ErrInvalidConfig, s)
	}
}

// Config represents configuration options for the index
type Config struct {
	Path              string             `json:"path"`              // Database file path
	FingerprintSize   int                `json:"fingerprintSize"`   // Bytes per fingerprint, 0 = auto-detect
	Metric            fingerprint.Metric `json:"-"`                 // Distance metric
	QueryStrategy     QueryStrategy      `json:"queryStrategy"`     // Candidate fetch strategy
	Selection         SelectionPolicy    `json:"selection"`         // Vantage point scoring policy
	BackfillBatchSize int                `json:"backfillBatchSize"` // Rows per backfill page
	BackfillWorkers   int                `json:"backfillWorkers"`   // Parallel distance workers
	BusyTimeout       time.Duration      `json:"busyTimeout"`       // SQLite busy timeout
	Logger            Logger             `json:"-"`                 // Structured logger
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		FingerprintSize:   0,
		Metric:            fingerprint.Hamming{},
		QueryStrategy:     StrategySQL,
		Selection:         SelectMaxMin,
		BackfillBatchSize: 1024,
		BackfillWorkers:   runtime.GOMAXPROCS(0),
		BusyTimeout:       5 * time.Second,
		Logger:            NopLogger(),
	}
}

// normalize fills zero values with defaults and validates the rest
func (c *Config) normalize() error {
	if c.Path == "" {
		return fmt.Errorf("%w: database path cannot be empty", ErrInvalidConfig)
	}
	if c.FingerprintSize < 0 {
		return fmt.Errorf("%w: fingerprint size must be non-negative", ErrInvalidConfig)
	}
	def := DefaultConfig()
	if c.Metric == nil {
		c.Metric = def.Metric
	}
	if c.BackfillBatchSize <= 0 {
		c.BackfillBatchSize = def.BackfillBatchSize
	}
	if c.BackfillWorkers <= 0 {
		c.BackfillWorkers = def.BackfillWorkers
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = def.BusyTimeout
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.FingerprintSize > 0 {
		if err := checkBound(c.Metric, c.FingerprintSize); err != nil {
			return err
		}
	}
	return nil
}

// checkBound verifies every distance of the metric fits an axis column
func checkBound(m fingerprint.Metric, size int) error {
	if _, err := encoding.EncodeDistance(m.Bound(size)); err != nil {
		return fmt.Errorf("%w: %s distances for %d-byte fingerprints exceed the axis range", ErrInvalidConfig, m.Name(), size)
	}
	return nil
}
