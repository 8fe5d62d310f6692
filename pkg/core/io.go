package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// dumpFormatVersion is written into every dump header
const dumpFormatVersion = 1

// zstdMagic opens every zstd frame
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Compression selects the dump stream encoding
type Compression int

const (
	// CompressionNone writes plain JSON Lines
	CompressionNone Compression = iota
	// CompressionZstd wraps the JSON Lines stream in zstd
	CompressionZstd
)

// String returns the configuration name of the compression
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// ParseCompression accepts "none" or "zstd"
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, s)
	}
}

// DumpOptions defines options for data export
type DumpOptions struct {
	Compression Compression // Stream encoding
	Level       int         // zstd level, 0 = default
}

// DefaultDumpOptions returns default dump options
func DefaultDumpOptions() DumpOptions {
	return DumpOptions{Compression: CompressionNone}
}

// DumpStats provides statistics about the export operation
type DumpStats struct {
	VantagePoints int   `json:"vantage_points"`
	Items         int   `json:"items"`
	BytesWritten  int64 `json:"bytes_written"`
}

// LoadOptions defines options for data import
type LoadOptions struct {
	SkipDuplicates bool // Skip vantage points that are already registered
	BatchSize      int  // Items per insert transaction (default: 500)
}

// DefaultLoadOptions returns default load options
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		SkipDuplicates: true,
		BatchSize:      500,
	}
}

// ImportStats provides statistics about the import operation
type ImportStats struct {
	VantagePoints int `json:"vantage_points"`
	Items         int `json:"items"`
	SkippedCount  int `json:"skipped_count"`
	FailedCount   int `json:"failed_count"`
}

// String summarizes the import
func (s *ImportStats) String() string {
	return fmt.Sprintf("ImportStats{VantagePoints: %d, Items: %d, Skipped: %d, Failed: %d}",
		s.VantagePoints, s.Items, s.SkippedCount, s.FailedCount)
}

const (
	recordHeader       = "header"
	recordVantagePoint = "vantage_point"
	recordItem         = "item"
)

// dumpRecord is one line of a dump
type dumpRecord struct {
	Type string `json:"type"`

	// header
	FormatVersion   int    `json:"format_version,omitempty"`
	FingerprintSize int    `json:"fingerprint_size,omitempty"`
	Metric          string `json:"metric,omitempty"`
	ExportedAt      string `json:"exported_at,omitempty"`

	// vantage_point and item
	Fingerprint string   `json:"fingerprint,omitempty"`
	Shells      []uint64 `json:"shells,omitempty"` // upper bounds
	Key         string   `json:"key,omitempty"`
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Dump writes the vantage points and items as JSON Lines, read from one snapshot.
// Points are not written; they are rebuilt from the items on Load.
func (s *Index) Dump(ctx context.Context, w io.Writer, opts DumpOptions) (*DumpStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("dump", ErrStoreClosed)
	}

	cw := &countingWriter{w: w}
	var (
		out io.Writer = cw
		enc *zstd.Encoder
		err error
	)
	switch opts.Compression {
	case CompressionNone:
	case CompressionZstd:
		level := zstd.SpeedDefault
		if opts.Level > 0 {
			level = zstd.EncoderLevelFromZstd(opts.Level)
		}
		if enc, err = zstd.NewWriter(cw, zstd.WithEncoderLevel(level)); err != nil {
			return nil, wrapError("dump", fmt.Errorf("failed to create zstd writer: %w", err))
		}
		out = enc
	default:
		return nil, wrapError("dump", fmt.Errorf("%w: unsupported compression %s", ErrInvalidArgument, opts.Compression))
	}

	stats, err := s.dump(ctx, out)
	if enc != nil {
		if cerr := enc.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to flush zstd stream: %w", cerr)
		}
	}
	if err != nil {
		return nil, wrapError("dump", err)
	}
	stats.BytesWritten = cw.n
	return stats, nil
}

func (s *Index) dump(ctx context.Context, w io.Writer) (*DumpStats, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback()

	size, err := s.readSize(ctx, tx)
	if err != nil {
		return nil, err
	}

	bw := bufio.NewWriter(w)
	encoder := json.NewEncoder(bw)
	stats := &DumpStats{}

	header := dumpRecord{
		Type:            recordHeader,
		FormatVersion:   dumpFormatVersion,
		FingerprintSize: size,
		Metric:          s.metric.Name(),
		ExportedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := encoder.Encode(header); err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}

	vps, err := loadVantagePoints(ctx, tx, size)
	if err != nil {
		return nil, err
	}
	for _, vp := range vps {
		shells, err := loadShells(ctx, tx, vp.ID)
		if err != nil {
			return nil, err
		}
		rec := dumpRecord{Type: recordVantagePoint, Fingerprint: vp.Value.String()}
		for _, sh := range shells {
			rec.Shells = append(rec.Shells, uint64(sh.Upper))
		}
		if err := encoder.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode vantage point %d: %w", vp.ID, err)
		}
		stats.VantagePoints++
	}

	err = scanEntries(ctx, tx, func(e Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := dumpRecord{Type: recordItem, Key: e.Key, Fingerprint: e.Fingerprint.String()}
		if err := encoder.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode item %q: %w", e.Key, err)
		}
		stats.Items++
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush dump: %w", err)
	}
	return stats, nil
}

// Load imports a dump written by Dump. zstd streams are detected by their magic bytes.
// Vantage points are registered before any item so the backfill stays cheap.
func (s *Index) Load(ctx context.Context, r io.Reader, opts LoadOptions) (*ImportStats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultLoadOptions().BatchSize
	}

	br := bufio.NewReader(r)
	var in io.Reader = br
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, wrapError("load", fmt.Errorf("failed to create zstd reader: %w", err))
		}
		defer dec.Close()
		in = dec
	}

	stats, err := s.load(ctx, json.NewDecoder(in), opts)
	if err != nil {
		return stats, wrapError("load", err)
	}
	s.logger.Info("dump loaded", "vantage_points", stats.VantagePoints, "items", stats.Items,
		"skipped", stats.SkippedCount, "failed", stats.FailedCount)
	return stats, nil
}

func (s *Index) load(ctx context.Context, decoder *json.Decoder, opts LoadOptions) (*ImportStats, error) {
	stats := &ImportStats{}

	var header dumpRecord
	if err := decoder.Decode(&header); err != nil {
		return stats, fmt.Errorf("%w: failed to decode dump header: %w", ErrInvalidArgument, err)
	}
	if header.Type != recordHeader {
		return stats, fmt.Errorf("%w: dump starts with %q record, want header", ErrInvalidArgument, header.Type)
	}
	if header.FormatVersion > dumpFormatVersion {
		return stats, fmt.Errorf("%w: dump format %d is newer than %d", ErrInvalidArgument, header.FormatVersion, dumpFormatVersion)
	}
	if header.Metric != "" && header.Metric != s.metric.Name() {
		return stats, fmt.Errorf("%w: dump uses metric %q, index uses %q", ErrSchema, header.Metric, s.metric.Name())
	}
	if size := s.FingerprintSize(); size > 0 && header.FingerprintSize > 0 && size != header.FingerprintSize {
		return stats, fmt.Errorf("%w: dump holds %d-byte fingerprints, index %d", ErrSchema, header.FingerprintSize, size)
	}

	type shellPlan struct {
		vpID   int64
		bounds []uint64
	}
	var (
		batch  = make([]Entry, 0, opts.BatchSize)
		shells []shellPlan
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := s.InsertBatch(ctx, batch); err != nil {
			return err
		}
		stats.Items += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		var rec dumpRecord
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return stats, fmt.Errorf("%w: failed to decode dump record: %w", ErrInvalidArgument, err)
		}

		value, err := fingerprint.ParseHex(rec.Fingerprint)
		if err != nil {
			stats.FailedCount++
			s.logger.Warn("skipping dump record", "type", rec.Type, "key", rec.Key, "error", err)
			continue
		}

		switch rec.Type {
		case recordVantagePoint:
			if err := flush(); err != nil {
				return stats, err
			}
			id, err := s.AddVantagePoint(ctx, value)
			if errors.Is(err, ErrDuplicateVantagePoint) && opts.SkipDuplicates {
				stats.SkippedCount++
				continue
			}
			if err != nil {
				return stats, err
			}
			stats.VantagePoints++
			if len(rec.Shells) > 1 {
				shells = append(shells, shellPlan{vpID: id, bounds: rec.Shells})
			}
		case recordItem:
			if rec.Key == "" {
				stats.FailedCount++
				continue
			}
			batch = append(batch, Entry{Key: rec.Key, Fingerprint: value})
			if len(batch) >= opts.BatchSize {
				if err := flush(); err != nil {
					return stats, err
				}
			}
		default:
			stats.FailedCount++
			s.logger.Warn("skipping unknown dump record", "type", rec.Type)
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	for _, sp := range shells {
		if _, err := s.RecordShellBoundaries(ctx, sp.vpID, sp.bounds); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// DumpToFile exports data to a file
func (s *Index) DumpToFile(ctx context.Context, filepath string, opts DumpOptions) (*DumpStats, error) {
	file, err := os.Create(filepath)
	if err != nil {
		return nil, wrapError("dump_to_file", fmt.Errorf("failed to create file: %w", err))
	}
	defer func() { _ = file.Close() }()

	stats, err := s.Dump(ctx, file, opts)
	if err != nil {
		// Remove partial file on error
		_ = os.Remove(filepath)
		return nil, err
	}
	if err := file.Sync(); err != nil {
		return nil, wrapError("dump_to_file", fmt.Errorf("failed to sync file: %w", err))
	}

	return stats, nil
}

// LoadFromFile imports data from a file
func (s *Index) LoadFromFile(ctx context.Context, filepath string, opts LoadOptions) (*ImportStats, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, wrapError("load_from_file", fmt.Errorf("failed to open file: %w", err))
	}
	defer func() { _ = file.Close() }()

	return s.Load(ctx, file, opts)
}

// Backup writes a consistent copy of the database to filepath, which must not exist
func (s *Index) Backup(ctx context.Context, filepath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("backup", ErrStoreClosed)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", filepath); err != nil {
		return wrapError("backup", fmt.Errorf("failed to create backup: %w", err))
	}

	s.logger.Info("backup written", "path", filepath)
	return nil
}
