package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/phashdb/pkg/core"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
	"github.com/liliang-cn/phashdb/pkg/phashdb"
)

func NewInsertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert [<hex> <key>]",
		Short: "Insert fingerprints",
		Long: `Insert one fingerprint given as arguments, or read "<hex> <key>" lines
from --file (default stdin), the format imghash-style tools print.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected <hex> <key> or no arguments, got %d arguments", len(args))
			}
			return nil
		},
		RunE: runInsert,
	}

	cmd.Flags().StringP("file", "f", "-", "Input file of \"<hex> <key>\" lines, - for stdin")
	cmd.Flags().Int("batch", 500, "Entries per transaction")

	return cmd
}

func runInsert(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 2 {
		if err := db.InsertHex(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("insert %s: %w", args[1], err)
		}
		return reportInserted(cmd, 1)
	}

	path, _ := cmd.Flags().GetString("file")
	batch, _ := cmd.Flags().GetInt("batch")

	in := cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	n, err := insertLines(cmd.Context(), db, in, batch)
	if err != nil {
		return err
	}
	return reportInserted(cmd, n)
}

// insertLines commits entries in batches. A malformed line stops the run
// once the lines before it have been committed.
func insertLines(ctx context.Context, db *phashdb.DB, r io.Reader, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}

	var (
		entries []core.Entry
		total   int
	)
	flush := func() error {
		if len(entries) == 0 {
			return nil
		}
		if _, err := db.Index().InsertBatch(ctx, entries); err != nil {
			return err
		}
		total += len(entries)
		entries = entries[:0]
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for lineNo := 1; sc.Scan(); lineNo++ {
		entry, ok, err := parseLine(sc.Text())
		if err != nil {
			if ferr := flush(); ferr != nil {
				return total, ferr
			}
			return total, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}
		entries = append(entries, entry)
		if len(entries) >= batch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return total, fmt.Errorf("read input: %w", err)
	}

	return total, flush()
}

// parseLine splits "<hex> <key>"; the key runs to the end of the line.
// Blank lines and lines starting with # are skipped.
func parseLine(line string) (core.Entry, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return core.Entry{}, false, nil
	}

	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return core.Entry{}, false, fmt.Errorf("%w: missing key", core.ErrInvalidArgument)
	}

	fp, err := fingerprint.ParseHex(line[:i])
	if err != nil {
		return core.Entry{}, false, fmt.Errorf("%w: %v", core.ErrInvalidFingerprint, err)
	}

	return core.Entry{Key: strings.TrimSpace(line[i:]), Fingerprint: fp}, true, nil
}

func reportInserted(cmd *cobra.Command, n int) error {
	if wantJSON(cmd) {
		return outputJSON(cmd, map[string]any{"inserted": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Inserted %d items\n", n)
	return nil
}
