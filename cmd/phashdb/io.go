package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/phashdb/pkg/core"
)

func NewDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Export vantage points and items as JSON Lines",
		Long: `Export the index as JSON Lines: a header, every vantage point with its shell
bounds, then every item. Use - to write to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: runDump,
	}

	cmd.Flags().String("compression", "none", "Compression (none|zstd)")
	cmd.Flags().Int("level", 0, "zstd level (0 = default)")

	return cmd
}

func runDump(cmd *cobra.Command, args []string) error {
	compressionFlag, _ := cmd.Flags().GetString("compression")
	level, _ := cmd.Flags().GetInt("level")
	compression, err := core.ParseCompression(compressionFlag)
	if err != nil {
		return err
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	opts := core.DumpOptions{Compression: compression, Level: level}
	var stats *core.DumpStats
	if args[0] == "-" {
		stats, err = db.Index().Dump(cmd.Context(), cmd.OutOrStdout(), opts)
	} else {
		stats, err = db.Index().DumpToFile(cmd.Context(), args[0], opts)
	}
	if err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	if args[0] == "-" {
		return nil
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, stats)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dumped %d vantage points and %d items (%d bytes)\n",
		stats.VantagePoints, stats.Items, stats.BytesWritten)
	return nil
}

func NewLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <file>",
		Short: "Import a dump",
		Long:  `Import a dump written by dump. Compression is detected automatically. Use - to read stdin.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	}

	cmd.Flags().Bool("skip-duplicates", true, "Skip vantage points that are already registered")
	cmd.Flags().Int("batch", 500, "Items per transaction")

	return cmd
}

func runLoad(cmd *cobra.Command, args []string) error {
	skip, _ := cmd.Flags().GetBool("skip-duplicates")
	batch, _ := cmd.Flags().GetInt("batch")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	opts := core.LoadOptions{SkipDuplicates: skip, BatchSize: batch}
	var stats *core.ImportStats
	if args[0] == "-" {
		stats, err = db.Index().Load(cmd.Context(), cmd.InOrStdin(), opts)
	} else {
		stats, err = db.Index().LoadFromFile(cmd.Context(), args[0], opts)
	}
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, stats)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d vantage points and %d items (%d skipped, %d failed)\n",
		stats.VantagePoints, stats.Items, stats.SkippedCount, stats.FailedCount)
	return nil
}

func NewBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Write a consistent copy of the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Index().Backup(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, map[string]any{"backup": args[0]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", args[0])
			return nil
		},
	}
}
