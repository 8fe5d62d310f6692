package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <key>",
		Short: "Check whether an item is stored",
		Long:  `Print the fingerprint stored under key, or fail when there is none.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			value, err := db.Index().Lookup(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("lookup %s: %w", args[0], err)
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, map[string]any{"key": args[0], "fingerprint": value})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", value, args[0])
			return nil
		},
	}
}

func NewRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <key>...",
		Aliases: []string{"rm"},
		Short:   "Remove items",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			for _, key := range args {
				if err := db.Index().Remove(cmd.Context(), key); err != nil {
					return fmt.Errorf("remove %s: %w", key, err)
				}
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, map[string]any{"removed": args})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d items\n", len(args))
			return nil
		},
	}
}

func NewRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rename <old> <new>",
		Aliases: []string{"mv"},
		Short:   "Rename an item",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Index().Rename(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("rename %s: %w", args[0], err)
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, map[string]any{"old": args[0], "new": args[1]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %s\n", args[0], args[1])
			return nil
		},
	}
}

func NewStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			index := db.Index()
			recount, _ := cmd.Flags().GetBool("recount")
			stats, err := index.Stats(cmd.Context())
			if recount {
				stats, err = index.Recount(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}

			if wantJSON(cmd) {
				return outputJSON(cmd, stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Items:            %d\n", stats.Items)
			fmt.Fprintf(out, "Points:           %d\n", stats.Points)
			fmt.Fprintf(out, "Vantage points:   %d\n", stats.VantagePoints)
			fmt.Fprintf(out, "Shells:           %d\n", stats.Shells)
			fmt.Fprintf(out, "Fingerprint size: %d bytes\n", stats.FingerprintSize)
			fmt.Fprintf(out, "Metric:           %s\n", stats.Metric)
			return nil
		},
	}

	cmd.Flags().Bool("recount", false, "Recompute the cached counts from the tables")

	return cmd
}
