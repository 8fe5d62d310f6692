package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/phashdb/pkg/phashdb"
)

func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "phashdb",
		Short:         "Similarity index for perceptual image hashes",
		Long:          `Store fingerprints produced by an external hasher in SQLite and find near duplicates by Hamming distance.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)

	rootCmd.AddCommand(
		NewInitCmd(),
		NewInsertCmd(),
		NewQueryCmd(),
		NewAddVPCmd(),
		NewSuggestVPCmd(),
		NewShellsCmd(),
		NewExistsCmd(),
		NewRemoveCmd(),
		NewRenameCmd(),
		NewStatsCmd(),
		NewDumpCmd(),
		NewLoadCmd(),
		NewBackupCmd(),
	)

	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", defaultConfigPath, "Config file")
	cmd.PersistentFlags().String("db", "", "Database file (overrides config)")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().String("strategy", "", "Query strategy (sql|bitmap)")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(cmd *cobra.Command) (*Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.Database = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("strategy"); v != "" {
		cfg.Strategy = v
	}

	return cfg, nil
}

func openDB(cmd *cobra.Command) (*phashdb.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	config, opts, err := cfg.options(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	return openWith(config, opts)
}

func openWith(config phashdb.Config, opts []phashdb.Option) (*phashdb.DB, error) {
	db, err := phashdb.Open(config, opts...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", config.Path, err)
	}
	return db, nil
}

func wantJSON(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
