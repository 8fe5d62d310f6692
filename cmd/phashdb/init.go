package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or validate an index",
		Long:  `Create the index tables if they are missing and check an existing index for compatibility.`,
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}

	cmd.Flags().Int("size", 0, "Fingerprint size in bytes (0 = take it from the first insert)")
	cmd.Flags().Bool("save-config", false, "Write the effective settings to the config file")

	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if size, _ := cmd.Flags().GetInt("size"); size > 0 {
		cfg.FingerprintSize = size
	}

	config, opts, err := cfg.options(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	db, err := openWith(config, opts)
	if err != nil {
		return err
	}
	defer db.Close()

	if save, _ := cmd.Flags().GetBool("save-config"); save {
		path, _ := cmd.Flags().GetString("config")
		if err := SaveConfig(path, cfg); err != nil {
			return err
		}
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, map[string]any{
			"database":         cfg.Database,
			"fingerprint_size": db.Index().FingerprintSize(),
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized index at %s\n", cfg.Database)
	return nil
}
