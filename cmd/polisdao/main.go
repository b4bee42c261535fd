// Package main is the entry point for the polisdao binary.
// It serves DAO instances behind a read-only admin API and offers operator
// commands for configuration and audit inspection.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-dao/pkg/audit"
	"github.com/polisai/polis-dao/pkg/config"
	"github.com/polisai/polis-dao/pkg/dao"
)

const defaultEnvFile = ".env"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polisdao.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polisdao",
		Short: "DAO governance and treasury service",
		Long: `polisdao provisions a DAO instance (member registry, governance engine and
treasury ledger) from configuration and serves a read-only admin API with
health, Prometheus metrics and paginated state and audit views.

Example:
  polisdao serve --config polisdao.yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, err := cmd.Flags().GetString("env-file")
			if err != nil {
				return fmt.Errorf("failed to get env-file flag: %w", err)
			}
			return loadEnvFile(envFile)
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().String("env-file", defaultEnvFile, "Environment file loaded before the configuration")

	rootCmd.AddCommand(newServeCmd(), newConfigCmd(), newAuditCmd(), newTemplatesCmd())
	return rootCmd
}

// loadEnvFile applies path to the environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	return config.Load(path)
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Bootstrap.Enabled() {
				if _, err := cfg.DAOConfig(); err != nil {
					return fmt.Errorf("bootstrap: %w", err)
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})
	return configCmd
}

func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect a persisted audit store",
	}
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print audit records as JSON lines",
		RunE:  runAuditDump,
	}
	dumpCmd.Flags().String("backend", "", "Store backend (sqlite or badger); defaults to the configured one")
	dumpCmd.Flags().String("path", "", "Store path; defaults to the configured one")
	dumpCmd.Flags().Int("offset", 0, "Records to skip")
	dumpCmd.Flags().Int("limit", 100, "Records to print (0 for all)")
	auditCmd.AddCommand(dumpCmd)
	return auditCmd
}

func runAuditDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	backend, _ := cmd.Flags().GetString("backend")
	path, _ := cmd.Flags().GetString("path")
	offset, _ := cmd.Flags().GetInt("offset")
	limit, _ := cmd.Flags().GetInt("limit")
	if backend == "" {
		backend = cfg.Audit.Backend
	}
	if path == "" {
		path = cfg.Audit.Path
	}
	if path == "" {
		return errors.New("audit dump needs a persistent store path")
	}

	store, err := audit.OpenStore(backend, path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.List(cmd.Context(), offset, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the DAO templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, id := range dao.NewFactory().Templates() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
