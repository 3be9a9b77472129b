// Package main provides the entry point for the resync table reconciliation tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TFMV/resync/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "resync",
		Short: "Resync reconciles tables across databases and repairs the differences",
		Long: `Resync compares a source table with its replica, classifies every primary key as
matched, mismatched, source-only or target-only, and copies fresher source rows to
the target with DataX in bounded batches.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "resync.yaml", "Path to the configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version of resync",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.String())
		},
	})

	rootCmd.AddCommand(newValidateConfigCommand(&configPath))
	rootCmd.AddCommand(newRunCommand(&configPath))
	rootCmd.AddCommand(newServeCommand(&configPath))

	return rootCmd
}

func newValidateConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, overrides{})
			if err != nil {
				return err
			}
			cfg.Normalize(nil)
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.Printf("Configuration OK: %d task(s)\n", len(cfg.Tasks))
			return nil
		},
	}
}
