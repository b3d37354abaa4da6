// Package cli implements the capgate command tree. One file per command;
// shared gateway construction lives in setup.go.
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagBaseDir string
)

var rootCmd = &cobra.Command{
	Use:   "capgate",
	Short: "Policy-enforced execution gateway for AI agent capabilities",
	Long: "capgate sits between a planning agent and the capabilities it wants to\n" +
		"invoke. Every call is validated, evaluated against policy, optionally\n" +
		"held for human confirmation, executed in a sandbox, and recorded in a\n" +
		"tamper-evident audit log.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file (default: <base-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagBaseDir, "base-dir", "", "Base directory for config, state, and audit (default: ~/.capgate)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// baseDir resolves the working directory for config and state.
func baseDir() string {
	if flagBaseDir != "" {
		return flagBaseDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".capgate"
	}
	return filepath.Join(home, ".capgate")
}

// configPath resolves the config file location.
func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return filepath.Join(baseDir(), "config.yaml")
}
