// Package cli is the skillrunner command tree: serve plus the cache and
// engine administration subcommands.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/floegence/skillrunner/internal/config"
)

// Build metadata, injected from package main at startup.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildTime    = "unknown"
)

// SetBuildInfo records the ldflags build metadata before Execute.
func SetBuildInfo(version, commit, builtAt string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if builtAt != "" {
		buildTime = builtAt
	}
}

var rootCmd = &cobra.Command{
	Use:   "skillrunner",
	Short: "Local skill execution service driving headless agent CLIs",
	Long: `skillrunner runs declarative skills by driving coding-agent CLIs
(codex, gemini, iflow, opencode) as headless subprocesses. It exposes a
loopback HTTP API for job submission, interactive replies, event streams
and engine auth sessions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "skillrunner %s (%s) %s\n", buildVersion, buildCommit, buildTime)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(enginesCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath(), "Config file path (JSON or YAML)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the --config flag and loads the effective config with
// env overrides and defaults applied.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(filepath.Clean(path))
}
