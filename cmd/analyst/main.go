// Package main provides the CLI entry point for the health-question
// orchestration engine: a CMO agent that assembles a team of specialist
// agents, runs them concurrently against a patient's data, and
// synthesizes their findings into one answer with a supporting
// visualization.
//
// # Basic Usage
//
// Ask a question:
//
//	analyst run "what is my latest HbA1c and has it improved?"
//
// # Environment Variables
//
//   - ANALYST_CONFIG: path to configuration file (default: analyst.yaml)
//   - ANALYST_LLM_API_KEY: overrides llm.api_key from the config file
//   - ANALYST_LLM_MODEL: overrides llm.model from the config file
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "analyst",
		Short:        "Multi-agent health question orchestration engine",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildRunCmd())
	return rootCmd
}
