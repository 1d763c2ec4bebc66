package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/healthinsight/orchestrator/internal/analyst"
	"github.com/healthinsight/orchestrator/internal/config"
	"github.com/healthinsight/orchestrator/internal/healthdata"
	"github.com/healthinsight/orchestrator/internal/llm"
	"github.com/healthinsight/orchestrator/internal/prompts"
	"github.com/healthinsight/orchestrator/internal/scheduler"
	"github.com/healthinsight/orchestrator/internal/tools"
	"github.com/healthinsight/orchestrator/internal/trace"
	"github.com/spf13/cobra"
)

func buildRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run [question]",
		Short: "Ask the engine a health question",
		Long: `Run drives one query through the full pipeline: the CMO analyzes
the question, assembles a specialist team, runs it against the patient's
data, synthesizes a final answer, and generates a supporting
visualization.

Lifecycle events are streamed to stdout as newline-delimited JSON as they
occur, ending with a single "final" or "failed" event.`,
		Example: `  analyst run "what is my latest HbA1c and has it improved?"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func resolveConfigPath(flagVal string) string {
	if strings.TrimSpace(flagVal) != "" {
		return flagVal
	}
	if env := strings.TrimSpace(os.Getenv("ANALYST_CONFIG")); env != "" {
		return env
	}
	return "analyst.yaml"
}

func runQuery(ctx context.Context, configPath, question string) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireCredentials(); err != nil {
		return err
	}

	client, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		MaxRetries:   cfg.LLM.MaxRetries,
		RetryDelay:   time.Duration(cfg.LLM.RetryDelaySeconds) * time.Second,
		DefaultModel: cfg.LLM.Model,
	})
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	catalog, err := loadCatalog(cfg.Prompts.Dir)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	registry := tools.NewRegistry()
	registry.Register(healthdata.NewTool(healthdata.DefaultStore()))

	svc := &analyst.Service{
		LLM:        client,
		Tools:      registry,
		Prompts:    catalog,
		TraceStore: trace.NewFileTraceStore(cfg.Trace.Dir),
		Model:      cfg.LLM.Model,
		SchedulerConfig: scheduler.Config{
			MaxParallel:     cfg.Scheduler.MaxParallel,
			PerTaskDeadline: time.Duration(cfg.Scheduler.PerTaskDeadlineSeconds) * time.Second,
			GlobalDeadline:  time.Duration(cfg.Scheduler.GlobalDeadlineSeconds) * time.Second,
		},
		CMOToolBudget:        cfg.CMO.ToolBudget,
		PerLLMCallTimeout:    time.Duration(cfg.LLM.PerCallTimeoutSeconds) * time.Second,
		DisableTrace:         !cfg.TraceEnabled(),
		DisableVisualization: !cfg.VisualizationEnabled(),
	}

	query := analyst.NewQuery(question)
	enc := json.NewEncoder(os.Stdout)
	for ev := range svc.Run(ctx, query) {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	return nil
}

// loadConfigOrDefault loads path if it exists, falling back to
// config.Default() so `analyst run` works with nothing but
// ANALYST_LLM_API_KEY set.
func loadConfigOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

func loadCatalog(dir string) (*prompts.Catalog, error) {
	if strings.TrimSpace(dir) == "" {
		return prompts.DefaultCatalog()
	}
	return prompts.Load(dir)
}
