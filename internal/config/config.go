package config

import (
	"fmt"
	"os"
	"strings"
)

// Config is the root configuration document for the orchestration engine:
// LLM credentials/model, scheduler tunables, prompt catalog location, and
// trace persistence. Grounded on the teacher's own Config (KEPT-ADAPTED:
// the load/env-override/default/validate pipeline and the $include loader
// are carried over; the channel/auth/session/tool-sandbox fields they
// guarded are dropped since this engine has no chat transport or shell
// tool surface).
type Config struct {
	Version int `yaml:"version"`

	LLM           LLMConfig           `yaml:"llm"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	CMO           CMOConfig           `yaml:"cmo"`
	Prompts       PromptsConfig       `yaml:"prompts"`
	Trace         TraceConfig         `yaml:"trace"`
	Visualization VisualizationConfig `yaml:"visualization"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LLMConfig configures the Anthropic client (internal/llm).
type LLMConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Model      string `yaml:"model"`
	MaxRetries int    `yaml:"max_retries"`
	// RetryDelaySeconds is the base backoff between retried completions.
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
	// PerCallTimeoutSeconds bounds a single LLM.Complete call (§6.4
	// per_llm_call_timeout_ms), distinct from the Scheduler's per-task and
	// global deadlines: a specialist may make several calls across its
	// tool-use loop, each individually bounded by this timeout.
	PerCallTimeoutSeconds int `yaml:"per_call_timeout_seconds"`
}

// SchedulerConfig configures Task Scheduler concurrency and deadlines.
type SchedulerConfig struct {
	MaxParallel            int `yaml:"max_parallel"`
	PerTaskDeadlineSeconds int `yaml:"per_task_deadline_seconds"`
	GlobalDeadlineSeconds  int `yaml:"global_deadline_seconds"`
}

// CMOConfig configures the orchestrator loop's own tool-use budget (§6.4
// cmo_tool_budget), independent of the per-specialist budgets the Scheduler
// assigns by complexity class.
type CMOConfig struct {
	ToolBudget int `yaml:"tool_budget"`
}

// PromptsConfig points at an on-disk prompt catalog directory. An empty
// Dir falls back to the built-in DefaultCatalog.
type PromptsConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// TraceConfig points at the directory traces are persisted under.
type TraceConfig struct {
	Dir string `yaml:"dir"`
	// Enabled toggles trace persistence (§6.4 trace_enabled); the trace is
	// still recorded in memory when it is false. Defaults to true.
	Enabled *bool `yaml:"enabled"`
}

// VisualizationConfig gates the Visualization Generator (§6.4
// visualization_enabled). Defaults to true.
type VisualizationConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads path, resolving $include directives and expanding
// ${ENV_VAR} references, then decodes the merged document as YAML with
// unknown-field rejection, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if cfg.Version != 0 {
		if err := ValidateVersion(cfg.Version); err != nil {
			return nil, err
		}
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with defaults and environment
// overrides but no file on disk, for callers (the CLI's `run` command)
// that are fine running against ANALYST_LLM_API_KEY alone.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

// RequireCredentials checks the one field Load/Default cannot default
// away: without an API key the engine cannot reach the LLM backend.
func (c *Config) RequireCredentials() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return fmt.Errorf("config: llm.api_key is required (set in the config file or ANALYST_LLM_API_KEY)")
	}
	return nil
}

// TraceEnabled reports whether trace persistence is on, per
// TraceConfig.Enabled's nil-defaults-to-true semantics.
func (c *Config) TraceEnabled() bool {
	return c.Trace.Enabled == nil || *c.Trace.Enabled
}

// VisualizationEnabled reports whether the Visualization Generator should
// run, per VisualizationConfig.Enabled's nil-defaults-to-true semantics.
func (c *Config) VisualizationEnabled() bool {
	return c.Visualization.Enabled == nil || *c.Visualization.Enabled
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ANALYST_LLM_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ANALYST_LLM_MODEL")); v != "" {
		cfg.LLM.Model = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 1
	}
	if cfg.LLM.RetryDelaySeconds == 0 {
		cfg.LLM.RetryDelaySeconds = 1
	}
	if cfg.LLM.PerCallTimeoutSeconds == 0 {
		cfg.LLM.PerCallTimeoutSeconds = 60
	}
	if cfg.Scheduler.MaxParallel == 0 {
		cfg.Scheduler.MaxParallel = 5
	}
	if cfg.Scheduler.PerTaskDeadlineSeconds == 0 {
		cfg.Scheduler.PerTaskDeadlineSeconds = 120
	}
	if cfg.Scheduler.GlobalDeadlineSeconds == 0 {
		cfg.Scheduler.GlobalDeadlineSeconds = 600
	}
	if cfg.CMO.ToolBudget == 0 {
		cfg.CMO.ToolBudget = 3
	}
	if cfg.Trace.Dir == "" {
		cfg.Trace.Dir = "./traces"
	}
	if cfg.Trace.Enabled == nil {
		enabled := true
		cfg.Trace.Enabled = &enabled
	}
	if cfg.Visualization.Enabled == nil {
		enabled := true
		cfg.Visualization.Enabled = &enabled
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ConfigValidationError accumulates every field-level validation failure
// found in one pass, matching the teacher's report-everything-at-once
// idiom rather than failing on the first issue found.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var issues []string

	if strings.TrimSpace(cfg.LLM.Model) == "" {
		issues = append(issues, "llm.model must be set")
	}
	if cfg.LLM.MaxRetries < 0 {
		issues = append(issues, "llm.max_retries must be >= 0")
	}
	if cfg.Scheduler.MaxParallel <= 0 {
		issues = append(issues, "scheduler.max_parallel must be > 0")
	}
	if cfg.Scheduler.PerTaskDeadlineSeconds <= 0 {
		issues = append(issues, "scheduler.per_task_deadline_seconds must be > 0")
	}
	if cfg.Scheduler.GlobalDeadlineSeconds <= 0 {
		issues = append(issues, "scheduler.global_deadline_seconds must be > 0")
	}
	if cfg.LLM.PerCallTimeoutSeconds <= 0 {
		issues = append(issues, "llm.per_call_timeout_seconds must be > 0")
	}
	if cfg.CMO.ToolBudget <= 0 {
		issues = append(issues, "cmo.tool_budget must be > 0")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, "logging.format must be \"json\" or \"text\"")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
