package main

import "testing"

func TestResolveConfigPathPrefersFlag(t *testing.T) {
	if got := resolveConfigPath("/etc/analyst.yaml"); got != "/etc/analyst.yaml" {
		t.Errorf("resolveConfigPath() = %q, want flag value", got)
	}
}

func TestResolveConfigPathFallsBackToEnv(t *testing.T) {
	t.Setenv("ANALYST_CONFIG", "/tmp/from-env.yaml")
	if got := resolveConfigPath(""); got != "/tmp/from-env.yaml" {
		t.Errorf("resolveConfigPath() = %q, want env value", got)
	}
}

func TestResolveConfigPathDefaultsToAnalystYAML(t *testing.T) {
	t.Setenv("ANALYST_CONFIG", "")
	if got := resolveConfigPath(""); got != "analyst.yaml" {
		t.Errorf("resolveConfigPath() = %q, want default", got)
	}
}

func TestLoadConfigOrDefaultFallsBackWhenMissing(t *testing.T) {
	cfg, err := loadConfigOrDefault("/nonexistent/path/analyst.yaml")
	if err != nil {
		t.Fatalf("loadConfigOrDefault() error = %v", err)
	}
	if cfg.LLM.Model == "" {
		t.Error("expected default model to be populated")
	}
}
