package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "finsight.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"session":{"store":{"driver":"sqlite"}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Agent.MaxToolLoops != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir not resolved: %s", cfg.Runtime.DataDir)
	}
	if cfg.Session.Store.Path != filepath.Join(dir, "data", "finsight.db") {
		t.Fatalf("sqlite path not resolved: %s", cfg.Session.Store.Path)
	}
	if cfg.Tools.ReportOutputDir != filepath.Join(dir, "data", "reports") {
		t.Fatalf("report dir not resolved: %s", cfg.Tools.ReportOutputDir)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"agent":{"max_tool_loops":5}}`)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FMP_API_KEY", "fmp-test")
	t.Setenv("MAX_TOOL_LOOPS", "2")
	t.Setenv("EXECUTE_TOOLS", "false")
	t.Setenv("COLLOQUIAL_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" || cfg.Tools.FMPAPIKey != "fmp-test" {
		t.Fatalf("keys not applied: %+v", cfg)
	}
	if cfg.Agent.MaxToolLoops != 2 || !cfg.Agent.SkipToolExecution || !cfg.Agent.ColloquialEnabled {
		t.Fatalf("agent overrides not applied: %+v", cfg.Agent)
	}
}

func TestDotEnvDoesNotOverrideProcessEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{}`)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FMP_API_KEY=from-dotenv\nMAX_TOOL_LOOPS=4\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("FMP_API_KEY", "from-process")
	t.Setenv("MAX_TOOL_LOOPS", "")
	os.Unsetenv("MAX_TOOL_LOOPS")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tools.FMPAPIKey != "from-process" {
		t.Fatalf("process env should win, got %q", cfg.Tools.FMPAPIKey)
	}
	if cfg.Agent.MaxToolLoops != 4 {
		t.Fatalf(".env value not loaded, got %d", cfg.Agent.MaxToolLoops)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"session":{"store":{"driver":"mysql"},"queue":{"driver":"kafka"}}}`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"dsn", "kafka"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestInvalidEnvValue(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{}`)
	t.Setenv("EXECUTE_TOOLS", "maybe")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error for EXECUTE_TOOLS")
	}
}
