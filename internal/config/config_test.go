package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/roundtable/internal/providers"
)

func TestValidate_CronAndEvery(t *testing.T) {
	cfg := &Config{
		Schedule: ScheduleConfig{
			Cron:  "0 2 * * *",
			Every: "4h",
		},
	}
	err := Validate(cfg)
	if err != ErrCronAndEvery {
		t.Errorf("expected ErrCronAndEvery, got %v", err)
	}
}

func TestValidate_InvalidBudgetMode(t *testing.T) {
	cfg := &Config{
		Budget: BudgetConfig{
			Mode: "strict",
		},
	}
	err := Validate(cfg)
	if err != ErrInvalidBudgetMode {
		t.Errorf("expected ErrInvalidBudgetMode, got %v", err)
	}
}

func TestValidate_BudgetLimitRequired(t *testing.T) {
	cfg := &Config{
		Budget: BudgetConfig{
			Mode: "hard",
		},
	}
	err := Validate(cfg)
	if err != ErrBudgetLimitRequired {
		t.Errorf("expected ErrBudgetLimitRequired, got %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{
			Level: "verbose",
		},
	}
	err := Validate(cfg)
	if err != ErrInvalidLogLevel {
		t.Errorf("expected ErrInvalidLogLevel, got %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{
			Format: "xml",
		},
	}
	err := Validate(cfg)
	if err != ErrInvalidLogFormat {
		t.Errorf("expected ErrInvalidLogFormat, got %v", err)
	}
}

func TestValidate_UnknownDefaultProvider(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{
			Default: []string{"openai", "frontier"},
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
	if !strings.Contains(err.Error(), "providers.default") {
		t.Errorf("error should mention providers.default, got: %v", err)
	}
	if !strings.Contains(err.Error(), "frontier") {
		t.Errorf("error should mention the bad name, got: %v", err)
	}
}

func TestValidate_InvalidGovernorInterval(t *testing.T) {
	cfg := &Config{
		Governor: GovernorConfig{
			MinInterval: "fast",
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "governor.min_interval") {
		t.Errorf("error should mention governor.min_interval, got: %v", err)
	}
	if !strings.Contains(err.Error(), "fast") {
		t.Errorf("error should mention the bad value, got: %v", err)
	}
}

func TestValidate_SynthModelProvider(t *testing.T) {
	cfg := &Config{
		Synthesis: SynthesisConfig{
			Model: "frontier/default",
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown synthesis provider, got nil")
	}
	if !strings.Contains(err.Error(), "synthesis.model") {
		t.Errorf("error should mention synthesis.model, got: %v", err)
	}

	// A bare model name carries no provider and passes.
	cfg.Synthesis.Model = "gpt-4o"
	if err := Validate(cfg); err != nil {
		t.Errorf("expected nil for bare model name, got %v", err)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{
			Default: []string{"openai", "gemini"},
		},
		Governor: GovernorConfig{
			GlobalLimit: 4,
			MinInterval: "250ms",
		},
		Executor: ExecutorConfig{
			Timeout:    "30s",
			MaxRetries: 2,
		},
		Synthesis: SynthesisConfig{
			Enabled: true,
			Model:   "anthropic/claude-sonnet-4-5",
		},
		Budget: BudgetConfig{
			Mode:   "soft",
			MaxUSD: 2.50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Schedule: ScheduleConfig{
			Cron: "0 2 * * *",
		},
	}
	err := Validate(cfg)
	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		input    string
		expected string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
	}
	for _, tc := range tests {
		result := expandPath(tc.input)
		if result != tc.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestLoadFromPaths_WithYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, ProjectConfigName)

	configContent := `
governor:
  global_limit: 4
  min_interval: 250ms
budget:
  mode: soft
  max_usd: 2.5
logging:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPaths(tmpDir, filepath.Join(tmpDir, "nonexistent", "global.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	if cfg.Governor.GlobalLimit != 4 {
		t.Errorf("Governor.GlobalLimit = %d, want 4", cfg.Governor.GlobalLimit)
	}
	if cfg.Budget.Mode != "soft" {
		t.Errorf("Budget.Mode = %q, want %q", cfg.Budget.Mode, "soft")
	}
	if cfg.Budget.MaxUSD != 2.5 {
		t.Errorf("Budget.MaxUSD = %v, want 2.5", cfg.Budget.MaxUSD)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoadFromPaths_MergeConfigs(t *testing.T) {
	tmpDir := t.TempDir()

	globalDir := filepath.Join(tmpDir, "global")
	if err := os.MkdirAll(globalDir, 0755); err != nil {
		t.Fatal(err)
	}
	globalConfig := filepath.Join(globalDir, "config.yaml")
	globalContent := `
budget:
  mode: soft
  max_usd: 10
logging:
  level: info
`
	if err := os.WriteFile(globalConfig, []byte(globalContent), 0644); err != nil {
		t.Fatal(err)
	}

	projectDir := filepath.Join(tmpDir, "project")
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		t.Fatal(err)
	}
	projectConfig := filepath.Join(projectDir, ProjectConfigName)
	projectContent := `
budget:
  max_usd: 2.5
logging:
  level: debug
`
	if err := os.WriteFile(projectConfig, []byte(projectContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPaths(projectDir, globalConfig)
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	// Project config should override global
	if cfg.Budget.MaxUSD != 2.5 {
		t.Errorf("Budget.MaxUSD = %v, want 2.5 (project override)", cfg.Budget.MaxUSD)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug (project override)", cfg.Logging.Level)
	}
	// Global value should still be present for non-overridden fields
	if cfg.Budget.Mode != "soft" {
		t.Errorf("Budget.Mode = %q, want soft (from global)", cfg.Budget.Mode)
	}
}

func TestLoadFromPaths_Defaults(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := LoadFromPaths(tmpDir, filepath.Join(tmpDir, "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	if cfg.Budget.Mode != DefaultBudgetMode {
		t.Errorf("Budget.Mode = %q, want %q", cfg.Budget.Mode, DefaultBudgetMode)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, DefaultLogLevel)
	}
	if cfg.Logging.Format != DefaultLogFormat {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, DefaultLogFormat)
	}
	if cfg.Logging.RetentionDays != DefaultRetentionDays {
		t.Errorf("Logging.RetentionDays = %d, want %d", cfg.Logging.RetentionDays, DefaultRetentionDays)
	}
	if !strings.HasSuffix(cfg.Storage.DatabasePath, filepath.Join("roundtable", "history.db")) {
		t.Errorf("Storage.DatabasePath = %q, want expanded default", cfg.Storage.DatabasePath)
	}

	// An unset max_retries stays -1 so the executor applies its default.
	if got := cfg.ExecutorOptions().MaxRetries; got != -1 {
		t.Errorf("ExecutorOptions().MaxRetries = %d, want -1", got)
	}
}

func TestLoadFromPaths_EnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()

	configContent := `
budget:
  mode: soft
  max_usd: 10
`
	configPath := filepath.Join(tmpDir, ProjectConfigName)
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ROUNDTABLE_BUDGET_MODE", "hard")
	t.Setenv("ROUNDTABLE_LOGGING_LEVEL", "warn")

	cfg, err := LoadFromPaths(tmpDir, filepath.Join(tmpDir, "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	// Environment should override file
	if cfg.Budget.Mode != "hard" {
		t.Errorf("Budget.Mode = %q, want hard (env override)", cfg.Budget.Mode)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn (env override)", cfg.Logging.Level)
	}
	// File value should still be used for unset env vars
	if cfg.Budget.MaxUSD != 10 {
		t.Errorf("Budget.MaxUSD = %v, want 10 (from file)", cfg.Budget.MaxUSD)
	}
}

func TestLoadFromPaths_APIKeysFromEnv(t *testing.T) {
	tmpDir := t.TempDir()

	configContent := `
providers:
  anthropic:
    api_key: file-key
`
	configPath := filepath.Join(tmpDir, ProjectConfigName)
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
	t.Setenv("OLLAMA_HOST", "http://localhost:11434")

	cfg, err := LoadFromPaths(tmpDir, filepath.Join(tmpDir, "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	if cfg.Providers.OpenAI.APIKey != "sk-env" {
		t.Errorf("OpenAI.APIKey = %q, want sk-env", cfg.Providers.OpenAI.APIKey)
	}
	// A key in the config file wins over the environment.
	if cfg.Providers.Anthropic.APIKey != "file-key" {
		t.Errorf("Anthropic.APIKey = %q, want file-key", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Providers.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q, want OLLAMA_HOST value", cfg.Providers.Ollama.BaseURL)
	}
}

func TestRunProviders(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{
			Default: []string{"gemini", "openai"},
		},
	}
	got := cfg.RunProviders()
	if len(got) != 2 || got[0] != "gemini" || got[1] != "openai" {
		t.Errorf("RunProviders() = %v, want configured default order", got)
	}
}

func TestRunProviders_FallsBackToConfigured(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{APIKey: "sk-ant"},
			OpenAI:    ProviderConfig{APIKey: "sk-oai"},
			Ollama:    ProviderConfig{BaseURL: "http://localhost:11434"},
		},
	}
	got := cfg.RunProviders()
	want := []string{"openai", "anthropic", "ollama"}
	if len(got) != len(want) {
		t.Fatalf("RunProviders() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("RunProviders()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGovernorConfigConversion(t *testing.T) {
	cfg := &Config{
		Governor: GovernorConfig{
			GlobalLimit:   8,
			ProviderLimit: 3,
			MinInterval:   "250ms",
			MaxInterval:   "10s",
		},
	}
	gc := cfg.GovernorConfig()
	if gc.GlobalLimit != 8 || gc.ProviderLimit != 3 {
		t.Errorf("unexpected limits: %+v", gc)
	}
	if gc.MinInterval != 250*time.Millisecond {
		t.Errorf("MinInterval = %v, want 250ms", gc.MinInterval)
	}
	if gc.MaxInterval != 10*time.Second {
		t.Errorf("MaxInterval = %v, want 10s", gc.MaxInterval)
	}
}

func TestProviderSettings(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{APIKey: "sk-test", Model: "gpt-4o-mini"},
			Ollama: ProviderConfig{BaseURL: "http://localhost:11434"},
		},
	}
	settings := cfg.ProviderSettings()
	if settings[providers.IDOpenAI].APIKey != "sk-test" {
		t.Errorf("OpenAI APIKey = %q, want sk-test", settings[providers.IDOpenAI].APIKey)
	}
	if settings[providers.IDOpenAI].Model != "gpt-4o-mini" {
		t.Errorf("OpenAI Model = %q, want gpt-4o-mini", settings[providers.IDOpenAI].Model)
	}
	if settings[providers.IDOllama].BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama BaseURL = %q", settings[providers.IDOllama].BaseURL)
	}
	if settings[providers.IDGemini].APIKey != "" {
		t.Errorf("Gemini APIKey = %q, want empty", settings[providers.IDGemini].APIKey)
	}
}
