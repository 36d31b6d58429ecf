package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/marcus/roundtable/internal/config"
)

// The generated configs must round-trip through the loader without
// validation errors, or "roundtable init" would scaffold a broken setup.

func TestGeneratedProjectConfig_Loads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	projectDir := t.TempDir()

	path := filepath.Join(projectDir, config.ProjectConfigName)
	if err := os.WriteFile(path, []byte(generateProjectConfig()), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFromPaths(projectDir, config.GlobalConfigPath())
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}

	wantProviders := []string{"openai", "anthropic", "ollama"}
	if len(cfg.Providers.Default) != len(wantProviders) {
		t.Fatalf("Providers.Default = %v, want %v", cfg.Providers.Default, wantProviders)
	}
	for i, want := range wantProviders {
		if cfg.Providers.Default[i] != want {
			t.Fatalf("Providers.Default[%d] = %q, want %q", i, cfg.Providers.Default[i], want)
		}
	}
	if cfg.Budget.Mode != "soft" {
		t.Fatalf("Budget.Mode = %q, want soft", cfg.Budget.Mode)
	}
	if cfg.Budget.MaxUSD != 2.50 {
		t.Fatalf("Budget.MaxUSD = %v, want 2.50", cfg.Budget.MaxUSD)
	}
	if cfg.Storage.ReportsDir != "reports" {
		t.Fatalf("Storage.ReportsDir = %q, want reports", cfg.Storage.ReportsDir)
	}
}

func TestGeneratedGlobalConfig_Loads(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	globalPath := config.GlobalConfigPath()
	if err := os.MkdirAll(filepath.Dir(globalPath), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(globalPath, []byte(generateGlobalConfig()), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFromPaths(t.TempDir(), globalPath)
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}

	if cfg.Budget.Mode != "off" {
		t.Fatalf("Budget.Mode = %q, want off", cfg.Budget.Mode)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Logging.RetentionDays != 7 {
		t.Fatalf("Logging.RetentionDays = %d, want 7", cfg.Logging.RetentionDays)
	}
	if cfg.Schedule.Cron != "" || cfg.Schedule.Every != "" {
		t.Fatalf("Schedule = %+v, want empty schedule by default", cfg.Schedule)
	}
}
