package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcus/roundtable/internal/config"
	"github.com/marcus/roundtable/internal/logging"
)

func TestIsConfigFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"roundtable.yaml", true},
		{"/some/project/roundtable.yaml", true},
		{"config.yaml", true},
		{"/home/u/.config/roundtable/config.yaml", true},
		{"other.yaml", false},
		{"roundtable.yml", false},
		{"roundtable.yaml.bak", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := isConfigFile(tt.path); got != tt.want {
				t.Fatalf("isConfigFile(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestSynthModelDisplay(t *testing.T) {
	cfg := &config.Config{}
	if got := synthModelDisplay(cfg); got != "default model" {
		t.Fatalf("synthModelDisplay = %q, want 'default model'", got)
	}
	cfg.Synthesis.Model = "anthropic/claude-haiku-4-5"
	if got := synthModelDisplay(cfg); got != "anthropic/claude-haiku-4-5" {
		t.Fatalf("synthModelDisplay = %q, want the configured model", got)
	}
}

func TestPidFile_RoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := writePidFile(); err != nil {
		t.Fatalf("writePidFile: %v", err)
	}
	defer func() { _ = removePidFile() }()

	pid, err := readPidFile()
	if err != nil {
		t.Fatalf("readPidFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}

	running, got := isDaemonRunning()
	if !running {
		t.Fatal("expected the current process to count as running")
	}
	if got != pid {
		t.Fatalf("isDaemonRunning pid = %d, want %d", got, pid)
	}
}

func TestIsDaemonRunning_NoPidFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	running, pid := isDaemonRunning()
	if running {
		t.Fatalf("expected not running, got pid %d", pid)
	}
}

func TestScheduleRunner_ReloadKeepsPreviousWithoutSchedule(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	projectDir := t.TempDir()

	old := &config.Config{
		Schedule: config.ScheduleConfig{Every: "1h", QuestionsFile: "research.md"},
	}
	runner := &scheduleRunner{cfg: old, log: logging.Component("test")}

	// No config file anywhere, so the fresh load has no schedule
	runner.reload(context.Background(), projectDir)

	if runner.config() != old {
		t.Fatal("reload should keep the previous config when the new one has no schedule")
	}
}

func TestScheduleRunner_ReloadSwapsConfigSameSpec(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	projectDir := t.TempDir()

	yaml := `schedule:
  every: 1h
  questions_file: research.md
budget:
  max_usd: 9.99
`
	if err := os.WriteFile(filepath.Join(projectDir, config.ProjectConfigName), []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	old := &config.Config{
		Schedule: config.ScheduleConfig{Every: "1h", QuestionsFile: "research.md"},
	}
	runner := &scheduleRunner{cfg: old, log: logging.Component("test")}

	runner.reload(context.Background(), projectDir)

	cfg := runner.config()
	if cfg == old {
		t.Fatal("reload should swap in the freshly loaded config")
	}
	if cfg.Budget.MaxUSD != 9.99 {
		t.Fatalf("Budget.MaxUSD = %v, want 9.99", cfg.Budget.MaxUSD)
	}
	// Same cron/interval spec, so the scheduler itself is untouched
	if runner.active() != nil {
		t.Fatal("scheduler should not be rebuilt when the cron/interval is unchanged")
	}
}

func TestScheduleRunner_ReloadKeepsPreviousWithoutQuestionsFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	projectDir := t.TempDir()

	yaml := `schedule:
  every: 30m
`
	if err := os.WriteFile(filepath.Join(projectDir, config.ProjectConfigName), []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	old := &config.Config{
		Schedule: config.ScheduleConfig{Every: "1h", QuestionsFile: "research.md"},
	}
	runner := &scheduleRunner{cfg: old, log: logging.Component("test")}

	runner.reload(context.Background(), projectDir)

	if runner.config() != old {
		t.Fatal("reload should keep the previous config when questions_file is missing")
	}
}
