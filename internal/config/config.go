// Package config handles loading and validating roundtable configuration.
// Settings merge in order: built-in defaults, the global config file, the
// project config file, then ROUNDTABLE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marcus/roundtable/internal/executor"
	"github.com/marcus/roundtable/internal/governor"
	"github.com/marcus/roundtable/internal/providers"
)

// ProjectConfigName is the per-project config file looked up in the
// working directory.
const ProjectConfigName = "roundtable.yaml"

// Defaults applied when neither config file sets a value.
const (
	DefaultBudgetMode    = "off"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultRetentionDays = 7

	DefaultDatabasePath = "~/.local/share/roundtable/history.db"
	DefaultStatusPath   = "~/.local/share/roundtable/status.json"
	DefaultReportsDir   = "reports"
)

// Validation errors.
var (
	ErrCronAndEvery        = errors.New("schedule.cron and schedule.every are mutually exclusive")
	ErrInvalidBudgetMode   = errors.New("budget.mode must be one of: off, soft, hard")
	ErrBudgetLimitRequired = errors.New("budget.max_usd must be positive when budget.mode is soft or hard")
	ErrInvalidLogLevel     = errors.New("logging.level must be one of: debug, info, warn, error")
	ErrInvalidLogFormat    = errors.New("logging.format must be one of: json, text")
)

// Config holds all roundtable configuration.
type Config struct {
	Providers ProvidersConfig `mapstructure:"providers"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Synthesis SynthesisConfig `mapstructure:"synthesis"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

// ProviderConfig holds per-provider connection settings.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// ProvidersConfig names the provider set used when a run does not pick
// one explicitly, plus connection settings for each provider.
type ProvidersConfig struct {
	Default    []string       `mapstructure:"default"`
	OpenAI     ProviderConfig `mapstructure:"openai"`
	Anthropic  ProviderConfig `mapstructure:"anthropic"`
	Gemini     ProviderConfig `mapstructure:"gemini"`
	Perplexity ProviderConfig `mapstructure:"perplexity"`
	Ollama     ProviderConfig `mapstructure:"ollama"`
}

// GovernorConfig bounds concurrent dispatch. Intervals are duration
// strings like "500ms". Zero values fall back to the governor defaults.
type GovernorConfig struct {
	GlobalLimit   int    `mapstructure:"global_limit"`
	ProviderLimit int    `mapstructure:"provider_limit"`
	MinInterval   string `mapstructure:"min_interval"`
	MaxInterval   string `mapstructure:"max_interval"`
}

// ExecutorConfig controls per-attempt timeouts and retries. MaxRetries -1
// means "use the default"; 0 disables retries.
type ExecutorConfig struct {
	Timeout    string `mapstructure:"timeout"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// SynthesisConfig controls the post-run merge step. Model is either a
// bare model name or "provider/model".
type SynthesisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
}

// BudgetConfig caps estimated spend per run.
type BudgetConfig struct {
	Mode   string  `mapstructure:"mode"`
	MaxUSD float64 `mapstructure:"max_usd"`
}

// StorageConfig locates the run history database, report output, and the
// status snapshot file.
type StorageConfig struct {
	DatabasePath string `mapstructure:"database_path"`
	ReportsDir   string `mapstructure:"reports_dir"`
	StatusPath   string `mapstructure:"status_path"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// ScheduleConfig drives unattended runs. Cron is a five-field cron
// expression; Every is a duration string. Only one may be set.
type ScheduleConfig struct {
	Cron          string   `mapstructure:"cron"`
	Every         string   `mapstructure:"every"`
	QuestionsFile string   `mapstructure:"questions_file"`
	Providers     []string `mapstructure:"providers"`
	Synthesize    bool     `mapstructure:"synthesize"`
}

// Load reads configuration for the current working directory.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return LoadFromPaths(cwd, GlobalConfigPath())
}

// LoadFromPaths reads the global config file, merges the project config
// from projectDir on top, applies environment overrides, and validates
// the result. Missing files are not errors.
func LoadFromPaths(projectDir, globalPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("ROUNDTABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	loaded := false
	if data, err := os.ReadFile(globalPath); err == nil {
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", globalPath, err)
		}
		loaded = true
	}

	projectPath := filepath.Join(projectDir, ProjectConfigName)
	if data, err := os.ReadFile(projectPath); err == nil {
		if !loaded {
			if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", projectPath, err)
			}
		} else if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", projectPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvKeys(cfg)
	normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalConfigPath returns ~/.config/roundtable/config.yaml.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "roundtable", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("providers.default", []string{})
	v.SetDefault("governor.global_limit", 0)
	v.SetDefault("governor.provider_limit", 0)
	v.SetDefault("governor.min_interval", "")
	v.SetDefault("governor.max_interval", "")
	v.SetDefault("executor.timeout", "")
	v.SetDefault("executor.max_retries", -1)
	v.SetDefault("synthesis.enabled", false)
	v.SetDefault("synthesis.model", "")
	v.SetDefault("budget.mode", DefaultBudgetMode)
	v.SetDefault("budget.max_usd", 0.0)
	v.SetDefault("storage.database_path", DefaultDatabasePath)
	v.SetDefault("storage.reports_dir", DefaultReportsDir)
	v.SetDefault("storage.status_path", DefaultStatusPath)
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.retention_days", DefaultRetentionDays)
	v.SetDefault("schedule.cron", "")
	v.SetDefault("schedule.every", "")
}

// applyEnvKeys fills API keys from the conventional environment variables
// when the config files leave them empty.
func applyEnvKeys(cfg *Config) {
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Providers.Gemini.APIKey == "" {
		cfg.Providers.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Providers.Gemini.APIKey == "" {
		cfg.Providers.Gemini.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if cfg.Providers.Perplexity.APIKey == "" {
		cfg.Providers.Perplexity.APIKey = os.Getenv("PERPLEXITY_API_KEY")
	}
	if cfg.Providers.Ollama.BaseURL == "" {
		cfg.Providers.Ollama.BaseURL = os.Getenv("OLLAMA_HOST")
	}
}

func normalize(cfg *Config) {
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath)
	cfg.Storage.ReportsDir = expandPath(cfg.Storage.ReportsDir)
	cfg.Storage.StatusPath = expandPath(cfg.Storage.StatusPath)
	cfg.Logging.Path = expandPath(cfg.Logging.Path)
}

// Validate checks cross-field constraints. Mode-style violations return
// the package sentinel errors.
func Validate(cfg *Config) error {
	if cfg.Schedule.Cron != "" && cfg.Schedule.Every != "" {
		return ErrCronAndEvery
	}
	if cfg.Schedule.Every != "" {
		if _, err := time.ParseDuration(cfg.Schedule.Every); err != nil {
			return fmt.Errorf("schedule.every: invalid duration %q", cfg.Schedule.Every)
		}
	}

	switch cfg.Budget.Mode {
	case "", "off", "soft", "hard":
	default:
		return ErrInvalidBudgetMode
	}
	if (cfg.Budget.Mode == "soft" || cfg.Budget.Mode == "hard") && cfg.Budget.MaxUSD <= 0 {
		return ErrBudgetLimitRequired
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return ErrInvalidLogFormat
	}

	if len(cfg.Providers.Default) > 0 {
		if _, err := providers.ParseIDs(cfg.Providers.Default); err != nil {
			return fmt.Errorf("providers.default: %w", err)
		}
	}
	if model := cfg.Synthesis.Model; strings.Contains(model, "/") {
		name, _, _ := strings.Cut(model, "/")
		if _, err := providers.ParseID(name); err != nil {
			return fmt.Errorf("synthesis.model: %w", err)
		}
	}

	for field, value := range map[string]string{
		"governor.min_interval": cfg.Governor.MinInterval,
		"governor.max_interval": cfg.Governor.MaxInterval,
		"executor.timeout":      cfg.Executor.Timeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", field, value)
		}
	}
	return nil
}

// ProviderSettings maps the config onto adapter settings keyed by
// provider ID.
func (c *Config) ProviderSettings() map[providers.ID]providers.Settings {
	return map[providers.ID]providers.Settings{
		providers.IDOpenAI:     settingsFor(c.Providers.OpenAI),
		providers.IDAnthropic:  settingsFor(c.Providers.Anthropic),
		providers.IDGemini:     settingsFor(c.Providers.Gemini),
		providers.IDPerplexity: settingsFor(c.Providers.Perplexity),
		providers.IDOllama:     settingsFor(c.Providers.Ollama),
	}
}

func settingsFor(pc ProviderConfig) providers.Settings {
	return providers.Settings{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Model: pc.Model}
}

// GovernorConfig converts the duration strings into a governor config.
// Call Validate first; invalid durations collapse to the defaults here.
func (c *Config) GovernorConfig() governor.Config {
	return governor.Config{
		GlobalLimit:   c.Governor.GlobalLimit,
		ProviderLimit: c.Governor.ProviderLimit,
		MinInterval:   parseDurationOr(c.Governor.MinInterval, 0),
		MaxInterval:   parseDurationOr(c.Governor.MaxInterval, 0),
	}
}

// ExecutorOptions converts the executor section into executor options.
func (c *Config) ExecutorOptions() executor.Options {
	return executor.Options{
		Timeout:    parseDurationOr(c.Executor.Timeout, 0),
		MaxRetries: c.Executor.MaxRetries,
	}
}

// RunProviders returns the provider names a run should target when the
// caller does not pass any: the configured default set, or failing that
// every provider that has credentials.
func (c *Config) RunProviders() []string {
	if len(c.Providers.Default) > 0 {
		return c.Providers.Default
	}
	var names []string
	for id, s := range c.ProviderSettings() {
		if s.APIKey != "" || (id == providers.IDOllama && s.BaseURL != "") {
			names = append(names, string(id))
		}
	}
	// Map iteration order is random; keep the canonical provider order.
	ordered := make([]string, 0, len(names))
	for _, id := range providers.All() {
		for _, name := range names {
			if name == string(id) {
				ordered = append(ordered, name)
			}
		}
	}
	return ordered
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
