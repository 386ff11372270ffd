// Package config loads all runtime settings into one explicit structure.
// Components receive the structure (or a slice of it) through their
// constructors; nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig holds retry configuration for remote API calls.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// Timeout bounds each individual attempt.
	Timeout time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Timeout:        60 * time.Second,
	}
}

// Config holds every setting the monitor needs. Secrets come from the
// environment; tunables have defaults and may be overridden by env, a YAML
// file, or CLI flags (applied by the caller after Load).
type Config struct {
	// GitLab
	GitLabURL   string `yaml:"gitlab_url"`
	GitLabToken string `yaml:"-"`

	// Telegram
	TelegramToken  string `yaml:"-"`
	TelegramChatID string `yaml:"telegram_chat_id"`

	// Completion API
	OpenRouterAPIKey string `yaml:"-"`
	AnthropicAPIKey  string `yaml:"-"`
	Model            string `yaml:"model"`
	SiteURL          string `yaml:"site_url"`
	SiteName         string `yaml:"site_name"`

	// Polling
	Repositories  []string      `yaml:"repositories"`
	CheckInterval time.Duration `yaml:"check_interval"`
	DBPath        string        `yaml:"db_path"`

	// Analysis limits
	MaxFiles           int `yaml:"max_files"`            // files analyzed per commit
	MaxFileSize        int `yaml:"max_file_size"`        // chars per file before truncation
	BatchBudget        int `yaml:"batch_budget"`         // chars per analysis batch
	BatchFileThreshold int `yaml:"batch_file_threshold"` // above this many files, split into batches

	Retry RetryConfig `yaml:"-"`
}

// Default returns the configuration defaults, before env or file overrides.
func Default() *Config {
	return &Config{
		GitLabURL:          "https://gitlab.com",
		Model:              "openai/gpt-4o-mini",
		SiteURL:            "https://example.com",
		SiteName:           "revizor",
		CheckInterval:      5 * time.Minute,
		DBPath:             "commits.db",
		MaxFiles:           5,
		MaxFileSize:        10000,
		BatchBudget:        30000,
		BatchFileThreshold: 3,
		Retry:              DefaultRetryConfig(),
	}
}

// Load builds the configuration from defaults, an optional YAML file, and the
// environment. Environment values win over file values. Call Validate before
// using the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func (c *Config) applyEnv() {
	if v := os.Getenv("GITLAB_URL"); v != "" {
		c.GitLabURL = v
	}
	c.GitLabToken = os.Getenv("GITLAB_TOKEN")
	c.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.TelegramChatID = v
	}
	c.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("SITE_URL"); v != "" {
		c.SiteURL = v
	}
	if v := os.Getenv("SITE_NAME"); v != "" {
		c.SiteName = v
	}
	if v := os.Getenv("REPOSITORIES"); v != "" {
		c.Repositories = splitList(v)
	}
	if v := os.Getenv("CHECK_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.CheckInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("BATCH_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BatchBudget = n
		}
	}
	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("RETRY_INITIAL_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Retry.InitialBackoff = d
		}
	}
	if v := os.Getenv("RETRY_MAX_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Retry.MaxBackoff = d
		}
	}
}

// Validate checks that every required setting is present. All missing
// settings are reported in one error so the operator fixes them in one pass.
func (c *Config) Validate() error {
	var missing []string
	if c.GitLabToken == "" {
		missing = append(missing, "GITLAB_TOKEN")
	}
	if c.TelegramToken == "" {
		missing = append(missing, "TELEGRAM_TOKEN")
	}
	if c.TelegramChatID == "" {
		missing = append(missing, "TELEGRAM_CHAT_ID")
	}
	if c.OpenRouterAPIKey == "" && c.AnthropicAPIKey == "" {
		missing = append(missing, "OPENROUTER_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if len(c.Repositories) == 0 {
		return fmt.Errorf("no repositories configured (set REPOSITORIES or list them in the config file)")
	}
	if c.MaxFiles <= 0 {
		return fmt.Errorf("max_files must be positive (got %d)", c.MaxFiles)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be positive (got %d)", c.MaxFileSize)
	}
	if c.BatchBudget <= 0 {
		return fmt.Errorf("batch_budget must be positive (got %d)", c.BatchBudget)
	}
	return nil
}

// HasRepository reports whether the given project path is configured.
func (c *Config) HasRepository(project string) bool {
	for _, r := range c.Repositories {
		if r == project {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
