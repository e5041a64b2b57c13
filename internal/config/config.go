// Package config handles configuration loading and management for
// Atelier. It supports XDG config paths, project-level overrides, and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestration core.
type Config struct {
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Budget       BudgetConfig       `mapstructure:"budget"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Checkpoints  CheckpointsConfig  `mapstructure:"checkpoints"`
	Deviation    DeviationConfig    `mapstructure:"deviation"`
	Cache        CacheConfig        `mapstructure:"cache"`
}

// AnthropicConfig holds LLM provider settings.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. ${VAR} references are expanded.
	APIKey string `mapstructure:"api_key"`
	// Model is the default model identifier.
	Model string `mapstructure:"model"`
	// UseAWSBedrock routes requests through AWS Bedrock instead of the
	// Anthropic API.
	UseAWSBedrock bool `mapstructure:"use_aws_bedrock"`
	// AWSRegion is the Bedrock region.
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the AWS credentials profile for Bedrock.
	AWSProfile string `mapstructure:"aws_profile"`
}

// BudgetConfig holds budget limits and alerting.
type BudgetConfig struct {
	// MaxTokensPerWorkflow is the per-workflow token limit.
	MaxTokensPerWorkflow int64 `mapstructure:"max_tokens_per_workflow"`
	// MaxWorkflowBudgetUSD is the per-workflow cost limit.
	MaxWorkflowBudgetUSD float64 `mapstructure:"max_workflow_budget_usd"`
	// MaxMonthlyBudgetUSD is the global calendar-month cost limit.
	MaxMonthlyBudgetUSD float64 `mapstructure:"max_monthly_budget_usd"`
	// AlertThresholdPct fires a budget alert when projected usage
	// reaches this percentage of a limit.
	AlertThresholdPct float64 `mapstructure:"alert_threshold_pct"`
}

// OrchestratorConfig holds execution limits.
type OrchestratorConfig struct {
	// MaxIterations is the hard stop on controller steps per workflow.
	MaxIterations int `mapstructure:"max_iterations"`
	// MaxRoutingIterations is the rejection count at which the
	// deviation handler escalates to a human.
	MaxRoutingIterations int `mapstructure:"max_routing_iterations"`
	// ApprovalTimeout bounds how long an escalation waits for a human
	// decision. Enforcement is external to the core.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
}

// CheckpointsConfig holds checkpoint store settings.
type CheckpointsConfig struct {
	// DBPath is the SQLite database path.
	DBPath string `mapstructure:"db_path"`
	// RetentionHours is how long checkpoints are kept before cleanup.
	RetentionHours int `mapstructure:"retention_hours"`
	// MaxPerWorkflow is the default listing limit per workflow.
	MaxPerWorkflow int `mapstructure:"max_per_workflow"`
}

// DeviationConfig holds deviation handler settings.
type DeviationConfig struct {
	// MaxLogEntries is the entry count at which the deviation log is
	// archived and restarted.
	MaxLogEntries int `mapstructure:"max_log_entries"`
	// LogPath is the markdown deviation log file.
	LogPath string `mapstructure:"log_path"`
	// RouteTablePath optionally overrides the built-in agent to tier
	// node mapping with a YAML file.
	RouteTablePath string `mapstructure:"route_table_path"`
}

// CacheConfig holds the shared budget cache settings.
type CacheConfig struct {
	// NATSURL is the NATS server URL; empty disables the shared cache.
	NATSURL string `mapstructure:"nats_url"`
	// Bucket is the JetStream key-value bucket name.
	Bucket string `mapstructure:"bucket"`
	// TTL is the per-key expiry for budget entries.
	TTL time.Duration `mapstructure:"ttl"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, ATELIER_NATS_URL)
// 2. Project config (.atelier.yaml in current directory or parent)
// 3. User config (~/.config/atelier/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("cache.nats_url", "ATELIER_NATS_URL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that limits are sane.
func (c *Config) Validate() error {
	if c.Budget.MaxTokensPerWorkflow <= 0 {
		return fmt.Errorf("budget.max_tokens_per_workflow must be positive, got %d", c.Budget.MaxTokensPerWorkflow)
	}
	if c.Budget.MaxWorkflowBudgetUSD <= 0 {
		return fmt.Errorf("budget.max_workflow_budget_usd must be positive, got %v", c.Budget.MaxWorkflowBudgetUSD)
	}
	if c.Budget.AlertThresholdPct <= 0 || c.Budget.AlertThresholdPct > 100 {
		return fmt.Errorf("budget.alert_threshold_pct must be in (0, 100], got %v", c.Budget.AlertThresholdPct)
	}
	if c.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be positive, got %d", c.Orchestrator.MaxIterations)
	}
	if c.Orchestrator.MaxRoutingIterations <= 0 {
		return fmt.Errorf("orchestrator.max_routing_iterations must be positive, got %d", c.Orchestrator.MaxRoutingIterations)
	}
	if c.Checkpoints.RetentionHours <= 0 {
		return fmt.Errorf("checkpoints.retention_hours must be positive, got %d", c.Checkpoints.RetentionHours)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.use_aws_bedrock", false)
	v.SetDefault("anthropic.aws_region", "us-east-1")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("budget.max_tokens_per_workflow", 500000)
	v.SetDefault("budget.max_workflow_budget_usd", 20.0)
	v.SetDefault("budget.max_monthly_budget_usd", 20.0)
	v.SetDefault("budget.alert_threshold_pct", 75.0)

	v.SetDefault("orchestrator.max_iterations", 50)
	v.SetDefault("orchestrator.max_routing_iterations", 3)
	v.SetDefault("orchestrator.approval_timeout", "1h")

	v.SetDefault("checkpoints.db_path", filepath.Join(getUserDataDir(), "checkpoints.db"))
	v.SetDefault("checkpoints.retention_hours", 48)
	v.SetDefault("checkpoints.max_per_workflow", 10)

	v.SetDefault("deviation.max_log_entries", 100)
	v.SetDefault("deviation.log_path", filepath.Join(getUserDataDir(), "deviations.md"))
	v.SetDefault("deviation.route_table_path", "")

	v.SetDefault("cache.nats_url", "")
	v.SetDefault("cache.bucket", "workflow-budget")
	v.SetDefault("cache.ttl", "24h")
}

// getUserConfigDir returns the XDG config directory for Atelier.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "atelier")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "atelier")
	}
	return filepath.Join(home, ".config", "atelier")
}

// getUserDataDir returns the XDG data directory for Atelier.
func getUserDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "atelier")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "atelier")
	}
	return filepath.Join(home, ".local", "share", "atelier")
}

// findProjectConfig searches for .atelier.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".atelier.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			AWSRegion: "us-east-1",
		},
		Budget: BudgetConfig{
			MaxTokensPerWorkflow: 500000,
			MaxWorkflowBudgetUSD: 20.0,
			MaxMonthlyBudgetUSD:  20.0,
			AlertThresholdPct:    75.0,
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:        50,
			MaxRoutingIterations: 3,
			ApprovalTimeout:      time.Hour,
		},
		Checkpoints: CheckpointsConfig{
			DBPath:         filepath.Join(getUserDataDir(), "checkpoints.db"),
			RetentionHours: 48,
			MaxPerWorkflow: 10,
		},
		Deviation: DeviationConfig{
			MaxLogEntries: 100,
			LogPath:       filepath.Join(getUserDataDir(), "deviations.md"),
		},
		Cache: CacheConfig{
			Bucket: "workflow-budget",
			TTL:    24 * time.Hour,
		},
	}
}
