package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Atelier configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/atelier/config.yaml
Project-specific overrides can be placed in .atelier.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("anthropic.api_key: %s\n", config.MaskAPIKey(cfg.Anthropic.APIKey))
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_aws_bedrock: %t\n", cfg.Anthropic.UseAWSBedrock)
	fmt.Printf("budget.max_tokens_per_workflow: %d\n", cfg.Budget.MaxTokensPerWorkflow)
	fmt.Printf("budget.max_workflow_budget_usd: %.2f\n", cfg.Budget.MaxWorkflowBudgetUSD)
	fmt.Printf("budget.max_monthly_budget_usd: %.2f\n", cfg.Budget.MaxMonthlyBudgetUSD)
	fmt.Printf("budget.alert_threshold_pct: %.1f\n", cfg.Budget.AlertThresholdPct)
	fmt.Printf("orchestrator.max_iterations: %d\n", cfg.Orchestrator.MaxIterations)
	fmt.Printf("orchestrator.max_routing_iterations: %d\n", cfg.Orchestrator.MaxRoutingIterations)
	fmt.Printf("orchestrator.approval_timeout: %s\n", cfg.Orchestrator.ApprovalTimeout)
	fmt.Printf("checkpoints.db_path: %s\n", cfg.Checkpoints.DBPath)
	fmt.Printf("checkpoints.retention_hours: %d\n", cfg.Checkpoints.RetentionHours)
	fmt.Printf("deviation.log_path: %s\n", cfg.Deviation.LogPath)
	fmt.Printf("deviation.max_log_entries: %d\n", cfg.Deviation.MaxLogEntries)
	fmt.Printf("cache.nats_url: %s\n", cfg.Cache.NATSURL)
	fmt.Printf("cache.bucket: %s\n", cfg.Cache.Bucket)
	fmt.Printf("cache.ttl: %s\n", cfg.Cache.TTL)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_aws_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseAWSBedrock), nil
	case "budget.max_tokens_per_workflow":
		return strconv.FormatInt(cfg.Budget.MaxTokensPerWorkflow, 10), nil
	case "budget.max_workflow_budget_usd":
		return strconv.FormatFloat(cfg.Budget.MaxWorkflowBudgetUSD, 'f', 2, 64), nil
	case "budget.max_monthly_budget_usd":
		return strconv.FormatFloat(cfg.Budget.MaxMonthlyBudgetUSD, 'f', 2, 64), nil
	case "budget.alert_threshold_pct":
		return strconv.FormatFloat(cfg.Budget.AlertThresholdPct, 'f', 1, 64), nil
	case "orchestrator.max_iterations":
		return strconv.Itoa(cfg.Orchestrator.MaxIterations), nil
	case "orchestrator.max_routing_iterations":
		return strconv.Itoa(cfg.Orchestrator.MaxRoutingIterations), nil
	case "orchestrator.approval_timeout":
		return cfg.Orchestrator.ApprovalTimeout.String(), nil
	case "checkpoints.db_path":
		return cfg.Checkpoints.DBPath, nil
	case "checkpoints.retention_hours":
		return strconv.Itoa(cfg.Checkpoints.RetentionHours), nil
	case "deviation.log_path":
		return cfg.Deviation.LogPath, nil
	case "deviation.max_log_entries":
		return strconv.Itoa(cfg.Deviation.MaxLogEntries), nil
	case "cache.nats_url":
		return cfg.Cache.NATSURL, nil
	case "cache.bucket":
		return cfg.Cache.Bucket, nil
	case "cache.ttl":
		return cfg.Cache.TTL.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_aws_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_aws_bedrock: %w", err)
		}
		cfg.Anthropic.UseAWSBedrock = b
	case "budget.max_tokens_per_workflow":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value for max_tokens_per_workflow: %w", err)
		}
		cfg.Budget.MaxTokensPerWorkflow = n
	case "budget.max_workflow_budget_usd":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for max_workflow_budget_usd: %w", err)
		}
		cfg.Budget.MaxWorkflowBudgetUSD = f
	case "budget.max_monthly_budget_usd":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for max_monthly_budget_usd: %w", err)
		}
		cfg.Budget.MaxMonthlyBudgetUSD = f
	case "budget.alert_threshold_pct":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for alert_threshold_pct: %w", err)
		}
		cfg.Budget.AlertThresholdPct = f
	case "orchestrator.max_iterations":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_iterations: %w", err)
		}
		cfg.Orchestrator.MaxIterations = n
	case "orchestrator.max_routing_iterations":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_routing_iterations: %w", err)
		}
		cfg.Orchestrator.MaxRoutingIterations = n
	case "orchestrator.approval_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for approval_timeout: %w", err)
		}
		cfg.Orchestrator.ApprovalTimeout = d
	case "checkpoints.db_path":
		cfg.Checkpoints.DBPath = value
	case "checkpoints.retention_hours":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for retention_hours: %w", err)
		}
		cfg.Checkpoints.RetentionHours = n
	case "deviation.log_path":
		cfg.Deviation.LogPath = value
	case "deviation.max_log_entries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_log_entries: %w", err)
		}
		cfg.Deviation.MaxLogEntries = n
	case "cache.nats_url":
		cfg.Cache.NATSURL = value
	case "cache.bucket":
		cfg.Cache.Bucket = value
	case "cache.ttl":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for cache.ttl: %w", err)
		}
		cfg.Cache.TTL = d
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
