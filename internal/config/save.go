package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Save writes the configuration to the user config file. The file is
// written 0600 because it may carry an API key.
func Save(cfg *Config) error {
	out := map[string]any{
		"anthropic": map[string]any{
			"api_key":         cfg.Anthropic.APIKey,
			"model":           cfg.Anthropic.Model,
			"use_aws_bedrock": cfg.Anthropic.UseAWSBedrock,
			"aws_region":      cfg.Anthropic.AWSRegion,
			"aws_profile":     cfg.Anthropic.AWSProfile,
		},
		"budget": map[string]any{
			"max_tokens_per_workflow": cfg.Budget.MaxTokensPerWorkflow,
			"max_workflow_budget_usd": cfg.Budget.MaxWorkflowBudgetUSD,
			"max_monthly_budget_usd":  cfg.Budget.MaxMonthlyBudgetUSD,
			"alert_threshold_pct":     cfg.Budget.AlertThresholdPct,
		},
		"orchestrator": map[string]any{
			"max_iterations":         cfg.Orchestrator.MaxIterations,
			"max_routing_iterations": cfg.Orchestrator.MaxRoutingIterations,
			"approval_timeout":       cfg.Orchestrator.ApprovalTimeout.String(),
		},
		"checkpoints": map[string]any{
			"db_path":          cfg.Checkpoints.DBPath,
			"retention_hours":  cfg.Checkpoints.RetentionHours,
			"max_per_workflow": cfg.Checkpoints.MaxPerWorkflow,
		},
		"deviation": map[string]any{
			"max_log_entries":  cfg.Deviation.MaxLogEntries,
			"log_path":         cfg.Deviation.LogPath,
			"route_table_path": cfg.Deviation.RouteTablePath,
		},
		"cache": map[string]any{
			"nats_url": cfg.Cache.NATSURL,
			"bucket":   cfg.Cache.Bucket,
			"ttl":      cfg.Cache.TTL.String(),
		},
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}

	path := GetUserConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
