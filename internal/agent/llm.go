package agent

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/atelier-ai/atelier/internal/config"
)

// maxBackoff caps the LLM client's retry backoff. This cap is specific
// to API retries; recovery backoff elsewhere is uncapped.
const maxBackoff = 60 * time.Second

// defaultMaxAttempts bounds retries on transient API failures.
const defaultMaxAttempts = 5

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Client wraps the Anthropic SDK client for agent completions.
type Client struct {
	inner       anthropic.Client
	model       anthropic.Model
	maxAttempts int
}

// NewClient creates an LLM client from configuration, using either an
// API key or AWS Bedrock credentials.
func NewClient(cfg config.AnthropicConfig) (*Client, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	inner := anthropic.NewClient(opts...)

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	return &Client{
		inner:       inner,
		model:       model,
		maxAttempts: defaultMaxAttempts,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() anthropic.Model {
	return c.model
}

// Complete makes a single completion call and returns the text content
// with token usage. Transient failures are retried with exponential
// backoff capped at maxBackoff.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, Usage, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Second << (attempt - 1)
			if delay > maxBackoff {
				delay = maxBackoff
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", Usage{}, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     c.model,
			MaxTokens: 8192,
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			lastErr = err
			continue
		}

		usage := Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}

		var text string
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}

		return text, usage, nil
	}

	return "", Usage{}, fmt.Errorf("API call failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// translateModelForBedrock converts standard Anthropic model names to
// Bedrock cross-region inference profile format.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:  "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}

	return model
}
