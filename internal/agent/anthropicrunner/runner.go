// Package anthropicrunner implements workflow.AgentRunner directly against
// the Anthropic Messages API, so the daemon can drive agent steps without
// shelling out to a separate CLI.
package anthropicrunner

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/coven/daemon/internal/workflow"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-sonnet-4-5-20250929"

// DefaultMaxTokens is used when Config.MaxTokens is zero.
const DefaultMaxTokens = 8192

// Config configures a Runner.
type Config struct {
	// APIKey is the Anthropic API key. Required.
	APIKey string

	// Model is the model ID to request (e.g. "claude-sonnet-4-5-20250929").
	// Defaults to DefaultModel.
	Model string

	// MaxTokens caps the response length. Defaults to DefaultMaxTokens.
	MaxTokens int64
}

// Runner drives agent steps through a single Messages API request per step.
// It has no tool-use loop: the spell prompt is expected to ask for the
// structured "```json ...```" output block directly, the same contract
// step_agent.go's parser expects from any agent runner.
type Runner struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Runner from cfg.
func New(cfg Config) (*Runner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropicrunner: API key is required")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	return &Runner{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Run implements workflow.AgentRunner. workDir is included in the prompt as
// context (the model has no direct filesystem access through this runner);
// callers needing the agent to read/write the worktree should use
// execrunner against a CLI agent instead.
func (r *Runner) Run(ctx context.Context, workDir, prompt string) (*workflow.AgentRunResult, error) {
	fullPrompt := prompt
	if workDir != "" {
		fullPrompt = fmt.Sprintf("Working directory: %s\n\n%s", workDir, prompt)
	}

	msg, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: r.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fullPrompt)),
		},
	})
	if err != nil {
		return &workflow.AgentRunResult{ExitCode: -1}, formatAPIError(err)
	}

	var text string
	for i := range msg.Content {
		if block, ok := msg.Content[i].AsAny().(anthropic.TextBlock); ok {
			text += block.Text
		}
	}

	exitCode := 0
	if text == "" {
		exitCode = 1
	}

	return &workflow.AgentRunResult{
		Output:   text,
		ExitCode: exitCode,
	}, nil
}

// formatAPIError maps Anthropic API errors to messages naming the likely
// cause, rather than surfacing a raw HTTP status to the workflow log.
func formatAPIError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401:
			return fmt.Errorf("anthropicrunner: invalid API key: %w", err)
		case 429:
			return fmt.Errorf("anthropicrunner: rate limited: %w", err)
		case 500, 502, 503:
			return fmt.Errorf("anthropicrunner: anthropic API unavailable: %w", err)
		case 529:
			return fmt.Errorf("anthropicrunner: anthropic API overloaded: %w", err)
		default:
			return fmt.Errorf("anthropicrunner: API error (status %d): %w", apiErr.StatusCode, err)
		}
	}
	return fmt.Errorf("anthropicrunner: request failed: %w", err)
}

var _ workflow.AgentRunner = (*Runner)(nil)
