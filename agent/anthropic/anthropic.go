// Package anthropic provides an agent backed by the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/NickB03/vana/agent"
	"github.com/NickB03/vana/core"
)

// Options configures the Anthropic agent (model id, temperature, max tokens,
// API key, system prompt). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	System      string
}

// Agent runs one Messages API call per task attempt and returns the
// concatenated text blocks of the response.
type Agent struct {
	name   string
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic agent using the official client.
func New(name string, optFns ...func(o *Options)) *Agent {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Agent{name: name, client: &client, opts: opts}
}

// NewFromClient creates a new Anthropic agent from an existing client.
func NewFromClient(name string, client *anthropic.Client, optFns ...func(o *Options)) *Agent {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Agent{name: name, client: client, opts: opts}
}

// Name returns the agent's registered name.
func (a *Agent) Name() string { return a.name }

// Run executes a single non-streaming model call. Progress is reported on the
// session event stream before and after the call.
func (a *Agent) Run(ctx context.Context, tc *core.TaskContext) (any, error) {
	prompt := agent.Prompt(tc)
	if prompt == "" {
		return nil, core.NewAgentError(core.CodeAgentFailure, "agent %s: empty prompt", a.name)
	}

	params := anthropic.MessageNewParams{
		Model:       a.opts.Model,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: anthropic.Float(a.opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if a.opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.opts.System}}
	}

	_ = tc.Progress(fmt.Sprintf("calling %s", a.opts.Model))

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	_ = tc.Progress("model call completed")
	return sb.String(), nil
}
