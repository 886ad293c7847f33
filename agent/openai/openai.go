// Package openai provides an agent backed by the OpenAI Chat Completions API.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/NickB03/vana/agent"
	"github.com/NickB03/vana/core"
)

// Options configure the OpenAI agent. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal; extend via functional
// options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	System              string
}

// Agent runs one Chat Completions call per task attempt and returns the
// first choice's message content.
type Agent struct {
	name   string
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI agent using the official client.
func New(name string, optFns ...func(o *Options)) *Agent {
	client := openai.NewClient()
	return NewFromClient(name, &client, optFns...)
}

// NewFromClient creates a new OpenAI agent from an existing client.
func NewFromClient(name string, client *openai.Client, optFns ...func(o *Options)) *Agent {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
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

	var messages []openai.ChatCompletionMessageParamUnion
	if a.opts.System != "" {
		messages = append(messages, openai.SystemMessage(a.opts.System))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:               a.opts.Model,
		Messages:            messages,
		Temperature:         openai.Float(a.opts.Temperature),
		MaxCompletionTokens: openai.Int(a.opts.MaxCompletionTokens),
	}

	_ = tc.Progress(fmt.Sprintf("calling %s", a.opts.Model))

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, core.NewAgentError(core.CodeAgentFailure, "agent %s: empty completion", a.name)
	}
	_ = tc.Progress("model call completed")
	return resp.Choices[0].Message.Content, nil
}
