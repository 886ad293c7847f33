// Package agent provides ready-made core.Agent implementations: FuncAgent
// for wrapping plain functions, and model-backed agents in the anthropic and
// openai subpackages.
package agent

import (
	"context"

	"github.com/NickB03/vana/core"
)

// FuncAgent adapts a function into a core.Agent. Useful for glue stages and
// in tests where a full model-backed agent is overkill.
type FuncAgent struct {
	name string
	fn   func(ctx context.Context, tc *core.TaskContext) (any, error)
}

// NewFunc wraps fn as a named agent.
func NewFunc(name string, fn func(ctx context.Context, tc *core.TaskContext) (any, error)) *FuncAgent {
	return &FuncAgent{name: name, fn: fn}
}

// Name returns the agent's registered name.
func (a *FuncAgent) Name() string { return a.name }

// Run invokes the wrapped function.
func (a *FuncAgent) Run(ctx context.Context, tc *core.TaskContext) (any, error) {
	return a.fn(ctx, tc)
}
