package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana/core"
)

// Interface compliance (compile-time assertion).
var _ core.Agent = (*FuncAgent)(nil)

func TestPrompt(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"object form", `{"prompt":"research go"}`, "research go"},
		{"bare string", `"hello"`, "hello"},
		{"raw text", `plain text`, "plain text"},
		{"empty", ``, ""},
		{"object without prompt", `{"topic":"go"}`, `{"topic":"go"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := core.NewTaskContext("s-1", "r-1", "a", json.RawMessage(tt.input), nil, nil, nil)
			assert.Equal(t, tt.want, Prompt(tc))
		})
	}
}

func TestFuncAgent(t *testing.T) {
	a := NewFunc("doubler", func(ctx context.Context, tc *core.TaskContext) (any, error) {
		return Prompt(tc) + Prompt(tc), nil
	})
	assert.Equal(t, "doubler", a.Name())

	tc := core.NewTaskContext("s-1", "r-1", "doubler", json.RawMessage(`"ab"`), nil, nil, nil)
	res, err := a.Run(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "abab", res)
}
