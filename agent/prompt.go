package agent

import (
	"encoding/json"

	"github.com/NickB03/vana/core"
)

// Prompt extracts the text prompt for a model call from the task input.
// Accepts {"prompt": "..."} objects, bare JSON strings, or raw text.
func Prompt(tc *core.TaskContext) string {
	if len(tc.Input) == 0 {
		return ""
	}
	var obj struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(tc.Input, &obj); err == nil && obj.Prompt != "" {
		return obj.Prompt
	}
	var s string
	if err := json.Unmarshal(tc.Input, &s); err == nil {
		return s
	}
	return string(tc.Input)
}
