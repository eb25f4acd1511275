package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/agentdev/ads/internal/common/errkind"
)

// agentTool forwards a one-shot prompt to another registered agent. Payload
// is the prompt text or {"agent": ..., "prompt": ...}.
type agentTool struct{}

func (t *agentTool) Name() string   { return "agent" }
func (t *agentTool) Parallel() bool { return false }

type agentPayload struct {
	Agent  string `json:"agent"`
	Prompt string `json:"prompt"`
}

func (t *agentTool) Execute(ctx context.Context, payload string, tc *Context) (string, error) {
	if tc.InvokeAgent == nil {
		return "", errkind.Config("agent invocation not available in this context")
	}

	var p agentPayload
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
			return "", errkind.Input("invalid agent payload: %v", err)
		}
	} else {
		p.Prompt = trimmed
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return "", errkind.Input("empty agent prompt")
	}
	return tc.InvokeAgent(ctx, p.Agent, p.Prompt)
}
