package tools

import (
	"context"
	"strings"

	"github.com/agentdev/ads/internal/common/errkind"
)

// vsearchTool queries the workspace vector index. Payload is the query text.
type vsearchTool struct{}

func (t *vsearchTool) Name() string   { return "vsearch" }
func (t *vsearchTool) Parallel() bool { return true }

func (t *vsearchTool) Execute(ctx context.Context, payload string, tc *Context) (string, error) {
	if tc.VSearch == nil {
		return "(vector search disabled)", nil
	}
	query := strings.TrimSpace(payload)
	if query == "" {
		return "", errkind.Input("empty vsearch query")
	}
	return tc.VSearch(ctx, query)
}
