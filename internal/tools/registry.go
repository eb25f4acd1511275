package tools

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
)

// parallelBatchLimit caps how many read-only tools run concurrently inside
// one batch.
const parallelBatchLimit = 6

// Context carries the per-invocation environment handlers execute under.
type Context struct {
	// Cwd is the workspace root the tools operate in (absolute).
	Cwd string
	// ExtraAllowedDirs lists additional roots writes and reads may touch.
	ExtraAllowedDirs []string
	// InvokeAgent is set when the caller supports the agent tool.
	InvokeAgent func(ctx context.Context, agentID, prompt string) (string, error)

	Tools  config.ToolsConfig
	Search config.SearchConfig
	// VSearch is set when vector auto-context is enabled.
	VSearch func(ctx context.Context, query string) (string, error)

	Logger *logger.Logger
}

// AllowedDirs returns every directory tools may touch, cwd first.
func (c *Context) AllowedDirs() []string {
	return append([]string{c.Cwd}, c.ExtraAllowedDirs...)
}

// Handler executes one tool. Execute errors are tool failures; they are
// rendered back to the agent as feedback and never abort the turn. Only a
// cancelled context aborts.
type Handler interface {
	Name() string
	// Parallel reports whether consecutive invocations of this handler may
	// run concurrently with other parallel handlers.
	Parallel() bool
	Execute(ctx context.Context, payload string, tc *Context) (string, error)
}

// Result pairs a block with its handler outcome, in source order.
type Result struct {
	Block  Block
	Output string
	Err    error
}

// Rendered returns the text spliced into the agent transcript for this
// result.
func (r Result) Rendered() string {
	if r.Err != nil {
		return fmt.Sprintf("⚠️ tool %s failed: %v", r.Block.Name, r.Err)
	}
	return r.Output
}

// Registry maps tool names to handlers and executes block sequences.
type Registry struct {
	handlers map[string]Handler
	logger   *logger.Logger
}

// NewRegistry creates a registry with the full built-in tool set.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		logger:   log,
	}
	for _, h := range []Handler{
		&searchTool{},
		&vsearchTool{},
		&agentTool{},
		&execTool{},
		&readTool{},
		&writeTool{},
		&applyPatchTool{},
		&grepTool{},
		&findTool{},
	} {
		r.Register(h)
	}
	return r
}

// Register adds or replaces a handler.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Name()] = h
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// Execute runs the given blocks. Consecutive blocks whose handlers are
// parallel-safe execute concurrently (capped); everything else runs
// sequentially. Results come back in source order regardless of scheduling.
// The only error returned is a cancelled context.
func (r *Registry) Execute(ctx context.Context, blocks []Block, tc *Context) ([]Result, error) {
	results := make([]Result, len(blocks))

	i := 0
	for i < len(blocks) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if r.isParallel(blocks[i].Name) {
			j := i
			for j < len(blocks) && r.isParallel(blocks[j].Name) {
				j++
			}
			if err := r.executeBatch(ctx, blocks[i:j], results[i:j], tc); err != nil {
				return nil, err
			}
			i = j
			continue
		}

		results[i] = r.executeOne(ctx, blocks[i], tc)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		i++
	}
	return results, nil
}

// ExecuteSingle runs one named tool directly, outside any block sequence.
// Slash commands use this path.
func (r *Registry) ExecuteSingle(ctx context.Context, name, payload string, tc *Context) (string, error) {
	h, ok := r.handlers[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return h.Execute(ctx, payload, tc)
}

func (r *Registry) isParallel(name string) bool {
	h, ok := r.handlers[name]
	return ok && h.Parallel()
}

func (r *Registry) executeBatch(ctx context.Context, blocks []Block, results []Result, tc *Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelBatchLimit)

	var mu sync.Mutex
	for idx := range blocks {
		idx := idx
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := r.executeOne(gctx, blocks[idx], tc)
			mu.Lock()
			results[idx] = res
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) executeOne(ctx context.Context, blk Block, tc *Context) Result {
	h, ok := r.handlers[blk.Name]
	if !ok {
		return Result{Block: blk, Err: fmt.Errorf("unknown tool %q", blk.Name)}
	}
	out, err := h.Execute(ctx, blk.Payload, tc)
	if err != nil && r.logger != nil {
		r.logger.Debug("tool failed: " + blk.Name + ": " + err.Error())
	}
	return Result{Block: blk, Output: out, Err: err}
}

// RenderResults returns the replacement strings for ReplaceBlocks.
func RenderResults(results []Result) []string {
	out := make([]string, len(results))
	for i, res := range results {
		out[i] = res.Rendered()
	}
	return out
}
