// Package hub runs collaborative turns: the tool loop on the active agent,
// delegation rounds against supporting agents, and supervisor reconciliation.
package hub

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/agent/orchestrator"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/prompts"
	"github.com/agentdev/ads/internal/tools"
)

// feedbackResultCap bounds how much of one tool result is echoed back into
// the feedback prompt.
const feedbackResultCap = 16 * 1024

// Delegation records one dispatched <<<agent.ID>>> directive and its outcome.
type Delegation struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Prompt    string `json:"prompt"`
	Response  string `json:"response"`
	Error     string `json:"error,omitempty"`
}

// ActivityEntry is one compacted line of tool or adapter activity, kept for
// UI display after the turn.
type ActivityEntry struct {
	Kind    string    `json:"kind"` // tool, delegation, agent
	AgentID string    `json:"agentId,omitempty"`
	Title   string    `json:"title"`
	Detail  string    `json:"detail,omitempty"`
	Ts      time.Time `json:"ts"`
}

// Hooks lets callers observe turn internals as they happen.
type Hooks struct {
	OnToolResults func(agentID string, results []tools.Result)
	OnDelegation  func(d Delegation)
}

// Options tunes one collaborative turn. Zero values fall back to the hub's
// configured defaults.
type Options struct {
	MaxSupervisorRounds   int
	MaxDelegations        int
	MaxToolRounds         int
	DelegationConcurrency int

	ToolContext  *tools.Context
	OutputSchema json.RawMessage
	Hooks        Hooks
}

// TurnResult is the outcome of one collaborative turn.
type TurnResult struct {
	Response         string
	Usage            agent.Usage
	Delegations      []Delegation
	SupervisorRounds int
	Explored         []ActivityEntry
}

// Hub orchestrates collaborative turns over an orchestrator and a tool
// registry.
type Hub struct {
	orch     *orchestrator.Orchestrator
	registry *tools.Registry
	defaults config.AgentsConfig
	logger   *logger.Logger
}

// New creates a hub. defaults supplies the turn bounds used when Options
// leaves them zero.
func New(orch *orchestrator.Orchestrator, registry *tools.Registry, defaults config.AgentsConfig, log *logger.Logger) *Hub {
	return &Hub{orch: orch, registry: registry, defaults: defaults, logger: log}
}

// turnState accumulates across the phases of one turn.
type turnState struct {
	opts Options

	mu       sync.Mutex
	usage    agent.Usage
	explored []ActivityEntry
}

func (s *turnState) addUsage(u *agent.Usage) {
	if u == nil {
		return
	}
	s.mu.Lock()
	s.usage.InputTokens += u.InputTokens
	s.usage.OutputTokens += u.OutputTokens
	s.mu.Unlock()
}

func (s *turnState) addActivity(e ActivityEntry) {
	e.Ts = time.Now()
	s.mu.Lock()
	s.explored = append(s.explored, e)
	s.mu.Unlock()
}

// RunTurn executes one collaborative turn with input as the user prompt.
// Cancellation propagates the context error; partial tool results are not
// surfaced.
func (h *Hub) RunTurn(ctx context.Context, input string, opts Options) (*TurnResult, error) {
	h.applyDefaults(&opts)
	st := &turnState{opts: opts}

	supervisorID := h.orch.ActiveAgentID()
	prompt := h.buildInitialPrompt(supervisorID, input)

	response, err := h.toolLoop(ctx, supervisorID, prompt, st)
	if err != nil {
		return nil, err
	}

	var (
		delegations []Delegation
		rounds      int
		seen        = make(map[string]bool)
	)

	for rounds < opts.MaxSupervisorRounds {
		directives := h.delegationDirectives(response, supervisorID, seen, opts.MaxDelegations-len(delegations))
		if len(directives) == 0 {
			break
		}
		rounds++

		batch, err := h.runDelegationBatch(ctx, directives, st, seen, opts.MaxDelegations-len(delegations))
		if err != nil {
			return nil, err
		}
		delegations = append(delegations, batch...)

		canDelegate := rounds < opts.MaxSupervisorRounds && len(delegations) < opts.MaxDelegations
		recon := prompts.Reconciliation(reconEntries(batch), canDelegate)
		response, err = h.toolLoop(ctx, supervisorID, recon, st)
		if err != nil {
			return nil, err
		}
	}

	final := tools.StripBlocks(response, tools.ExtractAgentBlocks(response))
	return &TurnResult{
		Response:         final,
		Usage:            st.usage,
		Delegations:      delegations,
		SupervisorRounds: rounds,
		Explored:         st.explored,
	}, nil
}

func (h *Hub) applyDefaults(opts *Options) {
	if opts.MaxSupervisorRounds <= 0 {
		opts.MaxSupervisorRounds = h.defaults.MaxSupervisorRounds
	}
	if opts.MaxDelegations <= 0 {
		opts.MaxDelegations = h.defaults.MaxDelegations
	}
	if opts.MaxToolRounds == 0 {
		opts.MaxToolRounds = h.defaults.MaxToolRounds
	}
	if opts.DelegationConcurrency <= 0 {
		opts.DelegationConcurrency = h.defaults.DelegationConcurrency
	}
	if opts.DelegationConcurrency <= 0 {
		opts.DelegationConcurrency = 3
	}
	if opts.ToolContext == nil {
		opts.ToolContext = &tools.Context{}
	}
}

func (h *Hub) buildInitialPrompt(supervisorID, input string) string {
	var parts []string
	if guide := prompts.ToolGuide(sortedNames(h.registry.Names())); guide != "" {
		parts = append(parts, guide)
	}
	if guide := prompts.DelegationGuide(h.delegateRoster(supervisorID)); guide != "" {
		parts = append(parts, guide)
	}
	parts = append(parts, input)
	return strings.Join(parts, "\n\n")
}

// delegateRoster lists every agent except the supervisor.
func (h *Hub) delegateRoster(supervisorID string) []agent.Metadata {
	var out []agent.Metadata
	for _, md := range h.orch.ListAgents() {
		if md.ID != supervisorID {
			out = append(out, md)
		}
	}
	return out
}

// toolLoop runs Phase 1 against agentID: invoke, execute tool blocks, feed
// results back, repeat until the response carries no tool blocks or the
// round bound is hit.
func (h *Hub) toolLoop(ctx context.Context, agentID, prompt string, st *turnState) (string, error) {
	adapter, ok := h.orch.Adapter(agentID)
	if !ok {
		return "", &UnknownAgentError{AgentID: agentID}
	}
	caps := adapter.Metadata().Capabilities

	sendOpts := agent.SendOptions{}
	if caps.StructuredOutput {
		sendOpts.OutputSchema = st.opts.OutputSchema
	}

	round := 0
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		res, err := h.orch.InvokeAgent(ctx, agentID, agent.TextInput(prompt), sendOpts)
		if err != nil {
			return "", err
		}
		st.addUsage(res.Usage)
		st.addActivity(ActivityEntry{Kind: "agent", AgentID: agentID, Title: "response", Detail: firstLine(res.Response)})

		blocks := tools.ExtractToolBlocks(res.Response)
		if len(blocks) == 0 {
			return res.Response, nil
		}

		round++
		if st.opts.MaxToolRounds > 0 && round > st.opts.MaxToolRounds {
			h.logger.WithAgentID(agentID).Warn("tool round limit reached, stripping remaining blocks")
			stripped := tools.StripBlocks(res.Response, blocks)
			return strings.TrimSpace(stripped + "\n\n" + prompts.ToolRoundsExceeded()), nil
		}

		results, err := h.registry.Execute(ctx, blocks, st.opts.ToolContext)
		if err != nil {
			return "", err
		}
		if st.opts.Hooks.OnToolResults != nil {
			st.opts.Hooks.OnToolResults(agentID, results)
		}
		for _, r := range results {
			st.addActivity(ActivityEntry{Kind: "tool", AgentID: agentID, Title: r.Block.Name, Detail: firstLine(r.Rendered())})
		}

		prior := ""
		if !caps.Stateful {
			prior = tools.StripBlocks(res.Response, blocks)
		}
		prompt = prompts.Feedback(feedbackResults(results), prior)
	}
}

// directive is one pending delegation.
type directive struct {
	agentID string
	prompt  string
}

// delegationDirectives extracts new delegation directives from response,
// skipping the supervisor itself, duplicates seen earlier in the turn, and
// anything past the remaining budget.
func (h *Hub) delegationDirectives(response, supervisorID string, seen map[string]bool, budget int) []directive {
	var out []directive
	for _, blk := range tools.ExtractAgentBlocks(response) {
		if budget <= 0 {
			break
		}
		if blk.Name == supervisorID {
			continue
		}
		sig := blk.Name + "\x00" + blk.Payload
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, directive{agentID: blk.Name, prompt: blk.Payload})
		budget--
	}
	return out
}

// runDelegationBatch drains a directive queue: directives for the same agent
// run one at a time, different agents run concurrently. Workers may emit
// further delegation blocks, which join the queue until it drains or the
// budget runs out.
func (h *Hub) runDelegationBatch(ctx context.Context, queue []directive, st *turnState, seen map[string]bool, budget int) ([]Delegation, error) {
	var out []Delegation

	for len(queue) > 0 {
		byAgent := make(map[string][]directive)
		var order []string
		for _, d := range queue {
			if _, ok := byAgent[d.agentID]; !ok {
				order = append(order, d.agentID)
			}
			byAgent[d.agentID] = append(byAgent[d.agentID], d)
		}

		var (
			mu      sync.Mutex
			results []Delegation
			followC []directive
		)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(st.opts.DelegationConcurrency)
		for _, id := range order {
			id := id
			work := byAgent[id]
			g.Go(func() error {
				for _, d := range work {
					if err := gctx.Err(); err != nil {
						return err
					}
					del, follow := h.runDelegation(gctx, d, st, seen)
					if gctx.Err() != nil {
						return gctx.Err()
					}
					mu.Lock()
					results = append(results, del)
					followC = append(followC, follow...)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// Keep a stable report order even though agents ran concurrently.
		sort.SliceStable(results, func(i, j int) bool { return results[i].AgentID < results[j].AgentID })
		out = append(out, results...)

		budget -= len(results)
		if budget <= 0 {
			break
		}
		if len(followC) > budget {
			followC = followC[:budget]
		}
		queue = followC
	}
	return out, nil
}

// runDelegation executes one directive with a full tool loop and returns the
// outcome plus any follow-up directives the delegate emitted.
func (h *Hub) runDelegation(ctx context.Context, d directive, st *turnState, seen map[string]bool) (Delegation, []directive) {
	del := Delegation{AgentID: d.agentID, Prompt: d.prompt}
	if md, ok := h.orch.Adapter(d.agentID); ok {
		del.AgentName = md.Metadata().Name
	}

	if !h.orch.HasAgent(d.agentID) {
		del.Error = "unknown agent"
		h.notifyDelegation(st, del)
		return del, nil
	}

	response, err := h.toolLoop(ctx, d.agentID, d.prompt, st)
	if err != nil {
		if ctx.Err() != nil {
			del.Error = ctx.Err().Error()
			return del, nil
		}
		del.Error = err.Error()
		h.notifyDelegation(st, del)
		return del, nil
	}

	var follow []directive
	for _, blk := range tools.ExtractAgentBlocks(response) {
		if blk.Name == d.agentID {
			continue
		}
		sig := blk.Name + "\x00" + blk.Payload
		if seen[sig] {
			continue
		}
		seen[sig] = true
		follow = append(follow, directive{agentID: blk.Name, prompt: blk.Payload})
	}

	del.Response = tools.StripBlocks(response, tools.ExtractAgentBlocks(response))
	h.notifyDelegation(st, del)
	return del, follow
}

func (h *Hub) notifyDelegation(st *turnState, del Delegation) {
	st.addActivity(ActivityEntry{Kind: "delegation", AgentID: del.AgentID, Title: "delegation", Detail: firstLine(del.Prompt)})
	if st.opts.Hooks.OnDelegation != nil {
		st.opts.Hooks.OnDelegation(del)
	}
}

// UnknownAgentError reports an invocation against an unregistered agent id.
type UnknownAgentError struct {
	AgentID string
}

func (e *UnknownAgentError) Error() string {
	return "unknown agent " + e.AgentID
}

func reconEntries(batch []Delegation) []prompts.ReconEntry {
	out := make([]prompts.ReconEntry, len(batch))
	for i, d := range batch {
		out[i] = prompts.ReconEntry{
			AgentID:   d.AgentID,
			AgentName: d.AgentName,
			Prompt:    d.Prompt,
			Response:  d.Response,
			Failed:    d.Error != "",
		}
		if d.Error != "" {
			out[i].Response = d.Error
		}
	}
	return out
}

func feedbackResults(results []tools.Result) []prompts.FeedbackResult {
	out := make([]prompts.FeedbackResult, len(results))
	for i, r := range results {
		rendered := r.Rendered()
		if len(rendered) > feedbackResultCap {
			rendered = rendered[:feedbackResultCap] + "\n[result truncated]"
		}
		out[i] = prompts.FeedbackResult{Name: r.Block.Name, Output: rendered}
	}
	return out
}

func sortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 160 {
		s = s[:160] + "…"
	}
	return s
}
