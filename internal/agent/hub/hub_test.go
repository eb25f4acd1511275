package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/agent/orchestrator"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/tools"
)

// scriptAdapter replays canned responses and records the prompts it saw.
type scriptAdapter struct {
	md      agent.Metadata
	respond func(call int, prompt string) string

	mu      sync.Mutex
	prompts []string
}

func newScriptAdapter(id string, stateful bool, respond func(call int, prompt string) string) *scriptAdapter {
	return &scriptAdapter{
		md: agent.Metadata{
			ID:           id,
			Name:         id,
			Vendor:       "test",
			Capabilities: agent.Capabilities{Stateful: stateful},
		},
		respond: respond,
	}
}

func (a *scriptAdapter) Metadata() agent.Metadata      { return a.md }
func (a *scriptAdapter) Status() agent.Status          { return agent.Status{Ready: true} }
func (a *scriptAdapter) SetWorkingDirectory(string)    {}
func (a *scriptAdapter) SetModel(string)               {}
func (a *scriptAdapter) ThreadID() string              { return "" }
func (a *scriptAdapter) ResumeThread(string)           {}
func (a *scriptAdapter) Reset()                        {}
func (a *scriptAdapter) OnEvent(func(agent.Event)) func() {
	return func() {}
}

func (a *scriptAdapter) Send(ctx context.Context, input []agent.InputPart, opts agent.SendOptions) (*agent.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prompt := input[0].Text
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	call := len(a.prompts)
	a.mu.Unlock()
	return &agent.SendResult{Response: a.respond(call, prompt), AgentID: a.md.ID}, nil
}

func (a *scriptAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

type echoHandler struct{}

func (echoHandler) Name() string   { return "echo" }
func (echoHandler) Parallel() bool { return true }
func (echoHandler) Execute(ctx context.Context, payload string, tc *tools.Context) (string, error) {
	return "echoed:" + payload, nil
}

func newTestHub(t *testing.T, adapters map[string]agent.Adapter, active string) *Hub {
	t.Helper()
	orch, err := orchestrator.New(adapters, active, logger.Default())
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	registry := tools.NewRegistry(logger.Default())
	registry.Register(echoHandler{})

	defaults := config.AgentsConfig{
		MaxSupervisorRounds:   2,
		MaxDelegations:        6,
		DelegationConcurrency: 3,
	}
	return New(orch, registry, defaults, logger.Default())
}

func TestRunTurnToolLoopReachesFixpoint(t *testing.T) {
	sup := newScriptAdapter("main", true, func(call int, prompt string) string {
		if call == 1 {
			return "let me check\n<<<tool.echo\nping\n>>>"
		}
		return "done: " + prompt
	})

	h := newTestHub(t, map[string]agent.Adapter{"main": sup}, "main")
	res, err := h.RunTurn(context.Background(), "hello", Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, sup.callCount())
	assert.Contains(t, res.Response, "done:")
	// The feedback prompt carried the tool output back.
	assert.Contains(t, sup.prompts[1], "echoed:ping")
	assert.Zero(t, res.SupervisorRounds)
	assert.NotEmpty(t, res.Explored)
}

func TestRunTurnStatelessAgentGetsPriorResponse(t *testing.T) {
	sup := newScriptAdapter("main", false, func(call int, prompt string) string {
		if call == 1 {
			return "analysis so far\n<<<tool.echo\nx\n>>>"
		}
		return "final"
	})

	h := newTestHub(t, map[string]agent.Adapter{"main": sup}, "main")
	_, err := h.RunTurn(context.Background(), "go", Options{})
	require.NoError(t, err)

	require.Equal(t, 2, sup.callCount())
	assert.Contains(t, sup.prompts[1], "analysis so far")
}

func TestRunTurnToolRoundBound(t *testing.T) {
	sup := newScriptAdapter("main", true, func(call int, prompt string) string {
		return fmt.Sprintf("round %d\n<<<tool.echo\np%d\n>>>", call, call)
	})

	h := newTestHub(t, map[string]agent.Adapter{"main": sup}, "main")
	res, err := h.RunTurn(context.Background(), "loop forever", Options{MaxToolRounds: 2})
	require.NoError(t, err)

	// Invocations: initial + 2 feedback rounds; the third response's blocks
	// are stripped, not executed.
	assert.Equal(t, 3, sup.callCount())
	assert.NotContains(t, res.Response, "<<<tool.")
}

func TestRunTurnSupervisorRoundsBound(t *testing.T) {
	round := 0
	sup := newScriptAdapter("main", true, func(call int, prompt string) string {
		round++
		return fmt.Sprintf("delegating\n<<<agent.aux\ntask %d\n>>>", round)
	})
	aux := newScriptAdapter("aux", false, func(call int, prompt string) string {
		return "aux did: " + prompt
	})

	h := newTestHub(t, map[string]agent.Adapter{"main": sup, "aux": aux}, "main")
	res, err := h.RunTurn(context.Background(), "start", Options{MaxSupervisorRounds: 2})
	require.NoError(t, err)

	// Exactly two delegation batches despite the supervisor always asking
	// for more.
	assert.Equal(t, 2, res.SupervisorRounds)
	assert.Len(t, res.Delegations, 2)
	assert.Equal(t, 2, aux.callCount())
	assert.NotContains(t, res.Response, "<<<agent.")
}

func TestRunTurnDelegationDeduplication(t *testing.T) {
	sup := newScriptAdapter("main", true, func(call int, prompt string) string {
		if call == 1 {
			return "<<<agent.aux\nsame task\n>>>\n<<<agent.aux\nsame task\n>>>"
		}
		return "final answer"
	})
	aux := newScriptAdapter("aux", false, func(call int, prompt string) string {
		return "done"
	})

	h := newTestHub(t, map[string]agent.Adapter{"main": sup, "aux": aux}, "main")
	res, err := h.RunTurn(context.Background(), "start", Options{})
	require.NoError(t, err)

	assert.Len(t, res.Delegations, 1)
	assert.Equal(t, 1, aux.callCount())
}

func TestRunTurnSkipsSelfDelegation(t *testing.T) {
	sup := newScriptAdapter("main", true, func(call int, prompt string) string {
		if call == 1 {
			return "<<<agent.main\ntalk to myself\n>>>\nanswer"
		}
		return "should not happen"
	})

	h := newTestHub(t, map[string]agent.Adapter{"main": sup}, "main")
	res, err := h.RunTurn(context.Background(), "start", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, sup.callCount())
	assert.Empty(t, res.Delegations)
	assert.Zero(t, res.SupervisorRounds)
	assert.NotContains(t, res.Response, "<<<agent.")
}

func TestRunTurnUnknownDelegateReportsError(t *testing.T) {
	sup := newScriptAdapter("main", true, func(call int, prompt string) string {
		if call == 1 {
			return "<<<agent.ghost\nboo\n>>>"
		}
		return "recovered"
	})

	h := newTestHub(t, map[string]agent.Adapter{"main": sup}, "main")
	res, err := h.RunTurn(context.Background(), "start", Options{})
	require.NoError(t, err)

	require.Len(t, res.Delegations, 1)
	assert.Equal(t, "unknown agent", res.Delegations[0].Error)
	// The supervisor still got a reconciliation prompt and produced the
	// final answer.
	assert.Equal(t, "recovered", res.Response)
}

func TestRunTurnCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sup := newScriptAdapter("main", true, func(call int, prompt string) string {
		return "never"
	})
	h := newTestHub(t, map[string]agent.Adapter{"main": sup}, "main")

	_, err := h.RunTurn(ctx, "start", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunTurnMaxDelegationsBudget(t *testing.T) {
	sup := newScriptAdapter("main", true, func(call int, prompt string) string {
		if call == 1 {
			return "<<<agent.aux\nt1\n>>>\n<<<agent.aux\nt2\n>>>\n<<<agent.aux\nt3\n>>>"
		}
		return "final"
	})
	aux := newScriptAdapter("aux", false, func(call int, prompt string) string {
		return "ok"
	})

	h := newTestHub(t, map[string]agent.Adapter{"main": sup, "aux": aux}, "main")
	res, err := h.RunTurn(context.Background(), "start", Options{MaxDelegations: 2})
	require.NoError(t, err)

	assert.Len(t, res.Delegations, 2)
	assert.Equal(t, 2, aux.callCount())
}
