// Package orchestrator holds the per-session container of agent adapters and
// routes invocations to the active one.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/common/logger"
)

// Orchestrator owns a set of adapters keyed by agent id plus the id of the
// active (primary) agent. It multiplexes adapter events onto its own fanout.
type Orchestrator struct {
	mu       sync.RWMutex
	adapters map[string]agent.Adapter
	activeID string
	unsubs   []func()
	fanout   agent.EventFanout
	logger   *logger.Logger
}

// New creates an orchestrator over the given adapters. activeID must name
// one of them.
func New(adapters map[string]agent.Adapter, activeID string, log *logger.Logger) (*Orchestrator, error) {
	if _, ok := adapters[activeID]; !ok {
		return nil, fmt.Errorf("active agent %q is not registered", activeID)
	}
	o := &Orchestrator{
		adapters: adapters,
		activeID: activeID,
		logger:   log,
	}
	for id, a := range adapters {
		id := id
		unsub := a.OnEvent(func(ev agent.Event) {
			if ev.AgentID == "" {
				ev.AgentID = id
			}
			o.fanout.Emit(ev)
		})
		o.unsubs = append(o.unsubs, unsub)
	}
	return o, nil
}

// InvokeAgent sends input to the adapter registered under id.
func (o *Orchestrator) InvokeAgent(ctx context.Context, id string, input []agent.InputPart, opts agent.SendOptions) (*agent.SendResult, error) {
	a, ok := o.adapter(id)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", id)
	}
	res, err := a.Send(ctx, input, opts)
	if err != nil {
		return nil, err
	}
	if res.AgentID == "" {
		res.AgentID = id
	}
	return res, nil
}

// Adapter returns the adapter registered under id.
func (o *Orchestrator) Adapter(id string) (agent.Adapter, bool) {
	return o.adapter(id)
}

func (o *Orchestrator) adapter(id string) (agent.Adapter, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.adapters[id]
	return a, ok
}

// HasAgent reports whether id names a registered adapter.
func (o *Orchestrator) HasAgent(id string) bool {
	_, ok := o.adapter(id)
	return ok
}

// ListAgents returns the metadata of all registered adapters, sorted by id.
func (o *Orchestrator) ListAgents() []agent.Metadata {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]agent.Metadata, 0, len(o.adapters))
	for _, a := range o.adapters {
		out = append(out, a.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveAgentID returns the id of the active agent.
func (o *Orchestrator) ActiveAgentID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeID
}

// SwitchAgent changes the active agent.
func (o *Orchestrator) SwitchAgent(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.adapters[id]; !ok {
		return fmt.Errorf("unknown agent %q", id)
	}
	o.activeID = id
	return nil
}

// OnEvent subscribes to the multiplexed event stream of all adapters.
func (o *Orchestrator) OnEvent(fn func(agent.Event)) func() {
	return o.fanout.OnEvent(fn)
}

// SetWorkingDirectory propagates the working directory to all adapters.
func (o *Orchestrator) SetWorkingDirectory(path string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, a := range o.adapters {
		a.SetWorkingDirectory(path)
	}
}

// ThreadIDs returns the current vendor-side thread id per agent, omitting
// empty values.
func (o *Orchestrator) ThreadIDs() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string)
	for id, a := range o.adapters {
		if tid := a.ThreadID(); tid != "" {
			out[id] = tid
		}
	}
	return out
}

// Close detaches the orchestrator from its adapters' event streams.
func (o *Orchestrator) Close() {
	for _, unsub := range o.unsubs {
		unsub()
	}
	o.unsubs = nil
}
