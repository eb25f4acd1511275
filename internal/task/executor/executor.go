// Package executor runs one task's collaborative turn: it resolves an
// orchestrator for the task, streams adapter events onto the queue's bus,
// and records the transcript in the task store.
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/agent/hub"
	"github.com/agentdev/ads/internal/agent/orchestrator"
	"github.com/agentdev/ads/internal/attachments"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/common/logrotate"
	"github.com/agentdev/ads/internal/session"
	"github.com/agentdev/ads/internal/task/models"
	"github.com/agentdev/ads/internal/task/queue"
	"github.com/agentdev/ads/internal/task/store"
	"github.com/agentdev/ads/internal/tools"
	"github.com/agentdev/ads/internal/workspace"
)

// Executor implements queue.TurnRunner for one workspace.
type Executor struct {
	factory     session.AdapterFactory
	registry    *tools.Registry
	store       *store.Store
	attachments *attachments.Store
	cfg         *config.Config
	root        string
	logger      *logger.Logger

	// prev is the previous task's orchestrator, kept alive so a task with
	// inherit_context continues its threads instead of starting fresh.
	mu   sync.Mutex
	prev *orchestrator.Orchestrator

	logOnce sync.Once
	runlog  *logrotate.Writer
}

// runLogBudget caps each rotation of the workspace task transcript log.
const runLogBudget = 4 << 20

// New builds an executor rooted at the workspace directory.
func New(factory session.AdapterFactory, registry *tools.Registry, st *store.Store, atts *attachments.Store, cfg *config.Config, root string, log *logger.Logger) *Executor {
	return &Executor{
		factory:     factory,
		registry:    registry,
		store:       st,
		attachments: atts,
		cfg:         cfg,
		root:        root,
		logger:      log.WithWorkspace(root),
	}
}

// RunTask executes the task's turn. The queue holds the workspace lock for
// the duration of this call.
func (e *Executor) RunTask(ctx context.Context, task *models.Task, emit queue.EventSink) (string, error) {
	orch, err := e.orchestratorFor(task)
	if err != nil {
		return "", err
	}

	orch.SetWorkingDirectory(e.root)
	if task.Model != "" {
		if a, ok := orch.Adapter(orch.ActiveAgentID()); ok {
			a.SetModel(task.Model)
		}
	}

	unsub := orch.OnEvent(func(ev agent.Event) { forwardEvent(ev, emit) })
	defer unsub()

	prompt, err := e.buildPrompt(ctx, task)
	if err != nil {
		return "", err
	}
	e.addMessage(ctx, models.Message{
		TaskID:      task.ID,
		Role:        "user",
		Content:     task.Prompt,
		MessageType: "prompt",
	})

	h := hub.New(orch, e.registry, e.cfg.Agents, e.logger.WithTaskID(task.ID))
	result, err := h.RunTurn(ctx, prompt, hub.Options{ToolContext: e.toolContext(orch)})
	if err != nil {
		return "", err
	}

	e.addMessage(ctx, models.Message{
		TaskID:      task.ID,
		Role:        "assistant",
		Content:     result.Response,
		MessageType: "response",
		ModelUsed:   task.Model,
		TokenCount:  result.Usage.InputTokens + result.Usage.OutputTokens,
	})
	e.logTurn(task, result.Response)
	return result.Response, nil
}

// logTurn appends the turn to the rotating transcript log under .ads/logs.
// Log failures never fail the task.
func (e *Executor) logTurn(task *models.Task, response string) {
	e.logOnce.Do(func() {
		w, err := logrotate.New(filepath.Join(workspace.LogDir(e.root), "tasks.log"), runLogBudget)
		if err != nil {
			e.logger.WithError(err).Warn("task transcript log unavailable")
			return
		}
		e.runlog = w
	})
	if e.runlog == nil {
		return
	}
	fmt.Fprintf(e.runlog, "%s task=%s\n--- prompt\n%s\n--- response\n%s\n\n",
		time.Now().Format(time.RFC3339), task.ID, task.Prompt, response)
}

// orchestratorFor returns the orchestrator the task runs on. Tasks with
// inherit_context reuse the previous task's orchestrator when one exists;
// everything else gets a fresh one, which then becomes the carryover.
func (e *Executor) orchestratorFor(task *models.Task) (*orchestrator.Orchestrator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if task.InheritContext && e.prev != nil {
		return e.prev, nil
	}

	adapters, activeID, err := e.factory(e.root)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(adapters, activeID, e.logger)
	if err != nil {
		return nil, err
	}
	if e.prev != nil {
		e.prev.Close()
	}
	e.prev = orch
	return orch, nil
}

// buildPrompt assembles the turn input: the task prompt plus a listing of
// any bound attachments so the agent can read them from disk.
func (e *Executor) buildPrompt(ctx context.Context, task *models.Task) (string, error) {
	if e.attachments == nil {
		return task.Prompt, nil
	}
	atts, err := e.attachments.ForTask(ctx, task.ID)
	if err != nil {
		return "", err
	}
	if len(atts) == 0 {
		return task.Prompt, nil
	}

	var b strings.Builder
	b.WriteString(task.Prompt)
	b.WriteString("\n\nAttached files:\n")
	for _, a := range atts {
		fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", a.StorageURL, a.ContentType, a.SizeBytes)
	}
	return b.String(), nil
}

func (e *Executor) toolContext(orch *orchestrator.Orchestrator) *tools.Context {
	return &tools.Context{
		Cwd:              e.root,
		ExtraAllowedDirs: e.cfg.Tools.AllowedDirs,
		Tools:            e.cfg.Tools,
		Search:           e.cfg.Search,
		Logger:           e.logger,
		InvokeAgent: func(ctx context.Context, agentID, prompt string) (string, error) {
			res, err := orch.InvokeAgent(ctx, agentID, agent.TextInput(prompt), agent.SendOptions{})
			if err != nil {
				return "", err
			}
			return res.Response, nil
		},
	}
}

func (e *Executor) addMessage(ctx context.Context, msg models.Message) {
	msg.CreatedAt = time.Now().UnixMilli()
	if _, err := e.store.AddMessage(ctx, msg); err != nil {
		e.logger.WithError(err).Warn("task message record failed")
	}
}

// forwardEvent maps an adapter event onto the queue's bus subjects.
func forwardEvent(ev agent.Event, emit queue.EventSink) {
	switch ev.Phase {
	case agent.PhaseCommand:
		emit(queue.SubjectCommand, map[string]any{
			"agentId": ev.AgentID,
			"title":   ev.Title,
			"detail":  ev.Detail,
		})
	case agent.PhaseResponding:
		emit(queue.SubjectMessageDelta, map[string]any{
			"agentId": ev.AgentID,
			"text":    ev.Detail,
		})
	default:
		emit(queue.SubjectMessage, map[string]any{
			"agentId": ev.AgentID,
			"phase":   string(ev.Phase),
			"text":    ev.Title,
		})
	}
}
