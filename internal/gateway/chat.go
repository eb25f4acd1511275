// Package gateway carries the chat pipeline shared by the WebSocket and
// Telegram fronts: ack/dedupe, workspace locking, slash commands, and the
// collaborative turn against the agent hub.
package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/agent/hub"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/history"
	"github.com/agentdev/ads/internal/session"
	"github.com/agentdev/ads/internal/tools"
	"github.com/agentdev/ads/internal/workspace"
)

// VectorService is the slice of vector auto-context the chat pipeline uses.
type VectorService interface {
	Enabled() bool
	Preflight(ctx context.Context, workspaceNS, root string) error
	AutoContext(ctx context.Context, workspaceNS, historyNS, sessionID, input string) (string, error)
}

// Chat runs user turns for one front (namespace).
type Chat struct {
	namespace string
	sessions  *session.Manager
	registry  *tools.Registry
	history   *history.Store
	vec       VectorService
	locks     *workspace.LockPool
	cfg       *config.Config
	logger    *logger.Logger

	defaultCwd string

	mu     sync.Mutex
	cwds   map[string]string
	aborts map[string]context.CancelFunc
}

// NewChat wires the pipeline. namespace scopes history and thread rows (one
// per front, e.g. "ws" or "tg"); defaultCwd is the workspace used before a
// user issues /cd.
func NewChat(namespace string, sessions *session.Manager, registry *tools.Registry, hist *history.Store, vec VectorService, locks *workspace.LockPool, defaultCwd string, cfg *config.Config, log *logger.Logger) *Chat {
	return &Chat{
		namespace:  namespace,
		sessions:   sessions,
		registry:   registry,
		history:    hist,
		vec:        vec,
		locks:      locks,
		cfg:        cfg,
		logger:     log,
		defaultCwd: workspace.Normalize(defaultCwd),
		cwds:       make(map[string]string),
		aborts:     make(map[string]context.CancelFunc),
	}
}

// Cwd returns the user's current working directory.
func (c *Chat) Cwd(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cwd, ok := c.cwds[userID]; ok {
		return cwd
	}
	return c.defaultCwd
}

func (c *Chat) setCwd(userID, cwd string) {
	c.mu.Lock()
	c.cwds[userID] = cwd
	c.mu.Unlock()
}

// Ack records the inbound message durably and reports whether it was a
// duplicate delivery. This runs before any lock acquisition so a retried
// client message is recognized even while the original is still queued.
func (c *Chat) Ack(ctx context.Context, sessionID, clientMessageID, text string) (duplicate bool, err error) {
	entry := history.Entry{
		Namespace: c.namespace,
		SessionID: sessionID,
		Role:      history.RoleUser,
		Text:      text,
		Ts:        time.Now().UnixMilli(),
	}
	if clientMessageID != "" {
		entry.Kind = history.KindClientMessagePrefix + clientMessageID
	}
	inserted, err := c.history.Add(ctx, entry)
	if err != nil {
		return false, err
	}
	return !inserted, nil
}

// RunPrompt executes one collaborative turn under the user's workspace lock
// and returns the final response. The turn is abortable via Interrupt.
func (c *Chat) RunPrompt(ctx context.Context, userID, sessionID, text string) (*hub.TurnResult, error) {
	cwd := c.Cwd(userID)

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registerAbort(userID, cancel)
	defer c.clearAbort(userID)

	lock := c.locks.Get(cwd)
	if err := lock.Acquire(turnCtx); err != nil {
		return nil, err
	}
	defer lock.Release()

	entry, err := c.sessions.GetOrCreate(turnCtx, userID, cwd, false)
	if err != nil {
		return nil, err
	}

	prompt := text
	if c.vec != nil && c.vec.Enabled() {
		ns := workspace.Normalize(cwd)
		if err := c.vec.Preflight(turnCtx, ns, cwd); err != nil {
			c.logger.WithError(err).Warn("vector preflight failed")
		}
		if snippets, err := c.vec.AutoContext(turnCtx, ns, c.namespace, sessionID, text); err != nil {
			c.logger.WithError(err).Warn("vector auto-context failed")
		} else if snippets != "" {
			prompt = snippets + "\n\n" + text
		}
	}

	h := hub.New(entry.Orchestrator, c.registry, c.cfg.Agents, c.logger)
	result, err := h.RunTurn(turnCtx, prompt, hub.Options{ToolContext: c.toolContext(entry)})
	if err != nil {
		return nil, err
	}

	if _, err := c.history.Add(ctx, history.Entry{
		Namespace: c.namespace,
		SessionID: sessionID,
		Role:      history.RoleAI,
		Text:      result.Response,
		Ts:        time.Now().UnixMilli(),
	}); err != nil {
		c.logger.WithError(err).Warn("failed to record response")
	}
	if err := c.sessions.SaveThreads(ctx, userID); err != nil {
		c.logger.WithError(err).Warn("failed to persist thread ids")
	}
	return result, nil
}

func (c *Chat) toolContext(entry *session.Entry) *tools.Context {
	orch := entry.Orchestrator
	tc := &tools.Context{
		Cwd:              entry.Cwd,
		ExtraAllowedDirs: c.cfg.Tools.AllowedDirs,
		Tools:            c.cfg.Tools,
		Search:           c.cfg.Search,
		Logger:           c.logger,
		InvokeAgent: func(ctx context.Context, agentID, prompt string) (string, error) {
			res, err := orch.InvokeAgent(ctx, agentID, agent.TextInput(prompt), agent.SendOptions{})
			if err != nil {
				return "", err
			}
			return res.Response, nil
		},
	}
	if c.vec != nil && c.vec.Enabled() {
		ns := workspace.Normalize(entry.Cwd)
		tc.VSearch = func(ctx context.Context, query string) (string, error) {
			return c.vec.AutoContext(ctx, ns, c.namespace, entry.UserID, query)
		}
	}
	return tc
}

// Interrupt aborts the user's in-flight turn, if any.
func (c *Chat) Interrupt(userID string) bool {
	c.mu.Lock()
	cancel, ok := c.aborts[userID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *Chat) registerAbort(userID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.aborts[userID] = cancel
	c.mu.Unlock()
}

func (c *Chat) clearAbort(userID string) {
	c.mu.Lock()
	delete(c.aborts, userID)
	c.mu.Unlock()
}

// ClearHistory wipes the session transcript and resets the orchestrator
// while preserving thread ids for /resume.
func (c *Chat) ClearHistory(ctx context.Context, userID, sessionID string) (int64, error) {
	n, err := c.history.Clear(ctx, c.namespace, sessionID)
	if err != nil {
		return 0, err
	}
	if err := c.sessions.Reset(ctx, userID, true); err != nil {
		return n, err
	}
	return n, nil
}

// CommandResult is the outcome of a slash command.
type CommandResult struct {
	Text string
	// Silent commands are not broadcast to the shared chat channel.
	Silent bool
}

// Command dispatches a built-in slash command. Unrecognized commands return
// an InputError so fronts can render usage help.
func (c *Chat) Command(ctx context.Context, userID, sessionID, line string) (*CommandResult, error) {
	line = strings.TrimSpace(line)
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/pwd":
		return &CommandResult{Text: c.Cwd(userID), Silent: true}, nil

	case "/cd":
		if arg == "" {
			return nil, errkind.Input("usage: /cd <path>")
		}
		target := arg
		if !filepath.IsAbs(target) {
			target = filepath.Join(c.Cwd(userID), target)
		}
		target = workspace.Normalize(target)
		info, err := os.Stat(target)
		if err != nil || !info.IsDir() {
			return nil, errkind.Input("not a directory: %s", arg)
		}
		c.setCwd(userID, target)
		return &CommandResult{Text: "cwd: " + target}, nil

	case "/agent":
		entry, err := c.sessions.GetOrCreate(ctx, userID, c.Cwd(userID), false)
		if err != nil {
			return nil, err
		}
		if arg == "" {
			var names []string
			for _, m := range entry.Orchestrator.ListAgents() {
				marker := "  "
				if m.ID == entry.Orchestrator.ActiveAgentID() {
					marker = "* "
				}
				names = append(names, marker+m.ID)
			}
			return &CommandResult{Text: strings.Join(names, "\n"), Silent: true}, nil
		}
		if err := entry.Orchestrator.SwitchAgent(arg); err != nil {
			return nil, errkind.Input("unknown agent %q", arg)
		}
		return &CommandResult{Text: "active agent: " + arg}, nil

	case "/search":
		if arg == "" {
			return nil, errkind.Input("usage: /search <query>")
		}
		entry, err := c.sessions.GetOrCreate(ctx, userID, c.Cwd(userID), false)
		if err != nil {
			return nil, err
		}
		out, err := c.registry.ExecuteSingle(ctx, "search", arg, c.toolContext(entry))
		if err != nil {
			return nil, err
		}
		return &CommandResult{Text: out, Silent: true}, nil

	case "/vsearch":
		if arg == "" {
			return nil, errkind.Input("usage: /vsearch <query>")
		}
		if c.vec == nil || !c.vec.Enabled() {
			return &CommandResult{Text: "(vector search disabled)", Silent: true}, nil
		}
		ns := workspace.Normalize(c.Cwd(userID))
		out, err := c.vec.AutoContext(ctx, ns, c.namespace, sessionID, arg)
		if err != nil {
			return nil, err
		}
		if out == "" {
			out = "(no matches)"
		}
		return &CommandResult{Text: out, Silent: true}, nil

	case "/resume":
		if _, err := c.sessions.GetOrCreate(ctx, userID, c.Cwd(userID), true); err != nil {
			return nil, err
		}
		return &CommandResult{Text: "session resumed"}, nil

	case "/esc":
		if c.Interrupt(userID) {
			return &CommandResult{Text: "turn aborted", Silent: true}, nil
		}
		return &CommandResult{Text: "nothing to abort", Silent: true}, nil

	case "/review":
		result, err := c.RunPrompt(ctx, userID, sessionID,
			"Review the uncommitted changes in this workspace and summarize problems worth fixing.")
		if err != nil {
			return nil, err
		}
		return &CommandResult{Text: result.Response}, nil

	default:
		return nil, errkind.Input("unknown command %q", name)
	}
}

// ResumeTaskThread rehydrates the user's saved thread ids so an interrupted
// task conversation can continue.
func (c *Chat) ResumeTaskThread(ctx context.Context, userID string) error {
	_, err := c.sessions.GetOrCreate(ctx, userID, c.Cwd(userID), true)
	return err
}

// Namespace returns the history/thread namespace this front writes under.
func (c *Chat) Namespace() string { return c.namespace }
