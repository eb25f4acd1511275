// Package cli adapts vendor command-line assistants to the agent contract.
// Each Send spawns the configured CLI once with the prompt substituted into
// its argv, so any tool that accepts a prompt argument and prints its answer
// to stdout can serve as a backend.
package cli

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/runner"
)

// Argv placeholders replaced at send time.
const (
	PromptPlaceholder = "{prompt}"
	ModelPlaceholder  = "{model}"
	ThreadPlaceholder = "{thread}"
)

// Config describes one spawnable vendor CLI.
type Config struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Vendor string `mapstructure:"vendor"`
	// Command is the argv template. {prompt} and {model} are substituted;
	// model arguments whose value stays empty are dropped.
	Command []string `mapstructure:"command"`
	// ResumeCommand, when set, replaces Command once a thread id is known.
	// {thread} is substituted alongside the usual placeholders.
	ResumeCommand  []string `mapstructure:"resumeCommand"`
	Model          string   `mapstructure:"model"`
	TimeoutMs      int      `mapstructure:"timeoutMs"`
	MaxOutputBytes int      `mapstructure:"maxOutputBytes"`
}

const defaultSendTimeout = 10 * time.Minute

// Defaults returns the built-in adapter set used when no agents.cli section
// is configured.
func Defaults() []Config {
	return []Config{
		{
			ID:     "codex",
			Name:   "OpenAI Codex CLI",
			Vendor: "openai",
			Command: []string{
				"npx", "-y", "@openai/codex", "exec",
				"--full-auto", "--model", ModelPlaceholder, PromptPlaceholder,
			},
			ResumeCommand: []string{
				"npx", "-y", "@openai/codex", "exec", "resume", ThreadPlaceholder,
				"--full-auto", "--model", ModelPlaceholder, PromptPlaceholder,
			},
			Model: "gpt-5-codex",
		},
		{
			ID:     "claude",
			Name:   "Claude Code CLI",
			Vendor: "anthropic",
			Command: []string{
				"claude", "-p", PromptPlaceholder, "--model", ModelPlaceholder,
			},
			ResumeCommand: []string{
				"claude", "-p", PromptPlaceholder, "--resume", ThreadPlaceholder,
				"--model", ModelPlaceholder,
			},
		},
	}
}

// Adapter runs one vendor CLI per Send. It is safe for concurrent use, but
// sends for the same adapter serialize on the workspace lock above it.
type Adapter struct {
	cfg    Config
	logger *logger.Logger
	fanout agent.EventFanout

	mu       sync.Mutex
	cwd      string
	model    string
	threadID string
	lastErr  string
}

// New validates cfg and builds the adapter.
func New(cfg Config, log *logger.Logger) (*Adapter, error) {
	if cfg.ID == "" {
		return nil, errkind.Config("cli agent id is required")
	}
	if len(cfg.Command) == 0 {
		return nil, errkind.Config("cli agent %s: command is required", cfg.ID)
	}
	return &Adapter{
		cfg:    cfg,
		model:  cfg.Model,
		logger: log.WithAgentID(cfg.ID),
	}, nil
}

func (a *Adapter) Metadata() agent.Metadata {
	return agent.Metadata{
		ID:     a.cfg.ID,
		Name:   a.cfg.Name,
		Vendor: a.cfg.Vendor,
		Capabilities: agent.Capabilities{
			Stateful: len(a.cfg.ResumeCommand) > 0,
		},
	}
}

func (a *Adapter) Status() agent.Status {
	a.mu.Lock()
	lastErr := a.lastErr
	a.mu.Unlock()

	_, err := exec.LookPath(a.cfg.Command[0])
	return agent.Status{
		Ready: err == nil,
		Error: lastErr,
	}
}

func (a *Adapter) SetWorkingDirectory(path string) {
	a.mu.Lock()
	a.cwd = path
	a.mu.Unlock()
}

func (a *Adapter) SetModel(id string) {
	a.mu.Lock()
	a.model = id
	a.mu.Unlock()
}

func (a *Adapter) ThreadID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

func (a *Adapter) ResumeThread(id string) {
	a.mu.Lock()
	a.threadID = id
	a.mu.Unlock()
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	a.threadID = ""
	a.lastErr = ""
	a.mu.Unlock()
}

func (a *Adapter) OnEvent(fn func(agent.Event)) func() {
	return a.fanout.OnEvent(fn)
}

// Send runs the CLI once with the prompt substituted into the argv. Image
// and blob parts are not supported; their presence is an input error.
func (a *Adapter) Send(ctx context.Context, input []agent.InputPart, opts agent.SendOptions) (*agent.SendResult, error) {
	prompt, err := flattenText(input)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	cwd := a.cwd
	model := a.model
	threadID := a.threadID
	a.mu.Unlock()
	if opts.Model != "" {
		model = opts.Model
	}

	template := a.cfg.Command
	if threadID != "" && len(a.cfg.ResumeCommand) > 0 {
		template = a.cfg.ResumeCommand
	}
	argv := expandArgv(template, prompt, model, threadID)

	timeout := defaultSendTimeout
	if a.cfg.TimeoutMs > 0 {
		timeout = time.Duration(a.cfg.TimeoutMs) * time.Millisecond
	}

	a.fanout.Emit(agent.Event{
		AgentID: a.cfg.ID,
		Phase:   agent.PhaseCommand,
		Title:   "running " + argv[0],
	})

	res, err := runner.Run(ctx, runner.Request{
		Cmd:            argv[0],
		Args:           argv[1:],
		Dir:            cwd,
		Timeout:        timeout,
		MaxOutputBytes: a.cfg.MaxOutputBytes,
	})
	if err != nil {
		a.setLastErr(err.Error())
		a.fanout.Emit(agent.Event{AgentID: a.cfg.ID, Phase: agent.PhaseError, Title: "spawn failed", Detail: err.Error()})
		return nil, err
	}
	if res.TimedOut {
		a.setLastErr("send timed out")
		a.fanout.Emit(agent.Event{AgentID: a.cfg.ID, Phase: agent.PhaseError, Title: "timed out"})
		return nil, errkind.Upstream("%s timed out after %s", a.cfg.ID, timeout)
	}
	if res.ExitCode != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		a.setLastErr(detail)
		a.fanout.Emit(agent.Event{AgentID: a.cfg.ID, Phase: agent.PhaseError, Title: "exited nonzero", Detail: detail})
		return nil, errkind.Upstream("%s exited %d: %s", a.cfg.ID, res.ExitCode, detail)
	}

	a.setLastErr("")
	a.fanout.Emit(agent.Event{AgentID: a.cfg.ID, Phase: agent.PhaseCompleted, Title: "completed"})

	return &agent.SendResult{
		Response: strings.TrimSpace(res.Stdout),
		AgentID:  a.cfg.ID,
	}, nil
}

func (a *Adapter) setLastErr(msg string) {
	a.mu.Lock()
	a.lastErr = msg
	a.mu.Unlock()
}

// flattenText joins the text parts of the input. Non-text parts are
// rejected; the CLI transport has no way to carry them.
func flattenText(input []agent.InputPart) (string, error) {
	var parts []string
	for _, p := range input {
		if p.Kind != agent.InputText {
			return "", errkind.Input("cli adapter supports text input only, got %s", p.Kind)
		}
		parts = append(parts, p.Text)
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return "", errkind.Input("empty prompt")
	}
	return text, nil
}

// expandArgv substitutes placeholders into the template. A flag whose value
// expands to empty is dropped together with the flag itself, so templates
// can carry optional --model pairs.
func expandArgv(template []string, prompt, model, thread string) []string {
	sub := func(s string) string {
		s = strings.ReplaceAll(s, PromptPlaceholder, prompt)
		s = strings.ReplaceAll(s, ModelPlaceholder, model)
		return strings.ReplaceAll(s, ThreadPlaceholder, thread)
	}

	out := make([]string, 0, len(template))
	for i := 0; i < len(template); i++ {
		arg := template[i]
		// A bare placeholder that expands to nothing drops its preceding
		// flag, if any.
		if isPlaceholder(arg) && sub(arg) == "" {
			if len(out) > 0 && strings.HasPrefix(out[len(out)-1], "-") {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, sub(arg))
	}
	return out
}

func isPlaceholder(s string) bool {
	return s == PromptPlaceholder || s == ModelPlaceholder || s == ThreadPlaceholder
}
