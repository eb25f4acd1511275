package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/runner"
)

// execTool runs a subprocess through the command runner. Payload is either a
// command line string or {"cmd": ..., "args": [...], "timeoutMs": ...}.
type execTool struct{}

func (t *execTool) Name() string   { return "exec" }
func (t *execTool) Parallel() bool { return false }

type execPayload struct {
	Cmd       string   `json:"cmd"`
	Args      []string `json:"args"`
	TimeoutMs int      `json:"timeoutMs"`
}

func (t *execTool) Execute(ctx context.Context, payload string, tc *Context) (string, error) {
	if !tc.Tools.ExecEnabled {
		return "", errkind.Config("exec tool is disabled")
	}

	var p execPayload
	if strings.HasPrefix(strings.TrimSpace(payload), "{") {
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return "", errkind.Input("invalid exec payload: %v", err)
		}
	} else {
		argv, err := splitCommandLine(payload)
		if err != nil {
			return "", errkind.Input("invalid command line: %v", err)
		}
		if len(argv) == 0 {
			return "", errkind.Input("empty command")
		}
		p.Cmd = argv[0]
		p.Args = argv[1:]
	}
	if p.Cmd == "" {
		return "", errkind.Input("empty command")
	}

	timeout := tc.Tools.ExecTimeout()
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	res, err := runner.Run(ctx, runner.Request{
		Cmd:            p.Cmd,
		Args:           p.Args,
		Dir:            tc.Cwd,
		Timeout:        timeout,
		MaxOutputBytes: tc.Tools.MaxOutputBytes,
		Allowlist:      tc.Tools.ExecAllowlist,
	})
	if err != nil {
		return "", err
	}

	return formatExecResult(res), nil
}

func formatExecResult(res *runner.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\n", res.CommandLine)
	fmt.Fprintf(&b, "exit=%d", res.ExitCode)
	if res.TimedOut {
		b.WriteString(" (timed out)")
	}
	fmt.Fprintf(&b, " elapsed=%s\n", res.Elapsed.Round(time.Millisecond))
	b.WriteString("stdout:\n```\n")
	b.WriteString(res.Stdout)
	if res.TruncatedStdout {
		b.WriteString("\n[output truncated]")
	}
	b.WriteString("\n```\n")
	if res.Stderr != "" || res.TruncatedStderr {
		b.WriteString("stderr:\n```\n")
		b.WriteString(res.Stderr)
		if res.TruncatedStderr {
			b.WriteString("\n[output truncated]")
		}
		b.WriteString("\n```\n")
	}
	return b.String()
}

// splitCommandLine splits a command line into argv without invoking a shell.
// Single and double quotes group words; backslash escapes inside double
// quotes and bare words.
func splitCommandLine(line string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		inWord  bool
		quote   rune
	)
	runes := []rune(strings.TrimSpace(line))
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			} else {
				current.WriteRune(c)
			}
		case quote == '"':
			if c == '"' {
				quote = 0
			} else if c == '\\' && i+1 < len(runes) {
				i++
				current.WriteRune(runes[i])
			} else {
				current.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
			inWord = true
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				args = append(args, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(c)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inWord {
		args = append(args, current.String())
	}
	return args, nil
}
