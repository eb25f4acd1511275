// Package runner spawns child processes with timeout, output caps, and
// cancellation. It is the execution substrate for the exec tool and the
// patch/diff helpers.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentdev/ads/internal/common/errkind"
)

const killGracePeriod = 2 * time.Second

// Request describes a single child process invocation.
type Request struct {
	Cmd            string
	Args           []string
	Dir            string
	Env            []string // appended to the parent environment
	Timeout        time.Duration
	MaxOutputBytes int
	// Allowlist restricts the command basename (lowercased). The sentinel
	// "*" means unrestricted. Nil means no restriction.
	Allowlist []string
}

// Result captures the outcome of a completed (or timed out) invocation.
type Result struct {
	ExitCode        int
	Signal          string
	Elapsed         time.Duration
	TimedOut        bool
	Stdout          string
	Stderr          string
	TruncatedStdout bool
	TruncatedStderr bool
	CommandLine     string
}

// cappedBuffer accumulates up to max bytes and drops the rest, recording
// that truncation happened. The child is never blocked by a full buffer.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// allowed checks the command basename against the allowlist.
func allowed(cmd string, allowlist []string) bool {
	if allowlist == nil {
		return true
	}
	base := strings.ToLower(filepath.Base(cmd))
	for _, entry := range allowlist {
		if entry == "*" || strings.ToLower(entry) == base {
			return true
		}
	}
	return false
}

// Run executes the request. Cancellation via ctx kills the child and returns
// the context error; buffered output is discarded in that case. A timeout is
// not an error: the result carries TimedOut=true and the partial output.
func Run(ctx context.Context, req Request) (*Result, error) {
	if req.Cmd == "" {
		return nil, errkind.Input("empty command")
	}
	if !allowed(req.Cmd, req.Allowlist) {
		return nil, errkind.Input("command %q not in allowlist", filepath.Base(req.Cmd))
	}
	if req.MaxOutputBytes <= 0 {
		req.MaxOutputBytes = 256 * 1024
	}

	cmd := exec.Command(req.Cmd, req.Args...)
	cmd.Dir = req.Dir
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}

	stdout := &cappedBuffer{max: req.MaxOutputBytes}
	stderr := &cappedBuffer{max: req.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	setProcessGroup(cmd)

	commandLine := req.Cmd
	if len(req.Args) > 0 {
		commandLine += " " + strings.Join(req.Args, " ")
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", req.Cmd, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	timedOut := false
	var waitErr error

	select {
	case waitErr = <-done:
	case <-ctx.Done():
		terminate(cmd, done)
		return nil, ctx.Err()
	case <-timeoutCh:
		timedOut = true
		waitErr = terminate(cmd, done)
	}

	result := &Result{
		Elapsed:         time.Since(start),
		TimedOut:        timedOut,
		Stdout:          stdout.buf.String(),
		Stderr:          stderr.buf.String(),
		TruncatedStdout: stdout.truncated,
		TruncatedStderr: stderr.truncated,
		CommandLine:     commandLine,
	}

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		if sig := exitSignal(exitErr); sig != "" {
			result.Signal = sig
		}
	} else if waitErr != nil {
		return nil, fmt.Errorf("wait %s: %w", req.Cmd, waitErr)
	}

	return result, nil
}

// terminate sends SIGTERM to the child's process group, escalating to
// SIGKILL after a grace period, and waits for the child to exit.
func terminate(cmd *exec.Cmd, done <-chan error) error {
	signalGroup(cmd, false)
	select {
	case err := <-done:
		return err
	case <-time.After(killGracePeriod):
		signalGroup(cmd, true)
		return <-done
	}
}
