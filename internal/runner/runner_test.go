//go:build unix

package runner

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/common/errkind"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Cmd:  "sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "sh -c echo out; echo err >&2; exit 3", res.CommandLine)
}

func TestRunTruncatesOutputAtCap(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Cmd:            "sh",
		Args:           []string{"-c", "head -c 10000 /dev/zero | tr '\\0' 'a'"},
		MaxOutputBytes: 100,
	})
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 100)
	assert.True(t, res.TruncatedStdout)
	assert.False(t, res.TruncatedStderr)
}

func TestRunTimeoutKeepsPartialOutput(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Cmd:     "sh",
		Args:    []string{"-c", "echo partial; sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "partial\n", res.Stdout)
}

func TestRunCancellationReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, Request{Cmd: "sleep", Args: []string{"30"}})
	require.Error(t, err)
	assert.True(t, errkind.IsAbort(err))
}

func TestRunAllowlist(t *testing.T) {
	_, err := Run(context.Background(), Request{
		Cmd:       "sh",
		Args:      []string{"-c", "true"},
		Allowlist: []string{"echo", "ls"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.ErrInput))

	res, err := Run(context.Background(), Request{
		Cmd:       "sh",
		Args:      []string{"-c", "true"},
		Allowlist: []string{"*"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Request{Cmd: "definitely-not-a-binary-ads"})
	require.Error(t, err)
	var execErr *exec.Error
	assert.True(t, errors.As(err, &execErr))
}
