//go:build windows

package runner

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, kill bool) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func exitSignal(err *exec.ExitError) string { return "" }
