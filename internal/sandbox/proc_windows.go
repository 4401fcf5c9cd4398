//go:build windows

package sandbox

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func interruptProcessGroup(cmd *exec.Cmd) {
	killProcessGroup(cmd)
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
