//go:build !windows

package copilot

import (
	"os/exec"
	"syscall"
)

// detachProcessGroup runs cmd in its own process group so a timeout can
// kill everything it spawned.
func detachProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
