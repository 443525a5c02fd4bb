//go:build unix

package executor

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcess puts the interpreter in its own process group so a
// cancel kills any children it spawned.
func configureProcess(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = grace
}
