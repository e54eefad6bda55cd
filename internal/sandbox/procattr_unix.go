//go:build unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcess starts the child in its own process group so a timeout
// kills everything it spawned.
func configureProcess(cmd *exec.Cmd, isolateNetwork bool) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if isolateNetwork {
		isolate(cmd.SysProcAttr)
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
