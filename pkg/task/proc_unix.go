//go:build !windows

package task

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// configureProcess puts the child in its own process group so that stop
// reaches anything it spawned and a terminal ^C is left to the controller.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess sends SIGTERM and, without waiting, SIGKILL to the
// process group of cmd. A process that is already gone counts as
// terminated: the reaper may collect it between the two signals.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err == nil || isNoSuchProcess(err) {
		return nil
	}
	if kerr := cmd.Process.Kill(); kerr != nil && !isNoSuchProcess(kerr) {
		return fmt.Errorf("kill process %d: %w", pid, kerr)
	}
	return nil
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
