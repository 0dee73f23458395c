//go:build !windows

package runtime

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcGroup gives the child its own process group so teardown can signal
// helpers the runtime may fork, not just the leader.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		// Group already gone; fall back to the single process.
		return cmd.Process.Signal(sig)
	}
	return unix.Kill(-pgid, sig)
}

func terminateProcess(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGTERM)
}

func killProcess(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}
