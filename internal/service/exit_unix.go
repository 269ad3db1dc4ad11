//go:build !windows

package service

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/courtyard-app/courtyard/internal/registry"
)

// configureProcess puts the worker into its own process group, so a stop
// reaches the wrapper and everything it started.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return registry.ProcessSignaler{}.Terminate(cmd.Process.Pid, cmd.Process.Pid)
	}
}

// exitStatus returns the exit code, 128+signal for a signaled process, and
// whether the signal was a cooperative stop.
func exitStatus(state *os.ProcessState) (int, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return state.ExitCode(), false
	}
	sig := ws.Signal()
	return 128 + int(sig), sig == syscall.SIGTERM || sig == syscall.SIGINT
}
