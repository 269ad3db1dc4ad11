//go:build windows

package service

import (
	"os"
	"os/exec"
)

func configureProcess(_ *exec.Cmd) {}

// exitStatus returns the exit code. Windows has no stop signal, a stop is
// recognized through the registry.
func exitStatus(state *os.ProcessState) (int, bool) {
	return state.ExitCode(), false
}
