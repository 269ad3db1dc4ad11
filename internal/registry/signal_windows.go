//go:build windows

package registry

import (
	"errors"
	"fmt"
	"os"
)

// ProcessSignaler kills the process. Windows has no SIGTERM, the runner
// classifies the exit through the registry's stop request instead.
type ProcessSignaler struct{}

func (ProcessSignaler) Terminate(pid, _ int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
