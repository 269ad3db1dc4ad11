//go:build !windows

package registry

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessSignaler sends SIGTERM to the process group and then to the
// process itself, so a wrapper and the worker it launched both get it.
type ProcessSignaler struct{}

func (ProcessSignaler) Terminate(pid, pgid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if pgid <= 0 {
		if g, err := unix.Getpgid(pid); err == nil {
			pgid = g
		}
	}

	var errs []error
	// never signal our own group
	if pgid > 0 && pgid != unix.Getpgrp() {
		if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("signaling group %d: %w", pgid, err))
		}
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, fmt.Errorf("signaling %d: %w", pid, err))
	}
	return errors.Join(errs...)
}
