package model

import (
	"errors"
	"fmt"
)

var (
	// ErrPrecondition is returned before any process is spawned: the python
	// environment is not set up, an input directory or a worker script is
	// missing.
	ErrPrecondition = errors.New("precondition failed")
	// ErrJobInProgress rejects a second run of a job which allows one
	// instance only.
	ErrJobInProgress = errors.New("job in progress")
	// ErrSpawn wraps the os/exec error of a process which could not be started.
	ErrSpawn = errors.New("spawn failed")
)

// Preconditionf returns an error wrapping ErrPrecondition
func Preconditionf(format string, args ...any) error {
	return &preconditionError{msg: fmt.Sprintf(format, args...)}
}

type preconditionError struct {
	msg string
}

func (e *preconditionError) Error() string { return e.msg }

func (e *preconditionError) Unwrap() error { return ErrPrecondition }
