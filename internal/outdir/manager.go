// Package outdir manages timestamp versioned output directories.
//
// A run gets a staging directory root/<id> before the worker starts. On a
// clean exit the directory is renamed to the completion time id, on any other
// exit it is removed. A marker file identifies staging directories, so the
// ones orphaned by a crash can be swept later.
package outdir

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	// IDFormat is fixed width, so ids sort lexicographically by time.
	IDFormat = "20060102_150405"
	// Marker is present in every staging directory.
	Marker = ".courtyard-staging"
)

type State int

const (
	StateStaging State = iota
	StateFinal
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateStaging:
		return "staging"
	case StateFinal:
		return "final"
	case StateDiscarded:
		return "discarded"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Staging is a directory allocated for one run.
type Staging struct {
	Root string
	ID   string
	Path string
}

type Manager struct {
	now      func() time.Time
	mx       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func New(opts ...Option) *Manager {
	m := &Manager{
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) newID() string {
	return m.now().Local().Format(IDFormat)
}

// Allocate creates root/<id> in staging state. Two allocations within the
// same second for one root collide and the second fails.
func (m *Manager) Allocate(root string) (Staging, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Staging{}, fmt.Errorf("creating output root: %w", err)
	}
	id := m.newID()
	path := filepath.Join(root, id)
	if err := os.Mkdir(path, 0o755); err != nil {
		return Staging{}, fmt.Errorf("creating staging directory: %w", err)
	}
	stamp := []byte(m.now().UTC().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(filepath.Join(path, Marker), stamp, 0o644); err != nil {
		_ = os.RemoveAll(path)
		return Staging{}, fmt.Errorf("marking staging directory: %w", err)
	}

	m.mx.Lock()
	m.inflight[path] = struct{}{}
	m.mx.Unlock()
	return Staging{Root: root, ID: id, Path: path}, nil
}

// Promote renames the staging directory to a new completion time id. If the
// rename fails the original id becomes final, the error is only logged.
func (m *Manager) Promote(s Staging) (Version, error) {
	defer m.release(s.Path)
	if _, err := os.Stat(s.Path); err != nil {
		return Version{}, fmt.Errorf("promoting %s: %w", s.ID, err)
	}

	id := s.ID
	path := s.Path
	if next := m.newID(); next != s.ID {
		target := filepath.Join(s.Root, next)
		if err := os.Rename(s.Path, target); err != nil {
			slog.Warn("renaming output directory failed: keeping the staging id", "id", s.ID, "target", next, "error", err)
		} else {
			id, path = next, target
		}
	}
	if err := os.Remove(filepath.Join(path, Marker)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("removing staging marker", "path", path, "error", err)
	}
	return Version{ID: id, Path: path, State: StateFinal}, nil
}

// Discard removes the staging directory. Errors are logged, a leftover is
// collected by Sweep.
func (m *Manager) Discard(s Staging) {
	defer m.release(s.Path)
	if err := os.RemoveAll(s.Path); err != nil {
		slog.Warn("discarding output directory", "path", s.Path, "error", err)
	}
}

func (m *Manager) release(path string) {
	m.mx.Lock()
	delete(m.inflight, path)
	m.mx.Unlock()
}

func (m *Manager) isInflight(path string) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	_, ok := m.inflight[path]
	return ok
}
