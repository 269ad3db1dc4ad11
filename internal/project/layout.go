// Package project resolves the on-disk layout under the Courtyard home.
package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/courtyard-app/courtyard/internal/model"
)

type Layout struct {
	Home    string
	Python  string
	Scripts string
}

func NewLayout(cfg model.Config) Layout {
	return Layout{
		Home:    cfg.HomeDir(),
		Python:  cfg.PythonBin(),
		Scripts: cfg.ScriptsDir(),
	}
}

// ValidID rejects ids which would escape the projects directory.
func ValidID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return model.Preconditionf("invalid project id %q", id)
	case strings.ContainsAny(id, `/\`):
		return model.Preconditionf("invalid project id %q", id)
	}
	return nil
}

func (l Layout) ProjectsDir() string {
	return filepath.Join(l.Home, "projects")
}

func (l Layout) ProjectPath(id string) string {
	return filepath.Join(l.ProjectsDir(), id)
}

func (l Layout) Dir(id, name string) string {
	return filepath.Join(l.ProjectPath(id), name)
}

func (l Layout) DatasetRoot(id string) string {
	return l.Dir(id, model.DirDataset)
}

// Ensure creates the project directory with all its subdirectories.
func (l Layout) Ensure(id string) (string, error) {
	if err := ValidID(id); err != nil {
		return "", err
	}
	for _, d := range model.ProjectDirs {
		if err := os.MkdirAll(l.Dir(id, d), 0o755); err != nil {
			return "", fmt.Errorf("creating project subdir %s: %w", d, err)
		}
	}
	return l.ProjectPath(id), nil
}

// Projects returns ids of existing projects.
func (l Layout) Projects() ([]string, error) {
	entries, err := os.ReadDir(l.ProjectsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, e := range entries {
		if e.IsDir() {
			ret = append(ret, e.Name())
		}
	}
	return ret, nil
}

// PythonReady checks the worker interpreter exists.
func (l Layout) PythonReady() error {
	if _, err := os.Stat(l.Python); err != nil {
		return model.Preconditionf("python environment is not ready: %s", l.Python)
	}
	return nil
}

// ScriptsDir returns the configured scripts directory, or the first of
// <exe dir>/scripts, <exe dir>/../Resources/scripts, ./scripts which exists.
func (l Layout) ScriptsDir() string {
	if l.Scripts != "" {
		return l.Scripts
	}
	var candidates []string
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, "scripts"),
			filepath.Join(dir, "..", "Resources", "scripts"),
		)
	}
	candidates = append(candidates, "scripts")
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && fi.IsDir() {
			if abs, err := filepath.Abs(c); err == nil {
				return abs
			}
			return c
		}
	}
	return "scripts"
}

// Script returns the path of a worker script or a precondition error.
func (l Layout) Script(name string) (string, error) {
	path := filepath.Join(l.ScriptsDir(), name)
	if _, err := os.Stat(path); err != nil {
		return "", model.Preconditionf("worker script not found: %s", path)
	}
	return path, nil
}

// LatestAdapter returns the most recently modified directory in adapters.
func (l Layout) LatestAdapter(id string) (string, bool) {
	dir := l.Dir(id, model.DirAdapters)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var best string
	var bestTime time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || fi.ModTime().After(bestTime) {
			best, bestTime = filepath.Join(dir, e.Name()), fi.ModTime()
		}
	}
	return best, best != ""
}
