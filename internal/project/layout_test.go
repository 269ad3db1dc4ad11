package project_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/courtyard-app/courtyard/internal/model"
	"github.com/courtyard-app/courtyard/internal/project"
	"github.com/stretchr/testify/require"
)

func TestEnsure(t *testing.T) {
	t.Parallel()
	l := project.Layout{Home: t.TempDir()}

	path, err := l.Ensure("p1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(l.Home, "projects", "p1"), path)
	for _, d := range model.ProjectDirs {
		require.DirExists(t, filepath.Join(path, d))
	}
	require.Equal(t, filepath.Join(path, "dataset"), l.DatasetRoot("p1"))

	ids, err := l.Projects()
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, ids)

	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := l.Ensure(bad)
		require.ErrorIs(t, err, model.ErrPrecondition, bad)
	}
}

func TestProjectsMissingHome(t *testing.T) {
	t.Parallel()
	l := project.Layout{Home: filepath.Join(t.TempDir(), "missing")}
	ids, err := l.Projects()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestPreconditions(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	scripts := filepath.Join(home, "scripts")
	require.NoError(t, os.MkdirAll(scripts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "clean_data.py"), nil, 0o644))

	l := project.Layout{Home: home, Python: filepath.Join(home, "python"), Scripts: scripts}
	require.ErrorIs(t, l.PythonReady(), model.ErrPrecondition)
	require.NoError(t, os.WriteFile(l.Python, nil, 0o755))
	require.NoError(t, l.PythonReady())

	path, err := l.Script("clean_data.py")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(scripts, "clean_data.py"), path)

	_, err = l.Script("inference.py")
	require.ErrorIs(t, err, model.ErrPrecondition)
	require.ErrorContains(t, err, "inference.py")
}

func TestLatestAdapter(t *testing.T) {
	t.Parallel()
	l := project.Layout{Home: t.TempDir()}
	_, ok := l.LatestAdapter("p")
	require.False(t, ok)

	_, err := l.Ensure("p")
	require.NoError(t, err)
	adapters := l.Dir("p", model.DirAdapters)
	now := time.Now()
	for i, name := range []string{"b", "a", "c"} {
		dir := filepath.Join(adapters, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		ts := now.Add(time.Duration(i) * time.Minute)
		if name == "a" {
			ts = now.Add(time.Hour)
		}
		require.NoError(t, os.Chtimes(dir, ts, ts))
	}
	require.NoError(t, os.WriteFile(filepath.Join(adapters, "z.txt"), nil, 0o644))

	got, ok := l.LatestAdapter("p")
	require.True(t, ok)
	require.Equal(t, filepath.Join(adapters, "a"), got)
}
