package outdir_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/courtyard-app/courtyard/internal/outdir"
	"github.com/stretchr/testify/require"
)

func writeDataset(t *testing.T, dir string, train, valid int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var b strings.Builder
	for i := range train {
		b.WriteString(`{"text":"row ` + string(rune('a'+i%26)) + `"}` + "\n")
	}
	b.WriteString("\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, outdir.TrainFile), []byte(b.String()), 0o644))
	if valid > 0 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, outdir.ValidFile), []byte(strings.Repeat("{}\n", valid)), 0o644))
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	m := outdir.New()

	t.Run("missing root", func(t *testing.T) {
		t.Parallel()
		got, err := m.List(t.Context(), filepath.Join(t.TempDir(), "nope"))
		require.NoError(t, err)
		require.Empty(t, got)
		require.NotNil(t, got)
	})

	t.Run("no datasets", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "20250101_120000"), 0o755))
		got, err := m.List(t.Context(), root)
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("versions and legacy", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		writeDataset(t, filepath.Join(root, "20250101_120000"), 3, 1)
		writeDataset(t, filepath.Join(root, "20250301_080910"), 2, 0)
		writeDataset(t, root, 1, 1)

		// staging directories are not versions yet
		staging := filepath.Join(root, "20250401_000000")
		writeDataset(t, staging, 5, 0)
		require.NoError(t, os.WriteFile(filepath.Join(staging, outdir.Marker), nil, 0o644))

		got, err := m.List(t.Context(), root)
		require.NoError(t, err)
		require.Len(t, got, 3)

		require.Equal(t, "20250301_080910", got[0].ID)
		require.Equal(t, "2025-03-01 08:09", got[0].Created)
		require.Equal(t, 2, got[0].TrainCount)
		require.Equal(t, 0, got[0].ValidCount)
		require.Zero(t, got[0].ValidSize)

		require.Equal(t, "20250101_120000", got[1].ID)
		require.Equal(t, 3, got[1].TrainCount)
		require.Equal(t, 1, got[1].ValidCount)
		require.Equal(t, int64(3), got[1].ValidSize)

		require.Equal(t, outdir.Legacy, got[2].ID)
		require.Equal(t, root, got[2].Path)
		require.Equal(t, 1, got[2].TrainCount)
		require.NotEmpty(t, got[2].Created)

		b, err := json.Marshal(got[0])
		require.NoError(t, err)
		require.Contains(t, string(b), `"version":"20250301_080910"`)
	})
}

func TestPreview(t *testing.T) {
	t.Parallel()
	m := outdir.New()

	root := t.TempDir()
	writeDataset(t, filepath.Join(root, "20250101_120000"), 60, 0)
	writeDataset(t, filepath.Join(root, "20250201_120000"), 2, 0)
	f, err := os.OpenFile(filepath.Join(root, "20250201_120000", outdir.TrainFile), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n{\"ok\":true}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rows, err := m.Preview(root, "20250101_120000", 0)
	require.NoError(t, err)
	require.Len(t, rows, outdir.PreviewRows)

	// no legacy layout, the latest version is used
	rows, err = m.Preview(root, "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.JSONEq(t, `{"ok":true}`, string(rows[2]))

	rows, err = m.Preview(root, "20990101_000000", 0)
	require.NoError(t, err)
	require.Empty(t, rows)

	_, err = m.Preview(root, "../etc", 0)
	require.ErrorIs(t, err, outdir.ErrInvalidVersion)

	_, err = m.Preview(t.TempDir(), outdir.Legacy, 0)
	require.ErrorIs(t, err, outdir.ErrNoDataset)

	legacy := t.TempDir()
	writeDataset(t, legacy, 4, 0)
	rows, err = m.Preview(legacy, outdir.Legacy, 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	now := time.Now()
	m := outdir.New(outdir.WithClock(func() time.Time { return now }))

	// allocated by this process, must survive
	live, err := m.Allocate(root)
	require.NoError(t, err)
	old := now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(live.Path, outdir.Marker), old, old))

	orphan := filepath.Join(root, "20240101_000000")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, outdir.Marker), nil, 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(orphan, outdir.Marker), old, old))

	fresh := filepath.Join(root, "20240101_000001")
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fresh, outdir.Marker), nil, 0o644))

	final := filepath.Join(root, "20240101_000002")
	writeDataset(t, final, 1, 0)

	removed, err := m.Sweep(t.Context(), root, time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{orphan}, removed)
	require.DirExists(t, live.Path)
	require.DirExists(t, fresh)
	require.DirExists(t, final)

	removed, err = m.Sweep(t.Context(), filepath.Join(root, "missing"), time.Hour)
	require.NoError(t, err)
	require.Empty(t, removed)

	m.Discard(live)
}
