package outdir

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/courtyard-app/courtyard/internal/parallel"
)

const (
	TrainFile = "train.jsonl"
	ValidFile = "valid.jsonl"
	// Legacy names the flat layout with the files directly under root.
	Legacy = "legacy"
	// PreviewRows is the default number of rows returned by Preview.
	PreviewRows = 50

	displayFormat = "2006-01-02 15:04"
	statLimit     = 4
)

var (
	ErrNoDataset      = errors.New("no dataset found")
	ErrInvalidVersion = errors.New("invalid version")
)

type Version struct {
	ID         string `json:"version"`
	Path       string `json:"path"`
	State      State  `json:"-"`
	TrainCount int    `json:"train_count"`
	ValidCount int    `json:"valid_count"`
	TrainSize  int64  `json:"train_size"`
	ValidSize  int64  `json:"valid_size"`
	Created    string `json:"created"`
}

// List returns the finalized versions under root, newest first, followed by
// the legacy layout if present. A missing root is not an error.
func (m *Manager) List(ctx context.Context, root string) ([]Version, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	var found []Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if !exists(filepath.Join(dir, TrainFile)) || exists(filepath.Join(dir, Marker)) {
			continue
		}
		found = append(found, Version{ID: e.Name(), Path: dir, State: StateFinal, Created: displayID(e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID > found[j].ID })

	if fi, err := os.Stat(filepath.Join(root, TrainFile)); err == nil && fi.Mode().IsRegular() {
		found = append(found, Version{ID: Legacy, Path: root, State: StateFinal, Created: fi.ModTime().Local().Format(displayFormat)})
	}

	ret, err := parallel.Map(ctx, statLimit, found, func(_ context.Context, v Version) (Version, error) {
		v.TrainCount, v.TrainSize = stat(filepath.Join(v.Path, TrainFile))
		v.ValidCount, v.ValidSize = stat(filepath.Join(v.Path, ValidFile))
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if ret == nil {
		ret = []Version{}
	}
	return ret, nil
}

// Latest returns the newest finalized version directory, not the legacy one.
func (m *Manager) Latest(root string) (string, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	var best string
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		if !e.IsDir() || !exists(filepath.Join(dir, TrainFile)) || exists(filepath.Join(dir, Marker)) {
			continue
		}
		if e.Name() > best {
			best = e.Name()
		}
	}
	return best, best != ""
}

// Preview returns up to limit rows of the version's train.jsonl. Lines which
// are not JSON are skipped but count against the limit. Version "" or
// Legacy reads the flat layout, or the latest version if there is none.
func (m *Manager) Preview(root, version string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = PreviewRows
	}
	var path string
	switch version {
	case "", Legacy:
		path = filepath.Join(root, TrainFile)
		if !exists(path) {
			latest, ok := m.Latest(root)
			if !ok {
				return nil, ErrNoDataset
			}
			path = filepath.Join(root, latest, TrainFile)
		}
	default:
		if filepath.Base(version) != version || version == "." || version == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, version)
		}
		path = filepath.Join(root, version, TrainFile)
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ret := []json.RawMessage{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for i := 0; i < limit && sc.Scan(); i++ {
		line := bytes.TrimSpace(sc.Bytes())
		if !json.Valid(line) {
			continue
		}
		ret = append(ret, json.RawMessage(bytes.Clone(line)))
	}
	if err := sc.Err(); err != nil {
		return ret, fmt.Errorf("reading %s: %w", path, err)
	}
	return ret, nil
}

// stat returns the number of non blank lines and the size of path.
func stat(path string) (int, int64) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	var size int64
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	var n int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, size
}

// displayID turns 20260211_103031 into 2026-02-11 10:30.
func displayID(id string) string {
	t, err := time.ParseInLocation(IDFormat, id, time.Local)
	if err != nil {
		return id
	}
	return t.Format(displayFormat)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
