package outdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/courtyard-app/courtyard/internal/model"
)

// Sweep removes staging directories under root left behind by a crashed
// process. Only directories older than minAge and not allocated by this
// Manager are touched.
func (m *Manager) Sweep(ctx context.Context, root string, minAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	cutoff := m.now().Add(-minAge)
	var removed []string
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		fi, err := os.Stat(filepath.Join(dir, Marker))
		if err != nil || m.isInflight(dir) || fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.InfoContext(ctx, "removed orphaned staging directory", "path", dir)
		removed = append(removed, dir)
	}
	return removed, errors.Join(errs...)
}

// Sweeper runs Sweep periodically over the roots returned by Roots.
type Sweeper struct {
	manager   *Manager
	roots     func() ([]string, error)
	minAge    time.Duration
	scheduler gocron.Scheduler
}

func NewSweeper(ctx context.Context, m *Manager, sched model.Schedule, minAge time.Duration, roots func() ([]string, error)) (*Sweeper, error) {
	var job gocron.JobDefinition
	switch {
	case sched.Cron != "":
		job = gocron.CronJob(sched.Cron, false)
	case sched.Every > 0:
		job = gocron.DurationJob(sched.Every)
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	sw := &Sweeper{manager: m, roots: roots, minAge: minAge, scheduler: s}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() { sw.Run(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return sw, nil
}

// Run sweeps all roots once and returns the removed directories.
func (s *Sweeper) Run(ctx context.Context) []string {
	roots, err := s.roots()
	if err != nil {
		slog.ErrorContext(ctx, "listing sweep roots", "error", err)
		return nil
	}
	var removed []string
	for _, root := range roots {
		r, err := s.manager.Sweep(ctx, root, s.minAge)
		if err != nil {
			slog.WarnContext(ctx, "sweep", "root", root, "error", err)
		}
		removed = append(removed, r...)
	}
	return removed
}

// Start runs the scheduler until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.scheduler.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
}

func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}
