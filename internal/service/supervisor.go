package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/courtyard-app/courtyard/internal/demux"
	"github.com/courtyard-app/courtyard/internal/event"
	"github.com/courtyard-app/courtyard/internal/log"
	"github.com/courtyard-app/courtyard/internal/model"
	"github.com/courtyard-app/courtyard/internal/outdir"
	"github.com/courtyard-app/courtyard/internal/project"
	"github.com/courtyard-app/courtyard/internal/registry"
)

var ErrClosed = errors.New("supervisor is closed")

// Ack is returned as soon as a run was started. The rest is reported
// through events.
type Ack struct {
	RunID  string       `json:"run_id"`
	Domain model.Domain `json:"domain"`
	Key    string       `json:"key,omitempty"`
	// Version is the staging id of a dataset run
	Version string `json:"version,omitempty"`
}

// Supervisor starts worker runs in the background and reports their
// progress and their single terminal event through the Emitter.
type Supervisor struct {
	ctx      context.Context
	cfg      model.Config
	layout   project.Layout
	registry *registry.Registry
	outputs  *outdir.Manager
	runner   *Runner
	emitter  event.Emitter
	metrics  *Metrics

	mx     sync.Mutex
	slots  map[string]struct{}
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Supervisor)

func WithEmitter(e event.Emitter) Option {
	return func(s *Supervisor) { s.emitter = e }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func WithRegistry(r *registry.Registry) Option {
	return func(s *Supervisor) { s.registry = r }
}

func WithOutputs(m *outdir.Manager) Option {
	return func(s *Supervisor) { s.outputs = m }
}

// NewSupervisor returns a supervisor whose runs live as long as ctx.
func NewSupervisor(ctx context.Context, cfg model.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		ctx:     ctx,
		cfg:     cfg,
		layout:  project.NewLayout(cfg),
		emitter: event.Discard,
		slots:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = registry.New()
	}
	if s.outputs == nil {
		s.outputs = outdir.New()
	}
	s.runner = NewRunner(s.registry, cfg.TailLines())
	return s
}

func (s *Supervisor) Layout() project.Layout {
	return s.layout
}

func (s *Supervisor) Outputs() *outdir.Manager {
	return s.outputs
}

// job is a validated run request.
type job struct {
	domain model.Domain
	key    string
	corr   demux.Correlation
	// slot makes the job exclusive, empty means unlimited
	slot      string
	primary   bool
	cancelKey string
	// stagingRoot allocates a versioned output directory
	stagingRoot  string
	stderrEvents bool
	build        func(outputDir string) Invocation
}

func (s *Supervisor) launch(ctx context.Context, j job) (Ack, error) {
	if err := s.reserve(j.slot); err != nil {
		return Ack{}, err
	}

	ack := Ack{RunID: uuid.NewString(), Domain: j.domain, Key: j.key}
	var staging *outdir.Staging
	var outputDir string
	if j.stagingRoot != "" {
		st, err := s.outputs.Allocate(j.stagingRoot)
		if err != nil {
			s.release(j.slot)
			return Ack{}, fmt.Errorf("allocating output directory: %w", err)
		}
		staging = &st
		outputDir = st.Path
		ack.Version = st.ID
	}
	inv := j.build(outputDir)

	runCtx := log.ContextAttrs(s.ctx,
		slog.String("run_id", ack.RunID),
		slog.String("domain", string(j.domain)),
	)

	// Close must not start waiting between the check and wg.Go
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		delete(s.slots, j.slot)
		if staging != nil {
			s.outputs.Discard(*staging)
		}
		return Ack{}, ErrClosed
	}
	slog.InfoContext(ctx, "starting run", "run_id", ack.RunID, "domain", j.domain, "key", j.key)
	s.metrics.started(j.domain)
	s.wg.Go(func() {
		defer s.release(j.slot)
		s.execute(runCtx, ack, j, inv, staging)
	})
	return ack, nil
}

func (s *Supervisor) reserve(slot string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	// a cancelled supervisor context would fail the spawn
	if s.closed || s.ctx.Err() != nil {
		return ErrClosed
	}
	if slot == "" {
		return nil
	}
	if _, ok := s.slots[slot]; ok {
		return fmt.Errorf("%w: %s", model.ErrJobInProgress, slot)
	}
	s.slots[slot] = struct{}{}
	return nil
}

func (s *Supervisor) release(slot string) {
	if slot == "" {
		return
	}
	s.mx.Lock()
	delete(s.slots, slot)
	s.mx.Unlock()
}

func (s *Supervisor) execute(ctx context.Context, ack Ack, j job, inv Invocation, staging *outdir.Staging) {
	emitter := event.EmitterFunc(func(ctx context.Context, ev event.Event) error {
		s.metrics.event(ev)
		return s.emitter.Emit(ctx, ev)
	})

	terminated := false
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		slog.ErrorContext(ctx, "run panicked", "panic", p)
		if staging != nil {
			s.outputs.Discard(*staging)
		}
		if !terminated {
			out := Outcome{Status: model.StatusFailed, ExitCode: -1, Message: fmt.Sprintf("internal error: %v", p)}
			s.metrics.finished(j.domain, out)
			if ev, ok := terminalEvent(ack, j, out, nil); ok {
				_ = emitter.Emit(ctx, ev)
			}
		}
	}()

	opts := RunOptions{
		Prefix:      string(j.domain),
		Correlation: j.corr,
		Key:         j.key,
		RunID:       ack.RunID,
		Emitter:     emitter,
		CancelKey:   j.cancelKey,
		Primary:     j.primary,
		Stderr: func(ctx context.Context, line string) {
			slog.DebugContext(ctx, "worker stderr", "line", line)
		},
	}
	if j.stderrEvents {
		opts.Stderr = func(ctx context.Context, line string) {
			fields := map[string]any{"line": line}
			if j.corr.Name != "" {
				fields[j.corr.Name] = j.corr.Value
			}
			ev := event.New(string(j.domain), event.TypeLog, fields)
			ev.Key = j.key
			ev.RunID = ack.RunID
			_ = emitter.Emit(ctx, ev)
		}
	}

	out := s.runner.Run(ctx, inv, opts)

	var version *outdir.Version
	if staging != nil {
		if out.Status == model.StatusSucceeded {
			v, err := s.outputs.Promote(*staging)
			if err != nil {
				slog.ErrorContext(ctx, "promoting output directory", "error", err)
				out.Status = model.StatusFailed
				out.Message = err.Error()
				out.Err = err
				out.WorkerReported = false
			} else {
				version = &v
			}
		} else {
			s.outputs.Discard(*staging)
		}
		staging = nil
	}

	terminated = true
	s.metrics.finished(j.domain, out)
	slog.InfoContext(ctx, "run finished", "status", out.Status, "exit_code", out.ExitCode, "duration", out.Duration())
	if ev, ok := terminalEvent(ack, j, out, version); ok {
		if err := emitter.Emit(ctx, ev); err != nil {
			slog.WarnContext(ctx, "emitting terminal event", "channel", ev.Channel, "error", err)
		}
	}
}

// terminalEvent returns the single event closing a run. There is none for a
// failure the worker reported itself, its own error event closes the run.
func terminalEvent(ack Ack, j job, out Outcome, version *outdir.Version) (event.Event, bool) {
	prefix := string(j.domain)
	var ev event.Event
	switch {
	case j.domain == model.DomainDownload:
		fields := map[string]any{
			"repo_id": j.key,
			"success": out.Status == model.StatusSucceeded,
		}
		switch out.Status {
		case model.StatusCancelled:
			fields["stopped"] = true
		case model.StatusFailed:
			fields["error"] = out.Message
		}
		ev = event.New(prefix, event.TypeFinished, fields)
	case out.Status == model.StatusSucceeded && version != nil:
		ev = event.New(prefix, event.TypeVersion, map[string]any{
			"version": version.ID,
			"path":    version.Path,
		})
	case out.Status == model.StatusSucceeded:
		ev = event.New(prefix, event.TypeFinished, map[string]any{"success": true})
	case out.Status == model.StatusCancelled:
		msg := prefix + " stopped"
		if j.stagingRoot != "" {
			msg = "Generation stopped, incomplete data cleaned up"
		}
		ev = event.New(prefix, event.TypeStopped, map[string]any{"message": msg})
	case out.WorkerReported:
		return event.Event{}, false
	default:
		ev = event.New(prefix, event.TypeError, map[string]any{"message": out.Message})
	}
	if j.corr.Name != "" {
		ev.Fields[j.corr.Name] = j.corr.Value
	}
	ev.Key = j.key
	ev.RunID = ack.RunID
	ev.Final = true
	return ev, true
}

// StopGeneration stops the running dataset generation.
func (s *Supervisor) StopGeneration() error {
	err := s.registry.CancelPrimary()
	s.metrics.cancel(err)
	return err
}

// StopDownload stops the download of repoID.
func (s *Supervisor) StopDownload(repoID string) error {
	err := s.registry.Cancel(downloadKey(repoID))
	s.metrics.cancel(err)
	return err
}

// Jobs lists the processes which can be stopped.
func (s *Supervisor) Jobs(ctx context.Context) []registry.Tracked {
	return s.registry.Snapshot(ctx)
}

func (s *Supervisor) Versions(ctx context.Context, projectID string) ([]outdir.Version, error) {
	if err := project.ValidID(projectID); err != nil {
		return nil, err
	}
	return s.outputs.List(ctx, s.layout.DatasetRoot(projectID))
}

func (s *Supervisor) Preview(projectID, version string) ([]json.RawMessage, error) {
	if err := project.ValidID(projectID); err != nil {
		return nil, err
	}
	return s.outputs.Preview(s.layout.DatasetRoot(projectID), version, outdir.PreviewRows)
}

// DatasetRoots returns the dataset directory of every project, the roots
// swept for orphaned staging directories.
func (s *Supervisor) DatasetRoots() ([]string, error) {
	ids, err := s.layout.Projects()
	if err != nil {
		return nil, err
	}
	roots := make([]string, 0, len(ids))
	for _, id := range ids {
		roots = append(roots, s.layout.DatasetRoot(id))
	}
	return roots, nil
}

// Close rejects new runs and waits for the running ones. Cancel the context
// given to NewSupervisor to stop them.
func (s *Supervisor) Close() {
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()
	s.wg.Wait()
}
