package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/courtyard-app/courtyard/internal/demux"
	"github.com/courtyard-app/courtyard/internal/event"
	"github.com/courtyard-app/courtyard/internal/log"
	"github.com/courtyard-app/courtyard/internal/model"
	"github.com/courtyard-app/courtyard/internal/registry"
)

// DefaultWaitDelay bounds the wait for pipes after the process exited or
// after the stop signal was sent on context cancellation.
const DefaultWaitDelay = 10 * time.Second

// StderrFunc is called for every line the worker writes to stderr.
type StderrFunc func(ctx context.Context, line string)

// Invocation describes one worker process.
type Invocation struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the environment of the current process.
	Env []string
	// OutputDir is the directory the worker writes to, if any.
	OutputDir string
}

func (i Invocation) environ() []string {
	if len(i.Env) == 0 {
		return nil
	}
	return append(os.Environ(), i.Env...)
}

type RunOptions struct {
	// Prefix is the event channel domain.
	Prefix      string
	Correlation demux.Correlation
	Key         string
	RunID       string
	Emitter     event.Emitter
	// CancelKey registers the process under a key. Primary uses the
	// primary slot instead.
	CancelKey string
	Primary   bool
	Stderr    StderrFunc
}

// Outcome is the classified result of one run.
type Outcome struct {
	Status   model.Status
	ExitCode int
	Message  string
	// WorkerReported is true when the worker emitted its own error event.
	WorkerReported bool
	Err            error
	Stderr         []string
	Started        time.Time
	Stopped        time.Time
	Stats          demux.Stats
}

func (o Outcome) Duration() time.Duration {
	return o.Stopped.Sub(o.Started)
}

// Runner spawns workers and classifies their exit.
type Runner struct {
	registry  *registry.Registry
	tail      int
	waitDelay time.Duration
}

func NewRunner(reg *registry.Registry, tail int) *Runner {
	if tail <= 0 {
		tail = model.DefaultStderrTail
	}
	return &Runner{
		registry:  reg,
		tail:      tail,
		waitDelay: DefaultWaitDelay,
	}
}

// Run starts the worker and blocks until it exited and both of its output
// streams were drained. The process is registered for cancellation before
// any output is read and deregistered after the exit was classified. Run
// never panics, every failure is reported as an Outcome.
func (r *Runner) Run(ctx context.Context, inv Invocation, opts RunOptions) (out Outcome) {
	started := time.Now().UTC()
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "worker run panicked", "panic", p)
			out = Outcome{
				Status:   model.StatusFailed,
				ExitCode: -1,
				Message:  fmt.Sprintf("internal error: %v", p),
				Err:      fmt.Errorf("panic: %v", p),
			}
		}
		out.Started = started
		out.Stopped = time.Now().UTC()
	}()

	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.environ()
	// nil Stdin reads from the null device
	cmd.Stdin = nil
	cmd.WaitDelay = r.waitDelay
	configureProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailure(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return spawnFailure(err)
	}

	if err := cmd.Start(); err != nil {
		slog.ErrorContext(ctx, "starting worker", "path", inv.Path, "error", err)
		return spawnFailure(err)
	}

	pid := cmd.Process.Pid
	var token registry.Token
	tracked := false
	switch {
	case opts.Primary:
		token, tracked = r.registry.RegisterPrimary(pid, pid), true
	case opts.CancelKey != "":
		token, tracked = r.registry.Register(opts.CancelKey, pid, pid), true
	}
	if tracked {
		defer r.registry.Deregister(token)
	}

	ctx = log.ContextAttrs(ctx, slog.Int("pid", pid))
	slog.DebugContext(ctx, "worker started", "path", inv.Path, "args", inv.Args)

	fwd := demux.Forwarder{
		Prefix:      opts.Prefix,
		Correlation: opts.Correlation,
		Key:         opts.Key,
		RunID:       opts.RunID,
		Emitter:     opts.Emitter,
	}
	tail := newTail(r.tail)

	var stats demux.Stats
	var g errgroup.Group
	g.Go(func() error {
		var err error
		stats, err = fwd.Forward(ctx, stdout)
		return err
	})
	g.Go(func() error {
		return drainStderr(ctx, stderr, tail, opts.Stderr)
	})
	drainErr := g.Wait()
	if drainErr != nil {
		slog.WarnContext(ctx, "draining worker output", "error", drainErr)
	}

	waitErr := cmd.Wait()
	stopRequested := tracked && r.registry.StopRequested(token)

	out = classify(cmd.ProcessState, waitErr, stopRequested || ctx.Err() != nil, stats, tail.Lines())
	slog.DebugContext(ctx, "worker finished", "status", out.Status, "exit_code", out.ExitCode)
	return out
}

func spawnFailure(err error) Outcome {
	return Outcome{
		Status:   model.StatusFailed,
		ExitCode: -1,
		Message:  err.Error(),
		Err:      fmt.Errorf("%w: %w", model.ErrSpawn, err),
	}
}

func classify(state *os.ProcessState, waitErr error, stopRequested bool, stats demux.Stats, stderr []string) Outcome {
	out := Outcome{
		Stats:          stats,
		Stderr:         stderr,
		WorkerReported: stats.Reported(event.TypeError),
	}
	if state == nil {
		out.Status = model.StatusFailed
		out.ExitCode = -1
		out.Err = waitErr
		out.Message = fmt.Sprintf("waiting for worker: %v", waitErr)
		return out
	}

	code, stopSignal := exitStatus(state)
	out.ExitCode = code
	switch {
	case code == 0:
		out.Status = model.StatusSucceeded
		return out
	case stopSignal, code == exitSIGTERM, code == exitSIGINT, stopRequested:
		out.Status = model.StatusCancelled
		out.Message = "stopped"
		return out
	}

	out.Status = model.StatusFailed
	out.Err = waitErr
	switch {
	case out.WorkerReported:
		out.Message = stats.LastError
	case len(stderr) > 0:
		out.Message = strings.Join(stderr, "\n")
	default:
		out.Message = fmt.Sprintf("worker exited with code %d (no details available)", code)
	}
	return out
}

// 128+signal as reported by shells and wrappers
const (
	exitSIGINT  = 130
	exitSIGTERM = 143
)

func drainStderr(ctx context.Context, r io.Reader, tail *tailBuffer, fn StderrFunc) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			tail.Add(line)
			if fn != nil {
				fn(ctx, line)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stderr: %w", err)
		}
	}
}
