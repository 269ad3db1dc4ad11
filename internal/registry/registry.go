// Package registry tracks the OS identity of in-flight worker processes so
// they can be stopped out of band.
//
// Secondary jobs (downloads) are tracked by their own key and can run side by
// side. The primary job (dataset generation) has a single slot. Every
// registration returns a Token. Deregister with a stale token is a no-op, so
// a run finishing late never removes the entry of the run which superseded it.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotFound is returned when there is no tracked process to stop. It is a
// normal condition, the job most likely finished already.
var ErrNotFound = errors.New("no active job")

// Signaler delivers the cooperative stop signal.
type Signaler interface {
	Terminate(pid, pgid int) error
}

type Token struct {
	key     string
	primary bool
	seq     uint64
}

func (t Token) Key() string   { return t.key }
func (t Token) Primary() bool { return t.primary }

// Tracked describes one registered process.
type Tracked struct {
	Key     string    `json:"key,omitempty"`
	Primary bool      `json:"primary,omitempty"`
	PID     int       `json:"pid"`
	Since   time.Time `json:"since"`
	Alive   bool      `json:"alive"`
}

type entry struct {
	pid   int
	pgid  int
	seq   uint64
	since time.Time
}

type Registry struct {
	mx       sync.Mutex
	seq      uint64
	keyed    map[string]entry
	primary  *entry
	stopped  map[uint64]struct{}
	signaler Signaler
	now      func() time.Time
}

type Option func(*Registry)

func WithSignaler(s Signaler) Option {
	return func(r *Registry) {
		r.signaler = s
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		keyed:    make(map[string]entry),
		stopped:  make(map[uint64]struct{}),
		signaler: ProcessSignaler{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register tracks pid under key. An existing entry for key is replaced.
func (r *Registry) Register(key string, pid, pgid int) Token {
	r.mx.Lock()
	defer r.mx.Unlock()
	e := r.newEntryLocked(pid, pgid)
	r.keyed[key] = e
	return Token{key: key, seq: e.seq}
}

// RegisterPrimary tracks pid in the primary slot, replacing any previous one.
func (r *Registry) RegisterPrimary(pid, pgid int) Token {
	r.mx.Lock()
	defer r.mx.Unlock()
	e := r.newEntryLocked(pid, pgid)
	r.primary = &e
	return Token{primary: true, seq: e.seq}
}

func (r *Registry) newEntryLocked(pid, pgid int) entry {
	r.seq++
	return entry{pid: pid, pgid: pgid, seq: r.seq, since: r.now()}
}

// Cancel sends the stop signal to the process tracked under key and clears
// the entry. Delivery is fire and forget, signal errors are only logged.
func (r *Registry) Cancel(key string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.keyed[key]
	if !ok {
		return ErrNotFound
	}
	delete(r.keyed, key)
	r.stopLocked(e, slog.String("key", key))
	return nil
}

// CancelPrimary is Cancel for the primary slot.
func (r *Registry) CancelPrimary() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.primary == nil {
		return ErrNotFound
	}
	e := *r.primary
	r.primary = nil
	r.stopLocked(e, slog.Bool("primary", true))
	return nil
}

func (r *Registry) stopLocked(e entry, attr slog.Attr) {
	r.stopped[e.seq] = struct{}{}
	if err := r.signaler.Terminate(e.pid, e.pgid); err != nil {
		slog.Warn("stop signal not confirmed", attr, "pid", e.pid, "error", err)
		return
	}
	slog.Debug("stop signal sent", attr, "pid", e.pid, "pgid", e.pgid)
}

// StopRequested reports whether Cancel was called for the token's entry.
func (r *Registry) StopRequested(t Token) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.stopped[t.seq]
	return ok
}

// Deregister forgets the token's entry. It is safe to call more than once.
func (r *Registry) Deregister(t Token) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.stopped, t.seq)
	if t.primary {
		if r.primary != nil && r.primary.seq == t.seq {
			r.primary = nil
		}
		return
	}
	if e, ok := r.keyed[t.key]; ok && e.seq == t.seq {
		delete(r.keyed, t.key)
	}
}

// Active reports whether a process is tracked under key.
func (r *Registry) Active(key string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.keyed[key]
	return ok
}

func (r *Registry) PrimaryActive() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.primary != nil
}

// Snapshot lists tracked processes, the primary first and the rest sorted
// by key. Liveness is probed outside of the lock.
func (r *Registry) Snapshot(ctx context.Context) []Tracked {
	r.mx.Lock()
	ret := make([]Tracked, 0, len(r.keyed)+1)
	if r.primary != nil {
		ret = append(ret, Tracked{Primary: true, PID: r.primary.pid, Since: r.primary.since})
	}
	for key, e := range r.keyed {
		ret = append(ret, Tracked{Key: key, PID: e.pid, Since: e.since})
	}
	r.mx.Unlock()

	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].Primary != ret[j].Primary {
			return ret[i].Primary
		}
		return ret[i].Key < ret[j].Key
	})
	for i := range ret {
		alive, err := process.PidExistsWithContext(ctx, int32(ret[i].PID))
		if err != nil {
			slog.DebugContext(ctx, "probing pid", "pid", ret[i].PID, "error", err)
		}
		ret[i].Alive = alive
	}
	return ret
}
