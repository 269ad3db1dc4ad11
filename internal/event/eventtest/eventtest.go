package eventtest

import (
	"context"
	"sync"
	"time"

	"github.com/courtyard-app/courtyard/internal/event"
)

// Recorder is an event.Emitter keeping everything it receives in order.
type Recorder struct {
	mx     sync.Mutex
	events []event.Event
	signal chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{signal: make(chan struct{}, 1)}
}

func (r *Recorder) Emit(_ context.Context, ev event.Event) error {
	r.mx.Lock()
	r.events = append(r.events, ev)
	r.mx.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []event.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make([]event.Event, len(r.events))
	copy(ret, r.events)
	return ret
}

// Channels returns the channel names in emit order.
func (r *Recorder) Channels() []string {
	evs := r.Events()
	ret := make([]string, len(evs))
	for i, ev := range evs {
		ret[i] = ev.Channel
	}
	return ret
}

// Final returns the terminal events.
func (r *Recorder) Final() []event.Event {
	var ret []event.Event
	for _, ev := range r.Events() {
		if ev.Final {
			ret = append(ret, ev)
		}
	}
	return ret
}

// WaitFor blocks until an event on channel arrives or the timeout elapses.
func (r *Recorder) WaitFor(channel string, timeout time.Duration) (event.Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, ev := range r.Events() {
			if ev.Channel == channel {
				return ev, true
			}
		}
		select {
		case <-r.signal:
		case <-deadline.C:
			return event.Event{}, false
		}
	}
}
