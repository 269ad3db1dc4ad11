package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("subscription closed")

// DefaultQueueSize bounds the backlog of one subscriber, the oldest events
// are dropped once it is reached.
const DefaultQueueSize = 4096

// Broker fans events out to subscribers. Emit never blocks on a slow
// subscriber, every subscription has its own FIFO queue.
type Broker struct {
	mx        sync.Mutex
	subs      map[*Subscription]struct{}
	queueSize int
	closed    bool
}

func NewBroker() *Broker {
	return &Broker{
		subs:      make(map[*Subscription]struct{}),
		queueSize: DefaultQueueSize,
	}
}

// WithQueueSize changes the backlog limit of subscriptions created later.
func (b *Broker) WithQueueSize(n int) *Broker {
	b.mx.Lock()
	defer b.mx.Unlock()
	if n > 0 {
		b.queueSize = n
	}
	return b
}

func (b *Broker) Emit(ctx context.Context, ev Event) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs {
		if dropped := s.push(ev); dropped {
			slog.WarnContext(ctx, "subscriber is too slow: dropping oldest event", "channel", ev.Channel)
		}
	}
	return nil
}

func (b *Broker) Subscribe() *Subscription {
	b.mx.Lock()
	defer b.mx.Unlock()
	s := &Subscription{
		broker: b,
		limit:  b.queueSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if b.closed {
		s.closeLocked()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Close ends all subscriptions. Queued events are still delivered.
func (b *Broker) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
		delete(b.subs, s)
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.subs)
}

type Subscription struct {
	broker *Broker
	limit  int

	mx      sync.Mutex
	queue   []Event
	dropped int
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription) push(ev Event) bool {
	s.mx.Lock()
	dropped := false
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, ev)
	s.mx.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until an event is available. It returns ErrClosed once the
// subscription is closed and drained, or the context error.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mx.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mx.Unlock()
			return ev, nil
		}
		s.mx.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
			s.mx.Lock()
			empty := len(s.queue) == 0
			s.mx.Unlock()
			if empty {
				return Event{}, ErrClosed
			}
		}
	}
}

// Dropped returns the number of events lost due to a full queue.
func (s *Subscription) Dropped() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.broker.mx.Lock()
	defer s.broker.mx.Unlock()
	delete(s.broker.subs, s)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.done) })
}
