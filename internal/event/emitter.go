package event

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Emitter hands events to an external listener. Implementations must keep
// the order of events emitted by one goroutine.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, Event) error { return nil })

// Multi emits to every emitter in order, all of them are tried.
func Multi(emitters ...Emitter) Emitter {
	return EmitterFunc(func(ctx context.Context, ev Event) error {
		var errs []error
		for _, e := range emitters {
			if err := e.Emit(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Writer encodes events as JSON lines.
type Writer struct {
	mx  sync.Mutex
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc}
}

func (w *Writer) Emit(_ context.Context, ev Event) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.enc.Encode(ev)
}
