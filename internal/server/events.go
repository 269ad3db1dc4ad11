package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/courtyard-app/courtyard/internal/event"
)

const keepAlive = 15 * time.Second

// events streams published events as server-sent events. The event name is
// the channel, the data its JSON encoding. Repeated domain query parameters
// restrict the stream to those domains.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	domains := r.URL.Query()["domain"]

	sub := s.broker.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.WarnContext(r.Context(), "streaming not supported by response writer", "error", err)
		return
	}

	ctx := r.Context()
	for {
		ev, err := next(ctx, sub)
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			_, err = fmt.Fprint(w, ": ping\n\n")
		case err != nil:
			slog.DebugContext(ctx, "event stream ended", "error", err, "dropped", sub.Dropped())
			return
		case len(domains) > 0 && !slices.Contains(domains, ev.Domain()):
			continue
		default:
			err = writeEvent(w, ev)
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			slog.DebugContext(ctx, "client disconnected", "error", err)
			return
		}
	}
}

func next(ctx context.Context, sub *event.Subscription) (event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, keepAlive)
	defer cancel()
	return sub.Next(ctx)
}

func writeEvent(w http.ResponseWriter, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("skipping event", "channel", ev.Channel, "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(ev.Channel), data)
	return err
}

// eventName drops control characters, a line break would end the field.
func eventName(channel string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, channel)
}
