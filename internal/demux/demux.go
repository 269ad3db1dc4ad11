// Package demux turns a worker's JSON-lines stdout into events.
//
// Each newline terminated line which decodes as one JSON object is published
// on "<prefix>:<type>". Anything else is published verbatim on "<prefix>:log"
// as {"line": ...}. A partial last line without a newline is dropped.
package demux

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"

	"github.com/courtyard-app/courtyard/internal/event"
)

// Correlation is a key added to every structured payload, for example
// project_id for exports or repo_id for downloads.
type Correlation struct {
	Name  string
	Value string
}

type Forwarder struct {
	Prefix      string
	Correlation Correlation
	// Key is set on every event, it defaults to the correlation value.
	Key     string
	RunID   string
	Emitter event.Emitter
}

type Stats struct {
	Lines  int
	Events int
	Logs   int
	// Types counts structured events by type
	Types map[string]int
	// Partial is the number of bytes dropped at the end of the stream
	Partial int
	// LastError is the message of the last error event
	LastError string
}

// Reported returns true if the worker emitted at least one event of type typ.
func (s Stats) Reported(typ string) bool {
	return s.Types[typ] > 0
}

// Forward reads r until EOF and emits one event per complete line. Emit
// errors are logged and do not stop the forwarding, the stream must be
// drained anyway. The returned error is a read error only.
func (f Forwarder) Forward(ctx context.Context, r io.Reader) (Stats, error) {
	stats := Stats{Types: map[string]int{}}
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			stats.Partial = len(line)
			if len(line) > 0 {
				slog.DebugContext(ctx, "dropping unterminated line", "prefix", f.Prefix, "bytes", len(line))
			}
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, fmt.Errorf("reading %s output: %w", f.Prefix, err)
		}
		stats.Lines++
		line = bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'})

		ev, structured := f.parse(line)
		if structured {
			stats.Events++
			stats.Types[ev.Type]++
			if ev.Type == event.TypeError {
				stats.LastError = ev.String("message")
			}
		} else {
			stats.Logs++
		}
		if f.Emitter == nil {
			continue
		}
		if err := f.Emitter.Emit(ctx, ev); err != nil {
			slog.WarnContext(ctx, "emit failed", "channel", ev.Channel, "error", err)
		}
	}
}

func (f Forwarder) key() string {
	if f.Key != "" {
		return f.Key
	}
	return f.Correlation.Value
}

func (f Forwarder) parse(line []byte) (event.Event, bool) {
	fields, ok := decodeObject(line)
	if !ok {
		ev := event.New(f.Prefix, event.TypeLog, map[string]any{"line": string(line)})
		ev.Key = f.key()
		ev.RunID = f.RunID
		return ev, false
	}

	typ, _ := fields["type"].(string)
	if !validType(typ) {
		typ = event.TypeUnknown
	}
	if f.Correlation.Name != "" {
		fields[f.Correlation.Name] = f.Correlation.Value
	}
	ev := event.New(f.Prefix, typ, fields)
	ev.Key = f.key()
	ev.RunID = f.RunID
	return ev, true
}

// validType rejects types which would not survive as an SSE event name.
func validType(typ string) bool {
	return typ != "" && !strings.ContainsFunc(typ, unicode.IsControl)
}

// decodeObject accepts exactly one JSON object, surrounding whitespace is fine.
func decodeObject(line []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil || m == nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return m, true
}
