package demux_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/courtyard-app/courtyard/internal/demux"
	"github.com/courtyard-app/courtyard/internal/event"
	"github.com/courtyard-app/courtyard/internal/event/eventtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestForward(t *testing.T) {
	t.Parallel()

	type then struct {
		channels []string
		fields   []map[string]any
		stats    demux.Stats
	}

	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{
			scenario: "json lines and plain text",
			given:    "{\"type\":\"progress\",\"step\":1,\"total\":3}\nhello world\n{\"type\":\"complete\"}\n",
			then: then{
				channels: []string{"cleaning:progress", "cleaning:log", "cleaning:complete"},
				fields: []map[string]any{
					{"type": "progress", "step": json.Number("1"), "total": json.Number("3")},
					{"line": "hello world"},
					{"type": "complete"},
				},
				stats: demux.Stats{Lines: 3, Events: 2, Logs: 1, Types: map[string]int{"progress": 1, "complete": 1}},
			},
		},
		{
			scenario: "missing type",
			given:    "{\"step\":2}\n",
			then: then{
				channels: []string{"cleaning:unknown"},
				fields:   []map[string]any{{"step": json.Number("2")}},
				stats:    demux.Stats{Lines: 1, Events: 1, Types: map[string]int{"unknown": 1}},
			},
		},
		{
			scenario: "non string and empty type",
			given:    "{\"type\":5}\n{\"type\":\"\"}\n",
			then: then{
				channels: []string{"cleaning:unknown", "cleaning:unknown"},
				fields:   []map[string]any{{"type": json.Number("5")}, {"type": ""}},
				stats:    demux.Stats{Lines: 2, Events: 2, Types: map[string]int{"unknown": 2}},
			},
		},
		{
			scenario: "control characters in type",
			given:    "{\"type\":\"x\\ndata: forged\"}\n{\"type\":\"a\\rb\"}\n",
			then: then{
				channels: []string{"cleaning:unknown", "cleaning:unknown"},
				fields:   []map[string]any{{"type": "x\ndata: forged"}, {"type": "a\rb"}},
				stats:    demux.Stats{Lines: 2, Events: 2, Types: map[string]int{"unknown": 2}},
			},
		},
		{
			scenario: "malformed json is kept verbatim",
			given:    "{\"type\": \"progress\"\n",
			then: then{
				channels: []string{"cleaning:log"},
				fields:   []map[string]any{{"line": "{\"type\": \"progress\""}},
				stats:    demux.Stats{Lines: 1, Logs: 1, Types: map[string]int{}},
			},
		},
		{
			scenario: "scalars arrays null and two objects are logs",
			given:    "42\n[1,2]\nnull\n{\"type\":\"a\"}{\"type\":\"b\"}\n\n",
			then: then{
				channels: []string{"cleaning:log", "cleaning:log", "cleaning:log", "cleaning:log", "cleaning:log"},
				fields: []map[string]any{
					{"line": "42"},
					{"line": "[1,2]"},
					{"line": "null"},
					{"line": "{\"type\":\"a\"}{\"type\":\"b\"}"},
					{"line": ""},
				},
				stats: demux.Stats{Lines: 5, Logs: 5, Types: map[string]int{}},
			},
		},
		{
			scenario: "crlf and whitespace",
			given:    "  {\"type\":\"status\",\"message\":\"ok\"}  \r\ntext\r\n",
			then: then{
				channels: []string{"cleaning:status", "cleaning:log"},
				fields:   []map[string]any{{"type": "status", "message": "ok"}, {"line": "text"}},
				stats:    demux.Stats{Lines: 2, Events: 1, Logs: 1, Types: map[string]int{"status": 1}},
			},
		},
		{
			scenario: "trailing partial line is dropped",
			given:    "{\"type\":\"progress\"}\n{\"type\":\"complete\"}",
			then: then{
				channels: []string{"cleaning:progress"},
				fields:   []map[string]any{{"type": "progress"}},
				stats:    demux.Stats{Lines: 1, Events: 1, Types: map[string]int{"progress": 1}, Partial: 19},
			},
		},
		{
			scenario: "empty stream",
			given:    "",
			then: then{
				stats: demux.Stats{Types: map[string]int{}},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			rec := eventtest.NewRecorder()
			f := demux.Forwarder{Prefix: "cleaning", Emitter: rec, RunID: "run"}
			stats, err := f.Forward(t.Context(), strings.NewReader(tc.given))
			require.NoError(t, err)
			require.Equal(t, tc.then.stats, stats)

			events := rec.Events()
			require.Len(t, events, len(tc.then.channels))
			for i, ev := range events {
				require.Equal(t, tc.then.channels[i], ev.Channel)
				require.Equal(t, tc.then.fields[i], ev.Fields)
				require.Equal(t, "run", ev.RunID)
				require.False(t, ev.Final)
			}
		})
	}
}

func TestForwardCorrelation(t *testing.T) {
	t.Parallel()
	rec := eventtest.NewRecorder()
	f := demux.Forwarder{
		Prefix:      "export",
		Correlation: demux.Correlation{Name: "project_id", Value: "p1"},
		Emitter:     rec,
	}
	stats, err := f.Forward(t.Context(), strings.NewReader("{\"type\":\"error\",\"message\":\"no space\"}\nplain\n"))
	require.NoError(t, err)
	require.True(t, stats.Reported(event.TypeError))
	require.False(t, stats.Reported(event.TypeComplete))
	require.Equal(t, "no space", stats.LastError)

	events := rec.Events()
	require.Len(t, events, 2)
	require.Equal(t, map[string]any{"type": "error", "message": "no space", "project_id": "p1"}, events[0].Fields)
	require.Equal(t, "p1", events[0].Key)
	// log payloads stay {line}
	require.Equal(t, map[string]any{"line": "plain"}, events[1].Fields)
	require.Equal(t, "p1", events[1].Key)
}

func TestForwardReadError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	r := io.MultiReader(strings.NewReader("a\nb"), errReader{boom})
	rec := eventtest.NewRecorder()
	stats, err := demux.Forwarder{Prefix: "dataset", Emitter: rec}.Forward(t.Context(), r)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, stats.Lines)
	require.Equal(t, []string{"dataset:log"}, rec.Channels())
}

func TestForwardEmitErrorKeepsDraining(t *testing.T) {
	t.Parallel()
	n := 0
	em := event.EmitterFunc(func(_ context.Context, _ event.Event) error {
		n++
		return event.ErrClosed
	})
	stats, err := demux.Forwarder{Prefix: "inference", Emitter: em}.Forward(t.Context(), strings.NewReader("a\nb\nc\n"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, stats.Logs)
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
