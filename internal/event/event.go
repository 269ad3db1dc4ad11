// Package event defines the typed events published by worker runs and the
// channel abstraction carrying them to the UI layer.
//
// Every event lives on a named channel "<domain>:<type>". Fields holds the
// payload decoded from the worker's JSON line (or built by the supervisor
// for terminal events). Payload gives a typed view over Fields: known event
// kinds decode to their own struct, everything else to Opaque, so new worker
// event types need no change here.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well known event types.
const (
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeError    = "error"
	TypeWarning  = "warning"
	TypeStatus   = "status"
	TypeLog      = "log"
	TypeUnknown  = "unknown"

	// terminal types published by the supervisor
	TypeVersion  = "version"
	TypeStopped  = "stopped"
	TypeFinished = "finished"
)

type Event struct {
	Channel string
	Type    string
	// Key correlates the event with a project or a repository
	Key     string
	RunID   string
	// Final is set on the single terminal event the supervisor publishes
	// for a run. A worker reported error closing a failed run is not Final.
	Final   bool
	Fields  map[string]any
}

// New returns an event on channel prefix:typ.
func New(prefix, typ string, fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{
		Channel: Channel(prefix, typ),
		Type:    typ,
		Fields:  fields,
	}
}

func Channel(prefix, typ string) string {
	return prefix + ":" + typ
}

// Domain returns the channel prefix.
func (e Event) Domain() string {
	d, _, _ := strings.Cut(e.Channel, ":")
	return d
}

// String returns a field as a string, or "" if absent or not a string.
func (e Event) String(name string) string {
	s, _ := e.Fields[name].(string)
	return s
}

func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		Channel string         `json:"channel"`
		Key     string         `json:"key,omitempty"`
		RunID   string         `json:"run_id,omitempty"`
		Final   bool           `json:"final,omitempty"`
		Payload map[string]any `json:"payload"`
	}
	return json.Marshal(wire{
		Channel: e.Channel,
		Key:     e.Key,
		RunID:   e.RunID,
		Final:   e.Final,
		Payload: e.Fields,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w struct {
		Channel string         `json:"channel"`
		Key     string         `json:"key"`
		RunID   string         `json:"run_id"`
		Final   bool           `json:"final"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	_, typ, ok := strings.Cut(w.Channel, ":")
	if !ok {
		return fmt.Errorf("invalid channel %q", w.Channel)
	}
	*e = Event{Channel: w.Channel, Type: typ, Key: w.Key, RunID: w.RunID, Final: w.Final, Fields: w.Payload}
	return nil
}
