package event

import (
	"encoding/json"
	"math"
)

// Payload is the typed view of an event. Its concrete type is one of
// Progress, Complete, Message, LogLine, Version, Stopped, Finished or Opaque.
type Payload interface {
	payload()
}

// Progress is reported by workers as {"type":"progress","step":1,"total":10,"desc":"..."}.
type Progress struct {
	Step  int
	Total int
	Desc  string
}

// Complete is the worker's own summary. Its fields are worker specific.
type Complete struct {
	Fields map[string]any
}

// Message carries error, warning and status events.
type Message struct {
	Type    string
	Message string
}

// LogLine is a stdout line which is not a JSON object.
type LogLine struct {
	Line string
}

// Version reports a promoted dataset directory.
type Version struct {
	Version string
	Path    string
}

type Stopped struct {
	Message string
}

// Finished closes runs without a versioned output.
type Finished struct {
	Success bool
	Stopped bool
	Error   string
}

// Opaque is any event type unknown to this package.
type Opaque struct {
	Type   string
	Fields map[string]any
}

func (Progress) payload() {}
func (Complete) payload() {}
func (Message) payload()  {}
func (LogLine) payload()  {}
func (Version) payload()  {}
func (Stopped) payload()  {}
func (Finished) payload() {}
func (Opaque) payload()   {}

// Payload decodes Fields according to Type.
func (e Event) Payload() Payload {
	switch e.Type {
	case TypeProgress:
		return Progress{
			Step:  intField(e.Fields["step"]),
			Total: intField(e.Fields["total"]),
			Desc:  e.String("desc"),
		}
	case TypeComplete:
		return Complete{Fields: e.Fields}
	case TypeError, TypeWarning, TypeStatus:
		return Message{Type: e.Type, Message: e.String("message")}
	case TypeLog:
		if line, ok := e.Fields["line"].(string); ok {
			return LogLine{Line: line}
		}
		// workers emit their own {"type":"log","message":...} too
		return Message{Type: e.Type, Message: e.String("message")}
	case TypeVersion:
		return Version{Version: e.String("version"), Path: e.String("path")}
	case TypeStopped:
		return Stopped{Message: e.String("message")}
	case TypeFinished:
		success, _ := e.Fields["success"].(bool)
		stopped, _ := e.Fields["stopped"].(bool)
		return Finished{Success: success, Stopped: stopped, Error: e.String("error")}
	default:
		return Opaque{Type: e.Type, Fields: e.Fields}
	}
}

func intField(v any) int {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0
			}
			return int(math.Trunc(f))
		}
		return int(i)
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}
