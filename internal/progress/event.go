// Package progress carries run narration: every decision and outcome of the
// run loop is emitted as an Event to one or more Emitters.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Status indicates the state of a step.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusNoop    Status = "noop"
	StatusWaiting Status = "waiting"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

// Event is one narrated decision or outcome.
type Event struct {
	Project   string
	Item      string
	Action    string
	Message   string
	Status    Status
	Timestamp time.Time
	Metadata  map[string]string // optional: branch, pr, duration, etc.
}

// Emitter receives events.
type Emitter interface {
	Emit(ev Event)
}

// ChanEmitter emits events to a channel.
type ChanEmitter struct {
	Ch chan<- Event
}

// Emit sends the event to the channel (non-blocking; drops if full).
func (e *ChanEmitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.Ch <- ev:
	default:
		// Channel full; drop to avoid blocking the run loop
	}
}

// LogEmitter writes events to a slog.Logger.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements Emitter. Errors log at error level, everything else at info.
func (e *LogEmitter) Emit(ev Event) {
	if e.Logger == nil {
		return
	}
	attrs := make([]any, 0, 8+2*len(ev.Metadata))
	if ev.Project != "" {
		attrs = append(attrs, "project", ev.Project)
	}
	if ev.Item != "" {
		attrs = append(attrs, "item", ev.Item)
	}
	if ev.Action != "" {
		attrs = append(attrs, "action", ev.Action)
	}
	attrs = append(attrs, "status", string(ev.Status))
	for k, v := range ev.Metadata {
		attrs = append(attrs, k, v)
	}
	if ev.Status == StatusError {
		e.Logger.Error(ev.Message, attrs...)
		return
	}
	e.Logger.Info(ev.Message, attrs...)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Multi fans events out to several emitters. Nil entries are skipped.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
