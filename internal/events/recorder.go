package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// Memory keeps every event in arrival order. Safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	events []types.Event
}

func (m *Memory) Record(event types.Event) {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Event, len(m.events))
	copy(out, m.events)
	return out
}

// ForTarget returns the events recorded for one target.
func (m *Memory) ForTarget(target string) []types.Event {
	var out []types.Event
	for _, ev := range m.Events() {
		if ev.Target == target {
			out = append(out, ev)
		}
	}
	return out
}

// LogRecorder writes events to a logger at debug level.
type LogRecorder struct {
	Logger zerolog.Logger
}

func (l LogRecorder) Record(event types.Event) {
	e := l.Logger.Debug().
		Str("event", string(event.Type)).
		Str("target", event.Target)
	if event.Stage != "" {
		e = e.Str("stage", string(event.Stage))
	}
	for k, v := range event.Labels {
		e = e.Str(k, v)
	}
	e.Msg("diagnostic step")
}
