// Package events defines the coordinator's event shapes and the sinks
// that consume them.
package events

import (
	"sort"
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	SessionStarted    Kind = "session_started"
	SessionPaused     Kind = "session_paused"
	SessionResumed    Kind = "session_resumed"
	SessionStopped    Kind = "session_stopped"
	SessionCompleted  Kind = "session_completed"
	PhaseDispatched   Kind = "phase_dispatched"
	PhaseCompleted    Kind = "phase_completed"
	AgentCheckedIn    Kind = "agent_checked_in"
	AgentJoined       Kind = "agent_joined"
	AgentLeft         Kind = "agent_left"
	AgentEvicted      Kind = "agent_evicted"
	DirectiveIssued   Kind = "directive_issued"
	InsightPublished  Kind = "insight_published"
	InsightDuplicate  Kind = "insight_duplicate"
	BarrierClosed     Kind = "barrier_closed"
	TriggerFired      Kind = "trigger_fired"
	TriggerAbsorbed   Kind = "trigger_absorbed"
	RoundOpened       Kind = "round_opened"
	RoundState        Kind = "round_state"
	RoundCommitted    Kind = "round_committed"
	RoundAborted      Kind = "round_aborted"
	Escalated         Kind = "escalated"
	TransportDegraded Kind = "transport_degraded"
	Warning           Kind = "warning"
)

// Event is an immutable record of something the coordinator did.
type Event struct {
	Kind      Kind              `json:"kind"`
	SessionID string            `json:"session_id"`
	Time      time.Time         `json:"time"`
	Agent     string            `json:"agent,omitempty"`
	Phase     string            `json:"phase,omitempty"`
	Topic     string            `json:"topic,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Sink consumes events. Emit must not block for long; the coordinator
// calls it from its event loop.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout forwards each event to every non-nil sink in order.
func Fanout(sinks ...Sink) Sink {
	var out []Sink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Discard
	case 1:
		return out[0]
	}
	return SinkFunc(func(ev Event) {
		for _, s := range out {
			s.Emit(ev)
		}
	})
}

// Recorder keeps every event in memory. Tests and the CLI summary use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
