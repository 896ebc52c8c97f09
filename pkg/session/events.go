package session

import (
	"sync"
	"time"

	"example.com/call_coach/pkg/stt"
)

// EventType tags session events delivered to subscribers.
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventSessionStopped    EventType = "session_stopped"
	EventSessionTimeout    EventType = "session_timeout"
	EventTranscriptInterim EventType = "transcript_interim"
	EventTranscriptFinal   EventType = "transcript_final"
	EventObjectionDetected EventType = "objection_detected"
	EventSuggestionReady   EventType = "suggestion_ready"
	EventSpeechStarted     EventType = "speech_started"
	EventUtteranceEnd      EventType = "utterance_end"
	EventRelayError        EventType = "relay_error"
	EventCoachToggled      EventType = "coach_toggled"
)

// Event is one session notification. Optional fields are set per type.
type Event struct {
	Type       EventType             `json:"type"`
	SessionID  string                `json:"session_id"`
	Timestamp  time.Time             `json:"timestamp"`
	Segment    *Segment              `json:"segment,omitempty"`
	Objection  *Objection            `json:"objection,omitempty"`
	Suggestion *Suggestion           `json:"suggestion,omitempty"`
	Message    string                `json:"message,omitempty"`
	Coaching   *bool                 `json:"coaching,omitempty"`
	Connection *stt.ConnectionStatus `json:"connection,omitempty"`
}

// Bus fans session events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses that event, the pipeline moves on.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// id is used to unsubscribe.
func (b *Bus) Subscribe(buffer int) (int, <-chan Event) {
	if buffer <= 0 {
		buffer = 32
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers an event to every subscriber that has room.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
