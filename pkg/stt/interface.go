package stt

import (
	"context"
	"time"

	"example.com/call_coach/pkg/audio"
)

// EventType tags events surfaced by a streaming transcription relay.
type EventType string

const (
	EventTranscript    EventType = "transcript"
	EventSpeechStarted EventType = "speech_started"
	EventUtteranceEnd  EventType = "utterance_end"
	EventMetadata      EventType = "metadata"
	EventError         EventType = "error"
	EventClose         EventType = "close"
)

// Result is one transcript unit from the back-end. Interim results may be
// revised; a final result will not be.
type Result struct {
	Transcript   string
	Confidence   float64
	IsFinal      bool
	ChannelIndex int // 0 = self, 1 = counterpart
	Timestamp    time.Time
}

// Event is a typed message from the relay's downstream path. Exactly one of
// Result/Message/Err is meaningful depending on Type.
type Event struct {
	Type    EventType
	Result  *Result
	Message string // metadata or close detail
	Err     error
	Fatal   bool // set on errors that terminate the relay
}

// ConnectionStatus is a read-only snapshot of the relay connection.
type ConnectionStatus struct {
	Connected      bool
	URL            string
	LastHeartbeat  time.Time
	ReconnectCount int
	LastError      string
}

// Relay is the contract for a streaming speech-to-text connection. A session
// owns exactly one relay; events are delivered on a single channel in the
// order received from the back-end.
type Relay interface {
	// Connect establishes the duplex connection. It fails fast, without a
	// network attempt, when credentials are missing or placeholder.
	Connect(ctx context.Context) error

	// SendAudio forwards one conditioned PCM frame upstream.
	SendAudio(frame *audio.Frame) error

	// Events returns the typed event stream. Closed when the relay
	// terminates.
	Events() <-chan Event

	// Status returns a snapshot of the connection state.
	Status() ConnectionStatus

	// Close shuts the connection down and releases the reader.
	Close() error
}
