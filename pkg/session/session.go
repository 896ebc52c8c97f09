package session

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"example.com/call_coach/pkg/coach"
	"example.com/call_coach/pkg/stt"
)

// Segment is one finalized transcript unit attributed to a channel.
type Segment struct {
	ID           string    `json:"id"`
	ChannelIndex int       `json:"channel_index"`
	Text         string    `json:"text"`
	Confidence   float64   `json:"confidence"`
	Timestamp    time.Time `json:"timestamp"`
	ObjectionID  string    `json:"objection_id,omitempty"`
}

// Objection is a detected sales objection tied to the segment that produced it.
type Objection struct {
	ID         string              `json:"id"`
	SegmentID  string              `json:"segment_id"`
	Type       coach.ObjectionType `json:"type"`
	Text       string              `json:"text"`
	Confidence float64             `json:"confidence"`
	Source     coach.Source        `json:"source"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Suggestion is the coached response paired with exactly one objection.
type Suggestion struct {
	ID          string    `json:"id"`
	ObjectionID string    `json:"objection_id"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stats accumulates per-session pipeline counters.
type Stats struct {
	FramesSent    uint64
	SilenceFrames uint64
	Transcripts   uint64
	Errors        uint64
	EWMARMSLevels [2]float64
}

// SilenceRatio reports the fraction of processed frames gated as silence.
func (s Stats) SilenceRatio() float64 {
	total := s.FramesSent + s.SilenceFrames
	if total == 0 {
		return 0
	}
	return float64(s.SilenceFrames) / float64(total)
}

const rmsEWMAAlpha = 0.1

// Session holds the accumulated state of one coached call. All accessors are
// safe for concurrent use; mutation happens under one mutex so segment order
// matches append order.
type Session struct {
	ID        string
	StartedAt time.Time

	mu          sync.RWMutex
	segments    []Segment
	objections  []Objection
	suggestions []Suggestion
	coaching    bool
	stats       Stats
	connection  stt.ConnectionStatus
}

// New creates a session with a fresh id.
func New(coaching bool) *Session {
	return &Session{
		ID:        xid.New().String(),
		StartedAt: time.Now(),
		coaching:  coaching,
	}
}

// AppendSegment stores a finalized segment. Timestamps are non-decreasing in
// append order because all appends come from the single downstream task.
func (s *Session) AppendSegment(seg Segment) {
	s.mu.Lock()
	s.segments = append(s.segments, seg)
	s.stats.Transcripts++
	s.mu.Unlock()
}

// RecordObjection stores a paired objection and suggestion and marks the
// originating segment.
func (s *Session) RecordObjection(obj Objection, sug Suggestion) {
	s.mu.Lock()
	s.objections = append(s.objections, obj)
	s.suggestions = append(s.suggestions, sug)
	for i := len(s.segments) - 1; i >= 0; i-- {
		if s.segments[i].ID == obj.SegmentID {
			s.segments[i].ObjectionID = obj.ID
			break
		}
	}
	s.mu.Unlock()
}

// RecordFrame updates frame counters and the exponentially weighted RMS.
func (s *Session) RecordFrame(sent bool, rms []float64) {
	s.mu.Lock()
	if sent {
		s.stats.FramesSent++
	} else {
		s.stats.SilenceFrames++
	}
	for i := 0; i < len(rms) && i < 2; i++ {
		s.stats.EWMARMSLevels[i] = (1-rmsEWMAAlpha)*s.stats.EWMARMSLevels[i] + rmsEWMAAlpha*rms[i]
	}
	s.mu.Unlock()
}

// RecordError bumps the session error counter.
func (s *Session) RecordError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

// SetConnection stores the latest relay status snapshot.
func (s *Session) SetConnection(status stt.ConnectionStatus) {
	s.mu.Lock()
	s.connection = status
	s.mu.Unlock()
}

// Connection returns the last stored relay status.
func (s *Session) Connection() stt.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connection
}

// SetCoaching flips live coaching mid-call.
func (s *Session) SetCoaching(enabled bool) {
	s.mu.Lock()
	s.coaching = enabled
	s.mu.Unlock()
}

// CoachingEnabled reports whether objection matching runs on new finals.
func (s *Session) CoachingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coaching
}

// Segments returns a copy of the ordered finalized segments.
func (s *Session) Segments() []Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Segment(nil), s.segments...)
}

// Objections returns a copy of detected objections in detection order.
func (s *Session) Objections() []Objection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Objection(nil), s.objections...)
}

// Suggestions returns a copy of emitted suggestions in emission order.
func (s *Session) Suggestions() []Suggestion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Suggestion(nil), s.suggestions...)
}

// Stats returns a snapshot of the pipeline counters.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
