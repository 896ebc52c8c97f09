package session

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/rs/xid"

	"example.com/call_coach/pkg/audio"
	"example.com/call_coach/pkg/capture"
	"example.com/call_coach/pkg/coach"
	"example.com/call_coach/pkg/stt"
)

// State is the manager lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// AudioSource is the paired capture stream feeding a session.
type AudioSource interface {
	Start() error
	Blocks() <-chan capture.PairedBlock
	Stop() error
}

// Classifier analyzes prospect text for objections.
type Classifier interface {
	Classify(ctx context.Context, text string) coach.Classification
}

// Archiver persists a completed session. It is invoked exactly once per
// session, after the pipeline has fully stopped.
type Archiver interface {
	Archive(s *Session)
}

// Config shapes one session run.
type Config struct {
	CoachingEnabled    bool
	CounterpartChannel int // transcript channel carrying the prospect
	Timeout            time.Duration
	VADGate            bool // drop silence frames instead of relaying them
	RMSLogInterval     int  // log levels every N relayed frames, 0 = off
	LogTranscript      bool
}

// Deps are the collaborators a manager drives. Matcher, Archiver and
// Registry may be nil.
type Deps struct {
	Source      AudioSource
	Conditioner *audio.Conditioner
	Relay       stt.Relay
	Matcher     Classifier
	Archiver    Archiver
	Registry    *Registry
	Bus         *Bus
}

type controlMessage struct {
	coachEnable *bool
}

// Manager runs one coached call: upstream audio into the relay, downstream
// transcript events into segments and coaching, and a control task for
// mid-call toggles. All three tasks live under one cancellation scope.
type Manager struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	state   State
	session *Session
	cancel  context.CancelFunc
	timer   *time.Timer

	wg          sync.WaitGroup
	control     chan controlMessage
	archiveOnce sync.Once
	stopOnce    sync.Once
	doneCh      chan struct{}
}

// NewManager assembles a manager in the Idle state.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.CounterpartChannel != 0 && cfg.CounterpartChannel != 1 {
		cfg.CounterpartChannel = 1
	}
	if deps.Bus == nil {
		deps.Bus = NewBus()
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		state:   StateIdle,
		control: make(chan controlMessage, 8),
		doneCh:  make(chan struct{}),
	}
}

// Done is closed once Stop has fully torn the session down. Callers use it
// to release resources tied to the session's lifetime.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// Bus exposes the event bus for subscribers.
func (m *Manager) Bus() *Bus {
	return m.deps.Bus
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the session being run, nil before Start.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Start connects the relay, starts capture and launches the pipeline tasks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot start session in state %q", state)
	}
	m.state = StateInitializing
	m.mu.Unlock()

	if err := m.deps.Relay.Connect(ctx); err != nil {
		m.setState(StateIdle)
		return fmt.Errorf("connect relay: %w", err)
	}
	if err := m.deps.Source.Start(); err != nil {
		_ = m.deps.Relay.Close()
		m.setState(StateIdle)
		return fmt.Errorf("start capture: %w", err)
	}

	sess := New(m.cfg.CoachingEnabled)
	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.session = sess
	m.cancel = cancel
	if m.cfg.Timeout > 0 {
		m.timer = time.AfterFunc(m.cfg.Timeout, m.onTimeout)
	}
	m.state = StateRunning
	m.mu.Unlock()

	if m.deps.Registry != nil {
		m.deps.Registry.Add(sess)
	}

	m.wg.Add(3)
	go m.upstream(runCtx)
	go m.downstream(runCtx)
	go m.controlLoop(runCtx)

	log.Printf("[Session] %s started (coaching=%v)", sess.ID, m.cfg.CoachingEnabled)
	m.deps.Bus.Publish(Event{Type: EventSessionStarted, SessionID: sess.ID})
	return nil
}

// onTimeout notifies subscribers, then tears the session down. Notification
// goes out before any shutdown work begins.
func (m *Manager) onTimeout() {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return
	}
	log.Printf("[Session] %s reached the configured time limit", sess.ID)
	m.deps.Bus.Publish(Event{
		Type:      EventSessionTimeout,
		SessionID: sess.ID,
		Message:   "session reached the configured time limit",
	})
	m.Stop()
}

// Stop cancels the pipeline, waits for all tasks, releases the devices and
// the relay, archives the session and removes it from the registry. Safe to
// call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		defer close(m.doneCh)

		m.mu.Lock()
		if m.state != StateRunning {
			m.mu.Unlock()
			return
		}
		m.state = StateStopping
		sess := m.session
		cancel := m.cancel
		timer := m.timer
		m.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		cancel()
		m.wg.Wait()

		if err := m.deps.Source.Stop(); err != nil {
			log.Printf("[Session] %s capture stop: %v", sess.ID, err)
		}
		if err := m.deps.Relay.Close(); err != nil {
			log.Printf("[Session] %s relay close: %v", sess.ID, err)
		}

		if m.deps.Archiver != nil {
			m.archiveOnce.Do(func() { m.deps.Archiver.Archive(sess) })
		}
		if m.deps.Registry != nil {
			m.deps.Registry.Remove(sess.ID)
		}

		m.setState(StateStopped)
		stats := sess.Stats()
		log.Printf("[Session] %s stopped: %d segments, %d objections, silence ratio %.2f",
			sess.ID, len(sess.Segments()), len(sess.Objections()), stats.SilenceRatio())
		m.deps.Bus.Publish(Event{Type: EventSessionStopped, SessionID: sess.ID})
	})
}

// SetCoaching requests a mid-call coaching toggle. Applied by the control
// task; never blocks the caller.
func (m *Manager) SetCoaching(enabled bool) {
	select {
	case m.control <- controlMessage{coachEnable: &enabled}:
	default:
		log.Printf("[Session] Control queue full, dropping coach toggle")
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// upstream moves capture blocks through conditioning and gating into the
// relay.
func (m *Manager) upstream(ctx context.Context) {
	defer m.wg.Done()

	var relayed uint64
	for {
		select {
		case <-ctx.Done():
			return
		case pb, ok := <-m.deps.Source.Blocks():
			if !ok {
				return
			}
			frame, ok := m.deps.Conditioner.Condition(pb.Mic, pb.Loop)
			if !ok {
				runtime.Gosched()
				continue
			}
			if m.cfg.VADGate && !frame.IsSpeech {
				m.session.RecordFrame(false, frame.RMSLevels)
				continue
			}
			if err := m.deps.Relay.SendAudio(frame); err != nil {
				m.session.RecordError()
				log.Printf("[Session] %s send audio: %v", m.session.ID, err)
				continue
			}
			m.session.RecordFrame(true, frame.RMSLevels)

			relayed++
			if m.cfg.RMSLogInterval > 0 && relayed%uint64(m.cfg.RMSLogInterval) == 0 {
				stats := m.session.Stats()
				log.Printf("[Session] %s levels: mic %.4f loop %.4f, silence ratio %.2f",
					m.session.ID, stats.EWMARMSLevels[0], stats.EWMARMSLevels[1], stats.SilenceRatio())
			}
		}
	}
}

// downstream turns relay events into segments, coaching and notifications.
// It is the only writer of session segments, so append order is event order.
func (m *Manager) downstream(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.deps.Relay.Events():
			if !ok {
				// The relay is gone for good; wind the session down.
				go m.Stop()
				return
			}
			m.handleRelayEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleRelayEvent(ctx context.Context, ev stt.Event) {
	sess := m.session

	switch ev.Type {
	case stt.EventTranscript:
		if ev.Result == nil {
			return
		}
		m.handleTranscript(ctx, ev.Result)

	case stt.EventSpeechStarted:
		m.deps.Bus.Publish(Event{Type: EventSpeechStarted, SessionID: sess.ID})

	case stt.EventUtteranceEnd:
		m.deps.Bus.Publish(Event{Type: EventUtteranceEnd, SessionID: sess.ID})

	case stt.EventMetadata:
		log.Printf("[Session] %s relay metadata: %s", sess.ID, ev.Message)

	case stt.EventError:
		sess.RecordError()
		status := m.deps.Relay.Status()
		sess.SetConnection(status)
		msg := ev.Message
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		m.deps.Bus.Publish(Event{
			Type:       EventRelayError,
			SessionID:  sess.ID,
			Message:    msg,
			Connection: &status,
		})
		if ev.Fatal {
			log.Printf("[Session] %s relay terminated: %s", sess.ID, msg)
			go m.Stop()
		}

	case stt.EventClose:
		log.Printf("[Session] %s relay closed: %s", sess.ID, ev.Message)
	}
}

func (m *Manager) handleTranscript(ctx context.Context, r *stt.Result) {
	sess := m.session

	seg := Segment{
		ID:           xid.New().String(),
		ChannelIndex: r.ChannelIndex,
		Text:         r.Transcript,
		Confidence:   r.Confidence,
		Timestamp:    r.Timestamp,
	}
	if seg.Timestamp.IsZero() {
		seg.Timestamp = time.Now()
	}

	if !r.IsFinal {
		m.deps.Bus.Publish(Event{Type: EventTranscriptInterim, SessionID: sess.ID, Segment: &seg})
		return
	}

	sess.AppendSegment(seg)
	if m.cfg.LogTranscript {
		log.Printf("[Session] %s ch%d final: %s", sess.ID, seg.ChannelIndex, seg.Text)
	}
	m.deps.Bus.Publish(Event{Type: EventTranscriptFinal, SessionID: sess.ID, Segment: &seg})

	if seg.ChannelIndex != m.cfg.CounterpartChannel || m.deps.Matcher == nil || !sess.CoachingEnabled() {
		return
	}

	cls := m.deps.Matcher.Classify(ctx, seg.Text)
	if !cls.IsObjection {
		return
	}

	now := time.Now()
	obj := Objection{
		ID:         xid.New().String(),
		SegmentID:  seg.ID,
		Type:       cls.Type,
		Text:       seg.Text,
		Confidence: cls.Confidence,
		Source:     cls.Source,
		Timestamp:  now,
	}
	sug := Suggestion{
		ID:          xid.New().String(),
		ObjectionID: obj.ID,
		Text:        cls.Suggestion,
		Timestamp:   now,
	}
	sess.RecordObjection(obj, sug)
	log.Printf("[Session] %s objection (%s, %s): %s", sess.ID, obj.Type, obj.Source, seg.Text)
	m.deps.Bus.Publish(Event{Type: EventObjectionDetected, SessionID: sess.ID, Objection: &obj})
	m.deps.Bus.Publish(Event{Type: EventSuggestionReady, SessionID: sess.ID, Suggestion: &sug})
}

// controlLoop applies control messages and refreshes the connection snapshot
// on a short poll interval.
func (m *Manager) controlLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.control:
			m.applyControl(msg)
		case <-ticker.C:
			m.session.SetConnection(m.deps.Relay.Status())
		}
	}
}

func (m *Manager) applyControl(msg controlMessage) {
	sess := m.session
	if msg.coachEnable != nil {
		sess.SetCoaching(*msg.coachEnable)
		log.Printf("[Session] %s coaching set to %v", sess.ID, *msg.coachEnable)
		m.deps.Bus.Publish(Event{
			Type:      EventCoachToggled,
			SessionID: sess.ID,
			Coaching:  msg.coachEnable,
		})
	}
}
