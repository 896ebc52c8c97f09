package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/call_coach/pkg/audio"
	"example.com/call_coach/pkg/capture"
	"example.com/call_coach/pkg/coach"
	"example.com/call_coach/pkg/stt"
)

type fakeRelay struct {
	mu        sync.Mutex
	events    chan stt.Event
	frames    []*audio.Frame
	connected bool
	closeOnce sync.Once
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{events: make(chan stt.Event, 64)}
}

func (r *fakeRelay) Connect(context.Context) error {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRelay) SendAudio(f *audio.Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return nil
}

func (r *fakeRelay) Events() <-chan stt.Event { return r.events }

func (r *fakeRelay) Status() stt.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return stt.ConnectionStatus{Connected: r.connected}
}

func (r *fakeRelay) Close() error {
	r.closeOnce.Do(func() { close(r.events) })
	return nil
}

func (r *fakeRelay) emit(ev stt.Event) { r.events <- ev }

func (r *fakeRelay) sentFrames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type fakePairSource struct {
	blocks   chan capture.PairedBlock
	stopOnce sync.Once
}

func newFakePairSource() *fakePairSource {
	return &fakePairSource{blocks: make(chan capture.PairedBlock, 64)}
}

func (s *fakePairSource) Start() error                       { return nil }
func (s *fakePairSource) Blocks() <-chan capture.PairedBlock { return s.blocks }
func (s *fakePairSource) Stop() error {
	s.stopOnce.Do(func() { close(s.blocks) })
	return nil
}

type countingArchiver struct {
	mu    sync.Mutex
	calls int
	last  *Session
}

func (a *countingArchiver) Archive(s *Session) {
	a.mu.Lock()
	a.calls++
	a.last = s
	a.mu.Unlock()
}

func (a *countingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func testConditioner() *audio.Conditioner {
	return audio.NewConditioner(audio.ConditionerConfig{
		MicGain:      3.0,
		LoopGain:     8.0,
		StereoLayout: "LR",
		CaptureRate:  48000,
		TargetRate:   16000,
		FrameMs:      20,
		VADThreshold: 0.01,
	})
}

func startManager(t *testing.T, cfg Config) (*Manager, *fakeRelay, *fakePairSource, *countingArchiver) {
	t.Helper()
	relay := newFakeRelay()
	source := newFakePairSource()
	archiver := &countingArchiver{}

	if cfg.CounterpartChannel == 0 && cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	m := NewManager(cfg, Deps{
		Source:      source,
		Conditioner: testConditioner(),
		Relay:       relay,
		Matcher:     coach.NewMatcher(coach.NewPlaybook(""), nil, 0),
		Archiver:    archiver,
		Registry:    NewRegistry(),
		Bus:         NewBus(),
	})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m, relay, source, archiver
}

func finalResult(text string, channel int) stt.Event {
	return stt.Event{Type: stt.EventTranscript, Result: &stt.Result{
		Transcript:   text,
		Confidence:   0.97,
		IsFinal:      true,
		ChannelIndex: channel,
		Timestamp:    time.Now(),
	}}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, what)
}

func TestObjectionFlow(t *testing.T) {
	m, relay, _, _ := startManager(t, Config{CoachingEnabled: true, CounterpartChannel: 1})
	_, events := m.Bus().Subscribe(64)

	relay.emit(finalResult("Me parece caro", 1))

	sess := m.Session()
	waitFor(t, func() bool { return len(sess.Objections()) == 1 }, "objection recorded")

	objs := sess.Objections()
	sugs := sess.Suggestions()
	require.Equal(t, coach.ObjectionPrice, objs[0].Type)
	require.Len(t, sugs, 1)
	require.Equal(t, objs[0].ID, sugs[0].ObjectionID)
	require.NotEmpty(t, sugs[0].Text)

	segs := sess.Segments()
	require.Len(t, segs, 1)
	require.Equal(t, objs[0].ID, segs[0].ObjectionID)

	// Event order: final, then objection, then suggestion.
	var seen []EventType
	for len(seen) < 3 {
		ev := <-events
		if ev.Type == EventSessionStarted {
			continue
		}
		seen = append(seen, ev.Type)
	}
	require.Equal(t, []EventType{EventTranscriptFinal, EventObjectionDetected, EventSuggestionReady}, seen)
}

func TestGreetingIsNotAnObjection(t *testing.T) {
	m, relay, _, _ := startManager(t, Config{CoachingEnabled: true, CounterpartChannel: 1})

	relay.emit(finalResult("Hola, ¿cómo estás?", 1))

	sess := m.Session()
	waitFor(t, func() bool { return len(sess.Segments()) == 1 }, "segment recorded")
	require.Empty(t, sess.Objections())
	require.Empty(t, sess.Suggestions())
}

func TestDuplicateFinalsYieldTwoObjections(t *testing.T) {
	m, relay, _, _ := startManager(t, Config{CoachingEnabled: true, CounterpartChannel: 1})

	relay.emit(finalResult("Me parece caro", 1))
	relay.emit(finalResult("Me parece caro", 1))

	sess := m.Session()
	waitFor(t, func() bool { return len(sess.Objections()) == 2 }, "both duplicates matched")
	require.Len(t, sess.Suggestions(), 2)
	require.NotEqual(t, sess.Objections()[0].ID, sess.Objections()[1].ID)
}

func TestInterimsAreNotStored(t *testing.T) {
	m, relay, _, _ := startManager(t, Config{CoachingEnabled: true, CounterpartChannel: 1})
	_, events := m.Bus().Subscribe(64)

	relay.emit(stt.Event{Type: stt.EventTranscript, Result: &stt.Result{
		Transcript: "me parece", ChannelIndex: 1,
	}})
	relay.emit(finalResult("me parece caro", 1))

	sess := m.Session()
	waitFor(t, func() bool { return len(sess.Segments()) == 1 }, "only the final stored")

	sawInterim := false
	deadline := time.After(time.Second)
	for !sawInterim {
		select {
		case ev := <-events:
			if ev.Type == EventTranscriptInterim {
				sawInterim = true
			}
		case <-deadline:
			t.Fatal("interim event never delivered")
		}
	}
}

func TestSelfChannelFinalsAreNotMatched(t *testing.T) {
	m, relay, _, _ := startManager(t, Config{CoachingEnabled: true, CounterpartChannel: 1})

	// The seller quoting a price objection must not trigger coaching.
	relay.emit(finalResult("sé que puede parecer caro", 0))

	sess := m.Session()
	waitFor(t, func() bool { return len(sess.Segments()) == 1 }, "segment recorded")
	require.Empty(t, sess.Objections())
}

func TestCoachToggleMidSession(t *testing.T) {
	m, relay, _, _ := startManager(t, Config{CoachingEnabled: true, CounterpartChannel: 1})

	m.SetCoaching(false)
	sess := m.Session()
	waitFor(t, func() bool { return !sess.CoachingEnabled() }, "toggle applied")

	relay.emit(finalResult("Me parece caro", 1))
	waitFor(t, func() bool { return len(sess.Segments()) == 1 }, "segment recorded")
	require.Empty(t, sess.Objections())

	m.SetCoaching(true)
	waitFor(t, func() bool { return sess.CoachingEnabled() }, "toggle applied")

	relay.emit(finalResult("Me parece caro", 1))
	waitFor(t, func() bool { return len(sess.Objections()) == 1 }, "coaching resumed")
}

func TestTimeoutNotifiesBeforeStopping(t *testing.T) {
	m, _, _, archiver := startManager(t, Config{
		CoachingEnabled:    true,
		CounterpartChannel: 1,
		Timeout:            50 * time.Millisecond,
	})
	_, events := m.Bus().Subscribe(64)

	var seen []EventType
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			if ev.Type == EventSessionTimeout || ev.Type == EventSessionStopped {
				seen = append(seen, ev.Type)
			}
		case <-deadline:
			t.Fatalf("timeout sequence incomplete, saw %v", seen)
		}
	}
	require.Equal(t, []EventType{EventSessionTimeout, EventSessionStopped}, seen)

	waitFor(t, func() bool { return m.State() == StateStopped }, "manager stopped")
	require.Equal(t, 1, archiver.count())
}

func TestStopArchivesExactlyOnce(t *testing.T) {
	m, _, _, archiver := startManager(t, Config{CoachingEnabled: true, CounterpartChannel: 1})

	reg := m.deps.Registry
	require.Equal(t, 1, reg.Len())

	m.Stop()
	m.Stop()
	require.Equal(t, StateStopped, m.State())
	require.Equal(t, 1, archiver.count())
	require.Equal(t, 0, reg.Len())
}

func TestDoneClosesAfterStop(t *testing.T) {
	m, _, _, _ := startManager(t, Config{CoachingEnabled: true, CounterpartChannel: 1})

	select {
	case <-m.Done():
		t.Fatal("Done closed while the session was still running")
	default:
	}

	m.Stop()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Stop")
	}
}

func TestStartRejectedWhenNotIdle(t *testing.T) {
	m, _, _, _ := startManager(t, Config{CoachingEnabled: true, CounterpartChannel: 1})
	require.Error(t, m.Start(context.Background()))
}

func TestUpstreamGatesSilence(t *testing.T) {
	m, relay, source, _ := startManager(t, Config{
		CoachingEnabled:    true,
		CounterpartChannel: 1,
		VADGate:            true,
	})

	speech := make([]float32, 960)
	for i := range speech {
		if i%2 == 0 {
			speech[i] = 0.3
		} else {
			speech[i] = -0.3
		}
	}
	silence := make([]float32, 960)
	stereoSilence := make([]float32, 1920)

	stereoSpeech := make([]float32, 1920)
	for i := range stereoSpeech {
		stereoSpeech[i] = speech[i/2]
	}

	source.blocks <- capture.PairedBlock{Mic: speech, Loop: stereoSpeech, Timestamp: time.Now()}
	source.blocks <- capture.PairedBlock{Mic: silence, Loop: stereoSilence, Timestamp: time.Now()}

	sess := m.Session()
	waitFor(t, func() bool {
		st := sess.Stats()
		return st.FramesSent >= 1 && st.SilenceFrames >= 1
	}, "speech relayed, silence gated")
	require.Equal(t, 1, relay.sentFrames())
	require.Greater(t, sess.Stats().SilenceRatio(), 0.0)
}

func TestFatalRelayErrorStopsSession(t *testing.T) {
	m, relay, _, archiver := startManager(t, Config{CoachingEnabled: true, CounterpartChannel: 1})

	relay.emit(stt.Event{Type: stt.EventError, Message: "reconnect budget exhausted", Fatal: true})

	waitFor(t, func() bool { return m.State() == StateStopped }, "fatal error tears the session down")
	require.Equal(t, 1, archiver.count())
	require.GreaterOrEqual(t, m.Session().Stats().Errors, uint64(1))
}
