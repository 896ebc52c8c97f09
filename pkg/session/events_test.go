package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	_, a := bus.Subscribe(8)
	_, b := bus.Subscribe(8)

	bus.Publish(Event{Type: EventTranscriptFinal, SessionID: "s1"})

	require.Equal(t, EventTranscriptFinal, (<-a).Type)
	require.Equal(t, EventTranscriptFinal, (<-b).Type)
}

func TestBusSlowSubscriberNeverBlocks(t *testing.T) {
	bus := NewBus()
	_, slow := bus.Subscribe(1)
	_, fast := bus.Subscribe(16)

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventTranscriptInterim})
	}

	// The slow subscriber kept only what fit its buffer.
	require.Len(t, slow, 1)
	require.Len(t, fast, 10)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	id, ch := bus.Subscribe(4)
	bus.Unsubscribe(id)

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: EventSessionStopped})
}

func TestBusCloseEndsAllSubscribers(t *testing.T) {
	bus := NewBus()
	_, a := bus.Subscribe(4)
	bus.Close()

	_, open := <-a
	require.False(t, open)

	// A subscription after close is returned already closed.
	_, b := bus.Subscribe(4)
	_, open = <-b
	require.False(t, open)
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	s := New(true)

	require.True(t, reg.Add(s))
	require.False(t, reg.Add(s), "duplicate id rejected")
	require.Equal(t, 1, reg.Len())

	got, ok := reg.Get(s.ID)
	require.True(t, ok)
	require.Same(t, s, got)
	require.Equal(t, []string{s.ID}, reg.IDs())

	reg.Remove(s.ID)
	require.Equal(t, 0, reg.Len())
	_, ok = reg.Get(s.ID)
	require.False(t, ok)
}

func TestStatsSilenceRatio(t *testing.T) {
	s := New(false)
	require.Zero(t, s.Stats().SilenceRatio())

	s.RecordFrame(true, []float64{0.5, 0.2})
	s.RecordFrame(false, []float64{0.0, 0.0})
	s.RecordFrame(false, []float64{0.0, 0.0})

	st := s.Stats()
	require.InDelta(t, 2.0/3.0, st.SilenceRatio(), 1e-9)
	require.Greater(t, st.EWMARMSLevels[0], 0.0)
}
