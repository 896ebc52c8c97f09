package capture

import (
	"time"
)

// Block is one chunk of interleaved float32 audio from a single source.
type Block struct {
	Samples    []float32
	Channels   int
	SampleRate int
	Timestamp  time.Time
}

// SamplesPerChannel returns the block length per channel.
func (b Block) SamplesPerChannel() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// DeviceInfo describes the device or stream behind a Source.
type DeviceInfo struct {
	Name       string
	Channels   int
	SampleRate int
	Loopback   bool
}

// Source is a continuous audio stream delivered in fixed-size blocks.
// Blocks() stays open until Stop; delivery never blocks the producer, so
// a slow consumer drops blocks instead of stalling the audio path.
type Source interface {
	Start() error
	Blocks() <-chan Block
	Stop() error
	Info() DeviceInfo
}
