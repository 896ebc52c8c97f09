package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is one conditioned block of audio ready for the transcription relay.
// It is created once by the Conditioner and never mutated afterwards.
type Frame struct {
	Data       []byte // interleaved PCM s16le
	Channels   int
	SampleRate int
	Timestamp  time.Time
	Duration   time.Duration
	IsSpeech   bool
	RMSLevels  []float64 // per source channel: [mic, loopback]
}

// Samples returns the number of samples per channel in the frame.
func (f *Frame) Samples() int {
	if f.Channels == 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// ToPCM16 converts float32 samples in [-1, 1] to interleaved PCM s16le bytes.
// Values outside the range are clamped.
func ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}

// FromPCM16 converts interleaved PCM s16le bytes to float32 samples.
func FromPCM16(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return out
}

// RMS computes the root-mean-square level of a sample block.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ChannelRMS computes per-channel RMS levels of interleaved samples.
func ChannelRMS(samples []float32, channels int) []float64 {
	if channels <= 0 {
		return nil
	}
	sums := make([]float64, channels)
	counts := make([]int, channels)
	for i, s := range samples {
		c := i % channels
		sums[c] += float64(s) * float64(s)
		counts[c]++
	}
	out := make([]float64, channels)
	for c := range out {
		if counts[c] > 0 {
			out[c] = math.Sqrt(sums[c] / float64(counts[c]))
		}
	}
	return out
}
