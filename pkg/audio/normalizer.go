package audio

import "math"

// Normalizer levels each channel toward a target RMS using a rolling history,
// with soft compression so gain never jumps between blocks.
type Normalizer struct {
	targetLevel float64
	historySize int
	history     [][]float64 // per channel
}

const (
	minGainRatio = 0.1
	maxGainRatio = 3.0
	outputCeil   = 0.95
)

// NewNormalizer creates a normalizer for the given channel count.
func NewNormalizer(targetLevel float64, channels int) *Normalizer {
	if targetLevel <= 0 {
		targetLevel = 0.7
	}
	return &Normalizer{
		targetLevel: targetLevel,
		historySize: 50,
		history:     make([][]float64, channels),
	}
}

// Normalize levels interleaved samples in place and returns them.
// Output is clamped to [-0.95, 0.95] to preserve headroom.
func (n *Normalizer) Normalize(samples []float32, channels int) []float32 {
	if channels <= 0 || len(samples) == 0 {
		return samples
	}
	for c := 0; c < channels && c < len(n.history); c++ {
		current := channelLevel(samples, channels, c)

		n.history[c] = append(n.history[c], current)
		if len(n.history[c]) > n.historySize {
			n.history[c] = n.history[c][1:]
		}

		// Smooth over the last few blocks so a single loud or quiet
		// block does not swing the gain.
		avg := current
		if len(n.history[c]) >= 5 {
			tail := n.history[c][len(n.history[c])-5:]
			var sum float64
			for _, v := range tail {
				sum += v
			}
			avg = sum / float64(len(tail))
		}

		if avg <= 0.001 {
			continue
		}

		ratio := n.targetLevel / avg
		ratio = compress(ratio, current)
		if ratio < minGainRatio {
			ratio = minGainRatio
		} else if ratio > maxGainRatio {
			ratio = maxGainRatio
		}

		for i := c; i < len(samples); i += channels {
			v := float64(samples[i]) * ratio
			if v > outputCeil {
				v = outputCeil
			} else if v < -outputCeil {
				v = -outputCeil
			}
			samples[i] = float32(v)
		}
	}
	return samples
}

// compress softens the gain ratio: quiet blocks may be boosted harder, loud
// blocks are attenuated to avoid pumping.
func compress(ratio, level float64) float64 {
	switch {
	case level < 0.1:
		return ratio * 1.2
	case level > 0.8:
		return ratio * 0.8
	default:
		return ratio
	}
}

// Reset clears the level history.
func (n *Normalizer) Reset() {
	for c := range n.history {
		n.history[c] = nil
	}
}

func channelLevel(samples []float32, channels, c int) float64 {
	var sum float64
	var count int
	for i := c; i < len(samples); i += channels {
		sum += float64(samples[i]) * float64(samples[i])
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}
