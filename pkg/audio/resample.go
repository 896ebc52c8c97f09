package audio

import "math"

// Resampler converts interleaved float32 audio between sample rates.
// Implementations must be interchangeable: for the same input they produce the
// same channel count and the same output sample count.
type Resampler interface {
	// Resample converts interleaved samples from inRate to outRate. The
	// output holds round(n*outRate/inRate) samples per channel.
	Resample(samples []float32, channels, inRate, outRate int) []float32
}

// NewResampler returns the resampler for the configured method. Unknown
// methods fall back to linear interpolation.
func NewResampler(method string) Resampler {
	if method == "poly" {
		return &PolyphaseResampler{}
	}
	return &LinearResampler{}
}

// outputLen returns the number of output samples per channel.
func outputLen(perChannel, inRate, outRate int) int {
	return int(math.Round(float64(perChannel) * float64(outRate) / float64(inRate)))
}

// LinearResampler interpolates linearly between neighboring samples. Cheap,
// adequate for speech at 48k to 16k.
type LinearResampler struct{}

func (LinearResampler) Resample(samples []float32, channels, inRate, outRate int) []float32 {
	if inRate == outRate || len(samples) == 0 {
		return samples
	}
	n := len(samples) / channels
	m := outputLen(n, inRate, outRate)
	out := make([]float32, m*channels)

	step := float64(n) / float64(m)
	for i := 0; i < m; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= n {
			next = n - 1
		}
		for c := 0; c < channels; c++ {
			s1 := samples[idx*channels+c]
			s2 := samples[next*channels+c]
			out[i*channels+c] = s1*(1-frac) + s2*frac
		}
	}
	return out
}

// PolyphaseResampler performs rational-ratio resampling: upsample by L, filter
// with a windowed-sinc low-pass, downsample by M, where L/M is outRate/inRate
// reduced by their GCD.
type PolyphaseResampler struct{}

func (PolyphaseResampler) Resample(samples []float32, channels, inRate, outRate int) []float32 {
	if inRate == outRate || len(samples) == 0 {
		return samples
	}
	g := gcd(inRate, outRate)
	up := outRate / g
	down := inRate / g

	n := len(samples) / channels
	m := outputLen(n, inRate, outRate)
	out := make([]float32, m*channels)

	taps := sincTaps(up, down)
	half := len(taps) / 2

	for c := 0; c < channels; c++ {
		for i := 0; i < m; i++ {
			// Position of output sample i in the upsampled grid.
			t := i * down
			var acc, norm float64
			for k := -half; k <= half; k++ {
				u := t + k
				if u%up != 0 {
					continue
				}
				src := u / up
				if src < 0 || src >= n {
					continue
				}
				w := taps[k+half]
				acc += w * float64(samples[src*channels+c])
				norm += w
			}
			if norm != 0 {
				out[i*channels+c] = float32(acc / norm)
			}
		}
	}
	return out
}

// sincTaps builds a Hann-windowed sinc kernel with cutoff at the lower of the
// two Nyquist frequencies in the upsampled domain.
func sincTaps(up, down int) []float64 {
	cutoff := 1.0 / float64(max(up, down))
	width := 8 * max(up, down)
	taps := make([]float64, 2*width+1)
	for i := range taps {
		x := float64(i - width)
		var s float64
		if x == 0 {
			s = cutoff
		} else {
			s = math.Sin(math.Pi*cutoff*x) / (math.Pi * x)
		}
		// Hann window
		w := 0.5 + 0.5*math.Cos(math.Pi*x/float64(width))
		taps[i] = s * w
	}
	return taps
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
