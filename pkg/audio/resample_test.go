package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func sine(n, channels int, freq, rate float64) []float32 {
	out := make([]float32, n*channels)
	for i := 0; i < n; i++ {
		v := float32(math.Sin(2 * math.Pi * freq * float64(i) / rate))
		for c := 0; c < channels; c++ {
			out[i*channels+c] = v
		}
	}
	return out
}

func TestResampleShape(t *testing.T) {
	cases := []struct {
		name             string
		inRate, outRate  int
		samples, channels int
	}{
		{"48k to 16k stereo", 48000, 16000, 960, 2},
		{"48k to 16k mono", 48000, 16000, 960, 1},
		{"44.1k to 16k stereo", 44100, 16000, 882, 2},
		{"16k to 48k mono", 16000, 48000, 320, 1},
		{"odd block", 48000, 16000, 317, 2},
	}

	poly := &PolyphaseResampler{}
	lin := &LinearResampler{}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := sine(tc.samples, tc.channels, 440, float64(tc.inRate))
			want := int(math.Round(float64(tc.samples)*float64(tc.outRate)/float64(tc.inRate))) * tc.channels

			outPoly := poly.Resample(in, tc.channels, tc.inRate, tc.outRate)
			outLin := lin.Resample(sine(tc.samples, tc.channels, 440, float64(tc.inRate)), tc.channels, tc.inRate, tc.outRate)

			require.Equal(t, want, len(outPoly), "polyphase output length")
			require.Equal(t, want, len(outLin), "linear output length")
			require.Equal(t, len(outPoly), len(outLin), "both paths must agree on shape")
		})
	}
}

func TestResampleIdentity(t *testing.T) {
	in := sine(480, 2, 440, 48000)
	for _, r := range []Resampler{&PolyphaseResampler{}, &LinearResampler{}} {
		out := r.Resample(in, 2, 16000, 16000)
		require.Equal(t, in, out)
	}
}

func TestResamplePreservesSignal(t *testing.T) {
	// A 440 Hz tone downsampled 48k to 16k should still be a 440 Hz tone:
	// compare against the directly synthesized target and allow some
	// filter/interpolation error.
	in := sine(4800, 1, 440, 48000)
	want := sine(1600, 1, 440, 16000)

	for _, tc := range []struct {
		name string
		r    Resampler
		tol  float64
	}{
		{"poly", &PolyphaseResampler{}, 0.05},
		{"linear", &LinearResampler{}, 0.15},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := tc.r.Resample(in, 1, 48000, 16000)
			require.Equal(t, len(want), len(out))

			// Skip edges where the filter has incomplete support.
			var worst float64
			for i := 100; i < len(out)-100; i++ {
				d := math.Abs(float64(out[i]) - float64(want[i]))
				if d > worst {
					worst = d
				}
			}
			require.Less(t, worst, tc.tol)
		})
	}
}

func TestNewResamplerSelection(t *testing.T) {
	require.IsType(t, &PolyphaseResampler{}, NewResampler("poly"))
	require.IsType(t, &LinearResampler{}, NewResampler("linear"))
	require.IsType(t, &LinearResampler{}, NewResampler("unknown"))
}
