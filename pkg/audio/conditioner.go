package audio

import (
	"time"
)

// ConditionerConfig controls gain, layout, normalization and resampling.
type ConditionerConfig struct {
	MicGain      float64
	LoopGain     float64
	StereoLayout string // "LR": ch0=mic, "RL": ch0=loopback
	Normalize    bool
	TargetLevel  float64
	CaptureRate  int
	TargetRate   int
	ResampleMethod string
	FrameMs        int
	VADThreshold   float64
}

// Conditioner turns raw mic and loopback blocks into transcription-ready
// stereo frames. Channel order is load-bearing: downstream speaker attribution
// reads the channel index off the frame layout chosen here.
type Conditioner struct {
	cfg        ConditionerConfig
	normalizer *Normalizer
	resampler  Resampler
	detector   *Detector
}

// NewConditioner creates a conditioner with its normalizer, resampler and
// voice-activity detector.
func NewConditioner(cfg ConditionerConfig) *Conditioner {
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = 20
	}
	return &Conditioner{
		cfg:        cfg,
		normalizer: NewNormalizer(cfg.TargetLevel, 2),
		resampler:  NewResampler(cfg.ResampleMethod),
		detector:   NewDetector(cfg.VADThreshold),
	}
}

// Condition processes one capture block. mic is mono; loop is stereo
// interleaved. Returns the conditioned frame and true, or nil and false when
// the aligned input is empty (the caller should yield and try the next block).
func (c *Conditioner) Condition(mic, loop []float32) (*Frame, bool) {
	micGained := applyGain(mic, float32(c.cfg.MicGain))
	loopMono := downmix(applyGain(loop, float32(c.cfg.LoopGain)))

	n := len(micGained)
	if len(loopMono) < n {
		n = len(loopMono)
	}
	if n <= 0 {
		return nil, false
	}

	// RMS levels are measured on the source channels before normalization,
	// so silence statistics reflect what the devices actually delivered.
	micLevel := RMS(micGained[:n])
	loopLevel := RMS(loopMono[:n])

	stereo := make([]float32, n*2)
	if c.cfg.StereoLayout == "RL" {
		for i := 0; i < n; i++ {
			stereo[i*2] = loopMono[i]
			stereo[i*2+1] = micGained[i]
		}
	} else {
		for i := 0; i < n; i++ {
			stereo[i*2] = micGained[i]
			stereo[i*2+1] = loopMono[i]
		}
	}

	if c.cfg.Normalize {
		stereo = c.normalizer.Normalize(stereo, 2)
	}

	resampled := c.resampler.Resample(stereo, 2, c.cfg.CaptureRate, c.cfg.TargetRate)

	vad := c.detector.Detect(resampled, 2)

	return &Frame{
		Data:       ToPCM16(resampled),
		Channels:   2,
		SampleRate: c.cfg.TargetRate,
		Timestamp:  time.Now(),
		Duration:   time.Duration(c.cfg.FrameMs) * time.Millisecond,
		IsSpeech:   vad.HasVoice,
		RMSLevels:  []float64{micLevel, loopLevel},
	}, true
}

// Detector exposes the voice-activity detector for stats and reset.
func (c *Conditioner) Detector() *Detector {
	return c.detector
}

// Reset clears normalizer and detector state between sessions.
func (c *Conditioner) Reset() {
	c.normalizer.Reset()
	c.detector.Reset()
}

// applyGain multiplies samples by gain, clamping to [-1, 1] so amplified
// quiet sources cannot clip digitally.
func applyGain(samples []float32, gain float32) []float32 {
	if gain == 1.0 {
		return samples
	}
	out := make([]float32, len(samples))
	for i, s := range samples {
		v := s * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = v
	}
	return out
}

// downmix reduces interleaved stereo to mono by averaging channel pairs.
func downmix(samples []float32) []float32 {
	if len(samples)%2 != 0 {
		return samples
	}
	out := make([]float32, len(samples)/2)
	for i := range out {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}
