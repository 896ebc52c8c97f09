package audio

import "math"

// VADResult is the outcome of voice-activity detection on one frame.
type VADResult struct {
	HasVoice   bool
	RMSLevels  []float64
	Threshold  float64
	Confidence float64
}

// Detector decides whether a frame carries speech. It keeps a short rolling
// history so single-frame flicker does not toggle the gate.
type Detector struct {
	threshold    float64
	historySize  int
	voiceHistory []bool
	rmsHistory   []float64
}

// NewDetector creates a detector with the given RMS threshold.
func NewDetector(threshold float64) *Detector {
	return &Detector{
		threshold:   threshold,
		historySize: 10,
	}
}

// Detect computes per-channel RMS over interleaved samples and applies the
// threshold plus a 2-of-3 majority filter over recent frames. The mic channel
// is weighted at 0.7 and the loopback channel at 0.3: for gating purposes the
// near-end voice is the stronger signal.
func (d *Detector) Detect(samples []float32, channels int) VADResult {
	levels := ChannelRMS(samples, channels)

	primary := 0.0
	secondary := 0.0
	if len(levels) > 0 {
		primary = levels[0]
	}
	if len(levels) > 1 {
		secondary = levels[1]
	}
	avg := 0.7*primary + 0.3*secondary

	raw := avg > d.threshold

	d.voiceHistory = append(d.voiceHistory, raw)
	d.rmsHistory = append(d.rmsHistory, avg)
	if len(d.voiceHistory) > d.historySize {
		d.voiceHistory = d.voiceHistory[1:]
		d.rmsHistory = d.rmsHistory[1:]
	}

	hasVoice := raw
	if len(d.voiceHistory) >= 3 {
		count := 0
		for _, v := range d.voiceHistory[len(d.voiceHistory)-3:] {
			if v {
				count++
			}
		}
		hasVoice = count >= 2
	}

	// Confidence from the inverse coefficient of variation: a stable level
	// means a confident decision either way.
	confidence := 0.5
	if len(d.rmsHistory) >= 3 {
		tail := d.rmsHistory[len(d.rmsHistory)-3:]
		mean, std := meanStd(tail)
		confidence = math.Min(1.0, mean/(std+0.001))
	}

	return VADResult{
		HasVoice:   hasVoice,
		RMSLevels:  levels,
		Threshold:  d.threshold,
		Confidence: confidence,
	}
}

// SetThreshold updates the detection threshold, clamped to a sane range.
func (d *Detector) SetThreshold(t float64) {
	d.threshold = math.Max(0.001, math.Min(1.0, t))
}

// Reset clears all history, used on session restart.
func (d *Detector) Reset() {
	d.voiceHistory = nil
	d.rmsHistory = nil
}

// VADStats summarizes recent detection history.
type VADStats struct {
	Samples    int
	AvgRMS     float64
	MaxRMS     float64
	VoiceRatio float64
}

// Stats reports detection statistics over the rolling history.
func (d *Detector) Stats() VADStats {
	if len(d.rmsHistory) == 0 {
		return VADStats{}
	}
	var sum, peak float64
	for _, v := range d.rmsHistory {
		sum += v
		if v > peak {
			peak = v
		}
	}
	voiced := 0
	for _, v := range d.voiceHistory {
		if v {
			voiced++
		}
	}
	return VADStats{
		Samples:    len(d.rmsHistory),
		AvgRMS:     sum / float64(len(d.rmsHistory)),
		MaxRMS:     peak,
		VoiceRatio: float64(voiced) / float64(len(d.voiceHistory)),
	}
}

func meanStd(vals []float64) (mean, std float64) {
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(vals)))
	return mean, std
}
