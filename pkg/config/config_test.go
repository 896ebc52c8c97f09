package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	require.Equal(t, 20, cfg.FrameMs)
	require.Equal(t, 48000, cfg.CaptureRate)
	require.Equal(t, 3.0, cfg.MicGain)
	require.Equal(t, 8.0, cfg.LoopGain)
	require.Equal(t, "LR", cfg.StereoLayout)
	require.Equal(t, 0.01, cfg.VADThreshold)
	require.Equal(t, "nova-3-general", cfg.DeepgramModel)
	require.Equal(t, "multi", cfg.DeepgramLanguage)
	require.Equal(t, 16000, cfg.DeepgramSampleRate)
	require.Equal(t, 1000, cfg.DeepgramUtteranceEndMs)
	require.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	require.Equal(t, 5, cfg.MaxReconnectAttempts)
	require.Equal(t, 800*time.Millisecond, cfg.LLMTimeout)
	require.Equal(t, 960, cfg.BlockSize())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIC_GAIN", "1.5")
	t.Setenv("STEREO_LAYOUT", "RL")
	t.Setenv("VAD_ENABLED", "false")
	t.Setenv("RECONNECT_DELAY", "500ms")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "2")

	cfg := Load()
	require.Equal(t, 1.5, cfg.MicGain)
	require.Equal(t, "RL", cfg.StereoLayout)
	require.False(t, cfg.VADEnabled)
	require.Equal(t, 500*time.Millisecond, cfg.ReconnectDelay)
	require.Equal(t, 2, cfg.MaxReconnectAttempts)
}

func TestUnparseableEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("FRAME_MS", "twenty")
	t.Setenv("MIC_GAIN", "loud")

	cfg := Load()
	require.Equal(t, 20, cfg.FrameMs)
	require.Equal(t, 3.0, cfg.MicGain)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Load()
		cfg.DeepgramAPIKey = "real-key"
		return cfg
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.DeepgramAPIKey = ""
	require.ErrorContains(t, cfg.Validate(), "DEEPGRAM_API_KEY")

	cfg = valid()
	cfg.DeepgramAPIKey = PlaceholderAPIKey
	require.ErrorContains(t, cfg.Validate(), "DEEPGRAM_API_KEY")

	cfg = valid()
	cfg.StereoLayout = "XY"
	require.ErrorContains(t, cfg.Validate(), "STEREO_LAYOUT")

	cfg = valid()
	cfg.ResampleMethod = "cubic"
	require.ErrorContains(t, cfg.Validate(), "RESAMPLE_METHOD")

	cfg = valid()
	cfg.LLMTimeout = 5 * time.Second
	require.ErrorContains(t, cfg.Validate(), "LLM_TIMEOUT")

	cfg = valid()
	cfg.MaxReconnectAttempts = -1
	require.ErrorContains(t, cfg.Validate(), "MAX_RECONNECT_ATTEMPTS")
}
