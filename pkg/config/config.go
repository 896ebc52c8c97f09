package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// PlaceholderAPIKey is the value shipped in example .env files. A key equal to
// this is treated the same as no key at all.
const PlaceholderAPIKey = "tu_api_key_aqui"

// Config holds all runtime settings, loaded from environment variables.
type Config struct {
	// Audio capture
	MicNameSubstr  string  // substring match against capture device names
	SpkNameSubstr  string  // substring match against playback devices (loopback target)
	FrameMs        int     // capture block duration in milliseconds
	CaptureRate    int     // hardware capture rate in Hz
	MicGain        float64 // scalar gain applied to the mic channel
	LoopGain       float64 // scalar gain applied to the loopback channel
	StereoLayout   string  // "LR": ch0=mic, "RL": ch0=loopback
	VADThreshold   float64
	VADEnabled     bool

	NormalizeEnabled     bool
	NormalizeTargetLevel float64
	ResampleMethod       string // "poly" or "linear"

	// Deepgram
	DeepgramAPIKey     string
	DeepgramBaseWSS    string
	DeepgramModel      string
	DeepgramLanguage   string
	DeepgramEncoding   string
	DeepgramSampleRate int

	DeepgramMultichannel    bool
	DeepgramSmartFormat     bool
	DeepgramInterimResults  bool
	DeepgramEndpointing     bool
	DeepgramPIIRedact       bool
	DeepgramDiarize         bool
	DeepgramUtteranceEndMs  int
	DeepgramVADEvents       bool
	DeepgramNoDelay         bool
	DeepgramNumerals        bool
	DeepgramProfanityFilter bool

	// Connection
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Session
	SessionTimeout time.Duration

	// Coaching
	UseLLMFallback bool
	LLMModel       string
	LLMTimeout     time.Duration
	OpenAIAPIKey   string
	PlaybookJSON   string

	// Server
	ListenAddr string

	// Logging
	LogRMSInterval int
	LogTranscript  bool
	LogDebug       bool
}

// Load reads configuration from the environment, falling back to defaults.
func Load() *Config {
	return &Config{
		MicNameSubstr: getString("MIC_NAME_SUBSTR", ""),
		SpkNameSubstr: getString("SPK_NAME_SUBSTR", ""),
		FrameMs:       getInt("FRAME_MS", 20),
		CaptureRate:   getInt("CAPTURE_RATE", 48000),
		MicGain:       getFloat("MIC_GAIN", 3.0),
		LoopGain:      getFloat("LOOP_GAIN", 8.0),
		StereoLayout:  getString("STEREO_LAYOUT", "LR"),
		VADThreshold:  getFloat("VAD_THRESHOLD", 0.01),
		VADEnabled:    getBool("VAD_ENABLED", true),

		NormalizeEnabled:     getBool("NORMALIZE_ENABLED", true),
		NormalizeTargetLevel: getFloat("NORMALIZE_TARGET_LEVEL", 0.7),
		ResampleMethod:       getString("RESAMPLE_METHOD", "poly"),

		DeepgramAPIKey:     getString("DEEPGRAM_API_KEY", ""),
		DeepgramBaseWSS:    getString("DG_BASE_WSS", "wss://api.deepgram.com"),
		DeepgramModel:      getString("DEEPGRAM_MODEL", "nova-3-general"),
		DeepgramLanguage:   getString("DEEPGRAM_LANGUAGE", "multi"),
		DeepgramEncoding:   getString("DEEPGRAM_ENCODING", "linear16"),
		DeepgramSampleRate: getInt("DEEPGRAM_SAMPLE_RATE", 16000),

		DeepgramMultichannel:    getBool("DEEPGRAM_MULTICHANNEL", true),
		DeepgramSmartFormat:     getBool("DEEPGRAM_SMART_FORMAT", true),
		DeepgramInterimResults:  getBool("DEEPGRAM_INTERIM_RESULTS", true),
		DeepgramEndpointing:     getBool("DEEPGRAM_ENDPOINTING", true),
		DeepgramPIIRedact:       getBool("DEEPGRAM_PII_REDACT", false),
		DeepgramDiarize:         getBool("DEEPGRAM_DIARIZE", false),
		DeepgramUtteranceEndMs:  getInt("DEEPGRAM_UTTERANCE_END_MS", 1000),
		DeepgramVADEvents:       getBool("DEEPGRAM_VAD_EVENTS", true),
		DeepgramNoDelay:         getBool("DEEPGRAM_NO_DELAY", false),
		DeepgramNumerals:        getBool("DEEPGRAM_NUMERALS", true),
		DeepgramProfanityFilter: getBool("DEEPGRAM_PROFANITY_FILTER", false),

		ReconnectDelay:       getDuration("RECONNECT_DELAY", 3*time.Second),
		MaxReconnectAttempts: getInt("MAX_RECONNECT_ATTEMPTS", 5),

		SessionTimeout: getDuration("SESSION_TIMEOUT", 2*time.Hour),

		UseLLMFallback: getBool("USE_LLM_FALLBACK", true),
		LLMModel:       getString("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:     getDuration("LLM_TIMEOUT", 800*time.Millisecond),
		OpenAIAPIKey:   getString("OPENAI_API_KEY", ""),
		PlaybookJSON:   getString("PLAYBOOK_JSON", ""),

		ListenAddr: getString("LISTEN_ADDR", ":8080"),

		LogRMSInterval: getInt("LOG_RMS_INTERVAL", 100),
		LogTranscript:  getBool("LOG_TRANSCRIPT", true),
		LogDebug:       getBool("LOG_DEBUG", false),
	}
}

// Validate checks the settings that would otherwise fail deep inside the
// pipeline. Each error names the offending environment variable.
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" || c.DeepgramAPIKey == PlaceholderAPIKey {
		return fmt.Errorf("DEEPGRAM_API_KEY is not set (found placeholder or empty value)")
	}
	if c.FrameMs <= 0 {
		return fmt.Errorf("FRAME_MS must be positive, got %d", c.FrameMs)
	}
	if c.CaptureRate <= 0 {
		return fmt.Errorf("CAPTURE_RATE must be positive, got %d", c.CaptureRate)
	}
	if c.DeepgramSampleRate <= 0 {
		return fmt.Errorf("DEEPGRAM_SAMPLE_RATE must be positive, got %d", c.DeepgramSampleRate)
	}
	if c.StereoLayout != "LR" && c.StereoLayout != "RL" {
		return fmt.Errorf("STEREO_LAYOUT must be \"LR\" or \"RL\", got %q", c.StereoLayout)
	}
	if c.ResampleMethod != "poly" && c.ResampleMethod != "linear" {
		return fmt.Errorf("RESAMPLE_METHOD must be \"poly\" or \"linear\", got %q", c.ResampleMethod)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative, got %d", c.MaxReconnectAttempts)
	}
	if c.UseLLMFallback && c.LLMTimeout > time.Second {
		return fmt.Errorf("LLM_TIMEOUT must be at most 1s to keep classification bounded, got %s", c.LLMTimeout)
	}
	return nil
}

// BlockSize returns the capture block size in samples per channel.
func (c *Config) BlockSize() int {
	return c.CaptureRate * c.FrameMs / 1000
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
