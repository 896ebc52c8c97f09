package capture

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// Engine owns the audio backend context shared by all hardware sources.
type Engine struct {
	ctx *malgo.AllocatedContext
}

// NewEngine initializes the audio backend with realtime thread priority.
func NewEngine() (*Engine, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Engine{ctx: ctx}, nil
}

// Close releases the backend context. Stop all sources first.
func (e *Engine) Close() {
	if e.ctx != nil {
		_ = e.ctx.Uninit()
		e.ctx.Free()
	}
}

// findDevice picks the first device of the given type whose name contains
// substr (case-insensitive). An empty substr selects the system default.
func (e *Engine) findDevice(kind malgo.DeviceType, substr string) (*malgo.DeviceInfo, error) {
	if substr == "" {
		return nil, nil
	}
	infos, err := e.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	needle := strings.ToLower(substr)
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), needle) {
			return &infos[i], nil
		}
	}
	names := make([]string, 0, len(infos))
	for i := range infos {
		names = append(names, infos[i].Name())
	}
	return nil, fmt.Errorf("no device matching %q (available: %s)", substr, strings.Join(names, ", "))
}

// DeviceConfig selects and shapes one hardware capture stream.
type DeviceConfig struct {
	NameSubstr string // case-insensitive substring, "" = system default
	Channels   int
	SampleRate int
	BlockSize  int // samples per channel per emitted Block
	Loopback   bool
	Buffer     int // Blocks channel capacity, default 16
}

// DeviceSource captures audio from one hardware device. The backend data
// callback runs on the audio thread; samples are staged into fixed-size
// blocks and handed off over a buffered channel. A full channel drops the
// block rather than blocking the audio thread.
type DeviceSource struct {
	engine *Engine
	cfg    DeviceConfig
	info   DeviceInfo

	device *malgo.Device
	blocks chan Block

	mu      sync.Mutex
	staging []float32
	started bool
	dropped uint64
}

// NewDeviceSource resolves the device and prepares it. Capture does not
// begin until Start.
func NewDeviceSource(engine *Engine, cfg DeviceConfig) (*DeviceSource, error) {
	if cfg.Channels <= 0 || cfg.SampleRate <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("invalid device config: channels=%d rate=%d block=%d",
			cfg.Channels, cfg.SampleRate, cfg.BlockSize)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}

	// Loopback taps a playback device, so the name search runs against the
	// playback list and the match is wired in as the capture target.
	kind := malgo.Capture
	if cfg.Loopback {
		kind = malgo.Playback
	}
	match, err := engine.findDevice(kind, cfg.NameSubstr)
	if err != nil {
		return nil, err
	}

	s := &DeviceSource{
		engine: engine,
		cfg:    cfg,
		blocks: make(chan Block, cfg.Buffer),
		info: DeviceInfo{
			Name:       "default",
			Channels:   cfg.Channels,
			SampleRate: cfg.SampleRate,
			Loopback:   cfg.Loopback,
		},
	}
	if match != nil {
		s.info.Name = match.Name()
	}

	deviceType := malgo.Capture
	if cfg.Loopback {
		deviceType = malgo.Loopback
	}
	deviceConfig := malgo.DefaultDeviceConfig(deviceType)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.BlockSize)
	if match != nil {
		deviceConfig.Capture.DeviceID = match.ID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			s.onData(input, frameCount)
		},
	}
	device, err := malgo.InitDevice(engine.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init device %q: %w", s.info.Name, err)
	}
	s.device = device
	return s, nil
}

// onData runs on the audio thread. Keep it allocation-light and never block.
func (s *DeviceSource) onData(input []byte, frameCount uint32) {
	n := int(frameCount) * s.cfg.Channels
	if len(input) < n*4 {
		n = len(input) / 4
	}

	s.mu.Lock()
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(input[i*4:])
		s.staging = append(s.staging, math.Float32frombits(bits))
	}

	blockLen := s.cfg.BlockSize * s.cfg.Channels
	for len(s.staging) >= blockLen {
		samples := make([]float32, blockLen)
		copy(samples, s.staging[:blockLen])
		s.staging = s.staging[blockLen:]

		block := Block{
			Samples:    samples,
			Channels:   s.cfg.Channels,
			SampleRate: s.cfg.SampleRate,
			Timestamp:  time.Now(),
		}
		select {
		case s.blocks <- block:
		default:
			s.dropped++
		}
	}
	s.mu.Unlock()
}

// Start begins capture.
func (s *DeviceSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("start device %q: %w", s.info.Name, err)
	}
	s.started = true
	log.Printf("[Capture] Started %q (%dch @ %d Hz, loopback=%v)",
		s.info.Name, s.cfg.Channels, s.cfg.SampleRate, s.cfg.Loopback)
	return nil
}

// Blocks returns the capture stream.
func (s *DeviceSource) Blocks() <-chan Block {
	return s.blocks
}

// Stop halts capture and closes the block stream.
func (s *DeviceSource) Stop() error {
	s.mu.Lock()
	started := s.started
	s.started = false
	dropped := s.dropped
	s.mu.Unlock()

	if !started {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("stop device %q: %w", s.info.Name, err)
	}
	s.device.Uninit()
	close(s.blocks)
	if dropped > 0 {
		log.Printf("[Capture] %q dropped %d blocks (consumer too slow)", s.info.Name, dropped)
	}
	return nil
}

// Info returns the resolved device description.
func (s *DeviceSource) Info() DeviceInfo {
	return s.info
}

// Dropped returns the count of blocks discarded because the consumer lagged.
func (s *DeviceSource) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
