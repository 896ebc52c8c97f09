package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"example.com/call_coach/pkg/audio"
	"example.com/call_coach/pkg/capture"
	"example.com/call_coach/pkg/coach"
	"example.com/call_coach/pkg/config"
	"example.com/call_coach/pkg/deepgram"
	"example.com/call_coach/pkg/live"
	"example.com/call_coach/pkg/openai"
	"example.com/call_coach/pkg/session"
	"example.com/call_coach/pkg/stt"
)

// runner owns the active session and can replace it with a new one, for
// example when counterpart audio switches from the loopback device to a
// negotiated WebRTC track. Capture sources, the relay and the manager are
// all single-use, so every restart builds a fresh set via the factories.
type runner struct {
	sessionCfg session.Config
	condCfg    audio.ConditionerConfig

	matcher  session.Classifier
	archiver session.Archiver
	registry *session.Registry
	bus      *session.Bus

	// newSource builds the paired capture stream. A nil counterpart selects
	// the loopback device.
	newSource func(counterpart capture.Source) (session.AudioSource, error)
	newRelay  func() stt.Relay

	mu      sync.Mutex
	manager *session.Manager
}

// current returns the active manager, nil when no session is running.
func (r *runner) current() *session.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manager
}

// SetCoaching forwards a live toggle to the active session.
func (r *runner) SetCoaching(enabled bool) {
	if m := r.current(); m != nil {
		m.SetCoaching(enabled)
	}
}

// restart stops the active session, if any, and starts a new one whose
// counterpart side is src (nil = loopback device).
func (r *runner) restart(src capture.Source) (*session.Manager, error) {
	if old := r.current(); old != nil {
		old.Stop()
	}

	source, err := r.newSource(src)
	if err != nil {
		return nil, fmt.Errorf("build capture source: %w", err)
	}

	m := session.NewManager(r.sessionCfg, session.Deps{
		Source:      source,
		Conditioner: audio.NewConditioner(r.condCfg),
		Relay:       r.newRelay(),
		Matcher:     r.matcher,
		Archiver:    r.archiver,
		Registry:    r.registry,
		Bus:         r.bus,
	})
	if err := m.Start(context.Background()); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.manager = m
	r.mu.Unlock()
	return m, nil
}

// stop ends the active session.
func (r *runner) stop() {
	if m := r.current(); m != nil {
		m.Stop()
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[Coachd] No .env file found, using environment as-is")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[Coachd] Invalid configuration: %v", err)
	}

	engine, err := capture.NewEngine()
	if err != nil {
		log.Fatalf("[Coachd] Audio engine: %v", err)
	}
	defer engine.Close()

	var fallback coach.FallbackClassifier
	if cfg.UseLLMFallback && cfg.OpenAIAPIKey != "" {
		fallback = openai.NewClient(openai.Config{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.LLMModel,
		})
	}
	matcher := coach.NewMatcher(coach.NewPlaybook(cfg.PlaybookJSON), fallback, cfg.LLMTimeout)

	// The prospect channel is the loopback side of the stereo layout.
	counterpart := 1
	if cfg.StereoLayout == "RL" {
		counterpart = 0
	}

	bus := session.NewBus()
	run := &runner{
		sessionCfg: session.Config{
			CoachingEnabled:    true,
			CounterpartChannel: counterpart,
			Timeout:            cfg.SessionTimeout,
			VADGate:            cfg.VADEnabled,
			RMSLogInterval:     cfg.LogRMSInterval,
			LogTranscript:      cfg.LogTranscript,
		},
		condCfg: audio.ConditionerConfig{
			MicGain:        cfg.MicGain,
			LoopGain:       cfg.LoopGain,
			StereoLayout:   cfg.StereoLayout,
			Normalize:      cfg.NormalizeEnabled,
			TargetLevel:    cfg.NormalizeTargetLevel,
			CaptureRate:    cfg.CaptureRate,
			TargetRate:     cfg.DeepgramSampleRate,
			ResampleMethod: cfg.ResampleMethod,
			FrameMs:        cfg.FrameMs,
			VADThreshold:   cfg.VADThreshold,
		},
		matcher:  matcher,
		archiver: logArchiver{},
		registry: session.NewRegistry(),
		bus:      bus,
		newSource: func(counterpart capture.Source) (session.AudioSource, error) {
			mic, err := capture.NewDeviceSource(engine, capture.DeviceConfig{
				NameSubstr: cfg.MicNameSubstr,
				Channels:   1,
				SampleRate: cfg.CaptureRate,
				BlockSize:  cfg.BlockSize(),
			})
			if err != nil {
				return nil, fmt.Errorf("microphone: %w", err)
			}
			if counterpart == nil {
				loop, err := capture.NewDeviceSource(engine, capture.DeviceConfig{
					NameSubstr: cfg.SpkNameSubstr,
					Channels:   2,
					SampleRate: cfg.CaptureRate,
					BlockSize:  cfg.BlockSize(),
					Loopback:   true,
				})
				if err != nil {
					_ = mic.Stop()
					return nil, fmt.Errorf("loopback: %w", err)
				}
				counterpart = loop
			}
			return capture.NewPair(mic, counterpart, cfg.BlockSize()), nil
		},
		newRelay: func() stt.Relay {
			return deepgram.NewClient(deepgram.Config{
				APIKey:          cfg.DeepgramAPIKey,
				BaseURL:         cfg.DeepgramBaseWSS,
				Model:           cfg.DeepgramModel,
				Language:        cfg.DeepgramLanguage,
				Encoding:        cfg.DeepgramEncoding,
				SampleRate:      cfg.DeepgramSampleRate,
				Channels:        2,
				Multichannel:    cfg.DeepgramMultichannel,
				SmartFormat:     cfg.DeepgramSmartFormat,
				InterimResults:  cfg.DeepgramInterimResults,
				Endpointing:     cfg.DeepgramEndpointing,
				UtteranceEndMs:  cfg.DeepgramUtteranceEndMs,
				VADEvents:       cfg.DeepgramVADEvents,
				NoDelay:         cfg.DeepgramNoDelay,
				Numerals:        cfg.DeepgramNumerals,
				ProfanityFilter: cfg.DeepgramProfanityFilter,
				Redact:          cfg.DeepgramPIIRedact,
				Diarize:         cfg.DeepgramDiarize,

				ReconnectDelay:       cfg.ReconnectDelay,
				MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			})
		},
	}

	hub := live.NewHub(run)
	_, events := bus.Subscribe(256)
	go hub.Run(events)
	defer hub.Close()

	http.HandleFunc("/ws", hub.HandleWS)
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	http.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		manager := run.current()
		if manager == nil || manager.Session() == nil {
			http.Error(w, `{"error":"no session"}`, http.StatusNotFound)
			return
		}
		sess := manager.Session()
		json.NewEncoder(w).Encode(map[string]any{
			"id":          sess.ID,
			"started_at":  sess.StartedAt,
			"state":       manager.State(),
			"coaching":    sess.CoachingEnabled(),
			"stats":       sess.Stats(),
			"connection":  sess.Connection(),
			"segments":    len(sess.Segments()),
			"objections":  len(sess.Objections()),
			"suggestions": len(sess.Suggestions()),
		})
	})
	http.HandleFunc("/webrtc/offer", func(w http.ResponseWriter, r *http.Request) {
		handleOffer(w, r, run, cfg.BlockSize())
	})

	if _, err := run.restart(nil); err != nil {
		log.Fatalf("[Coachd] Start session: %v", err)
	}

	go func() {
		log.Printf("[Coachd] Listening on %s (ws: /ws, health: /health)", cfg.ListenAddr)
		if err := http.ListenAndServe(cfg.ListenAddr, nil); err != nil {
			log.Fatalf("[Coachd] HTTP server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("[Coachd] Shutting down")
	run.stop()
}

// handleOffer answers a browser SDP offer. When the Opus track arrives, the
// running session is replaced by one whose counterpart side is the remote
// stream instead of the loopback device; the peer connection lives as long
// as that session.
func handleOffer(w http.ResponseWriter, r *http.Request, run *runner, blockSize int) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var peer *capture.Peer
	peer, err = capture.NewPeer(blockSize, func(src *capture.RemoteSource) {
		log.Printf("[Coachd] Switching counterpart audio to %s", src.Info().Name)
		m, err := run.restart(src)
		if err != nil {
			log.Printf("[Coachd] Restart with remote source: %v", err)
			peer.Close()
			return
		}
		go func() {
			<-m.Done()
			peer.Close()
		}()
	})
	if err != nil {
		http.Error(w, "create peer", http.StatusInternalServerError)
		return
	}

	answer, err := peer.Answer(string(body))
	if err != nil {
		log.Printf("[Coachd] Answer offer: %v", err)
		peer.Close()
		http.Error(w, "negotiate", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	io.WriteString(w, answer)
}

// logArchiver records the completed session summary. Persistence backends
// plug in behind the same interface.
type logArchiver struct{}

func (logArchiver) Archive(s *session.Session) {
	stats := s.Stats()
	log.Printf("[Archive] Session %s: %d segments, %d objections, %d suggestions, %d frames relayed",
		s.ID, len(s.Segments()), len(s.Objections()), len(s.Suggestions()), stats.FramesSent)
}
