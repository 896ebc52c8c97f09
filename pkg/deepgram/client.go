package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"example.com/call_coach/pkg/audio"
	"example.com/call_coach/pkg/config"
	"example.com/call_coach/pkg/stt"
)

const (
	listenPath        = "/v1/listen"
	keepAliveInterval = 5 * time.Second
)

// Configuration errors are fatal at startup and never retried; transport
// errors go through the reconnect path instead.
var (
	ErrConfig       = errors.New("deepgram api key missing or placeholder, set DEEPGRAM_API_KEY")
	ErrNotConnected = errors.New("not connected")
)

// State is the relay connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Config holds Deepgram connection settings. The option fields are passed to
// the back-end as negotiated parameters and not interpreted further.
type Config struct {
	APIKey     string
	BaseURL    string // e.g. wss://api.deepgram.com
	Model      string
	Language   string
	Encoding   string // "linear16" for PCM
	SampleRate int
	Channels   int

	Multichannel    bool
	SmartFormat     bool
	InterimResults  bool
	Endpointing     bool
	UtteranceEndMs  int
	VADEvents       bool
	NoDelay         bool
	Numerals        bool
	ProfanityFilter bool
	Redact          bool
	Diarize         bool

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// Client is a Deepgram real-time STT relay. It owns the duplex WebSocket
// connection: audio goes upstream via SendAudio, results come back as typed
// events on Events(). It reconnects on unexpected disconnects up to the
// configured attempt budget.
type Client struct {
	cfg Config

	mu      sync.Mutex // guards conn, state, status
	writeMu sync.Mutex // serializes WebSocket writes
	conn    *websocket.Conn
	state   State
	status  stt.ConnectionStatus

	events    chan stt.Event
	raw       func([]byte)
	done      chan struct{}
	closeOnce sync.Once
}

var _ stt.Relay = (*Client)(nil)

// NewClient creates a Deepgram relay client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.deepgram.com"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	if cfg.UtteranceEndMs == 0 {
		cfg.UtteranceEndMs = 1000
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	return &Client{
		cfg:    cfg,
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
		status: stt.ConnectionStatus{URL: cfg.BaseURL + listenPath},
	}
}

// OnRawMessage registers a raw-passthrough subscriber that receives every
// inbound payload verbatim, independent of semantic parsing. Must be set
// before Connect.
func (c *Client) OnRawMessage(fn func([]byte)) {
	c.raw = fn
}

// Connect establishes the WebSocket connection and starts the downstream
// reader and keepalive paths. A missing or placeholder API key fails fast
// without any network attempt.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.APIKey == "" || c.cfg.APIKey == config.PlaceholderAPIKey {
		return ErrConfig
	}

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateTerminated {
		c.mu.Unlock()
		return fmt.Errorf("relay terminated")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.status.LastError = err.Error()
		c.mu.Unlock()
		return fmt.Errorf("deepgram connection failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.status.Connected = true
	c.status.LastHeartbeat = time.Now()
	c.status.LastError = ""
	c.mu.Unlock()

	go c.readLoop()
	go c.keepAliveLoop()

	log.Println("[Deepgram] Connected to speech-to-text service")
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s%s?model=%s&language=%s&encoding=%s&sample_rate=%d&channels=%d"+
		"&multichannel=%t&smart_format=%t&interim_results=%t&endpointing=%t&utterance_end_ms=%d"+
		"&vad_events=%t&no_delay=%t&numerals=%t&profanity_filter=%t&diarize=%t",
		c.cfg.BaseURL, listenPath,
		c.cfg.Model, c.cfg.Language, c.cfg.Encoding, c.cfg.SampleRate, c.cfg.Channels,
		c.cfg.Multichannel, c.cfg.SmartFormat, c.cfg.InterimResults, c.cfg.Endpointing,
		c.cfg.UtteranceEndMs, c.cfg.VADEvents, c.cfg.NoDelay, c.cfg.Numerals,
		c.cfg.ProfanityFilter, c.cfg.Diarize)
	if c.cfg.Redact {
		url += "&redact=pii"
	}

	header := make(map[string][]string)
	header["Authorization"] = []string{"Token " + c.cfg.APIKey}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	return conn, err
}

// readLoop is the downstream path: it decodes inbound messages into typed
// events until the relay closes or the reconnect budget is exhausted. It is
// the only goroutine that reads the connection and the only one that closes
// the event channel.
func (c *Client) readLoop() {
	defer close(c.events)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.emit(stt.Event{Type: stt.EventClose, Message: "remote closed"})
				c.terminate("")
				return
			}
			log.Printf("[Deepgram] Read error: %v", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		if c.raw != nil {
			c.raw(message)
		}
		c.handleMessage(message)
	}
}

// handleMessage decodes one inbound payload. Parsing failures on individual
// messages are logged and skipped; they never abort the stream.
func (c *Client) handleMessage(message []byte) {
	var probe messageType
	if err := json.Unmarshal(message, &probe); err != nil {
		log.Printf("[Deepgram] Skipping unparseable message: %v", err)
		return
	}

	switch probe.Type {
	case "Results":
		result, err := decodeResult(message)
		if err != nil {
			log.Printf("[Deepgram] Skipping malformed result: %v", err)
			return
		}
		if result == nil {
			return
		}
		c.emit(stt.Event{Type: stt.EventTranscript, Result: result})

	case "SpeechStarted":
		c.emit(stt.Event{Type: stt.EventSpeechStarted})

	case "UtteranceEnd":
		c.emit(stt.Event{Type: stt.EventUtteranceEnd})

	case "Metadata":
		c.emit(stt.Event{Type: stt.EventMetadata, Message: string(message)})

	case "Error":
		var em errorMessage
		if err := json.Unmarshal(message, &em); err == nil {
			desc := em.Description
			if desc == "" {
				desc = em.Message
			}
			c.mu.Lock()
			c.status.LastError = desc
			c.mu.Unlock()
			c.emit(stt.Event{Type: stt.EventError, Err: errors.New(desc)})
		}

	default:
		// Unknown message types are tolerated; the raw passthrough has
		// already seen them.
	}
}

// reconnect retries the connection with a fixed delay between attempts. Each
// attempt is independent; no audio is buffered across attempts. Returns false
// when the budget is exhausted, after surfacing a fatal transport error.
func (c *Client) reconnect() bool {
	c.mu.Lock()
	c.state = StateReconnecting
	c.status.Connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return false
		case <-time.After(c.cfg.ReconnectDelay):
		}

		c.mu.Lock()
		c.status.ReconnectCount++
		c.mu.Unlock()

		log.Printf("[Deepgram] Reconnect attempt %d/%d", attempt, c.cfg.MaxReconnectAttempts)

		conn, err := c.dial(context.Background())
		if err != nil {
			c.mu.Lock()
			c.status.LastError = err.Error()
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.status.Connected = true
		c.status.LastHeartbeat = time.Now()
		c.mu.Unlock()

		log.Println("[Deepgram] Reconnected")
		return true
	}

	err := fmt.Errorf("transport failed after %d reconnect attempts", c.cfg.MaxReconnectAttempts)
	c.emit(stt.Event{Type: stt.EventError, Err: err, Fatal: true})
	c.terminate(err.Error())
	return false
}

// keepAliveLoop sends periodic KeepAlive messages so the back-end holds the
// connection open through silence.
func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		connected := c.state == StateConnected
		conn := c.conn
		c.mu.Unlock()
		if !connected || conn == nil {
			continue
		}

		c.writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
		c.writeMu.Unlock()
		if err == nil {
			c.mu.Lock()
			c.status.LastHeartbeat = time.Now()
			c.mu.Unlock()
		}
	}
}

// SendAudio forwards one conditioned PCM frame upstream. During a reconnect
// the frame is rejected rather than buffered; at most the in-flight block is
// lost on a hard disconnect.
func (c *Client) SendAudio(frame *audio.Frame) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	conn := c.conn
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame.Data)
}

// Events returns the typed event stream. The channel is closed when the relay
// terminates.
func (c *Client) Events() <-chan stt.Event {
	return c.events
}

// Status returns a snapshot of the connection state.
func (c *Client) Status() stt.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close shuts the connection down. A CloseStream message is sent so the
// back-end flushes any pending finals before the socket drops.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		if conn != nil {
			c.writeMu.Lock()
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			c.writeMu.Unlock()
			conn.Close()
		}
		log.Println("[Deepgram] Disconnected")
	})

	c.mu.Lock()
	c.state = StateTerminated
	c.status.Connected = false
	c.mu.Unlock()
	return nil
}

// terminate marks the relay dead after a remote close or exhausted reconnects.
func (c *Client) terminate(lastError string) {
	c.mu.Lock()
	c.state = StateTerminated
	c.status.Connected = false
	if lastError != "" {
		c.status.LastError = lastError
	}
	c.mu.Unlock()
}

func (c *Client) emit(ev stt.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
