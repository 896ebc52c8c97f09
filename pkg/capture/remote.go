package capture

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"
)

const (
	remoteSampleRate = 48000
	remoteChannels   = 2
	// Opus frames run up to 60ms; at 48kHz that is 2880 samples per channel.
	maxOpusFrame = 5760
)

// RemoteSource adapts a WebRTC Opus track to the Source contract, for calls
// where the counterpart audio arrives from a browser instead of a loopback
// device. RTP payloads are decoded to interleaved float32 and regrouped into
// fixed-size blocks.
type RemoteSource struct {
	track     *webrtc.TrackRemote
	decoder   *opus.Decoder
	blockSize int
	blocks    chan Block
	info      DeviceInfo

	mu      sync.Mutex
	staging []float32
	started bool
	dropped uint64
	done    chan struct{}
}

// NewRemoteSource wraps an incoming Opus track. blockSize is samples per
// channel per emitted Block.
func NewRemoteSource(track *webrtc.TrackRemote, blockSize int) (*RemoteSource, error) {
	if track.Codec().MimeType != webrtc.MimeTypeOpus {
		return nil, fmt.Errorf("unsupported codec %s, want opus", track.Codec().MimeType)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	dec, err := opus.NewDecoder(remoteSampleRate, remoteChannels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &RemoteSource{
		track:     track,
		decoder:   dec,
		blockSize: blockSize,
		blocks:    make(chan Block, 16),
		done:      make(chan struct{}),
		info: DeviceInfo{
			Name:       "webrtc:" + track.ID(),
			Channels:   remoteChannels,
			SampleRate: remoteSampleRate,
		},
	}, nil
}

// Start launches the RTP read loop.
func (s *RemoteSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	go s.readLoop()
	log.Printf("[Capture] Remote track %s started (%dch @ %d Hz)",
		s.track.ID(), remoteChannels, remoteSampleRate)
	return nil
}

func (s *RemoteSource) readLoop() {
	defer close(s.blocks)

	buf := make([]byte, 1500)
	pcm := make([]int16, maxOpusFrame*remoteChannels)
	var pkt rtp.Packet

	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, _, err := s.track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[Capture] Remote track %s read error: %v", s.track.ID(), err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Printf("[Capture] Dropping malformed RTP packet: %v", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		frames, err := s.decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			log.Printf("[Capture] Opus decode error: %v", err)
			continue
		}
		s.stage(pcm[:frames*remoteChannels])
	}
}

func (s *RemoteSource) stage(samples []int16) {
	s.mu.Lock()
	for _, v := range samples {
		s.staging = append(s.staging, float32(v)/32768.0)
	}

	blockLen := s.blockSize * remoteChannels
	for len(s.staging) >= blockLen {
		out := make([]float32, blockLen)
		copy(out, s.staging[:blockLen])
		s.staging = s.staging[blockLen:]

		block := Block{
			Samples:    out,
			Channels:   remoteChannels,
			SampleRate: remoteSampleRate,
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

// Blocks returns the decoded audio stream.
func (s *RemoteSource) Blocks() <-chan Block {
	return s.blocks
}

// Stop ends the read loop. The underlying track is owned by the peer
// connection and is not closed here.
func (s *RemoteSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	close(s.done)
	return nil
}

// Info describes the remote stream.
func (s *RemoteSource) Info() DeviceInfo {
	return s.info
}

// TrackHandler receives a source for each incoming audio track.
type TrackHandler func(src *RemoteSource)

// Peer answers a browser's WebRTC offer and surfaces incoming Opus tracks
// as RemoteSources.
type Peer struct {
	pc        *webrtc.PeerConnection
	blockSize int
	onTrack   TrackHandler
}

// NewPeer builds a receive-only peer connection with Opus registered.
func NewPeer(blockSize int, onTrack TrackHandler) (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   remoteSampleRate,
			Channels:    remoteChannels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, err
	}

	p := &Peer{pc: pc, blockSize: blockSize, onTrack: onTrack}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		src, err := NewRemoteSource(track, p.blockSize)
		if err != nil {
			log.Printf("[Capture] Ignoring track %s: %v", track.ID(), err)
			return
		}
		if p.onTrack != nil {
			p.onTrack(src)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[Capture] Peer connection state: %s", state.String())
	})

	return p, nil
}

// Answer applies a remote SDP offer and returns the local answer, with ICE
// gathering completed so the answer is self-contained.
func (p *Peer) Answer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	return p.pc.LocalDescription().SDP, nil
}

// Close tears down the peer connection.
func (p *Peer) Close() error {
	return p.pc.Close()
}
