package deepgram

import (
	"encoding/json"
	"fmt"
	"time"

	"example.com/call_coach/pkg/stt"
)

// messageType is used to probe the type of an inbound message before a full
// decode.
type messageType struct {
	Type string `json:"type"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type channelAlternatives struct {
	Alternatives []alternative `json:"alternatives"`
}

// resultsMessage covers the schema variants Deepgram uses for transcript
// events: a channel_index pair plus a single channel object, or a channels
// array in multichannel responses.
type resultsMessage struct {
	Type         string                `json:"type"`
	ChannelIndex []int                 `json:"channel_index"`
	IsFinal      bool                  `json:"is_final"`
	Channel      channelAlternatives   `json:"channel"`
	Channels     []channelAlternatives `json:"channels"`
}

type errorMessage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// channelIndex attributes a transcript event to a channel. The tiers are
// ordered: the explicit channel_index field wins; otherwise the first channel
// in the channels array carrying a non-empty alternative; otherwise channel 0.
// The fallback tolerates schema variation across back-end versions.
func channelIndex(msg *resultsMessage) int {
	if len(msg.ChannelIndex) > 0 && msg.ChannelIndex[0] >= 0 {
		return msg.ChannelIndex[0]
	}
	for i, ch := range msg.Channels {
		for _, alt := range ch.Alternatives {
			if alt.Transcript != "" {
				return i
			}
		}
	}
	return 0
}

// decodeResult parses a Results payload into a typed transcript result.
// An empty transcript yields (nil, nil): nothing to surface, nothing wrong.
func decodeResult(data []byte) (*stt.Result, error) {
	var msg resultsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed results message: %w", err)
	}

	idx := channelIndex(&msg)

	alts := msg.Channel.Alternatives
	if len(alts) == 0 && idx < len(msg.Channels) {
		alts = msg.Channels[idx].Alternatives
	}
	if len(alts) == 0 || alts[0].Transcript == "" {
		return nil, nil
	}

	return &stt.Result{
		Transcript:   alts[0].Transcript,
		Confidence:   alts[0].Confidence,
		IsFinal:      msg.IsFinal,
		ChannelIndex: idx,
		Timestamp:    time.Now(),
	}, nil
}
