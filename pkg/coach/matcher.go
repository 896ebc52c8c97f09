package coach

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Classification is the outcome of objection analysis on one finalized
// prospect segment.
type Classification struct {
	IsObjection bool
	Type        ObjectionType
	Suggestion  string
	Confidence  float64
	Source      Source
}

// FallbackClassifier is a remote classifier consulted when no rule fires.
// It must respect the context deadline.
type FallbackClassifier interface {
	CompleteJSON(ctx context.Context, systemPrompt, userMessage string) ([]byte, error)
}

const fallbackPrompt = `Eres un coach de ventas. Dado el texto de un cliente, responde SOLO JSON:
{"is_objection": bool, "type": "precio|tiempo|autoridad|competencia|confianza|otro", "suggestion": "frase breve, concreta y cortés"}`

const (
	fallbackConfidence = 0.65
	maxFallbackChars   = 500
)

// Matcher classifies prospect utterances: an instant rule pass first, then an
// optional remote fallback with a hard latency budget. A fallback that cannot
// answer in time degrades to "not an objection" rather than blocking the
// transcript pipeline.
type Matcher struct {
	playbook *Playbook
	fallback FallbackClassifier
	timeout  time.Duration
}

// NewMatcher creates a matcher. fallback may be nil to disable the remote
// path entirely.
func NewMatcher(playbook *Playbook, fallback FallbackClassifier, timeout time.Duration) *Matcher {
	if timeout <= 0 || timeout > time.Second {
		timeout = 800 * time.Millisecond
	}
	return &Matcher{
		playbook: playbook,
		fallback: fallback,
		timeout:  timeout,
	}
}

// Classify analyzes one segment of prospect text.
func (m *Matcher) Classify(ctx context.Context, text string) Classification {
	if objType, ok := matchRules(text); ok {
		return Classification{
			IsObjection: true,
			Type:        objType,
			Suggestion:  m.playbook.Suggest(objType, Context{}),
			Confidence:  ruleConfidence,
			Source:      SourceRule,
		}
	}

	if m.fallback == nil {
		return Classification{}
	}
	return m.classifyRemote(ctx, text)
}

type fallbackResponse struct {
	IsObjection bool   `json:"is_objection"`
	Type        string `json:"type"`
	Suggestion  string `json:"suggestion"`
}

func (m *Matcher) classifyRemote(parent context.Context, text string) Classification {
	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()

	if len(text) > maxFallbackChars {
		text = text[:maxFallbackChars]
	}

	raw, err := m.fallback.CompleteJSON(ctx, fallbackPrompt, text)
	if err != nil {
		log.Printf("[Coach] Fallback classifier unavailable: %v", err)
		return Classification{}
	}

	var resp fallbackResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		log.Printf("[Coach] Fallback returned unparseable JSON: %v", err)
		return Classification{}
	}
	if !resp.IsObjection {
		return Classification{}
	}

	objType := normalizeType(resp.Type)
	suggestion := m.playbook.Suggest(objType, Context{})
	if suggestion == "" {
		suggestion = resp.Suggestion
	}

	return Classification{
		IsObjection: true,
		Type:        objType,
		Suggestion:  suggestion,
		Confidence:  fallbackConfidence,
		Source:      SourceFallback,
	}
}

func normalizeType(s string) ObjectionType {
	switch ObjectionType(s) {
	case ObjectionPrice, ObjectionTiming, ObjectionAuthority, ObjectionCompetition, ObjectionTrust:
		return ObjectionType(s)
	}
	return ObjectionOther
}
