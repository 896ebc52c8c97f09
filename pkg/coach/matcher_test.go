package coach

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuleMatch(t *testing.T) {
	m := NewMatcher(NewPlaybook(""), nil, 0)

	cases := []struct {
		text string
		want ObjectionType
	}{
		{"Me parece caro", ObjectionPrice},
		{"Está muy alto para nuestro presupuesto", ObjectionPrice},
		{"Ahora no, quizás más adelante", ObjectionTiming},
		{"Tengo que consultarlo con mi jefe", ObjectionAuthority},
		{"Ya usamos otro proveedor", ObjectionCompetition},
		{"No estoy seguro de que esto funcione", ObjectionTrust},
	}
	for _, tc := range cases {
		res := m.Classify(context.Background(), tc.text)
		require.True(t, res.IsObjection, "expected objection for %q", tc.text)
		require.Equal(t, tc.want, res.Type, tc.text)
		require.Equal(t, SourceRule, res.Source)
		require.InDelta(t, 0.85, res.Confidence, 0.001)
		require.NotEmpty(t, res.Suggestion)
	}
}

func TestRuleMatchAccentedWordEndings(t *testing.T) {
	m := NewMatcher(NewPlaybook(""), nil, 0)

	// Words ending in an accented letter must match at word ends,
	// before punctuation and at end of input alike.
	cases := []struct {
		text string
		want ObjectionType
	}{
		{"lo decide el comité", ObjectionAuthority},
		{"eso va al comité.", ObjectionAuthority},
		{"el comité lo revisa mañana", ObjectionAuthority},
		{"no confío", ObjectionTrust},
		{"la verdad, no confío en esto", ObjectionTrust},
		{"no sé si funcione", ObjectionTrust},
	}
	for _, tc := range cases {
		res := m.Classify(context.Background(), tc.text)
		require.True(t, res.IsObjection, "expected objection for %q", tc.text)
		require.Equal(t, tc.want, res.Type, tc.text)
	}

	// The boundary stays strict: an accented letter right after the
	// keyword is still part of the word, not a match.
	res := m.Classify(context.Background(), "hablamos de comités enormes")
	require.False(t, res.IsObjection)
}

func TestNoMatchWithoutFallback(t *testing.T) {
	m := NewMatcher(NewPlaybook(""), nil, 0)
	res := m.Classify(context.Background(), "Hola, ¿cómo estás?")
	require.False(t, res.IsObjection)
	require.Empty(t, res.Suggestion)
}

type stubFallback struct {
	resp  []byte
	err   error
	delay time.Duration
}

func (s *stubFallback) CompleteJSON(ctx context.Context, _, _ string) ([]byte, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.resp, s.err
}

func TestFallbackPositive(t *testing.T) {
	fb := &stubFallback{resp: []byte(`{"is_objection":true,"type":"confianza","suggestion":"muestra casos"}`)}
	m := NewMatcher(NewPlaybook(""), fb, 500*time.Millisecond)

	res := m.Classify(context.Background(), "mmm no lo veo claro todavía")
	require.True(t, res.IsObjection)
	require.Equal(t, ObjectionTrust, res.Type)
	require.Equal(t, SourceFallback, res.Source)
	// Playbook entry wins over the model's free-text suggestion.
	require.Equal(t, "Te enseño métricas y 2 casos de tu industria para decidir con evidencia.", res.Suggestion)
}

func TestFallbackUnknownTypeNormalized(t *testing.T) {
	fb := &stubFallback{resp: []byte(`{"is_objection":true,"type":"weird","suggestion":"algo"}`)}
	m := NewMatcher(NewPlaybook(""), fb, 500*time.Millisecond)

	res := m.Classify(context.Background(), "texto ambiguo")
	require.True(t, res.IsObjection)
	require.Equal(t, ObjectionOther, res.Type)
	// No playbook entry for "otro": the model's suggestion is used.
	require.Equal(t, "algo", res.Suggestion)
}

func TestFallbackTimeoutDegrades(t *testing.T) {
	fb := &stubFallback{
		resp:  []byte(`{"is_objection":true,"type":"precio"}`),
		delay: 2 * time.Second,
	}
	m := NewMatcher(NewPlaybook(""), fb, 50*time.Millisecond)

	start := time.Now()
	res := m.Classify(context.Background(), "texto ambiguo")
	require.False(t, res.IsObjection, "slow fallback must degrade to not-an-objection")
	require.Less(t, time.Since(start), time.Second, "classification must stay bounded")
}

func TestFallbackErrorDegrades(t *testing.T) {
	fb := &stubFallback{err: errors.New("boom")}
	m := NewMatcher(NewPlaybook(""), fb, 500*time.Millisecond)
	require.False(t, m.Classify(context.Background(), "texto ambiguo").IsObjection)
}

func TestFallbackBadJSONDegrades(t *testing.T) {
	fb := &stubFallback{resp: []byte(`{{{`)}
	m := NewMatcher(NewPlaybook(""), fb, 500*time.Millisecond)
	require.False(t, m.Classify(context.Background(), "texto ambiguo").IsObjection)
}

func TestRuleWinsOverFallback(t *testing.T) {
	// The rule pass is instant; the fallback must not even be consulted.
	fb := &stubFallback{err: errors.New("should not be called")}
	m := NewMatcher(NewPlaybook(""), fb, 500*time.Millisecond)

	res := m.Classify(context.Background(), "es demasiado caro")
	require.True(t, res.IsObjection)
	require.Equal(t, SourceRule, res.Source)
}
