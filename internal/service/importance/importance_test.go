package importance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
)

func defaultConfig() Config {
	return Config{
		Weights: Weights{
			Content:      0.30,
			Engagement:   0.20,
			Persona:      0.15,
			Temporal:     0.05,
			Relationship: 0.10,
			Recency:      0.20,
		},
		ClipMin: 0.51,
		ClipMax: 0.80,
	}
}

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(defaultConfig())
	require.NoError(t, err)
	return s
}

func TestNewRejectsBadWeights(t *testing.T) {
	cfg := defaultConfig()
	cfg.Weights.Content = 0.5 // sum 1.2
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must sum to 1.0")
}

func TestNewToleratesSmallDrift(t *testing.T) {
	cfg := defaultConfig()
	cfg.Weights.Temporal = 0.055 // sum 1.005, inside ±0.01
	_, err := New(cfg)
	assert.NoError(t, err)
}

func TestNewRejectsEmptyClipWindow(t *testing.T) {
	cfg := defaultConfig()
	cfg.ClipMin = 0.8
	cfg.ClipMax = 0.8
	_, err := New(cfg)
	require.Error(t, err)
}

func TestScoreSpellbookSentence(t *testing.T) {
	s := newScorer(t)

	aria := &model.Persona{
		ID:               "aria",
		TopicPreferences: map[string]int{"magic": 80},
	}

	got := s.Score(Input{
		Content: "The ancient spellbook of Thalos glows at midnight",
		Persona: aria,
		Now:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		// No previous memory: temporal gap half counts in full.
	})

	// content 0.414 (base 0.2 + length 0.064 + proper noun 0.15),
	// engagement 0.5 neutral, persona 0.8 (magic), temporal 0.5 (first
	// memory, midday), relationship 0.5 neutral, recency 1.0:
	// 0.1242 + 0.1 + 0.12 + 0.025 + 0.05 + 0.2 = 0.6192.
	assert.InDelta(t, 0.6192, got.Importance, 1e-9)
	assert.GreaterOrEqual(t, got.Importance, 0.55)
	assert.LessOrEqual(t, got.Importance, 0.80)

	assert.InDelta(t, 0.414, got.Signals.Content, 1e-9)
	assert.InDelta(t, 0.8, got.Signals.Persona, 1e-9)
	assert.InDelta(t, 1.0, got.Signals.Recency, 1e-9)
}

func TestScoreClipsLowSignalsUp(t *testing.T) {
	s := newScorer(t)

	prev := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	got := s.Score(Input{
		Content:      "ok",
		Now:          time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		PrevMemoryAt: prev,
	})

	assert.InDelta(t, 0.51, got.Importance, 1e-9, "weak turns still land at the fresh-write floor")
}

func TestScoreClipsHighSignalsDown(t *testing.T) {
	s := newScorer(t)

	ctx := model.NewConversationContext("user", "aria", 2048)
	ctx.ContinueScore = 100

	got := s.Score(Input{
		Content: "Emergency! We discovered the secret new spellbook of Thalos with 42 cursed runes never seen before",
		Persona: &model.Persona{ID: "aria", TopicPreferences: map[string]int{"magic": 100}},
		Context: ctx,
		Relationship: &model.Relationship{
			Affinity: 1, Trust: 1, Respect: 1,
		},
		Now:          time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC),
		PrevMemoryAt: time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC),
	})

	assert.InDelta(t, 0.80, got.Importance, 1e-9, "fresh writes cap at the clip ceiling")
}

func TestScoreIsDeterministic(t *testing.T) {
	s := newScorer(t)
	in := Input{
		Content: "The merchant caravan reached the harbor",
		Persona: &model.Persona{ID: "kira", TopicPreferences: map[string]int{"trade": 60}},
		Now:     time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}

	first := s.Score(in)
	second := s.Score(in)
	assert.Equal(t, first, second)
}

func TestContentSignal(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"empty", "", 0},
		{"plain short", "hello there friend", 0.224},
		{"affect word", "I will never forgive this", 0.34},
		{"numeral", "meet at 9 bells", 0.332},
		{"filler penalty", "um you know whatever", 0.032},
		{"fillers floor at zero", "um uh you know", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, contentSignal(tt.text), 1e-9)
		})
	}
}

func TestTemporalSignal(t *testing.T) {
	midday := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	lateNight := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		prev time.Time
		want float64
	}{
		{"midday first memory", midday, time.Time{}, 0.5},
		{"off-hours first memory", lateNight, time.Time{}, 1.0},
		{"midday recent previous", midday, midday.Add(-6 * time.Hour), 0.125},
		{"midday distant previous saturates", midday, midday.Add(-72 * time.Hour), 0.5},
		{"early morning counts as off-hours", time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC), 0.75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, temporalSignal(tt.now, tt.prev), 1e-9)
		})
	}
}

func TestEngagementSignal(t *testing.T) {
	assert.InDelta(t, 0.5, engagementSignal(nil), 1e-9)

	ctx := model.NewConversationContext("user", "aria", 0)
	ctx.ContinueScore = 72
	assert.InDelta(t, 0.72, engagementSignal(ctx), 1e-9)

	ctx.ContinueScore = 250 // out of range input is clamped
	assert.InDelta(t, 1.0, engagementSignal(ctx), 1e-9)
}

func TestRelationshipSignal(t *testing.T) {
	assert.InDelta(t, 0.5, relationshipSignal(nil), 1e-9)
	assert.InDelta(t, 1.0, relationshipSignal(&model.Relationship{Affinity: 1, Trust: 1, Respect: 1}), 1e-9)
	assert.InDelta(t, 0.0, relationshipSignal(&model.Relationship{Affinity: -1, Trust: -1, Respect: -1}), 1e-9)
}

func TestValence(t *testing.T) {
	assert.InDelta(t, 1.0, Valence("I love this wonderful place"), 1e-9)
	assert.InDelta(t, -1.0, Valence("the cursed enemy brings death"), 1e-9)
	assert.InDelta(t, 0.0, Valence("love and hate in equal measure"), 1e-9)
	assert.Zero(t, Valence("completely plain sentence"))
}
