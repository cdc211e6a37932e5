package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
)

func baseInput() Input {
	return Input{
		Speaker:  &model.Persona{ID: "aria", Rank: "scholar"},
		Listener: &model.Persona{ID: "kira", Rank: "scholar", TopicPreferences: map[string]int{"magic": 80}},
		State: model.InteractionState{
			SocialEnergy:  100,
			AvailableTime: 15 * time.Minute,
		},
		Context: &model.ConversationContext{
			Participants: []string{"aria", "kira"},
			TokenBudget:  2048,
			Priority:     model.PriorityCasual,
		},
		Turn: "Tell me about the spellbook ritual",
	}
}

func TestScoreHealthyConversationContinues(t *testing.T) {
	s := New(Config{})
	got := s.Score(baseInput())

	// time 30 (900s / 30 capped), topic 20 (magic 80 /100 *25), social
	// 10+8 (neutral compat, same rank), resource 10, no fatigue, no
	// history: 78.
	assert.InDelta(t, 78, got.Score, 1e-9)
	assert.True(t, got.Continue)
}

func TestTimeScorePriorityDivisors(t *testing.T) {
	s := New(Config{})

	tests := []struct {
		name     string
		priority model.Priority
		avail    time.Duration
		want     float64
	}{
		{"urgent reaches cap fast", model.PriorityUrgent, 60 * time.Second, 30},
		{"important partial", model.PriorityImportant, 60 * time.Second, 6},
		{"casual partial", model.PriorityCasual, 60 * time.Second, 2},
		{"social decays like casual", model.PrioritySocial, 60 * time.Second, 2},
		{"no time no points", model.PriorityUrgent, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			in.Context.Priority = tt.priority
			in.State.AvailableTime = tt.avail
			got := s.Score(in)
			assert.InDelta(t, tt.want, got.Breakdown.Time, 1e-9)
		})
	}
}

func TestSocialScoreUsesCompatibility(t *testing.T) {
	s := New(Config{})
	in := baseInput()
	in.Relationship = &model.Relationship{
		PersonaA: "aria", PersonaB: "kira",
		Affinity: 1, Trust: 1, Respect: 1, // compatibility 1.0 → mapped 1.0
	}
	got := s.Score(in)
	// 1.0*20 + same-rank 8.
	assert.InDelta(t, 28, got.Breakdown.Social, 1e-9)

	in.Relationship.Affinity = -1
	in.Relationship.Trust = -1
	in.Relationship.Respect = -1
	got = s.Score(in)
	assert.InDelta(t, 8, got.Breakdown.Social, 1e-9)
}

func TestStatusBonusLadder(t *testing.T) {
	s := New(Config{})

	tests := []struct {
		speaker, listener string
		want              float64
	}{
		{"scholar", "scholar", 8}, // same
		{"scholar", "noble", 6},   // adjacent
		{"merchant", "noble", 4},  // gap 2, default
		{"outcast", "noble", 2},   // gap 4 ≥ large gap threshold
		{"commoner", "royal", 2},  // gap 4
	}
	for _, tt := range tests {
		got := s.statusBonus(&model.Persona{Rank: tt.speaker}, &model.Persona{Rank: tt.listener})
		assert.InDelta(t, tt.want, got, 1e-9, "%s vs %s", tt.speaker, tt.listener)
	}
}

func TestResourceScoreGatedByScarcest(t *testing.T) {
	s := New(Config{})

	in := baseInput()
	in.State.SocialEnergy = 20 // scarcest: 0.2
	got := s.Score(in)
	assert.InDelta(t, 2, got.Breakdown.Resource, 1e-9)

	in = baseInput()
	in.Context.TokenBudget = 100 // 100/(2*500) = 0.1
	got = s.Score(in)
	assert.InDelta(t, 1, got.Breakdown.Resource, 1e-9)

	in = baseInput()
	in.State.AvailableTime = 30 * time.Second // 30/60 = 0.5
	got = s.Score(in)
	assert.InDelta(t, 5, got.Breakdown.Resource, 1e-9)
}

func TestFatiguePenaltySaturates(t *testing.T) {
	s := New(Config{})

	assert.InDelta(t, 0, s.fatiguePenalty(0), 1e-9)
	assert.InDelta(t, 7.5, s.fatiguePenalty(5), 1e-9)
	assert.InDelta(t, 15, s.fatiguePenalty(10), 1e-9)
	assert.InDelta(t, 15, s.fatiguePenalty(100), 1e-9)
}

func TestHistoryModifierWindow(t *testing.T) {
	s := New(Config{})

	in := baseInput()
	in.Context.ScoreHistory = []float64{80, 80, 80, 80, 80}
	got := s.Score(in)
	// mean 80 → (80-50)/50*15 = 9.
	assert.InDelta(t, 9, got.Breakdown.History, 1e-9)

	// Only the last five entries count: the early zeros are ignored.
	in.Context.ScoreHistory = []float64{0, 0, 0, 80, 80, 80, 80, 80}
	got = s.Score(in)
	assert.InDelta(t, 9, got.Breakdown.History, 1e-9)

	in.Context.ScoreHistory = []float64{20, 20, 20, 20, 20}
	got = s.Score(in)
	assert.InDelta(t, -9, got.Breakdown.History, 1e-9)
}

func TestScoreClampedToRange(t *testing.T) {
	s := New(Config{})

	// Everything hostile: exhausted, fatigued, bad history, no time.
	in := Input{
		Listener: &model.Persona{ID: "kira", TopicPreferences: map[string]int{}},
		State:    model.InteractionState{SocialEnergy: 0, Fatigue: 50},
		Context: &model.ConversationContext{
			ScoreHistory: []float64{0, 0, 0, 0, 0},
			Priority:     model.PriorityCasual,
		},
	}
	got := s.Score(in)
	assert.GreaterOrEqual(t, got.Score, 0.0)
	assert.LessOrEqual(t, got.Score, 100.0)
	assert.False(t, got.Continue)
}

func TestSatisfying(t *testing.T) {
	assert.True(t, Satisfying(nil))
	assert.True(t, Satisfying([]float64{60, 50, 70}))
	assert.False(t, Satisfying([]float64{30, 20, 45}))
}

func TestCooldownScaling(t *testing.T) {
	base := 5 * time.Minute
	require.Equal(t, 150*time.Second, Cooldown(base, true))
	require.Equal(t, 10*time.Minute, Cooldown(base, false))
}
