package persona

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/testutil"
)

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(BuiltinSource{}, testutil.TestLogger())
	require.NoError(t, r.Load(context.Background()))
	return r
}

func TestLoadBuiltinCast(t *testing.T) {
	r := loadedRegistry(t)

	assert.Equal(t, 3, r.Count())
	assert.Equal(t, []string{"aria", "kira", "wizard"}, r.IDs())

	aria, err := r.Get("aria")
	require.NoError(t, err)
	assert.Equal(t, "Aria", aria.Name)
	assert.Equal(t, 80, aria.TopicPreferences["magic"])

	_, err = r.Get("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelationshipLookupIsUnordered(t *testing.T) {
	r := loadedRegistry(t)

	ab, ok := r.Relationship("aria", "kira")
	require.True(t, ok)
	ba, ok := r.Relationship("kira", "aria")
	require.True(t, ok)
	assert.Equal(t, ab, ba)

	_, ok = r.Relationship("aria", "nobody")
	assert.False(t, ok)
}

func TestStateStartsFresh(t *testing.T) {
	r := loadedRegistry(t)

	s := r.State("aria")
	assert.Equal(t, 100.0, s.SocialEnergy)
	assert.Equal(t, 0, s.Fatigue)
	assert.True(t, s.Available(time.Now()))
}

func TestIdleRegeneration(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(BuiltinSource{}, testutil.TestLogger()).WithClock(func() time.Time { return now })
	require.NoError(t, r.Load(context.Background()))

	r.UpdateState("aria", func(s *model.InteractionState) {
		s.SocialEnergy = 40
		s.Fatigue = 6
	})

	// 20 idle minutes: +20 energy, -4 fatigue.
	now = now.Add(20 * time.Minute)
	s := r.State("aria")
	assert.InDelta(t, 60, s.SocialEnergy, 1e-9)
	assert.Equal(t, 2, s.Fatigue)

	// Long idle saturates both.
	now = now.Add(3 * time.Hour)
	s = r.State("aria")
	assert.InDelta(t, 100, s.SocialEnergy, 1e-9)
	assert.Equal(t, 0, s.Fatigue)
}

func TestUpdateStateClamps(t *testing.T) {
	r := loadedRegistry(t)

	s := r.UpdateState("kira", func(st *model.InteractionState) {
		st.SocialEnergy = -10
		st.Fatigue = -3
	})
	assert.Equal(t, 0.0, s.SocialEnergy)
	assert.Equal(t, 0, s.Fatigue)

	s = r.UpdateState("kira", func(st *model.InteractionState) {
		st.SocialEnergy = 500
	})
	assert.Equal(t, 100.0, s.SocialEnergy)
}

func TestReloadKeepsStatesForSurvivors(t *testing.T) {
	r := loadedRegistry(t)

	r.UpdateState("aria", func(s *model.InteractionState) { s.Fatigue = 4 })
	require.NoError(t, r.Load(context.Background()))
	assert.Equal(t, 4, r.State("aria").Fatigue)
}

func TestFileSource(t *testing.T) {
	doc := map[string]any{
		"personas": []model.Persona{
			{ID: "mira", Name: "Mira", Rank: "commoner", TopicPreferences: map[string]int{"nature": 60}},
		},
		"relationships": []model.Relationship{
			{PersonaA: "mira", PersonaB: "aria", Affinity: 0.2},
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "personas.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	src := FileSource{Path: path}
	personas, err := src.LoadPersonas(context.Background())
	require.NoError(t, err)
	require.Len(t, personas, 1)
	assert.Equal(t, "mira", personas[0].ID)

	rels, err := src.LoadRelationships(context.Background())
	require.NoError(t, err)
	require.Len(t, rels, 1)

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing.json")}.LoadPersonas(context.Background())
	assert.Error(t, err)
}

func TestFileSourceRejectsBadIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"personas":[{"id":"Bad ID!"}]}`), 0o600))
	_, err := FileSource{Path: path}.LoadPersonas(context.Background())
	assert.Error(t, err)
}
