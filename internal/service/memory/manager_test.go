package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/persona"
	"github.com/ashita-ai/kioku/internal/service/importance"
	"github.com/ashita-ai/kioku/internal/testutil"
	"github.com/ashita-ai/kioku/internal/vectorstore"
)

// axisEmbedder maps keywords onto orthogonal axes so similarity ordering in
// tests is deterministic without a real embedding backend.
type axisEmbedder struct{}

var axes = []string{"spell", "trade", "weather"}

func (axisEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, len(axes)+1)
	lower := strings.ToLower(text)
	hit := false
	for i, kw := range axes {
		if strings.Contains(lower, kw) {
			vec[i] = 1
			hit = true
		}
	}
	if !hit {
		vec[len(axes)] = 1
	}
	return pgvector.NewVector(vec), nil
}

func (e axisEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (axisEmbedder) Dimensions() int { return len(axes) + 1 }

// flakyEmbedder fails the first n calls, then delegates to axisEmbedder.
type flakyEmbedder struct {
	failures int
	calls    int
}

func (e *flakyEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	e.calls++
	if e.calls <= e.failures {
		return pgvector.Vector{}, errors.New("connection refused")
	}
	return axisEmbedder{}.Embed(ctx, text)
}

func (e *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	return axisEmbedder{}.EmbedBatch(ctx, texts)
}

func (e *flakyEmbedder) Dimensions() int { return 4 }

func testScorer(t *testing.T) *importance.Scorer {
	t.Helper()
	s, err := importance.New(importance.Config{
		Weights: importance.Weights{
			Content: 0.30, Engagement: 0.20, Persona: 0.15,
			Temporal: 0.05, Relationship: 0.10, Recency: 0.20,
		},
		ClipMin: 0.51,
		ClipMax: 0.80,
	})
	require.NoError(t, err)
	return s
}

func testDirectory(t *testing.T) *persona.Registry {
	t.Helper()
	r := persona.NewRegistry(persona.BuiltinSource{}, testutil.TestLogger())
	require.NoError(t, r.Load(context.Background()))
	return r
}

func newTestManager(t *testing.T) (*Manager, *vectorstore.InMemory) {
	t.Helper()
	store := vectorstore.NewInMemory()
	m := NewManager(store, axisEmbedder{}, testScorer(t), testDirectory(t), testutil.TestLogger(),
		Config{AccessFlushInterval: 10 * time.Millisecond})
	return m, store
}

func mustStore(t *testing.T, m *Manager, req StoreRequest) model.Memory {
	t.Helper()
	mem, err := m.Store(context.Background(), req)
	require.NoError(t, err)
	return mem
}

func TestStoreScoresAndPersists(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	mem := mustStore(t, m, StoreRequest{
		PersonaID: "aria",
		Content:   "Kira discovered a new spell ritual with 3 runes at dawn",
	})

	assert.NotEmpty(t, mem.ID)
	assert.Equal(t, "aria", mem.PersonaID)
	assert.Equal(t, DefaultKind, mem.Kind)
	assert.Equal(t, model.VisibilityPrivate, mem.Visibility)
	assert.GreaterOrEqual(t, mem.Importance, 0.51)
	assert.LessOrEqual(t, mem.Importance, 0.80)

	n, err := store.Count(ctx, "aria")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, m.TotalStored())
	assert.False(t, m.LastStoredAt("aria").IsZero())
}

func TestStoreImportanceOverrideUsesAttributeBounds(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name     string
		override float64
		want     float64
	}{
		{"below floor clamps up", 0.01, 0.1},
		{"above fresh clip is allowed", 0.95, 0.95},
		{"above ceiling clamps down", 1.5, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := mustStore(t, m, StoreRequest{
				PersonaID:  "aria",
				Content:    "seeded lore entry",
				Importance: &tt.override,
			})
			assert.InDelta(t, tt.want, mem.Importance, 1e-9)
		})
	}
}

func TestStoreRejectsUnknownPersona(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Store(context.Background(), StoreRequest{PersonaID: "nobody", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidPersona)
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Store(context.Background(), StoreRequest{PersonaID: "aria", Content: ""})
	assert.Error(t, err)

	_, err = m.Store(context.Background(), StoreRequest{
		PersonaID: "aria", Content: "x", Visibility: "everyone",
	})
	assert.Error(t, err)
}

func TestStoreNormalizesRelatedPersonas(t *testing.T) {
	m, _ := newTestManager(t)

	mem := mustStore(t, m, StoreRequest{
		PersonaID:       "aria",
		Content:         "trade talk with kira",
		RelatedPersonas: []string{"kira", "aria", "kira", ""},
	})
	assert.Equal(t, []string{"kira"}, mem.RelatedPersonas)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	spell := mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "the spell of binding"})
	mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "trade caravan prices"})

	hits, err := m.Search(ctx, "aria", "tell me about the spell", 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, spell.ID, hits[0].Memory.ID)
	assert.Equal(t, model.SourceOwn, hits[0].Source)
	assert.Equal(t, "aria", hits[0].SourcePersona)
	assert.Greater(t, hits[0].Similarity, 0.9)
	assert.EqualValues(t, 1, m.TotalSearches())
}

func TestSearchMinImportanceFilters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	low := 0.2
	mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "faint spell rumor", Importance: &low})

	hits, err := m.Search(ctx, "aria", "spell", 5, 0.5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = m.Search(ctx, "aria", "spell", 5, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearchUnknownPersona(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Search(context.Background(), "nobody", "spell", 5, 0)
	assert.ErrorIs(t, err, ErrInvalidPersona)
}

func TestSearchBumpsAccessThroughBuffer(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.Start(ctx)
	mem := mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "the spell of binding"})

	_, err := m.Search(ctx, "aria", "spell", 5, 0)
	require.NoError(t, err)

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	m.Drain(drainCtx)

	mems, err := m.Scan(ctx, "aria")
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, mem.ID, mems[0].ID)
	assert.Equal(t, 1, mems[0].AccessCount)
	require.NotNil(t, mems[0].LastAccessed)
}

func TestCrossPersonaRespectsVisibility(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "private spell diary", Visibility: model.VisibilityPrivate})
	shared := mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "shared spell lesson", Visibility: model.VisibilityShared})
	public := mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "public spell notice", Visibility: model.VisibilityPublic})
	own := mustStore(t, m, StoreRequest{PersonaID: "kira", Content: "my own spell haggling", Visibility: model.VisibilityPrivate})

	hits, err := m.SearchCrossPersona(ctx, CrossSearchRequest{
		PersonaID: "kira", Query: "spell", K: 10, IncludeShared: true,
	})
	require.NoError(t, err)

	got := make(map[string]string, len(hits)) // memory id → source
	for _, h := range hits {
		got[h.Memory.ID] = h.Source
	}
	assert.Equal(t, model.SourceOwn, got[own.ID])
	assert.Equal(t, model.SourceCrossPersona, got[shared.ID])
	assert.NotContains(t, got, public.ID, "public excluded unless requested")
	assert.Len(t, hits, 2, "aria's private memory must never cross over")

	hits, err = m.SearchCrossPersona(ctx, CrossSearchRequest{
		PersonaID: "kira", Query: "spell", K: 10, IncludeShared: true, IncludePublic: true,
	})
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestCrossPersonaWithoutFlagsIsOwnOnly(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "shared spell lesson", Visibility: model.VisibilityShared})
	own := mustStore(t, m, StoreRequest{PersonaID: "kira", Content: "spell haggling", Visibility: model.VisibilityPrivate})

	hits, err := m.SearchCrossPersona(ctx, CrossSearchRequest{PersonaID: "kira", Query: "spell", K: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, own.ID, hits[0].Memory.ID)
}

func TestUpdateImportanceBatch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a := mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "spell one"})
	b := mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "spell two"})

	err := m.UpdateImportance(ctx, "aria", []ImportancePair{
		{ID: a.ID, Importance: 0.3},
		{ID: b.ID, Importance: 0.9},
	})
	require.NoError(t, err)

	mems, err := m.Scan(ctx, "aria")
	require.NoError(t, err)
	byID := make(map[string]float64, len(mems))
	for _, mem := range mems {
		byID[mem.ID] = mem.Importance
	}
	assert.InDelta(t, 0.3, byID[a.ID], 1e-9)
	assert.InDelta(t, 0.9, byID[b.ID], 1e-9)
}

func TestDeleteRemovesMemories(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a := mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "spell one"})
	mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "spell two"})

	require.NoError(t, m.Delete(ctx, "aria", []string{a.ID}))

	n, err := m.Count(ctx, "aria")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStatsAggregates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	imp := 0.6
	mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "spell one", Importance: &imp})
	mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "trade two", Kind: "observation", Importance: &imp})
	mustStore(t, m, StoreRequest{PersonaID: "aria", Content: "weather three", Visibility: model.VisibilityShared, Importance: &imp})

	stats, err := m.Stats(ctx, "aria")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByKind[DefaultKind])
	assert.Equal(t, 1, stats.ByKind["observation"])
	assert.Equal(t, 2, stats.ByVisibility["private"])
	assert.Equal(t, 1, stats.ByVisibility["shared"])
	assert.InDelta(t, 0.6, stats.AvgImportance, 1e-9)
}

func TestEmbedderRetriesTransientFailures(t *testing.T) {
	store := vectorstore.NewInMemory()
	emb := &flakyEmbedder{failures: 2}
	m := NewManager(store, emb, testScorer(t), testDirectory(t), testutil.TestLogger(), Config{})

	_, err := m.Store(context.Background(), StoreRequest{PersonaID: "aria", Content: "spell"})
	require.NoError(t, err)
	assert.Equal(t, 3, emb.calls)
}

func TestEmbedderExhaustedSurfacesSentinel(t *testing.T) {
	store := vectorstore.NewInMemory()
	m := NewManager(store, &flakyEmbedder{failures: 10}, testScorer(t), testDirectory(t), testutil.TestLogger(), Config{})

	_, err := m.Store(context.Background(), StoreRequest{PersonaID: "aria", Content: "spell"})
	assert.ErrorIs(t, err, ErrEmbedderUnavailable)
}
