package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/persona"
	"github.com/ashita-ai/kioku/internal/service/importance"
	"github.com/ashita-ai/kioku/internal/service/memory"
	"github.com/ashita-ai/kioku/internal/service/prune"
	"github.com/ashita-ai/kioku/internal/testutil"
	"github.com/ashita-ai/kioku/internal/vectorstore"
)

// wordEmbedder puts each distinct word on its own axis, cycling over the
// vector. Deterministic and good enough for similarity assertions.
type wordEmbedder struct{ dims int }

func (e wordEmbedder) Dimensions() int { return e.dims }

func (e wordEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, e.dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		sum := 0
		for _, r := range w {
			sum += int(r)
		}
		vec[sum%e.dims]++
	}
	return pgvector.NewVector(vec), nil
}

func (e wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
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

func newTestMCP(t *testing.T) *Server {
	t.Helper()
	logger := testutil.TestLogger()

	reg := persona.NewRegistry(persona.BuiltinSource{}, logger)
	require.NoError(t, reg.Load(context.Background()))

	scorer, err := importance.New(importance.Config{
		Weights: importance.Weights{
			Content: 0.30, Engagement: 0.20, Persona: 0.15,
			Temporal: 0.05, Relationship: 0.10, Recency: 0.20,
		},
		ClipMin: 0.51,
		ClipMax: 0.80,
	})
	require.NoError(t, err)

	store := vectorstore.NewInMemory()
	mgr := memory.NewManager(store, wordEmbedder{dims: 32}, scorer, reg, logger,
		memory.Config{AccessFlushInterval: 10 * time.Millisecond})
	pruner := prune.New(mgr, prune.NewGate(), prune.Config{
		Threshold:             100,
		Target:                80,
		Strategy:              "importance_only",
		MaxImportanceToDelete: 0.7,
		HighAccessThreshold:   5,
		ZeroAccessGraceDays:   30,
		RecentMemoryDays:      7,
		AncientMemoryDays:     90,
		BatchSize:             50,
		MaxPrunePercent:       0.5,
	}, logger)

	return New(mgr, reg, pruner, logger, "test")
}

func toolCall(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func TestRememberAndRecall(t *testing.T) {
	s := newTestMCP(t)
	ctx := context.Background()

	result, err := s.handleRemember(ctx, toolCall("kioku_remember", map[string]any{
		"persona_id":  "aria",
		"content":     "The caravan from the east arrives on the full moon",
		"memory_type": "gossip",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var stored struct {
		MemoryID   string  `json:"memory_id"`
		Importance float64 `json:"importance"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &stored))
	assert.NotEmpty(t, stored.MemoryID)
	assert.GreaterOrEqual(t, stored.Importance, 0.51)
	assert.LessOrEqual(t, stored.Importance, 0.80)

	result, err = s.handleRecall(ctx, toolCall("kioku_recall", map[string]any{
		"persona_id": "aria",
		"query":      "caravan full moon",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var recalled struct {
		Memories []model.MemoryHit `json:"memories"`
		Total    int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &recalled))
	require.Equal(t, 1, recalled.Total)
	assert.Equal(t, stored.MemoryID, recalled.Memories[0].ID)
}

func TestRememberValidation(t *testing.T) {
	s := newTestMCP(t)
	ctx := context.Background()

	result, err := s.handleRemember(ctx, toolCall("kioku_remember", map[string]any{
		"content": "orphaned memory",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "persona_id and content are required")

	result, err = s.handleRemember(ctx, toolCall("kioku_remember", map[string]any{
		"persona_id": "nobody",
		"content":    "for a persona that does not exist",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestRecallSharedRespectsVisibility(t *testing.T) {
	s := newTestMCP(t)
	ctx := context.Background()

	_, err := s.handleRemember(ctx, toolCall("kioku_remember", map[string]any{
		"persona_id":       "aria",
		"content":          "The guild ledger hides a second set of numbers",
		"visibility":       "shared",
		"related_personas": "kira, wizard",
	}))
	require.NoError(t, err)
	_, err = s.handleRemember(ctx, toolCall("kioku_remember", map[string]any{
		"persona_id": "aria",
		"content":    "My private doubts about the guild ledger",
		"visibility": "private",
	}))
	require.NoError(t, err)

	result, err := s.handleRecallShared(ctx, toolCall("kioku_recall_shared", map[string]any{
		"persona_id": "kira",
		"query":      "guild ledger numbers",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var recalled struct {
		Memories []model.MemoryHit `json:"memories"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &recalled))
	require.Len(t, recalled.Memories, 1)
	assert.Equal(t, "aria", recalled.Memories[0].SourcePersona)
	assert.Equal(t, "cross_persona", recalled.Memories[0].Source)
	assert.NotEqual(t, model.VisibilityPrivate, recalled.Memories[0].Visibility)
}

func TestPersonasTool(t *testing.T) {
	s := newTestMCP(t)

	result, err := s.handlePersonas(context.Background(), toolCall("kioku_personas", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var cast []model.PersonaSummary
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &cast))
	require.Len(t, cast, 3)
	assert.Equal(t, "aria", cast[0].ID)
	assert.True(t, cast[0].Available)
}

func TestMemoryStatsTool(t *testing.T) {
	s := newTestMCP(t)
	ctx := context.Background()

	for _, content := range []string{
		"First remembered fact about the tower",
		"Second remembered fact about the market",
	} {
		_, err := s.handleRemember(ctx, toolCall("kioku_remember", map[string]any{
			"persona_id":  "wizard",
			"content":     content,
			"memory_type": "fact",
		}))
		require.NoError(t, err)
	}

	result, err := s.handleMemoryStats(ctx, toolCall("kioku_memory_stats", map[string]any{
		"persona_id": "wizard",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var stats model.MemoryStats
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByKind["fact"])

	result, err = s.handleMemoryStats(ctx, toolCall("kioku_memory_stats", map[string]any{
		"persona_id": "nobody",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestStatsResourceURI(t *testing.T) {
	s := newTestMCP(t)

	contents, err := s.handleStatsResource(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kioku://persona/aria/stats"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	_, err = s.handleStatsResource(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kioku://persona//stats"},
	})
	assert.Error(t, err)
}
