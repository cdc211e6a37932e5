package server

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/persona"
	"github.com/ashita-ai/kioku/internal/rpc"
	"github.com/ashita-ai/kioku/internal/service/conversation"
	"github.com/ashita-ai/kioku/internal/service/decay"
	"github.com/ashita-ai/kioku/internal/service/importance"
	"github.com/ashita-ai/kioku/internal/service/llm"
	"github.com/ashita-ai/kioku/internal/service/memory"
	"github.com/ashita-ai/kioku/internal/service/prune"
	"github.com/ashita-ai/kioku/internal/testutil"
	"github.com/ashita-ai/kioku/internal/vectorstore"
)

// hashEmbedder hashes words onto vector axes: deterministic, and texts
// sharing words land near each other.
type hashEmbedder struct{ dims int }

func (e hashEmbedder) Dimensions() int { return e.dims }

func (e hashEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, e.dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,!?")))
		vec[h.Sum32()%uint32(e.dims)]++
	}
	return pgvector.NewVector(vec), nil
}

func (e hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
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

func newTestServer(t *testing.T) *httptest.Server {
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
	mgr := memory.NewManager(store, hashEmbedder{dims: 64}, scorer, reg, logger,
		memory.Config{AccessFlushInterval: 10 * time.Millisecond})

	pruner := prune.New(mgr, prune.NewGate(), prune.Config{
		Threshold:             10,
		Target:                5,
		Strategy:              "importance_only",
		MaxImportanceToDelete: 0.7,
		HighAccessThreshold:   5,
		ZeroAccessGraceDays:   0,
		RecentMemoryDays:      7,
		AncientMemoryDays:     90,
		WeightImportance:      0.5,
		WeightAccess:          0.3,
		WeightAge:             0.2,
		BatchSize:             50,
		MaxPrunePercent:       0.5,
		InterBatchPause:       time.Millisecond,
	}, logger)

	worker := decay.NewWorker(mgr, pruner, decay.Config{
		Interval:            time.Hour,
		MaxPersonasPerCycle: 10,
		MaxMemoriesPerBatch: 100,
		AutoPruneThreshold:  1000,
		AutoPruneImportance: 0.3,
		InterBatchPause:     time.Millisecond,
	}, logger)

	srv := New(Config{Port: 0}, Deps{
		Registry:       reg,
		Memory:         mgr,
		Pruner:         pruner,
		Decay:          worker,
		Conversation:   conversation.New(conversation.Config{}),
		LLM:            llm.NewNoopProvider(),
		Store:          store,
		Logger:         logger,
		MethodsCatalog: []byte(`{"methods":["system.status"]}`),
		Version:        "test",
		EmbedderName:   "hash",
		StoreName:      "memory",
		TokenBudget:    2048,
		BaseCooldown:   time.Minute,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// wireResponse keeps result raw so each test decodes its own shape.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpc.Error      `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func call(t *testing.T, conn *websocket.Conn, id int, method string, params any) wireResponse {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	require.NoError(t, conn.WriteJSON(req))
	var resp wireResponse
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func mustResult(t *testing.T, resp wireResponse, target any) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, target))
}

func appCode(resp wireResponse) string {
	if resp.Error == nil || resp.Error.Data == nil {
		return ""
	}
	code, _ := resp.Error.Data["code"].(string)
	return code
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodCatalogServed(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/rpc/methods")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"methods":["system.status"]}`, string(body))
}

func TestEnvelopeErrors(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	// Malformed JSON.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var resp wireResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeParseError, resp.Error.Code)

	// Wrong protocol version.
	require.NoError(t, conn.WriteJSON(map[string]any{"jsonrpc": "1.0", "id": 1, "method": "persona.list"}))
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidRequest, resp.Error.Code)

	// Unknown method.
	resp = call(t, conn, 2, "persona.dance", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "2", string(resp.ID))
}

func TestPersonaListAndSwitch(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	var list model.PersonaListResult
	mustResult(t, call(t, conn, 1, "persona.list", nil), &list)
	require.Len(t, list.Personas, 3)
	assert.Equal(t, "aria", list.Personas[0].ID)
	assert.Equal(t, "kira", list.Personas[1].ID)
	assert.Equal(t, "wizard", list.Personas[2].ID)
	for _, p := range list.Personas {
		assert.True(t, p.Available, p.ID)
		assert.Equal(t, "available", p.Status)
		assert.InDelta(t, 100, p.SocialEnergy, 1e-9)
	}

	var sw model.PersonaSwitchResult
	mustResult(t, call(t, conn, 2, "persona.switch", map[string]any{"persona_id": "kira"}), &sw)
	assert.Equal(t, "kira", sw.ID)
	assert.Equal(t, "Kira", sw.Name)

	resp := call(t, conn, 3, "persona.switch", map[string]any{"persona_id": "nobody"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.ErrCodeInvalidPersona, appCode(resp))
	assert.Equal(t, "nobody", resp.Error.Data["persona_id"])
}

func TestMemoryStoreSearchRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	mustResult(t, call(t, conn, 1, "persona.switch", map[string]any{"persona_id": "aria"}), &model.PersonaSwitchResult{})

	var stored model.MemoryStoreResult
	mustResult(t, call(t, conn, 2, "memory.store", map[string]any{
		"content":     "The ancient spellbook of Thalos glows at midnight",
		"memory_type": "fact",
		"visibility":  "private",
	}), &stored)
	require.NotEmpty(t, stored.MemoryID)

	mustResult(t, call(t, conn, 3, "memory.store", map[string]any{
		"content":     "Bread prices doubled at the market",
		"memory_type": "fact",
		"visibility":  "private",
	}), &model.MemoryStoreResult{})

	var found model.MemorySearchResult
	mustResult(t, call(t, conn, 4, "memory.search", map[string]any{
		"query": "ancient spellbook glows",
	}), &found)
	require.NotEmpty(t, found.Memories)
	assert.Equal(t, stored.MemoryID, found.Memories[0].ID)
	assert.Greater(t, found.Memories[0].Similarity, 0.0)
	assert.Equal(t, "own", found.Memories[0].Source)

	var stats model.MemoryStats
	mustResult(t, call(t, conn, 5, "memory.stats", nil), &stats)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByKind["fact"])
}

func TestCrossPersonaVisibilityOverWire(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	mustResult(t, call(t, conn, 1, "memory.store", map[string]any{
		"persona_id":       "aria",
		"content":          "The merchant guild fixes festival prices",
		"memory_type":      "gossip",
		"visibility":       "shared",
		"related_personas": []string{"kira"},
	}), &model.MemoryStoreResult{})
	mustResult(t, call(t, conn, 2, "memory.store", map[string]any{
		"persona_id":  "aria",
		"content":     "My secret diary entry about festival prices",
		"memory_type": "secret",
		"visibility":  "private",
	}), &model.MemoryStoreResult{})

	var found model.MemorySearchResult
	mustResult(t, call(t, conn, 3, "memory.search_cross_persona", map[string]any{
		"persona_id":     "kira",
		"query":          "festival prices",
		"include_shared": true,
	}), &found)
	require.Len(t, found.Memories, 1)
	assert.Equal(t, "aria", found.Memories[0].SourcePersona)
	assert.Equal(t, "cross_persona", found.Memories[0].Source)
	for _, m := range found.Memories {
		assert.NotEqual(t, model.VisibilityPrivate, m.Visibility)
	}
}

func TestChatFlow(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	var res model.ChatResult
	mustResult(t, call(t, conn, 1, "persona.chat", map[string]any{
		"persona_id": "aria",
		"message":    "Tell me about the old magic library",
	}), &res)
	assert.Equal(t, "aria", res.PersonaID)
	assert.NotEmpty(t, res.Response)
	assert.Greater(t, res.ContinueScore, 0.0)
	assert.False(t, res.Terminated)

	// The exchange was persisted as a conversation memory.
	var stats model.MemoryStats
	mustResult(t, call(t, conn, 2, "memory.stats", map[string]any{"persona_id": "aria"}), &stats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByKind["conversation"])

	// Energy was charged for the turn.
	var list model.PersonaListResult
	mustResult(t, call(t, conn, 3, "persona.list", nil), &list)
	assert.Less(t, list.Personas[0].SocialEnergy, 100.0)
}

func TestChatRequiresPersona(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	resp := call(t, conn, 1, "persona.chat", map[string]any{"message": "hello?"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestChatStreamEventSequence(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  "persona.chat_stream",
		"params":  map[string]any{"persona_id": "wizard", "message": "What lies in the tower archive?"},
	}))

	var (
		events    []rpc.StreamEvent
		assembled strings.Builder
	)
	for {
		var resp wireResponse
		require.NoError(t, conn.ReadJSON(&resp))
		require.Nil(t, resp.Error)
		assert.Equal(t, "7", string(resp.ID))

		var ev rpc.StreamEvent
		require.NoError(t, json.Unmarshal(resp.Result, &ev))
		events = append(events, ev)
		if ev.EventType == rpc.EventStreamChunk {
			assembled.WriteString(ev.Chunk)
			assert.Equal(t, len(events)-1, ev.ChunkNumber)
		}
		if ev.EventType == rpc.EventStreamComplete {
			break
		}
	}

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, rpc.EventStreamStart, events[0].EventType)
	assert.Equal(t, "wizard", events[0].PersonaID)

	last := events[len(events)-1]
	assert.Equal(t, assembled.String(), last.FullResponse)
	assert.Equal(t, len(events)-2, last.ChunkCount)
	require.NotNil(t, last.ContinueScore)
	assert.Greater(t, *last.ContinueScore, 0.0)
}

func TestPruneOverWire(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	low := 0.2
	var stored model.MemoryStoreResult
	for i := 0; i < 12; i++ {
		mustResult(t, call(t, conn, 10+i, "memory.store", map[string]any{
			"persona_id":  "wizard",
			"content":     "A forgettable detail number " + string(rune('a'+i)),
			"memory_type": "trivia",
			"visibility":  "private",
			"importance":  low,
		}), &stored)
		if i == 0 {
			assert.False(t, stored.NeedsPrune, "first store is well under the threshold")
		}
	}
	assert.True(t, stored.NeedsPrune, "final store crossed the prune threshold")

	var rec model.PruneRecommendation
	mustResult(t, call(t, conn, 30, "memory.prune_recommendations", map[string]any{"persona_id": "wizard"}), &rec)
	assert.True(t, rec.OverThreshold)
	assert.Greater(t, rec.WouldDelete, 0)

	var report model.PruneReport
	mustResult(t, call(t, conn, 31, "memory.prune", map[string]any{"persona_id": "wizard", "force": true}), &report)
	assert.Greater(t, report.Deleted, 0)
	assert.LessOrEqual(t, report.Deleted, 6) // max_prune_percent 0.5 of 12

	// A second non-forced prune is refused inside the minimum interval.
	resp := call(t, conn, 32, "memory.prune", map[string]any{"persona_id": "wizard"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.ErrCodePruneInProgress, appCode(resp))
	assert.Equal(t, "wizard", resp.Error.Data["persona_id"])

	var stats model.PruneStats
	mustResult(t, call(t, conn, 33, "memory.prune_stats", nil), &stats)
	assert.GreaterOrEqual(t, stats.Runs, int64(1))
	assert.GreaterOrEqual(t, stats.Deleted, int64(report.Deleted))
}

func TestSystemStatus(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	var status model.SystemStatusResult
	mustResult(t, call(t, conn, 1, "system.status", nil), &status)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 3, status.Personas)
	assert.Equal(t, 1, status.ActiveSessions)
	assert.Equal(t, "noop", status.LLMProvider)
	assert.Equal(t, "hash", status.EmbedderProvider)
	assert.Equal(t, "memory", status.VectorStore)
	assert.True(t, status.VectorStoreOK)
}
