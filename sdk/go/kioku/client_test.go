package kioku

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// fakeServer speaks just enough JSON-RPC over WebSocket to exercise the
// client. The handler returns one or more response payloads per request;
// each is echoed back with the request id.
func fakeServer(t *testing.T, handle func(req wireRequest) []map[string]any) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wireRequest
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			for _, payload := range handle(req) {
				payload["jsonrpc"] = "2.0"
				payload["id"] = req.ID
				if err := conn.WriteJSON(payload); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dialFake(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: ts.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialRewritesHTTPScheme(t *testing.T) {
	ts := fakeServer(t, func(req wireRequest) []map[string]any {
		return []map[string]any{{"result": map[string]any{"personas": []any{}}}}
	})
	require.True(t, strings.HasPrefix(ts.URL, "http://"))

	c := dialFake(t, ts)
	personas, err := c.Personas(context.Background())
	require.NoError(t, err)
	assert.Empty(t, personas)
}

func TestPersonasAndSwitch(t *testing.T) {
	ts := fakeServer(t, func(req wireRequest) []map[string]any {
		switch req.Method {
		case "persona.list":
			return []map[string]any{{"result": map[string]any{
				"personas": []map[string]any{
					{"id": "aria", "name": "Aria", "available": true, "status": "available", "social_energy": 100.0},
					{"id": "kira", "name": "Kira", "available": false, "status": "cooldown", "social_energy": 40.0},
				},
			}}}
		case "persona.switch":
			return []map[string]any{{"result": map[string]any{
				"id": "aria", "name": "Aria", "status": "available",
			}}}
		default:
			return []map[string]any{{"error": map[string]any{"code": -32601, "message": "unknown method"}}}
		}
	})
	c := dialFake(t, ts)

	personas, err := c.Personas(context.Background())
	require.NoError(t, err)
	require.Len(t, personas, 2)
	assert.Equal(t, "aria", personas[0].ID)
	assert.True(t, personas[0].Available)
	assert.Equal(t, "cooldown", personas[1].Status)

	sw, err := c.SwitchPersona(context.Background(), "aria")
	require.NoError(t, err)
	assert.Equal(t, "Aria", sw.Name)
}

func TestErrorMapping(t *testing.T) {
	ts := fakeServer(t, func(req wireRequest) []map[string]any {
		switch req.Method {
		case "persona.switch":
			return []map[string]any{{"error": map[string]any{
				"code":    -32602,
				"message": "unknown persona",
				"data":    map[string]any{"code": "INVALID_PERSONA", "persona_id": "nobody"},
			}}}
		case "memory.prune":
			return []map[string]any{{"error": map[string]any{
				"code":    -32600,
				"message": "prune already in progress",
				"data":    map[string]any{"code": "PRUNE_IN_PROGRESS"},
			}}}
		default:
			return []map[string]any{{"error": map[string]any{"code": -32601, "message": "unknown method"}}}
		}
	})
	c := dialFake(t, ts)

	_, err := c.SwitchPersona(context.Background(), "nobody")
	require.Error(t, err)
	assert.True(t, IsInvalidPersona(err))
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "nobody", rpcErr.Data["persona_id"])

	_, err = c.Prune(context.Background(), "aria", false)
	require.Error(t, err)
	assert.True(t, IsPruneInProgress(err))
	assert.False(t, IsInvalidPersona(err))

	_, err = c.Status(context.Background())
	require.Error(t, err)
	assert.True(t, IsMethodNotFound(err))
}

func TestChat(t *testing.T) {
	ts := fakeServer(t, func(req wireRequest) []map[string]any {
		var params ChatRequest
		_ = json.Unmarshal(req.Params, &params)
		return []map[string]any{{"result": map[string]any{
			"persona_id":     params.PersonaID,
			"response":       "I hear you: " + params.Message,
			"continue_score": 72.5,
		}}}
	})
	c := dialFake(t, ts)

	resp, err := c.Chat(context.Background(), ChatRequest{PersonaID: "aria", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "aria", resp.PersonaID)
	assert.Equal(t, "I hear you: hello", resp.Response)
	assert.InDelta(t, 72.5, resp.ContinueScore, 0.001)
	assert.False(t, resp.Terminated)
}

func TestChatStreamAssemblesChunks(t *testing.T) {
	ts := fakeServer(t, func(req wireRequest) []map[string]any {
		score := 61.0
		return []map[string]any{
			{"result": map[string]any{"event_type": "stream_start", "persona_id": "wizard"}},
			{"result": map[string]any{"event_type": "stream_chunk", "chunk": "The tower ", "chunk_number": 1}},
			{"result": map[string]any{"event_type": "stream_chunk", "chunk": "remembers.", "chunk_number": 2}},
			{"result": map[string]any{
				"event_type":     "stream_complete",
				"persona_id":     "wizard",
				"full_response":  "The tower remembers.",
				"chunk_count":    2,
				"continue_score": score,
			}},
		}
	})
	c := dialFake(t, ts)

	var assembled strings.Builder
	resp, err := c.ChatStream(context.Background(), ChatRequest{PersonaID: "wizard", Message: "tell me"},
		func(chunk string) { assembled.WriteString(chunk) })
	require.NoError(t, err)
	assert.Equal(t, "The tower remembers.", assembled.String())
	assert.Equal(t, "The tower remembers.", resp.Response)
	assert.InDelta(t, 61.0, resp.ContinueScore, 0.001)
}

func TestChatStreamError(t *testing.T) {
	ts := fakeServer(t, func(req wireRequest) []map[string]any {
		return []map[string]any{
			{"result": map[string]any{"event_type": "stream_start", "persona_id": "aria"}},
			{"result": map[string]any{"event_type": "stream_error", "message": "llm: connection refused"}},
		}
	})
	c := dialFake(t, ts)

	_, err := c.ChatStream(context.Background(), ChatRequest{PersonaID: "aria", Message: "hi"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMemoryRoundTripShapes(t *testing.T) {
	ts := fakeServer(t, func(req wireRequest) []map[string]any {
		switch req.Method {
		case "memory.store":
			return []map[string]any{{"result": map[string]any{"memory_id": "mem-1", "needs_prune": true}}}
		case "memory.search":
			return []map[string]any{{"result": map[string]any{
				"memories": []map[string]any{{
					"id": "mem-1", "persona_id": "aria",
					"content": "the spellbook glows", "importance": 0.67,
					"memory_type": "fact", "visibility": "private",
					"similarity": 0.91, "source": "own",
				}},
			}}}
		case "memory.stats":
			return []map[string]any{{"result": map[string]any{
				"persona_id": "aria", "total_memories": 1,
				"memory_types": map[string]int{"fact": 1},
			}}}
		default:
			return []map[string]any{{"error": map[string]any{"code": -32601, "message": "unknown method"}}}
		}
	})
	c := dialFake(t, ts)
	ctx := context.Background()

	stored, err := c.StoreMemory(ctx, StoreMemoryRequest{PersonaID: "aria", Content: "the spellbook glows"})
	require.NoError(t, err)
	assert.Equal(t, "mem-1", stored.MemoryID)
	assert.True(t, stored.NeedsPrune)

	hits, err := c.SearchMemories(ctx, SearchRequest{PersonaID: "aria", Query: "spellbook"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mem-1", hits[0].ID)
	assert.Equal(t, "own", hits[0].Source)
	assert.InDelta(t, 0.91, hits[0].Similarity, 0.001)

	stats, err := c.MemoryStats(ctx, "aria")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByKind["fact"])
}

func TestCallAfterCloseFails(t *testing.T) {
	ts := fakeServer(t, func(req wireRequest) []map[string]any { return nil })
	c := dialFake(t, ts)
	require.NoError(t, c.Close())

	// The read loop notices the close asynchronously.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Status(ctx)
	require.Error(t, err)
}
