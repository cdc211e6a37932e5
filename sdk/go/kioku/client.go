package kioku

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultDialTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second

	// streamQueueSize bounds events buffered per in-flight call. A chat
	// stream delivers chunks faster than most consumers read them.
	streamQueueSize = 64
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// URL is the WebSocket endpoint (e.g. "ws://localhost:8089/ws").
	// "http" and "https" schemes are rewritten to "ws" and "wss".
	URL string

	// Header carries extra handshake headers (e.g. X-Request-ID).
	Header http.Header

	// DialTimeout bounds the connection handshake. Defaults to 10 seconds.
	DialTimeout time.Duration
}

// Client is a WebSocket JSON-RPC client for the Kioku runtime. One Client is
// one session on the server: it holds a current persona and per-persona
// conversation state. All methods are safe for concurrent use, but chat
// turns are serialized server-side.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex // guards conn writes

	mu      sync.Mutex
	pending map[string]chan response
	nextID  uint64
	err     error // set before done is closed

	done chan struct{}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Dial connects to a Kioku server and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("kioku: URL is required")
	}
	url := cfg.URL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := dialer.DialContext(ctx, url, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("kioku: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("kioku: dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close terminates the session. In-flight calls fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

// readLoop routes responses to pending calls by request id. Runs until the
// connection drops, then fails every pending call.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("kioku: connection closed: %w", err)
			close(c.done)
			c.pending = nil
			c.mu.Unlock()
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue // not a response envelope; ignore
		}

		key := idKey(resp.ID)
		c.mu.Lock()
		ch := c.pending[key]
		c.mu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case ch <- resp:
		default:
			// Consumer fell too far behind; dropping is better than
			// stalling every other call on the connection.
		}
	}
}

// idKey normalises a raw id for map lookup. The server echoes ids verbatim,
// so string ids come back quoted.
func idKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (c *Client) register() (string, chan response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	key := strconv.FormatUint(c.nextID, 10)
	ch := make(chan response, streamQueueSize)
	if c.pending != nil {
		c.pending[key] = ch
	}
	return key, ch
}

func (c *Client) unregister(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		delete(c.pending, key)
	}
}

func (c *Client) write(req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(req)
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// call sends one request and decodes the single response into result.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	key, ch := c.register()
	defer c.unregister(key)

	if err := c.write(request{JSONRPC: "2.0", Method: method, Params: params, ID: key}); err != nil {
		return fmt.Errorf("kioku: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("kioku: decode %s result: %w", method, err)
		}
		return nil
	}
}

// Personas lists all personas with availability and social energy.
func (c *Client) Personas(ctx context.Context) ([]Persona, error) {
	var result struct {
		Personas []Persona `json:"personas"`
	}
	if err := c.call(ctx, "persona.list", nil, &result); err != nil {
		return nil, err
	}
	return result.Personas, nil
}

// SwitchPersona selects the session's current persona. Subsequent calls
// that omit persona_id use it.
func (c *Client) SwitchPersona(ctx context.Context, personaID string) (*SwitchResult, error) {
	var result SwitchResult
	params := map[string]string{"persona_id": personaID}
	if err := c.call(ctx, "persona.switch", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Chat performs one chat turn and waits for the full reply.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var result ChatResponse
	if err := c.call(ctx, "persona.chat", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ChatStream performs one streaming chat turn. onChunk is called for each
// reply fragment in order; the assembled reply and continue score arrive in
// the returned ChatResponse. A nil onChunk discards chunks.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, onChunk func(chunk string)) (*ChatResponse, error) {
	key, ch := c.register()
	defer c.unregister(key)

	if err := c.write(request{JSONRPC: "2.0", Method: "persona.chat_stream", Params: req, ID: key}); err != nil {
		return nil, fmt.Errorf("kioku: write persona.chat_stream: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, c.closedErr()
		case resp := <-ch:
			if resp.Error != nil {
				return nil, resp.Error
			}
			var ev StreamEvent
			if err := json.Unmarshal(resp.Result, &ev); err != nil {
				return nil, fmt.Errorf("kioku: decode stream event: %w", err)
			}
			switch ev.EventType {
			case EventStreamStart:
				// informational
			case EventStreamChunk:
				if onChunk != nil {
					onChunk(ev.Chunk)
				}
			case EventStreamComplete:
				out := &ChatResponse{
					PersonaID: ev.PersonaID,
					Response:  ev.FullResponse,
				}
				if ev.ContinueScore != nil {
					out.ContinueScore = *ev.ContinueScore
				}
				return out, nil
			case EventStreamCancelled:
				return nil, fmt.Errorf("kioku: stream cancelled: %s", ev.Message)
			case EventStreamError:
				return nil, fmt.Errorf("kioku: stream failed: %s", ev.Message)
			default:
				return nil, fmt.Errorf("kioku: unknown stream event %q", ev.EventType)
			}
		}
	}
}

// StoreMemory creates a memory for a persona.
func (c *Client) StoreMemory(ctx context.Context, req StoreMemoryRequest) (*StoreMemoryResult, error) {
	var result StoreMemoryResult
	if err := c.call(ctx, "memory.store", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SearchMemories performs semantic search over one persona's memories.
func (c *Client) SearchMemories(ctx context.Context, req SearchRequest) ([]Memory, error) {
	var result struct {
		Memories []Memory `json:"memories"`
	}
	if err := c.call(ctx, "memory.search", req, &result); err != nil {
		return nil, err
	}
	return result.Memories, nil
}

// SearchCrossPersona searches the persona's own memories plus memories other
// personas shared with it.
func (c *Client) SearchCrossPersona(ctx context.Context, req CrossSearchRequest) ([]Memory, error) {
	var result struct {
		Memories []Memory `json:"memories"`
	}
	if err := c.call(ctx, "memory.search_cross_persona", req, &result); err != nil {
		return nil, err
	}
	return result.Memories, nil
}

// MemoryStats summarises a persona's memory collection.
func (c *Client) MemoryStats(ctx context.Context, personaID string) (*MemoryStats, error) {
	var result MemoryStats
	params := map[string]string{}
	if personaID != "" {
		params["persona_id"] = personaID
	}
	if err := c.call(ctx, "memory.stats", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PruneRecommendations previews what a prune would delete, without deleting.
func (c *Client) PruneRecommendations(ctx context.Context, personaID string) (*PruneRecommendation, error) {
	var result PruneRecommendation
	params := map[string]string{}
	if personaID != "" {
		params["persona_id"] = personaID
	}
	if err := c.call(ctx, "memory.prune_recommendations", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Prune runs a prune for a persona. Force bypasses the minimum interval
// between runs.
func (c *Client) Prune(ctx context.Context, personaID string, force bool) (*PruneReport, error) {
	var result PruneReport
	params := map[string]any{"force": force}
	if personaID != "" {
		params["persona_id"] = personaID
	}
	if err := c.call(ctx, "memory.prune", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PruneStats returns lifetime pruning counters.
func (c *Client) PruneStats(ctx context.Context) (*PruneStats, error) {
	var result PruneStats
	if err := c.call(ctx, "memory.prune_stats", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns the server's runtime status.
func (c *Client) Status(ctx context.Context) (*SystemStatus, error) {
	var result SystemStatus
	if err := c.call(ctx, "system.status", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
