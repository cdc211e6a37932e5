package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/rpc"
)

const (
	// wsWriteTimeout bounds every frame write; a stalled peer is dropped
	// rather than blocking the write pump.
	wsWriteTimeout = 10 * time.Second

	// wsMaxMessageBytes caps inbound frames well above the largest legal
	// memory.store payload.
	wsMaxMessageBytes = 1 << 20

	// outboundQueueSize buffers responses between dispatchers and the write
	// pump. Stream chunks flow through the same queue, so it is generous.
	outboundQueueSize = 64

	// maxConcurrentCalls bounds in-flight dispatches per session so a burst
	// of embedding-heavy requests cannot starve the read loop.
	maxConcurrentCalls = 8

	// callTimeout is the hard deadline for a single dispatched call,
	// detached from the HTTP request context which dies with the handshake.
	callTimeout = 5 * time.Minute
)

// session is one WebSocket connection: a current persona, per-persona
// conversation contexts, and an outbound write queue. The read loop decodes
// requests and dispatches them on a bounded pool; only the write pump
// touches the connection for writes.
type session struct {
	conn   *websocket.Conn
	srv    *Server
	logger *slog.Logger

	mu       sync.Mutex
	current  string
	contexts map[string]*model.ConversationContext

	// chatMu serializes chat turns: a session holds one conversation at a
	// time, and the handlers mutate the conversation context.
	chatMu sync.Mutex

	outbound  chan rpc.Response
	closed    chan struct{}
	closeOnce sync.Once
	calls     sync.WaitGroup
	sem       chan struct{}
}

func newSession(conn *websocket.Conn, srv *Server, logger *slog.Logger) *session {
	return &session{
		conn:     conn,
		srv:      srv,
		logger:   logger,
		contexts: make(map[string]*model.ConversationContext),
		outbound: make(chan rpc.Response, outboundQueueSize),
		closed:   make(chan struct{}),
		sem:      make(chan struct{}, maxConcurrentCalls),
	}
}

// run services the connection until the peer disconnects, then waits for
// in-flight calls to notice the closed session.
func (s *session) run() {
	go s.writePump()
	s.readLoop()
	s.close()
	s.calls.Wait()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// send queues a response for the write pump. Returns false once the session
// is closed; streaming handlers use that to stop producing.
func (s *session) send(resp rpc.Response) bool {
	select {
	case s.outbound <- resp:
		return true
	case <-s.closed:
		return false
	}
}

// writePump is the only goroutine that writes frames. Every write carries a
// deadline so a dead peer cannot wedge the session.
func (s *session) writePump() {
	for {
		select {
		case resp := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteJSON(resp); err != nil {
				s.logger.Debug("session write failed", "error", err)
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop decodes frames into JSON-RPC requests and hands them to the
// dispatch pool. Envelope errors are answered inline; the loop never blocks
// on a slow handler, only on the pool semaphore.
func (s *session) readLoop() {
	s.conn.SetReadLimit(wsMaxMessageBytes)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("session closed unexpectedly", "error", err)
			} else {
				s.logger.Debug("session closed", "error", err)
			}
			return
		}

		var req rpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.send(rpc.NewError(nil, rpc.CodeParseError, "parse error: "+err.Error(), ""))
			continue
		}
		if req.JSONRPC != rpc.Version || req.Method == "" {
			s.send(rpc.NewError(req.ID, rpc.CodeInvalidRequest,
				"invalid request: jsonrpc must be \"2.0\" and method is required", ""))
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.closed:
			return
		}
		s.calls.Add(1)
		go func() {
			defer s.calls.Done()
			defer func() { <-s.sem }()
			s.dispatch(req)
		}()
	}
}

// callContext builds the context for one dispatched call: bounded by
// callTimeout and cancelled when the session closes.
func (s *session) callContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// currentPersona returns the session's active persona id, or "".
func (s *session) currentPersona() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *session) setCurrentPersona(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = id
}

// conversationContext returns the live context for a persona, creating one
// on first contact.
func (s *session) conversationContext(personaID string) *model.ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[personaID]
	if !ok {
		c = model.NewConversationContext("user", personaID, s.srv.deps.TokenBudget)
		s.contexts[personaID] = c
	}
	return c
}

// clearContext drops a persona's conversation context after termination so
// the next chat starts a fresh exchange.
func (s *session) clearContext(personaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, personaID)
}
