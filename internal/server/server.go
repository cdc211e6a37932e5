package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kioku/internal/persona"
	"github.com/ashita-ai/kioku/internal/service/conversation"
	"github.com/ashita-ai/kioku/internal/service/decay"
	"github.com/ashita-ai/kioku/internal/service/llm"
	"github.com/ashita-ai/kioku/internal/service/memory"
	"github.com/ashita-ai/kioku/internal/service/prune"
	"github.com/ashita-ai/kioku/internal/vectorstore"
)

// Server is the Kioku HTTP/WebSocket server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	deps       Deps
	logger     *slog.Logger

	startedAt time.Time
	sessions  atomic.Int64
}

// Deps holds the services the session layer dispatches into. All fields
// except MCPServer and MethodsCatalog are required.
type Deps struct {
	Registry     *persona.Registry
	Memory       *memory.Manager
	Pruner       *prune.Pruner
	Decay        *decay.Worker
	Conversation *conversation.Scorer
	LLM          llm.Provider
	Store        vectorstore.Store
	Logger       *slog.Logger

	// Optional surfaces.
	MCPServer      *mcpserver.MCPServer
	MethodsCatalog []byte // JSON method catalog served at GET /rpc/methods

	// Reported by system.status.
	Version      string
	EmbedderName string
	StoreName    string

	TokenBudget  int           // default conversation token budget
	BaseCooldown time.Duration // post-termination cooldown before scaling
}

// Config holds the HTTP server settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// New creates a server with all routes configured.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		deps:      deps,
		logger:    deps.Logger,
		startedAt: time.Now().UTC(),
	}

	mux := http.NewServeMux()

	// Session channel. The upgrade handshake must not be wrapped by
	// middleware that buffers the response.
	mux.HandleFunc("GET /ws", s.handleWS)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	// JSON-RPC method catalog.
	if len(deps.MethodsCatalog) > 0 {
		mux.HandleFunc("GET /rpc/methods", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(deps.MethodsCatalog)
		})
	}

	// MCP StreamableHTTP transport.
	if deps.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(deps.MCPServer))
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(deps.Logger, handler)
	handler = loggingMiddleware(deps.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout is deliberately not set: it would sever long-lived
		// WebSocket connections. Per-message write deadlines cover the
		// session channel instead.
	}
	return s
}

// ActiveSessions returns the number of open WebSocket sessions.
func (s *Server) ActiveSessions() int {
	return int(s.sessions.Load())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the vector store answers and the persona
// snapshot is loaded.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.deps.Store.Healthy(ctx); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "vector_store_unhealthy", err.Error())
		return
	}
	if s.deps.Registry.Count() == 0 {
		writeError(w, r, http.StatusServiceUnavailable, "no_personas", "persona snapshot not loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
