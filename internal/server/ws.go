package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Sessions carry no credentials; the runtime is meant to sit behind
		// a local client or a reverse proxy that enforces origin policy.
		return true
	},
}

// handleWS upgrades the connection and runs one session until the peer
// disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	sess := newSession(conn, s, s.logger.With(
		"session_id", RequestIDFromContext(r.Context()),
		"remote", r.RemoteAddr,
	))
	sess.run()
}
