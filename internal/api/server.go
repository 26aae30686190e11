// Package api serves the read-only status surface: a JSON snapshot of the
// generation state and a WebSocket stream of generation events, for consumers
// that observe the service without a bus connection. Authorization is left to
// the bus policy and the listen address; the API mutates nothing.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/acatangiu/sysgenid-dbus/internal/generation"
)

// Server is the HTTP status server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	state      *generation.State
	wsHandler  *WSHandler
}

// NewServer creates a status server listening on addr. The WebSocket handler
// is subscribed to generation events before the server accepts any client.
func NewServer(addr string, state *generation.State) (*Server, error) {
	wsHandler := NewWSHandler(state)
	state.Subscribe(wsHandler)

	s := &Server{
		state:     state,
		wsHandler: wsHandler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/events", wsHandler.HandleWS)

	// Create the listener first to catch address-in-use errors early
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}
	return s, nil
}

// Start begins serving HTTP requests. This is non-blocking.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("status API server error", "error", err)
		}
	}()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleStatus serves the current generation state snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.state.Snapshot()); err != nil {
		slog.Error("encode status failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
