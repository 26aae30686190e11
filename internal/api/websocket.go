package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/acatangiu/sysgenid-dbus/internal/generation"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// WSMessage represents a message sent over the WebSocket.
type WSMessage struct {
	Type string `json:"type"`

	// For snapshot
	Status *generation.Status `json:"status,omitempty"`

	// For new_generation
	Counter uint32 `json:"sysgen_counter,omitempty"`
}

// WSHandler fans generation events out to WebSocket clients.
// It implements generation.Observer.
type WSHandler struct {
	state *generation.State

	// Active connections
	connsMu sync.RWMutex
	conns   map[*wsConnection]struct{}
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(state *generation.State) *WSHandler {
	return &WSHandler{
		state: state,
		conns: make(map[*wsConnection]struct{}),
	}
}

// wsConnection represents a single WebSocket connection.
type wsConnection struct {
	handler *WSHandler
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
}

// HandleWS handles WebSocket upgrade requests.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("WebSocket accept failed", "error", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)

	// Use background context - the WebSocket connection lives beyond the HTTP request
	ctx, cancel := context.WithCancel(context.Background())
	wsc := &wsConnection{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, 256),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.connsMu.Lock()
	h.conns[wsc] = struct{}{}
	h.connsMu.Unlock()

	if err := wsc.sendSnapshot(); err != nil {
		slog.Error("failed to send status snapshot", "error", err)
		wsc.close()
		return
	}

	go wsc.writePump()
	go wsc.readPump()
}

// OnNewGeneration implements generation.Observer.
func (h *WSHandler) OnNewGeneration(counter uint32) {
	h.broadcast(WSMessage{Type: "new_generation", Counter: counter})
}

// OnSystemReady implements generation.Observer.
func (h *WSHandler) OnSystemReady() {
	h.broadcast(WSMessage{Type: "system_ready"})
}

// broadcast sends a message to every connected client without blocking the
// generation state: slow clients drop messages.
func (h *WSHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal WebSocket message", "error", err)
		return
	}

	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	for wsc := range h.conns {
		select {
		case wsc.send <- data:
		default:
			slog.Warn("WebSocket send buffer full, dropping message")
		}
	}
}

// sendSnapshot sends the current generation state to the client.
func (wsc *wsConnection) sendSnapshot() error {
	status := wsc.handler.state.Snapshot()
	data, err := json.Marshal(WSMessage{Type: "snapshot", Status: &status})
	if err != nil {
		return err
	}

	// Send directly (not through the channel) for the initial snapshot
	ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
	defer cancel()
	return wsc.conn.Write(ctx, websocket.MessageText, data)
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (wsc *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsc.close()
	}()

	for {
		select {
		case <-wsc.ctx.Done():
			return

		case message, ok := <-wsc.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Ping(ctx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err)
				return
			}
		}
	}
}

// readPump discards incoming messages; its job is to notice the peer closing.
func (wsc *wsConnection) readPump() {
	defer wsc.close()
	for {
		if _, _, err := wsc.conn.Read(wsc.ctx); err != nil {
			return
		}
	}
}

// close removes the connection from the handler and closes it.
func (wsc *wsConnection) close() {
	wsc.cancel()

	h := wsc.handler
	h.connsMu.Lock()
	delete(h.conns, wsc)
	h.connsMu.Unlock()

	wsc.conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
}
