package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/acatangiu/sysgenid-dbus/internal/generation"
)

func startServer(t *testing.T, state *generation.State) *Server {
	t.Helper()

	srv, err := NewServer("127.0.0.1:0", state)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	})
	return srv
}

func TestStatusEndpoint(t *testing.T) {
	state := generation.New(nil)
	srv := startServer(t, state)

	if _, err := state.Ack(":1.1", 0); err != nil {
		t.Fatal(err)
	}
	state.Bump(5)

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}

	var status generation.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}

	if status.Counter != 5 {
		t.Errorf("Counter = %d, want 5", status.Counter)
	}
	if status.TrackedWatchers != 1 {
		t.Errorf("TrackedWatchers = %d, want 1", status.TrackedWatchers)
	}
	if status.OutdatedWatchers != 1 {
		t.Errorf("OutdatedWatchers = %d, want 1", status.OutdatedWatchers)
	}
	if status.SystemReady {
		t.Error("SystemReady = true, want false while a watcher is outdated")
	}
}

func TestStatusRejectsNonGet(t *testing.T) {
	srv := startServer(t, generation.New(nil))

	resp, err := http.Post("http://"+srv.Addr()+"/api/v1/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status code = %d, want 405", resp.StatusCode)
	}
}

func readWSMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) WSMessage {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read WebSocket message: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestEventsStreamGenerationEvents(t *testing.T) {
	state := generation.New(nil)
	srv := startServer(t, state)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("dial WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck

	// First message is always the snapshot.
	msg := readWSMessage(t, ctx, conn)
	if msg.Type != "snapshot" {
		t.Fatalf("first message type = %q, want snapshot", msg.Type)
	}
	if msg.Status == nil || msg.Status.Counter != 0 {
		t.Fatalf("snapshot = %+v, want counter 0", msg.Status)
	}

	// A watcher-less bump produces new_generation followed by system_ready.
	state.Bump(0)

	msg = readWSMessage(t, ctx, conn)
	if msg.Type != "new_generation" || msg.Counter != 1 {
		t.Errorf("message = %+v, want new_generation counter 1", msg)
	}

	msg = readWSMessage(t, ctx, conn)
	if msg.Type != "system_ready" {
		t.Errorf("message type = %q, want system_ready", msg.Type)
	}
}
