package daemon

import (
	"log/slog"
	"net"
	"os"
)

// SdNotify reports service state to systemd through NOTIFY_SOCKET.
// Outside systemd (no NOTIFY_SOCKET) it returns silently; dial failures are
// logged and otherwise ignored, notification is fire-and-forget.
func SdNotify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		slog.Warn("sd-notify dial failed", "socket", socket, "err", err)
		return
	}
	defer conn.Close()
	conn.Write([]byte(state)) //nolint:errcheck
}
