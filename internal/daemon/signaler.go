package daemon

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// busSignaler forwards generation events onto the bus as D-Bus signals.
// Emission failures are logged and swallowed: signals are best-effort, the
// method that caused them still returns its result.
type busSignaler struct {
	conn *dbus.Conn
}

func (b busSignaler) OnNewGeneration(counter uint32) {
	if err := b.conn.Emit(ObjectPath, Interface+"."+SignalNewSystemGeneration, counter); err != nil {
		slog.Error("emit NewSystemGeneration failed", "counter", counter, "error", err)
	}
}

func (b busSignaler) OnSystemReady() {
	if err := b.conn.Emit(ObjectPath, Interface+"."+SignalSystemReady); err != nil {
		slog.Error("emit SystemReady failed", "error", err)
	}
}
