package daemon

import (
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/acatangiu/sysgenid-dbus/internal/generation"
)

// watcherTracker listens for NameOwnerChanged and drops watchers whose bus
// connection went away, so no stale registry entries remain.
type watcherTracker struct {
	conn      *dbus.Conn
	state     *generation.State
	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

// newWatcherTracker creates a tracker and starts listening for NameOwnerChanged signals.
func newWatcherTracker(conn *dbus.Conn, state *generation.State) (*watcherTracker, error) {
	t := &watcherTracker{
		conn:    conn,
		state:   state,
		signals: make(chan *dbus.Signal, 16),
		done:    make(chan struct{}),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchSender("org.freedesktop.DBus"),
	); err != nil {
		return nil, err
	}

	conn.Signal(t.signals)

	go t.processSignals()

	return t, nil
}

// processSignals handles NameOwnerChanged signals.
func (t *watcherTracker) processSignals() {
	for {
		select {
		case <-t.done:
			return
		case signal, ok := <-t.signals:
			if !ok {
				// Channel closed by the D-Bus library when the connection closes
				return
			}

			if signal.Name != "org.freedesktop.DBus.NameOwnerChanged" {
				continue
			}

			// NameOwnerChanged(name string, old_owner string, new_owner string)
			if len(signal.Body) != 3 {
				continue
			}

			name, ok1 := signal.Body[0].(string)
			oldOwner, ok2 := signal.Body[1].(string)
			newOwner, ok3 := signal.Body[2].(string)

			if !ok1 || !ok2 || !ok3 {
				continue
			}

			// A peer disconnected when: name is a unique name, old_owner is
			// non-empty, new_owner is empty. Removal re-evaluates readiness:
			// the last outdated watcher leaving drains the pending bump.
			if name != "" && name[0] == ':' && oldOwner != "" && newOwner == "" {
				t.state.RemoveWatcher(oldOwner)
			}
		}
	}
}

// close stops the tracker.
func (t *watcherTracker) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		// Unregister from receiving signals (don't close the channel -
		// the D-Bus library may have already closed it or will close it)
		t.conn.RemoveSignal(t.signals)
	})
}
