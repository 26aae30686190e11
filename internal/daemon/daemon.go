package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/acatangiu/sysgenid-dbus/internal/api"
	"github.com/acatangiu/sysgenid-dbus/internal/generation"
	"github.com/acatangiu/sysgenid-dbus/internal/genpage"
)

// Config holds service startup parameters.
type Config struct {
	// Bus selects the message bus: "" or "session" is the session bus,
	// "system" the system bus, anything else a raw D-Bus address — used by
	// integration tests to point at a private dbus-daemon.
	Bus string

	// PagePath is where the 4-byte counter page is created.
	PagePath string

	// APIListen enables the read-only HTTP status API when non-empty.
	APIListen string
}

// Connect opens a bus connection per the Config.Bus convention. Clients and
// the service share it so they always end up on the same bus.
func Connect(bus string) (*dbus.Conn, error) {
	switch bus {
	case "", "session":
		return dbus.ConnectSessionBus()
	case "system":
		return dbus.ConnectSystemBus()
	default:
		return dbus.Connect(bus)
	}
}

// Run starts the service: creates the counter page, exports the SysGenID
// object, claims the well-known bus name, sends READY=1 via sd-notify, and
// blocks until ctx is cancelled. Returns nil on clean shutdown; name-claim
// and page-creation failures are fatal.
func Run(ctx context.Context, cfg Config) error {
	conn, err := Connect(cfg.Bus)
	if err != nil {
		return fmt.Errorf("connect to D-Bus: %w", err)
	}
	defer conn.Close()

	page, err := genpage.Create(cfg.PagePath)
	if err != nil {
		return err
	}
	// The page file stays in place at exit; the absence of the bus name is
	// the authoritative "service down" signal.
	defer page.Close()

	state := generation.New(page)
	state.Subscribe(busSignaler{conn: conn})

	if err := conn.Export(NewSysGenID(state), ObjectPath, Interface); err != nil {
		return fmt.Errorf("export sysgenid object: %w", err)
	}

	// Always export Introspectable — without it busctl introspect gives opaque errors.
	if err := conn.Export(introspect.Introspectable(IntrospectXML), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspectable: %w", err)
	}

	tracker, err := newWatcherTracker(conn, state)
	if err != nil {
		return fmt.Errorf("track watcher disconnects: %w", err)
	}
	defer tracker.close()

	// Request the well-known bus name.
	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %q: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner of %q (reply=%d); policy rejected or name already taken", BusName, reply)
	}

	if cfg.APIListen != "" {
		srv, err := api.NewServer(cfg.APIListen, state)
		if err != nil {
			return fmt.Errorf("create status API: %w", err)
		}
		srv.Start()
		slog.Info("status API listening", "url", "http://"+srv.Addr())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	slog.Info("sysgenid ready", "bus_name", BusName, "page", page.Path())

	// Notify systemd that startup is complete.
	SdNotify("READY=1")

	// Block until context is cancelled (SIGTERM/SIGINT handled by caller).
	<-ctx.Done()

	slog.Info("sysgenid shutting down")
	return nil
}
