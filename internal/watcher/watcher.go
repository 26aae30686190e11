// Package watcher implements the example tracked consumer: a periodic worker
// that holds generation-sensitive unique data, listens for generation bumps,
// readjusts and acknowledges back to the service.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/acatangiu/sysgenid-dbus/internal/daemon"
	"github.com/acatangiu/sysgenid-dbus/internal/genpage"
)

// Config holds watcher startup parameters.
type Config struct {
	// Conn is the bus connection to the SysGenID service.
	Conn *dbus.Conn

	// Tracked watchers acknowledge every adjustment back to the service;
	// untracked ones only readjust locally.
	Tracked bool

	// PagePath, when non-empty, additionally probes the mapped counter page
	// every tick. Signals alone are enough; the probe demonstrates the
	// low-latency path consumers use on hot code paths.
	PagePath string

	// Interval between work ticks.
	Interval time.Duration
}

// Watcher simulates an application whose uniqueness-sensitive data (a UUID
// here) must be regenerated after every system generation change.
type Watcher struct {
	cfg    Config
	obj    dbus.BusObject
	reader *genpage.Reader

	id    uuid.UUID
	gen   uint32
	dirty bool
}

// New connects the watcher to the service and, when tracked, acknowledges the
// current counter so the service starts counting it.
func New(cfg Config) (*Watcher, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}

	w := &Watcher{
		cfg: cfg,
		obj: cfg.Conn.Object(daemon.BusName, daemon.ObjectPath),
		id:  uuid.New(),
	}

	if cfg.PagePath != "" {
		reader, err := genpage.OpenReader(cfg.PagePath)
		if err != nil {
			return nil, err
		}
		w.reader = reader
	}

	var counter uint32
	if err := w.obj.Call(daemon.Interface+".GetSysGenCounter", 0).Store(&counter); err != nil {
		return nil, fmt.Errorf("get generation counter: %w", err)
	}
	w.gen = counter

	if cfg.Tracked {
		if err := w.obj.Call(daemon.Interface+".AckWatcherCounter", 0, counter).Store(&counter); err != nil {
			return nil, fmt.Errorf("ack generation counter %d: %w", w.gen, err)
		}
	}

	slog.Info("watcher started", "generation", w.gen, "uuid", w.id, "tracked", cfg.Tracked)
	return w, nil
}

// Run does periodic work until ctx is cancelled, readjusting whenever a
// generation change is observed via bus signal or counter page probe.
func (w *Watcher) Run(ctx context.Context) error {
	signals := make(chan *dbus.Signal, 16)
	if err := w.cfg.Conn.AddMatchSignal(
		dbus.WithMatchInterface(daemon.Interface),
		dbus.WithMatchMember(daemon.SignalNewSystemGeneration),
	); err != nil {
		return fmt.Errorf("match NewSystemGeneration: %w", err)
	}
	w.cfg.Conn.Signal(signals)
	defer w.cfg.Conn.RemoveSignal(signals)

	if w.reader != nil {
		defer w.reader.Close()
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if sig.Name != daemon.Interface+"."+daemon.SignalNewSystemGeneration {
				continue
			}
			slog.Info("new generation signalled, marking dirty")
			w.dirty = true

		case <-ticker.C:
			if w.reader != nil && w.reader.Probe() != w.gen {
				slog.Info("counter page changed, marking dirty")
				w.dirty = true
			}
			if w.dirty {
				if err := w.adjust(ctx); err != nil {
					// Stay dirty; readjust on the next tick.
					slog.Error("adjust to new generation failed", "error", err)
					continue
				}
			}
			w.work()
		}
	}
}

// adjust fetches the current generation, regenerates the unique data, and
// acknowledges when tracked. A bump racing the ack leaves the watcher dirty
// so it readjusts on the next tick.
func (w *Watcher) adjust(ctx context.Context) error {
	var counter uint32
	if err := w.obj.CallWithContext(ctx, daemon.Interface+".GetSysGenCounter", 0).Store(&counter); err != nil {
		return fmt.Errorf("get generation counter: %w", err)
	}

	// New unique data for the new world.
	w.id = uuid.New()
	w.gen = counter

	if w.cfg.Tracked {
		if err := w.obj.CallWithContext(ctx, daemon.Interface+".AckWatcherCounter", 0, counter).Store(&counter); err != nil {
			return fmt.Errorf("ack generation counter %d: %w", w.gen, err)
		}
	}

	w.dirty = false
	slog.Info("adjusted to new generation", "generation", w.gen, "uuid", w.id)
	return nil
}

func (w *Watcher) work() {
	slog.Info("doing periodic work", "generation", w.gen, "uuid", w.id)
}
