// Package generation owns the authoritative system generation counter and
// orchestrates bumps atomically across the counter page, the watcher registry
// and event emission.
package generation

import (
	"log/slog"
	"sync"

	"github.com/acatangiu/sysgenid-dbus/internal/genpage"
	"github.com/acatangiu/sysgenid-dbus/internal/registry"
)

// Observer receives generation lifecycle events. The bus signaler subscribes
// to forward them as D-Bus signals; the status API subscribes to push them to
// WebSocket clients.
type Observer interface {
	OnNewGeneration(counter uint32)
	OnSystemReady()
}

// Status is a point-in-time snapshot of the generation state.
type Status struct {
	Counter          uint32 `json:"sysgen_counter"`
	TrackedWatchers  uint32 `json:"tracked_watchers"`
	OutdatedWatchers uint32 `json:"outdated_watchers"`
	SystemReady      bool   `json:"system_ready"`
}

// State holds the generation counter, the watcher registry and the per-bump
// readiness latch. All mutation happens under a single mutex: the bus library
// dispatches each method call on its own goroutine, so the lock is what
// serializes method handlers, disconnect notifications and page writes.
//
// Observers are notified while the lock is held. That keeps the required
// ordering: the page write happens before NewSystemGeneration goes out, and
// both happen before any later method reply can observe the bumped counter.
type State struct {
	mu           sync.Mutex
	counter      uint32
	watchers     *registry.Registry
	page         *genpage.Page
	readyPending bool
	observers    []Observer
}

// New creates a State starting at counter 0. page may be nil in tests.
func New(page *genpage.Page) *State {
	return &State{
		watchers: registry.New(),
		page:     page,
	}
}

// Subscribe adds an observer. Observers added after events have fired only
// see later events; there is no unsubscribe.
func (s *State) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// Counter returns the current generation counter.
func (s *State) Counter() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Bump advances the counter to max(counter+1, minGen), publishes it to the
// counter page and announces the new generation. Every tracked watcher is now
// outdated; if none are tracked the system is immediately ready again.
// The counter wraps at 2^32 bumps.
//
// A page write failure is logged and the bump continues: bus peers still must
// learn of the new generation, and bus state is authoritative over the file.
func (s *State) Bump(minGen uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.counter + 1
	if minGen > next {
		next = minGen
	}
	s.counter = next

	// The page must reflect the new value before anyone hears about it.
	if s.page != nil {
		if err := s.page.Publish(next); err != nil {
			slog.Error("counter page update failed, bus state is authoritative",
				"counter", next,
				"error", err)
		}
	}

	s.readyPending = true
	for _, obs := range s.observers {
		obs.OnNewGeneration(next)
	}
	slog.Info("generation bumped",
		"counter", next,
		"outdated_watchers", s.watchers.TrackedCount())

	s.maybeReady()
	return next
}

// Ack records peer's acknowledgement of value. On success the peer is (or
// stays) a tracked watcher and the current counter is returned; if this was
// the last outdated watcher the system becomes ready. A value other than the
// current counter yields a registry.StaleAckError and no state change.
func (s *State) Ack(peer string, value uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.watchers.Ack(peer, value, s.counter); err != nil {
		return s.counter, err
	}
	slog.Debug("watcher acked", "peer", peer, "counter", value)
	s.maybeReady()
	return s.counter, nil
}

// RemoveWatcher drops a disconnected peer and re-evaluates readiness; the
// disconnect of the last outdated watcher drains the pending bump. Idempotent.
func (s *State) RemoveWatcher(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.watchers.Forget(peer) {
		return
	}
	slog.Debug("watcher removed", "peer", peer)
	s.maybeReady()
}

// maybeReady emits SystemReady when a pending bump has drained. The latch
// guarantees exactly one emission per bump. Callers hold s.mu.
func (s *State) maybeReady() {
	if !s.readyPending || s.watchers.OutdatedCount(s.counter) != 0 {
		return
	}
	s.readyPending = false
	for _, obs := range s.observers {
		obs.OnSystemReady()
	}
	slog.Info("system ready", "counter", s.counter)
}

// OutdatedCount returns the number of tracked watchers behind the counter.
func (s *State) OutdatedCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchers.OutdatedCount(s.counter)
}

// TrackedCount returns the number of tracked watchers.
func (s *State) TrackedCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchers.TrackedCount()
}

// Ready reports whether no bump is pending acknowledgement.
func (s *State) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.readyPending
}

// Snapshot returns the current status in one consistent read.
func (s *State) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Counter:          s.counter,
		TrackedWatchers:  s.watchers.TrackedCount(),
		OutdatedWatchers: s.watchers.OutdatedCount(s.counter),
		SystemReady:      !s.readyPending,
	}
}
