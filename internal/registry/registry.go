// Package registry tracks bus peers that have acknowledged a generation
// counter value. A peer enters the registry on its first successful ack and
// leaves when its bus connection goes away.
package registry

import "fmt"

// StaleAckError reports an acknowledgement that does not match the current
// generation counter. The registry is left unchanged when it is returned.
type StaleAckError struct {
	Expected uint32
	Got      uint32
}

func (e *StaleAckError) Error() string {
	return fmt.Sprintf("stale ack: expected %d, got %d", e.Expected, e.Got)
}

// Registry maps peer unique bus names to the counter value each peer last
// acknowledged. A peer not present has never acked and is untracked.
//
// Registry is not safe for concurrent use; callers serialize access.
type Registry struct {
	watchers map[string]uint32
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{watchers: make(map[string]uint32)}
}

// Ack records that peer has confirmed acked. When acked does not equal
// current it returns a StaleAckError and the registry is unchanged.
// A peer re-acking after a Forget is a fresh watcher.
func (r *Registry) Ack(peer string, acked, current uint32) error {
	if acked != current {
		return &StaleAckError{Expected: current, Got: acked}
	}
	r.watchers[peer] = acked
	return nil
}

// Forget removes peer from the registry, reporting whether it was tracked.
// Idempotent; called from the peer-disconnect handler.
func (r *Registry) Forget(peer string) bool {
	if _, ok := r.watchers[peer]; !ok {
		return false
	}
	delete(r.watchers, peer)
	return true
}

// OutdatedCount returns the number of tracked watchers whose last
// acknowledged value is behind current.
func (r *Registry) OutdatedCount(current uint32) uint32 {
	var n uint32
	for _, acked := range r.watchers {
		if acked < current {
			n++
		}
	}
	return n
}

// TrackedCount returns the total number of tracked watchers.
func (r *Registry) TrackedCount() uint32 {
	return uint32(len(r.watchers))
}
