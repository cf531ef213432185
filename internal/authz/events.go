package authz

import "sync"

// PermissionsChanged signals that the effective permissions of the
// listed users may have changed and any cached view is stale.
type PermissionsChanged struct {
	UserIDs []string
	Reason  string
}

// Bus is a small in-process fan-out for permission-change events.
// Publish never blocks the mutation path; slow subscribers drop events
// and fall back to TTL expiry of their caches.
type Bus struct {
	mu   sync.RWMutex
	subs []chan PermissionsChanged
}

func NewBus() *Bus { return &Bus{} }

// Subscribe returns a buffered channel receiving future events.
func (b *Bus) Subscribe() <-chan PermissionsChanged {
	ch := make(chan PermissionsChanged, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber, dropping it for
// subscribers whose buffer is full.
func (b *Bus) Publish(ev PermissionsChanged) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
