// Package idmap maps internal order identifiers to the identifiers the
// broker assigned. Cancel and replace MUST target the broker's own identity:
// sending an internal ID to a live broker cancels the wrong order or 404s.
package idmap

import (
	"errors"
	"sync"
)

// ErrUnknownOrder is returned when an internal order ID has no registered
// broker mapping. Callers must abort the operation — never fabricate or
// guess a broker ID.
var ErrUnknownOrder = errors.New("idmap: no broker mapping for internal order id")

// Map tracks internal → broker order IDs for one run.
//
// Usage contract: Register immediately after every successful submit; look
// up with BrokerID before every cancel/replace; Deregister when the order
// reaches a terminal state to keep the map bounded.
type Map struct {
	mu sync.RWMutex
	m  map[string]string
}

// New creates an empty map.
func New() *Map {
	return &Map{m: make(map[string]string)}
}

// Register records a mapping after a successful broker submit. Registering
// the same internal ID twice (an idempotent retry the broker accepted again)
// overwrites the old broker ID.
func (im *Map) Register(internalID, brokerID string) {
	im.mu.Lock()
	im.m[internalID] = brokerID
	im.mu.Unlock()
}

// BrokerID looks up the broker-assigned ID. ok is false if the internal ID
// was never registered or has been deregistered.
func (im *Map) BrokerID(internalID string) (string, bool) {
	im.mu.RLock()
	id, ok := im.m[internalID]
	im.mu.RUnlock()
	return id, ok
}

// Deregister removes a mapping once the order is terminal. Unknown IDs are
// ignored.
func (im *Map) Deregister(internalID string) {
	im.mu.Lock()
	delete(im.m, internalID)
	im.mu.Unlock()
}

// Len is the number of live mappings.
func (im *Map) Len() int {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return len(im.m)
}

// Snapshot copies the current mappings, e.g. for persistence.
func (im *Map) Snapshot() map[string]string {
	im.mu.RLock()
	defer im.mu.RUnlock()
	cp := make(map[string]string, len(im.m))
	for k, v := range im.m {
		cp[k] = v
	}
	return cp
}

// Restore replaces the map contents from a persisted snapshot.
func (im *Map) Restore(snapshot map[string]string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.m = make(map[string]string, len(snapshot))
	for k, v := range snapshot {
		im.m[k] = v
	}
}
