package reconcile

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Events routes background-transfer completion callbacks to whoever is
// waiting on them, keyed by the OS transfer id. Completions with no
// registered waiter are logged and dropped; after a restart the session
// can report transfers nobody adopted.
type Events struct {
	mu      sync.Mutex
	waiters map[string]chan error
}

// NewEvents creates an empty event registry.
func NewEvents() *Events {
	return &Events{waiters: make(map[string]chan error)}
}

// Register creates a waiter channel for a transfer id. The channel is
// buffered; Complete never blocks. Registering an id twice replaces the
// previous waiter.
func (e *Events) Register(transferID string) <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan error, 1)
	e.waiters[transferID] = ch
	return ch
}

// Unregister drops a waiter that no longer cares.
func (e *Events) Unregister(transferID string) {
	e.mu.Lock()
	delete(e.waiters, transferID)
	e.mu.Unlock()
}

// Complete delivers a transfer outcome to its waiter. A nil err means
// the transfer succeeded.
func (e *Events) Complete(transferID string, err error) {
	e.mu.Lock()
	ch, ok := e.waiters[transferID]
	if ok {
		delete(e.waiters, transferID)
	}
	e.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":    "Complete",
			"transfer_id": transferID,
		}).Warn("Dropping completion event with no waiter")
		return
	}
	ch <- err
}
