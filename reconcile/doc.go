// Package reconcile re-synchronizes persisted message state with the OS
// background transfer session after a process restart: still-running
// uploads are adopted by the send pipeline, still-running downloads are
// shielded from the sweep, and sends with no surviving transfer are
// settled and re-enqueued.
package reconcile
