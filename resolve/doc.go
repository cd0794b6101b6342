// Package resolve maintains a TTL-bounded persisted cache mapping
// recipient aliases to their public-key certificate bundles. Cache rows
// live in sqlite; expired rows are reaped by an access-triggered
// compaction pass.
package resolve
