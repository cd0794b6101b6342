// Package lifecycle owns the authoritative message and chat state
// machine. Message status only moves forward along
// Sending -> {Unsent|Failed|Sent} -> Delivered -> Viewed, with a single
// transition function enforcing the monotonic invariant. Chat aggregate
// counters mutate transactionally with message persistence through the
// DAO collaborator.
package lifecycle
