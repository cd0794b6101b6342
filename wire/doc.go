// Package wire defines the on-the-wire message model: multi-recipient
// envelopes, the closed set of message kinds with their body codecs, and
// the piggybacked message-info header used by HTTP transfers.
package wire
