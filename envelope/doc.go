// Package envelope implements the multi-recipient message sealing
// protocol: a fresh symmetric key per payload, streamed payload
// encryption, an RSA-wrapped copy of the key per recipient plus a CC copy
// for the sender's own devices, and a signature per envelope. The opener
// reverses the process for inbound messages, including the
// invalidate-and-retry path for stale cached signing certificates.
package envelope
