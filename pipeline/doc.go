// Package pipeline assembles the send and receive task graphs over the
// task engine: resolving recipients and encrypting payloads in parallel,
// sealing and transmitting with bounded retries, fetching and classifying
// inbound messages, and sweeping interrupted sends back into the queue.
package pipeline
