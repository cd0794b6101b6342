// Package transport declares the message service consumed over RPC and
// implements the out-of-band HTTP framing for large payloads: chunked
// uploads to the send endpoint and downloads from the fetch endpoint,
// both authenticated with a bearer token and carrying the piggybacked
// message-info header.
package transport
