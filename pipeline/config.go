package pipeline

import (
	"crypto/x509"
	"errors"

	"github.com/opd-ai/courier/envelope"
	"github.com/opd-ai/courier/lifecycle"
	"github.com/opd-ai/courier/resolve"
	"github.com/opd-ai/courier/storage"
	"github.com/opd-ai/courier/transport"
)

const (
	// DefaultUploadThreshold routes payloads larger than this many bytes
	// through the HTTP upload path instead of the inline RPC.
	DefaultUploadThreshold = 64 * 1024
	// DefaultMaxSendAttempts bounds retries per send.
	DefaultMaxSendAttempts = 3
	// DefaultWorkers sizes the task queue's worker pool.
	DefaultWorkers = 4
)

// Config carries every collaborator the engine needs. All dependencies
// are explicit; there is no ambient global state.
type Config struct {
	Identity *envelope.Identity
	Trust    envelope.Trust
	Anchors  *x509.CertPool

	Service      transport.MessageService
	Uploader     *transport.Uploader
	Downloader   *transport.Downloader
	Tokens       transport.TokenSource
	Reachability transport.Reachability

	Cache  *resolve.Cache
	Ledger *lifecycle.Ledger
	Blobs  *storage.BlobStore

	// UploadThreshold selects inline RPC below and HTTP upload above.
	UploadThreshold int64
	// MaxSendAttempts bounds retries per send attempt chain.
	MaxSendAttempts int
	// Workers sizes the queue's worker pool.
	Workers int
}

func (c *Config) validate() error {
	switch {
	case c.Identity == nil:
		return errors.New("pipeline config: identity is required")
	case c.Service == nil:
		return errors.New("pipeline config: message service is required")
	case c.Cache == nil:
		return errors.New("pipeline config: resolution cache is required")
	case c.Ledger == nil:
		return errors.New("pipeline config: ledger is required")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Trust == nil {
		out.Trust = envelope.X509Trust{}
	}
	if out.UploadThreshold <= 0 {
		out.UploadThreshold = DefaultUploadThreshold
	}
	if out.MaxSendAttempts <= 0 {
		out.MaxSendAttempts = DefaultMaxSendAttempts
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	return out
}
