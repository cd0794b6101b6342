package envelope

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/content"
	"github.com/opd-ai/courier/resolve"
	"github.com/opd-ai/courier/wire"
)

// Inbound is a verified and decrypted incoming message.
type Inbound struct {
	ID       uuid.UUID
	Kind     wire.Kind
	Sender   string
	ChatID   string
	Metadata map[string]string
	// Payload is the decrypted content, nil for system kinds. The caller
	// owns it and is responsible for deleting it.
	Payload content.Reference
}

// Opener verifies and unseals inbound wire messages.
type Opener struct {
	identity *Identity
	cache    *resolve.Cache
	trust    Trust
	anchors  *x509.CertPool
}

// NewOpener creates an opener for the local identity.
func NewOpener(identity *Identity, cache *resolve.Cache, trust Trust, anchors *x509.CertPool) *Opener {
	return &Opener{identity: identity, cache: cache, trust: trust, anchors: anchors}
}

// Open locates the envelope addressed to the local identity, verifies its
// signature against the sender's cached signing certificate, and decrypts
// the payload. A failed verification invalidates the cached certificate,
// re-resolves once and retries once before giving up; the resulting
// ProtocolError is meant to be logged and dropped, never surfaced.
func (o *Opener) Open(ctx context.Context, msg *wire.Message) (*Inbound, error) {
	env, ok := msg.EnvelopeFor(o.identity.Alias)
	if !ok {
		return nil, &ProtocolError{Reason: "no envelope addressed to local identity"}
	}

	if err := o.verifyEnvelope(ctx, msg, env); err != nil {
		return nil, err
	}

	hasKey := len(env.EncryptedKey) > 0
	hasCiphertext := msg.Ciphertext != nil
	if hasKey != hasCiphertext {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("inconsistent payload: encrypted key present=%v, ciphertext present=%v", hasKey, hasCiphertext),
		}
	}

	in := &Inbound{
		ID:       msg.ID,
		Kind:     msg.Kind,
		Sender:   msg.Sender,
		ChatID:   msg.ChatID,
		Metadata: msg.Metadata,
	}
	if !hasKey {
		return in, nil
	}

	raw, err := unwrapKey(o.identity.DecryptionKey, env.EncryptedKey)
	if err != nil {
		return nil, &ProtocolError{Reason: "unwrap content key", Err: err}
	}
	key, err := ContentKeyFromBytes(raw)
	if err != nil {
		return nil, &ProtocolError{Reason: "malformed content key", Err: err}
	}
	payload, err := msg.Ciphertext.DuplicateFiltered(key.DecryptFilter())
	if err != nil {
		return nil, &ProtocolError{Reason: "decrypt payload", Err: err}
	}
	in.Payload = payload
	return in, nil
}

// verifyEnvelope checks the signature, refreshing the sender's cached
// certificate once on failure.
func (o *Opener) verifyEnvelope(ctx context.Context, msg *wire.Message, env *wire.Envelope) error {
	signable := wire.SignableBytes(msg.ID, msg.Kind, msg.Sender, env.Recipient, msg.ChatID, env.EncryptedKey)

	err := o.verifyAgainstCache(ctx, msg.Sender, signable, env.Signature)
	if err == nil {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "verifyEnvelope",
		"id":       msg.ID.String(),
		"sender":   msg.Sender,
		"error":    err.Error(),
	}).Warn("Signature verification failed, refreshing sender certificate")

	if invErr := o.cache.Invalidate(ctx, msg.Sender); invErr != nil {
		return &ProtocolError{Reason: "invalidate sender certificate", Err: invErr}
	}
	if err := o.verifyAgainstCache(ctx, msg.Sender, signable, env.Signature); err != nil {
		return &ProtocolError{Reason: "signature verification", Err: ErrSignatureInvalid}
	}
	return nil
}

func (o *Opener) verifyAgainstCache(ctx context.Context, sender string, signable, signature []byte) error {
	bundle, err := o.cache.Lookup(ctx, sender)
	if err != nil {
		return fmt.Errorf("resolve sender %q: %w", sender, err)
	}
	pub, err := o.trust.Validate(bundle.SigningCert, o.anchors)
	if err != nil {
		return fmt.Errorf("validate sender certificate: %w", err)
	}
	return verify(pub, signable, signature)
}
