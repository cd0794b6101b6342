package envelope

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/content"
	"github.com/opd-ai/courier/resolve"
	"github.com/opd-ai/courier/wire"
)

// Outbound describes a message to be sealed.
type Outbound struct {
	ID         uuid.UUID
	Kind       wire.Kind
	ChatID     string
	Recipients []string
	// Payload is nil for system and receipt kinds.
	Payload  content.Reference
	Metadata map[string]string
}

// Builder turns outbound messages into signed, multi-recipient encrypted
// wire messages.
type Builder struct {
	identity *Identity
	cache    *resolve.Cache
	trust    Trust
	anchors  *x509.CertPool
}

// NewBuilder creates a builder for the local identity.
func NewBuilder(identity *Identity, cache *resolve.Cache, trust Trust, anchors *x509.CertPool) *Builder {
	return &Builder{identity: identity, cache: cache, trust: trust, anchors: anchors}
}

// ResolveRecipients looks up certificate bundles for every alias.
// Failures are per-recipient and reported in the second return value; the
// map contains only the aliases that resolved.
func (b *Builder) ResolveRecipients(ctx context.Context, aliases []string) (map[string]*resolve.Bundle, []*RecipientError) {
	bundles := make(map[string]*resolve.Bundle, len(aliases))
	var failed []*RecipientError
	for _, alias := range aliases {
		bundle, err := b.cache.Lookup(ctx, alias)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ResolveRecipients",
				"alias":    alias,
				"error":    err.Error(),
			}).Warn("Recipient resolution failed")
			failed = append(failed, &RecipientError{Alias: alias, Err: err})
			continue
		}
		bundles[alias] = bundle
	}
	return bundles, failed
}

// Seal runs the full outbound algorithm: resolve recipients, generate the
// content key when a payload is present, stream-encrypt the payload, and
// assemble one envelope per resolved recipient plus the CC envelope. The
// returned recipient errors cover aliases that were skipped; Seal fails
// outright only when no recipients remain.
func (b *Builder) Seal(ctx context.Context, out *Outbound) (*wire.Message, []*RecipientError, error) {
	bundles, skipped := b.ResolveRecipients(ctx, out.Recipients)
	if len(bundles) == 0 && len(out.Recipients) > 0 {
		errs := make([]error, 0, len(skipped))
		for _, re := range skipped {
			errs = append(errs, re)
		}
		return nil, skipped, fmt.Errorf("%w: %w", ErrNoRecipients, errors.Join(errs...))
	}

	var key *ContentKey
	var ciphertext content.Reference
	if out.Payload != nil {
		var err error
		key, err = NewContentKey()
		if err != nil {
			return nil, skipped, err
		}
		ciphertext, err = out.Payload.DuplicateFiltered(key.EncryptFilter())
		if err != nil {
			return nil, skipped, fmt.Errorf("encrypt payload: %w", err)
		}
	}

	msg, certErrs, err := b.SealPrepared(out, bundles, key, ciphertext)
	skipped = append(skipped, certErrs...)
	if err != nil && ciphertext != nil {
		// Seal failed after the ciphertext was produced; delete it here
		// since no caller will ever own it.
		if delErr := ciphertext.Delete(); delErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Seal",
				"id":       out.ID.String(),
				"error":    delErr.Error(),
			}).Warn("Failed to delete orphaned ciphertext")
		}
	}
	return msg, skipped, err
}

// SealPrepared assembles the wire message from already-resolved bundles
// and an already-encrypted payload. The send pipeline uses this form so
// that resolution and payload encryption can run as parallel stages.
// Certificate failures are per-recipient; the seal fails only when no
// recipients survive.
func (b *Builder) SealPrepared(out *Outbound, bundles map[string]*resolve.Bundle, key *ContentKey, ciphertext content.Reference) (*wire.Message, []*RecipientError, error) {
	if out.Payload != nil && key == nil {
		return nil, nil, errors.New("payload present without content key")
	}

	msg := &wire.Message{
		ID:         out.ID,
		Kind:       out.Kind,
		Sender:     b.identity.Alias,
		ChatID:     out.ChatID,
		Metadata:   out.Metadata,
		Ciphertext: ciphertext,
	}

	var keyBytes []byte
	if key != nil {
		keyBytes = key.Bytes()
	}

	var certErrs []*RecipientError
	for _, alias := range out.Recipients {
		bundle, ok := bundles[alias]
		if !ok {
			continue
		}
		env, err := b.envelopeFor(out, alias, bundle.EncryptionCert, keyBytes)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SealPrepared",
				"id":       out.ID.String(),
				"alias":    alias,
				"error":    err.Error(),
			}).Warn("Skipping recipient with invalid certificate")
			certErrs = append(certErrs, &RecipientError{Alias: alias, Err: err})
			continue
		}
		msg.Envelopes = append(msg.Envelopes, *env)
	}
	if len(msg.Envelopes) == 0 && len(out.Recipients) > 0 {
		return nil, certErrs, ErrNoRecipients
	}

	// CC envelope: the same key wrapped under the sender's own public key
	// so other devices of this identity can decrypt the sent message.
	if key != nil {
		cc, err := b.ccEnvelope(out, keyBytes)
		if err != nil {
			return nil, certErrs, fmt.Errorf("seal CC envelope: %w", err)
		}
		msg.Envelopes = append(msg.Envelopes, *cc)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "SealPrepared",
		"id":        out.ID.String(),
		"kind":      out.Kind.String(),
		"envelopes": len(msg.Envelopes),
	}).Debug("Message sealed")
	return msg, certErrs, nil
}

// envelopeFor wraps the key for one recipient and signs the envelope.
func (b *Builder) envelopeFor(out *Outbound, alias string, certDER, keyBytes []byte) (*wire.Envelope, error) {
	var encryptedKey []byte
	if keyBytes != nil {
		pub, err := b.trust.Validate(certDER, b.anchors)
		if err != nil {
			return nil, err
		}
		encryptedKey, err = wrapKey(pub, keyBytes)
		if err != nil {
			return nil, fmt.Errorf("wrap key: %w", err)
		}
	}
	signature, err := sign(b.identity.SigningKey,
		wire.SignableBytes(out.ID, out.Kind, b.identity.Alias, alias, out.ChatID, encryptedKey))
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return &wire.Envelope{
		Recipient:         alias,
		EncryptedKey:      encryptedKey,
		Signature:         signature,
		SenderFingerprint: b.identity.Fingerprint,
	}, nil
}

// ccEnvelope wraps the key under the sender's own public key.
func (b *Builder) ccEnvelope(out *Outbound, keyBytes []byte) (*wire.Envelope, error) {
	pub, ok := b.identity.DecryptionKey.Public().(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("identity decryption key is not RSA")
	}
	encryptedKey, err := wrapKey(pub, keyBytes)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	signature, err := sign(b.identity.SigningKey,
		wire.SignableBytes(out.ID, out.Kind, b.identity.Alias, b.identity.Alias, out.ChatID, encryptedKey))
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return &wire.Envelope{
		Recipient:         b.identity.Alias,
		EncryptedKey:      encryptedKey,
		Signature:         signature,
		SenderFingerprint: b.identity.Fingerprint,
	}, nil
}
