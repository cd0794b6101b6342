package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/courier/content"
)

// Kind identifies the type of a wire message. The set is closed; decoding
// an unknown kind fails with ErrUnknownKind.
type Kind uint8

const (
	// KindContent is a standard payload-carrying message.
	KindContent Kind = iota
	// KindDelete asks peers to tombstone a previously sent message.
	KindDelete
	// KindClarify signals that the recipient did not understand a message.
	KindClarify
	// KindEnter announces that the sender entered a chat.
	KindEnter
	// KindExit announces that the sender left a chat.
	KindExit
	// KindViewReceipt reports that a message was viewed.
	KindViewReceipt
	// KindDeliveryReceipt reports that a message was delivered.
	KindDeliveryReceipt
	// KindDeviceAuthorize authorizes an additional device for an identity.
	KindDeviceAuthorize
)

// String returns a stable kind name.
func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindDelete:
		return "delete"
	case KindClarify:
		return "clarify"
	case KindEnter:
		return "enter"
	case KindExit:
		return "exit"
	case KindViewReceipt:
		return "view-receipt"
	case KindDeliveryReceipt:
		return "delivery-receipt"
	case KindDeviceAuthorize:
		return "device-authorize"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// HasPayload reports whether messages of this kind carry an encrypted
// payload. System and receipt kinds do not, and skip symmetric key
// generation entirely.
func (k Kind) HasPayload() bool { return k == KindContent }

// Envelope wraps a message's symmetric key for one recipient, together
// with the sender's signature over the envelope's identifying fields.
// EncryptedKey is nil for kinds without a payload.
type Envelope struct {
	Recipient         string
	EncryptedKey      []byte
	Signature         []byte
	SenderFingerprint []byte
}

// Message is the unit handed to and received from the message service.
// Ciphertext is nil for system messages; for large payloads it is
// transferred out-of-band and referenced, never inlined.
type Message struct {
	ID         uuid.UUID
	Kind       Kind
	Sender     string
	Envelopes  []Envelope
	ChatID     string
	Metadata   map[string]string
	Ciphertext content.Reference
}

// EnvelopeFor returns the envelope addressed to alias, if any.
func (m *Message) EnvelopeFor(alias string) (*Envelope, bool) {
	for i := range m.Envelopes {
		if m.Envelopes[i].Recipient == alias {
			return &m.Envelopes[i], true
		}
	}
	return nil, false
}

// Header summarizes a waiting message as returned by the fetch-waiting
// RPC, before the full message is pulled.
type Header struct {
	ID     uuid.UUID
	Kind   Kind
	Sender string
	Size   int64
}

// SignableBytes produces the canonical byte encoding of the fields each
// envelope signature covers: id, kind, sender, recipient, chat id and the
// wrapped key. Variable-length fields are length-prefixed so no two field
// combinations encode identically.
func SignableBytes(id uuid.UUID, kind Kind, sender, recipient, chatID string, encryptedKey []byte) []byte {
	buf := make([]byte, 0, 64+len(sender)+len(recipient)+len(chatID)+len(encryptedKey))
	buf = append(buf, id[:]...)
	buf = append(buf, byte(kind))
	for _, field := range [][]byte{[]byte(sender), []byte(recipient), []byte(chatID), encryptedKey} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		buf = append(buf, n[:]...)
		buf = append(buf, field...)
	}
	return buf
}

// Timestamp formats server timestamps consistently in metadata.
func Timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// ParseTimestamp parses a metadata timestamp.
func ParseTimestamp(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
