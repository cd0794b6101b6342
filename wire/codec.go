package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownKind indicates a message kind outside the closed set.
var ErrUnknownKind = errors.New("unknown message kind")

// Metadata keys used by the body codecs.
const (
	metaTarget   = "target"
	metaViewedAt = "viewed_at"
	metaDevice   = "device"
)

// Body is the typed payload of a system message, carried in the message
// metadata. Content messages have no Body; their payload travels as
// ciphertext.
type Body interface {
	Kind() Kind
}

// DeleteBody tombstones a previously delivered message.
type DeleteBody struct {
	Target uuid.UUID
}

// Kind implements Body.
func (DeleteBody) Kind() Kind { return KindDelete }

// ClarifyBody flags a message the recipient did not understand.
type ClarifyBody struct {
	Target uuid.UUID
}

// Kind implements Body.
func (ClarifyBody) Kind() Kind { return KindClarify }

// EnterBody announces chat entry.
type EnterBody struct{}

// Kind implements Body.
func (EnterBody) Kind() Kind { return KindEnter }

// ExitBody announces chat exit.
type ExitBody struct{}

// Kind implements Body.
func (ExitBody) Kind() Kind { return KindExit }

// ViewReceiptBody reports that Target was viewed at ViewedAt.
type ViewReceiptBody struct {
	Target   uuid.UUID
	ViewedAt time.Time
}

// Kind implements Body.
func (ViewReceiptBody) Kind() Kind { return KindViewReceipt }

// DeliveryReceiptBody reports that Target was delivered.
type DeliveryReceiptBody struct {
	Target uuid.UUID
}

// Kind implements Body.
func (DeliveryReceiptBody) Kind() Kind { return KindDeliveryReceipt }

// DeviceAuthorizeBody authorizes an additional device for the sender's
// identity.
type DeviceAuthorizeBody struct {
	DeviceID string
}

// Kind implements Body.
func (DeviceAuthorizeBody) Kind() Kind { return KindDeviceAuthorize }

type bodyCodec struct {
	encode func(Body) (map[string]string, error)
	decode func(map[string]string) (Body, error)
}

func targetCodec(wrap func(uuid.UUID) Body) bodyCodec {
	return bodyCodec{
		encode: func(b Body) (map[string]string, error) {
			type targeted interface{ target() uuid.UUID }
			t, ok := b.(targeted)
			if !ok {
				return nil, fmt.Errorf("body %T has no target", b)
			}
			return map[string]string{metaTarget: t.target().String()}, nil
		},
		decode: func(meta map[string]string) (Body, error) {
			id, err := uuid.Parse(meta[metaTarget])
			if err != nil {
				return nil, fmt.Errorf("invalid target id: %w", err)
			}
			return wrap(id), nil
		},
	}
}

func (b DeleteBody) target() uuid.UUID          { return b.Target }
func (b ClarifyBody) target() uuid.UUID         { return b.Target }
func (b DeliveryReceiptBody) target() uuid.UUID { return b.Target }

var emptyCodec = bodyCodec{
	encode: func(Body) (map[string]string, error) { return map[string]string{}, nil },
	decode: func(map[string]string) (Body, error) { return nil, nil },
}

// codecs is the closed per-kind codec table. KindContent has no body
// codec; its absence from this table is deliberate.
var codecs = map[Kind]bodyCodec{
	KindDelete:  targetCodec(func(id uuid.UUID) Body { return DeleteBody{Target: id} }),
	KindClarify: targetCodec(func(id uuid.UUID) Body { return ClarifyBody{Target: id} }),
	KindEnter: {
		encode: emptyCodec.encode,
		decode: func(map[string]string) (Body, error) { return EnterBody{}, nil },
	},
	KindExit: {
		encode: emptyCodec.encode,
		decode: func(map[string]string) (Body, error) { return ExitBody{}, nil },
	},
	KindViewReceipt: {
		encode: func(b Body) (map[string]string, error) {
			vr, ok := b.(ViewReceiptBody)
			if !ok {
				return nil, fmt.Errorf("body %T is not a view receipt", b)
			}
			return map[string]string{
				metaTarget:   vr.Target.String(),
				metaViewedAt: Timestamp(vr.ViewedAt),
			}, nil
		},
		decode: func(meta map[string]string) (Body, error) {
			id, err := uuid.Parse(meta[metaTarget])
			if err != nil {
				return nil, fmt.Errorf("invalid target id: %w", err)
			}
			viewedAt, err := ParseTimestamp(meta[metaViewedAt])
			if err != nil {
				return nil, fmt.Errorf("invalid viewed_at: %w", err)
			}
			return ViewReceiptBody{Target: id, ViewedAt: viewedAt}, nil
		},
	},
	KindDeliveryReceipt: targetCodec(func(id uuid.UUID) Body { return DeliveryReceiptBody{Target: id} }),
	KindDeviceAuthorize: {
		encode: func(b Body) (map[string]string, error) {
			da, ok := b.(DeviceAuthorizeBody)
			if !ok {
				return nil, fmt.Errorf("body %T is not a device authorization", b)
			}
			return map[string]string{metaDevice: da.DeviceID}, nil
		},
		decode: func(meta map[string]string) (Body, error) {
			device := meta[metaDevice]
			if device == "" {
				return nil, errors.New("missing device id")
			}
			return DeviceAuthorizeBody{DeviceID: device}, nil
		},
	},
}

// EncodeBody writes b into the message's kind and metadata.
func EncodeBody(m *Message, b Body) error {
	codec, ok := codecs[b.Kind()]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownKind, b.Kind())
	}
	meta, err := codec.encode(b)
	if err != nil {
		return err
	}
	m.Kind = b.Kind()
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, len(meta))
	}
	for k, v := range meta {
		m.Metadata[k] = v
	}
	return nil
}

// DecodeBody extracts the typed system-message body from m. Content
// messages return a nil Body.
func DecodeBody(m *Message) (Body, error) {
	if m.Kind == KindContent {
		return nil, nil
	}
	codec, ok := codecs[m.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKind, m.Kind)
	}
	return codec.decode(m.Metadata)
}
