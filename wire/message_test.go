package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindHasPayload(t *testing.T) {
	assert.True(t, KindContent.HasPayload())
	for _, k := range []Kind{KindDelete, KindClarify, KindEnter, KindExit,
		KindViewReceipt, KindDeliveryReceipt, KindDeviceAuthorize} {
		assert.False(t, k.HasPayload(), k.String())
	}
}

func TestEnvelopeFor(t *testing.T) {
	msg := &Message{
		Envelopes: []Envelope{
			{Recipient: "alice"},
			{Recipient: "bob"},
		},
	}

	env, ok := msg.EnvelopeFor("bob")
	require.True(t, ok)
	assert.Equal(t, "bob", env.Recipient)

	_, ok = msg.EnvelopeFor("carol")
	assert.False(t, ok)
}

func TestSignableBytesBindsEveryField(t *testing.T) {
	id := uuid.New()
	base := SignableBytes(id, KindContent, "alice", "bob", "chat-1", []byte{1, 2, 3})

	variants := [][]byte{
		SignableBytes(uuid.New(), KindContent, "alice", "bob", "chat-1", []byte{1, 2, 3}),
		SignableBytes(id, KindDelete, "alice", "bob", "chat-1", []byte{1, 2, 3}),
		SignableBytes(id, KindContent, "eve", "bob", "chat-1", []byte{1, 2, 3}),
		SignableBytes(id, KindContent, "alice", "eve", "chat-1", []byte{1, 2, 3}),
		SignableBytes(id, KindContent, "alice", "bob", "chat-2", []byte{1, 2, 3}),
		SignableBytes(id, KindContent, "alice", "bob", "chat-1", []byte{9}),
	}
	for i, v := range variants {
		assert.NotEqual(t, base, v, "variant %d must change the signable bytes", i)
	}
}

func TestSignableBytesLengthPrefixPreventsSplicing(t *testing.T) {
	id := uuid.New()
	// "ab"+"c" vs "a"+"bc" must not collide.
	a := SignableBytes(id, KindContent, "ab", "c", "chat", nil)
	b := SignableBytes(id, KindContent, "a", "bc", "chat", nil)
	assert.NotEqual(t, a, b)
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	parsed, err := ParseTimestamp(Timestamp(now))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}
