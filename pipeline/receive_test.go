package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/courier/content"
	"github.com/opd-ai/courier/envelope"
	"github.com/opd-ai/courier/lifecycle"
	"github.com/opd-ai/courier/wire"
)

func (r *testRig) deliverFromPeer(t *testing.T, msg *wire.Message) {
	t.Helper()
	r.service.mu.Lock()
	r.service.waiting = append(r.service.waiting, msg)
	r.service.mu.Unlock()

	n, err := r.engine.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func (r *testRig) waitAcked(t *testing.T, id uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r.service.mu.Lock()
		for _, acked := range r.service.acked {
			if acked == id {
				r.service.mu.Unlock()
				return
			}
		}
		r.service.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("message %s was never acked", id)
}

func TestReceiveContentMessage(t *testing.T) {
	rig := newTestRig(t, nil)

	var mu sync.Mutex
	var received []*envelope.Inbound
	rig.engine.OnMessageReceived(func(msg *envelope.Inbound) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	msg := rig.sealFromPeer(t, &envelope.Outbound{
		ID:         uuid.New(),
		Kind:       wire.KindContent,
		ChatID:     "chat-1",
		Recipients: []string{"alice"},
		Payload:    content.NewMemory([]byte("hi alice")),
	})
	rig.deliverFromPeer(t, msg)
	rig.waitAcked(t, msg.ID)

	stored, err := rig.ledger.Message(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", stored.Sender)
	assert.True(t, stored.Flags.Unread)
	require.NotZero(t, stored.PayloadBlob)

	// The payload landed in the blob store.
	size, err := rig.blobs.BlobSize(stored.PayloadBlob)
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, msg.ID, received[0].ID)

	// An automatic delivery receipt went back to the sender.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(rig.service.sentOfKind(wire.KindDeliveryReceipt)) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("delivery receipt was never sent")
}

func TestReceiveIntoForegroundChatSendsViewReceipt(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.foreground.set("chat-1", true)

	msg := rig.sealFromPeer(t, &envelope.Outbound{
		ID:         uuid.New(),
		Kind:       wire.KindContent,
		ChatID:     "chat-1",
		Recipients: []string{"alice"},
		Payload:    content.NewMemory([]byte("on screen")),
	})
	rig.deliverFromPeer(t, msg)
	rig.waitAcked(t, msg.ID)

	// The on-screen chat suppresses the unread flag.
	stored, err := rig.ledger.Message(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.False(t, stored.Flags.Unread)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(rig.service.sentOfKind(wire.KindViewReceipt)) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("view receipt was never sent")
}

func TestReceiveDeliveryReceiptAdvancesStatus(t *testing.T) {
	rig := newTestRig(t, nil)

	id, tk := rig.sendContent(t, []byte("outbound"))
	waitTask(t, tk)
	waitStatus(t, rig.ledger, id, lifecycle.StatusSent)

	receipt := &wire.Message{Kind: wire.KindDeliveryReceipt}
	require.NoError(t, wire.EncodeBody(receipt, wire.DeliveryReceiptBody{Target: id}))
	msg := rig.sealFromPeer(t, &envelope.Outbound{
		ID:         uuid.New(),
		Kind:       wire.KindDeliveryReceipt,
		ChatID:     "chat-1",
		Recipients: []string{"alice"},
		Metadata:   receipt.Metadata,
	})
	rig.deliverFromPeer(t, msg)
	rig.waitAcked(t, msg.ID)
	waitStatus(t, rig.ledger, id, lifecycle.StatusDelivered)
}

func TestReceiveReceiptForUnknownTargetIsAcked(t *testing.T) {
	rig := newTestRig(t, nil)

	// A stale receipt targeting a message this client never stored, e.g.
	// after a purge. It cannot be applied, but redelivering it cannot fix
	// that either.
	receipt := &wire.Message{Kind: wire.KindDeliveryReceipt}
	require.NoError(t, wire.EncodeBody(receipt, wire.DeliveryReceiptBody{Target: uuid.New()}))
	msg := rig.sealFromPeer(t, &envelope.Outbound{
		ID:         uuid.New(),
		Kind:       wire.KindDeliveryReceipt,
		ChatID:     "chat-1",
		Recipients: []string{"alice"},
		Metadata:   receipt.Metadata,
	})
	rig.deliverFromPeer(t, msg)
	rig.waitAcked(t, msg.ID)
}

func TestReceiveViewReceiptIsTerminal(t *testing.T) {
	rig := newTestRig(t, nil)

	id, tk := rig.sendContent(t, []byte("watched"))
	waitTask(t, tk)
	waitStatus(t, rig.ledger, id, lifecycle.StatusSent)

	view := &wire.Message{Kind: wire.KindViewReceipt}
	require.NoError(t, wire.EncodeBody(view,
		wire.ViewReceiptBody{Target: id, ViewedAt: time.Now()}))
	msg := rig.sealFromPeer(t, &envelope.Outbound{
		ID:         uuid.New(),
		Kind:       wire.KindViewReceipt,
		ChatID:     "chat-1",
		Recipients: []string{"alice"},
		Metadata:   view.Metadata,
	})
	rig.deliverFromPeer(t, msg)
	rig.waitAcked(t, msg.ID)
	waitStatus(t, rig.ledger, id, lifecycle.StatusViewed)
}

func TestReceiveDeleteTombstones(t *testing.T) {
	rig := newTestRig(t, nil)
	target := uuid.New()

	del := &wire.Message{Kind: wire.KindDelete}
	require.NoError(t, wire.EncodeBody(del, wire.DeleteBody{Target: target}))
	msg := rig.sealFromPeer(t, &envelope.Outbound{
		ID:         uuid.New(),
		Kind:       wire.KindDelete,
		ChatID:     "chat-1",
		Recipients: []string{"alice"},
		Metadata:   del.Metadata,
	})
	rig.deliverFromPeer(t, msg)
	rig.waitAcked(t, msg.ID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if deleted, _ := rig.ledger.IsTombstoned(context.Background(), target); deleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("target was never tombstoned")
}

func TestReceiveDropsTombstonedDuplicate(t *testing.T) {
	rig := newTestRig(t, nil)

	msgID := uuid.New()
	require.NoError(t, rig.ledger.Tombstone(context.Background(), msgID, "chat-1"))

	received := false
	rig.engine.OnMessageReceived(func(*envelope.Inbound) { received = true })

	msg := rig.sealFromPeer(t, &envelope.Outbound{
		ID:         msgID,
		Kind:       wire.KindContent,
		ChatID:     "chat-1",
		Recipients: []string{"alice"},
		Payload:    content.NewMemory([]byte("stale duplicate")),
	})
	rig.deliverFromPeer(t, msg)
	rig.waitAcked(t, msg.ID)
	assert.False(t, received)
}

func TestReceiveDropsTamperedMessageButAcks(t *testing.T) {
	rig := newTestRig(t, nil)

	received := false
	rig.engine.OnMessageReceived(func(*envelope.Inbound) { received = true })

	msg := rig.sealFromPeer(t, &envelope.Outbound{
		ID:         uuid.New(),
		Kind:       wire.KindContent,
		ChatID:     "chat-1",
		Recipients: []string{"alice"},
		Payload:    content.NewMemory([]byte("tampered")),
	})
	env, ok := msg.EnvelopeFor("alice")
	require.True(t, ok)
	env.Signature[0] ^= 0xff

	rig.deliverFromPeer(t, msg)
	// Still acked so the server stops redelivering.
	rig.waitAcked(t, msg.ID)
	assert.False(t, received)
}

func TestReceiveEnterUpdatesMembership(t *testing.T) {
	rig := newTestRig(t, nil)

	enter := &wire.Message{Kind: wire.KindEnter}
	require.NoError(t, wire.EncodeBody(enter, wire.EnterBody{}))
	msg := rig.sealFromPeer(t, &envelope.Outbound{
		ID:         uuid.New(),
		Kind:       wire.KindEnter,
		ChatID:     "chat-1",
		Recipients: []string{"alice"},
		Metadata:   enter.Metadata,
	})
	rig.deliverFromPeer(t, msg)
	rig.waitAcked(t, msg.ID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recipients, err := rig.ledger.ChatRecipients(context.Background(), "chat-1")
		if err == nil && len(recipients) == 1 && recipients[0] == "bob" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("membership never updated")
}
