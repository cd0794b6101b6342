package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/envelope"
	"github.com/opd-ai/courier/lifecycle"
	"github.com/opd-ai/courier/task"
	"github.com/opd-ai/courier/transport"
	"github.com/opd-ai/courier/wire"
)

// PollOnce lists messages waiting on the server and enqueues a receive
// task for each. It returns the number of messages enqueued.
func (e *Engine) PollOnce(ctx context.Context) (int, error) {
	headers, err := e.cfg.Service.FetchWaiting(ctx)
	if err != nil {
		if transport.IsAuthenticationError(err) {
			e.refreshToken()
		}
		return 0, err
	}
	for _, h := range headers {
		header := h
		e.queue.Add(task.NewFunc("receive "+header.ID.String(), func() error {
			return e.receive(header)
		}))
	}
	return len(headers), nil
}

// receive fetches, opens and applies one inbound message, then acks it.
// Malformed messages are logged and dropped; they are still acked so the
// server stops redelivering them.
func (e *Engine) receive(h wire.Header) error {
	msg, err := e.cfg.Service.Fetch(e.ctx, h.ID)
	if err != nil {
		if transport.IsAuthenticationError(err) {
			e.refreshToken()
		}
		return err
	}

	// Large payloads are not inlined in the RPC response; pull the
	// ciphertext over HTTP.
	if msg.Kind.HasPayload() && msg.Ciphertext == nil && e.cfg.Downloader != nil {
		info, ref, err := e.cfg.Downloader.Download(e.ctx, h.ID)
		if err != nil {
			return err
		}
		if info.ID != h.ID {
			ref.Delete()
			return fmt.Errorf("downloaded payload id %s does not match %s", info.ID, h.ID)
		}
		msg.Ciphertext = ref
	}

	if err := e.process(msg); err != nil {
		switch {
		case envelope.IsProtocolError(err):
			logrus.WithFields(logrus.Fields{
				"function": "receive",
				"id":       h.ID.String(),
				"error":    err.Error(),
			}).Warn("Dropping malformed inbound message")
		case errors.Is(err, lifecycle.ErrNotFound):
			// A receipt or clarify whose target no longer exists locally,
			// e.g. a stale receipt after a purge. Redelivery cannot fix it,
			// so it still gets acked.
			logrus.WithFields(logrus.Fields{
				"function": "receive",
				"id":       h.ID.String(),
				"error":    err.Error(),
			}).Debug("Dropping message targeting an unknown local message")
		default:
			return err
		}
	}
	return e.cfg.Service.Ack(e.ctx, h.ID, time.Now())
}

// process verifies, decrypts and classifies an inbound message, applying
// its side effects through the ledger.
func (e *Engine) process(msg *wire.Message) error {
	if msg.Ciphertext != nil {
		defer func() {
			if err := msg.Ciphertext.Delete(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "process",
					"id":       msg.ID.String(),
					"error":    err.Error(),
				}).Warn("Failed to delete inbound ciphertext")
			}
		}()
	}

	tombstoned, err := e.cfg.Ledger.IsTombstoned(e.ctx, msg.ID)
	if err != nil {
		return err
	}
	if tombstoned {
		logrus.WithFields(logrus.Fields{
			"function": "process",
			"id":       msg.ID.String(),
		}).Debug("Dropping delivery for tombstoned message")
		return nil
	}

	in, err := e.opener.Open(e.ctx, msg)
	if err != nil {
		return err
	}

	switch in.Kind {
	case wire.KindContent:
		return e.applyContent(in)
	case wire.KindDelete, wire.KindClarify, wire.KindViewReceipt, wire.KindDeliveryReceipt:
		body, err := wire.DecodeBody(msg)
		if err != nil {
			return &envelope.ProtocolError{Reason: "decode body", Err: err}
		}
		return e.applyBody(in, body)
	case wire.KindEnter:
		return e.cfg.Ledger.RecipientEntered(e.ctx, in.ChatID, in.Sender)
	case wire.KindExit:
		return e.cfg.Ledger.RecipientExited(e.ctx, in.ChatID, in.Sender)
	case wire.KindDeviceAuthorize:
		body, err := wire.DecodeBody(msg)
		if err != nil {
			return &envelope.ProtocolError{Reason: "decode body", Err: err}
		}
		if auth, ok := body.(wire.DeviceAuthorizeBody); ok {
			e.mu.Lock()
			fn := e.deviceAuthorize
			e.mu.Unlock()
			if fn != nil {
				fn(auth.DeviceID)
			}
		}
		return nil
	default:
		return &envelope.ProtocolError{Reason: fmt.Sprintf("unhandled kind %s", in.Kind)}
	}
}

// applyContent persists an inbound content message, moves its payload
// into the blob store and sends the automatic receipts.
func (e *Engine) applyContent(in *envelope.Inbound) error {
	row := &lifecycle.Message{
		ID:     in.ID,
		ChatID: in.ChatID,
		Sender: in.Sender,
		SentAt: time.Now(),
	}
	if ts, ok := in.Metadata["sentAt"]; ok {
		if parsed, err := wire.ParseTimestamp(ts); err == nil {
			row.SentAt = parsed
		}
	}

	if in.Payload != nil {
		blob, err := e.storePayload(in)
		if err != nil {
			return err
		}
		row.PayloadBlob = blob
	}

	if err := e.cfg.Ledger.RecordInbound(e.ctx, row); err != nil {
		return err
	}

	e.mu.Lock()
	fn := e.msgReceived
	e.mu.Unlock()
	if fn != nil {
		fn(in)
	}

	e.SendSystem(wire.DeliveryReceiptBody{Target: in.ID}, in.ChatID, []string{in.Sender})
	// A message arriving into the chat on screen counts as viewed
	// immediately.
	if e.cfg.Ledger.IsChatForeground(in.ChatID) {
		e.SendSystem(wire.ViewReceiptBody{Target: in.ID, ViewedAt: time.Now()},
			in.ChatID, []string{in.Sender})
	}
	return nil
}

// storePayload copies the decrypted payload into the blob store and
// deletes the temporary reference.
func (e *Engine) storePayload(in *envelope.Inbound) (int64, error) {
	if e.cfg.Blobs == nil {
		return 0, nil
	}
	reader, err := in.Payload.Open()
	if err != nil {
		return 0, err
	}
	blob, putErr := e.cfg.Blobs.Put(reader)
	closeErr := reader.Close()
	if err := in.Payload.Delete(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "storePayload",
			"id":       in.ID.String(),
			"error":    err.Error(),
		}).Warn("Failed to delete decrypted payload temp file")
	}
	if putErr != nil {
		return 0, putErr
	}
	if closeErr != nil && closeErr != io.EOF {
		return 0, closeErr
	}
	return blob.ID(), nil
}

// applyBody applies a targeted system message.
func (e *Engine) applyBody(in *envelope.Inbound, body wire.Body) error {
	switch b := body.(type) {
	case wire.DeleteBody:
		return e.cfg.Ledger.Tombstone(e.ctx, b.Target, in.ChatID)
	case wire.ClarifyBody:
		return e.cfg.Ledger.Clarify(e.ctx, b.Target)
	case wire.ViewReceiptBody:
		if err := e.cfg.Ledger.MarkViewed(e.ctx, b.Target); err != nil {
			return err
		}
		e.cfg.Ledger.ClearChatNotifications(in.ChatID)
		return nil
	case wire.DeliveryReceiptBody:
		return e.cfg.Ledger.MarkDelivered(e.ctx, b.Target)
	default:
		return &envelope.ProtocolError{Reason: fmt.Sprintf("unexpected body for kind %s", in.Kind)}
	}
}
