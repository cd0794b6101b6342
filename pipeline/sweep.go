package pipeline

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/content"
	"github.com/opd-ai/courier/envelope"
	"github.com/opd-ai/courier/lifecycle"
	"github.com/opd-ai/courier/wire"
)

// Sweep re-enqueues interrupted sends: every Unsent message, and every
// message still marked Sending without a live task or transfer. It runs
// on connectivity restore and on activation. Returns the number of sends
// re-enqueued.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	unsent, err := e.cfg.Ledger.Unsent(ctx)
	if err != nil {
		return 0, err
	}
	stuck, err := e.cfg.Ledger.Stuck(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range unsent {
		if e.Inflight(m.ID) {
			continue
		}
		if err := e.resend(ctx, m); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Sweep",
				"id":       m.ID.String(),
				"error":    err.Error(),
			}).Warn("Failed to re-enqueue unsent message")
			continue
		}
		count++
	}
	for _, m := range stuck {
		if e.Inflight(m.ID) {
			continue
		}
		// Sending with no live task means the process died mid-send.
		// Knock the status back so BeginSend accepts the re-entry.
		reachable := e.cfg.Reachability == nil || e.cfg.Reachability.Reachable()
		if err := e.cfg.Ledger.MarkFailed(ctx, m.ID, reachable); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Sweep",
				"id":       m.ID.String(),
				"error":    err.Error(),
			}).Warn("Failed to settle interrupted send")
			continue
		}
		if err := e.resend(ctx, m); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Sweep",
				"id":       m.ID.String(),
				"error":    err.Error(),
			}).Warn("Failed to re-enqueue interrupted send")
			continue
		}
		count++
	}

	if count > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"resent":   count,
		}).Info("Re-enqueued interrupted sends")
	}
	return count, nil
}

// resend rebuilds an outbound send from the persisted message row.
func (e *Engine) resend(ctx context.Context, m *lifecycle.Message) error {
	recipients, err := e.cfg.Ledger.ChatRecipients(ctx, m.ChatID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			return errors.New("chat no longer exists")
		}
		return err
	}

	var payload content.Reference
	if m.PayloadBlob != 0 && e.cfg.Blobs != nil {
		ref, err := e.cfg.Blobs.Acquire(m.PayloadBlob)
		if err != nil {
			return err
		}
		payload = ref
	}

	out := &envelope.Outbound{
		ID:         m.ID,
		Kind:       wire.KindContent,
		ChatID:     m.ChatID,
		Recipients: recipients,
		Payload:    payload,
	}
	_, err = e.SendMessage(ctx, out)
	if err != nil && payload != nil {
		payload.Delete()
	}
	return err
}
