package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/content"
	"github.com/opd-ai/courier/envelope"
	"github.com/opd-ai/courier/lifecycle"
	"github.com/opd-ai/courier/resolve"
	"github.com/opd-ai/courier/task"
	"github.com/opd-ai/courier/transport"
	"github.com/opd-ai/courier/wire"
)

// sendState is shared between the stages of one send. The ciphertext is
// produced once and reused across retry attempts.
type sendState struct {
	mu         sync.Mutex
	out        *envelope.Outbound
	bundles    map[string]*resolve.Bundle
	key        *envelope.ContentKey
	ciphertext content.Reference
	msg        *wire.Message
	serverTime time.Time
}

// SendMessage persists the message as Sending and enqueues the send
// graph: recipient resolution and payload encryption run in parallel,
// then the envelope is sealed and transmitted, with bounded retries.
// A finishing stage advances the final status whatever the outcome.
// Sends within one chat are serialized in enqueue order.
//
// The engine takes ownership of out.Payload and releases it when the
// send settles.
func (e *Engine) SendMessage(ctx context.Context, out *envelope.Outbound) (task.Task, error) {
	row := &lifecycle.Message{
		ID:     out.ID,
		ChatID: out.ChatID,
		Sender: e.cfg.Identity.Alias,
		SentAt: time.Now(),
	}
	if blob, ok := out.Payload.(*content.BlobReference); ok {
		row.PayloadBlob = blob.ID()
	}
	if err := e.cfg.Ledger.BeginSend(ctx, row); err != nil {
		return nil, err
	}
	e.MarkInflight(out.ID)

	st := &sendState{out: out}
	retry := task.NewRetry("send "+out.ID.String(), e.queue, e.cfg.MaxSendAttempts,
		sendNonRetryable, func() task.Task { return e.sendAttempt(st) })
	retry.AddCondition(task.ExclusiveCondition{Key: "chat:" + out.ChatID})

	finish := task.NewFunc("send-finish "+out.ID.String(), func() error {
		return e.finishSend(st, retry.Errors())
	})
	finish.AddDependency(retry)

	e.queue.Add(finish)
	e.queue.Add(retry)
	return finish, nil
}

// sendAttempt builds one attempt's stage group.
func (e *Engine) sendAttempt(st *sendState) task.Task {
	id := st.out.ID.String()

	resolveTask := task.NewFunc("resolve "+id, func() error {
		bundles, skipped := e.builder.ResolveRecipients(e.ctx, st.out.Recipients)
		if len(bundles) == 0 && len(st.out.Recipients) > 0 {
			errs := make([]error, 0, len(skipped))
			for _, re := range skipped {
				errs = append(errs, re)
			}
			return fmt.Errorf("%w: %w", envelope.ErrNoRecipients, errors.Join(errs...))
		}
		st.mu.Lock()
		st.bundles = bundles
		st.mu.Unlock()
		return nil
	})

	encryptTask := task.NewFunc("encrypt "+id, func() error {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.out.Payload == nil || st.ciphertext != nil {
			return nil
		}
		key, err := envelope.NewContentKey()
		if err != nil {
			return err
		}
		ciphertext, err := st.out.Payload.DuplicateFiltered(key.EncryptFilter())
		if err != nil {
			return fmt.Errorf("encrypt payload: %w", err)
		}
		st.key = key
		st.ciphertext = ciphertext
		return nil
	})

	buildTask := task.NewFunc("build "+id, func() error {
		st.mu.Lock()
		defer st.mu.Unlock()
		msg, certErrs, err := e.builder.SealPrepared(st.out, st.bundles, st.key, st.ciphertext)
		for _, re := range certErrs {
			logrus.WithFields(logrus.Fields{
				"function": "sendAttempt",
				"id":       id,
				"alias":    re.Alias,
			}).Warn("Recipient skipped during seal")
		}
		if err != nil {
			return err
		}
		st.msg = msg
		return nil
	})
	buildTask.AddDependency(resolveTask)
	buildTask.AddDependency(encryptTask)
	buildTask.AddCondition(task.NoFailedDependencies())

	transmitTask := task.NewFunc("transmit "+id, func() error {
		return e.transmit(st)
	})
	transmitTask.AddDependency(buildTask)
	transmitTask.AddCondition(task.NoFailedDependencies())

	g := task.NewGroup("send-attempt "+id,
		resolveTask, encryptTask, buildTask, transmitTask)
	return g
}

// transmit ships the sealed message. Small payloads ride inline on the
// RPC. Large payloads split: the envelopes go over the RPC first, then
// the ciphertext body is uploaded as the send's final step, so a
// restart can adopt a surviving background upload and complete the send
// on the transfer outcome alone.
func (e *Engine) transmit(st *sendState) error {
	st.mu.Lock()
	msg := st.msg
	ciphertext := st.ciphertext
	st.mu.Unlock()

	var upload content.Reference
	var info wire.Info
	if ciphertext != nil {
		size, err := ciphertext.Size()
		if err != nil {
			return fmt.Errorf("size ciphertext: %w", err)
		}
		if size > e.cfg.UploadThreshold && e.cfg.Uploader != nil {
			upload = ciphertext
			info = wire.Info{
				ID:     msg.ID,
				Kind:   msg.Kind,
				Sender: msg.Sender,
				ChatID: msg.ChatID,
				Length: size,
			}
			// The server pairs the uploaded body with the message by id.
			msg.Ciphertext = nil
		}
	}

	serverTime, err := e.cfg.Service.Send(e.ctx, msg)
	if err != nil {
		if transport.IsAuthenticationError(err) {
			e.refreshToken()
		}
		return err
	}
	st.mu.Lock()
	st.serverTime = serverTime
	st.mu.Unlock()

	if upload != nil {
		if err := e.cfg.Uploader.Upload(e.ctx, info, upload); err != nil {
			if transport.IsAuthenticationError(err) {
				e.refreshToken()
			}
			return err
		}
	}
	return nil
}

// finishSend settles the message status after the retry chain and
// releases the resources this send owned. It runs regardless of outcome.
func (e *Engine) finishSend(st *sendState, errs []error) error {
	defer e.ClearInflight(st.out.ID)

	st.mu.Lock()
	ciphertext := st.ciphertext
	serverTime := st.serverTime
	payload := st.out.Payload
	st.mu.Unlock()

	if ciphertext != nil {
		if err := ciphertext.Delete(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "finishSend",
				"id":       st.out.ID.String(),
				"error":    err.Error(),
			}).Warn("Failed to delete ciphertext")
		}
	}
	if payload != nil {
		if err := payload.Delete(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "finishSend",
				"id":       st.out.ID.String(),
				"error":    err.Error(),
			}).Warn("Failed to release payload reference")
		}
	}

	if len(errs) == 0 {
		return e.cfg.Ledger.MarkSent(e.ctx, st.out.ID, serverTime)
	}

	reachable := e.cfg.Reachability == nil || e.cfg.Reachability.Reachable()
	logrus.WithFields(logrus.Fields{
		"function":  "finishSend",
		"id":        st.out.ID.String(),
		"errors":    len(errs),
		"reachable": reachable,
	}).Warn("Send failed after retries")
	return e.cfg.Ledger.MarkFailed(e.ctx, st.out.ID, reachable)
}

// sendNonRetryable classifies errors that no further attempt can fix.
// Network and authentication failures stay retryable; the token is
// refreshed before the next attempt.
func sendNonRetryable(err error) bool {
	return errors.Is(err, task.ErrCancelled) ||
		errors.Is(err, envelope.ErrNoRecipients) ||
		envelope.IsProtocolError(err)
}
