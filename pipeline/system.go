package pipeline

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/envelope"
	"github.com/opd-ai/courier/task"
	"github.com/opd-ai/courier/transport"
	"github.com/opd-ai/courier/wire"
)

// SendSystem seals and transmits a payloadless system message, fire and
// forget: failures are logged, never retried and never persisted.
func (e *Engine) SendSystem(body wire.Body, chatID string, recipients []string) task.Task {
	id := uuid.New()

	meta := &wire.Message{Kind: body.Kind()}
	if err := wire.EncodeBody(meta, body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendSystem",
			"kind":     body.Kind().String(),
			"error":    err.Error(),
		}).Error("Failed to encode system message body")
		return nil
	}

	out := &envelope.Outbound{
		ID:         id,
		Kind:       body.Kind(),
		ChatID:     chatID,
		Recipients: recipients,
		Metadata:   meta.Metadata,
	}

	t := task.NewFunc("system "+body.Kind().String()+" "+id.String(), func() error {
		msg, _, err := e.builder.Seal(e.ctx, out)
		if err != nil {
			return err
		}
		if _, err := e.cfg.Service.Send(e.ctx, msg); err != nil {
			if transport.IsAuthenticationError(err) {
				e.refreshToken()
			}
			return err
		}
		return nil
	})
	t.AddObserver(logFailureObserver{kind: body.Kind()})
	e.queue.Add(t)
	return t
}

// logFailureObserver logs fire-and-forget failures.
type logFailureObserver struct {
	kind wire.Kind
}

func (logFailureObserver) TaskStarted(task.Task) {}

func (o logFailureObserver) TaskFinished(t task.Task, errs []error) {
	if len(errs) == 0 {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "SendSystem",
		"task":     t.Name(),
		"kind":     o.kind.String(),
		"errors":   len(errs),
	}).Warn("System message send failed")
}
