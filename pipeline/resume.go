package pipeline

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/task"
	"github.com/opd-ai/courier/wire"
)

// resumedUpload is the tail of a send whose upload survived a process
// restart in the OS background session. The envelopes went out over the
// RPC before the upload began, so the transfer's outcome is the only
// thing left to settle the message status on; the resolve, encrypt and
// build stages are not repeated because their work already left the
// device.
type resumedUpload struct {
	*task.Base
	e    *Engine
	info wire.Info
	done <-chan error
}

// ResumeUpload enqueues a task that adopts a still-running background
// upload for the message described by info. The task stays Executing
// until an outcome arrives on done, then advances the message to Sent or
// settles it as failed. The message is marked in-flight so the sweep
// leaves it alone meanwhile.
func (e *Engine) ResumeUpload(info wire.Info, done <-chan error) task.Task {
	t := &resumedUpload{
		Base: task.NewBase("resume-upload " + info.ID.String()),
		e:    e,
		info: info,
		done: done,
	}
	e.MarkInflight(info.ID)
	e.queue.Add(t)
	logrus.WithFields(logrus.Fields{
		"function": "ResumeUpload",
		"id":       info.ID.String(),
	}).Info("Adopted background upload")
	return t
}

// Execute hands off to a waiter goroutine; the task remains Executing
// until the transfer completes or the engine shuts down.
func (t *resumedUpload) Execute() {
	go t.await()
}

func (t *resumedUpload) await() {
	defer t.e.ClearInflight(t.info.ID)

	select {
	case err := <-t.done:
		if err == nil {
			if mErr := t.e.cfg.Ledger.MarkSent(t.e.ctx, t.info.ID, time.Now()); mErr != nil {
				t.Finish(mErr)
				return
			}
			t.Finish()
			return
		}
		reachable := t.e.cfg.Reachability == nil || t.e.cfg.Reachability.Reachable()
		if mErr := t.e.cfg.Ledger.MarkFailed(t.e.ctx, t.info.ID, reachable); mErr != nil {
			t.Finish(err, mErr)
			return
		}
		t.Finish(err)
	case <-t.e.ctx.Done():
		t.Finish(task.ErrCancelled)
	}
}
