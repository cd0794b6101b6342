package task

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Retry wraps a task generator and re-invokes it on failure until an
// attempt succeeds, a non-retryable error appears, or maxAttempts is
// exhausted. Errors from every failed attempt accumulate into the
// wrapper's own errors. Cancelling the wrapper passes through to the
// attempt currently in flight.
type Retry struct {
	*Base
	queue        *Queue
	generate     func() Task
	maxAttempts  int
	nonRetryable func(error) bool
	schedule     backoff.BackOff

	mu2      sync.Mutex
	current  Task
	timer    *time.Timer
	attempt  int
	attempts []error
}

// NewRetry creates a retry wrapper executing generated tasks on queue.
// nonRetryable may be nil, in which case every error is retryable.
func NewRetry(name string, queue *Queue, maxAttempts int, nonRetryable func(error) bool, generate func() Task) *Retry {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	r := &Retry{
		Base:         NewBase(name),
		queue:        queue,
		generate:     generate,
		maxAttempts:  maxAttempts,
		nonRetryable: nonRetryable,
		schedule:     backoff.NewExponentialBackOff(),
	}
	r.bindSelf(r)
	return r
}

// SetBackOff overrides the delay schedule between attempts. Tests use
// backoff.ZeroBackOff for determinism.
func (r *Retry) SetBackOff(b backoff.BackOff) {
	r.mu2.Lock()
	r.schedule = b
	r.mu2.Unlock()
}

// Current returns the attempt task currently in flight, for cancellation
// pass-through and inspection.
func (r *Retry) Current() Task {
	r.mu2.Lock()
	defer r.mu2.Unlock()
	return r.current
}

// Attempts returns the number of attempts launched so far.
func (r *Retry) Attempts() int {
	r.mu2.Lock()
	defer r.mu2.Unlock()
	return r.attempt
}

// Execute launches the first attempt.
func (r *Retry) Execute() {
	r.schedule.Reset()
	r.launch()
}

// Cancel cancels the in-flight attempt, stops any pending retry delay,
// and cancels the wrapper itself.
func (r *Retry) Cancel() {
	r.mu2.Lock()
	current := r.current
	timer := r.timer
	r.timer = nil
	accumulated := make([]error, len(r.attempts))
	copy(accumulated, r.attempts)
	r.mu2.Unlock()

	if current != nil {
		current.Cancel()
	}
	r.Base.Cancel()
	if timer != nil && timer.Stop() {
		// Cancelled while waiting between attempts: nothing in flight will
		// ever call Finish, so finish here.
		r.Finish(append(accumulated, ErrCancelled)...)
	}
}

func (r *Retry) launch() {
	if r.Cancelled() {
		r.mu2.Lock()
		accumulated := make([]error, len(r.attempts))
		copy(accumulated, r.attempts)
		r.mu2.Unlock()
		r.Finish(append(accumulated, ErrCancelled)...)
		return
	}

	r.mu2.Lock()
	r.attempt++
	attempt := r.attempt
	t := r.generate()
	r.current = t
	r.mu2.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "launch",
		"task":     r.Name(),
		"attempt":  attempt,
		"max":      r.maxAttempts,
	}).Debug("Launching retry attempt")

	t.AddObserver(&retryObserver{r: r})
	r.queue.Add(t)
}

type retryObserver struct {
	r *Retry
}

func (o *retryObserver) TaskStarted(Task) {}

func (o *retryObserver) TaskFinished(t Task, errs []error) {
	r := o.r

	if len(errs) == 0 {
		r.Finish()
		return
	}

	r.mu2.Lock()
	r.attempts = append(r.attempts, errs...)
	accumulated := make([]error, len(r.attempts))
	copy(accumulated, r.attempts)
	attempt := r.attempt
	r.mu2.Unlock()

	if r.Cancelled() {
		r.Finish(accumulated...)
		return
	}
	if r.nonRetryable != nil {
		for _, err := range errs {
			if r.nonRetryable(err) {
				logrus.WithFields(logrus.Fields{
					"function": "TaskFinished",
					"task":     r.Name(),
					"attempt":  attempt,
					"error":    err.Error(),
				}).Debug("Non-retryable error, aborting retries")
				r.Finish(accumulated...)
				return
			}
		}
	}
	if attempt >= r.maxAttempts {
		logrus.WithFields(logrus.Fields{
			"function": "TaskFinished",
			"task":     r.Name(),
			"attempts": attempt,
		}).Debug("Retry attempts exhausted")
		r.Finish(accumulated...)
		return
	}

	r.mu2.Lock()
	delay := r.schedule.NextBackOff()
	if delay == backoff.Stop {
		delay = 0
	}
	r.timer = time.AfterFunc(delay, r.launch)
	r.mu2.Unlock()
}
