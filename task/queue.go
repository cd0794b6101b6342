package task

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Queue schedules tasks. A single serial dispatch loop recomputes
// readiness whenever a dependency finishes; a small pool of workers
// executes ready tasks in parallel.
type Queue struct {
	mu        sync.Mutex
	tasks     []Task
	suspended bool
	stopped   bool

	excl   *ExclusivityController
	ready  chan Task
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// NewQueue creates a running queue with the given number of workers.
func NewQueue(workers int) *Queue {
	return newQueue(workers, false)
}

// NewSuspendedQueue creates a queue that accepts tasks but does not
// dispatch them until Resume is called. Groups use this to hold their
// children back until the group itself executes.
func NewSuspendedQueue(workers int) *Queue {
	return newQueue(workers, true)
}

func newQueue(workers int, suspended bool) *Queue {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		suspended: suspended,
		excl:      NewExclusivityController(),
		ready:     make(chan Task, 128),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		eg:        &errgroup.Group{},
	}
	q.eg.Go(q.dispatch)
	for i := 0; i < workers; i++ {
		q.eg.Go(q.work)
	}
	return q
}

// Add enqueues a task. Condition-injected dependencies are generated and
// enqueued here, and exclusivity categories are registered in enqueue
// order. Adding the same task twice is a programming error.
func (q *Queue) Add(t Task) {
	b := t.base()
	b.bindSelf(t)

	for _, c := range t.Conditions() {
		if dp, ok := c.(DependencyProvider); ok {
			if dep := dp.DependencyFor(t); dep != nil {
				t.AddDependency(dep)
				q.Add(dep)
			}
		}
		if ex, ok := c.(Exclusive); ok {
			if key := ex.ExclusivityKey(); key != "" {
				q.excl.Register(key, t)
			}
		}
	}

	t.AddObserver(&queueObserver{q: q})
	b.advance(StatePending)

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		t.Cancel()
		return
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"task":     t.Name(),
	}).Debug("Task enqueued")
	q.wakeUp()
}

// Suspend pauses dispatch. Executing tasks keep running.
func (q *Queue) Suspend() {
	q.mu.Lock()
	q.suspended = true
	q.mu.Unlock()
}

// Resume restarts dispatch after a Suspend.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.suspended = false
	q.mu.Unlock()
	q.wakeUp()
}

// CancelAll cancels every task still tracked by the queue.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	tasks := make([]Task, len(q.tasks))
	copy(tasks, q.tasks)
	q.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

// Stop shuts the queue down and waits for its workers to exit. Pending
// tasks are cancelled; executing tasks are flagged but not waited for.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.CancelAll()
	q.cancel()
	_ = q.eg.Wait()
}

func (q *Queue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch is the serial readiness loop.
func (q *Queue) dispatch() error {
	for {
		select {
		case <-q.ctx.Done():
			return nil
		case <-q.wake:
		}
		q.mu.Lock()
		if q.suspended || q.stopped {
			q.mu.Unlock()
			continue
		}
		pending := make([]Task, len(q.tasks))
		copy(pending, q.tasks)
		q.mu.Unlock()

		for _, t := range pending {
			q.consider(t)
		}
	}
}

// consider promotes a pending task whose dependencies have all finished:
// conditions are evaluated once, and the task either becomes ready or is
// finished with the aggregated condition errors without executing.
func (q *Queue) consider(t Task) {
	if t.State() != StatePending {
		return
	}
	for _, dep := range t.Dependencies() {
		if dep.State() != StateFinished {
			return
		}
	}

	b := t.base()
	if !b.tryAdvance(StatePending, StateEvaluatingConditions) {
		return
	}

	var condErrs []error
	for _, c := range t.Conditions() {
		if err := c.Evaluate(t); err != nil {
			condErrs = append(condErrs, err)
		}
	}
	if len(condErrs) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "consider",
			"task":     t.Name(),
			"errors":   len(condErrs),
		}).Debug("Task failed condition evaluation")
		t.Finish(condErrs...)
		return
	}

	if !b.tryAdvance(StateEvaluatingConditions, StateReady) {
		return
	}
	select {
	case q.ready <- t:
	default:
		// Ready backlog full; hand off without blocking the dispatch loop.
		go func() {
			select {
			case q.ready <- t:
			case <-q.ctx.Done():
			}
		}()
	}
}

func (q *Queue) work() error {
	for {
		select {
		case <-q.ctx.Done():
			return nil
		case t := <-q.ready:
			if !t.base().tryStartExecuting() {
				continue
			}
			t.Execute()
		}
	}
}

// queueObserver removes finished tasks from the queue's tracking list and
// wakes the dispatch loop so dependents get reconsidered.
type queueObserver struct {
	q *Queue
}

func (o *queueObserver) TaskStarted(Task) {}

func (o *queueObserver) TaskFinished(t Task, errs []error) {
	o.q.mu.Lock()
	for i, tracked := range o.q.tasks {
		if tracked == t {
			o.q.tasks = append(o.q.tasks[:i], o.q.tasks[i+1:]...)
			break
		}
	}
	o.q.mu.Unlock()

	for _, c := range t.Conditions() {
		if ex, ok := c.(Exclusive); ok {
			if key := ex.ExclusivityKey(); key != "" {
				o.q.excl.release(key, t)
			}
		}
	}

	if len(errs) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "TaskFinished",
			"task":     t.Name(),
			"errors":   len(errs),
		}).Debug("Task finished with errors")
	}
	o.q.wakeUp()
}
