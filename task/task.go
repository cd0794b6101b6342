package task

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// State represents the lifecycle state of a task.
type State uint8

const (
	// StateInitialized is the state of a freshly created task.
	StateInitialized State = iota
	// StatePending means the task has been enqueued and is waiting for
	// its dependencies to finish.
	StatePending
	// StateEvaluatingConditions means the task's conditions are being checked.
	StateEvaluatingConditions
	// StateReady means the task is eligible for execution.
	StateReady
	// StateExecuting means the task is running, or waiting on an
	// asynchronous callback to finish it.
	StateExecuting
	// StateFinishing means the task is recording its outcome.
	StateFinishing
	// StateFinished is the terminal state.
	StateFinished
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StatePending:
		return "pending"
	case StateEvaluatingConditions:
		return "evaluating"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Observer receives lifecycle notifications for a task.
type Observer interface {
	// TaskStarted is called when the task enters StateExecuting.
	TaskStarted(t Task)
	// TaskFinished is called exactly once when the task reaches
	// StateFinished, with the task's accumulated errors.
	TaskFinished(t Task, errs []error)
}

// Task is a unit of asynchronous work. Concrete tasks embed *Base and
// implement Execute. Execute must eventually lead to a call to Finish,
// either synchronously or from an asynchronous completion callback.
type Task interface {
	Name() string
	State() State
	Errors() []error
	Dependencies() []Task
	AddDependency(dep Task)
	Conditions() []Condition
	AddCondition(c Condition)
	AddObserver(o Observer)
	Cancel()
	Cancelled() bool
	Wait()
	Execute()
	Finish(errs ...error)

	base() *Base
}

// Base holds the shared state machinery for tasks. It implements every
// Task method except Execute.
type Base struct {
	mu         sync.Mutex
	self       Task
	name       string
	state      State
	conditions []Condition
	observers  []Observer
	deps       []Task
	errs       []error
	cancelled  bool
	done       chan struct{}
}

// NewBase creates the embeddable core of a task.
func NewBase(name string) *Base {
	return &Base{
		name: name,
		done: make(chan struct{}),
	}
}

func (b *Base) base() *Base { return b }

// bindSelf records the concrete task so observers receive the outer value
// rather than the embedded Base. Constructors and Queue.Add call this.
func (b *Base) bindSelf(self Task) {
	b.mu.Lock()
	if b.self == nil {
		b.self = self
	}
	b.mu.Unlock()
}

// Name returns the task's name.
func (b *Base) Name() string { return b.name }

// State returns the task's current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Errors returns a copy of the task's accumulated errors.
func (b *Base) Errors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	errs := make([]error, len(b.errs))
	copy(errs, b.errs)
	return errs
}

// Dependencies returns a copy of the task's dependency list.
func (b *Base) Dependencies() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	deps := make([]Task, len(b.deps))
	copy(deps, b.deps)
	return deps
}

// AddDependency makes the task wait for dep to finish before it becomes
// ready. Dependencies must be added before the task starts executing.
func (b *Base) AddDependency(dep Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state >= StateExecuting {
		panic(fmt.Sprintf("task %q: dependency added in state %v", b.name, b.state))
	}
	b.deps = append(b.deps, dep)
}

// Conditions returns a copy of the task's conditions.
func (b *Base) Conditions() []Condition {
	b.mu.Lock()
	defer b.mu.Unlock()
	conds := make([]Condition, len(b.conditions))
	copy(conds, b.conditions)
	return conds
}

// AddCondition attaches a condition. Conditions must be added before the
// task is enqueued.
func (b *Base) AddCondition(c Condition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateInitialized {
		panic(fmt.Sprintf("task %q: condition added in state %v", b.name, b.state))
	}
	b.conditions = append(b.conditions, c)
}

// AddObserver attaches a lifecycle observer. Observers added after the
// task finished are notified immediately.
func (b *Base) AddObserver(o Observer) {
	b.mu.Lock()
	if b.state == StateFinished {
		self, errs := b.self, b.cloneErrsLocked()
		b.mu.Unlock()
		o.TaskFinished(self, errs)
		return
	}
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Cancelled reports whether Cancel has been called.
func (b *Base) Cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

// Cancel requests cancellation. A task that has not started executing is
// short-circuited straight to StateFinished with ErrCancelled appended to
// its errors. A task that is already executing only has its cancel flag
// set; the concrete task must observe the flag, cancellation is
// cooperative rather than preemptive.
func (b *Base) Cancel() {
	b.mu.Lock()
	if b.state >= StateFinishing || b.cancelled {
		b.mu.Unlock()
		return
	}
	b.cancelled = true
	if b.state >= StateExecuting {
		b.mu.Unlock()
		return
	}
	b.errs = append(b.errs, ErrCancelled)
	self, observers, errs := b.finishLocked()
	b.mu.Unlock()
	notifyFinished(self, observers, errs)
}

// Wait blocks until the task reaches StateFinished.
func (b *Base) Wait() { <-b.done }

// Finish records the task's outcome and moves it to StateFinished. Nil
// errors are ignored. Calling Finish on an already finished task is a
// logged no-op so that racing completion paths stay harmless.
func (b *Base) Finish(errs ...error) {
	b.mu.Lock()
	if b.state >= StateFinishing {
		b.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Finish",
			"task":     b.name,
		}).Debug("Finish called on finished task, ignoring")
		return
	}
	for _, err := range errs {
		if err != nil {
			b.errs = append(b.errs, err)
		}
	}
	self, observers, finalErrs := b.finishLocked()
	b.mu.Unlock()
	notifyFinished(self, observers, finalErrs)
}

// finishLocked advances the task to StateFinished and returns what the
// caller needs to notify observers outside the lock.
func (b *Base) finishLocked() (Task, []Observer, []error) {
	b.advanceLocked(StateFinishing)
	b.advanceLocked(StateFinished)
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observers = nil
	self := b.self
	close(b.done)
	return self, observers, b.cloneErrsLocked()
}

func (b *Base) cloneErrsLocked() []error {
	errs := make([]error, len(b.errs))
	copy(errs, b.errs)
	return errs
}

// advance moves the task forward to s. Backward transitions are a
// programming error and panic.
func (b *Base) advance(s State) {
	b.mu.Lock()
	b.advanceLocked(s)
	self := b.self
	var observers []Observer
	if s == StateExecuting {
		observers = make([]Observer, len(b.observers))
		copy(observers, b.observers)
	}
	b.mu.Unlock()
	for _, o := range observers {
		o.TaskStarted(self)
	}
}

func (b *Base) advanceLocked(s State) {
	if s <= b.state {
		panic(fmt.Sprintf("task %q: illegal state transition %v -> %v", b.name, b.state, s))
	}
	b.state = s
}

// tryAdvance moves the task from one exact state to another, returning
// false if the task is no longer in the expected state (e.g. a racing
// cancellation already finished it).
func (b *Base) tryAdvance(from, to State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != from {
		return false
	}
	b.advanceLocked(to)
	return true
}

// tryStartExecuting atomically moves a Ready task to Executing. It returns
// false if the task is no longer ready, e.g. it was cancelled.
func (b *Base) tryStartExecuting() bool {
	b.mu.Lock()
	if b.state != StateReady {
		b.mu.Unlock()
		return false
	}
	b.advanceLocked(StateExecuting)
	self := b.self
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()
	for _, o := range observers {
		o.TaskStarted(self)
	}
	return true
}

func notifyFinished(self Task, observers []Observer, errs []error) {
	for _, o := range observers {
		o.TaskFinished(self, errs)
	}
}

// Func is a task that runs a plain function synchronously.
type Func struct {
	*Base
	fn func() error
}

// NewFunc wraps fn as a task. The function's error, if any, becomes the
// task's outcome.
func NewFunc(name string, fn func() error) *Func {
	t := &Func{Base: NewBase(name), fn: fn}
	t.bindSelf(t)
	return t
}

// Execute runs the wrapped function and finishes with its result.
func (t *Func) Execute() {
	if t.Cancelled() {
		t.Finish(ErrCancelled)
		return
	}
	t.Finish(t.fn())
}
