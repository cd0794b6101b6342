package task

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Group is a task composed of an internal sub-queue of child tasks plus a
// synthetic barrier task that depends on every enqueued child. Children
// may be added while the group executes, as long as the producing party
// has not itself finished. The group finishes after the barrier, with the
// aggregated errors of all its children.
type Group struct {
	*Base
	inner   *Queue
	barrier *Func

	childMu   sync.Mutex
	childErrs []error
}

// NewGroup creates a group over the given children. The children do not
// start until the group itself executes.
func NewGroup(name string, children ...Task) *Group {
	g := &Group{
		Base:  NewBase(name),
		inner: NewSuspendedQueue(2),
	}
	g.bindSelf(g)
	g.barrier = NewFunc(name+".barrier", func() error { return nil })
	g.barrier.AddObserver(&barrierObserver{g: g})
	for _, c := range children {
		g.Add(c)
	}
	return g
}

// Add enqueues a child task. The barrier gains a dependency on it, so the
// group cannot finish before the child does.
func (g *Group) Add(child Task) {
	g.barrier.AddDependency(child)
	child.AddObserver(&childObserver{g: g})
	g.inner.Add(child)
	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"group":    g.Name(),
		"child":    child.Name(),
	}).Debug("Child added to group")
}

// Execute releases the internal queue and schedules the barrier.
func (g *Group) Execute() {
	if g.Cancelled() {
		g.inner.CancelAll()
	}
	g.inner.Add(g.barrier)
	g.inner.Resume()
}

// Cancel cancels the group's internal queue along with the group itself.
func (g *Group) Cancel() {
	g.inner.CancelAll()
	g.Base.Cancel()
	if g.State() == StateFinished {
		// Short-circuited before executing; the barrier never ran, so the
		// inner queue must be torn down here.
		go g.inner.Stop()
	} else {
		g.inner.Resume()
	}
}

type childObserver struct {
	g *Group
}

func (o *childObserver) TaskStarted(Task) {}

func (o *childObserver) TaskFinished(t Task, errs []error) {
	if len(errs) == 0 {
		return
	}
	o.g.childMu.Lock()
	o.g.childErrs = append(o.g.childErrs, errs...)
	o.g.childMu.Unlock()
}

type barrierObserver struct {
	g *Group
}

func (o *barrierObserver) TaskStarted(Task) {}

func (o *barrierObserver) TaskFinished(Task, []error) {
	g := o.g
	g.childMu.Lock()
	errs := make([]error, len(g.childErrs))
	copy(errs, g.childErrs)
	g.childMu.Unlock()
	g.Finish(errs...)
	// The observer runs on an inner-queue worker, so the shutdown has to
	// happen off that goroutine.
	go g.inner.Stop()
}
