package task

import "fmt"

// Condition is a predicate evaluated after a task's dependencies finish
// and before it becomes ready. A failing condition finishes the task with
// the condition's error without ever executing it.
type Condition interface {
	Name() string
	Evaluate(t Task) error
}

// DependencyProvider is an optional extension of Condition. A condition
// implementing it may inject a generated dependency task at enqueue time,
// e.g. a "needs valid access token" condition injecting a token refresh.
type DependencyProvider interface {
	DependencyFor(t Task) Task
}

// Exclusive is an optional extension of Condition declaring a named
// mutual-exclusion category. Tasks sharing a non-empty key execute in
// strict enqueue order.
type Exclusive interface {
	ExclusivityKey() string
}

type noFailedDeps struct{}

// NoFailedDependencies returns a condition that fails fast if any direct
// dependency finished with errors or was cancelled, preventing wasted
// work downstream.
func NoFailedDependencies() Condition { return noFailedDeps{} }

func (noFailedDeps) Name() string { return "NoFailedDependencies" }

func (noFailedDeps) Evaluate(t Task) error {
	for _, dep := range t.Dependencies() {
		if len(dep.Errors()) > 0 {
			return &ConditionError{
				Condition: "NoFailedDependencies",
				Err:       fmt.Errorf("dependency %q finished with errors", dep.Name()),
			}
		}
	}
	return nil
}

// ExclusiveCondition serializes tasks sharing a key: the queue chains
// each newly added task behind the previous unfinished task registered
// under the same key, in enqueue order. It never fails evaluation.
type ExclusiveCondition struct {
	Key string
}

// Name identifies the condition in logs.
func (c ExclusiveCondition) Name() string { return "Exclusive(" + c.Key + ")" }

// Evaluate always passes; ordering is enforced through dependencies.
func (c ExclusiveCondition) Evaluate(Task) error { return nil }

// ExclusivityKey returns the serialization key.
func (c ExclusiveCondition) ExclusivityKey() string { return c.Key }

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc struct {
	CondName string
	Check    func(t Task) error
}

// Name returns the condition's name.
func (c ConditionFunc) Name() string { return c.CondName }

// Evaluate runs the wrapped check.
func (c ConditionFunc) Evaluate(t Task) error { return c.Check(t) }
