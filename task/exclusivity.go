package task

import "sync"

// ExclusivityController serializes tasks that declare the same
// mutual-exclusion category: each newly registered task gains a dependency
// on the previously registered task for its key, producing a strict
// enqueue-order chain.
type ExclusivityController struct {
	mu   sync.Mutex
	last map[string]Task
}

// NewExclusivityController creates an empty controller.
func NewExclusivityController() *ExclusivityController {
	return &ExclusivityController{last: make(map[string]Task)}
}

// Register chains t behind the most recent unfinished task for key.
func (c *ExclusivityController) Register(key string, t Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[key]; ok && prev.State() != StateFinished {
		t.AddDependency(prev)
	}
	c.last[key] = t
}

// release drops t from the chain tail once it has finished, so the map
// does not retain finished tasks.
func (c *ExclusivityController) release(key string, t Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last[key] == t {
		delete(c.last, key)
	}
}
