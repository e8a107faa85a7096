// Package dispose composes release of acquired resources - file descriptors,
// pipes, child processes, hub registrations - so they tear down in the
// reverse order they were acquired, on every exit path including errors.
package dispose

import (
	"sync"

	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/result"
)

// Disposable is anything with an idempotent teardown.
type Disposable interface {
	Dispose()
}

// Func adapts a plain function into a Disposable. The function runs at most
// once even if Dispose is called more than once.
type Func struct {
	mu     sync.Mutex
	action func()
}

// NewFunc wraps action as a Disposable.
func NewFunc(action func()) *Func {
	return &Func{action: action}
}

// Dispose runs the wrapped action, if it has not already run.
func (f *Func) Dispose() {
	f.mu.Lock()
	action := f.action
	f.action = nil
	f.mu.Unlock()
	if action != nil {
		action()
	}
}

// Disposed reports whether Dispose has already run.
func (f *Func) Disposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.action == nil
}

// Composite treats a LIFO list of disposables as a single one. Disposing a
// Composite disposes every member in reverse registration order and then
// marks itself disposed; further Add calls on an already-disposed Composite
// dispose the new member immediately instead of queuing it.
type Composite struct {
	mu      sync.Mutex
	members []Disposable
	done    bool
}

// New creates an empty Composite.
func New() *Composite {
	return &Composite{}
}

// Add registers d with the composite and returns it unchanged, so callers
// can write `x := dispose.Add(disp, acquireX())`. If the composite has already been
// disposed, d is disposed immediately instead.
func Add[D Disposable](c *Composite, d D) D {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		d.Dispose()
		return d
	}
	c.members = append(c.members, d)
	c.mu.Unlock()
	return d
}

// AddFunc registers action to run on dispose, returning the wrapping *Func
// in case the caller wants to Remove it later.
func (c *Composite) AddFunc(action func()) *Func {
	return Add(c, NewFunc(action))
}

// Remove un-registers d (without disposing it) if present, and reports
// whether it was found.
func (c *Composite) Remove(d Disposable) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.members {
		if m == d {
			c.members = append(c.members[:i], c.members[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of currently registered members.
func (c *Composite) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// Disposed reports whether Dispose has already run.
func (c *Composite) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Dispose releases every registered member in LIFO order exactly once.
func (c *Composite) Dispose() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	members := c.members
	c.members = nil
	c.done = true
	c.mu.Unlock()

	for i := len(members) - 1; i >= 0; i-- {
		members[i].Dispose()
	}
}

// Continuation returns a Continuation that resolves with Value(struct{}{})
// once the composite has been disposed - the "dispose as awaitable" form
// used to let a caller block until every owned resource is released.
func (c *Composite) Continuation() cont.Continuation[struct{}] {
	return cont.New(func(ret cont.Ret[struct{}]) {
		c.AddFunc(func() { ret(result.Value(struct{}{})) })
	})
}
