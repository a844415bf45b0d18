package store

import (
	"slices"
	"sync"
	"sync/atomic"
)

// cell is the type-erased view of a node used by its parent.
type cell interface {
	refresh()
	notify()
	kill()
}

// node holds the published state of one store in the scope tree. A scope
// caches its slice of the parent state and recomputes it only when the
// parent publishes.
type node[S any] struct {
	mu        sync.RWMutex
	value     S
	compute   func() S
	children  []cell
	observers []*observer[S]
	dead      atomic.Bool
}

type observer[S any] struct {
	isDuplicate func(prev, next S) bool
	fn          func(S)
	last        S
	removed     atomic.Bool
}

func (n *node[S]) get() S {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.value
}

func (n *node[S]) set(v S) {
	n.mu.Lock()
	n.value = v
	n.mu.Unlock()
}

// refresh recomputes cached slices top-down without notifying anyone, so
// that observers never see a parent and child out of sync.
func (n *node[S]) refresh() {
	if n.dead.Load() {
		return
	}
	if n.compute != nil {
		n.set(n.compute())
	}
	n.mu.RLock()
	children := slices.Clone(n.children)
	n.mu.RUnlock()
	for _, c := range children {
		c.refresh()
	}
}

// notify runs this node's observers, then its children's.
func (n *node[S]) notify() {
	if n.dead.Load() {
		return
	}
	n.mu.RLock()
	v := n.value
	observers := slices.Clone(n.observers)
	children := slices.Clone(n.children)
	n.mu.RUnlock()
	for _, o := range observers {
		o.offer(v)
	}
	for _, c := range children {
		c.notify()
	}
}

func (n *node[S]) kill() {
	if n.dead.Swap(true) {
		return
	}
	n.mu.Lock()
	children := n.children
	n.children = nil
	n.observers = nil
	n.mu.Unlock()
	for _, c := range children {
		c.kill()
	}
}

func (n *node[S]) addChild(c cell) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = append(n.children, c)
}

func (n *node[S]) removeChild(c cell) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i := slices.Index(n.children, c); i >= 0 {
		n.children = slices.Delete(n.children, i, i+1)
	}
}

func (n *node[S]) observe(isDuplicate func(prev, next S) bool, fn func(S)) func() {
	n.mu.Lock()
	o := &observer[S]{isDuplicate: isDuplicate, fn: fn, last: n.value}
	n.observers = append(n.observers, o)
	n.mu.Unlock()
	return func() {
		if o.removed.Swap(true) {
			return
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		if i := slices.Index(n.observers, o); i >= 0 {
			n.observers = slices.Delete(n.observers, i, i+1)
		}
	}
}

func (o *observer[S]) offer(v S) {
	if o.removed.Load() {
		return
	}
	if o.isDuplicate != nil && o.isDuplicate(o.last, v) {
		return
	}
	o.last = v
	o.fn(v)
}
