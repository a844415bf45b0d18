// Package viewstore is the boundary between a store and whatever renders
// it. A ViewStore caches deduplicated state, so a view is only told about
// changes it can actually see, and exposes explicit accessor bindings in
// place of reflective member lookup.
package viewstore

import (
	"context"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/composable/pkg/store"
)

// ViewStore observes a store and republishes only distinct states.
type ViewStore[S, A any] struct {
	store *store.Store[S, A]

	mu    sync.RWMutex
	state S
	subs  []*subscriber[S]
	stop  func()
}

type subscriber[S any] struct {
	fn      func(S)
	removed atomic.Bool
}

// New wraps st. A nil isDuplicate compares states with cmp.Equal,
// including unexported fields.
func New[S, A any](st *store.Store[S, A], isDuplicate func(prev, next S) bool) *ViewStore[S, A] {
	if isDuplicate == nil {
		isDuplicate = DeepEqual[S]
	}
	vs := &ViewStore[S, A]{store: st, state: st.State()}
	vs.stop = st.Observe(isDuplicate, vs.publish)
	return vs
}

// DeepEqual reports whether two states are equal field by field.
func DeepEqual[S any](a, b S) bool {
	return cmp.Equal(a, b, cmp.Exporter(func(reflect.Type) bool { return true }))
}

func (vs *ViewStore[S, A]) publish(s S) {
	vs.mu.Lock()
	vs.state = s
	subs := slices.Clone(vs.subs)
	vs.mu.Unlock()
	for _, sub := range subs {
		if !sub.removed.Load() {
			sub.fn(s)
		}
	}
}

// State returns the last distinct state.
func (vs *ViewStore[S, A]) State() S {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.state
}

// Send forwards action to the underlying store.
func (vs *ViewStore[S, A]) Send(action A) *store.Task { return vs.store.Send(action) }

// SendContext forwards action and waits until it has been reduced.
func (vs *ViewStore[S, A]) SendContext(ctx context.Context, action A) (*store.Task, error) {
	return vs.store.SendContext(ctx, action)
}

// Subscribe calls fn for each distinct state until the returned func is
// called. Subscribers are called in subscription order.
func (vs *ViewStore[S, A]) Subscribe(fn func(S)) func() {
	sub := &subscriber[S]{fn: fn}
	vs.mu.Lock()
	vs.subs = append(vs.subs, sub)
	vs.mu.Unlock()
	return func() {
		sub.removed.Store(true)
		vs.mu.Lock()
		if i := slices.Index(vs.subs, sub); i >= 0 {
			vs.subs = slices.Delete(vs.subs, i, i+1)
		}
		vs.mu.Unlock()
	}
}

// Close stops observing the store. The store itself is left running.
func (vs *ViewStore[S, A]) Close() {
	vs.stop()
	vs.mu.Lock()
	for _, sub := range vs.subs {
		sub.removed.Store(true)
	}
	vs.subs = nil
	vs.mu.Unlock()
}

// Binding is a two-way accessor for one value derived from view state.
type Binding[V any] struct {
	Get func() V
	Set func(V)
}

// Bind derives a binding whose Get reads from the view state and whose
// Set sends the action built by toAction.
func Bind[S, A, V any](vs *ViewStore[S, A], get func(S) V, toAction func(V) A) Binding[V] {
	return Binding[V]{
		Get: func() V { return get(vs.State()) },
		Set: func(v V) { vs.Send(toAction(v)) },
	}
}

// Constant is a binding that ignores writes.
func Constant[V any](v V) Binding[V] {
	return Binding[V]{Get: func() V { return v }, Set: func(V) {}}
}
