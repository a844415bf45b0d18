package effect

import (
	"context"
	"sync"
	"time"

	"github.com/wilhg/composable/pkg/errmodel"
)

// Runtime is what an effect can reach while it runs: the cancellation
// registry of the owning store and the store's logic-error reporter.
type Runtime struct {
	Registry *Registry
	Report   func(ctx context.Context, err *errmodel.Error)
}

// NewRuntime returns a runtime with a fresh registry and no reporter.
func NewRuntime() *Runtime {
	return &Runtime{Registry: NewRegistry()}
}

func (rt *Runtime) report(ctx context.Context, err *errmodel.Error) {
	if rt == nil || rt.Report == nil || err == nil {
		return
	}
	rt.Report(ctx, err)
}

func (rt *Runtime) registry() *Registry {
	if rt.Registry == nil {
		panic("effect: runtime has no cancellation registry")
	}
	return rt.Registry
}

type registration struct {
	cancel context.CancelCauseFunc
}

type throttleState struct {
	last       time.Time
	pending    any
	hasPending bool
}

// Registry tracks live effects by cancellation id. It is owned by a root
// store and shared by reference with every scope derived from it.
type Registry struct {
	mu        sync.Mutex
	entries   map[any]map[*registration]struct{}
	throttles map[any]*throttleState
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[any]map[*registration]struct{}),
		throttles: make(map[any]*throttleState),
	}
}

func (r *Registry) add(id any, cancel context.CancelCauseFunc) *registration {
	reg := &registration{cancel: cancel}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.entries[id]
	if !ok {
		set = make(map[*registration]struct{})
		r.entries[id] = set
	}
	set[reg] = struct{}{}
	return reg
}

func (r *Registry) remove(id any, reg *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.entries[id]
	if !ok {
		return
	}
	delete(set, reg)
	if len(set) == 0 {
		delete(r.entries, id)
	}
}

// Cancel tears down every effect registered under id and returns how
// many were live. Entries are removed before the cancel funcs run, so a
// later lookup never observes a cancelled effect. Throttle state kept
// under id is dropped as well.
func (r *Registry) Cancel(id any) int {
	return r.cancel(id, true)
}

// cancel tears down the effects under id. Without forget, throttle state
// survives, so a throttle replacing its in-flight predecessor keeps its
// window.
func (r *Registry) cancel(id any, forget bool) int {
	r.mu.Lock()
	set := r.entries[id]
	delete(r.entries, id)
	if forget {
		delete(r.throttles, id)
	}
	r.mu.Unlock()
	for reg := range set {
		reg.cancel(ErrCancelled)
	}
	return len(set)
}

// CancelAll tears down every registered effect.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[any]map[*registration]struct{})
	clear(r.throttles)
	r.mu.Unlock()
	n := 0
	for _, set := range entries {
		for reg := range set {
			reg.cancel(ErrCancelled)
			n++
		}
	}
	return n
}

// Live reports how many effects are registered under id.
func (r *Registry) Live(id any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[id])
}

// Len reports how many effects are registered across all ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.entries {
		n += len(set)
	}
	return n
}

// throttleDecide records an upstream value for a throttled id. It returns
// the value to emit and whether to emit it now; otherwise the value is due
// after delay.
func (r *Registry) throttleDecide(id, value any, now time.Time, interval time.Duration, latest bool) (out any, delay time.Duration, immediate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.throttles[id]
	if !ok {
		r.throttles[id] = &throttleState{last: now}
		return value, 0, true
	}
	if !latest && st.hasPending {
		value = st.pending
	}
	st.pending, st.hasPending = value, true
	if now.Sub(st.last) >= interval {
		st.last = now
		st.pending, st.hasPending = nil, false
		return value, 0, true
	}
	return value, st.last.Add(interval).Sub(now), false
}

func (r *Registry) throttleEmitted(id any, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.throttles[id]; ok {
		st.last = now
		st.pending, st.hasPending = nil, false
	}
}

// throttleHold replaces the value held for id.
func (r *Registry) throttleHold(id, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.throttles[id]; ok && st.hasPending {
		st.pending = value
	}
}
