// Package store runs reducers. A Store owns the state, serializes every
// action through a FIFO buffer drained by a single loop, subscribes to the
// effects the reducer returns and feeds their output back in as actions.
// Scoped stores present a slice of the state and a subset of the actions
// while sharing the root's buffer and cancellation registry.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilhg/composable/pkg/effect"
	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/reducer"
)

// Store holds state of type S and accepts actions of type A. A root store
// is created with New; scoped stores with Scope or IfLet.
type Store[S, A any] struct {
	core *core
	node *node[S]
	// lift converts an action of this store into a boxed root action.
	lift   func(A) any
	root   bool
	detach func()
}

// New creates a root store.
func New[S, A, E any](initial S, r reducer.Reducer[S, A, E], env E, opts ...Option) *Store[S, A] {
	o := options{name: "store", logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	c := newCore(o)
	n := &node[S]{value: initial}
	working := initial

	c.process = func(e *entry) {
		action := e.action.(A)
		actionType := fmt.Sprintf("%T", action)
		ctx, span := startReduceSpan(e.task.ctx, c.opts.name, actionType, e.origin)
		defer span.End()

		start := time.Now()
		eff := r.Reduce(&working, action, env)
		recordAction(ctx, c.opts.name, e.origin, time.Since(start))

		c.seq++
		c.log.Debug("action processed",
			slog.Uint64("seq", c.seq),
			slog.String("origin", e.origin.String()),
			slog.String("action", actionType))
		if len(c.opts.taps) > 0 {
			rec := Record{Store: c.opts.name, Seq: c.seq, Origin: e.origin, Action: action, State: working, At: time.Now()}
			c.callout(func() {
				for _, tap := range c.opts.taps {
					tap.Observe(rec)
				}
			})
		}
		subscribe(c, ctx, eff, e.task)
	}
	c.publish = func() {
		n.set(working)
		n.refresh()
		n.notify()
	}

	c.log.Debug("store created", slog.String("mode", o.mode.String()))
	return &Store[S, A]{
		core: c,
		node: n,
		lift: func(a A) any { return a },
		root: true,
	}
}

// State returns the current state. For a scoped store it is the cached
// slice computed at the last publication.
func (s *Store[S, A]) State() S { return s.node.get() }

// Send enqueues action. If no action is being processed, Send processes it
// and every action it synchronously leads to before returning.
func (s *Store[S, A]) Send(action A) *Task {
	if s.node.dead.Load() {
		s.reportDead(action)
		return finishedTask()
	}
	t, _ := s.core.send(s.lift(action), false)
	return t
}

// SendContext is Send that also waits, when the action could not be
// processed immediately, until it has been reduced and its effect
// subscribed. It never waits for the effect to finish.
func (s *Store[S, A]) SendContext(ctx context.Context, action A) (*Task, error) {
	if s.node.dead.Load() {
		s.reportDead(action)
		return finishedTask(), nil
	}
	t, reduced := s.core.send(s.lift(action), true)
	if reduced == nil {
		return t, nil
	}
	select {
	case <-reduced:
		return t, nil
	case <-ctx.Done():
		return t, ctx.Err()
	}
}

func (s *Store[S, A]) reportDead(action A) {
	s.core.report(s.core.ctx, errmodel.Logic(errmodel.CodeDeadScope,
		"action sent to a scope whose state no longer exists",
		map[string]any{"store": s.core.opts.name, "action": fmt.Sprintf("%T", action)}))
	recordDropped(s.core.ctx, s.core.opts.name, "dead_scope")
}

// Subscribe calls fn with the new state every time the store publishes.
// Publication happens once per drain of the action buffer. The returned
// func stops the subscription.
func (s *Store[S, A]) Subscribe(fn func(S)) func() {
	return s.node.observe(nil, fn)
}

// Observe is Subscribe with deduplication: fn is skipped while
// isDuplicate(previous, next) holds. The first comparison is against the
// state at the time Observe was called.
func (s *Store[S, A]) Observe(isDuplicate func(prev, next S) bool, fn func(S)) func() {
	return s.node.observe(isDuplicate, fn)
}

// Changes streams the current state followed by every deduplicated
// change until ctx is done. Slow readers only see the latest state.
func (s *Store[S, A]) Changes(ctx context.Context, isDuplicate func(prev, next S) bool) <-chan S {
	ch := make(chan S, 1)
	var (
		mu     sync.Mutex
		closed bool
	)
	offer := func(v S) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		for {
			select {
			case ch <- v:
				return
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
	offer(s.State())
	stop := s.node.observe(isDuplicate, offer)
	context.AfterFunc(ctx, func() {
		stop()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	})
	return ch
}

// InFlight reports how many effects are currently running for the root
// store.
func (s *Store[S, A]) InFlight() int { return int(s.core.inflight.Load()) }

// Registry exposes the cancellation registry shared by the store tree.
func (s *Store[S, A]) Registry() *effect.Registry { return s.core.rt.Registry }

// Alive reports whether the store can still accept actions.
func (s *Store[S, A]) Alive() bool {
	if s.node.dead.Load() {
		return false
	}
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return !s.core.closed
}

// Release detaches a scoped store from its parent. Further sends to it
// are logic errors. On a root store Release is Close.
func (s *Store[S, A]) Release() {
	if s.root {
		s.Close()
		return
	}
	s.node.kill()
	if s.detach != nil {
		s.detach()
	}
}

// Close cancels every running effect of a root store and rejects further
// actions. Effects still running at close are reported as leaked.
func (s *Store[S, A]) Close() {
	if !s.root {
		s.Release()
		return
	}
	s.core.close()
}
