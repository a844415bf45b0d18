package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wilhg/composable/pkg/effect"
	"github.com/wilhg/composable/pkg/errmodel"
)

// entry is one buffered action. Actions are boxed here because a root
// store and all of its scopes share one buffer of root actions.
type entry struct {
	origin Origin
	action any
	// ctx is the context of the effect that emitted the action; nil for
	// sent actions.
	ctx  context.Context
	task *Task
	// reduced is closed once the action went through the reducer and its
	// effect was subscribed.
	reduced chan struct{}
}

// core is the part of a root store shared by every scope: the action
// buffer, the drain loop, the cancellation registry and the reporting
// plumbing.
type core struct {
	opts options
	log  *slog.Logger
	rt   *effect.Runtime

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	buffer    []*entry
	draining  bool
	bySend    bool
	inCallout bool
	closed    bool

	// Owned by whichever goroutine is draining; handed over through mu.
	dirty bool
	seq   uint64

	inflight atomic.Int64

	// process reduces one entry and subscribes its effect.
	process func(e *entry)
	// publish pushes the working state through the scope tree.
	publish func()
}

func newCore(opts options) *core {
	logger := opts.logger.With(slog.String("component", "store"), slog.String("store", opts.name))
	if opts.reporter == nil {
		opts.reporter = errmodel.LogReporter(logger)
	}
	registry := opts.registry
	if registry == nil {
		registry = effect.NewRegistry()
	}
	c := &core{opts: opts, log: logger}
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	c.rt = &effect.Runtime{Registry: registry, Report: c.report}
	return c
}

// report routes a logic error according to the store mode.
func (c *core) report(ctx context.Context, err *errmodel.Error) {
	if err == nil {
		return
	}
	recordLogicError(ctx, c.opts.name, err.Code)
	if c.opts.mode == Release {
		return
	}
	c.opts.reporter.Report(ctx, err)
}

// checkMainLocked flags calls that arrive from outside the processing
// call chain while a drain started by another send is running. Drains
// started by effect emissions are not flagged: without a main scheduler
// they legitimately run on effect goroutines.
func (c *core) checkMainLocked(op string) *errmodel.Error {
	if c.draining && c.bySend && !c.inCallout {
		return errmodel.Logic(errmodel.CodeOffMain,
			op+" called from outside the store's execution context while an action was being processed",
			map[string]any{"store": c.opts.name})
	}
	return nil
}

// send enqueues a sent action and drains the buffer if no other drain is
// running. With wait, the returned channel is closed once the action has
// been reduced; it is nil when waiting would deadlock the caller.
func (c *core) send(action any, wait bool) (*Task, <-chan struct{}) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.report(c.ctx, errmodel.Logic(errmodel.CodeSendAfterClose,
			"action sent to a closed store",
			map[string]any{"store": c.opts.name, "action": fmt.Sprintf("%T", action)}))
		recordDropped(c.ctx, c.opts.name, "closed")
		return finishedTask(), nil
	}
	offMain := c.checkMainLocked("send")
	reentrant := c.draining && c.inCallout
	t := newTask(c.ctx)
	e := &entry{origin: Sent, action: action, task: t}
	if wait && !reentrant {
		e.reduced = make(chan struct{})
	}
	c.buffer = append(c.buffer, e)
	start := !c.draining
	if start {
		c.draining = true
		c.bySend = true
	}
	c.mu.Unlock()

	if offMain != nil {
		c.report(c.ctx, offMain)
	}
	if start {
		c.drain()
	}
	return t, e.reduced
}

// receive enqueues an action emitted by an effect running for t.
// Emissions for a task that already finished are dropped. With a main
// scheduler, an emission joins the drain in progress if there is one, so
// synchronous follow-ups are processed before Send returns; otherwise it
// is delivered through the scheduler.
func (c *core) receive(ctx context.Context, action any, t *Task) {
	if !t.retain() {
		recordDropped(c.ctx, c.opts.name, "cancelled")
		return
	}
	e := &entry{origin: Received, action: action, ctx: ctx, task: t}
	if c.opts.main == nil {
		c.enqueue(e, false)
		return
	}
	if !c.enqueue(e, true) {
		c.opts.main.Schedule(func() { c.enqueue(e, false) })
	}
}

// enqueue appends a received entry and drains the buffer if no other
// drain is running. With joinOnly, nothing happens unless a drain is in
// progress; the result reports whether the entry was taken.
func (c *core) enqueue(e *entry, joinOnly bool) bool {
	c.mu.Lock()
	if joinOnly && (!c.draining || c.closed) {
		c.mu.Unlock()
		return false
	}
	if c.closed {
		c.mu.Unlock()
		recordDropped(c.ctx, c.opts.name, "closed")
		e.task.release()
		return true
	}
	c.buffer = append(c.buffer, e)
	start := !c.draining
	if start {
		c.draining = true
		c.bySend = false
	}
	c.mu.Unlock()
	if start {
		c.drain()
	}
	return true
}

// drain processes buffered actions until the buffer is empty, publishing
// state once each time it runs dry. Actions sent by observers during
// publication are picked up by the same loop.
func (c *core) drain() {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.draining = false
			c.inCallout = false
			c.mu.Unlock()
			panic(r)
		}
	}()
	for {
		c.mu.Lock()
		if len(c.buffer) == 0 {
			if !c.dirty {
				c.draining = false
				c.mu.Unlock()
				return
			}
			c.dirty = false
			c.inCallout = true
			c.mu.Unlock()
			c.publish()
			c.mu.Lock()
			c.inCallout = false
			c.mu.Unlock()
			continue
		}
		e := c.buffer[0]
		c.buffer[0] = nil
		c.buffer = c.buffer[1:]
		c.mu.Unlock()
		c.step(e)
	}
}

func (c *core) step(e *entry) {
	defer e.task.release()
	if e.reduced != nil {
		defer close(e.reduced)
	}
	if e.ctx != nil && effect.Cancelled(e.ctx) {
		recordDropped(c.ctx, c.opts.name, "cancelled")
		return
	}
	c.process(e)
	c.dirty = true
}

// callout runs fn with sends treated as coming from inside the store.
func (c *core) callout(fn func()) {
	c.mu.Lock()
	prev := c.inCallout
	c.inCallout = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inCallout = prev
		c.mu.Unlock()
	}()
	fn()
}

// subscribe starts eff on behalf of t. Emissions re-enter the buffer as
// received actions.
func subscribe[A any](c *core, ctx context.Context, eff effect.Effect[A], t *Task) {
	if eff.IsNone() || !t.retain() {
		return
	}
	c.inflight.Add(1)
	recordInFlight(ctx, c.opts.name, 1)
	var finished atomic.Bool
	done := func() {
		if finished.Swap(true) {
			return
		}
		c.inflight.Add(-1)
		recordInFlight(c.ctx, c.opts.name, -1)
		t.release()
	}
	c.callout(func() {
		eff.Subscribe(ctx, c.rt, func(ectx context.Context, a A) {
			c.receive(ectx, a, t)
		}, done)
	})
}

func (c *core) close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	if n := c.inflight.Load(); n > 0 {
		c.report(c.ctx, errmodel.Logic(errmodel.CodeLeakedEffects,
			"store closed while effects were still running",
			map[string]any{"store": c.opts.name, "effects": n}))
	}
	c.cancel(effect.ErrCancelled)
	c.rt.Registry.CancelAll()
	c.log.Debug("store closed")
	return true
}
