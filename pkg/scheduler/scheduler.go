// Package scheduler abstracts the clocks and execution contexts that
// time-based effects run against. Production code uses Immediate or a
// Queue; tests use a Test scheduler and advance virtual time explicitly.
package scheduler

import (
	"sync"
	"time"
)

// Scheduler runs work now or after a delay.
type Scheduler interface {
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
	// Schedule runs action as soon as possible.
	Schedule(action func())
	// ScheduleAfter runs action once d has elapsed. The returned func
	// cancels the action if it has not started yet.
	ScheduleAfter(d time.Duration, action func()) (cancel func())
}

type immediate struct{}

// Immediate returns a scheduler that runs Schedule work inline on the
// caller's goroutine and delayed work on timer goroutines.
func Immediate() Scheduler { return immediate{} }

func (immediate) Now() time.Time { return time.Now() }

func (immediate) Schedule(action func()) { action() }

func (immediate) ScheduleAfter(d time.Duration, action func()) func() {
	if d <= 0 {
		action()
		return func() {}
	}
	t := time.AfterFunc(d, action)
	return func() { t.Stop() }
}

// Queue is a serial real-time scheduler: every action runs on a single
// goroutine in submission order.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

// NewQueue starts a serial queue. Close must be called to stop it.
func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) Now() time.Time { return time.Now() }

// Schedule appends action to the queue. Actions scheduled after Close are dropped.
func (q *Queue) Schedule(action func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, action)
	q.cond.Signal()
}

func (q *Queue) ScheduleAfter(d time.Duration, action func()) func() {
	if d <= 0 {
		q.Schedule(action)
		return func() {}
	}
	t := time.AfterFunc(d, func() { q.Schedule(action) })
	return func() { t.Stop() }
}

// Close stops accepting work, runs whatever is already queued and
// waits for the queue goroutine to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Signal()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		next := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		next()
	}
}
