package store

import (
	"context"
	"sync"

	"github.com/wilhg/composable/pkg/effect"
)

// Task tracks the work started by one Send: the effect returned for the
// sent action, the actions those effects emit, and the effects of those
// actions in turn.
type Task struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	pending  int
	finished bool
	done     chan struct{}
}

func newTask(parent context.Context) *Task {
	ctx, cancel := context.WithCancelCause(parent)
	return &Task{ctx: ctx, cancel: cancel, pending: 1, done: make(chan struct{})}
}

func finishedTask() *Task {
	t := &Task{ctx: context.Background(), cancel: func(error) {}, finished: true, done: make(chan struct{})}
	close(t.done)
	return t
}

// retain adds a unit of pending work. It reports false once the task has
// finished; the caller must then drop the work instead of tracking it.
func (t *Task) retain() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.pending++
	return true
}

func (t *Task) release() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.pending--
	t.finished = t.pending == 0
	finished := t.finished
	t.mu.Unlock()
	if finished {
		t.cancel(effect.ErrCompleted)
		close(t.done)
	}
}

// Cancel tears down every effect still running on behalf of the task.
// Actions they already emitted but the store has not processed yet are
// dropped.
func (t *Task) Cancel() {
	t.cancel(effect.ErrCancelled)
}

// IsCancelled reports whether Cancel was called, or the store closed,
// before the task finished.
func (t *Task) IsCancelled() bool {
	return effect.Cancelled(t.ctx)
}

// Done is closed once all work tracked by the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
