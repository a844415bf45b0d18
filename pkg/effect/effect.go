// Package effect describes side effects as values. An Effect is lazy:
// nothing runs until a store subscribes to it, and every emitted value
// is fed back to the store as a received action.
package effect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrCancelled is the cancellation cause used when an effect is torn
	// down by Cancel, cancel-in-flight, a task cancel or store shutdown.
	ErrCancelled = errors.New("effect cancelled")
	// ErrCompleted is the cause attached to an effect context once the
	// effect has finished normally.
	ErrCompleted = errors.New("effect completed")
)

// Cancelled reports whether ctx was cancelled for any reason other than
// normal completion. Values emitted under a cancelled context must not
// reach the store.
func Cancelled(ctx context.Context) bool {
	if ctx == nil || ctx.Err() == nil {
		return false
	}
	return !errors.Is(context.Cause(ctx), ErrCompleted)
}

// Effect produces zero or more values of type A. The zero value is None.
type Effect[A any] struct {
	run func(ctx context.Context, rt *Runtime, emit func(context.Context, A), done func())
}

// IsNone reports whether e is known to do nothing.
func (e Effect[A]) IsNone() bool { return e.run == nil }

// Subscribe starts e. Each value is passed to emit together with the
// context of the sub-effect that produced it. done is called exactly
// once, when e completes or is cancelled.
func (e Effect[A]) Subscribe(ctx context.Context, rt *Runtime, emit func(context.Context, A), done func()) {
	var once sync.Once
	finish := func() {
		once.Do(func() {
			if done != nil {
				done()
			}
		})
	}
	if e.run == nil {
		finish()
		return
	}
	if rt == nil {
		rt = NewRuntime()
	}
	if emit == nil {
		emit = func(context.Context, A) {}
	}
	e.run(ctx, rt, emit, finish)
}

// None returns an effect that completes immediately without emitting.
func None[A any]() Effect[A] { return Effect[A]{} }

// Just emits a synchronously and completes.
func Just[A any](a A) Effect[A] {
	return Effect[A]{run: func(ctx context.Context, _ *Runtime, emit func(context.Context, A), done func()) {
		if !Cancelled(ctx) {
			emit(ctx, a)
		}
		done()
	}}
}

// JustAll emits every value in order and completes.
func JustAll[A any](as ...A) Effect[A] {
	if len(as) == 0 {
		return None[A]()
	}
	return Effect[A]{run: func(ctx context.Context, _ *Runtime, emit func(context.Context, A), done func()) {
		for _, a := range as {
			if Cancelled(ctx) {
				break
			}
			emit(ctx, a)
		}
		done()
	}}
}

// Merge runs all effects concurrently and completes once all of them have.
func Merge[A any](effects ...Effect[A]) Effect[A] {
	live := make([]Effect[A], 0, len(effects))
	for _, e := range effects {
		if !e.IsNone() {
			live = append(live, e)
		}
	}
	switch len(live) {
	case 0:
		return None[A]()
	case 1:
		return live[0]
	}
	return Effect[A]{run: func(ctx context.Context, rt *Runtime, emit func(context.Context, A), done func()) {
		var remaining atomic.Int64
		remaining.Store(int64(len(live)))
		for _, e := range live {
			e.Subscribe(ctx, rt, emit, func() {
				if remaining.Add(-1) == 0 {
					done()
				}
			})
		}
	}}
}

// Concatenate runs effects one after another. Effect n+1 is subscribed
// only after effect n has completed.
func Concatenate[A any](effects ...Effect[A]) Effect[A] {
	live := make([]Effect[A], 0, len(effects))
	for _, e := range effects {
		if !e.IsNone() {
			live = append(live, e)
		}
	}
	switch len(live) {
	case 0:
		return None[A]()
	case 1:
		return live[0]
	}
	return Effect[A]{run: func(ctx context.Context, rt *Runtime, emit func(context.Context, A), done func()) {
		var next func(i int)
		next = func(i int) {
			if i == len(live) || Cancelled(ctx) {
				done()
				return
			}
			live[i].Subscribe(ctx, rt, emit, func() { next(i + 1) })
		}
		next(0)
	}}
}

// Map transforms every value e emits.
func Map[A, B any](e Effect[A], f func(A) B) Effect[B] {
	if e.IsNone() {
		return None[B]()
	}
	return Effect[B]{run: func(ctx context.Context, rt *Runtime, emit func(context.Context, B), done func()) {
		e.run(ctx, rt, func(ectx context.Context, a A) { emit(ectx, f(a)) }, done)
	}}
}

// guard returns a finish func that calls done once, either when the
// caller finishes or when ctx is cancelled, whichever happens first.
func guard(ctx context.Context, done func()) func() {
	var once sync.Once
	fin := func() { once.Do(done) }
	stop := context.AfterFunc(ctx, fin)
	return func() {
		stop()
		fin()
	}
}
