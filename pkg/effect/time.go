package effect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/scheduler"
)

// Deferred subscribes to e after d has elapsed on sched.
func Deferred[A any](e Effect[A], d time.Duration, sched scheduler.Scheduler) Effect[A] {
	if e.IsNone() {
		return e
	}
	return Effect[A]{run: func(ctx context.Context, rt *Runtime, emit func(context.Context, A), done func()) {
		finish := guard(ctx, done)
		sched.ScheduleAfter(d, func() {
			if Cancelled(ctx) {
				return
			}
			e.Subscribe(ctx, rt, emit, finish)
		})
	}}
}

// ReceiveOn delivers e's values and completion through sched.
func ReceiveOn[A any](e Effect[A], sched scheduler.Scheduler) Effect[A] {
	if e.IsNone() {
		return e
	}
	return Effect[A]{run: func(ctx context.Context, rt *Runtime, emit func(context.Context, A), done func()) {
		finish := guard(ctx, done)
		e.Subscribe(ctx, rt, func(ectx context.Context, a A) {
			sched.Schedule(func() {
				if Cancelled(ectx) {
					return
				}
				emit(ectx, a)
			})
		}, func() {
			sched.Schedule(finish)
		})
	}}
}

// Debounce delays e by interval. Starting another debounced effect under
// the same id before the delay elapses cancels this one, so only the most
// recent invocation emits.
func Debounce[A any](e Effect[A], id any, interval time.Duration, sched scheduler.Scheduler) Effect[A] {
	return Cancellable(Deferred(ReceiveOn(e, sched), interval, sched), id, true)
}

// Throttle lets the first value through immediately and holds later
// values until interval has passed since the last emission. At window
// expiry it emits the most recent held value when latest is true and the
// first held value otherwise. Windows are anchored to the last emission.
func Throttle[A any](e Effect[A], id any, interval time.Duration, sched scheduler.Scheduler, latest bool) Effect[A] {
	inner := Effect[A]{run: func(ctx context.Context, rt *Runtime, emit func(context.Context, A), done func()) {
		reg := rt.registry()
		finish := guard(ctx, done)
		var (
			mu     sync.Mutex
			active = 1
		)
		release := func() {
			mu.Lock()
			active--
			last := active == 0
			mu.Unlock()
			if last {
				finish()
			}
		}
		ReceiveOn(e, sched).Subscribe(ctx, rt, func(ectx context.Context, a A) {
			out, delay, immediate := reg.throttleDecide(id, a, sched.Now(), interval, latest)
			value, ok := out.(A)
			if !ok {
				rt.report(ectx, errmodel.Logic(errmodel.CodeThrottleMismatch,
					"throttle id reused by effects of different action types; the held value was dropped",
					map[string]any{"id": fmt.Sprintf("%v", id), "held": fmt.Sprintf("%T", out), "action": fmt.Sprintf("%T", a)}))
				value = a
				if !immediate {
					reg.throttleHold(id, a)
				}
			}
			if immediate {
				emit(ectx, value)
				return
			}
			mu.Lock()
			active++
			mu.Unlock()
			sched.ScheduleAfter(delay, func() {
				if !Cancelled(ctx) {
					reg.throttleEmitted(id, sched.Now())
					emit(ectx, value)
				}
				release()
			})
		}, release)
	}}
	return Cancellable(inner, id, true)
}

// Timer emits the scheduler's time every interval until cancelled. Ticks
// are anchored to the start time, so a slow consumer does not drift the
// schedule. Starting a timer cancels any timer already running under id.
func Timer(id any, every time.Duration, sched scheduler.Scheduler) Effect[time.Time] {
	if every <= 0 {
		panic("effect: timer interval must be positive")
	}
	inner := Effect[time.Time]{run: func(ctx context.Context, _ *Runtime, emit func(context.Context, time.Time), done func()) {
		guard(ctx, done)
		start := sched.Now()
		var n int64
		var tick func()
		tick = func() {
			if Cancelled(ctx) {
				return
			}
			n++
			next := start.Add(time.Duration(n+1) * every)
			sched.ScheduleAfter(next.Sub(sched.Now()), tick)
			emit(ctx, sched.Now())
		}
		sched.ScheduleAfter(every, tick)
	}}
	return Cancellable(inner, id, true)
}
