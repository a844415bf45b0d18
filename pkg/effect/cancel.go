package effect

import (
	"context"
	"fmt"
	"reflect"

	"github.com/wilhg/composable/pkg/errmodel"
)

// Cancellable registers e under id in the store's registry so that it can
// be torn down with Cancel. With cancelInFlight, every effect already
// registered under id is cancelled synchronously before e starts.
//
// The dynamic type of id is part of the key: int(1) and int64(1) are
// different ids. id must be comparable.
func Cancellable[A any](e Effect[A], id any, cancelInFlight bool) Effect[A] {
	mustBeID(id)
	return Effect[A]{run: func(ctx context.Context, rt *Runtime, emit func(context.Context, A), done func()) {
		reg := rt.registry()
		if cancelInFlight {
			reg.cancel(id, false)
		}
		if e.IsNone() || Cancelled(ctx) {
			done()
			return
		}
		cctx, cancel := context.WithCancelCause(ctx)
		h := reg.add(id, cancel)
		finish := guard(cctx, func() {
			reg.remove(id, h)
			done()
		})
		e.Subscribe(cctx, rt, func(ectx context.Context, a A) {
			if Cancelled(cctx) {
				return
			}
			emit(ectx, a)
		}, func() {
			finish()
			cancel(ErrCompleted)
		})
	}}
}

// Cancel returns an effect that tears down every effect registered under id.
func Cancel[A any](id any) Effect[A] {
	mustBeID(id)
	return Effect[A]{run: func(_ context.Context, rt *Runtime, _ func(context.Context, A), done func()) {
		rt.registry().Cancel(id)
		done()
	}}
}

// CancelAll cancels every effect registered under any of ids.
func CancelAll[A any](ids ...any) Effect[A] {
	if len(ids) == 0 {
		return None[A]()
	}
	for _, id := range ids {
		mustBeID(id)
	}
	return Effect[A]{run: func(_ context.Context, rt *Runtime, _ func(context.Context, A), done func()) {
		for _, id := range ids {
			rt.registry().Cancel(id)
		}
		done()
	}}
}

// Warn reports err through the store's reporter. Reducers return it to
// surface a logic error without side effects of their own.
func Warn[A any](err *errmodel.Error) Effect[A] {
	return Effect[A]{run: func(ctx context.Context, rt *Runtime, _ func(context.Context, A), done func()) {
		rt.report(ctx, err)
		done()
	}}
}

func mustBeID(id any) {
	if id == nil {
		panic("effect: cancellation id must not be nil")
	}
	if t := reflect.TypeOf(id); !t.Comparable() {
		panic(fmt.Sprintf("effect: cancellation id of type %s is not comparable", t))
	}
}
