package effect

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/wilhg/composable/pkg/errmodel"
)

// Send delivers a value from a Run operation back to the store.
type Send[A any] func(A)

type runConfig[A any] struct {
	catch func(err error, send Send[A])
}

// RunOption configures Run.
type RunOption[A any] func(*runConfig[A])

// WithCatch converts an error returned by the operation into actions.
// Without it, errors are reported as logic errors: failures are expected
// to travel as action payloads.
func WithCatch[A any](fn func(err error, send Send[A])) RunOption[A] {
	return func(c *runConfig[A]) { c.catch = fn }
}

// Run starts op on its own goroutine. op may call send any number of
// times before it returns; the effect completes when op returns or its
// context is cancelled.
func Run[A any](op func(ctx context.Context, send Send[A]) error, opts ...RunOption[A]) Effect[A] {
	var cfg runConfig[A]
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return Effect[A]{run: func(ctx context.Context, rt *Runtime, emit func(context.Context, A), done func()) {
		rctx, cancel := context.WithCancelCause(ctx)
		finish := guard(rctx, done)
		var returned atomic.Bool
		send := func(a A) {
			if returned.Load() {
				rt.report(rctx, errmodel.Logic(errmodel.CodeSendAfterCompletion,
					"send called after the run operation returned",
					map[string]any{"action": fmt.Sprintf("%T", a)}))
				return
			}
			if Cancelled(rctx) {
				return
			}
			emit(rctx, a)
		}
		go func() {
			err := op(rctx, send)
			if err != nil && !Cancelled(rctx) && !errors.Is(err, context.Canceled) {
				if cfg.catch != nil {
					cfg.catch(err, send)
				} else {
					rt.report(rctx, errmodel.New(errmodel.CategoryLogic, errmodel.CodeUnhandledError,
						"run operation returned an unhandled error", nil, err))
				}
			}
			returned.Store(true)
			finish()
			cancel(ErrCompleted)
		}()
	}}
}

// Future runs work once and emits its result.
func Future[A any](work func(ctx context.Context) A) Effect[A] {
	return Run(func(ctx context.Context, send Send[A]) error {
		send(work(ctx))
		return nil
	})
}

// FireAndForget runs work synchronously when the effect is subscribed
// and never emits.
func FireAndForget[A any](work func()) Effect[A] {
	return Effect[A]{run: func(ctx context.Context, _ *Runtime, _ func(context.Context, A), done func()) {
		if !Cancelled(ctx) {
			work()
		}
		done()
	}}
}
