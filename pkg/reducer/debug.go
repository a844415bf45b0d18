package reducer

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/composable/pkg/effect"
)

// Debug wraps r and logs every action together with a diff of the state
// it produced. Unexported fields are compared too unless opts say
// otherwise.
func Debug[S, A, E any](r Reducer[S, A, E], logger *slog.Logger, opts ...cmp.Option) Reducer[S, A, E] {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "reducer"))
	if len(opts) == 0 {
		opts = []cmp.Option{cmp.Exporter(func(reflect.Type) bool { return true })}
	}
	return func(state *S, action A, env E) effect.Effect[A] {
		before := *state
		eff := r.Reduce(state, action, env)
		diff := cmp.Diff(before, *state, opts...)
		if diff == "" {
			logger.Debug("action received", slog.String("action", fmt.Sprintf("%T", action)), slog.Bool("changed", false))
		} else {
			logger.Debug("action received", slog.String("action", fmt.Sprintf("%T", action)), slog.Bool("changed", true), slog.String("diff", diff))
		}
		return eff
	}
}
