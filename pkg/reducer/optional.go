package reducer

import (
	"fmt"

	"github.com/wilhg/composable/pkg/effect"
	"github.com/wilhg/composable/pkg/errmodel"
)

// Optional lifts a reducer on S to one on *S. While the state is nil the
// action is dropped and a missing_state logic error is reported.
//
// The pointee is copied before the wrapped reducer runs and the pointer is
// replaced afterwards, so previously published state is never mutated.
func Optional[S, A, E any](r Reducer[S, A, E]) Reducer[*S, A, E] {
	return func(state **S, action A, env E) effect.Effect[A] {
		if *state == nil {
			return effect.Warn[A](errmodel.Logic(errmodel.CodeMissingState,
				"action sent to optional state while it was absent",
				map[string]any{"action": fmt.Sprintf("%T", action), "state": fmt.Sprintf("%T", *state)}))
		}
		next := **state
		eff := r.Reduce(&next, action, env)
		*state = &next
		return eff
	}
}

// IfLet runs child on an optional slice of the parent state before the
// parent reducer runs, so that child actions still find their state when
// the parent clears it in response to the same action.
func IfLet[LS, LA, LE, GS, GA, GE any](
	parent Reducer[GS, GA, GE],
	child Reducer[LS, LA, LE],
	state StatePath[GS, *LS],
	action CasePath[GA, LA],
	env func(GE) LE,
) Reducer[GS, GA, GE] {
	return Combine(
		Pullback(Optional(child), state, action, env),
		parent,
	)
}
