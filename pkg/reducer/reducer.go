// Package reducer composes state transitions. A Reducer mutates state in
// place for one action and returns the follow-up work as an Effect.
package reducer

import (
	"github.com/wilhg/composable/pkg/effect"
)

// Reducer evolves state for an action and describes follow-up effects.
// It must not perform side effects itself.
type Reducer[S, A, E any] func(state *S, action A, env E) effect.Effect[A]

// Reduce runs r; a nil reducer does nothing.
func (r Reducer[S, A, E]) Reduce(state *S, action A, env E) effect.Effect[A] {
	if r == nil {
		return effect.None[A]()
	}
	return r(state, action, env)
}

// Empty returns a reducer that ignores every action.
func Empty[S, A, E any]() Reducer[S, A, E] {
	return func(*S, A, E) effect.Effect[A] { return effect.None[A]() }
}

// Combine runs every reducer against the same state and action, in order,
// and merges their effects.
func Combine[S, A, E any](reducers ...Reducer[S, A, E]) Reducer[S, A, E] {
	return func(state *S, action A, env E) effect.Effect[A] {
		effects := make([]effect.Effect[A], 0, len(reducers))
		for _, r := range reducers {
			effects = append(effects, r.Reduce(state, action, env))
		}
		return effect.Merge(effects...)
	}
}

// StatePath focuses on a field of Root. The returned pointer must point
// into root.
type StatePath[Root, Value any] func(root *Root) *Value

// CasePath extracts one case from a sum-typed action and embeds it back.
type CasePath[Root, Value any] struct {
	Extract func(Root) (Value, bool)
	Embed   func(Value) Root
}

// Case returns the CasePath for an action type that itself implements the
// Root interface, the usual shape of sealed action unions.
func Case[Root, Value any]() CasePath[Root, Value] {
	return CasePath[Root, Value]{
		Extract: func(r Root) (Value, bool) {
			v, ok := any(r).(Value)
			return v, ok
		},
		Embed: func(v Value) Root {
			return any(v).(Root)
		},
	}
}

// Pullback lifts a local reducer to global state, action and environment.
// Actions that do not match the case are ignored; the local reducer
// mutates its slice of the global state in place and its effects are
// embedded back into global actions.
func Pullback[LS, LA, LE, GS, GA, GE any](
	local Reducer[LS, LA, LE],
	state StatePath[GS, LS],
	action CasePath[GA, LA],
	env func(GE) LE,
) Reducer[GS, GA, GE] {
	return func(global *GS, ga GA, genv GE) effect.Effect[GA] {
		la, ok := action.Extract(ga)
		if !ok {
			return effect.None[GA]()
		}
		return effect.Map(local.Reduce(state(global), la, env(genv)), action.Embed)
	}
}

// Identity returns its environment unchanged; handy as the env transform
// of Pullback when parent and child share an environment.
func Identity[E any](e E) E { return e }
