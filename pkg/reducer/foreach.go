package reducer

import (
	"fmt"
	"maps"
	"slices"

	"github.com/wilhg/composable/pkg/effect"
	"github.com/wilhg/composable/pkg/errmodel"
)

// Indexed routes an action to the element at Index.
type Indexed[A any] struct {
	Index  int
	Action A
}

// Identified routes an action to the element with ID.
type Identified[ID comparable, A any] struct {
	ID     ID
	Action A
}

// Keyed routes an action to the map entry at Key.
type Keyed[K comparable, A any] struct {
	Key    K
	Action A
}

// The ForEach family lifts a per-element reducer to a collection. An
// action addressed to an element that no longer exists is dropped with a
// missing_element logic error. Reducers that remove elements must come
// after the ForEach reducer in a Combine so that in-flight element actions
// still find their element.
//
// The collection is cloned before the element reducer runs.

// ForEachIndex lifts local over a slice addressed by position.
func ForEachIndex[LS, LA, LE, GS, GA, GE any](
	local Reducer[LS, LA, LE],
	state StatePath[GS, []LS],
	action CasePath[GA, Indexed[LA]],
	env func(GE) LE,
) Reducer[GS, GA, GE] {
	return func(global *GS, ga GA, genv GE) effect.Effect[GA] {
		ia, ok := action.Extract(ga)
		if !ok {
			return effect.None[GA]()
		}
		elems := state(global)
		if ia.Index < 0 || ia.Index >= len(*elems) {
			return missingElement[GA](ga, ia.Index)
		}
		next := slices.Clone(*elems)
		eff := local.Reduce(&next[ia.Index], ia.Action, env(genv))
		*elems = next
		index := ia.Index
		return effect.Map(eff, func(la LA) GA {
			return action.Embed(Indexed[LA]{Index: index, Action: la})
		})
	}
}

// ForEachID lifts local over a slice whose elements carry a stable id.
func ForEachID[ID comparable, LS, LA, LE, GS, GA, GE any](
	local Reducer[LS, LA, LE],
	state StatePath[GS, []LS],
	id func(LS) ID,
	action CasePath[GA, Identified[ID, LA]],
	env func(GE) LE,
) Reducer[GS, GA, GE] {
	return func(global *GS, ga GA, genv GE) effect.Effect[GA] {
		ia, ok := action.Extract(ga)
		if !ok {
			return effect.None[GA]()
		}
		elems := state(global)
		i := slices.IndexFunc(*elems, func(e LS) bool { return id(e) == ia.ID })
		if i < 0 {
			return missingElement[GA](ga, ia.ID)
		}
		next := slices.Clone(*elems)
		eff := local.Reduce(&next[i], ia.Action, env(genv))
		*elems = next
		elemID := ia.ID
		return effect.Map(eff, func(la LA) GA {
			return action.Embed(Identified[ID, LA]{ID: elemID, Action: la})
		})
	}
}

// ForEachKey lifts local over the values of a map.
func ForEachKey[K comparable, LS, LA, LE, GS, GA, GE any](
	local Reducer[LS, LA, LE],
	state StatePath[GS, map[K]LS],
	action CasePath[GA, Keyed[K, LA]],
	env func(GE) LE,
) Reducer[GS, GA, GE] {
	return func(global *GS, ga GA, genv GE) effect.Effect[GA] {
		ka, ok := action.Extract(ga)
		if !ok {
			return effect.None[GA]()
		}
		entries := state(global)
		value, ok := (*entries)[ka.Key]
		if !ok {
			return missingElement[GA](ga, ka.Key)
		}
		eff := local.Reduce(&value, ka.Action, env(genv))
		next := maps.Clone(*entries)
		next[ka.Key] = value
		*entries = next
		key := ka.Key
		return effect.Map(eff, func(la LA) GA {
			return action.Embed(Keyed[K, LA]{Key: key, Action: la})
		})
	}
}

func missingElement[A any](action any, at any) effect.Effect[A] {
	return effect.Warn[A](errmodel.Logic(errmodel.CodeMissingElement,
		"action sent to a collection element that does not exist",
		map[string]any{"action": fmt.Sprintf("%T", action), "element": fmt.Sprint(at)}))
}
