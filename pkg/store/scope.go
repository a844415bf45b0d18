package store

import "sync"

// Scope derives a store that shows toChild(parent state) and forwards its
// actions to the parent through fromChild. The scoped state is cached and
// recomputed once per parent publication, so chains of scopes cost one
// projection per level regardless of depth.
func Scope[S, A, CS, CA any](parent *Store[S, A], toChild func(S) CS, fromChild func(CA) A) *Store[CS, CA] {
	child := &node[CS]{compute: func() CS { return toChild(parent.node.get()) }}
	child.value = child.compute()
	return attach(parent, child, fromChild)
}

func attach[S, A, CS, CA any](parent *Store[S, A], child *node[CS], fromChild func(CA) A) *Store[CS, CA] {
	c := parent.core
	c.mu.Lock()
	offMain := c.checkMainLocked("scope")
	c.mu.Unlock()
	if offMain != nil {
		c.report(c.ctx, offMain)
	}

	s := &Store[CS, CA]{
		core: c,
		node: child,
		lift: func(a CA) any { return parent.lift(fromChild(a)) },
	}
	if parent.node.dead.Load() {
		child.dead.Store(true)
		return s
	}
	parent.node.addChild(child)
	s.detach = func() { parent.node.removeChild(child) }
	return s
}

// IfLet watches an optional slice of the parent state. When toChild starts
// reporting a value, then receives a store scoped to it; when the value
// goes away, that store is released and otherwise is called. Either
// callback may be nil. Sends to a released store are reported as
// dead_scope logic errors. The returned func stops watching and releases
// the current child store.
func IfLet[S, A, CS, CA any](
	parent *Store[S, A],
	toChild func(S) (CS, bool),
	fromChild func(CA) A,
	then func(*Store[CS, CA]),
	otherwise func(),
) (cancel func()) {
	var (
		mu      sync.Mutex
		current *Store[CS, CA]
	)

	spawn := func(initial CS) *Store[CS, CA] {
		last := initial
		n := &node[CS]{value: initial}
		n.compute = func() CS {
			if v, ok := toChild(parent.node.get()); ok {
				last = v
			}
			return last
		}
		return attach(parent, n, fromChild)
	}

	update := func(state S) {
		v, ok := toChild(state)
		mu.Lock()
		switch {
		case ok && current == nil:
			current = spawn(v)
			child := current
			mu.Unlock()
			if then != nil {
				then(child)
			}
		case !ok && current != nil:
			child := current
			current = nil
			mu.Unlock()
			child.Release()
			if otherwise != nil {
				otherwise()
			}
		default:
			mu.Unlock()
		}
	}

	if v, ok := toChild(parent.State()); ok {
		current = spawn(v)
		if then != nil {
			then(current)
		}
	} else if otherwise != nil {
		otherwise()
	}
	stop := parent.node.observe(nil, update)

	return func() {
		stop()
		mu.Lock()
		child := current
		current = nil
		mu.Unlock()
		if child != nil {
			child.Release()
		}
	}
}
