package viewstore

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/composable/pkg/effect"
	"github.com/wilhg/composable/pkg/store"
)

type form struct {
	Name    string
	Touched int
	tags    []string
}

type formAction struct {
	name  *string
	touch bool
}

func reduceForm(s *form, a formAction, _ struct{}) effect.Effect[formAction] {
	if a.name != nil {
		s.Name = *a.name
	}
	if a.touch {
		s.Touched++
	}
	return effect.None[formAction]()
}

func newForm(t *testing.T) *store.Store[form, formAction] {
	t.Helper()
	st := store.New(form{tags: []string{"a"}}, reduceForm, struct{}{}, store.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(st.Close)
	return st
}

func TestViewStore_DeduplicatesByDefault(t *testing.T) {
	st := newForm(t)
	vs := New(st, nil)
	defer vs.Close()

	var seen []string
	vs.Subscribe(func(f form) { seen = append(seen, f.Name) })

	name := "ada"
	vs.Send(formAction{name: &name})
	vs.Send(formAction{name: &name})
	vs.Send(formAction{touch: true})

	assert.Equal(t, []string{"ada", "ada"}, seen, "the repeated name is a duplicate, the touch is not")
	assert.Equal(t, 1, vs.State().Touched)
}

func TestViewStore_SubscribersRunInOrder(t *testing.T) {
	st := newForm(t)
	vs := New(st, nil)
	defer vs.Close()

	var order []int
	var cancels []func()
	for i := range 8 {
		cancels = append(cancels, vs.Subscribe(func(form) { order = append(order, i) }))
	}
	cancels[3]()

	for range 3 {
		vs.Send(formAction{touch: true})
	}

	want := []int{0, 1, 2, 4, 5, 6, 7}
	require.Len(t, order, 3*len(want))
	for i := range 3 {
		assert.Equal(t, want, order[i*len(want):(i+1)*len(want)])
	}
}

func TestViewStore_UnsubscribeDuringPublish(t *testing.T) {
	st := newForm(t)
	vs := New(st, nil)
	defer vs.Close()

	var second int
	var cancelSecond func()
	vs.Subscribe(func(form) { cancelSecond() })
	cancelSecond = vs.Subscribe(func(form) { second++ })

	vs.Send(formAction{touch: true})
	vs.Send(formAction{touch: true})

	assert.Zero(t, second)
}

func TestViewStore_CustomEquality(t *testing.T) {
	st := newForm(t)
	vs := New(st, func(prev, next form) bool { return prev.Name == next.Name })
	defer vs.Close()

	var n int
	vs.Subscribe(func(form) { n++ })
	vs.Send(formAction{touch: true})
	vs.Send(formAction{touch: true})

	assert.Zero(t, n)
	assert.Zero(t, vs.State().Touched, "state is only refreshed on distinct changes")
	assert.Equal(t, 2, st.State().Touched)
}

func TestBind(t *testing.T) {
	st := newForm(t)
	vs := New(st, nil)
	defer vs.Close()

	b := Bind(vs, func(f form) string { return f.Name }, func(v string) formAction { return formAction{name: &v} })
	b.Set("grace")
	assert.Equal(t, "grace", b.Get())
	assert.Equal(t, "grace", st.State().Name)
}

func TestViewStore_SendContextAndClose(t *testing.T) {
	st := newForm(t)
	vs := New(st, nil)

	var n int
	vs.Subscribe(func(form) { n++ })
	_, err := vs.SendContext(t.Context(), formAction{touch: true})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	vs.Close()
	vs.Send(formAction{touch: true})
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, st.State().Touched)
}

func TestConstant(t *testing.T) {
	b := Constant(3)
	b.Set(4)
	assert.Equal(t, 3, b.Get())
}

func TestDeepEqual_UnexportedFields(t *testing.T) {
	assert.True(t, DeepEqual(form{tags: []string{"x"}}, form{tags: []string{"x"}}))
	assert.False(t, DeepEqual(form{tags: []string{"x"}}, form{tags: []string{"y"}}))
}
