package effect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/scheduler"
)

// sink collects the values an effect emits and whether it completed.
type sink[A any] struct {
	mu     sync.Mutex
	values []A
	done   chan struct{}
}

func (s *sink[A]) emit(_ context.Context, a A) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, a)
}

func (s *sink[A]) Values() []A {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]A(nil), s.values...)
}

func (s *sink[A]) Completed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func newSink[A any]() *sink[A] {
	return &sink[A]{done: make(chan struct{})}
}

func start[A any](ctx context.Context, rt *Runtime, e Effect[A], s *sink[A]) {
	e.Subscribe(ctx, rt, s.emit, func() { close(s.done) })
}

func TestNone_CompletesImmediately(t *testing.T) {
	s := newSink[int]()
	start(t.Context(), NewRuntime(), None[int](), s)
	assert.True(t, None[int]().IsNone())
	assert.True(t, s.Completed())
	assert.Empty(t, s.Values())
}

func TestJust_EmitsSynchronously(t *testing.T) {
	s := newSink[int]()
	start(t.Context(), NewRuntime(), JustAll(1, 2, 3), s)
	assert.Equal(t, []int{1, 2, 3}, s.Values())
	assert.True(t, s.Completed())
}

func TestMerge_NoneIsIdentity(t *testing.T) {
	assert.True(t, Merge(None[int](), None[int]()).IsNone())

	alone := newSink[int]()
	start(t.Context(), NewRuntime(), Just(7), alone)
	merged := newSink[int]()
	start(t.Context(), NewRuntime(), Merge(None[int](), Just(7), None[int]()), merged)
	assert.Equal(t, alone.Values(), merged.Values())
	assert.True(t, merged.Completed())
}

func TestMerge_CompletesWhenAllComplete(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	s := newSink[int]()
	start(t.Context(), NewRuntime(), Merge(
		Deferred(Just(2), 2*time.Second, sched),
		Just(1),
		Deferred(Just(3), 3*time.Second, sched),
	), s)
	assert.Equal(t, []int{1}, s.Values())
	sched.Advance(2 * time.Second)
	assert.False(t, s.Completed())
	sched.Advance(time.Second)
	assert.Equal(t, []int{1, 2, 3}, s.Values())
	assert.True(t, s.Completed())
}

func TestConcatenate_RunsInSequence(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	s := newSink[int]()
	start(t.Context(), NewRuntime(), Concatenate(
		Deferred(Just(1), 2*time.Second, sched),
		Just(2),
		Deferred(Just(3), time.Second, sched),
	), s)

	sched.Advance(time.Second)
	assert.Empty(t, s.Values(), "second effect must wait for the first")
	sched.Advance(time.Second)
	assert.Equal(t, []int{1, 2}, s.Values())
	sched.Advance(time.Second)
	assert.Equal(t, []int{1, 2, 3}, s.Values())
	assert.True(t, s.Completed())
}

func TestMap(t *testing.T) {
	s := newSink[string]()
	start(t.Context(), NewRuntime(), Map(JustAll(1, 2), func(i int) string { return string(rune('a' + i)) }), s)
	assert.Equal(t, []string{"b", "c"}, s.Values())
}

func TestCancel_TearsDownRegisteredEffects(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	s := newSink[int]()
	start(t.Context(), rt, Cancellable(Deferred(Just(1), time.Second, sched), "load", false), s)
	require.Equal(t, 1, rt.Registry.Live("load"))

	start(t.Context(), rt, Cancel[int]("load"), newSink[int]())
	assert.Equal(t, 0, rt.Registry.Live("load"))

	sched.Advance(time.Second)
	assert.Empty(t, s.Values())
	require.Eventually(t, s.Completed, time.Second, time.Millisecond)
}

func TestCancellable_CancelInFlight(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	first, second := newSink[int](), newSink[int]()
	start(t.Context(), rt, Cancellable(Deferred(Just(1), time.Second, sched), "req", true), first)
	start(t.Context(), rt, Cancellable(Deferred(Just(2), time.Second, sched), "req", true), second)
	assert.Equal(t, 1, rt.Registry.Live("req"))

	sched.Advance(time.Second)
	assert.Empty(t, first.Values())
	assert.Equal(t, []int{2}, second.Values())
	assert.True(t, second.Completed())
	assert.Equal(t, 0, rt.Registry.Live("req"))
}

func TestCancellable_SharedIDWithoutCancelInFlight(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	a, b := newSink[int](), newSink[int]()
	start(t.Context(), rt, Cancellable(Deferred(Just(1), time.Second, sched), "shared", false), a)
	start(t.Context(), rt, Cancellable(Deferred(Just(2), time.Second, sched), "shared", false), b)
	assert.Equal(t, 2, rt.Registry.Live("shared"))

	assert.Equal(t, 2, rt.Registry.Cancel("shared"))
	sched.Advance(time.Second)
	assert.Empty(t, a.Values())
	assert.Empty(t, b.Values())
}

func TestCancellable_IDTypeIsPartOfKey(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	s := newSink[int]()
	start(t.Context(), rt, Cancellable(Deferred(Just(1), time.Second, sched), int(1), false), s)
	rt.Registry.Cancel(int64(1))
	sched.Advance(time.Second)
	assert.Equal(t, []int{1}, s.Values())
}

func TestCancellable_RejectsInvalidIDs(t *testing.T) {
	assert.Panics(t, func() { Cancellable(Just(1), nil, false) })
	assert.Panics(t, func() { Cancellable(Just(1), []int{1}, false) })
}

func TestCancellation_CascadesFromParentContext(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	ctx, cancel := context.WithCancelCause(t.Context())
	s := newSink[int]()
	start(ctx, NewRuntime(), Merge(
		Deferred(Just(1), time.Second, sched),
		Concatenate(Deferred(Just(2), time.Second, sched), Just(3)),
	), s)
	cancel(ErrCancelled)
	sched.Advance(2 * time.Second)
	assert.Empty(t, s.Values())
	require.Eventually(t, s.Completed, time.Second, time.Millisecond)
}

func TestDebounce_OnlyLastInvocationEmits(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	s := newSink[int]()
	for i := 1; i <= 3; i++ {
		Debounce(Just(i), "search", time.Second, sched).Subscribe(t.Context(), rt, s.emit, nil)
		sched.Advance(200 * time.Millisecond)
	}
	// Last invocation happened at t=400ms.
	sched.AdvanceTo(sched.Now().Add(799 * time.Millisecond))
	assert.Empty(t, s.Values())
	sched.Advance(time.Millisecond)
	assert.Equal(t, []int{3}, s.Values())
	assert.Equal(t, time.Unix(0, 0).UTC().Add(1400*time.Millisecond), sched.Now())
}

func throttleScenario(t *testing.T, latest bool) []int {
	t.Helper()
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	s := newSink[int]()
	send := func(v int) {
		Throttle(Just(v), "scroll", time.Second, sched, latest).Subscribe(t.Context(), rt, s.emit, nil)
		sched.Advance(0)
	}
	send(1)
	require.Equal(t, []int{1}, s.Values(), "first value passes immediately")
	sched.Advance(250 * time.Millisecond)
	send(2)
	sched.Advance(250 * time.Millisecond)
	send(3)
	require.Equal(t, []int{1}, s.Values(), "values inside the window are held")
	sched.Advance(499 * time.Millisecond)
	require.Equal(t, []int{1}, s.Values())
	sched.Advance(time.Millisecond)
	return s.Values()
}

func TestThrottle_Latest(t *testing.T) {
	assert.Equal(t, []int{1, 3}, throttleScenario(t, true))
}

func TestThrottle_First(t *testing.T) {
	assert.Equal(t, []int{1, 2}, throttleScenario(t, false))
}

func TestThrottle_CancelDropsWindow(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	s := newSink[int]()
	send := func(v int) {
		Throttle(Just(v), "scroll", time.Second, sched, true).Subscribe(t.Context(), rt, s.emit, nil)
		sched.Advance(0)
	}
	send(1)
	sched.Advance(100 * time.Millisecond)
	Cancel[int]("scroll").Subscribe(t.Context(), rt, s.emit, nil)
	send(2)
	assert.Equal(t, []int{1, 2}, s.Values(), "a cancelled throttle starts a fresh window")
}

func TestThrottle_ReusedIDWithOtherType(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	var (
		mu    sync.Mutex
		codes []string
	)
	rt.Report = func(_ context.Context, err *errmodel.Error) {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, err.Code)
	}
	ints, strs := newSink[int](), newSink[string]()

	Throttle(Just(1), "mixed", time.Second, sched, false).Subscribe(t.Context(), rt, ints.emit, nil)
	sched.Advance(250 * time.Millisecond)
	Throttle(Just(2), "mixed", time.Second, sched, false).Subscribe(t.Context(), rt, ints.emit, nil)
	sched.Advance(250 * time.Millisecond)
	Throttle(Just("x"), "mixed", time.Second, sched, false).Subscribe(t.Context(), rt, strs.emit, nil)
	sched.Advance(time.Second)

	assert.Equal(t, []int{1}, ints.Values())
	assert.Equal(t, []string{"x"}, strs.Values(), "the foreign held value is never emitted as a zero value")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{errmodel.CodeThrottleMismatch}, codes)
}

func TestThrottle_WindowAnchoredToLastEmission(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	s := newSink[int]()
	send := func(v int) {
		Throttle(Just(v), "id", time.Second, sched, true).Subscribe(t.Context(), rt, s.emit, nil)
		sched.Advance(0)
	}
	send(1)
	sched.Advance(500 * time.Millisecond)
	send(2) // held until t=1s
	sched.Advance(500 * time.Millisecond)
	require.Equal(t, []int{1, 2}, s.Values())
	sched.Advance(500 * time.Millisecond)
	send(3) // t=1.5s, last emission at t=1s
	require.Equal(t, []int{1, 2}, s.Values())
	sched.Advance(500 * time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, s.Values())
	sched.Advance(2 * time.Second)
	send(4) // window has passed
	assert.Equal(t, []int{1, 2, 3, 4}, s.Values())
}

func TestTimer_TicksAndCancels(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	s := newSink[time.Time]()
	start(t.Context(), rt, Timer(1, time.Second, sched), s)

	sched.Advance(3 * time.Second)
	got := s.Values()
	require.Len(t, got, 3)
	for i, at := range got {
		assert.Equal(t, time.Duration(i+1)*time.Second, at.Sub(time.Unix(0, 0).UTC()))
	}

	rt.Registry.Cancel(1)
	sched.Advance(3 * time.Second)
	assert.Len(t, s.Values(), 3)
	require.Eventually(t, s.Completed, time.Second, time.Millisecond)
}

func TestTimer_RestartCancelsPrevious(t *testing.T) {
	sched := scheduler.NewTest(time.Time{})
	rt := NewRuntime()
	first, second := newSink[time.Time](), newSink[time.Time]()
	start(t.Context(), rt, Timer("clock", time.Second, sched), first)
	sched.Advance(time.Second)
	start(t.Context(), rt, Timer("clock", time.Second, sched), second)
	sched.Advance(2 * time.Second)
	assert.Len(t, first.Values(), 1)
	assert.Len(t, second.Values(), 2)
}

func TestRun_EmitsAndCompletes(t *testing.T) {
	s := newSink[int]()
	start(t.Context(), NewRuntime(), Run(func(ctx context.Context, send Send[int]) error {
		send(1)
		send(2)
		return nil
	}), s)
	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("run did not complete")
	}
	assert.Equal(t, []int{1, 2}, s.Values())
}

func TestRun_UnhandledErrorIsReported(t *testing.T) {
	reported := make(chan *errmodel.Error, 1)
	rt := NewRuntime()
	rt.Report = func(_ context.Context, err *errmodel.Error) { reported <- err }
	start(t.Context(), rt, Run(func(context.Context, Send[int]) error {
		return errors.New("boom")
	}), newSink[int]())

	select {
	case err := <-reported:
		assert.Equal(t, errmodel.CategoryLogic, err.Category)
		assert.Equal(t, errmodel.CodeUnhandledError, err.Code)
		require.Len(t, err.Causes, 1)
		assert.Equal(t, "boom", err.Causes[0].Message)
	case <-time.After(time.Second):
		t.Fatal("error was not reported")
	}
}

func TestRun_CatchConvertsErrorToAction(t *testing.T) {
	s := newSink[string]()
	start(t.Context(), NewRuntime(), Run(func(context.Context, Send[string]) error {
		return errors.New("offline")
	}, WithCatch(func(err error, send Send[string]) {
		send("failed: " + err.Error())
	})), s)
	<-s.done
	assert.Equal(t, []string{"failed: offline"}, s.Values())
}

func TestRun_SendAfterCompletionIsReported(t *testing.T) {
	reported := make(chan *errmodel.Error, 1)
	rt := NewRuntime()
	rt.Report = func(_ context.Context, err *errmodel.Error) { reported <- err }
	var late Send[int]
	s := newSink[int]()
	start(t.Context(), rt, Run(func(_ context.Context, send Send[int]) error {
		late = send
		return nil
	}), s)
	<-s.done
	late(1)
	err := <-reported
	assert.Equal(t, errmodel.CodeSendAfterCompletion, err.Code)
	assert.Empty(t, s.Values())
}

func TestRun_CancelledStopsEmissions(t *testing.T) {
	rt := NewRuntime()
	started := make(chan struct{})
	release := make(chan struct{})
	s := newSink[int]()
	start(t.Context(), rt, Cancellable(Run(func(ctx context.Context, send Send[int]) error {
		close(started)
		<-release
		send(1)
		return nil
	}), "job", false), s)
	<-started
	rt.Registry.Cancel("job")
	close(release)
	<-s.done
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, s.Values())
}

func TestFireAndForget(t *testing.T) {
	ran := false
	s := newSink[int]()
	start(t.Context(), NewRuntime(), FireAndForget[int](func() { ran = true }), s)
	assert.True(t, ran)
	assert.True(t, s.Completed())
	assert.Empty(t, s.Values())
}

func TestWarn_Reports(t *testing.T) {
	var got *errmodel.Error
	rt := NewRuntime()
	rt.Report = func(_ context.Context, err *errmodel.Error) { got = err }
	start(t.Context(), rt, Warn[int](errmodel.Logic(errmodel.CodeMissingState, "absent", nil)), newSink[int]())
	require.NotNil(t, got)
	assert.Equal(t, errmodel.CodeMissingState, got.Code)
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	assert.False(t, Cancelled(ctx))
	cancel(ErrCompleted)
	assert.False(t, Cancelled(ctx))

	ctx2, cancel2 := context.WithCancelCause(context.Background())
	cancel2(ErrCancelled)
	assert.True(t, Cancelled(ctx2))
}
