package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/composable/pkg/effect"
	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/reducer"
	"github.com/wilhg/composable/pkg/scheduler"
)

type editor struct {
	Draft string
}

type state struct {
	Count  int
	Ticks  int
	Editor *editor
}

type action struct {
	kind string
	n    int
	text string
}

type env struct {
	sched scheduler.Scheduler
}

type timerID struct{}

func reduce(s *state, a action, e env) effect.Effect[action] {
	switch a.kind {
	case "inc":
		s.Count++
	case "add":
		s.Count += a.n
	case "double":
		s.Count *= 2
	case "chain":
		if a.n > 0 {
			s.Count++
			return effect.Just(action{kind: "chain", n: a.n - 1})
		}
	case "start":
		return effect.Map(effect.Timer(timerID{}, time.Second, e.sched), func(time.Time) action {
			return action{kind: "tick"}
		})
	case "tick":
		s.Ticks++
	case "stop":
		return effect.Cancel[action](timerID{})
	case "open":
		s.Editor = &editor{Draft: a.text}
	case "edit":
		if s.Editor != nil {
			next := *s.Editor
			next.Draft = a.text
			s.Editor = &next
		}
	case "close":
		s.Editor = nil
	}
	return effect.None[action]()
}

type reports struct {
	mu    sync.Mutex
	codes []string
}

func (r *reports) Report(_ context.Context, err *errmodel.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, err.Code)
}

func (r *reports) Codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.codes...)
}

func newTestStore(t *testing.T, opts ...Option) (*Store[state, action], *scheduler.Test, *reports) {
	t.Helper()
	sched := scheduler.NewTest(time.Time{})
	rep := &reports{}
	base := []Option{
		WithName("test"),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithReporter(rep),
	}
	s := New(state{}, reducer.Reducer[state, action, env](reduce), env{sched: sched}, append(base, opts...)...)
	return s, sched, rep
}

func TestStore_Counter(t *testing.T) {
	s, _, rep := newTestStore(t)
	var seen []int
	s.Subscribe(func(st state) { seen = append(seen, st.Count) })

	for range 3 {
		s.Send(action{kind: "inc"})
	}

	assert.Equal(t, 3, s.State().Count)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Empty(t, rep.Codes())
}

func TestStore_SyncFollowUpsRunBeforeSendReturns(t *testing.T) {
	s, _, _ := newTestStore(t)
	var notifications int
	s.Subscribe(func(state) { notifications++ })

	task := s.Send(action{kind: "chain", n: 5})

	assert.Equal(t, 5, s.State().Count)
	assert.Equal(t, 1, notifications, "one publication per drain")
	select {
	case <-task.Done():
	default:
		t.Fatal("task should be finished once all synchronous work is done")
	}
}

func TestStore_LeftFold(t *testing.T) {
	actions := []action{{kind: "add", n: 3}, {kind: "double"}, {kind: "inc"}, {kind: "double"}, {kind: "add", n: -4}}

	want := state{}
	for _, a := range actions {
		reduce(&want, a, env{})
	}

	s, _, _ := newTestStore(t)
	for _, a := range actions {
		s.Send(a)
	}
	assert.Equal(t, want, s.State())
}

func TestStore_ObserverSendsAreQueued(t *testing.T) {
	s, _, rep := newTestStore(t)
	var seen []int
	s.Subscribe(func(st state) {
		seen = append(seen, st.Count)
		if st.Count == 1 {
			s.Send(action{kind: "double"})
			// Reentrant sends are queued, not processed inline.
			assert.Equal(t, 1, s.State().Count)
		}
	})

	s.Send(action{kind: "inc"})

	assert.Equal(t, 2, s.State().Count)
	assert.Equal(t, []int{1, 2}, seen)
	assert.Empty(t, rep.Codes())
}

func TestStore_Timer(t *testing.T) {
	s, sched, rep := newTestStore(t)

	s.Send(action{kind: "start"})
	assert.Equal(t, 1, s.InFlight())

	sched.Advance(3 * time.Second)
	assert.Equal(t, 3, s.State().Ticks)

	s.Send(action{kind: "stop"})
	sched.Advance(3 * time.Second)
	assert.Equal(t, 3, s.State().Ticks)
	assert.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, rep.Codes())
}

func TestStore_TimerCancelledBeforeFirstTick(t *testing.T) {
	s, sched, _ := newTestStore(t)

	s.Send(action{kind: "start"})
	s.Send(action{kind: "stop"})
	sched.Advance(5 * time.Second)

	assert.Zero(t, s.State().Ticks)
	assert.Zero(t, s.Registry().Live(timerID{}))
}

func TestStore_TimerRestartCancelsInFlight(t *testing.T) {
	s, sched, _ := newTestStore(t)

	s.Send(action{kind: "start"})
	sched.Advance(500 * time.Millisecond)
	s.Send(action{kind: "start"})
	sched.Advance(1500 * time.Millisecond)

	// Only the second timer ticks, once, at 1.5s.
	assert.Equal(t, 1, s.State().Ticks)
	assert.Equal(t, 1, s.Registry().Live(timerID{}))
	s.Send(action{kind: "stop"})
}

func TestTask_CancelStopsEffects(t *testing.T) {
	s, sched, _ := newTestStore(t)

	task := s.Send(action{kind: "start"})
	sched.Advance(time.Second)
	require.Equal(t, 1, s.State().Ticks)

	task.Cancel()
	sched.Advance(3 * time.Second)

	assert.Equal(t, 1, s.State().Ticks)
	assert.True(t, task.IsCancelled())
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, task.Wait(ctx))
	assert.Equal(t, 0, s.InFlight())
}

func TestTask_WaitTimesOut(t *testing.T) {
	s, _, _ := newTestStore(t)
	task := s.Send(action{kind: "start"})
	defer task.Cancel()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded)
	assert.False(t, task.IsCancelled())
}

func TestStore_SendContext(t *testing.T) {
	s, _, _ := newTestStore(t)

	task, err := s.SendContext(t.Context(), action{kind: "add", n: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, s.State().Count)
	require.NoError(t, task.Wait(t.Context()))
}

func TestStore_ObserveDeduplicates(t *testing.T) {
	s, sched, _ := newTestStore(t)
	var counts []int
	s.Observe(func(prev, next state) bool { return prev.Count == next.Count }, func(st state) {
		counts = append(counts, st.Count)
	})

	s.Send(action{kind: "inc"})
	s.Send(action{kind: "start"})
	sched.Advance(2 * time.Second)
	s.Send(action{kind: "stop"})
	s.Send(action{kind: "inc"})

	assert.Equal(t, []int{1, 2}, counts)
}

func TestStore_SubscribeCancel(t *testing.T) {
	s, _, _ := newTestStore(t)
	var n int
	stop := s.Subscribe(func(state) { n++ })
	s.Send(action{kind: "inc"})
	stop()
	stop()
	s.Send(action{kind: "inc"})
	assert.Equal(t, 1, n)
}

func TestStore_Changes(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(t.Context())

	ch := s.Changes(ctx, func(prev, next state) bool { return prev.Count == next.Count })
	assert.Equal(t, 0, (<-ch).Count)

	s.Send(action{kind: "inc"})
	s.Send(action{kind: "inc"})
	assert.Equal(t, 2, (<-ch).Count, "slow readers see the latest state")

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestScope_Consistency(t *testing.T) {
	s, sched, _ := newTestStore(t)
	count := Scope(s, func(st state) int { return st.Count }, func(n int) action { return action{kind: "add", n: n} })

	var glitches int
	s.Subscribe(func(st state) {
		if count.State() != st.Count {
			glitches++
		}
	})
	count.Subscribe(func(n int) {
		if s.State().Count != n {
			glitches++
		}
	})

	count.Send(5)
	s.Send(action{kind: "double"})
	s.Send(action{kind: "start"})
	sched.Advance(2 * time.Second)
	s.Send(action{kind: "stop"})

	assert.Equal(t, 10, s.State().Count)
	assert.Equal(t, s.State().Count, count.State())
	assert.Zero(t, glitches)
}

func TestScope_Chained(t *testing.T) {
	s, _, _ := newTestStore(t)
	var computed int
	count := Scope(s, func(st state) int { return st.Count }, func(n int) action { return action{kind: "add", n: n} })
	parity := Scope(count, func(n int) bool {
		computed++
		return n%2 == 0
	}, func(n int) int { return n })

	before := computed
	parity.Send(1)
	parity.Send(2)

	assert.False(t, parity.State())
	assert.Equal(t, 3, s.State().Count)
	assert.Equal(t, 2, computed-before, "one projection per publication")
}

func TestIfLet_ScopeLifecycle(t *testing.T) {
	s, _, rep := newTestStore(t)

	var (
		child      *Store[string, string]
		otherwises int
	)
	stop := IfLet(s,
		func(st state) (string, bool) {
			if st.Editor == nil {
				return "", false
			}
			return st.Editor.Draft, true
		},
		func(text string) action { return action{kind: "edit", text: text} },
		func(c *Store[string, string]) { child = c },
		func() { otherwises++ },
	)
	defer stop()
	assert.Equal(t, 1, otherwises)
	assert.Nil(t, child)

	s.Send(action{kind: "open", text: "draft"})
	require.NotNil(t, child)
	assert.Equal(t, "draft", child.State())

	child.Send("edited")
	assert.Equal(t, "edited", s.State().Editor.Draft)
	assert.Equal(t, "edited", child.State())

	s.Send(action{kind: "close"})
	assert.Equal(t, 2, otherwises)
	assert.False(t, child.Alive())
	assert.Equal(t, "edited", child.State(), "released scope keeps its last value")

	child.Send("late")
	assert.Nil(t, s.State().Editor)
	assert.Equal(t, []string{errmodel.CodeDeadScope}, rep.Codes())
}

func TestScope_ReleaseDetaches(t *testing.T) {
	s, _, rep := newTestStore(t)
	count := Scope(s, func(st state) int { return st.Count }, func(n int) action { return action{kind: "add", n: n} })
	var n int
	count.Subscribe(func(int) { n++ })

	count.Release()
	s.Send(action{kind: "inc"})
	count.Send(1)

	assert.Zero(t, n)
	assert.Equal(t, 1, s.State().Count)
	assert.Equal(t, []string{errmodel.CodeDeadScope}, rep.Codes())
}

func TestStore_ReleaseModeDropsLogicErrors(t *testing.T) {
	s, _, rep := newTestStore(t, WithMode(Release))
	count := Scope(s, func(st state) int { return st.Count }, func(n int) action { return action{kind: "add", n: n} })
	count.Release()

	count.Send(1)
	s.Close()
	s.Send(action{kind: "inc"})

	assert.Empty(t, rep.Codes())
	assert.Zero(t, s.State().Count)
}

func TestStore_CloseReportsLeaksAndRejectsSends(t *testing.T) {
	s, sched, rep := newTestStore(t)

	task := s.Send(action{kind: "start"})
	s.Close()
	sched.Advance(3 * time.Second)
	s.Send(action{kind: "inc"})

	assert.Zero(t, s.State().Ticks)
	assert.Zero(t, s.State().Count)
	assert.False(t, s.Alive())
	assert.Equal(t, []string{errmodel.CodeLeakedEffects, errmodel.CodeSendAfterClose}, rep.Codes())
	assert.True(t, task.IsCancelled())
	assert.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, time.Millisecond)
}

func TestStore_Taps(t *testing.T) {
	var records []Record
	s, _, _ := newTestStore(t, WithTap(TapFunc(func(r Record) { records = append(records, r) })))

	s.Send(action{kind: "chain", n: 2})

	require.Len(t, records, 3)
	assert.Equal(t, Sent, records[0].Origin)
	assert.Equal(t, Received, records[1].Origin)
	assert.Equal(t, uint64(3), records[2].Seq)
	assert.Equal(t, 2, records[2].State.(state).Count)
	assert.Equal(t, "test", records[0].Store)
}

func TestStore_MainScheduler(t *testing.T) {
	main := scheduler.NewTest(time.Time{})
	s, sched, _ := newTestStore(t, WithMainScheduler(main))

	s.Send(action{kind: "chain", n: 3})
	assert.Equal(t, 3, s.State().Count, "synchronous follow-ups run before Send returns")

	s.Send(action{kind: "start"})
	sched.Advance(time.Second)
	assert.Zero(t, s.State().Ticks, "async emissions wait for the main scheduler")

	main.Run()
	assert.Equal(t, 1, s.State().Ticks)
	s.Send(action{kind: "stop"})
}

func TestTask_CancelWhileEffectSends(t *testing.T) {
	for i := range 500 {
		var processed atomic.Int64
		first := make(chan struct{})
		var once sync.Once
		pump := func(s *state, a action, _ struct{}) effect.Effect[action] {
			switch a.kind {
			case "pump":
				return effect.Run(func(ctx context.Context, send effect.Send[action]) error {
					for ctx.Err() == nil {
						send(action{kind: "inc"})
					}
					return ctx.Err()
				})
			case "inc":
				s.Count++
				processed.Add(1)
				once.Do(func() { close(first) })
			}
			return effect.None[action]()
		}
		s := New(state{}, pump, struct{}{}, WithLogger(slog.New(slog.DiscardHandler)), WithMode(Release))

		task := s.Send(action{kind: "pump"})
		<-first
		if i%2 == 0 {
			task.Cancel()
		} else {
			s.Close()
		}
		select {
		case <-task.Done():
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: task never finished", i)
		}
		after := processed.Load()
		s.Close()

		require.True(t, task.IsCancelled())
		require.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, time.Millisecond)
		require.Equal(t, after, processed.Load(), "iteration %d: action processed after Done", i)
		<-task.Done()
	}
}

func TestStore_OffMainSendIsReported(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	rep := &reports{}
	blocking := func(s *state, a action, _ struct{}) effect.Effect[action] {
		if a.kind == "block" {
			close(entered)
			<-gate
		}
		s.Count++
		return effect.None[action]()
	}
	s := New(state{}, blocking, struct{}{}, WithLogger(slog.New(slog.DiscardHandler)), WithReporter(rep))

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		s.Send(action{kind: "block"})
	}()
	<-entered
	s.Send(action{kind: "inc"})
	assert.Equal(t, []string{errmodel.CodeOffMain}, rep.Codes())

	close(gate)
	<-sent
	assert.Equal(t, 2, s.State().Count, "the foreign send is still processed")
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, Release, ParseMode("release"))
	assert.Equal(t, Debug, ParseMode("debug"))
	assert.Equal(t, Debug, ParseMode(""))
	assert.Equal(t, "release", Release.String())
}

func TestOrigin_Text(t *testing.T) {
	b, err := Received.MarshalText()
	require.NoError(t, err)
	var o Origin
	require.NoError(t, o.UnmarshalText(b))
	assert.Equal(t, Received, o)
}
