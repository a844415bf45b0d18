package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Test is a virtual-time scheduler. Nothing runs until the clock is
// moved with Advance, AdvanceTo or Run; actions then execute on the
// caller's goroutine in due-time order, ties broken by submission order.
type Test struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	items []*testItem
}

type testItem struct {
	due    time.Time
	seq    uint64
	action func()
}

// NewTest returns a virtual scheduler whose clock starts at start.
// A zero start uses the Unix epoch.
func NewTest(start time.Time) *Test {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	return &Test{now: start}
}

func (s *Test) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule queues action at the current virtual time. It runs on the
// next Advance, even Advance(0).
func (s *Test) Schedule(action func()) {
	s.ScheduleAfter(0, action)
}

func (s *Test) ScheduleAfter(d time.Duration, action func()) func() {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	it := &testItem{due: s.now.Add(d), seq: s.seq, action: action}
	i := sort.Search(len(s.items), func(i int) bool {
		o := s.items[i]
		return o.due.After(it.due) || (o.due.Equal(it.due) && o.seq > it.seq)
	})
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it
	return func() { s.remove(it) }
}

func (s *Test) remove(it *testItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.items {
		if o == it {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, running every action that
// becomes due, including actions scheduled by those actions.
func (s *Test) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

// AdvanceTo moves the clock to t. Moving backwards is a no-op apart from
// running actions that are already due.
func (s *Test) AdvanceTo(t time.Time) {
	for {
		s.mu.Lock()
		if len(s.items) == 0 || s.items[0].due.After(t) {
			if t.After(s.now) {
				s.now = t
			}
			s.mu.Unlock()
			return
		}
		it := s.items[0]
		s.items = s.items[1:]
		if it.due.After(s.now) {
			s.now = it.due
		}
		s.mu.Unlock()
		it.action()
	}
}

// Run advances until no work remains. Work that reschedules itself
// forever, such as a timer, makes Run loop forever; use Advance instead.
func (s *Test) Run() {
	for {
		s.mu.Lock()
		if len(s.items) == 0 {
			s.mu.Unlock()
			return
		}
		due := s.items[0].due
		s.mu.Unlock()
		s.AdvanceTo(due)
	}
}

// Pending reports the number of scheduled actions that have not run.
func (s *Test) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
