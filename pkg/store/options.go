package store

import (
	"log/slog"
	"time"

	"github.com/wilhg/composable/pkg/effect"
	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/scheduler"
)

// Mode selects how logic errors are surfaced.
type Mode int

const (
	// Debug reports logic errors through the configured reporter.
	Debug Mode = iota
	// Release drops logic errors silently.
	Release
)

func (m Mode) String() string {
	if m == Release {
		return "release"
	}
	return "debug"
}

// ParseMode maps "release" to Release and anything else to Debug.
func ParseMode(s string) Mode {
	if s == "release" {
		return Release
	}
	return Debug
}

// Origin tells whether an action was sent from outside or emitted by an
// effect.
type Origin int

const (
	Sent Origin = iota
	Received
)

func (o Origin) String() string {
	if o == Received {
		return "received"
	}
	return "sent"
}

func (o Origin) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Origin) UnmarshalText(b []byte) error {
	if string(b) == "received" {
		*o = Received
	} else {
		*o = Sent
	}
	return nil
}

// Record describes one processed action and the state it produced.
type Record struct {
	Store  string
	Seq    uint64
	Origin Origin
	Action any
	State  any
	At     time.Time
}

// Tap observes every processed action. Taps run on the processing
// goroutine and must not block.
type Tap interface {
	Observe(Record)
}

// TapFunc adapts a function to Tap.
type TapFunc func(Record)

func (f TapFunc) Observe(r Record) { f(r) }

type options struct {
	name     string
	logger   *slog.Logger
	reporter errmodel.Reporter
	mode     Mode
	taps     []Tap
	main     scheduler.Scheduler
	registry *effect.Registry
}

// Option configures a root store.
type Option func(*options)

// WithName labels logs, spans, metrics and records produced by the store.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReporter sets where logic errors go in Debug mode. Defaults to a
// warning on the store's logger.
func WithReporter(r errmodel.Reporter) Option {
	return func(o *options) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithMode selects Debug or Release behaviour for logic errors.
func WithMode(m Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithTap registers a tap that sees every processed action.
func WithTap(t Tap) Option {
	return func(o *options) {
		if t != nil {
			o.taps = append(o.taps, t)
		}
	}
}

// WithMainScheduler delivers effect emissions through sched, so that all
// reducer work happens on the scheduler's execution context. Emissions
// made while a drain is running, such as synchronous follow-ups, are
// processed by that drain.
func WithMainScheduler(sched scheduler.Scheduler) Option {
	return func(o *options) { o.main = sched }
}

// WithRegistry uses an existing cancellation registry.
func WithRegistry(r *effect.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}
