package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/composable/pkg/store"
)

var tracer = otel.Tracer("composable/journal")

type recorderOptions struct {
	batch  int
	logger *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*recorderOptions)

// WithBatchSize caps how many entries are written per Append.
func WithBatchSize(n int) RecorderOption {
	return func(o *recorderOptions) {
		if n > 0 {
			o.batch = n
		}
	}
}

func WithLogger(l *slog.Logger) RecorderOption {
	return func(o *recorderOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Recorder is a store tap that journals every processed action. Records
// are encoded on the processing goroutine and written in batches by a
// background writer, so Observe never blocks on storage.
type Recorder[A any] struct {
	st      EntryStore
	session string
	codec   Codec[A]
	log     *slog.Logger
	batch   int
	offset  int64

	mu     sync.Mutex
	queue  []Entry
	closed bool
	failed bool
	wake   chan struct{}
	g      *errgroup.Group
}

// NewRecorder starts a recorder appending to session. Sequence numbers
// continue after the last entry already stored for the session, so a
// session can span several store lifetimes.
func NewRecorder[A any](ctx context.Context, st EntryStore, session string, codec Codec[A], opts ...RecorderOption) (*Recorder[A], error) {
	o := recorderOptions{batch: 64, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	last, err := st.LastSeq(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("journal: last seq: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	r := &Recorder[A]{
		st:      st,
		session: session,
		codec:   codec,
		log:     o.logger.With(slog.String("component", "journal"), slog.String("session", session)),
		batch:   o.batch,
		offset:  last,
		wake:    make(chan struct{}, 1),
		g:       g,
	}
	g.Go(func() error { return r.run(gctx) })
	return r, nil
}

// Session returns the session id entries are written under.
func (r *Recorder[A]) Session() string { return r.session }

// Observe implements store.Tap.
func (r *Recorder[A]) Observe(rec store.Record) {
	action, ok := rec.Action.(A)
	if !ok {
		r.log.Warn("journal: unexpected action type", slog.String("type", fmt.Sprintf("%T", rec.Action)))
		return
	}
	typ, payload, err := r.codec.Encode(action)
	if err != nil {
		r.log.Warn("journal: encode action", slog.String("error", err.Error()))
		return
	}
	state, err := json.Marshal(rec.State)
	if err != nil {
		r.log.Warn("journal: encode state", slog.String("error", err.Error()))
		state = nil
	}
	e := Entry{
		SessionID:  r.session,
		Store:      rec.Store,
		Seq:        r.offset + int64(rec.Seq),
		Origin:     rec.Origin.String(),
		Type:       typ,
		Payload:    payload,
		State:      state,
		RecordedAt: rec.At.UTC(),
	}

	r.mu.Lock()
	if r.closed || r.failed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, e)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder[A]) next() ([]Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(len(r.queue), r.batch)
	batch := r.queue[:n:n]
	r.queue = r.queue[n:]
	return batch, r.closed
}

func (r *Recorder[A]) run(ctx context.Context) error {
	for {
		batch, closed := r.next()
		if len(batch) > 0 {
			if err := r.write(ctx, batch); err != nil {
				r.mu.Lock()
				r.failed = true
				r.queue = nil
				r.mu.Unlock()
				r.log.Error("journal: append failed, recording stopped", slog.String("error", err.Error()))
				return err
			}
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-r.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Recorder[A]) write(ctx context.Context, batch []Entry) error {
	ctx, span := tracer.Start(ctx, "Journal.Append", trace.WithAttributes(
		attribute.String("journal.session", r.session),
		attribute.Int("journal.entries", len(batch)),
	))
	defer span.End()
	if err := r.st.Append(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Close flushes queued entries and stops the writer. It returns the
// first write error, if any.
func (r *Recorder[A]) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return r.g.Wait()
}
