package journal

import (
	"context"
	"fmt"

	"github.com/wilhg/composable/pkg/store"
)

// Replay re-sends the sent actions of a session to target in their
// recorded order and returns how many were sent. Received actions are not
// replayed; the effects of the replayed actions produce them again.
func Replay[S, A any](ctx context.Context, st EntryStore, sessionID string, codec Codec[A], target *store.Store[S, A]) (int, error) {
	entries, err := ListAll(ctx, st, sessionID)
	if err != nil {
		return 0, err
	}
	return ReplayEntries(ctx, entries, codec, target)
}

// ReplayEntries is Replay over entries already loaded.
func ReplayEntries[S, A any](ctx context.Context, entries []Entry, codec Codec[A], target *store.Store[S, A]) (int, error) {
	var n int
	for _, e := range entries {
		if e.Origin != store.Sent.String() {
			continue
		}
		a, err := codec.Decode(e.Type, e.Payload)
		if err != nil {
			return n, fmt.Errorf("journal: decode seq %d: %w", e.Seq, err)
		}
		if _, err := target.SendContext(ctx, a); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
