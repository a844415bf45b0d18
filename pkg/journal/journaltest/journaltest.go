// Package journaltest holds the behaviour every journal backend must share.
package journaltest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/journal"
)

// Entry builds an entry for tests.
func Entry(session string, seq int64, origin, typ string, payload any) journal.Entry {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return journal.Entry{
		SessionID:  session,
		Store:      "test",
		Seq:        seq,
		Origin:     origin,
		Type:       typ,
		Payload:    raw,
		State:      json.RawMessage(`{"n":1}`),
		RecordedAt: time.Unix(1_700_000_000, seq).UTC(),
	}
}

// Run exercises st. The store must be empty.
func Run(t *testing.T, st journal.Store) {
	t.Helper()
	ctx := context.Background()

	last, err := st.LastSeq(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if last != 0 {
		t.Fatalf("last seq of empty session = %d", last)
	}

	batch := []journal.Entry{
		Entry("s1", 1, "sent", "add", map[string]any{"title": "demo"}),
		Entry("s1", 2, "received", "saved", nil),
		Entry("s1", 3, "sent", "toggle", map[string]any{"id": "x"}),
	}
	if err := st.Append(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := st.Append(ctx, []journal.Entry{Entry("s2", 1, "sent", "add", nil)}); err != nil {
		t.Fatal(err)
	}

	got, err := st.List(ctx, "s1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d want 3", len(got))
	}
	for i, e := range got {
		if e.Seq != int64(i+1) {
			t.Fatalf("seq order wrong: %+v", got)
		}
	}
	if string(got[0].Payload) != `{"title":"demo"}` || got[1].Payload != nil {
		t.Fatalf("payload round trip: %q %q", got[0].Payload, got[1].Payload)
	}
	if !got[2].RecordedAt.Equal(batch[2].RecordedAt) || got[2].Origin != "sent" || got[2].Store != "test" {
		t.Fatalf("entry round trip: %+v", got[2])
	}

	page, err := st.List(ctx, "s1", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Seq != 2 {
		t.Fatalf("paging: %+v", page)
	}

	last, err = st.LastSeq(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if last != 3 {
		t.Fatalf("last seq = %d want 3", last)
	}

	err = st.Append(ctx, []journal.Entry{Entry("s1", 4, "sent", "add", nil), Entry("s1", 2, "sent", "add", nil)})
	if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("duplicate seq: want validation error, got %v", err)
	}
	if all, _ := journal.ListAll(ctx, st, "s1"); len(all) != 3 {
		t.Fatalf("failed batch must not be partially applied: %d entries", len(all))
	}

	sessions, err := st.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions=%+v", sessions)
	}
	s1 := sessions[0]
	if s1.ID != "s1" || s1.Entries != 3 || s1.LastSeq != 3 || s1.Store != "test" {
		t.Fatalf("session summary: %+v", s1)
	}
	if !s1.FirstAt.Equal(batch[0].RecordedAt) || !s1.LastAt.Equal(batch[2].RecordedAt) {
		t.Fatalf("session times: %+v", s1)
	}
}
