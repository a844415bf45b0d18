// Package journal records the actions a store processes so that a session
// can be inspected, replayed into a fresh store, or checked against golden
// fixtures. Backends must provide identical semantics so that sessions
// recorded on one can be replayed from another.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry is the persisted form of one processed action.
type Entry struct {
	SessionID string `json:"session_id"`
	// Store is the name of the store that processed the action.
	Store string `json:"store"`
	// Seq orders entries within a session, starting at 1.
	Seq    int64  `json:"seq"`
	Origin string `json:"origin"`
	// Type names the action's concrete type as registered in the codec.
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Session summarizes the entries recorded under one session id.
type Session struct {
	ID      string    `json:"id"`
	Store   string    `json:"store"`
	Entries int64     `json:"entries"`
	LastSeq int64     `json:"last_seq"`
	FirstAt time.Time `json:"first_at"`
	LastAt  time.Time `json:"last_at"`
}

// EntryStore persists and retrieves entries for a session.
type EntryStore interface {
	// Append writes entries atomically. An entry whose (session, seq)
	// already exists fails the whole batch with a conflict
	// validation error.
	Append(ctx context.Context, entries []Entry) error
	// List returns entries with Seq > afterSeq in order. limit <= 0
	// means no limit.
	List(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Entry, error)
	LastSeq(ctx context.Context, sessionID string) (int64, error)
}

// SessionStore enumerates recorded sessions, most recent first.
type SessionStore interface {
	Sessions(ctx context.Context) ([]Session, error)
}

// Store aggregates entry and session stores.
type Store interface {
	EntryStore
	SessionStore
	Close() error
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string { return uuid.NewString() }

// ListAll pages through every entry of a session.
func ListAll(ctx context.Context, st EntryStore, sessionID string) ([]Entry, error) {
	const page = 500
	var (
		out   []Entry
		after int64
	)
	for {
		batch, err := st.List(ctx, sessionID, after, page)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
		after = batch[len(batch)-1].Seq
	}
}
