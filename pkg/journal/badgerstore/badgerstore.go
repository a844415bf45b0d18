// Package badgerstore is a journal backend on an embedded badger database,
// on disk or in memory.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/journal"
)

// Keys:
//
//	e/<session>/<seq, 20 digits>  entry JSON
//	s/<session>                   session summary JSON
const (
	entryPrefix   = "e/"
	sessionPrefix = "s/"
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// Logger receives badger's own logs. Nil silences them.
	Logger *slog.Logger
}

// Store implements journal.Store.
type Store struct {
	db *badger.DB
}

var _ journal.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that lives as long as the process.
func OpenInMemory() (*Store, error) { return Open(Config{InMemory: true}) }

func (s *Store) Close() error { return s.db.Close() }

func entryKey(session string, seq int64) []byte {
	return fmt.Appendf(nil, "%s%s/%020d", entryPrefix, session, seq)
}

func sessionKey(session string) []byte { return []byte(sessionPrefix + session) }

func (s *Store) Append(ctx context.Context, entries []journal.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		sessions := map[string]*journal.Session{}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if strings.Contains(e.SessionID, "/") || e.SessionID == "" {
				return errmodel.Validation("invalid_session", "session id must be non-empty and contain no '/'",
					map[string]any{"session": e.SessionID})
			}
			key := entryKey(e.SessionID, e.Seq)
			if _, err := txn.Get(key); err == nil {
				return duplicate(e)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := txn.Set(key, b); err != nil {
				return err
			}

			sess, ok := sessions[e.SessionID]
			if !ok {
				sess, err = loadSession(txn, e.SessionID)
				if err != nil {
					return err
				}
				sessions[e.SessionID] = sess
			}
			if sess.Entries == 0 {
				sess.ID, sess.Store, sess.FirstAt = e.SessionID, e.Store, e.RecordedAt
			}
			sess.Entries++
			sess.LastSeq = max(sess.LastSeq, e.Seq)
			if e.RecordedAt.After(sess.LastAt) {
				sess.LastAt = e.RecordedAt
			}
		}
		for id, sess := range sessions {
			b, err := json.Marshal(sess)
			if err != nil {
				return err
			}
			if err := txn.Set(sessionKey(id), b); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(err)
}

func duplicate(e journal.Entry) error {
	return errmodel.Validation("conflict", "entry already recorded",
		map[string]any{"session": e.SessionID, "seq": e.Seq})
}

func loadSession(txn *badger.Txn, id string) (*journal.Session, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &journal.Session{}, nil
	}
	if err != nil {
		return nil, err
	}
	var sess journal.Session
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &sess) })
	return &sess, err
}

func (s *Store) List(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]journal.Entry, error) {
	var out []journal.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(entryPrefix + sessionID + "/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(entryKey(sessionID, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e journal.Entry
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, wrap(err)
}

func (s *Store) LastSeq(_ context.Context, sessionID string) (int64, error) {
	var last int64
	err := s.db.View(func(txn *badger.Txn) error {
		sess, err := loadSession(txn, sessionID)
		if err != nil {
			return err
		}
		last = sess.LastSeq
		return nil
	})
	return last, wrap(err)
}

func (s *Store) Sessions(ctx context.Context) ([]journal.Session, error) {
	var out []journal.Session
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(sessionPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sess journal.Session
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &sess) }); err != nil {
				return err
			}
			out = append(out, sess)
		}
		return nil
	})
	slices.SortStableFunc(out, func(a, b journal.Session) int { return b.LastAt.Compare(a.LastAt) })
	return out, wrap(err)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	var ce *errmodel.Error
	if errors.As(err, &ce) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errmodel.Storage("badger", "journal storage failed", nil, err)
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
