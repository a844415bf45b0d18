package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/composable/pkg/store"
)

// Fixture is a golden case: the actions to send to a fresh store and the
// state expected once they have been processed.
type Fixture struct {
	Name    string          `json:"name"`
	Actions []FixtureAction `json:"actions"`
	Expect  json.RawMessage `json:"expect"`
}

type FixtureAction struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result summarizes a fixture run. Score is Passed/Total, or 1 when there
// are no fixtures.
type Result struct {
	Score   float64
	Total   int
	Passed  int
	Details []string
}

// Verify loads every .json fixture in dir, replays it into a store built
// by newStore and compares the final state with the expected one.
func Verify[S, A any](ctx context.Context, fsys fs.FS, dir string, codec Codec[A], newStore func() *store.Store[S, A]) (Result, error) {
	fixtures, err := LoadFixtures(fsys, dir)
	if err != nil {
		return Result{}, err
	}
	res := Result{Total: len(fixtures)}
	if res.Total == 0 {
		res.Score = 1
		return res, nil
	}
	for _, fx := range fixtures {
		if detail := runFixture(ctx, fx, codec, newStore); detail != "" {
			res.Details = append(res.Details, fx.Name+": "+detail)
			continue
		}
		res.Passed++
	}
	res.Score = float64(res.Passed) / float64(res.Total)
	return res, nil
}

func runFixture[S, A any](ctx context.Context, fx Fixture, codec Codec[A], newStore func() *store.Store[S, A]) string {
	st := newStore()
	defer st.Close()
	for i, fa := range fx.Actions {
		a, err := codec.Decode(fa.Type, fa.Payload)
		if err != nil {
			return fmt.Sprintf("action %d: %v", i, err)
		}
		if _, err := st.SendContext(ctx, a); err != nil {
			return fmt.Sprintf("action %d: %v", i, err)
		}
	}
	got, err := normalize(st.State())
	if err != nil {
		return "encode state: " + err.Error()
	}
	var want any
	if err := json.Unmarshal(fx.Expect, &want); err != nil {
		return "decode expect: " + err.Error()
	}
	if diff := cmp.Diff(want, got); diff != "" {
		return "state mismatch (-want +got):\n" + diff
	}
	return ""
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(b, &out)
	return out, err
}

// LoadFixtures reads every .json file directly under dir.
func LoadFixtures(fsys fs.FS, dir string) ([]Fixture, error) {
	var out []Fixture
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var fx Fixture
		if err := json.Unmarshal(b, &fx); err != nil {
			return nil, fmt.Errorf("fixture %s: %w", e.Name(), err)
		}
		if fx.Name == "" {
			fx.Name = strings.TrimSuffix(e.Name(), ".json")
		}
		out = append(out, fx)
	}
	return out, nil
}

// Golden builds a fixture from a recorded session: its sent actions and
// the state recorded with the last entry.
func Golden(ctx context.Context, st EntryStore, sessionID, name string) (Fixture, error) {
	entries, err := ListAll(ctx, st, sessionID)
	if err != nil {
		return Fixture{}, err
	}
	if len(entries) == 0 {
		return Fixture{}, fmt.Errorf("journal: session %s has no entries", sessionID)
	}
	fx := Fixture{Name: name, Expect: entries[len(entries)-1].State}
	for _, e := range entries {
		if e.Origin == store.Sent.String() {
			fx.Actions = append(fx.Actions, FixtureAction{Type: e.Type, Payload: e.Payload})
		}
	}
	return fx, nil
}
