// Package inventorytest provides an in-memory inventory store for tests.
//
// Transactions run against a copy of the state and are applied only when the
// callback succeeds, so a failed operation leaves the ledger untouched exactly
// as a rolled back PostgreSQL transaction would. Transactions are serialised.
// FailCommits makes commits fail with shared.ErrConcurrentModification so the
// retry path of a unit of work can be exercised.
package inventorytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/platform/db"
	"github.com/cardledger/cardledger/internal/shared"
)

// Store is an in-memory ledger backend.
type Store struct {
	mu          sync.Mutex
	state       *state
	failCommits int
	attempts    int
}

type state struct {
	lines          map[int64]inventory.Line
	keys           map[string]int64
	movements      []inventory.Movement
	nextLineID     int64
	nextMovementID int64
}

// New returns an empty store.
func New() *Store {
	return &Store{state: &state{lines: make(map[int64]inventory.Line), keys: make(map[string]int64)}}
}

// Tx runs fn against a working copy that replaces the state only on success.
// It makes a single attempt.
func (s *Store) Tx(ctx context.Context, fn func(inventory.LineStore) error) error {
	return s.attempt(func(store inventory.LineStore) (func(), error) {
		return nil, fn(store)
	})
}

// Run executes a unit of work the way db.TxRunner does: every attempt starts
// from the committed state and a lost commit is retried. fn may return a
// callback that runs only once its attempt has committed.
func (s *Store) Run(ctx context.Context, fn func(inventory.LineStore) (func(), error)) error {
	return db.Retry(ctx, db.DefaultAttempts, 0, nil, func() error {
		return s.attempt(fn)
	})
}

// FailCommits makes the next n commits fail after their callback succeeded.
func (s *Store) FailCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}

// Attempts reports how many transactions were started.
func (s *Store) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Store) attempt(fn func(inventory.LineStore) (func(), error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	work := s.state.clone()
	onCommit, err := fn(work)
	if err != nil {
		return err
	}
	if s.failCommits > 0 {
		s.failCommits--
		return fmt.Errorf("inventorytest: commit: %w", shared.ErrConcurrentModification)
	}
	s.state = work
	if onCommit != nil {
		onCommit()
	}
	return nil
}

// WithTx satisfies inventory.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.LineStore) error) error {
	return s.Run(ctx, func(store inventory.LineStore) (func(), error) {
		return nil, fn(ctx, store)
	})
}

// GetLine satisfies inventory.RepositoryPort.
func (s *Store) GetLine(ctx context.Context, id int64) (inventory.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetLineForUpdate(ctx, id)
}

// ListMovements satisfies inventory.RepositoryPort.
func (s *Store) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []inventory.Movement{}
	for _, m := range s.state.movements {
		if m.LineID != filter.LineID {
			continue
		}
		if !filter.From.IsZero() && m.PostedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && m.PostedAt.After(filter.To) {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Summary satisfies inventory.RepositoryPort.
func (s *Store) Summary(ctx context.Context) (inventory.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := inventory.Summary{CostBasis: decimal.Zero}
	for _, l := range s.state.lines {
		if l.Quantity > 0 {
			sum.Lines++
		}
		sum.Units += l.Quantity
		if l.Identity.Signed {
			sum.SignedUnits += l.Quantity
		}
		if l.Identity.Slabbed {
			sum.SlabbedUnits += l.Quantity
		}
		sum.CostBasis = sum.CostBasis.Add(l.TotalCostBasis)
	}
	return sum, nil
}

// ScanLines satisfies inventory.RepositoryPort.
func (s *Store) ScanLines(ctx context.Context, afterID int64, limit int) ([]inventory.Line, error) {
	lines := s.Lines()
	out := []inventory.Line{}
	for _, l := range lines {
		if l.ID <= afterID {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Lines returns every line ordered by id.
func (s *Store) Lines() []inventory.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]inventory.Line, 0, len(s.state.lines))
	for _, l := range s.state.lines {
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines
}

// Line returns a line by id and fails the test when it is missing.
func (s *Store) Line(t testing.TB, id int64) inventory.Line {
	t.Helper()
	line, err := s.GetLine(context.Background(), id)
	if err != nil {
		t.Fatalf("inventorytest: line %d: %v", id, err)
	}
	return line
}

// LineFor looks a line up by identity.
func (s *Store) LineFor(identity inventory.Identity) (inventory.Line, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.keys[identity.Key()]
	if !ok {
		return inventory.Line{}, false
	}
	return s.state.lines[id], true
}

// Movements returns the stock card of a line.
func (s *Store) Movements(lineID int64) []inventory.Movement {
	out, _ := s.ListMovements(context.Background(), inventory.MovementFilter{LineID: lineID})
	return out
}

// Seed credits identity through the ledger and returns the resulting line.
func (s *Store) Seed(t testing.TB, identity inventory.Identity, quantity int64, cost string) inventory.Line {
	t.Helper()
	var line inventory.Line
	err := s.Tx(context.Background(), func(store inventory.LineStore) error {
		var err error
		line, err = inventory.NewLedger(store).Credit(context.Background(), identity, quantity, decimal.RequireFromString(cost), inventory.Reference{Module: "SEED"})
		return err
	})
	if err != nil {
		t.Fatalf("inventorytest: seed: %v", err)
	}
	return line
}

func (st *state) clone() *state {
	c := &state{
		lines:          make(map[int64]inventory.Line, len(st.lines)),
		keys:           make(map[string]int64, len(st.keys)),
		movements:      append([]inventory.Movement(nil), st.movements...),
		nextLineID:     st.nextLineID,
		nextMovementID: st.nextMovementID,
	}
	for k, v := range st.lines {
		c.lines[k] = v
	}
	for k, v := range st.keys {
		c.keys[k] = v
	}
	return c
}

func (st *state) FindLineByKeyForUpdate(ctx context.Context, key string) (inventory.Line, error) {
	id, ok := st.keys[key]
	if !ok {
		return inventory.Line{}, inventory.ErrLineNotFound
	}
	return st.lines[id], nil
}

func (st *state) GetLineForUpdate(ctx context.Context, id int64) (inventory.Line, error) {
	line, ok := st.lines[id]
	if !ok {
		return inventory.Line{}, inventory.ErrLineNotFound
	}
	return line, nil
}

func (st *state) InsertLine(ctx context.Context, line inventory.Line) (int64, error) {
	key := line.Identity.Key()
	if _, exists := st.keys[key]; exists {
		return 0, fmt.Errorf("inventorytest: duplicate identity: %w", shared.ErrConcurrentModification)
	}
	st.nextLineID++
	line.ID = st.nextLineID
	st.lines[line.ID] = line
	st.keys[key] = line.ID
	return line.ID, nil
}

func (st *state) UpdateLine(ctx context.Context, line inventory.Line) error {
	current, ok := st.lines[line.ID]
	if !ok {
		return inventory.ErrLineNotFound
	}
	if current.Version != line.Version {
		return fmt.Errorf("inventorytest: line %d: %w", line.ID, shared.ErrConcurrentModification)
	}
	line.Version++
	line.Identity = current.Identity
	st.lines[line.ID] = line
	return nil
}

func (st *state) InsertMovement(ctx context.Context, m inventory.Movement) error {
	st.nextMovementID++
	m.ID = st.nextMovementID
	st.movements = append(st.movements, m)
	return nil
}
