package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/costbasis"
)

// LineStore is the transaction-scoped persistence the ledger runs on. Reads
// lock the row for the remainder of the transaction; UpdateLine writes only
// when the stored version still equals line.Version and reports
// shared.ErrConcurrentModification otherwise.
type LineStore interface {
	FindLineByKeyForUpdate(ctx context.Context, key string) (Line, error)
	GetLineForUpdate(ctx context.Context, id int64) (Line, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	UpdateLine(ctx context.Context, line Line) error
	InsertMovement(ctx context.Context, m Movement) error
}

// Ledger applies credit, debit and adjust to inventory lines within one unit
// of work. It is the only code allowed to change a line.
type Ledger struct {
	store   LineStore
	now     func() time.Time
	touched map[int64]struct{}
	counts  map[MovementKind]int
}

// NewLedger binds a ledger to a transaction-scoped store.
func NewLedger(store LineStore) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }, touched: make(map[int64]struct{}), counts: make(map[MovementKind]int)}
}

// Credit adds quantity units and cost to the line for identity, creating it on
// first use.
func (l *Ledger) Credit(ctx context.Context, identity Identity, quantity int64, cost decimal.Decimal, ref Reference) (Line, error) {
	if quantity <= 0 {
		return Line{}, ErrInvalidQuantity
	}
	cost = costbasis.Quantize(cost)
	if cost.IsNegative() {
		return Line{}, ErrInvalidCost
	}
	identity = identity.Normalized()
	if err := identity.Validate(); err != nil {
		return Line{}, err
	}
	line, err := l.store.FindLineByKeyForUpdate(ctx, identity.Key())
	switch {
	case errors.Is(err, ErrLineNotFound):
		line = Line{Identity: identity, Quantity: quantity, TotalCostBasis: cost, Version: 1, UpdatedAt: l.now()}
		id, err := l.store.InsertLine(ctx, line)
		if err != nil {
			return Line{}, err
		}
		line.ID = id
	case err != nil:
		return Line{}, err
	default:
		line.Quantity += quantity
		line.TotalCostBasis = line.TotalCostBasis.Add(cost)
		if err := l.save(ctx, &line); err != nil {
			return Line{}, err
		}
	}
	if err := l.record(ctx, line, MovementCredit, quantity, cost, ref); err != nil {
		return Line{}, err
	}
	return line, nil
}

// Debit removes quantity units and the matching proportional slice of cost
// basis, returning the line and the cost removed.
func (l *Ledger) Debit(ctx context.Context, lineID int64, quantity int64, ref Reference) (Line, decimal.Decimal, error) {
	if quantity <= 0 {
		return Line{}, decimal.Zero, ErrInvalidQuantity
	}
	line, err := l.store.GetLineForUpdate(ctx, lineID)
	if err != nil {
		return Line{}, decimal.Zero, err
	}
	if quantity > line.Quantity {
		return Line{}, decimal.Zero, &InsufficientInventoryError{LineID: lineID, Requested: quantity, Available: line.Quantity}
	}
	removed := costbasis.Proportion(line.TotalCostBasis, quantity, line.Quantity)
	line.Quantity -= quantity
	line.TotalCostBasis = line.TotalCostBasis.Sub(removed)
	if line.Quantity == 0 {
		line.TotalCostBasis = decimal.Zero
	}
	if err := l.save(ctx, &line); err != nil {
		return Line{}, decimal.Zero, err
	}
	if err := l.record(ctx, line, MovementDebit, -quantity, removed.Neg(), ref); err != nil {
		return Line{}, decimal.Zero, err
	}
	return line, removed, nil
}

// Adjust corrects the quantity of a line by delta without moving cost basis.
// An adjustment that empties the line writes the residual basis off so a
// depleted line never carries cost.
func (l *Ledger) Adjust(ctx context.Context, lineID int64, delta int64, ref Reference) (Line, error) {
	if delta == 0 {
		return Line{}, ErrInvalidQuantity
	}
	line, err := l.store.GetLineForUpdate(ctx, lineID)
	if err != nil {
		return Line{}, err
	}
	if line.Quantity+delta < 0 {
		return Line{}, &InsufficientInventoryError{LineID: lineID, Requested: -delta, Available: line.Quantity}
	}
	costDelta := decimal.Zero
	line.Quantity += delta
	if line.Quantity == 0 {
		costDelta = line.TotalCostBasis.Neg()
		line.TotalCostBasis = decimal.Zero
	}
	if err := l.save(ctx, &line); err != nil {
		return Line{}, err
	}
	if err := l.record(ctx, line, MovementAdjust, delta, costDelta, ref); err != nil {
		return Line{}, err
	}
	return line, nil
}

// Line loads a line under lock without changing it.
func (l *Ledger) Line(ctx context.Context, lineID int64) (Line, error) {
	return l.store.GetLineForUpdate(ctx, lineID)
}

// Find loads the line for identity under lock without changing it.
func (l *Ledger) Find(ctx context.Context, identity Identity) (Line, error) {
	return l.store.FindLineByKeyForUpdate(ctx, identity.Key())
}

// Change summarises the mutations applied so far, for post-commit notification.
func (l *Ledger) Change() Change {
	ids := make([]int64, 0, len(l.touched))
	for id := range l.touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	counts := make(map[MovementKind]int, len(l.counts))
	for k, v := range l.counts {
		counts[k] = v
	}
	return Change{LineIDs: ids, Mutations: counts}
}

func (l *Ledger) save(ctx context.Context, line *Line) error {
	if err := CheckInvariants(*line); err != nil {
		return err
	}
	line.UpdatedAt = l.now()
	if err := l.store.UpdateLine(ctx, *line); err != nil {
		return err
	}
	line.Version++
	return nil
}

func (l *Ledger) record(ctx context.Context, line Line, kind MovementKind, qty int64, cost decimal.Decimal, ref Reference) error {
	l.touched[line.ID] = struct{}{}
	l.counts[kind]++
	m := Movement{
		LineID:      line.ID,
		Kind:        kind,
		QtyDelta:    qty,
		CostDelta:   cost,
		BalanceQty:  line.Quantity,
		BalanceCost: line.TotalCostBasis,
		RefModule:   ref.Module,
		RefID:       ref.ID,
		Note:        ref.Note,
		PostedAt:    line.UpdatedAt,
	}
	if err := l.store.InsertMovement(ctx, m); err != nil {
		return fmt.Errorf("inventory: record movement: %w", err)
	}
	return nil
}
