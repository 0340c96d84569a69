package inventory

import "context"

// Change describes the ledger mutations committed by one operation.
type Change struct {
	LineIDs   []int64
	Mutations map[MovementKind]int
}

// Empty reports whether nothing was mutated.
func (c Change) Empty() bool {
	return len(c.LineIDs) == 0
}

// ChangeNotifier is told about committed ledger changes. Implementations must
// not fail the caller; the change is already durable.
type ChangeNotifier interface {
	LedgerChanged(ctx context.Context, change Change)
}

// Notifiers fans a change out to several notifiers.
type Notifiers []ChangeNotifier

// LedgerChanged implements ChangeNotifier.
func (n Notifiers) LedgerChanged(ctx context.Context, change Change) {
	if change.Empty() {
		return
	}
	for _, notifier := range n {
		if notifier != nil {
			notifier.LedgerChanged(ctx, change)
		}
	}
}
