package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/shared"
)

// MovementKind enumerates the three ledger mutators.
type MovementKind string

const (
	// MovementCredit adds units and cost.
	MovementCredit MovementKind = "CREDIT"
	// MovementDebit removes units with a proportional slice of cost.
	MovementDebit MovementKind = "DEBIT"
	// MovementAdjust corrects quantity without moving cost.
	MovementAdjust MovementKind = "ADJUST"
)

// Line is a bucket of physically identical units.
type Line struct {
	ID             int64
	Identity       Identity
	Quantity       int64
	TotalCostBasis decimal.Decimal
	Version        int64
	UpdatedAt      time.Time
}

// UnitCost returns the per-unit cost basis; ok is false for a depleted line.
func (l Line) UnitCost() (decimal.Decimal, bool) {
	if l.Quantity <= 0 {
		return decimal.Zero, false
	}
	return l.TotalCostBasis.Div(decimal.NewFromInt(l.Quantity)), true
}

// Movement is the immutable stock-card record of one ledger mutation.
type Movement struct {
	ID          int64
	LineID      int64
	Kind        MovementKind
	QtyDelta    int64
	CostDelta   decimal.Decimal
	BalanceQty  int64
	BalanceCost decimal.Decimal
	RefModule   string
	RefID       int64
	Note        string
	PostedAt    time.Time
}

// Reference ties a movement to the workflow record that caused it.
type Reference struct {
	Module string
	ID     int64
	Note   string
}

// MovementFilter narrows stock-card listings.
type MovementFilter struct {
	LineID int64
	From   time.Time
	To     time.Time
	Limit  int
}

// Summary aggregates the valuation of all stocked lines.
type Summary struct {
	Lines        int             `json:"lines"`
	Units        int64           `json:"units"`
	SignedUnits  int64           `json:"signed_units"`
	SlabbedUnits int64           `json:"slabbed_units"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
}

// AdjustInput describes a manual quantity correction.
type AdjustInput struct {
	LineID  int64
	Delta   int64
	Note    string
	ActorID int64
}

// InsufficientInventoryError reports a debit larger than the available stock.
type InsufficientInventoryError struct {
	LineID    int64
	Requested int64
	Available int64
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("inventory: line %d has %d units, %d requested", e.LineID, e.Available, e.Requested)
}

// Unwrap lets errors.Is match shared.ErrInsufficientInventory.
func (e *InsufficientInventoryError) Unwrap() error {
	return shared.ErrInsufficientInventory
}

// ErrLineNotFound indicates a missing inventory line.
var ErrLineNotFound = fmt.Errorf("inventory: line %w", shared.ErrNotFound)

// ErrInvalidQuantity indicates a non-positive movement quantity.
var ErrInvalidQuantity = fmt.Errorf("%w: inventory quantity must be positive", shared.ErrValidation)

// ErrInvalidCost indicates a negative cost.
var ErrInvalidCost = fmt.Errorf("%w: inventory cost must be >= 0", shared.ErrValidation)

// ErrInvariant signals a line that violates the zero-basis or non-negative rule.
var ErrInvariant = errors.New("inventory: cost basis invariant violated")

// CheckInvariants reports a depleted line that still carries cost or a line with negative cost.
func CheckInvariants(l Line) error {
	if l.Quantity < 0 {
		return fmt.Errorf("%w: line %d quantity %d", ErrInvariant, l.ID, l.Quantity)
	}
	if l.TotalCostBasis.IsNegative() {
		return fmt.Errorf("%w: line %d cost basis %s", ErrInvariant, l.ID, l.TotalCostBasis)
	}
	if l.Quantity == 0 && !l.TotalCostBasis.IsZero() {
		return fmt.Errorf("%w: line %d depleted with cost basis %s", ErrInvariant, l.ID, l.TotalCostBasis)
	}
	return nil
}
