package consignment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/shared"
)

// RefModule tags ledger movements caused by consignments.
const RefModule = "CONSIGNMENT"

// Status of a consignment record. Apart from cancelled it is derived from the
// item statuses.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
)

// ItemStatus of a consigned card. Every status but pending is terminal.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemSigned  ItemStatus = "signed"
	ItemRefused ItemStatus = "refused"
	ItemLost    ItemStatus = "lost"
)

// Terminal reports whether s admits no further transition.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemSigned, ItemRefused, ItemLost:
		return true
	default:
		return false
	}
}

// FeePolicy decides when the consigner's fee is owed.
type FeePolicy string

const (
	// FeeSignedOnly owes the fee only for cards returned signed.
	FeeSignedOnly FeePolicy = "signed_only"
	// FeeOnAttempt owes the fee for every resolved card, signed or not.
	FeeOnAttempt FeePolicy = "on_attempt"
)

// ParseFeePolicy validates a configured policy; empty means FeeSignedOnly.
func ParseFeePolicy(raw string) (FeePolicy, error) {
	switch FeePolicy(raw) {
	case "", FeeSignedOnly:
		return FeeSignedOnly, nil
	case FeeOnAttempt:
		return FeeOnAttempt, nil
	default:
		return "", shared.Invalid("fee_policy", fmt.Sprintf("unknown value %q", raw))
	}
}

// Item is one consigned card bucket.
type Item struct {
	ID             int64
	SourceLineID   int64
	SourceIdentity inventory.Identity
	Quantity       int64
	FeePerCard     decimal.Decimal
	// CostBasis is the cost removed from the source line at send time.
	CostBasis    decimal.Decimal
	Status       ItemStatus
	SignedLineID *int64
	ResolvedAt   *time.Time
}

// Fee is the nominal fee for the item.
func (i Item) Fee() decimal.Decimal {
	return i.FeePerCard.Mul(decimal.NewFromInt(i.Quantity))
}

// Consignment is a batch of cards sent out for autograph.
type Consignment struct {
	ID          int64
	Number      string
	ConsignerID int64
	DateSent    time.Time
	Status      Status
	FeePaid     bool
	FeePaidAt   *time.Time
	FeePolicy   FeePolicy
	Items       []Item
	CreatedAt   time.Time
}

// TotalFee sums the nominal fee of every item.
func (c Consignment) TotalFee() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		total = total.Add(it.Fee())
	}
	return total
}

// FeeOwed sums the fee currently due under the record's policy.
func (c Consignment) FeeOwed() decimal.Decimal {
	owed := decimal.Zero
	for _, it := range c.Items {
		if it.Status == ItemSigned || (c.FeePolicy == FeeOnAttempt && it.Status.Terminal()) {
			owed = owed.Add(it.Fee())
		}
	}
	return owed
}

// WrittenOff sums the cost basis of lost cards.
func (c Consignment) WrittenOff() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		if it.Status == ItemLost {
			total = total.Add(it.CostBasis)
		}
	}
	return total
}

// DeriveStatus computes the record status from item statuses.
func DeriveStatus(items []Item) Status {
	terminal := 0
	for _, it := range items {
		if it.Status.Terminal() {
			terminal++
		}
	}
	switch {
	case len(items) > 0 && terminal == len(items):
		return StatusComplete
	case terminal > 0:
		return StatusPartial
	default:
		return StatusPending
	}
}

// ItemInput describes a card to send out.
type ItemInput struct {
	SourceLineID int64
	Quantity     int64
	FeePerCard   decimal.Decimal
}

// CreateInput carries data for CreateConsignment.
type CreateInput struct {
	ConsignerID int64
	DateSent    time.Time
	Items       []ItemInput
	ActorID     int64
}

// Resolution is the outcome reported for one item.
type Resolution struct {
	ItemID int64
	Status ItemStatus
}

var (
	// ErrConsignmentNotFound indicates a missing consignment.
	ErrConsignmentNotFound = fmt.Errorf("consignment: record %w", shared.ErrNotFound)
	// ErrItemNotFound indicates a resolution naming an item outside the record.
	ErrItemNotFound = fmt.Errorf("consignment: item %w", shared.ErrNotFound)
)
