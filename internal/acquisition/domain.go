package acquisition

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/shared"
)

// RefModule tags ledger movements caused by purchases.
const RefModule = "PURCHASE"

// BatchModule scopes bulk import batch identifiers.
const BatchModule = "purchase_bulk"

// DefaultBulkVendor is used for bulk rows that name no vendor.
const DefaultBulkVendor = "bulk import"

// PurchaseItem is one line of a purchase.
type PurchaseItem struct {
	ID             int64
	Identity       inventory.Identity
	Quantity       int64
	UnitPrice      decimal.Decimal
	AllocatedShare decimal.Decimal
	LineID         *int64
}

// Cost is the amount credited to the ledger for the item.
func (i PurchaseItem) Cost() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity)).Add(i.AllocatedShare)
}

// Purchase records an acquisition. It is immutable once created; deleting it
// reverses its ledger credits.
type Purchase struct {
	ID               int64
	Number           string
	Vendor           string
	PurchasedAt      time.Time
	BatchID          string
	Items            []PurchaseItem
	Shipping         decimal.Decimal
	Tax              decimal.Decimal
	Subtotal         decimal.Decimal
	Total            decimal.Decimal
	AddedToInventory bool
	CreatedAt        time.Time
}

// ItemInput is a purchase line as submitted.
type ItemInput struct {
	Identity  inventory.Identity
	Quantity  int64
	UnitPrice decimal.Decimal
}

// PurchaseInput carries data for RecordPurchase.
type PurchaseInput struct {
	Vendor         string
	PurchasedAt    time.Time
	Items          []ItemInput
	Shipping       decimal.Decimal
	Tax            decimal.Decimal
	AddToInventory bool
	BatchID        string
	ActorID        int64
}

// BulkRow is one row of a CSV driven inventory load. The checklist importer
// upstream supplies validated identities.
type BulkRow struct {
	Vendor      string
	PurchasedAt time.Time
	Identity    inventory.Identity
	Quantity    int64
	UnitCost    decimal.Decimal
}

var (
	// ErrPurchaseNotFound indicates a missing purchase.
	ErrPurchaseNotFound = fmt.Errorf("acquisition: purchase %w", shared.ErrNotFound)
	// ErrReversalConflict is returned when credited units are gone and the
	// purchase can no longer be reversed.
	ErrReversalConflict = fmt.Errorf("%w: purchase reversal", shared.ErrConflict)
)
