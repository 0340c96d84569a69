package sales

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/shared"
)

// RefModule tags ledger movements caused by sales.
const RefModule = "SALE"

// BatchModule scopes marketplace import batch identifiers.
const BatchModule = "sales_import"

// ============================================================================
// SALE
// ============================================================================

// Fees are the sale-level charges and collections.
type Fees struct {
	PlatformFees      decimal.Decimal `json:"platform_fees"`
	PaymentFees       decimal.Decimal `json:"payment_fees"`
	ShippingCollected decimal.Decimal `json:"shipping_collected"`
	ShippingCost      decimal.Decimal `json:"shipping_cost"`
}

// Item is one sold line. A nil LineID marks unlinked revenue, a listing that
// never had a tracked inventory line.
type Item struct {
	ID                int64           `json:"id"`
	LineID            *int64          `json:"line_id,omitempty"`
	Description       string          `json:"description,omitempty"`
	Quantity          int64           `json:"quantity"`
	SalePrice         decimal.Decimal `json:"sale_price"`
	CostBasisSnapshot decimal.Decimal `json:"cost_basis_snapshot"`
}

// Linked reports whether the item refers to an inventory line.
func (i Item) Linked() bool {
	return i.LineID != nil
}

// Sale is a recorded sale. The cost basis snapshots are fixed at sale time so
// historical profit does not move when line costs change later.
type Sale struct {
	ID                   int64           `json:"id"`
	Number               string          `json:"number"`
	Platform             string          `json:"platform"`
	SoldAt               time.Time       `json:"sold_at"`
	BatchID              string          `json:"batch_id,omitempty"`
	ExternalRef          string          `json:"external_ref,omitempty"`
	Fees                 Fees            `json:"fees"`
	Items                []Item          `json:"items"`
	Gross                decimal.Decimal `json:"gross"`
	NetAmount            decimal.Decimal `json:"net_amount"`
	CostBasis            decimal.Decimal `json:"cost_basis"`
	Profit               decimal.Decimal `json:"profit"`
	RemovedFromInventory bool            `json:"removed_from_inventory"`
	CreatedAt            time.Time       `json:"created_at"`
}

// ItemInput is a sold line as submitted.
type ItemInput struct {
	LineID      *int64
	Description string
	Quantity    int64
	SalePrice   decimal.Decimal
}

// SaleInput carries data for RecordSale.
type SaleInput struct {
	Platform            string
	SoldAt              time.Time
	ExternalRef         string
	Items               []ItemInput
	Fees                Fees
	RemoveFromInventory bool
	BatchID             string
	ActorID             int64
}

// ============================================================================
// IMPORT
// ============================================================================

// ImportRow is one marketplace order line as delivered by the report parser.
// A nil Identity, or one without a checklist reference, is unlinked revenue.
type ImportRow struct {
	OrderNumber       string
	SoldAt            time.Time
	Title             string
	Identity          *inventory.Identity
	Quantity          int64
	SalePrice         decimal.Decimal
	ShippingCollected decimal.Decimal
	PlatformFees      decimal.Decimal
	PaymentFees       decimal.Decimal
	ShippingCost      decimal.Decimal
}

// Linked reports whether the row names a card identity.
func (r ImportRow) Linked() bool {
	return r.Identity != nil && r.Identity.ChecklistID > 0
}

// ============================================================================
// REPORTING
// ============================================================================

// PlatformProfit aggregates one platform within a report.
type PlatformProfit struct {
	Platform  string          `json:"platform"`
	Sales     int             `json:"sales"`
	Gross     decimal.Decimal `json:"gross"`
	NetAmount decimal.Decimal `json:"net_amount"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Profit    decimal.Decimal `json:"profit"`
}

// ProfitReport is realized profit over a date range, built from stored snapshots.
type ProfitReport struct {
	From       time.Time        `json:"from"`
	To         time.Time        `json:"to"`
	Totals     PlatformProfit   `json:"totals"`
	Unlinked   decimal.Decimal  `json:"unlinked_revenue"`
	ByPlatform []PlatformProfit `json:"by_platform"`
}

// ErrSaleNotFound indicates a missing sale.
var ErrSaleNotFound = fmt.Errorf("sales: sale %w", shared.ErrNotFound)
