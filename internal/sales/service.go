package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/costbasis"
	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/shared"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	inventory.LineStore
	InsertSale(ctx context.Context, s Sale) (int64, error)
	InsertItem(ctx context.Context, saleID int64, item Item) (int64, error)
	UpdateTotals(ctx context.Context, saleID int64, costBasis, profit decimal.Decimal) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, id int64) (Sale, error)
	ListSales(ctx context.Context, from, to time.Time) ([]Sale, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// BatchClaimer guards imports against resubmission.
type BatchClaimer interface {
	Claim(ctx context.Context, module, batchID string) (func(applied bool), error)
}

// Service records sales and realized profit.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier inventory.ChangeNotifier
	batches  BatchClaimer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, notifier inventory.ChangeNotifier, batches BatchClaimer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, notifier: notifier, batches: batches, logger: logger, now: time.Now}
}

// RecordSale stores a sale. When removing from inventory every linked item is
// debited and the removed cost becomes its snapshot; otherwise the snapshot is
// priced at the line's current unit cost without touching the ledger. Stock is
// verified for the whole sale before anything is debited.
func (s *Service) RecordSale(ctx context.Context, input SaleInput) (Sale, error) {
	draft, err := s.prepareSale(input)
	if err != nil {
		return Sale{}, err
	}
	var (
		sale   Sale
		change inventory.Change
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale = draft
		sale.Items = append([]Item(nil), draft.Items...)
		id, err := tx.InsertSale(ctx, sale)
		if err != nil {
			return err
		}
		sale.ID = id
		ledger := inventory.NewLedger(tx)
		if err := s.snapshot(ctx, ledger, &sale); err != nil {
			return err
		}
		if err := tx.UpdateTotals(ctx, id, sale.CostBasis, sale.Profit); err != nil {
			return err
		}
		for i := range sale.Items {
			if sale.Items[i].ID, err = tx.InsertItem(ctx, id, sale.Items[i]); err != nil {
				return err
			}
		}
		change = ledger.Change()
		return nil
	})
	if err != nil {
		return Sale{}, fmt.Errorf("sales: record sale: %w", err)
	}
	s.committed(ctx, change)
	s.recordAudit(ctx, input.ActorID, "CREATE", sale)
	return sale, nil
}

// snapshot verifies stock and fills in every item's cost basis snapshot.
func (s *Service) snapshot(ctx context.Context, ledger *inventory.Ledger, sale *Sale) error {
	requested := make(map[int64]int64)
	var order []int64
	for _, it := range sale.Items {
		if !it.Linked() {
			continue
		}
		if _, seen := requested[*it.LineID]; !seen {
			order = append(order, *it.LineID)
		}
		requested[*it.LineID] += it.Quantity
	}
	lines := make(map[int64]inventory.Line, len(order))
	for _, id := range order {
		line, err := ledger.Line(ctx, id)
		if err != nil {
			return err
		}
		if sale.RemovedFromInventory && requested[id] > line.Quantity {
			return &inventory.InsufficientInventoryError{LineID: id, Requested: requested[id], Available: line.Quantity}
		}
		lines[id] = line
	}

	total := decimal.Zero
	for i := range sale.Items {
		item := &sale.Items[i]
		switch {
		case !item.Linked():
			item.CostBasisSnapshot = decimal.Zero
		case sale.RemovedFromInventory:
			_, removed, err := ledger.Debit(ctx, *item.LineID, item.Quantity, inventory.Reference{Module: RefModule, ID: sale.ID, Note: sale.Number})
			if err != nil {
				return err
			}
			item.CostBasisSnapshot = removed
		default:
			line := lines[*item.LineID]
			item.CostBasisSnapshot = costbasis.Quantize(costbasis.PerUnit(line.TotalCostBasis, line.Quantity).Mul(decimal.NewFromInt(item.Quantity)))
		}
		total = total.Add(item.CostBasisSnapshot)
	}
	sale.CostBasis = total
	sale.Profit = sale.NetAmount.Sub(total)
	return nil
}

// ImportSales records marketplace rows, one sale per row. Rows without a card
// identity become unlinked sales. A failing row is reported without aborting
// the others; resubmitting an applied batch fails with shared.ErrDuplicateBatch.
func (s *Service) ImportSales(ctx context.Context, batchID string, rows []ImportRow, removeFromInventory bool, actorID int64) (shared.BulkResult, error) {
	result := shared.BulkResult{BatchID: batchID, IDs: []int64{}, Errors: []shared.RowError{}}
	if len(rows) == 0 {
		return result, shared.Invalid("rows", "must not be empty")
	}
	if s.batches == nil {
		return result, errors.New("sales: batch guard not configured")
	}
	release, err := s.batches.Claim(ctx, BatchModule, batchID)
	if err != nil {
		return result, fmt.Errorf("sales: import: %w", err)
	}
	defer func() { release(result.Applied()) }()

	for i, row := range rows {
		sale, err := s.importRow(ctx, batchID, row, removeFromInventory, actorID)
		if err != nil {
			result.Fail(i+1, err)
			continue
		}
		result.Created++
		result.IDs = append(result.IDs, sale.ID)
	}
	s.logger.Info("sales import",
		slog.String("batch_id", batchID),
		slog.Int("created", result.Created),
		slog.Int("failed", len(result.Errors)))
	return result, nil
}

func (s *Service) importRow(ctx context.Context, batchID string, row ImportRow, remove bool, actorID int64) (Sale, error) {
	item := ItemInput{Description: strings.TrimSpace(row.Title), Quantity: row.Quantity, SalePrice: row.SalePrice}
	if row.Linked() {
		lineID, err := s.resolveLine(ctx, *row.Identity)
		if err != nil {
			return Sale{}, err
		}
		item.LineID = &lineID
	}
	return s.RecordSale(ctx, SaleInput{
		Platform:    "ebay",
		SoldAt:      row.SoldAt,
		ExternalRef: strings.TrimSpace(row.OrderNumber),
		Items:       []ItemInput{item},
		Fees: Fees{
			PlatformFees:      row.PlatformFees,
			PaymentFees:       row.PaymentFees,
			ShippingCollected: row.ShippingCollected,
			ShippingCost:      row.ShippingCost,
		},
		RemoveFromInventory: remove,
		BatchID:             batchID,
		ActorID:             actorID,
	})
}

func (s *Service) resolveLine(ctx context.Context, identity inventory.Identity) (int64, error) {
	var lineID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		line, err := inventory.NewLedger(tx).Find(ctx, identity.Normalized())
		if err != nil {
			return err
		}
		lineID = line.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sales: resolve %s: %w", identity.Key(), err)
	}
	return lineID, nil
}

// GetSale loads a sale with its items.
func (s *Service) GetSale(ctx context.Context, id int64) (Sale, error) {
	return s.repo.GetSale(ctx, id)
}

// ProfitReport aggregates realized profit of sales sold in [from, to].
func (s *Service) ProfitReport(ctx context.Context, from, to time.Time) (ProfitReport, error) {
	if from.IsZero() || to.IsZero() {
		return ProfitReport{}, shared.Invalid("range", "from and to are required")
	}
	if to.Before(from) {
		return ProfitReport{}, shared.Invalid("range", "to must not be before from")
	}
	sales, err := s.repo.ListSales(ctx, from, to)
	if err != nil {
		return ProfitReport{}, err
	}
	report := ProfitReport{From: from, To: to, Totals: PlatformProfit{Platform: "all"}, ByPlatform: []PlatformProfit{}}
	byPlatform := make(map[string]*PlatformProfit)
	for _, sale := range sales {
		p, ok := byPlatform[sale.Platform]
		if !ok {
			p = &PlatformProfit{Platform: sale.Platform}
			byPlatform[sale.Platform] = p
		}
		for _, agg := range []*PlatformProfit{p, &report.Totals} {
			agg.Sales++
			agg.Gross = agg.Gross.Add(sale.Gross)
			agg.NetAmount = agg.NetAmount.Add(sale.NetAmount)
			agg.CostBasis = agg.CostBasis.Add(sale.CostBasis)
			agg.Profit = agg.Profit.Add(sale.Profit)
		}
		for _, it := range sale.Items {
			if !it.Linked() {
				report.Unlinked = report.Unlinked.Add(costbasis.Extend(it.SalePrice, it.Quantity))
			}
		}
	}
	for _, p := range byPlatform {
		report.ByPlatform = append(report.ByPlatform, *p)
	}
	sort.Slice(report.ByPlatform, func(i, j int) bool { return report.ByPlatform[i].Platform < report.ByPlatform[j].Platform })
	return report, nil
}

func (s *Service) prepareSale(input SaleInput) (Sale, error) {
	platform := strings.ToLower(strings.TrimSpace(input.Platform))
	if platform == "" {
		return Sale{}, shared.Invalid("platform", "is required")
	}
	if len(input.Items) == 0 {
		return Sale{}, shared.Invalid("items", "must not be empty")
	}
	fees := Fees{
		PlatformFees:      costbasis.Quantize(input.Fees.PlatformFees),
		PaymentFees:       costbasis.Quantize(input.Fees.PaymentFees),
		ShippingCollected: costbasis.Quantize(input.Fees.ShippingCollected),
		ShippingCost:      costbasis.Quantize(input.Fees.ShippingCost),
	}
	for name, v := range map[string]decimal.Decimal{
		"platform_fees":      fees.PlatformFees,
		"payment_fees":       fees.PaymentFees,
		"shipping_collected": fees.ShippingCollected,
		"shipping_cost":      fees.ShippingCost,
	} {
		if v.IsNegative() {
			return Sale{}, shared.Invalid("fees."+name, "must be >= 0")
		}
	}
	items := make([]Item, len(input.Items))
	gross := decimal.Zero
	for i, in := range input.Items {
		field := "items[" + strconv.Itoa(i) + "]"
		if in.Quantity <= 0 {
			return Sale{}, shared.Invalid(field+".quantity", "must be > 0")
		}
		price := costbasis.Quantize(in.SalePrice)
		if price.IsNegative() {
			return Sale{}, shared.Invalid(field+".sale_price", "must be >= 0")
		}
		if in.LineID != nil && *in.LineID <= 0 {
			return Sale{}, shared.Invalid(field+".line_id", "must be positive when set")
		}
		desc := strings.TrimSpace(in.Description)
		if in.LineID == nil && desc == "" {
			return Sale{}, shared.Invalid(field+".description", "is required for unlinked items")
		}
		items[i] = Item{LineID: in.LineID, Description: desc, Quantity: in.Quantity, SalePrice: price}
		gross = gross.Add(costbasis.Extend(price, in.Quantity))
	}
	soldAt := input.SoldAt
	if soldAt.IsZero() {
		soldAt = s.now()
	}
	net := gross.Add(fees.ShippingCollected).Sub(fees.PlatformFees).Sub(fees.PaymentFees).Sub(fees.ShippingCost)
	return Sale{
		Number:               shared.NewNumber("SAL", soldAt),
		Platform:             platform,
		SoldAt:               soldAt.UTC(),
		BatchID:              input.BatchID,
		ExternalRef:          input.ExternalRef,
		Fees:                 fees,
		Items:                items,
		Gross:                gross,
		NetAmount:            net,
		RemovedFromInventory: input.RemoveFromInventory,
		CreatedAt:            s.now().UTC(),
	}, nil
}

func (s *Service) committed(ctx context.Context, change inventory.Change) {
	if s.notifier != nil && !change.Empty() {
		s.notifier.LedgerChanged(ctx, change)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, sale Sale) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "sale:" + action,
		Entity:   "sale",
		EntityID: strconv.FormatInt(sale.ID, 10),
		Meta: map[string]any{
			"number":   sale.Number,
			"platform": sale.Platform,
			"net":      costbasis.Format(sale.NetAmount),
			"profit":   costbasis.Format(sale.Profit),
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("sale audit failed", slog.Any("error", err))
	}
}
