package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/costbasis"
	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/shared"
)

// TxRepository exposes transactional operations. The embedded LineStore shares
// the transaction, so ledger rows and purchase rows commit together.
type TxRepository interface {
	inventory.LineStore
	InsertPurchase(ctx context.Context, p Purchase) (int64, error)
	InsertPurchaseItem(ctx context.Context, purchaseID int64, item PurchaseItem) (int64, error)
	GetPurchaseForUpdate(ctx context.Context, id int64) (Purchase, error)
	DeletePurchase(ctx context.Context, id int64) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchase(ctx context.Context, id int64) (Purchase, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// BatchClaimer guards bulk loads against resubmission.
type BatchClaimer interface {
	Claim(ctx context.Context, module, batchID string) (func(applied bool), error)
}

// Service turns purchases into inventory.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier inventory.ChangeNotifier
	batches  BatchClaimer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service. audit and notifier are optional.
func NewService(repo RepositoryPort, audit AuditPort, notifier inventory.ChangeNotifier, batches BatchClaimer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, notifier: notifier, batches: batches, logger: logger, now: time.Now}
}

// RecordPurchase persists a purchase, pro-rating shipping and tax over the
// items and crediting them to inventory when requested.
func (s *Service) RecordPurchase(ctx context.Context, input PurchaseInput) (Purchase, error) {
	draft, err := s.preparePurchase(input)
	if err != nil {
		return Purchase{}, err
	}
	var (
		purchase Purchase
		change   inventory.Change
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		purchase = draft
		purchase.Items = append([]PurchaseItem(nil), draft.Items...)
		id, err := tx.InsertPurchase(ctx, purchase)
		if err != nil {
			return err
		}
		purchase.ID = id
		ledger := inventory.NewLedger(tx)
		for i := range purchase.Items {
			item := &purchase.Items[i]
			if purchase.AddedToInventory {
				line, err := ledger.Credit(ctx, item.Identity, item.Quantity, item.Cost(), inventory.Reference{Module: RefModule, ID: id, Note: purchase.Number})
				if err != nil {
					return fmt.Errorf("item %d: %w", i+1, err)
				}
				lineID := line.ID
				item.LineID = &lineID
			}
			itemID, err := tx.InsertPurchaseItem(ctx, id, *item)
			if err != nil {
				return err
			}
			item.ID = itemID
		}
		change = ledger.Change()
		return nil
	})
	if err != nil {
		return Purchase{}, fmt.Errorf("acquisition: record purchase: %w", err)
	}
	s.committed(ctx, change)
	s.recordAudit(ctx, input.ActorID, "CREATE", purchase.ID, map[string]any{
		"number":   purchase.Number,
		"vendor":   purchase.Vendor,
		"total":    costbasis.Format(purchase.Total),
		"stocked":  purchase.AddedToInventory,
		"batch_id": purchase.BatchID,
	})
	return purchase, nil
}

// DeletePurchase removes a purchase and debits every unit it credited. When
// those units were already sold or consigned the reversal fails with
// ErrReversalConflict and nothing changes.
func (s *Service) DeletePurchase(ctx context.Context, id int64, actorID int64) error {
	var (
		purchase Purchase
		change   inventory.Change
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		purchase, err = tx.GetPurchaseForUpdate(ctx, id)
		if err != nil {
			return err
		}
		ledger := inventory.NewLedger(tx)
		if purchase.AddedToInventory {
			for _, item := range purchase.Items {
				if item.LineID == nil {
					continue
				}
				_, _, err := ledger.Debit(ctx, *item.LineID, item.Quantity, inventory.Reference{Module: RefModule, ID: id, Note: "reversal " + purchase.Number})
				if errors.Is(err, shared.ErrInsufficientInventory) {
					return fmt.Errorf("%w: %s item %d: %w", ErrReversalConflict, purchase.Number, item.ID, err)
				}
				if err != nil {
					return err
				}
			}
		}
		change = ledger.Change()
		return tx.DeletePurchase(ctx, id)
	})
	if err != nil {
		if errors.Is(err, ErrReversalConflict) {
			s.logger.Error("purchase reversal blocked", slog.Int64("purchase_id", id), slog.Any("error", err))
		}
		return fmt.Errorf("acquisition: delete purchase %d: %w", id, err)
	}
	s.committed(ctx, change)
	s.recordAudit(ctx, actorID, "DELETE", id, map[string]any{
		"number": purchase.Number,
		"total":  costbasis.Format(purchase.Total),
	})
	return nil
}

// GetPurchase loads a purchase with its items.
func (s *Service) GetPurchase(ctx context.Context, id int64) (Purchase, error) {
	return s.repo.GetPurchase(ctx, id)
}

// BulkCreateInventory stocks every valid row as its own purchase. A failing
// row is reported and does not abort the others. Resubmitting an applied
// batch fails with shared.ErrDuplicateBatch.
func (s *Service) BulkCreateInventory(ctx context.Context, batchID string, rows []BulkRow, actorID int64) (shared.BulkResult, error) {
	result := shared.BulkResult{BatchID: batchID, IDs: []int64{}, Errors: []shared.RowError{}}
	if len(rows) == 0 {
		return result, shared.Invalid("rows", "must not be empty")
	}
	if s.batches == nil {
		return result, errors.New("acquisition: batch guard not configured")
	}
	release, err := s.batches.Claim(ctx, BatchModule, batchID)
	if err != nil {
		return result, fmt.Errorf("acquisition: bulk create: %w", err)
	}
	defer func() { release(result.Applied()) }()

	for i, row := range rows {
		vendor := strings.TrimSpace(row.Vendor)
		if vendor == "" {
			vendor = DefaultBulkVendor
		}
		p, err := s.RecordPurchase(ctx, PurchaseInput{
			Vendor:         vendor,
			PurchasedAt:    row.PurchasedAt,
			Items:          []ItemInput{{Identity: row.Identity, Quantity: row.Quantity, UnitPrice: row.UnitCost}},
			AddToInventory: true,
			BatchID:        batchID,
			ActorID:        actorID,
		})
		if err != nil {
			result.Fail(i+1, err)
			continue
		}
		result.Created++
		result.IDs = append(result.IDs, p.ID)
	}
	s.logger.Info("bulk inventory load",
		slog.String("batch_id", batchID),
		slog.Int("created", result.Created),
		slog.Int("failed", len(result.Errors)))
	return result, nil
}

func (s *Service) preparePurchase(input PurchaseInput) (Purchase, error) {
	vendor := strings.TrimSpace(input.Vendor)
	if vendor == "" {
		return Purchase{}, shared.Invalid("vendor", "is required")
	}
	if len(input.Items) == 0 {
		return Purchase{}, shared.Invalid("items", "must not be empty")
	}
	shipping := costbasis.Quantize(input.Shipping)
	tax := costbasis.Quantize(input.Tax)
	if shipping.IsNegative() {
		return Purchase{}, shared.Invalid("shipping", "must be >= 0")
	}
	if tax.IsNegative() {
		return Purchase{}, shared.Invalid("tax", "must be >= 0")
	}

	items := make([]PurchaseItem, len(input.Items))
	valueWeights := make([]decimal.Decimal, len(input.Items))
	qtyWeights := make([]decimal.Decimal, len(input.Items))
	subtotal := decimal.Zero
	for i, in := range input.Items {
		field := "items[" + strconv.Itoa(i) + "]"
		if in.Quantity <= 0 {
			return Purchase{}, shared.Invalid(field+".quantity", "must be > 0")
		}
		price := costbasis.Quantize(in.UnitPrice)
		if price.IsNegative() {
			return Purchase{}, shared.Invalid(field+".unit_price", "must be >= 0")
		}
		identity := in.Identity.Normalized()
		if err := identity.Validate(); err != nil {
			return Purchase{}, fmt.Errorf("%s: %w", field, err)
		}
		items[i] = PurchaseItem{Identity: identity, Quantity: in.Quantity, UnitPrice: price}
		valueWeights[i] = costbasis.Extend(price, in.Quantity)
		qtyWeights[i] = decimal.NewFromInt(in.Quantity)
		subtotal = subtotal.Add(valueWeights[i])
	}

	weights := valueWeights
	if subtotal.IsZero() {
		weights = qtyWeights
	}
	shares, err := costbasis.AllocateShared(shipping.Add(tax), weights)
	if err != nil {
		return Purchase{}, err
	}
	for i := range items {
		items[i].AllocatedShare = shares[i]
	}

	purchasedAt := input.PurchasedAt
	if purchasedAt.IsZero() {
		purchasedAt = s.now()
	}
	return Purchase{
		Number:           shared.NewNumber("PUR", purchasedAt),
		Vendor:           vendor,
		PurchasedAt:      purchasedAt.UTC(),
		BatchID:          input.BatchID,
		Items:            items,
		Shipping:         shipping,
		Tax:              tax,
		Subtotal:         subtotal,
		Total:            subtotal.Add(shipping).Add(tax),
		AddedToInventory: input.AddToInventory,
		CreatedAt:        s.now().UTC(),
	}, nil
}

func (s *Service) committed(ctx context.Context, change inventory.Change) {
	if s.notifier != nil && !change.Empty() {
		s.notifier.LedgerChanged(ctx, change)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, purchaseID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "purchase:" + action,
		Entity:   "purchase",
		EntityID: strconv.FormatInt(purchaseID, 10),
		Meta:     meta,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("purchase audit failed", slog.Any("error", err))
	}
}
