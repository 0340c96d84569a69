package consignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cardledger/cardledger/internal/costbasis"
	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/shared"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	inventory.LineStore
	InsertConsignment(ctx context.Context, c Consignment) (int64, error)
	InsertItem(ctx context.Context, consignmentID int64, item Item) (int64, error)
	GetConsignmentForUpdate(ctx context.Context, id int64) (Consignment, error)
	UpdateItem(ctx context.Context, item Item) error
	UpdateConsignment(ctx context.Context, c Consignment) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetConsignment(ctx context.Context, id int64) (Consignment, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the autograph consignment workflow.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier inventory.ChangeNotifier
	policy   FeePolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service. New records are created under policy.
func NewService(repo RepositoryPort, audit AuditPort, notifier inventory.ChangeNotifier, policy FeePolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = FeeSignedOnly
	}
	return &Service{repo: repo, audit: audit, notifier: notifier, policy: policy, logger: logger, now: time.Now}
}

// CreateConsignment removes each card from its source line and records it as
// pending with the cost basis it carried.
func (s *Service) CreateConsignment(ctx context.Context, input CreateInput) (Consignment, error) {
	if input.ConsignerID <= 0 {
		return Consignment{}, shared.Invalid("consigner_id", "is required")
	}
	if len(input.Items) == 0 {
		return Consignment{}, shared.Invalid("items", "must not be empty")
	}
	for i, it := range input.Items {
		field := "items[" + strconv.Itoa(i) + "]"
		if it.SourceLineID <= 0 {
			return Consignment{}, shared.Invalid(field+".source_line_id", "is required")
		}
		if it.Quantity <= 0 {
			return Consignment{}, shared.Invalid(field+".quantity", "must be > 0")
		}
		if it.FeePerCard.IsNegative() {
			return Consignment{}, shared.Invalid(field+".fee_per_card", "must be >= 0")
		}
	}
	dateSent := input.DateSent
	if dateSent.IsZero() {
		dateSent = s.now()
	}
	record := Consignment{
		Number:      shared.NewNumber("CON", dateSent),
		ConsignerID: input.ConsignerID,
		DateSent:    dateSent.UTC(),
		Status:      StatusPending,
		FeePolicy:   s.policy,
		CreatedAt:   s.now().UTC(),
	}
	var change inventory.Change
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// a retried attempt starts over
		record.ID, record.Items = 0, nil
		id, err := tx.InsertConsignment(ctx, record)
		if err != nil {
			return err
		}
		record.ID = id
		ledger := inventory.NewLedger(tx)
		for _, in := range input.Items {
			source, err := ledger.Line(ctx, in.SourceLineID)
			if err != nil {
				return err
			}
			if source.Identity.Slabbed {
				return shared.Invalid("source_line_id", fmt.Sprintf("line %d is slabbed and cannot be consigned", source.ID))
			}
			_, removed, err := ledger.Debit(ctx, in.SourceLineID, in.Quantity, inventory.Reference{Module: RefModule, ID: id, Note: record.Number})
			if err != nil {
				return err
			}
			item := Item{
				SourceLineID:   in.SourceLineID,
				SourceIdentity: source.Identity,
				Quantity:       in.Quantity,
				FeePerCard:     costbasis.Quantize(in.FeePerCard),
				CostBasis:      removed,
				Status:         ItemPending,
			}
			if item.ID, err = tx.InsertItem(ctx, id, item); err != nil {
				return err
			}
			record.Items = append(record.Items, item)
		}
		change = ledger.Change()
		return nil
	})
	if err != nil {
		return Consignment{}, fmt.Errorf("consignment: create: %w", err)
	}
	s.committed(ctx, change)
	s.recordAudit(ctx, input.ActorID, "CREATE", record, nil)
	return record, nil
}

// ProcessReturn applies the reported outcome of each item. Signed cards are
// credited to the signed variant of their source identity carrying their
// original cost plus the consignment fee. Refused and lost cards are not
// restocked. A resolution for an item that is no longer pending fails the
// whole call.
func (s *Service) ProcessReturn(ctx context.Context, id int64, resolutions []Resolution, actorID int64) (Consignment, error) {
	if len(resolutions) == 0 {
		return Consignment{}, shared.Invalid("resolutions", "must not be empty")
	}
	for i, res := range resolutions {
		if !res.Status.Terminal() {
			return Consignment{}, shared.Invalid("resolutions["+strconv.Itoa(i)+"].status", fmt.Sprintf("must be signed, refused or lost, got %q", res.Status))
		}
	}
	var (
		record Consignment
		change inventory.Change
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		record, err = tx.GetConsignmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if record.Status == StatusCancelled {
			return &shared.StateTransitionError{Entity: "consignment", ID: id, From: string(record.Status), To: "returned"}
		}
		ledger := inventory.NewLedger(tx)
		resolvedAt := s.now().UTC()
		for _, res := range resolutions {
			idx := itemIndex(record.Items, res.ItemID)
			if idx < 0 {
				return fmt.Errorf("%w: %d", ErrItemNotFound, res.ItemID)
			}
			item := &record.Items[idx]
			if item.Status != ItemPending {
				return &shared.StateTransitionError{Entity: "consignment item", ID: item.ID, From: string(item.Status), To: string(res.Status)}
			}
			item.Status = res.Status
			item.ResolvedAt = &resolvedAt
			if res.Status == ItemSigned {
				cost := item.CostBasis.Add(item.Fee())
				line, err := ledger.Credit(ctx, item.SourceIdentity.SignedVariant(), item.Quantity, cost, inventory.Reference{Module: RefModule, ID: id, Note: record.Number})
				if err != nil {
					return err
				}
				lineID := line.ID
				item.SignedLineID = &lineID
			}
			if err := tx.UpdateItem(ctx, *item); err != nil {
				return err
			}
		}
		record.Status = DeriveStatus(record.Items)
		change = ledger.Change()
		return tx.UpdateConsignment(ctx, record)
	})
	if err != nil {
		return Consignment{}, fmt.Errorf("consignment: process return %d: %w", id, err)
	}
	s.committed(ctx, change)
	s.recordAudit(ctx, actorID, "RETURN", record, map[string]any{"resolved": len(resolutions)})
	return record, nil
}

// MarkFeePaid settles the consigner's fee. Legal once per record, only after
// every item is resolved.
func (s *Service) MarkFeePaid(ctx context.Context, id int64, actorID int64) (Consignment, error) {
	var record Consignment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		record, err = tx.GetConsignmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if record.Status != StatusComplete {
			return &shared.StateTransitionError{Entity: "consignment", ID: id, From: string(record.Status), To: "fee paid"}
		}
		if record.FeePaid {
			return &shared.StateTransitionError{Entity: "consignment", ID: id, From: "fee paid", To: "fee paid"}
		}
		paidAt := s.now().UTC()
		record.FeePaid = true
		record.FeePaidAt = &paidAt
		return tx.UpdateConsignment(ctx, record)
	})
	if err != nil {
		return Consignment{}, fmt.Errorf("consignment: mark fee paid %d: %w", id, err)
	}
	s.recordAudit(ctx, actorID, "FEE_PAID", record, nil)
	return record, nil
}

// CancelConsignment calls a consignment off before any card was resolved and
// returns every card to its source line with the cost basis it left with.
func (s *Service) CancelConsignment(ctx context.Context, id int64, actorID int64) (Consignment, error) {
	var (
		record Consignment
		change inventory.Change
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		record, err = tx.GetConsignmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if record.Status != StatusPending {
			return &shared.StateTransitionError{Entity: "consignment", ID: id, From: string(record.Status), To: string(StatusCancelled)}
		}
		ledger := inventory.NewLedger(tx)
		for _, item := range record.Items {
			if _, err := ledger.Credit(ctx, item.SourceIdentity, item.Quantity, item.CostBasis, inventory.Reference{Module: RefModule, ID: id, Note: "cancel " + record.Number}); err != nil {
				return err
			}
		}
		record.Status = StatusCancelled
		change = ledger.Change()
		return tx.UpdateConsignment(ctx, record)
	})
	if err != nil {
		return Consignment{}, fmt.Errorf("consignment: cancel %d: %w", id, err)
	}
	s.committed(ctx, change)
	s.recordAudit(ctx, actorID, "CANCEL", record, nil)
	return record, nil
}

// GetConsignment loads a record with its items.
func (s *Service) GetConsignment(ctx context.Context, id int64) (Consignment, error) {
	return s.repo.GetConsignment(ctx, id)
}

func itemIndex(items []Item, id int64) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) committed(ctx context.Context, change inventory.Change) {
	if s.notifier != nil && !change.Empty() {
		s.notifier.LedgerChanged(ctx, change)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, c Consignment, extra map[string]any) {
	if s.audit == nil {
		return
	}
	meta := map[string]any{
		"number":      c.Number,
		"status":      c.Status,
		"fee_owed":    costbasis.Format(c.FeeOwed()),
		"written_off": costbasis.Format(c.WrittenOff()),
	}
	for k, v := range extra {
		meta[k] = v
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "consignment:" + action,
		Entity:   "consignment",
		EntityID: strconv.FormatInt(c.ID, 10),
		Meta:     meta,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("consignment audit failed", slog.Any("error", err))
	}
}
