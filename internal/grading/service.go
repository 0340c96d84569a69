package grading

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

// TxRepository exposes transactional operations.
type TxRepository interface {
	inventory.LineStore
	InsertSubmission(ctx context.Context, s Submission) (int64, error)
	InsertItem(ctx context.Context, submissionID int64, item Item) (int64, error)
	GetSubmissionForUpdate(ctx context.Context, id int64) (Submission, error)
	UpdateItem(ctx context.Context, item Item) error
	UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSubmission(ctx context.Context, id int64) (Submission, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the grading workflow.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier inventory.ChangeNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, notifier inventory.ChangeNotifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, notifier: notifier, logger: logger, now: time.Now}
}

// CreateSubmission takes one unit off each raw source line.
func (s *Service) CreateSubmission(ctx context.Context, input CreateInput) (Submission, error) {
	if input.CompanyID <= 0 {
		return Submission{}, shared.Invalid("company_id", "is required")
	}
	if len(input.Items) == 0 {
		return Submission{}, shared.Invalid("items", "must not be empty")
	}
	fee := costbasis.Quantize(input.GradingFee)
	shipping := costbasis.Quantize(input.ShippingCost)
	if fee.IsNegative() {
		return Submission{}, shared.Invalid("grading_fee", "must be >= 0")
	}
	if shipping.IsNegative() {
		return Submission{}, shared.Invalid("shipping_cost", "must be >= 0")
	}
	for i, it := range input.Items {
		if it.SourceLineID <= 0 {
			return Submission{}, shared.Invalid("items["+strconv.Itoa(i)+"].source_line_id", "is required")
		}
		if it.DeclaredValue.IsNegative() {
			return Submission{}, shared.Invalid("items["+strconv.Itoa(i)+"].declared_value", "must be >= 0")
		}
	}
	submitted := input.DateSubmitted
	if submitted.IsZero() {
		submitted = s.now()
	}
	now := s.now().UTC()
	sub := Submission{
		Number:        shared.NewNumber("GRD", submitted),
		CompanyID:     input.CompanyID,
		DateSubmitted: submitted.UTC(),
		Status:        StatusPending,
		GradingFee:    fee,
		ShippingCost:  shipping,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var change inventory.Change
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// a retried attempt starts over
		sub.ID, sub.Items = 0, nil
		id, err := tx.InsertSubmission(ctx, sub)
		if err != nil {
			return err
		}
		sub.ID = id
		ledger := inventory.NewLedger(tx)
		for _, in := range input.Items {
			source, err := ledger.Line(ctx, in.SourceLineID)
			if err != nil {
				return err
			}
			if source.Identity.Slabbed {
				return shared.Invalid("source_line_id", fmt.Sprintf("line %d is already slabbed", source.ID))
			}
			_, removed, err := ledger.Debit(ctx, in.SourceLineID, 1, inventory.Reference{Module: RefModule, ID: id, Note: sub.Number})
			if err != nil {
				return err
			}
			item := Item{
				SourceLineID:   in.SourceLineID,
				SourceIdentity: source.Identity,
				DeclaredValue:  costbasis.Quantize(in.DeclaredValue),
				CostBasis:      removed,
			}
			if item.ID, err = tx.InsertItem(ctx, id, item); err != nil {
				return err
			}
			sub.Items = append(sub.Items, item)
		}
		change = ledger.Change()
		return nil
	})
	if err != nil {
		return Submission{}, fmt.Errorf("grading: create submission: %w", err)
	}
	s.committed(ctx, change)
	s.recordAudit(ctx, input.ActorID, "CREATE", sub, nil)
	return sub, nil
}

// UpdateStatus moves a submission one step forward. With override an
// administrator may skip ahead, but never past received: graded is reached
// only through RecordGrades. Going backwards is always rejected.
func (s *Service) UpdateStatus(ctx context.Context, id int64, target Status, override bool, actorID int64) (Submission, error) {
	if target.Rank() < 0 {
		return Submission{}, shared.Invalid("status", fmt.Sprintf("unknown value %q", target))
	}
	var sub Submission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		sub, err = tx.GetSubmissionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(sub, target, override); err != nil {
			return err
		}
		sub.Status = target
		sub.UpdatedAt = s.now().UTC()
		return tx.UpdateStatus(ctx, id, target, sub.UpdatedAt)
	})
	if err != nil {
		return Submission{}, fmt.Errorf("grading: update status %d: %w", id, err)
	}
	s.recordAudit(ctx, actorID, "STATUS", sub, map[string]any{"override": override})
	return sub, nil
}

func checkTransition(sub Submission, target Status, override bool) error {
	from, to := sub.Status.Rank(), target.Rank()
	reject := &shared.StateTransitionError{Entity: "grading submission", ID: sub.ID, From: string(sub.Status), To: string(target)}
	switch {
	case to <= from:
		return reject
	case target == StatusGraded:
		return reject
	case to == from+1:
		return nil
	case override && to <= StatusReceived.Rank():
		return nil
	default:
		return reject
	}
}

// RecordGrades applies one result per item and moves the submission to
// graded. The grading fee and shipping are shared evenly across the items;
// each card is credited to its slabbed variant, or back to its raw line when
// it returned ungraded.
func (s *Service) RecordGrades(ctx context.Context, id int64, results []Result, actorID int64) (Submission, error) {
	for i, res := range results {
		if res.GradeValue == nil && (res.AutoGrade != nil || res.CertNumber != nil) {
			return Submission{}, shared.Invalid("results["+strconv.Itoa(i)+"]", "auto grade and cert number require a grade")
		}
	}
	var (
		sub    Submission
		change inventory.Change
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		sub, err = tx.GetSubmissionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if sub.Status != StatusReceived {
			return &shared.StateTransitionError{Entity: "grading submission", ID: id, From: string(sub.Status), To: string(StatusGraded)}
		}
		byItem, err := indexResults(sub, results)
		if err != nil {
			return err
		}
		weights := make([]decimal.Decimal, len(sub.Items))
		for i := range weights {
			weights[i] = decimal.NewFromInt(1)
		}
		shares, err := costbasis.AllocateShared(sub.GradingFee.Add(sub.ShippingCost), weights)
		if err != nil {
			return err
		}
		ledger := inventory.NewLedger(tx)
		for i := range sub.Items {
			item := &sub.Items[i]
			res := byItem[item.ID]
			item.FeeShare = shares[i]
			item.GradeValue, item.AutoGrade, item.CertNumber = res.GradeValue, res.AutoGrade, res.CertNumber
			target := item.SourceIdentity
			if res.GradeValue != nil {
				grade := inventory.Grade{CompanyID: sub.CompanyID, Value: *res.GradeValue}
				if res.AutoGrade != nil {
					grade.AutoGrade = *res.AutoGrade
				}
				target = target.SlabbedVariant(grade)
			}
			line, err := ledger.Credit(ctx, target, 1, item.CostBasis.Add(item.FeeShare), inventory.Reference{Module: RefModule, ID: id, Note: sub.Number})
			if err != nil {
				return fmt.Errorf("item %d: %w", item.ID, err)
			}
			lineID := line.ID
			item.ResultLineID = &lineID
			if err := tx.UpdateItem(ctx, *item); err != nil {
				return err
			}
		}
		sub.Status = StatusGraded
		sub.UpdatedAt = s.now().UTC()
		change = ledger.Change()
		return tx.UpdateStatus(ctx, id, StatusGraded, sub.UpdatedAt)
	})
	if err != nil {
		return Submission{}, fmt.Errorf("grading: record grades %d: %w", id, err)
	}
	s.committed(ctx, change)
	s.recordAudit(ctx, actorID, "GRADES", sub, map[string]any{"items": len(sub.Items)})
	return sub, nil
}

func indexResults(sub Submission, results []Result) (map[int64]Result, error) {
	byItem := make(map[int64]Result, len(results))
	for _, res := range results {
		if itemIndex(sub.Items, res.ItemID) < 0 {
			return nil, fmt.Errorf("%w: %d", ErrItemNotFound, res.ItemID)
		}
		if _, dup := byItem[res.ItemID]; dup {
			return nil, shared.Invalid("results", fmt.Sprintf("item %d reported twice", res.ItemID))
		}
		if res.CertNumber != nil {
			cert := strings.TrimSpace(*res.CertNumber)
			res.CertNumber = &cert
		}
		byItem[res.ItemID] = res
	}
	if len(byItem) != len(sub.Items) {
		return nil, shared.Invalid("results", fmt.Sprintf("expected %d results, got %d", len(sub.Items), len(byItem)))
	}
	return byItem, nil
}

// GetSubmission loads a submission with its items.
func (s *Service) GetSubmission(ctx context.Context, id int64) (Submission, error) {
	return s.repo.GetSubmission(ctx, id)
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

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, sub Submission, extra map[string]any) {
	if s.audit == nil {
		return
	}
	meta := map[string]any{"number": sub.Number, "status": sub.Status}
	for k, v := range extra {
		meta[k] = v
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "grading:" + action,
		Entity:   "grading_submission",
		EntityID: strconv.FormatInt(sub.ID, 10),
		Meta:     meta,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("grading audit failed", slog.Any("error", err))
	}
}
