package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/cardledger/cardledger/internal/shared"
)

// RefModule tags movements created by manual corrections.
const RefModule = "INVENTORY"

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, LineStore) error) error
	GetLine(ctx context.Context, id int64) (Line, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	Summary(ctx context.Context) (Summary, error)
	ScanLines(ctx context.Context, afterID int64, limit int) ([]Line, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SummaryCachePort caches the valuation summary.
type SummaryCachePort interface {
	Fetch(ctx context.Context, loader func(context.Context) (Summary, error)) (Summary, error)
}

// Service exposes manual corrections and read models over the ledger.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier ChangeNotifier
	cache    SummaryCachePort
	logger   *slog.Logger
	group    singleflight.Group
}

// NewService builds Service. audit, notifier and cache are optional.
func NewService(repo RepositoryPort, audit AuditPort, notifier ChangeNotifier, cache SummaryCachePort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, notifier: notifier, cache: cache, logger: logger}
}

// AdjustInventory applies a manual quantity correction (damage, loss, recount).
func (s *Service) AdjustInventory(ctx context.Context, input AdjustInput) (Line, error) {
	if input.LineID <= 0 {
		return Line{}, shared.Invalid("line_id", "is required")
	}
	if input.Delta == 0 {
		return Line{}, ErrInvalidQuantity
	}
	var (
		line   Line
		change Change
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, store LineStore) error {
		ledger := NewLedger(store)
		var err error
		line, err = ledger.Adjust(ctx, input.LineID, input.Delta, Reference{Module: RefModule, ID: input.LineID, Note: input.Note})
		if err != nil {
			return err
		}
		change = ledger.Change()
		return nil
	})
	if err != nil {
		return Line{}, fmt.Errorf("inventory: adjust line %d: %w", input.LineID, err)
	}
	s.committed(ctx, change)
	s.recordAudit(ctx, input.ActorID, "ADJUST", line.ID, map[string]any{
		"delta":    input.Delta,
		"quantity": line.Quantity,
		"note":     input.Note,
	})
	return line, nil
}

// GetLine returns one inventory line.
func (s *Service) GetLine(ctx context.Context, id int64) (Line, error) {
	return s.repo.GetLine(ctx, id)
}

// Movements lists the stock card of a line.
func (s *Service) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.LineID <= 0 {
		return nil, shared.Invalid("line_id", "is required")
	}
	if _, err := s.repo.GetLine(ctx, filter.LineID); err != nil {
		return nil, err
	}
	return s.repo.ListMovements(ctx, filter)
}

// Summary returns the cached valuation of stock on hand. Concurrent callers
// share one load.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	v, err, _ := s.group.Do("summary", func() (any, error) {
		if s.cache == nil {
			return s.repo.Summary(ctx)
		}
		return s.cache.Fetch(ctx, s.repo.Summary)
	})
	if err != nil {
		return Summary{}, err
	}
	return v.(Summary), nil
}

// IntegrityReport is the outcome of a full ledger scan.
type IntegrityReport struct {
	Scanned    int
	Violations []error
}

// CheckIntegrity scans every line and reports those breaking the zero-basis
// or non-negative invariants.
func (s *Service) CheckIntegrity(ctx context.Context, pageSize int) (IntegrityReport, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var report IntegrityReport
	var after int64
	for {
		lines, err := s.repo.ScanLines(ctx, after, pageSize)
		if err != nil {
			return report, err
		}
		for _, line := range lines {
			report.Scanned++
			if err := CheckInvariants(line); err != nil {
				report.Violations = append(report.Violations, err)
				s.logger.Error("inventory invariant violated", slog.Int64("line_id", line.ID), slog.Any("error", err))
			}
			after = line.ID
		}
		if len(lines) < pageSize {
			return report, nil
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
	}
}

func (s *Service) committed(ctx context.Context, change Change) {
	if s.notifier != nil {
		s.notifier.LedgerChanged(ctx, change)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, lineID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "inventory:" + action,
		Entity:   "inventory_line",
		EntityID: strconv.FormatInt(lineID, 10),
		Meta:     meta,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("inventory audit failed", slog.Any("error", err))
	}
}
