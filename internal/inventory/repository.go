package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardledger/cardledger/internal/platform/db"
	"github.com/cardledger/cardledger/internal/shared"
)

// identityConstraint is the unique index over inventory_lines.identity_key.
const identityConstraint = "inventory_lines_identity_key"

const lineColumns = `id, checklist_id, parallel, serial_number, print_run, signed, slabbed,
grade_company_id, grade_value, auto_grade, quantity, total_cost_basis, version, updated_at`

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	runner *db.TxRunner
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, runner *db.TxRunner) *Repository {
	return &Repository{pool: pool, runner: runner}
}

// WithTx executes the callback inside a retried repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, LineStore) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return r.runner.Run(ctx, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStore(tx))
	})
}

// GetLine reads a line without locking.
func (r *Repository) GetLine(ctx context.Context, id int64) (Line, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+lineColumns+` FROM inventory_lines WHERE id=$1`, id)
	return scanLine(row)
}

// ListMovements returns the stock card of one line.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, line_id, kind, qty_delta, cost_delta, balance_qty, balance_cost, ref_module, ref_id, note, posted_at
FROM inventory_movements
WHERE line_id=$1 AND posted_at BETWEEN COALESCE($2, '-infinity'::timestamptz) AND COALESCE($3, 'infinity'::timestamptz)
ORDER BY posted_at ASC, id ASC
LIMIT $4`, filter.LineID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		var kind string
		if err := rows.Scan(&m.ID, &m.LineID, &kind, &m.QtyDelta, &m.CostDelta, &m.BalanceQty, &m.BalanceCost, &m.RefModule, &m.RefID, &m.Note, &m.PostedAt); err != nil {
			return nil, err
		}
		m.Kind = MovementKind(kind)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// Summary aggregates stock on hand.
func (r *Repository) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FILTER (WHERE quantity > 0),
COALESCE(SUM(quantity), 0),
COALESCE(SUM(quantity) FILTER (WHERE signed), 0),
COALESCE(SUM(quantity) FILTER (WHERE slabbed), 0),
COALESCE(SUM(total_cost_basis), 0)
FROM inventory_lines`).Scan(&s.Lines, &s.Units, &s.SignedUnits, &s.SlabbedUnits, &s.CostBasis)
	return s, err
}

// ScanLines pages through all lines by id, used by the integrity job.
func (r *Repository) ScanLines(ctx context.Context, afterID int64, limit int) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM inventory_lines WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

type txStore struct {
	tx pgx.Tx
}

// NewTxStore adapts a pgx transaction to the LineStore the ledger needs.
// Workflow repositories embed it so their records and ledger rows share a
// single transaction.
func NewTxStore(tx pgx.Tx) LineStore {
	return &txStore{tx: tx}
}

func (s *txStore) FindLineByKeyForUpdate(ctx context.Context, key string) (Line, error) {
	row := s.tx.QueryRow(ctx, `SELECT `+lineColumns+` FROM inventory_lines WHERE identity_key=$1 FOR UPDATE`, key)
	return scanLine(row)
}

func (s *txStore) GetLineForUpdate(ctx context.Context, id int64) (Line, error) {
	row := s.tx.QueryRow(ctx, `SELECT `+lineColumns+` FROM inventory_lines WHERE id=$1 FOR UPDATE`, id)
	return scanLine(row)
}

func (s *txStore) InsertLine(ctx context.Context, line Line) (int64, error) {
	id := line.Identity
	var lineID int64
	err := s.tx.QueryRow(ctx, `INSERT INTO inventory_lines (identity_key, checklist_id, parallel, serial_number, print_run, signed, slabbed,
grade_company_id, grade_value, auto_grade, quantity, total_cost_basis, version, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		id.Key(), id.ChecklistID, id.Parallel, id.SerialNumber, id.PrintRun, id.Signed, id.Slabbed,
		id.Grade.CompanyID, id.Grade.Value, id.Grade.AutoGrade, line.Quantity, line.TotalCostBasis, line.Version, line.UpdatedAt).Scan(&lineID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == db.CodeUniqueViolation && pgErr.ConstraintName == identityConstraint {
			return 0, fmt.Errorf("inventory: line created concurrently: %w", shared.ErrConcurrentModification)
		}
		return 0, err
	}
	return lineID, nil
}

func (s *txStore) UpdateLine(ctx context.Context, line Line) error {
	tag, err := s.tx.Exec(ctx, `UPDATE inventory_lines SET quantity=$1, total_cost_basis=$2, version=version+1, updated_at=$3
WHERE id=$4 AND version=$5`, line.Quantity, line.TotalCostBasis, line.UpdatedAt, line.ID, line.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inventory: line %d version %d: %w", line.ID, line.Version, shared.ErrConcurrentModification)
	}
	return nil
}

func (s *txStore) InsertMovement(ctx context.Context, m Movement) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO inventory_movements (line_id, kind, qty_delta, cost_delta, balance_qty, balance_cost, ref_module, ref_id, note, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, m.LineID, string(m.Kind), m.QtyDelta, m.CostDelta, m.BalanceQty, m.BalanceCost, m.RefModule, m.RefID, m.Note, m.PostedAt)
	return err
}

func scanLine(row pgx.Row) (Line, error) {
	var l Line
	id := &l.Identity
	err := row.Scan(&l.ID, &id.ChecklistID, &id.Parallel, &id.SerialNumber, &id.PrintRun, &id.Signed, &id.Slabbed,
		&id.Grade.CompanyID, &id.Grade.Value, &id.Grade.AutoGrade, &l.Quantity, &l.TotalCostBasis, &l.Version, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrLineNotFound
		}
		return Line{}, err
	}
	return l, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
