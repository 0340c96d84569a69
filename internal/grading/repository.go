package grading

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool   *pgxpool.Pool
	runner *db.TxRunner
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, runner *db.TxRunner) *Repository {
	return &Repository{pool: pool, runner: runner}
}

type txRepo struct {
	inventory.LineStore
	tx pgx.Tx
}

// WithTx runs fn in a retried repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("grading repository not initialised")
	}
	return r.runner.Run(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{LineStore: inventory.NewTxStore(tx), tx: tx})
	})
}

// GetSubmission returns a submission with its items.
func (r *Repository) GetSubmission(ctx context.Context, id int64) (Submission, error) {
	return loadSubmission(ctx, r.pool, id, false)
}

func (t *txRepo) InsertSubmission(ctx context.Context, s Submission) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO grading_submissions (number, company_id, date_submitted, status, grading_fee, shipping_cost, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		s.Number, s.CompanyID, s.DateSubmitted, string(s.Status), s.GradingFee, s.ShippingCost, s.CreatedAt, s.UpdatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertItem(ctx context.Context, submissionID int64, item Item) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO grading_items (submission_id, source_line_id, source_identity, declared_value, cost_basis, fee_share)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		submissionID, item.SourceLineID, item.SourceIdentity, item.DeclaredValue, item.CostBasis, item.FeeShare).Scan(&id)
	return id, err
}

func (t *txRepo) GetSubmissionForUpdate(ctx context.Context, id int64) (Submission, error) {
	return loadSubmission(ctx, t.tx, id, true)
}

func (t *txRepo) UpdateItem(ctx context.Context, item Item) error {
	tag, err := t.tx.Exec(ctx, `UPDATE grading_items SET fee_share=$1, grade_value=$2, auto_grade=$3, cert_number=$4, result_line_id=$5
WHERE id=$6 AND result_line_id IS NULL`, item.FeeShare, item.GradeValue, item.AutoGrade, item.CertNumber, item.ResultLineID, item.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE grading_submissions SET status=$1, updated_at=$2 WHERE id=$3`, string(status), at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadSubmission(ctx context.Context, q querier, id int64, lock bool) (Submission, error) {
	query := `SELECT id, number, company_id, date_submitted, status, grading_fee, shipping_cost, created_at, updated_at
FROM grading_submissions WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		s      Submission
		status string
	)
	err := q.QueryRow(ctx, query, id).Scan(&s.ID, &s.Number, &s.CompanyID, &s.DateSubmitted, &status, &s.GradingFee, &s.ShippingCost, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Submission{}, ErrSubmissionNotFound
		}
		return Submission{}, err
	}
	s.Status = Status(status)
	rows, err := q.Query(ctx, `SELECT id, source_line_id, source_identity, declared_value, cost_basis, fee_share, grade_value, auto_grade, cert_number, result_line_id
FROM grading_items WHERE submission_id=$1 ORDER BY id`, id)
	if err != nil {
		return Submission{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.SourceLineID, &item.SourceIdentity, &item.DeclaredValue, &item.CostBasis, &item.FeeShare,
			&item.GradeValue, &item.AutoGrade, &item.CertNumber, &item.ResultLineID); err != nil {
			return Submission{}, err
		}
		s.Items = append(s.Items, item)
	}
	return s, rows.Err()
}
