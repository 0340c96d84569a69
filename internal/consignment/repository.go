package consignment

import (
	"context"
	"errors"

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
		return errors.New("consignment repository not initialised")
	}
	return r.runner.Run(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{LineStore: inventory.NewTxStore(tx), tx: tx})
	})
}

// GetConsignment returns a record with its items.
func (r *Repository) GetConsignment(ctx context.Context, id int64) (Consignment, error) {
	return loadConsignment(ctx, r.pool, id, false)
}

func (t *txRepo) InsertConsignment(ctx context.Context, c Consignment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO consignments (number, consigner_id, date_sent, status, fee_paid, fee_policy, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		c.Number, c.ConsignerID, c.DateSent, string(c.Status), c.FeePaid, string(c.FeePolicy), c.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertItem(ctx context.Context, consignmentID int64, item Item) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO consignment_items (consignment_id, source_line_id, source_identity, quantity, fee_per_card, cost_basis, status)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		consignmentID, item.SourceLineID, item.SourceIdentity, item.Quantity, item.FeePerCard, item.CostBasis, string(item.Status)).Scan(&id)
	return id, err
}

func (t *txRepo) GetConsignmentForUpdate(ctx context.Context, id int64) (Consignment, error) {
	return loadConsignment(ctx, t.tx, id, true)
}

// UpdateItem only ever moves a pending item, so an item status is written once.
func (t *txRepo) UpdateItem(ctx context.Context, item Item) error {
	tag, err := t.tx.Exec(ctx, `UPDATE consignment_items SET status=$1, signed_line_id=$2, resolved_at=$3
WHERE id=$4 AND status='pending'`, string(item.Status), item.SignedLineID, item.ResolvedAt, item.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (t *txRepo) UpdateConsignment(ctx context.Context, c Consignment) error {
	tag, err := t.tx.Exec(ctx, `UPDATE consignments SET status=$1, fee_paid=$2, fee_paid_at=$3 WHERE id=$4`,
		string(c.Status), c.FeePaid, c.FeePaidAt, c.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConsignmentNotFound
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadConsignment(ctx context.Context, q querier, id int64, lock bool) (Consignment, error) {
	query := `SELECT id, number, consigner_id, date_sent, status, fee_paid, fee_paid_at, fee_policy, created_at
FROM consignments WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		c              Consignment
		status, policy string
	)
	err := q.QueryRow(ctx, query, id).Scan(&c.ID, &c.Number, &c.ConsignerID, &c.DateSent, &status, &c.FeePaid, &c.FeePaidAt, &policy, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consignment{}, ErrConsignmentNotFound
		}
		return Consignment{}, err
	}
	c.Status, c.FeePolicy = Status(status), FeePolicy(policy)
	rows, err := q.Query(ctx, `SELECT id, source_line_id, source_identity, quantity, fee_per_card, cost_basis, status, signed_line_id, resolved_at
FROM consignment_items WHERE consignment_id=$1 ORDER BY id`, id)
	if err != nil {
		return Consignment{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			item       Item
			itemStatus string
		)
		if err := rows.Scan(&item.ID, &item.SourceLineID, &item.SourceIdentity, &item.Quantity, &item.FeePerCard, &item.CostBasis,
			&itemStatus, &item.SignedLineID, &item.ResolvedAt); err != nil {
			return Consignment{}, err
		}
		item.Status = ItemStatus(itemStatus)
		c.Items = append(c.Items, item)
	}
	return c, rows.Err()
}
