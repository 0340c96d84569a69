package acquisition

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
		return errors.New("acquisition repository not initialised")
	}
	return r.runner.Run(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{LineStore: inventory.NewTxStore(tx), tx: tx})
	})
}

// GetPurchase returns a purchase with its items.
func (r *Repository) GetPurchase(ctx context.Context, id int64) (Purchase, error) {
	return loadPurchase(ctx, r.pool, id, false)
}

func (t *txRepo) InsertPurchase(ctx context.Context, p Purchase) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchases (number, vendor, purchased_at, batch_id, shipping, tax, subtotal, total, added_to_inventory, created_at)
VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10) RETURNING id`,
		p.Number, p.Vendor, p.PurchasedAt, p.BatchID, p.Shipping, p.Tax, p.Subtotal, p.Total, p.AddedToInventory, p.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertPurchaseItem(ctx context.Context, purchaseID int64, item PurchaseItem) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_items (purchase_id, identity, quantity, unit_price, allocated_share, line_id)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		purchaseID, item.Identity, item.Quantity, item.UnitPrice, item.AllocatedShare, item.LineID).Scan(&id)
	return id, err
}

func (t *txRepo) GetPurchaseForUpdate(ctx context.Context, id int64) (Purchase, error) {
	return loadPurchase(ctx, t.tx, id, true)
}

func (t *txRepo) DeletePurchase(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM purchase_items WHERE purchase_id=$1`, id); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM purchases WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPurchaseNotFound
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadPurchase(ctx context.Context, q querier, id int64, lock bool) (Purchase, error) {
	query := `SELECT id, number, vendor, purchased_at, COALESCE(batch_id, ''), shipping, tax, subtotal, total, added_to_inventory, created_at
FROM purchases WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	var p Purchase
	err := q.QueryRow(ctx, query, id).Scan(&p.ID, &p.Number, &p.Vendor, &p.PurchasedAt, &p.BatchID,
		&p.Shipping, &p.Tax, &p.Subtotal, &p.Total, &p.AddedToInventory, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purchase{}, ErrPurchaseNotFound
		}
		return Purchase{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, identity, quantity, unit_price, allocated_share, line_id
FROM purchase_items WHERE purchase_id=$1 ORDER BY id`, id)
	if err != nil {
		return Purchase{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item PurchaseItem
		if err := rows.Scan(&item.ID, &item.Identity, &item.Quantity, &item.UnitPrice, &item.AllocatedShare, &item.LineID); err != nil {
			return Purchase{}, err
		}
		p.Items = append(p.Items, item)
	}
	return p, rows.Err()
}
