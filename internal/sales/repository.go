package sales

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/inventory"
	"github.com/cardledger/cardledger/internal/platform/db"
)

const saleColumns = `id, number, platform, sold_at, COALESCE(batch_id, ''), COALESCE(external_ref, ''),
platform_fees, payment_fees, shipping_collected, shipping_cost, gross, net_amount, cost_basis, profit, removed_from_inventory, created_at`

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
		return errors.New("sales repository not initialised")
	}
	return r.runner.Run(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{LineStore: inventory.NewTxStore(tx), tx: tx})
	})
}

// GetSale returns a sale with its items.
func (r *Repository) GetSale(ctx context.Context, id int64) (Sale, error) {
	sale, err := scanSale(r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id=$1`, id))
	if err != nil {
		return Sale{}, err
	}
	items, err := r.items(ctx, []int64{id})
	if err != nil {
		return Sale{}, err
	}
	sale.Items = items[id]
	return sale, nil
}

// ListSales returns sales sold within [from, to] with their items.
func (r *Repository) ListSales(ctx context.Context, from, to time.Time) ([]Sale, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM sales WHERE sold_at BETWEEN $1 AND $2 ORDER BY sold_at, id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var (
		sales []Sale
		ids   []int64
	)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}
	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (r *Repository) items(ctx context.Context, saleIDs []int64) (map[int64][]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT sale_id, id, line_id, description, quantity, sale_price, cost_basis_snapshot
FROM sale_items WHERE sale_id = ANY($1) ORDER BY id`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]Item, len(saleIDs))
	for rows.Next() {
		var (
			saleID int64
			item   Item
		)
		if err := rows.Scan(&saleID, &item.ID, &item.LineID, &item.Description, &item.Quantity, &item.SalePrice, &item.CostBasisSnapshot); err != nil {
			return nil, err
		}
		out[saleID] = append(out[saleID], item)
	}
	return out, rows.Err()
}

func (t *txRepo) InsertSale(ctx context.Context, s Sale) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO sales (number, platform, sold_at, batch_id, external_ref, platform_fees, payment_fees,
shipping_collected, shipping_cost, gross, net_amount, cost_basis, profit, removed_from_inventory, created_at)
VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING id`,
		s.Number, s.Platform, s.SoldAt, s.BatchID, s.ExternalRef, s.Fees.PlatformFees, s.Fees.PaymentFees,
		s.Fees.ShippingCollected, s.Fees.ShippingCost, s.Gross, s.NetAmount, s.CostBasis, s.Profit, s.RemovedFromInventory, s.CreatedAt).Scan(&id)
	return id, err
}

// InsertItem writes the item once; the snapshot column is never updated.
func (t *txRepo) InsertItem(ctx context.Context, saleID int64, item Item) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO sale_items (sale_id, line_id, description, quantity, sale_price, cost_basis_snapshot)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		saleID, item.LineID, item.Description, item.Quantity, item.SalePrice, item.CostBasisSnapshot).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateTotals(ctx context.Context, saleID int64, costBasis, profit decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE sales SET cost_basis=$1, profit=$2 WHERE id=$3`, costBasis, profit, saleID)
	return err
}

func scanSale(row pgx.Row) (Sale, error) {
	var s Sale
	err := row.Scan(&s.ID, &s.Number, &s.Platform, &s.SoldAt, &s.BatchID, &s.ExternalRef,
		&s.Fees.PlatformFees, &s.Fees.PaymentFees, &s.Fees.ShippingCollected, &s.Fees.ShippingCost,
		&s.Gross, &s.NetAmount, &s.CostBasis, &s.Profit, &s.RemovedFromInventory, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, ErrSaleNotFound
		}
		return Sale{}, err
	}
	return s, nil
}
