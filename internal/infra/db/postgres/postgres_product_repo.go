package postgres

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/repository"
)

var _ repository.ProductRepository = (*productRepo)(nil)

type productRepo struct{ pool *pgxpool.Pool }

func NewProductRepo(pool *pgxpool.Pool) *productRepo {
	return &productRepo{pool: pool}
}

// Save inserts a product when p.ID is zero and updates it otherwise.
func (r *productRepo) Save(ctx context.Context, tx repository.Tx, p *model.Product) error {
	if p.ID == 0 {
		const q = `
INSERT INTO products (name, price, currency, period_minutes, billing_type, stock)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id;`
		row, err := pickRow(ctx, r.pool, tx, q, p.Name, p.Price, p.Currency, p.PeriodMinutes, p.BillingType, p.Stock)
		if err != nil {
			return err
		}
		if err := row.Scan(&p.ID); err != nil {
			return opErr("insert product", err)
		}
		return nil
	}

	const q = `
UPDATE products SET name=$2, price=$3, currency=$4, period_minutes=$5, billing_type=$6, stock=$7
WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, p.ID, p.Name, p.Price, p.Currency, p.PeriodMinutes, p.BillingType, p.Stock)
	if err != nil {
		return opErr("update product", err)
	}
	if tag.RowsAffected() == 0 {
		return scanErr(pgx.ErrNoRows)
	}
	return nil
}

func (r *productRepo) FindByID(ctx context.Context, tx repository.Tx, id int64) (*model.Product, error) {
	const q = `SELECT id, name, price, currency, period_minutes, billing_type, stock FROM products WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	p := &model.Product{}
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.PeriodMinutes, &p.BillingType, &p.Stock); err != nil {
		return nil, scanErr(err)
	}
	return p, nil
}

func (r *productRepo) DecrementStock(ctx context.Context, tx repository.Tx, id int64) (bool, error) {
	const q = `UPDATE products SET stock = stock - 1 WHERE id = $1 AND stock > 0;`
	tag, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		return false, opErr("decrement stock", err)
	}
	return tag.RowsAffected() == 1, nil
}
