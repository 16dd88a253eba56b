package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/repository"
)

var _ repository.BalanceRepository = (*balanceRepo)(nil)

type balanceRepo struct{ pool *pgxpool.Pool }

func NewBalanceRepo(pool *pgxpool.Pool) *balanceRepo {
	return &balanceRepo{pool: pool}
}

func (r *balanceRepo) Debit(ctx context.Context, tx repository.Tx, userID int64, currency model.Currency, amount int64) (bool, error) {
	const q = `UPDATE user_balances SET amount = amount - $3 WHERE user_id = $1 AND currency = $2 AND amount >= $3;`
	tag, err := execSQL(ctx, r.pool, tx, q, userID, currency, amount)
	if err != nil {
		return false, opErr("debit balance", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *balanceRepo) Credit(ctx context.Context, tx repository.Tx, userID int64, currency model.Currency, amount int64) error {
	const q = `
INSERT INTO user_balances (user_id, currency, amount) VALUES ($1, $2, $3)
ON CONFLICT (user_id, currency) DO UPDATE SET amount = user_balances.amount + EXCLUDED.amount;`
	if _, err := execSQL(ctx, r.pool, tx, q, userID, currency, amount); err != nil {
		return opErr("credit balance", err)
	}
	return nil
}

// Get returns zero for a user that never had a balance in currency.
func (r *balanceRepo) Get(ctx context.Context, tx repository.Tx, userID int64, currency model.Currency) (int64, error) {
	const q = `SELECT amount FROM user_balances WHERE user_id = $1 AND currency = $2;`
	row, err := pickRow(ctx, r.pool, tx, q, userID, currency)
	if err != nil {
		return 0, err
	}
	var amount int64
	if err := row.Scan(&amount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, scanErr(err)
	}
	return amount, nil
}
