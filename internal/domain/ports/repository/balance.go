package repository

import (
	"context"

	"subscription-commerce/internal/domain/model"
)

// BalanceRepository holds per-user credit balances, one per currency.
type BalanceRepository interface {
	// Debit subtracts amount only if the balance covers it.
	Debit(ctx context.Context, tx Tx, userID int64, currency model.Currency, amount int64) (bool, error)
	Credit(ctx context.Context, tx Tx, userID int64, currency model.Currency, amount int64) error
	Get(ctx context.Context, tx Tx, userID int64, currency model.Currency) (int64, error)
}
