package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is the storage-specific transaction handle (pgx.Tx for Postgres).
// Repositories accept a nil Tx and then run against the pool.
type Tx interface{}

var NoTX Tx

// TransactionManager runs fn inside a single database transaction. The handle
// passed to fn must be threaded through every repository call that should
// take part in it. A non-nil error from fn rolls the transaction back.
//
// tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx Tx) error {
//	won, err := invoices.MarkPaid(ctx, tx, params)
//	...
//	return err
// })
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
