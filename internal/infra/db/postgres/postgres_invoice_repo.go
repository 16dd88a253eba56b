package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/repository"
)

var _ repository.InvoiceRepository = (*invoiceRepo)(nil)

type invoiceRepo struct{ pool *pgxpool.Pool }

func NewInvoiceRepo(pool *pgxpool.Pool) *invoiceRepo {
	return &invoiceRepo{pool: pool}
}

const invoiceColumns = `i.id, COALESCE(i.number, ''), i.user_id, i.product_id, i.service_id, i.amount, i.currency, i.status,
  COALESCE(i.payment_method, ''), i.created_at, i.due_at, i.paid_at, i.cycle_end_at, i.fulfilled_at`

func scanInvoice(row pgx.Row, extra ...interface{}) (*model.Invoice, error) {
	inv := &model.Invoice{}
	dest := []interface{}{
		&inv.ID, &inv.Number, &inv.UserID, &inv.ProductID, &inv.ServiceID, &inv.Amount, &inv.Currency, &inv.Status,
		&inv.PaymentMethod, &inv.CreatedAt, &inv.DueAt, &inv.PaidAt, &inv.CycleEndAt, &inv.FulfilledAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *invoiceRepo) Create(ctx context.Context, tx repository.Tx, inv *model.Invoice) (bool, error) {
	const q = `
INSERT INTO invoices (number, user_id, product_id, service_id, amount, currency, status, created_at, due_at, cycle_end_at)
VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (service_id, cycle_end_at) WHERE service_id IS NOT NULL AND cycle_end_at IS NOT NULL DO NOTHING
RETURNING id;`
	status := inv.Status
	if status == "" {
		status = model.InvoiceStatusPending
	}
	row, err := pickRow(ctx, r.pool, tx, q, inv.Number, inv.UserID, inv.ProductID, inv.ServiceID, inv.Amount,
		inv.Currency, status, inv.CreatedAt, inv.DueAt, inv.CycleEndAt)
	if err != nil {
		return false, err
	}
	if err := row.Scan(&inv.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, opErr("insert invoice", err)
	}
	inv.Status = status
	return true, nil
}

func (r *invoiceRepo) FindByID(ctx context.Context, tx repository.Tx, id int64) (*model.Invoice, error) {
	q := forUpdate(`SELECT `+invoiceColumns+` FROM invoices i WHERE i.id = $1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	inv, err := scanInvoice(row)
	if err != nil {
		return nil, scanErr(err)
	}
	return inv, nil
}

func (r *invoiceRepo) FindWithProduct(ctx context.Context, tx repository.Tx, id int64) (*model.Invoice, *model.Product, error) {
	q := `SELECT ` + invoiceColumns + `, p.id, p.name, p.price, p.currency, p.period_minutes, p.billing_type, p.stock
FROM invoices i JOIN products p ON p.id = i.product_id
WHERE i.id = $1`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE OF i"
	}
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, nil, err
	}
	p := &model.Product{}
	inv, err := scanInvoice(row, &p.ID, &p.Name, &p.Price, &p.Currency, &p.PeriodMinutes, &p.BillingType, &p.Stock)
	if err != nil {
		return nil, nil, scanErr(err)
	}
	return inv, p, nil
}

func (r *invoiceRepo) ExistsForCycle(ctx context.Context, tx repository.Tx, serviceID int64, cursor, cycleEnd time.Time, window time.Duration) (bool, error) {
	// A row with a cycle end is compared on it; legacy rows without one fall
	// back to their creation time around the cursor.
	const q = `
SELECT EXISTS (
  SELECT 1 FROM invoices
  WHERE service_id = $1
    AND (
      (cycle_end_at IS NOT NULL
        AND cycle_end_at > $3::timestamptz - ($4::bigint * INTERVAL '1 microsecond')
        AND cycle_end_at < $3::timestamptz + ($4::bigint * INTERVAL '1 microsecond'))
      OR
      (cycle_end_at IS NULL
        AND created_at > $2::timestamptz - ($4::bigint * INTERVAL '1 microsecond')
        AND created_at < $2::timestamptz + ($4::bigint * INTERVAL '1 microsecond'))
    )
);`
	row, err := pickRow(ctx, r.pool, tx, q, serviceID, cursor, cycleEnd, window.Microseconds())
	if err != nil {
		return false, err
	}
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, scanErr(err)
	}
	return exists, nil
}

func (r *invoiceRepo) MarkOverdue(ctx context.Context, tx repository.Tx, now time.Time) (int64, error) {
	const q = `UPDATE invoices SET status = 'overdue' WHERE status = 'pending' AND due_at IS NOT NULL AND due_at < $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, now)
	if err != nil {
		return 0, opErr("mark overdue", err)
	}
	return tag.RowsAffected(), nil
}

func (r *invoiceRepo) MarkPaid(ctx context.Context, tx repository.Tx, p repository.MarkPaidParams) (bool, error) {
	const q = `
UPDATE invoices
SET status = 'paid', payment_method = $2, paid_at = $3
WHERE id = $1 AND status <> 'paid';`
	tag, err := execSQL(ctx, r.pool, tx, q, p.InvoiceID, p.Method, p.PaidAt)
	if err != nil {
		return false, opErr("mark paid", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *invoiceRepo) AssignNumber(ctx context.Context, tx repository.Tx, id int64, number string) (string, error) {
	const q = `UPDATE invoices SET number = COALESCE(number, $2) WHERE id = $1 RETURNING number;`
	row, err := pickRow(ctx, r.pool, tx, q, id, number)
	if err != nil {
		return "", err
	}
	var got string
	if err := row.Scan(&got); err != nil {
		return "", scanErr(err)
	}
	return got, nil
}

func (r *invoiceRepo) AttachFulfillment(ctx context.Context, tx repository.Tx, id, serviceID int64, cycleEnd *time.Time, at time.Time) error {
	const q = `
UPDATE invoices
SET service_id = COALESCE(service_id, $2), cycle_end_at = COALESCE(cycle_end_at, $3),
    fulfilled_at = COALESCE(fulfilled_at, $4)
WHERE id = $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, serviceID, cycleEnd, at)
	if err != nil {
		return opErr("attach fulfillment", err)
	}
	if tag.RowsAffected() == 0 {
		return scanErr(pgx.ErrNoRows)
	}
	return nil
}

func (r *invoiceRepo) ListPaidUnfulfilled(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + invoiceColumns + ` FROM invoices i
WHERE i.status = 'paid' AND i.fulfilled_at IS NULL AND i.paid_at < $1
ORDER BY i.paid_at ASC LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, olderThan, limit)
	if err != nil {
		return nil, opErr("list paid unfulfilled", err)
	}
	defer rows.Close()

	var out []*model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, scanErr(err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr("list paid unfulfilled", err)
	}
	return out, nil
}
