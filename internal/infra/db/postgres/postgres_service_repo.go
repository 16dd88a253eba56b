package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/repository"
)

var _ repository.ServiceRepository = (*serviceRepo)(nil)

type serviceRepo struct{ pool *pgxpool.Pool }

func NewServiceRepo(pool *pgxpool.Pool) *serviceRepo {
	return &serviceRepo{pool: pool}
}

const serviceColumns = `s.id, s.user_id, s.product_id, s.period_minutes, s.next_invoice_at, s.status, s.canceled_at, s.created_at, s.updated_at`

func scanService(row pgx.Row, extra ...interface{}) (*model.Service, error) {
	s := &model.Service{}
	dest := []interface{}{&s.ID, &s.UserID, &s.ProductID, &s.PeriodMinutes, &s.NextInvoiceAt, &s.Status, &s.CanceledAt, &s.CreatedAt, &s.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *serviceRepo) ListDue(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.DueService, error) {
	if limit <= 0 {
		limit = 500
	}
	q := `SELECT ` + serviceColumns + `, p.price, p.currency
FROM services s JOIN products p ON p.id = s.product_id
WHERE s.status = 'active' AND s.period_minutes > 0 AND s.next_invoice_at <= $1
ORDER BY s.next_invoice_at ASC
LIMIT $2`
	// Rows held by another instance's tick are left for its next pass.
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE OF s SKIP LOCKED"
	}
	rows, err := queryRows(ctx, r.pool, tx, q, now, limit)
	if err != nil {
		return nil, opErr("list due services", err)
	}
	defer rows.Close()

	var out []*model.DueService
	for rows.Next() {
		d := &model.DueService{}
		svc, err := scanService(rows, &d.Price, &d.Currency)
		if err != nil {
			return nil, scanErr(err)
		}
		d.Service = *svc
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr("list due services", err)
	}
	return out, nil
}

func (r *serviceRepo) AdvanceCursor(ctx context.Context, tx repository.Tx, id int64, next time.Time) error {
	const q = `UPDATE services SET next_invoice_at = $2, updated_at = NOW() WHERE id = $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, next)
	if err != nil {
		return opErr("advance cursor", err)
	}
	if tag.RowsAffected() == 0 {
		return scanErr(pgx.ErrNoRows)
	}
	return nil
}

func (r *serviceRepo) Upsert(ctx context.Context, tx repository.Tx, p repository.UpsertServiceParams) (*model.Service, error) {
	// updated_at only moves when the row actually changes, so re-fulfilling
	// the same invoice leaves the row untouched.
	const q = `
INSERT INTO services AS s (user_id, product_id, period_minutes, next_invoice_at, status)
VALUES ($1, $2, $3, $4, 'active')
ON CONFLICT (user_id, product_id) DO UPDATE SET
  period_minutes  = EXCLUDED.period_minutes,
  next_invoice_at = EXCLUDED.next_invoice_at,
  status          = 'active',
  canceled_at     = NULL,
  updated_at      = CASE
    WHEN s.period_minutes IS DISTINCT FROM EXCLUDED.period_minutes
      OR s.next_invoice_at IS DISTINCT FROM EXCLUDED.next_invoice_at
      OR s.status <> 'active'
      OR s.canceled_at IS NOT NULL
    THEN NOW() ELSE s.updated_at END
RETURNING ` + serviceColumns + `;`
	row, err := pickRow(ctx, r.pool, tx, q, p.UserID, p.ProductID, p.PeriodMinutes, p.NextInvoiceAt)
	if err != nil {
		return nil, err
	}
	svc, err := scanService(row)
	if err != nil {
		return nil, opErr("upsert service", err)
	}
	return svc, nil
}

func (r *serviceRepo) FindByUserAndProduct(ctx context.Context, tx repository.Tx, userID, productID int64) (*model.Service, error) {
	q := forUpdate(`SELECT `+serviceColumns+` FROM services s WHERE s.user_id = $1 AND s.product_id = $2`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, userID, productID)
	if err != nil {
		return nil, err
	}
	svc, err := scanService(row)
	if err != nil {
		return nil, scanErr(err)
	}
	return svc, nil
}
