package repository

import (
	"context"
	"time"

	"subscription-commerce/internal/domain/model"
)

// UpsertServiceParams carries the fulfillment write for a (user, product) pair.
type UpsertServiceParams struct {
	UserID        int64
	ProductID     int64
	PeriodMinutes int
	NextInvoiceAt time.Time
}

type ServiceRepository interface {
	// ListDue returns active recurring services with next_invoice_at <= now,
	// oldest cursor first, joined with product pricing.
	ListDue(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.DueService, error)
	AdvanceCursor(ctx context.Context, tx Tx, id int64, next time.Time) error
	// Upsert creates the (user, product) service as active or renews and
	// reactivates the existing row.
	Upsert(ctx context.Context, tx Tx, p UpsertServiceParams) (*model.Service, error)
	FindByUserAndProduct(ctx context.Context, tx Tx, userID, productID int64) (*model.Service, error)
}
