package repository

import (
	"context"
	"time"

	"subscription-commerce/internal/domain/model"
)

// MarkPaidParams describes the fencing update of a paid transition.
type MarkPaidParams struct {
	InvoiceID int64
	Method    string
	PaidAt    time.Time
}

type InvoiceRepository interface {
	// Create inserts a pending invoice and fills in inv.ID. It returns false
	// without error when the (service_id, cycle_end_at) slot is already taken.
	Create(ctx context.Context, tx Tx, inv *model.Invoice) (bool, error)
	FindByID(ctx context.Context, tx Tx, id int64) (*model.Invoice, error)
	// FindWithProduct loads an invoice together with the product it bills.
	FindWithProduct(ctx context.Context, tx Tx, id int64) (*model.Invoice, *model.Product, error)
	// ExistsForCycle is the window-based duplicate check for a service cycle.
	ExistsForCycle(ctx context.Context, tx Tx, serviceID int64, cursor, cycleEnd time.Time, window time.Duration) (bool, error)
	// MarkOverdue flips every pending invoice whose due date passed before now.
	MarkOverdue(ctx context.Context, tx Tx, now time.Time) (int64, error)
	// MarkPaid is the fencing update shared by all payment bridges:
	// WHERE id=? AND status<>'paid'. false means another writer already won.
	MarkPaid(ctx context.Context, tx Tx, p MarkPaidParams) (bool, error)
	// AssignNumber sets the number of an invoice that has none and returns
	// the number the row ends up with. Callers take the invoice row lock
	// before touching the sequence row.
	AssignNumber(ctx context.Context, tx Tx, id int64, number string) (string, error)
	// AttachFulfillment links the invoice to its service and records the cycle
	// end and the fulfillment time, each only if previously null.
	AttachFulfillment(ctx context.Context, tx Tx, id, serviceID int64, cycleEnd *time.Time, at time.Time) error
	// ListPaidUnfulfilled returns paid invoices that were paid before
	// olderThan and never fulfilled, renewals that already carry a
	// service_id included.
	ListPaidUnfulfilled(ctx context.Context, tx Tx, olderThan time.Time, limit int) ([]*model.Invoice, error)
}
