// File: internal/usecase/fulfillment_uc.go
package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-commerce/internal/domain"
	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/adapter"
	"subscription-commerce/internal/domain/ports/repository"
	"subscription-commerce/internal/infra/metrics"
)

// Compile-time check
var _ FulfillmentUseCase = (*fulfillmentUC)(nil)

type FulfillmentStatus string

const (
	FulfillmentFulfilled FulfillmentStatus = "fulfilled"
	FulfillmentPending   FulfillmentStatus = "pending"
)

// FulfillmentResult is what a buyer polling for activation sees.
type FulfillmentResult struct {
	Status  FulfillmentStatus
	Invoice *model.Invoice
	// Service is nil while the invoice is unpaid.
	Service *model.Service
	// Changed is false when the call found the service already in the state
	// this invoice implies.
	Changed bool
}

func (r *FulfillmentResult) OK() bool      { return r.Status == FulfillmentFulfilled }
func (r *FulfillmentResult) Pending() bool { return r.Status == FulfillmentPending }

type FulfillmentUseCase interface {
	// Fulfill turns a paid invoice into an active service. It is idempotent
	// and reports pending without side effects for unpaid invoices. An
	// invoice that does not exist or belongs to another user yields
	// domain.ErrNotFound.
	Fulfill(ctx context.Context, invoiceID, userID int64) (*FulfillmentResult, error)
}

type fulfillmentUC struct {
	invoices repository.InvoiceRepository
	services repository.ServiceRepository
	tm       repository.TransactionManager
	events   adapter.EventPublisher
	log      *zerolog.Logger
	now      func() time.Time
}

func NewFulfillmentUseCase(
	invoices repository.InvoiceRepository,
	services repository.ServiceRepository,
	tm repository.TransactionManager,
	events adapter.EventPublisher,
	logger *zerolog.Logger,
) *fulfillmentUC {
	l := logger.With().Str("component", "FulfillmentUseCase").Logger()
	return &fulfillmentUC{
		invoices: invoices,
		services: services,
		tm:       tm,
		events:   publisherOrNoop(events),
		log:      &l,
		now:      time.Now,
	}
}

func (u *fulfillmentUC) Fulfill(ctx context.Context, invoiceID, userID int64) (*FulfillmentResult, error) {
	var res *FulfillmentResult
	err := u.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		inv, product, err := u.invoices.FindWithProduct(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if inv.UserID != userID {
			return domain.ErrNotFound
		}
		if !inv.IsPaid() {
			res = &FulfillmentResult{Status: FulfillmentPending, Invoice: inv}
			return nil
		}

		next, cycleEnd := resolveCycle(inv, product)

		prev, err := u.services.FindByUserAndProduct(ctx, tx, inv.UserID, inv.ProductID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		svc, err := u.services.Upsert(ctx, tx, repository.UpsertServiceParams{
			UserID:        inv.UserID,
			ProductID:     inv.ProductID,
			PeriodMinutes: product.PeriodMinutes,
			NextInvoiceAt: next,
		})
		if err != nil {
			return err
		}
		fulfilledAt := u.now().UTC()
		if err := u.invoices.AttachFulfillment(ctx, tx, inv.ID, svc.ID, cycleEnd, fulfilledAt); err != nil {
			return err
		}

		changed := inv.ServiceID == nil || serviceChanged(prev, svc)
		if inv.ServiceID == nil {
			id := svc.ID
			inv.ServiceID = &id
		}
		if inv.CycleEndAt == nil && cycleEnd != nil {
			inv.CycleEndAt = cycleEnd
		}
		if inv.FulfilledAt == nil {
			inv.FulfilledAt = &fulfilledAt
		}
		res = &FulfillmentResult{Status: FulfillmentFulfilled, Invoice: inv, Service: svc, Changed: changed}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			metrics.IncFulfillment("error")
			u.log.Error().Err(err).Int64("invoice_id", invoiceID).Msg("fulfillment failed")
		}
		return nil, err
	}

	if res.OK() {
		if res.Changed {
			metrics.IncFulfillment("fulfilled")
			u.log.Info().Int64("invoice_id", invoiceID).Int64("service_id", res.Service.ID).
				Time("next_invoice_at", res.Service.NextInvoiceAt).Msg("service fulfilled")
			publish(ctx, u.log, u.events, model.Event{
				Type:       model.EventServiceFulfilled,
				InvoiceID:  res.Invoice.ID,
				Number:     res.Invoice.Number,
				UserID:     res.Invoice.UserID,
				ProductID:  res.Invoice.ProductID,
				ServiceID:  res.Invoice.ServiceID,
				CycleEndAt: res.Invoice.CycleEndAt,
				OccurredAt: u.now().UTC(),
			})
		} else {
			metrics.IncFulfillment("noop")
		}
	} else {
		metrics.IncFulfillment("pending")
	}
	return res, nil
}

// resolveCycle derives the service cursor a paid invoice implies. A recurring
// invoice keeps the cycle end it was generated with; a first purchase starts
// its cycle at payment time. One-time products park the cursor at NeverDue
// and carry no cycle end.
func resolveCycle(inv *model.Invoice, product *model.Product) (time.Time, *time.Time) {
	if !product.IsRecurring() {
		return model.NeverDue, nil
	}
	if inv.CycleEndAt != nil {
		end := *inv.CycleEndAt
		return end, &end
	}
	start := inv.CreatedAt
	if inv.PaidAt != nil {
		start = *inv.PaidAt
	}
	end := start.Add(time.Duration(product.PeriodMinutes) * time.Minute)
	return end, &end
}

func serviceChanged(prev, cur *model.Service) bool {
	if prev == nil {
		return true
	}
	return prev.Status != cur.Status ||
		prev.PeriodMinutes != cur.PeriodMinutes ||
		!prev.NextInvoiceAt.Equal(cur.NextInvoiceAt)
}
