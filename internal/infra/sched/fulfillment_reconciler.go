package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"subscription-commerce/internal/domain/ports/repository"
	"subscription-commerce/internal/usecase"
)

// FulfillmentReconciler periodically retries fulfillment for invoices that
// were paid but never fulfilled, renewals included. This covers a crash
// between the paid transition and the fulfillment call.
type FulfillmentReconciler struct {
	fulfill  usecase.FulfillmentUseCase
	invoices repository.InvoiceRepository
	interval time.Duration // how often to scan
	after    time.Duration // how long a paid invoice may stay unfulfilled
	limit    int
	log      *zerolog.Logger
	now      func() time.Time
}

func NewFulfillmentReconciler(fulfill usecase.FulfillmentUseCase, invoices repository.InvoiceRepository, interval, after time.Duration, logger *zerolog.Logger) *FulfillmentReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if after <= 0 {
		after = 5 * time.Minute
	}
	l := logger.With().Str("component", "FulfillmentReconciler").Logger()
	return &FulfillmentReconciler{
		fulfill:  fulfill,
		invoices: invoices,
		interval: interval,
		after:    after,
		limit:    200,
		log:      &l,
		now:      time.Now,
	}
}

func (w *FulfillmentReconciler) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting fulfillment reconciler")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping fulfillment reconciler")
			return ctx.Err()
		case <-t.C:
			w.tick(ctx)
		}
	}
}

// tick returns the number of invoices it fulfilled.
func (w *FulfillmentReconciler) tick(ctx context.Context) int {
	cutoff := w.now().Add(-w.after)
	stale, err := w.invoices.ListPaidUnfulfilled(ctx, nil, cutoff, w.limit)
	if err != nil {
		w.log.Error().Err(err).Msg("list paid unfulfilled invoices")
		return 0
	}
	fixed := 0
	for _, inv := range stale {
		if ctx.Err() != nil {
			break
		}
		res, err := w.fulfill.Fulfill(ctx, inv.ID, inv.UserID)
		if err != nil {
			w.log.Error().Err(err).Int64("invoice_id", inv.ID).Msg("reconcile fulfillment failed")
			continue
		}
		if res.OK() {
			fixed++
			w.log.Info().Int64("invoice_id", inv.ID).Int64("service_id", res.Service.ID).Msg("reconciled fulfillment")
		}
	}
	return fixed
}
