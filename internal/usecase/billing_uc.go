// File: internal/usecase/billing_uc.go
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/adapter"
	"subscription-commerce/internal/domain/ports/repository"
)

// Compile-time check
var _ BillingUseCase = (*billingUC)(nil)

type BillingConfig struct {
	// MaxCatchUp caps the invoices generated per service per tick.
	MaxCatchUp int
	// DedupWindow is the tolerance of the duplicate check around a cycle end.
	// It is capped at half the service period and compared strictly.
	DedupWindow time.Duration
	// DueDays is the grace period between an invoice's creation and its due date.
	DueDays int
	// BatchSize bounds the number of due services loaded per tick.
	BatchSize int
}

// TickResult summarizes one scheduler tick.
type TickResult struct {
	Overdue         int64
	ServicesScanned int
	Generated       []*model.Invoice
	Duplicates      int
	CursorsAdvanced int
}

type BillingUseCase interface {
	// RunTick runs the overdue sweep and then catch-up generation in a single
	// transaction. Events for generated invoices are published after commit.
	RunTick(ctx context.Context, now time.Time) (*TickResult, error)
	// MarkOverdue flips pending invoices whose due date passed before now.
	MarkOverdue(ctx context.Context, tx repository.Tx, now time.Time) (int64, error)
	// CatchUp generates the missed cycle invoices of every due service.
	CatchUp(ctx context.Context, tx repository.Tx, now time.Time) (*TickResult, error)
}

type billingUC struct {
	invoices repository.InvoiceRepository
	services repository.ServiceRepository
	numbers  *InvoiceNumberGenerator
	tm       repository.TransactionManager
	events   adapter.EventPublisher
	cfg      BillingConfig
	log      *zerolog.Logger
}

func NewBillingUseCase(
	invoices repository.InvoiceRepository,
	services repository.ServiceRepository,
	numbers *InvoiceNumberGenerator,
	tm repository.TransactionManager,
	events adapter.EventPublisher,
	cfg BillingConfig,
	logger *zerolog.Logger,
) *billingUC {
	if cfg.MaxCatchUp <= 0 {
		cfg.MaxCatchUp = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.DueDays < 0 {
		cfg.DueDays = 0
	}
	l := logger.With().Str("component", "BillingUseCase").Logger()
	return &billingUC{
		invoices: invoices,
		services: services,
		numbers:  numbers,
		tm:       tm,
		events:   publisherOrNoop(events),
		cfg:      cfg,
		log:      &l,
	}
}

func (u *billingUC) RunTick(ctx context.Context, now time.Time) (*TickResult, error) {
	var res *TickResult
	err := u.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		overdue, err := u.MarkOverdue(ctx, tx, now)
		if err != nil {
			return err
		}
		r, err := u.CatchUp(ctx, tx, now)
		if err != nil {
			return err
		}
		r.Overdue = overdue
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0, len(res.Generated))
	for _, inv := range res.Generated {
		events = append(events, model.Event{
			Type:       model.EventInvoiceCreated,
			InvoiceID:  inv.ID,
			Number:     inv.Number,
			UserID:     inv.UserID,
			ProductID:  inv.ProductID,
			ServiceID:  inv.ServiceID,
			Amount:     inv.Amount,
			Currency:   inv.Currency,
			CycleEndAt: inv.CycleEndAt,
			OccurredAt: now,
		})
	}
	publish(ctx, u.log, u.events, events...)
	return res, nil
}

func (u *billingUC) MarkOverdue(ctx context.Context, tx repository.Tx, now time.Time) (int64, error) {
	n, err := u.invoices.MarkOverdue(ctx, tx, now)
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}
	if n > 0 {
		u.log.Info().Int64("count", n).Msg("invoices marked overdue")
	}
	return n, nil
}

func (u *billingUC) CatchUp(ctx context.Context, tx repository.Tx, now time.Time) (*TickResult, error) {
	due, err := u.services.ListDue(ctx, tx, now, u.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due services: %w", err)
	}
	res := &TickResult{ServicesScanned: len(due)}
	for _, svc := range due {
		if err := u.catchUpService(ctx, tx, svc, now, res); err != nil {
			return nil, fmt.Errorf("catch up service %d: %w", svc.ID, err)
		}
	}
	return res, nil
}

// catchUpService walks the cursor of one service forward by whole periods,
// at most MaxCatchUp times, emitting one invoice per cycle not already billed.
func (u *billingUC) catchUpService(ctx context.Context, tx repository.Tx, svc *model.DueService, now time.Time, res *TickResult) error {
	period := svc.Period()
	if period <= 0 {
		return nil
	}
	window := dedupWindow(u.cfg.DedupWindow, period)
	log := u.log.With().Int64("service_id", svc.ID).Int64("user_id", svc.UserID).Logger()

	cursor := svc.NextInvoiceAt
	for i := 0; i < u.cfg.MaxCatchUp && !cursor.After(now); i++ {
		cycleEnd := cursor.Add(period)

		dup, err := u.invoices.ExistsForCycle(ctx, tx, svc.ID, cursor, cycleEnd, window)
		if err != nil {
			return err
		}
		if !dup {
			inv, created, err := u.createCycleInvoice(ctx, tx, svc, cycleEnd, now)
			if err != nil {
				return err
			}
			if created {
				res.Generated = append(res.Generated, inv)
				log.Debug().Str("number", inv.Number).Time("cycle_end_at", cycleEnd).Msg("cycle invoice created")
			} else {
				dup = true
			}
		}
		if dup {
			res.Duplicates++
			log.Debug().Time("cursor", cursor).Msg("cycle already billed; skipping")
		}

		// The cursor moves past a duplicate cycle too.
		cursor = cycleEnd
		res.CursorsAdvanced++
	}

	if cursor.Equal(svc.NextInvoiceAt) {
		return nil
	}
	return u.services.AdvanceCursor(ctx, tx, svc.ID, cursor)
}

func (u *billingUC) createCycleInvoice(ctx context.Context, tx repository.Tx, svc *model.DueService, cycleEnd, now time.Time) (*model.Invoice, bool, error) {
	number, err := u.numbers.Next(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	serviceID := svc.ID
	dueAt := now.AddDate(0, 0, u.cfg.DueDays)
	end := cycleEnd
	inv := &model.Invoice{
		Number:     number,
		UserID:     svc.UserID,
		ProductID:  svc.ProductID,
		ServiceID:  &serviceID,
		Amount:     svc.Price,
		Currency:   svc.Currency,
		Status:     model.InvoiceStatusPending,
		CreatedAt:  now,
		DueAt:      &dueAt,
		CycleEndAt: &end,
	}
	created, err := u.invoices.Create(ctx, tx, inv)
	if err != nil {
		return nil, false, err
	}
	return inv, created, nil
}

// dedupWindow caps the window at half the period. The duplicate check compares
// strictly, so a cycle end exactly half a period away never counts as a match.
func dedupWindow(window, period time.Duration) time.Duration {
	if window < 0 {
		window = 0
	}
	if half := period / 2; window > half {
		return half
	}
	return window
}
