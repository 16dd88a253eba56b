//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-commerce/internal/domain"
	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/repository"
	"subscription-commerce/internal/usecase"
)

func seedProduct(t *testing.T, period int, billing model.BillingType, stock int) *model.Product {
	t.Helper()
	p, err := model.NewProduct("pro", 1500, model.CurrencyUSD, period, billing, stock)
	if err != nil {
		t.Fatalf("NewProduct: %v", err)
	}
	if err := NewProductRepo(testPool).Save(context.Background(), nil, p); err != nil {
		t.Fatalf("save product: %v", err)
	}
	return p
}

func TestInvoiceRepo_Integration(t *testing.T) {
	ctx := context.Background()
	invoices := NewInvoiceRepo(testPool)
	services := NewServiceRepo(testPool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("cycle slot is unique and conflicts are reported as duplicates", func(t *testing.T) {
		cleanup(t)
		p := seedProduct(t, 10, model.BillingTypeRecurring, model.UnlimitedStock)
		svc, err := services.Upsert(ctx, nil, repository.UpsertServiceParams{UserID: 1, ProductID: p.ID, PeriodMinutes: 10, NextInvoiceAt: now})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		end := now.Add(10 * time.Minute)
		inv := &model.Invoice{Number: "INV-000001", UserID: 1, ProductID: p.ID, ServiceID: &svc.ID, Amount: 1500,
			Currency: model.CurrencyUSD, CreatedAt: now, CycleEndAt: &end}
		created, err := invoices.Create(ctx, nil, inv)
		if err != nil || !created || inv.ID == 0 {
			t.Fatalf("first create: created=%v id=%d err=%v", created, inv.ID, err)
		}

		again := *inv
		again.ID, again.Number = 0, "INV-000002"
		created, err = invoices.Create(ctx, nil, &again)
		if err != nil || created {
			t.Fatalf("second create for the same cycle: created=%v err=%v", created, err)
		}

		exists, err := invoices.ExistsForCycle(ctx, nil, svc.ID, now, end.Add(3*time.Minute), 5*time.Minute)
		if err != nil || !exists {
			t.Fatalf("ExistsForCycle near match: %v %v", exists, err)
		}
		exists, err = invoices.ExistsForCycle(ctx, nil, svc.ID, end, end.Add(10*time.Minute), 5*time.Minute)
		if err != nil || exists {
			t.Fatalf("ExistsForCycle adjacent cycle: %v %v", exists, err)
		}
	})

	t.Run("legacy rows match on created_at", func(t *testing.T) {
		cleanup(t)
		p := seedProduct(t, 60, model.BillingTypeRecurring, model.UnlimitedStock)
		svc, _ := services.Upsert(ctx, nil, repository.UpsertServiceParams{UserID: 1, ProductID: p.ID, PeriodMinutes: 60, NextInvoiceAt: now})
		legacy := &model.Invoice{UserID: 1, ProductID: p.ID, ServiceID: &svc.ID, Amount: 1500, Currency: model.CurrencyUSD, CreatedAt: now.Add(2 * time.Minute)}
		if _, err := invoices.Create(ctx, nil, legacy); err != nil {
			t.Fatalf("create legacy: %v", err)
		}
		exists, err := invoices.ExistsForCycle(ctx, nil, svc.ID, now, now.Add(time.Hour), 10*time.Minute)
		if err != nil || !exists {
			t.Fatalf("legacy match: %v %v", exists, err)
		}
	})

	t.Run("mark paid fences concurrent writers", func(t *testing.T) {
		cleanup(t)
		p := seedProduct(t, 60, model.BillingTypeRecurring, model.UnlimitedStock)
		inv := &model.Invoice{UserID: 1, ProductID: p.ID, Amount: 1500, Currency: model.CurrencyUSD, CreatedAt: now}
		if _, err := invoices.Create(ctx, nil, inv); err != nil {
			t.Fatalf("create: %v", err)
		}

		methods := []string{"credit", "paypal"}
		wins := make([]bool, len(methods))
		var wg sync.WaitGroup
		for i, m := range methods {
			wg.Add(1)
			go func(i int, m string) {
				defer wg.Done()
				ok, err := invoices.MarkPaid(ctx, nil, repository.MarkPaidParams{InvoiceID: inv.ID, Method: m, PaidAt: now})
				if err != nil {
					t.Errorf("MarkPaid(%s): %v", m, err)
				}
				wins[i] = ok
			}(i, m)
		}
		wg.Wait()
		if wins[0] == wins[1] {
			t.Fatalf("expected exactly one winner, got %v", wins)
		}

		got, err := invoices.FindByID(ctx, nil, inv.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		winner := methods[0]
		if wins[1] {
			winner = methods[1]
		}
		if got.Status != model.InvoiceStatusPaid || got.PaymentMethod != winner {
			t.Fatalf("unexpected invoice after race: %+v", got)
		}
	})

	t.Run("assign number keeps the first one", func(t *testing.T) {
		cleanup(t)
		p := seedProduct(t, 60, model.BillingTypeRecurring, model.UnlimitedStock)
		inv := &model.Invoice{UserID: 1, ProductID: p.ID, Amount: 1500, Currency: model.CurrencyUSD, CreatedAt: now}
		if _, err := invoices.Create(ctx, nil, inv); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := invoices.AssignNumber(ctx, nil, inv.ID, "INV-000007")
		if err != nil || got != "INV-000007" {
			t.Fatalf("first assign: %q %v", got, err)
		}
		got, err = invoices.AssignNumber(ctx, nil, inv.ID, "INV-000008")
		if err != nil || got != "INV-000007" {
			t.Fatalf("second assign: %q %v", got, err)
		}
		if _, err := invoices.AssignNumber(ctx, nil, 9999, "INV-000009"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("overdue sweep", func(t *testing.T) {
		cleanup(t)
		p := seedProduct(t, 60, model.BillingTypeRecurring, model.UnlimitedStock)
		past := now.Add(-time.Hour)
		due := &model.Invoice{UserID: 1, ProductID: p.ID, Amount: 1, Currency: model.CurrencyUSD, CreatedAt: past, DueAt: &past}
		paid := &model.Invoice{UserID: 1, ProductID: p.ID, Amount: 1, Currency: model.CurrencyUSD, CreatedAt: past, DueAt: &past}
		open := &model.Invoice{UserID: 1, ProductID: p.ID, Amount: 1, Currency: model.CurrencyUSD, CreatedAt: past}
		for _, inv := range []*model.Invoice{due, paid, open} {
			if _, err := invoices.Create(ctx, nil, inv); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		if _, err := invoices.MarkPaid(ctx, nil, repository.MarkPaidParams{InvoiceID: paid.ID, Method: "credit", PaidAt: now}); err != nil {
			t.Fatalf("MarkPaid: %v", err)
		}

		n, err := invoices.MarkOverdue(ctx, nil, now)
		if err != nil || n != 1 {
			t.Fatalf("MarkOverdue: n=%d err=%v", n, err)
		}
		got, _ := invoices.FindByID(ctx, nil, paid.ID)
		if got.Status != model.InvoiceStatusPaid {
			t.Fatalf("paid invoice flipped to %s", got.Status)
		}
	})

	t.Run("attach fulfillment is first writer wins", func(t *testing.T) {
		cleanup(t)
		p := seedProduct(t, 60, model.BillingTypeRecurring, model.UnlimitedStock)
		inv := &model.Invoice{UserID: 1, ProductID: p.ID, Amount: 1, Currency: model.CurrencyUSD, CreatedAt: now}
		if _, err := invoices.Create(ctx, nil, inv); err != nil {
			t.Fatalf("create: %v", err)
		}
		svc, _ := services.Upsert(ctx, nil, repository.UpsertServiceParams{UserID: 1, ProductID: p.ID, PeriodMinutes: 60, NextInvoiceAt: now})
		first, second := now.Add(time.Hour), now.Add(2*time.Hour)
		if err := invoices.AttachFulfillment(ctx, nil, inv.ID, svc.ID, &first, now); err != nil {
			t.Fatalf("attach: %v", err)
		}
		if err := invoices.AttachFulfillment(ctx, nil, inv.ID, svc.ID+1, &second, now.Add(time.Hour)); err != nil {
			t.Fatalf("attach again: %v", err)
		}
		got, prod, err := invoices.FindWithProduct(ctx, nil, inv.ID)
		if err != nil {
			t.Fatalf("FindWithProduct: %v", err)
		}
		if *got.ServiceID != svc.ID || !got.CycleEndAt.Equal(first) || !got.FulfilledAt.Equal(now) || prod.ID != p.ID {
			t.Fatalf("unexpected invoice: %+v", got)
		}
		if err := invoices.AttachFulfillment(ctx, nil, 9999, svc.ID, nil, now); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("paid renewals without fulfillment are listed", func(t *testing.T) {
		cleanup(t)
		p := seedProduct(t, 60, model.BillingTypeRecurring, model.UnlimitedStock)
		svc, _ := services.Upsert(ctx, nil, repository.UpsertServiceParams{UserID: 1, ProductID: p.ID, PeriodMinutes: 60, NextInvoiceAt: now})
		end := now.Add(time.Hour)
		renewal := &model.Invoice{UserID: 1, ProductID: p.ID, ServiceID: &svc.ID, Amount: 1500, Currency: model.CurrencyUSD,
			CreatedAt: now, CycleEndAt: &end}
		direct := &model.Invoice{UserID: 1, ProductID: p.ID, Amount: 1500, Currency: model.CurrencyUSD, CreatedAt: now}
		for _, inv := range []*model.Invoice{renewal, direct} {
			if _, err := invoices.Create(ctx, nil, inv); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := invoices.MarkPaid(ctx, nil, repository.MarkPaidParams{InvoiceID: inv.ID, Method: "credit", PaidAt: now}); err != nil {
				t.Fatalf("MarkPaid: %v", err)
			}
		}

		stale, err := invoices.ListPaidUnfulfilled(ctx, nil, now.Add(time.Minute), 10)
		if err != nil || len(stale) != 2 {
			t.Fatalf("ListPaidUnfulfilled: %d %v", len(stale), err)
		}

		if err := invoices.AttachFulfillment(ctx, nil, renewal.ID, svc.ID, &end, now); err != nil {
			t.Fatalf("attach: %v", err)
		}
		stale, err = invoices.ListPaidUnfulfilled(ctx, nil, now.Add(time.Minute), 10)
		if err != nil || len(stale) != 1 || stale[0].ID != direct.ID {
			t.Fatalf("after fulfillment: %+v %v", stale, err)
		}
	})
}

func TestServiceRepo_Integration(t *testing.T) {
	ctx := context.Background()
	services := NewServiceRepo(testPool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("upsert is stable and reactivates", func(t *testing.T) {
		cleanup(t)
		p := seedProduct(t, 60, model.BillingTypeRecurring, model.UnlimitedStock)
		params := repository.UpsertServiceParams{UserID: 5, ProductID: p.ID, PeriodMinutes: 60, NextInvoiceAt: now.Add(time.Hour)}
		first, err := services.Upsert(ctx, nil, params)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		second, err := services.Upsert(ctx, nil, params)
		if err != nil {
			t.Fatalf("upsert again: %v", err)
		}
		if first.ID != second.ID || !first.UpdatedAt.Equal(second.UpdatedAt) {
			t.Fatalf("repeated upsert changed the row: %+v vs %+v", first, second)
		}

		if _, err := testPool.Exec(ctx, `UPDATE services SET status='canceled', canceled_at=NOW() WHERE id=$1`, first.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		params.NextInvoiceAt = now.Add(2 * time.Hour)
		revived, err := services.Upsert(ctx, nil, params)
		if err != nil {
			t.Fatalf("reactivate: %v", err)
		}
		if revived.Status != model.ServiceStatusActive || revived.CanceledAt != nil || !revived.NextInvoiceAt.Equal(params.NextInvoiceAt) {
			t.Fatalf("not reactivated: %+v", revived)
		}
	})

	t.Run("list due skips canceled and one-time services", func(t *testing.T) {
		cleanup(t)
		rec := seedProduct(t, 10, model.BillingTypeRecurring, model.UnlimitedStock)
		once := seedProduct(t, 0, model.BillingTypeOneTime, 3)
		a, _ := services.Upsert(ctx, nil, repository.UpsertServiceParams{UserID: 1, ProductID: rec.ID, PeriodMinutes: 10, NextInvoiceAt: now.Add(-time.Minute)})
		b, _ := services.Upsert(ctx, nil, repository.UpsertServiceParams{UserID: 2, ProductID: rec.ID, PeriodMinutes: 10, NextInvoiceAt: now.Add(-time.Hour)})
		_, _ = services.Upsert(ctx, nil, repository.UpsertServiceParams{UserID: 3, ProductID: rec.ID, PeriodMinutes: 10, NextInvoiceAt: now.Add(time.Hour)})
		_, _ = services.Upsert(ctx, nil, repository.UpsertServiceParams{UserID: 4, ProductID: once.ID, PeriodMinutes: 0, NextInvoiceAt: now.Add(-time.Hour)})
		c, _ := services.Upsert(ctx, nil, repository.UpsertServiceParams{UserID: 5, ProductID: rec.ID, PeriodMinutes: 10, NextInvoiceAt: now.Add(-time.Hour)})
		if _, err := testPool.Exec(ctx, `UPDATE services SET status='canceled' WHERE id=$1`, c.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}

		due, err := services.ListDue(ctx, nil, now, 10)
		if err != nil {
			t.Fatalf("ListDue: %v", err)
		}
		if len(due) != 2 || due[0].ID != b.ID || due[1].ID != a.ID {
			t.Fatalf("unexpected due set: %+v", due)
		}
		if due[0].Price != 1500 || due[0].Currency != model.CurrencyUSD {
			t.Fatalf("pricing not joined: %+v", due[0])
		}

		if err := services.AdvanceCursor(ctx, nil, b.ID, now.Add(time.Minute)); err != nil {
			t.Fatalf("AdvanceCursor: %v", err)
		}
		got, err := services.FindByUserAndProduct(ctx, nil, 2, rec.ID)
		if err != nil || !got.NextInvoiceAt.Equal(now.Add(time.Minute)) {
			t.Fatalf("cursor not advanced: %+v %v", got, err)
		}
		if _, err := services.FindByUserAndProduct(ctx, nil, 99, rec.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPaymentSideEffects_Integration(t *testing.T) {
	ctx := context.Background()
	products := NewProductRepo(testPool)
	balances := NewBalanceRepo(testPool)

	t.Run("stock never goes negative", func(t *testing.T) {
		cleanup(t)
		p := seedProduct(t, 0, model.BillingTypeOneTime, 1)
		ok, err := products.DecrementStock(ctx, nil, p.ID)
		if err != nil || !ok {
			t.Fatalf("first decrement: %v %v", ok, err)
		}
		ok, err = products.DecrementStock(ctx, nil, p.ID)
		if err != nil || ok {
			t.Fatalf("second decrement should miss: %v %v", ok, err)
		}
		got, _ := products.FindByID(ctx, nil, p.ID)
		if got.Stock != 0 {
			t.Fatalf("stock = %d", got.Stock)
		}
	})

	t.Run("debit requires cover", func(t *testing.T) {
		cleanup(t)
		if err := balances.Credit(ctx, nil, 1, model.CurrencyMXN, 1000); err != nil {
			t.Fatalf("credit: %v", err)
		}
		if ok, err := balances.Debit(ctx, nil, 1, model.CurrencyMXN, 1500); err != nil || ok {
			t.Fatalf("overdraft allowed: %v %v", ok, err)
		}
		if ok, err := balances.Debit(ctx, nil, 1, model.CurrencyMXN, 400); err != nil || !ok {
			t.Fatalf("debit: %v %v", ok, err)
		}
		if got, _ := balances.Get(ctx, nil, 1, model.CurrencyMXN); got != 600 {
			t.Fatalf("balance = %d", got)
		}
		if got, _ := balances.Get(ctx, nil, 1, model.CurrencyUSD); got != 0 {
			t.Fatalf("usd balance = %d", got)
		}
	})
}

func TestSettingsSequence_Integration(t *testing.T) {
	ctx := context.Background()
	settings := NewSettingsRepo(testPool)
	tm := NewTxManager(testPool)

	t.Run("rolled back bumps leave gaps, never duplicates", func(t *testing.T) {
		cleanup(t)
		n, err := settings.NextSequence(ctx, nil, "invoice_seq")
		if err != nil || n != 1 {
			t.Fatalf("first: %d %v", n, err)
		}
		boom := errors.New("boom")
		err = tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			if _, err := settings.NextSequence(ctx, tx, "invoice_seq"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected rollback error, got %v", err)
		}
		n, err = settings.NextSequence(ctx, nil, "invoice_seq")
		if err != nil || n != 2 {
			t.Fatalf("after rollback: %d %v", n, err)
		}
	})

	t.Run("failed bump keeps the transaction usable", func(t *testing.T) {
		cleanup(t)
		if _, err := testPool.Exec(ctx, `INSERT INTO settings (key, value) VALUES ('broken', 'not-a-number')`); err != nil {
			t.Fatalf("seed: %v", err)
		}
		p := seedProduct(t, 60, model.BillingTypeRecurring, model.UnlimitedStock)
		err := tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			if _, err := settings.NextSequence(ctx, tx, "broken"); err == nil {
				t.Errorf("expected cast failure")
			}
			_, err := NewInvoiceRepo(testPool).Create(ctx, tx, &model.Invoice{
				UserID: 1, ProductID: p.ID, Amount: 1, Currency: model.CurrencyUSD, CreatedAt: time.Now(),
			})
			return err
		})
		if err != nil {
			t.Fatalf("transaction aborted by failed savepoint: %v", err)
		}
	})
}

// A credit payment on a past-due, unnumbered invoice racing a billing tick:
// the tick holds the invoice row (overdue sweep) and then bumps the invoice
// sequence, so the payment must wait on the invoice row before it touches
// the sequence, or Postgres aborts one side with a deadlock.
func TestCreditPaymentDuringTick_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	cleanup(t)

	logger := zerolog.Nop()
	invoices := NewInvoiceRepo(testPool)
	settings := NewSettingsRepo(testPool)
	balances := NewBalanceRepo(testPool)
	tm := NewTxManager(testPool)
	numbers := usecase.NewInvoiceNumberGenerator(settings, &logger)
	fulfill := usecase.NewFulfillmentUseCase(invoices, NewServiceRepo(testPool), tm, nil, &logger)
	payments := usecase.NewPaymentUseCase(invoices, NewProductRepo(testPool), balances, numbers, fulfill, tm,
		nil, nil, nil, usecase.PaymentConfig{}, &logger)

	now := time.Now().UTC().Truncate(time.Microsecond)
	past := now.Add(-time.Hour)
	p := seedProduct(t, 60, model.BillingTypeRecurring, model.UnlimitedStock)
	inv := &model.Invoice{UserID: 1, ProductID: p.ID, Amount: 1500, Currency: model.CurrencyUSD, CreatedAt: past, DueAt: &past}
	if _, err := invoices.Create(ctx, nil, inv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := balances.Credit(ctx, nil, 1, model.CurrencyUSD, 5000); err != nil {
		t.Fatalf("credit: %v", err)
	}

	locked := make(chan struct{})
	payErr := make(chan error, 1)
	go func() {
		<-locked
		_, err := payments.PayWithCredit(ctx, inv.ID, 1)
		payErr <- err
	}()

	tickErr := tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		n, err := invoices.MarkOverdue(ctx, tx, now)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("MarkOverdue flipped %d rows", n)
		}
		close(locked)
		// Give the payment time to queue up behind the invoice row.
		time.Sleep(300 * time.Millisecond)
		_, err = settings.NextSequence(ctx, tx, usecase.InvoiceSequenceKey)
		return err
	})
	if tickErr != nil {
		t.Fatalf("tick transaction: %v", tickErr)
	}
	if err := <-payErr; err != nil {
		t.Fatalf("credit payment: %v", err)
	}

	got, err := invoices.FindByID(ctx, nil, inv.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != model.InvoiceStatusPaid || got.Number != usecase.FormatInvoiceNumber(2) {
		t.Fatalf("unexpected invoice: %+v", got)
	}
	if bal, _ := balances.Get(ctx, nil, 1, model.CurrencyUSD); bal != 3500 {
		t.Fatalf("balance = %d", bal)
	}
}
