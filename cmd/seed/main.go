package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v4"

	"subscription-commerce/internal/config"
	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/repository"
	pg "subscription-commerce/internal/infra/db/postgres"
	"subscription-commerce/internal/infra/logging"
	"subscription-commerce/internal/usecase"
)

// seed inserts sample products, a credit balance and one pending invoice so
// the payment bridges can be exercised by hand.
func main() {
	cfgPath := flag.String("config", config.DefaultPath, "path to YAML config file")
	userID := flag.Int64("user", 1, "user id that receives the balance and the invoice")
	credit := flag.Int64("credit", 10_000, "credit to add in each currency, minor units")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Log, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pg.NewPgxPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, logger); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	tm := pg.NewTxManager(pool)
	products := pg.NewProductRepo(pool)
	balances := pg.NewBalanceRepo(pool)
	invoices := pg.NewInvoiceRepo(pool)
	numbers := usecase.NewInvoiceNumberGenerator(pg.NewSettingsRepo(pool), logger)

	seed := []struct {
		Name    string
		Price   int64
		Cur     model.Currency
		Minutes int
		Type    model.BillingType
		Stock   int
	}{
		{"Pro monthly", 1_500, model.CurrencyUSD, 30 * 24 * 60, model.BillingTypeRecurring, model.UnlimitedStock},
		{"Plus semanal", 9_900, model.CurrencyMXN, 7 * 24 * 60, model.BillingTypeRecurring, 50},
		{"Launch pass", 4_900, model.CurrencyUSD, 0, model.BillingTypeOneTime, 10},
	}

	err = tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		var first *model.Product
		for _, s := range seed {
			p, err := model.NewProduct(s.Name, s.Price, s.Cur, s.Minutes, s.Type, s.Stock)
			if err != nil {
				return fmt.Errorf("product %q: %w", s.Name, err)
			}
			if err := products.Save(ctx, tx, p); err != nil {
				return fmt.Errorf("save product %q: %w", s.Name, err)
			}
			if first == nil {
				first = p
			}
			fmt.Printf("  product #%d %s (%d %s, period=%dm, stock=%d)\n", p.ID, p.Name, p.Price, p.Currency, p.PeriodMinutes, p.Stock)
		}

		for _, cur := range []model.Currency{model.CurrencyUSD, model.CurrencyMXN} {
			if err := balances.Credit(ctx, tx, *userID, cur, *credit); err != nil {
				return fmt.Errorf("credit %s: %w", cur, err)
			}
		}

		number, err := numbers.Next(ctx, tx)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		due := now.AddDate(0, 0, cfg.Scheduler.DueDays)
		inv := &model.Invoice{
			Number:    number,
			UserID:    *userID,
			ProductID: first.ID,
			Amount:    first.Price,
			Currency:  first.Currency,
			Status:    model.InvoiceStatusPending,
			CreatedAt: now,
			DueAt:     &due,
		}
		if _, err := invoices.Create(ctx, tx, inv); err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}
		fmt.Printf("  invoice #%d %s for user %d (%d %s)\n", inv.ID, inv.Number, inv.UserID, inv.Amount, inv.Currency)
		return nil
	})
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	fmt.Println("Seed complete.")
}
