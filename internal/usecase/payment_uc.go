// File: internal/usecase/payment_uc.go
package usecase

import (
	"context"
	"fmt"
	"strings"
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
var _ PaymentUseCase = (*paymentUC)(nil)

// WebhookStatusPaid is the normalized status of a settled webhook delivery.
const WebhookStatusPaid = "paid"

// WebhookEvent is a gateway notification after signature verification and
// translation into the normalized shape.
type WebhookEvent struct {
	Gateway    string
	DeliveryID string
	InvoiceID  int64
	Status     string
	OrderRef   string
}

// PaymentOutcome is the result of one bridge invocation.
type PaymentOutcome struct {
	Invoice *model.Invoice
	// Duplicate is true when another bridge (or an earlier delivery) had
	// already moved the invoice to paid.
	Duplicate bool
	// Ignored is true for webhook deliveries that do not settle the invoice.
	Ignored bool
	// Fulfillment is nil if fulfillment did not complete; the reconciler
	// or a later poll finishes it.
	Fulfillment *FulfillmentResult
}

type PaymentUseCase interface {
	// PayWithCredit debits the user's balance in the invoice currency.
	PayWithCredit(ctx context.Context, invoiceID, userID int64) (*PaymentOutcome, error)
	// ConfirmCapture captures an approved gateway order and settles the invoice.
	ConfirmCapture(ctx context.Context, gateway string, invoiceID, userID int64, orderRef string) (*PaymentOutcome, error)
	// HandleWebhook settles the invoice named by an authenticated webhook.
	HandleWebhook(ctx context.Context, ev WebhookEvent) (*PaymentOutcome, error)
}

type PaymentConfig struct {
	GatewayTimeout  time.Duration
	WebhookDedupTTL time.Duration
}

type paymentUC struct {
	invoices repository.InvoiceRepository
	products repository.ProductRepository
	balances repository.BalanceRepository
	numbers  *InvoiceNumberGenerator
	fulfill  FulfillmentUseCase
	tm       repository.TransactionManager
	dedup    repository.IdempotencyStore
	gateways map[string]adapter.PaymentGateway
	events   adapter.EventPublisher
	cfg      PaymentConfig
	log      *zerolog.Logger
	now      func() time.Time
}

func NewPaymentUseCase(
	invoices repository.InvoiceRepository,
	products repository.ProductRepository,
	balances repository.BalanceRepository,
	numbers *InvoiceNumberGenerator,
	fulfill FulfillmentUseCase,
	tm repository.TransactionManager,
	dedup repository.IdempotencyStore,
	gateways []adapter.PaymentGateway,
	events adapter.EventPublisher,
	cfg PaymentConfig,
	logger *zerolog.Logger,
) *paymentUC {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if cfg.WebhookDedupTTL <= 0 {
		cfg.WebhookDedupTTL = 24 * time.Hour
	}
	gw := make(map[string]adapter.PaymentGateway, len(gateways))
	for _, g := range gateways {
		gw[strings.ToLower(g.Name())] = g
	}
	l := logger.With().Str("component", "PaymentUseCase").Logger()
	return &paymentUC{
		invoices: invoices,
		products: products,
		balances: balances,
		numbers:  numbers,
		fulfill:  fulfill,
		tm:       tm,
		dedup:    dedup,
		gateways: gw,
		events:   publisherOrNoop(events),
		cfg:      cfg,
		log:      &l,
		now:      time.Now,
	}
}

func (u *paymentUC) PayWithCredit(ctx context.Context, invoiceID, userID int64) (*PaymentOutcome, error) {
	inv, product, err := u.loadOwned(ctx, invoiceID, userID)
	if err != nil {
		return nil, err
	}
	if inv.IsPaid() {
		return u.afterPaid(ctx, inv, model.PaymentMethodCredit, false)
	}

	won, err := u.settle(ctx, inv, model.PaymentMethodCredit, func(ctx context.Context, tx repository.Tx) error {
		ok, err := u.balances.Debit(ctx, tx, inv.UserID, inv.Currency, inv.Amount)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if !ok {
			return domain.ErrInsufficientBalance
		}
		if takesStock(inv, product) {
			ok, err := u.products.DecrementStock(ctx, tx, product.ID)
			if err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
			if !ok {
				return domain.ErrInsufficientStock
			}
		}
		return nil
	})
	if err != nil {
		metrics.IncPayment(model.PaymentMethodCredit, "rejected")
		return nil, err
	}
	return u.afterPaid(ctx, inv, model.PaymentMethodCredit, won)
}

func (u *paymentUC) ConfirmCapture(ctx context.Context, gateway string, invoiceID, userID int64, orderRef string) (*PaymentOutcome, error) {
	gw, ok := u.gateways[strings.ToLower(gateway)]
	if !ok {
		return nil, domain.ErrUnknownGateway
	}
	if strings.TrimSpace(orderRef) == "" {
		return nil, domain.ErrInvalidArgument
	}
	inv, product, err := u.loadOwned(ctx, invoiceID, userID)
	if err != nil {
		return nil, err
	}
	method := gw.Name()
	if inv.IsPaid() {
		return u.afterPaid(ctx, inv, method, false)
	}

	// The external round-trip happens before the fencing write; the write
	// re-checks the invoice state on its own.
	cctx, cancel := context.WithTimeout(ctx, u.cfg.GatewayTimeout)
	res, err := gw.CaptureOrder(cctx, orderRef)
	cancel()
	if err != nil {
		metrics.IncPayment(method, "gateway_error")
		return nil, fmt.Errorf("capture order %s: %w: %w", orderRef, domain.ErrGatewayFailure, err)
	}
	if !res.Completed {
		metrics.IncPayment(method, "not_captured")
		return nil, domain.ErrPaymentNotCaptured
	}
	if res.Amount != 0 && res.Amount != inv.Amount {
		u.log.Warn().Int64("invoice_id", inv.ID).Int64("expected", inv.Amount).Int64("captured", res.Amount).
			Str("order_ref", orderRef).Msg("captured amount differs from invoice amount")
	}

	won, err := u.settle(ctx, inv, method, u.gatewayStock(inv, product))
	if err != nil {
		metrics.IncPayment(method, "error")
		return nil, err
	}
	return u.afterPaid(ctx, inv, method, won)
}

func (u *paymentUC) HandleWebhook(ctx context.Context, ev WebhookEvent) (out *PaymentOutcome, err error) {
	gw, ok := u.gateways[strings.ToLower(ev.Gateway)]
	if !ok {
		return nil, domain.ErrUnknownGateway
	}
	if ev.InvoiceID <= 0 || ev.DeliveryID == "" {
		return nil, domain.ErrInvalidArgument
	}
	method := gw.Name()

	if u.dedup != nil {
		key := "webhook:" + strings.ToLower(method) + ":" + ev.DeliveryID
		claimed, derr := u.dedup.Claim(ctx, key, u.cfg.WebhookDedupTTL)
		if derr != nil {
			// The fencing update still makes a replay harmless.
			u.log.Warn().Err(derr).Str("delivery_id", ev.DeliveryID).Msg("webhook dedup unavailable")
		} else if !claimed {
			metrics.IncPayment(method, "duplicate")
			return &PaymentOutcome{Duplicate: true}, nil
		} else {
			defer func() {
				if err != nil {
					if rerr := u.dedup.Release(context.WithoutCancel(ctx), key); rerr != nil {
						u.log.Warn().Err(rerr).Str("delivery_id", ev.DeliveryID).Msg("release webhook claim")
					}
				}
			}()
		}
	}

	inv, product, err := u.invoices.FindWithProduct(ctx, repository.NoTX, ev.InvoiceID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(ev.Status, WebhookStatusPaid) {
		u.log.Info().Int64("invoice_id", inv.ID).Str("status", ev.Status).Msg("webhook does not settle invoice; ignored")
		return &PaymentOutcome{Invoice: inv, Ignored: true}, nil
	}
	if inv.IsPaid() {
		return u.afterPaid(ctx, inv, method, false)
	}

	won, err := u.settle(ctx, inv, method, u.gatewayStock(inv, product))
	if err != nil {
		metrics.IncPayment(method, "error")
		return nil, err
	}
	return u.afterPaid(ctx, inv, method, won)
}

func (u *paymentUC) loadOwned(ctx context.Context, invoiceID, userID int64) (*model.Invoice, *model.Product, error) {
	inv, product, err := u.invoices.FindWithProduct(ctx, repository.NoTX, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if inv.UserID != userID {
		return nil, nil, domain.ErrNotFound
	}
	return inv, product, nil
}

// settle runs the fencing paid transition and, only if it won, numbers the
// invoice and applies the channel side effect in the same transaction. An
// error from effect rolls everything back. The invoice row is locked before
// the sequence row, the same order the billing tick uses.
func (u *paymentUC) settle(ctx context.Context, inv *model.Invoice, method string, effect func(ctx context.Context, tx repository.Tx) error) (bool, error) {
	paidAt := u.now().UTC()
	var won bool
	var number string
	err := u.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		won, number = false, inv.Number
		ok, err := u.invoices.MarkPaid(ctx, tx, repository.MarkPaidParams{InvoiceID: inv.ID, Method: method, PaidAt: paidAt})
		if err != nil {
			return fmt.Errorf("mark invoice %d paid: %w", inv.ID, err)
		}
		if !ok {
			return nil
		}
		if number == "" {
			n, err := u.numbers.Next(ctx, tx)
			if err != nil {
				return err
			}
			if number, err = u.invoices.AssignNumber(ctx, tx, inv.ID, n); err != nil {
				return fmt.Errorf("number invoice %d: %w", inv.ID, err)
			}
		}
		if effect != nil {
			if err := effect(ctx, tx); err != nil {
				return err
			}
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if won {
		inv.Status = model.InvoiceStatusPaid
		inv.PaymentMethod = method
		inv.PaidAt = &paidAt
		inv.Number = number
	}
	return won, nil
}

// gatewayStock returns the stock side effect of a gateway payment. Money is
// already captured externally, so a sold-out product does not roll back.
func (u *paymentUC) gatewayStock(inv *model.Invoice, product *model.Product) func(ctx context.Context, tx repository.Tx) error {
	if !takesStock(inv, product) {
		return nil
	}
	return func(ctx context.Context, tx repository.Tx) error {
		ok, err := u.products.DecrementStock(ctx, tx, product.ID)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if !ok {
			u.log.Warn().Int64("invoice_id", inv.ID).Int64("product_id", product.ID).Msg("stock exhausted after gateway capture")
		}
		return nil
	}
}

// afterPaid publishes the paid event when this call won the race and then
// hands off to fulfillment. A fulfillment failure does not fail the payment.
func (u *paymentUC) afterPaid(ctx context.Context, inv *model.Invoice, method string, won bool) (*PaymentOutcome, error) {
	out := &PaymentOutcome{Invoice: inv, Duplicate: !won}
	log := u.log.With().Int64("invoice_id", inv.ID).Str("method", method).Logger()
	if won {
		metrics.IncPayment(method, "paid")
		metrics.AddPaymentRevenue(string(inv.Currency), inv.Amount)
		log.Info().Str("number", inv.Number).Int64("amount", inv.Amount).Msg("invoice paid")
		publish(ctx, u.log, u.events, model.Event{
			Type:       model.EventInvoicePaid,
			InvoiceID:  inv.ID,
			Number:     inv.Number,
			UserID:     inv.UserID,
			ProductID:  inv.ProductID,
			ServiceID:  inv.ServiceID,
			Amount:     inv.Amount,
			Currency:   inv.Currency,
			Method:     method,
			OccurredAt: u.now().UTC(),
		})
	} else {
		metrics.IncPayment(method, "duplicate")
		log.Info().Msg("invoice already paid; treating as duplicate delivery")
	}

	res, err := u.fulfill.Fulfill(ctx, inv.ID, inv.UserID)
	if err != nil {
		log.Error().Err(err).Msg("fulfillment after payment failed; left for reconciler")
		return out, nil
	}
	out.Fulfillment = res
	if res.Invoice != nil {
		out.Invoice = res.Invoice
	}
	return out, nil
}

// takesStock reports whether paying inv consumes a unit of stock: only a
// first purchase of a limited product does.
func takesStock(inv *model.Invoice, product *model.Product) bool {
	return product != nil && inv.ServiceID == nil && product.HasLimitedStock()
}
