package usecase

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"subscription-commerce/internal/domain/ports/repository"
)

// InvoiceSequenceKey is the settings key holding the last issued invoice number.
const InvoiceSequenceKey = "invoice_seq"

// InvoiceNumberGenerator issues human-readable invoice numbers. The primary
// source is a settings-backed sequence bumped in the caller's transaction, so
// a rollback leaves a gap but never hands the same number out twice. When the
// sequence is unavailable it falls back to a ULID (millisecond timestamp plus
// 80 random bits); the unique index on invoices.number backs both.
type InvoiceNumberGenerator struct {
	settings repository.SettingsRepository
	log      *zerolog.Logger
}

func NewInvoiceNumberGenerator(settings repository.SettingsRepository, logger *zerolog.Logger) *InvoiceNumberGenerator {
	l := logger.With().Str("component", "InvoiceNumberGenerator").Logger()
	return &InvoiceNumberGenerator{settings: settings, log: &l}
}

func (g *InvoiceNumberGenerator) Next(ctx context.Context, tx repository.Tx) (string, error) {
	n, err := g.settings.NextSequence(ctx, tx, InvoiceSequenceKey)
	if err == nil {
		return FormatInvoiceNumber(n), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	g.log.Warn().Err(err).Msg("invoice sequence unavailable; issuing time-ordered fallback number")
	return "INV-" + ulid.Make().String(), nil
}

func FormatInvoiceNumber(n int64) string {
	return fmt.Sprintf("INV-%06d", n)
}
