package adapter

import (
	"context"
	"time"
)

// CaptureResult is a provider-agnostic view of a captured gateway order.
type CaptureResult struct {
	OrderRef   string
	CaptureID  string
	Completed  bool
	Amount     int64 // minor units, as reported by the provider
	CapturedAt time.Time
}

// PaymentGateway is the hex port for external payment providers. Token
// exchange, redirects and signature schemes live in the implementations.
type PaymentGateway interface {
	Name() string
	// CaptureOrder finalizes an order the user approved at the provider.
	CaptureOrder(ctx context.Context, orderRef string) (*CaptureResult, error)
}
