package payment

import (
	"context"
	"sync"
	"time"

	"subscription-commerce/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*NoopPaymentGateway)(nil)

// NoopPaymentGateway is an in-memory gateway for development and tests.
// Orders must be approved before they can be captured, unless autoApprove is
// set, in which case every order ref captures successfully.
type NoopPaymentGateway struct {
	name        string
	autoApprove bool

	mu       sync.Mutex
	approved map[string]int64 // order ref -> amount in minor units
	captured map[string]*adapter.CaptureResult
	now      func() time.Time
}

func NewNoopPaymentGateway(name string, autoApprove bool) *NoopPaymentGateway {
	if name == "" {
		name = "noop"
	}
	return &NoopPaymentGateway{
		name:        name,
		autoApprove: autoApprove,
		approved:    make(map[string]int64),
		captured:    make(map[string]*adapter.CaptureResult),
		now:         time.Now,
	}
}

func (g *NoopPaymentGateway) Name() string { return g.name }

// Approve simulates the user approving an order at the provider.
func (g *NoopPaymentGateway) Approve(orderRef string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approved[orderRef] = amount
}

// CaptureOrder is idempotent per order ref, like real providers.
func (g *NoopPaymentGateway) CaptureOrder(ctx context.Context, orderRef string) (*adapter.CaptureResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if res, ok := g.captured[orderRef]; ok {
		cp := *res
		return &cp, nil
	}
	amount, ok := g.approved[orderRef]
	if !ok && !g.autoApprove {
		return &adapter.CaptureResult{OrderRef: orderRef}, nil
	}
	res := &adapter.CaptureResult{
		OrderRef:   orderRef,
		CaptureID:  g.name + "-cap-" + orderRef,
		Completed:  true,
		Amount:     amount,
		CapturedAt: g.now().UTC(),
	}
	g.captured[orderRef] = res
	cp := *res
	return &cp, nil
}
