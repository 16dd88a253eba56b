package apiv1

import (
	"time"

	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/usecase"
)

type Invoice struct {
	ID            int64      `json:"id"`
	Number        string     `json:"number,omitempty"`
	UserID        int64      `json:"user_id"`
	ProductID     int64      `json:"product_id"`
	ServiceID     *int64     `json:"service_id,omitempty"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	CycleEndAt    *time.Time `json:"cycle_end_at,omitempty"`
}

type Service struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	ProductID     int64      `json:"product_id"`
	PeriodMinutes int        `json:"period_minutes"`
	NextInvoiceAt *time.Time `json:"next_invoice_at,omitempty"` // omitted for one-time purchases
	Status        string     `json:"status"`
	CanceledAt    *time.Time `json:"canceled_at,omitempty"`
}

type Product struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	Currency      string `json:"currency"`
	PeriodMinutes int    `json:"period_minutes"`
	BillingType   string `json:"billing_type"`
	Stock         int    `json:"stock"`
}

type Fulfillment struct {
	Status  string   `json:"status"`
	Service *Service `json:"service,omitempty"`
}

type PaymentResponse struct {
	Invoice     *Invoice     `json:"invoice,omitempty"`
	Duplicate   bool         `json:"duplicate"`
	Ignored     bool         `json:"ignored,omitempty"`
	Fulfillment *Fulfillment `json:"fulfillment,omitempty"`
}

type CaptureRequest struct {
	Gateway  string `json:"gateway"`
	OrderRef string `json:"order_ref"`
}

// WebhookPayload is the normalized delivery shape every gateway is
// translated into upstream of this service.
type WebhookPayload struct {
	DeliveryID string `json:"delivery_id"`
	InvoiceID  int64  `json:"invoice_id"`
	Status     string `json:"status"`
	OrderRef   string `json:"order_ref"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toInvoice(i *model.Invoice) *Invoice {
	if i == nil {
		return nil
	}
	return &Invoice{
		ID:            i.ID,
		Number:        i.Number,
		UserID:        i.UserID,
		ProductID:     i.ProductID,
		ServiceID:     i.ServiceID,
		Amount:        i.Amount,
		Currency:      string(i.Currency),
		Status:        string(i.Status),
		PaymentMethod: i.PaymentMethod,
		CreatedAt:     i.CreatedAt,
		DueAt:         i.DueAt,
		PaidAt:        i.PaidAt,
		CycleEndAt:    i.CycleEndAt,
	}
}

func toService(s *model.Service) *Service {
	if s == nil {
		return nil
	}
	out := &Service{
		ID:            s.ID,
		UserID:        s.UserID,
		ProductID:     s.ProductID,
		PeriodMinutes: s.PeriodMinutes,
		Status:        string(s.Status),
		CanceledAt:    s.CanceledAt,
	}
	if !s.NextInvoiceAt.Equal(model.NeverDue) {
		next := s.NextInvoiceAt
		out.NextInvoiceAt = &next
	}
	return out
}

func toProduct(p *model.Product) *Product {
	return &Product{
		ID:            p.ID,
		Name:          p.Name,
		Price:         p.Price,
		Currency:      string(p.Currency),
		PeriodMinutes: p.PeriodMinutes,
		BillingType:   string(p.BillingType),
		Stock:         p.Stock,
	}
}

func toFulfillment(r *usecase.FulfillmentResult) *Fulfillment {
	if r == nil {
		return nil
	}
	return &Fulfillment{Status: string(r.Status), Service: toService(r.Service)}
}

func toPaymentResponse(o *usecase.PaymentOutcome) PaymentResponse {
	return PaymentResponse{
		Invoice:     toInvoice(o.Invoice),
		Duplicate:   o.Duplicate,
		Ignored:     o.Ignored,
		Fulfillment: toFulfillment(o.Fulfillment),
	}
}
