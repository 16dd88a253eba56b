package model

import "time"

type EventType string

const (
	EventInvoiceCreated   EventType = "invoice.created"
	EventInvoicePaid      EventType = "invoice.paid"
	EventServiceFulfilled EventType = "service.fulfilled"
)

// Event is published after the transaction that produced it has committed.
type Event struct {
	Type       EventType  `json:"type"`
	InvoiceID  int64      `json:"invoice_id"`
	Number     string     `json:"number,omitempty"`
	UserID     int64      `json:"user_id"`
	ProductID  int64      `json:"product_id"`
	ServiceID  *int64     `json:"service_id,omitempty"`
	Amount     int64      `json:"amount,omitempty"`
	Currency   Currency   `json:"currency,omitempty"`
	Method     string     `json:"payment_method,omitempty"`
	CycleEndAt *time.Time `json:"cycle_end_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
