package model

import "time"

type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
	InvoiceStatusPaid    InvoiceStatus = "paid"
)

// PaymentMethodCredit is the payment_method recorded by the credit-balance bridge.
// Gateway bridges record the gateway name.
const PaymentMethodCredit = "credit"

// Invoice is a bill for one product. Amount and Currency are snapshotted from
// the product at creation and never recomputed. Once Status is paid the
// PaymentMethod and PaidAt fields are frozen, and CycleEndAt and FulfilledAt
// are written at most once.
type Invoice struct {
	ID            int64
	Number        string // empty until assigned
	UserID        int64
	ProductID     int64
	ServiceID     *int64
	Amount        int64
	Currency      Currency
	Status        InvoiceStatus
	PaymentMethod string
	CreatedAt     time.Time
	DueAt         *time.Time
	PaidAt        *time.Time
	CycleEndAt    *time.Time
	// FulfilledAt is set by the first successful fulfillment.
	FulfilledAt *time.Time
}

func (i *Invoice) IsPaid() bool { return i.Status == InvoiceStatusPaid }

// IsOverdueAt reports whether the overdue sweep would flip this invoice at now.
func (i *Invoice) IsOverdueAt(now time.Time) bool {
	return i.Status == InvoiceStatusPending && i.DueAt != nil && i.DueAt.Before(now)
}
