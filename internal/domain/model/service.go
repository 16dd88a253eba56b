package model

import "time"

type ServiceStatus string

const (
	ServiceStatusActive   ServiceStatus = "active"
	ServiceStatusCanceled ServiceStatus = "canceled"
)

// NeverDue parks the billing cursor of services that must never be picked up
// by catch-up (one-time purchases).
var NeverDue = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Service is a user's subscription to a product. There is at most one row per
// (UserID, ProductID); later purchases renew it in place.
type Service struct {
	ID            int64
	UserID        int64
	ProductID     int64
	PeriodMinutes int // snapshot taken at activation
	NextInvoiceAt time.Time
	Status        ServiceStatus
	CanceledAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s *Service) Period() time.Duration {
	return time.Duration(s.PeriodMinutes) * time.Minute
}

// DueService is an active service whose cursor has passed, joined with the
// pricing of its product.
type DueService struct {
	Service
	Price    int64
	Currency Currency
}
