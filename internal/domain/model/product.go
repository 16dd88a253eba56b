package model

import "subscription-commerce/internal/domain"

type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyMXN Currency = "MXN"
)

func (c Currency) Valid() bool { return c == CurrencyUSD || c == CurrencyMXN }

type BillingType string

const (
	BillingTypeRecurring BillingType = "recurring"
	BillingTypeOneTime   BillingType = "one_time"
)

// UnlimitedStock marks a product whose stock is never decremented.
const UnlimitedStock = -1

// Product is reference data owned by admin tooling. The billing core only
// reads it, apart from guarded stock decrements.
type Product struct {
	ID            int64
	Name          string
	Price         int64 // minor units (cents / centavos)
	Currency      Currency
	PeriodMinutes int // 0 = one-time
	BillingType   BillingType
	Stock         int // -1 = unlimited
}

// IsRecurring reports whether paying for the product starts a billing cycle.
func (p *Product) IsRecurring() bool {
	return p.BillingType != BillingTypeOneTime && p.PeriodMinutes > 0
}

func (p *Product) HasLimitedStock() bool { return p.Stock != UnlimitedStock }

// NewProduct validates and constructs a product.
func NewProduct(name string, price int64, currency Currency, periodMinutes int, billingType BillingType, stock int) (*Product, error) {
	if name == "" || price < 0 || !currency.Valid() || periodMinutes < 0 || stock < UnlimitedStock {
		return nil, domain.ErrInvalidArgument
	}
	switch billingType {
	case BillingTypeRecurring:
		if periodMinutes == 0 {
			return nil, domain.ErrInvalidArgument
		}
	case BillingTypeOneTime:
		periodMinutes = 0
	default:
		return nil, domain.ErrInvalidArgument
	}
	return &Product{
		Name:          name,
		Price:         price,
		Currency:      currency,
		PeriodMinutes: periodMinutes,
		BillingType:   billingType,
		Stock:         stock,
	}, nil
}
