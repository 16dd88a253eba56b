package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		paymentsTotal,
		paymentsRevenueTotal,
		fulfillmentsTotal,
	)
}

var (
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Paid-transition attempts by method and result (paid/duplicate/rejected/failed).",
		},
		[]string{"method", "result"},
	)

	paymentsRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_revenue_total",
			Help: "The total monetary value of paid invoices in minor units, labeled by currency.",
		},
		[]string{"currency"},
	)

	fulfillmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillments_total",
			Help: "Fulfillment resolver outcomes (fulfilled/pending/not_found/error).",
		},
		[]string{"result"},
	)
)

func IncPayment(method, result string) {
	paymentsTotal.WithLabelValues(norm(method), norm(result)).Inc()
}

func AddPaymentRevenue(currency string, amount int64) {
	paymentsRevenueTotal.WithLabelValues(norm(currency)).Add(float64(amount))
}

func IncFulfillment(result string) {
	fulfillmentsTotal.WithLabelValues(norm(result)).Inc()
}
