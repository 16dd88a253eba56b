package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		schedulerTicksTotal,
		schedulerTickDuration,
		schedulerTicksSkipped,
		invoicesGeneratedTotal,
		invoiceDuplicatesTotal,
		invoicesOverdueTotal,
	)
}

var (
	schedulerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_scheduler_ticks_total",
			Help: "Billing scheduler ticks by result.",
		},
		[]string{"result"}, // 'ok', 'error'
	)

	schedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_scheduler_tick_duration_seconds",
			Help:    "Wall time of one billing tick.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	schedulerTicksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_scheduler_ticks_skipped_total",
			Help: "Timer firings ignored because a tick was still running.",
		},
	)

	invoicesGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_invoices_generated_total",
			Help: "Recurring invoices created by catch-up.",
		},
	)

	invoiceDuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_invoice_duplicates_total",
			Help: "Catch-up cycles skipped because an invoice already covered them.",
		},
	)

	invoicesOverdueTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_invoices_overdue_total",
			Help: "Invoices flipped from pending to overdue.",
		},
	)
)

func ObserveTick(ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	schedulerTicksTotal.WithLabelValues(result).Inc()
	schedulerTickDuration.Observe(d.Seconds())
}

func IncTickSkipped() { schedulerTicksSkipped.Inc() }

func AddInvoicesGenerated(n int) { invoicesGeneratedTotal.Add(float64(n)) }

func AddInvoiceDuplicates(n int) { invoiceDuplicatesTotal.Add(float64(n)) }

func AddInvoicesOverdue(n int64) { invoicesOverdueTotal.Add(float64(n)) }
