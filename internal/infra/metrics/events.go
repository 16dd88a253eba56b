package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(eventsPublishedTotal)
}

var eventsPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Domain events handed to the broker by result (ok/error/dropped).",
	},
	[]string{"result"},
)

func AddEventsPublished(result string, n int) {
	eventsPublishedTotal.WithLabelValues(norm(result)).Add(float64(n))
}
