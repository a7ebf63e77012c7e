package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steamtrader",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries attempted, by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steamtrader",
		Subsystem: "webhook",
		Name:      "delivery_errors_total",
		Help:      "Webhook deliveries that failed after retries, by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}
