package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	tokenShortfall = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "steamtrader",
		Subsystem: "reconciliation",
		Name:      "token_shortfall",
		Help:      "Ledger total minus escrow token balance at the last run, in base units (0 when solvent).",
	})

	expiredRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "steamtrader",
		Subsystem: "reconciliation",
		Name:      "expired_requests",
		Help:      "Oracle requests past their cancellation window at the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "steamtrader",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "steamtrader",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total failed reconciliation runs.",
	})
)

func init() {
	prometheus.MustRegister(tokenShortfall, expiredRequests, runDuration, runErrors)
}
