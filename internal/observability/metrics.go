// Package observability holds the prometheus collectors and tracing setup.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bullion"

// Metrics groups every collector the daemon exports.
type Metrics struct {
	priceSnapshots  *prometheus.CounterVec
	feedLatency     prometheus.Histogram
	quotes          *prometheus.CounterVec
	redemptions     *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	confirmLatency  *prometheus.HistogramVec
	manualReconcile *prometheus.CounterVec
	laneWait        *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	registry    *Metrics
)

// Default returns the lazily registered collectors.
func Default() *Metrics {
	metricsOnce.Do(func() {
		registry = &Metrics{
			priceSnapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pricefeed",
				Name:      "snapshots_total",
				Help:      "Price snapshots served, by source (live, stale, fallback).",
			}, []string{"source"}),
			feedLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pricefeed",
				Name:      "fetch_duration_seconds",
				Help:      "Latency of outbound price feed fetches.",
				Buckets:   prometheus.DefBuckets,
			}),
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quote",
				Name:      "created_total",
				Help:      "Quotes issued, by asset and direction.",
			}, []string{"asset", "direction"}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quote",
				Name:      "redemptions_total",
				Help:      "Quote redemption attempts, by outcome.",
			}, []string{"outcome"}),
			withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "withdrawals_total",
				Help:      "Withdrawal state transitions, by chain and status.",
			}, []string{"chain", "status"}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "confirmation_seconds",
				Help:      "Time from submission to a terminal state.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			}, []string{"chain"}),
			manualReconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "manual_reconciliation_total",
				Help:      "Withdrawals flagged for operator reconciliation.",
			}, []string{"chain", "reason"}),
			laneWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "wallet_lane_wait_seconds",
				Help:      "Time a submission queued behind other submissions from the same wallet.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"chain"}),
		}
		prometheus.MustRegister(
			registry.priceSnapshots,
			registry.feedLatency,
			registry.quotes,
			registry.redemptions,
			registry.withdrawals,
			registry.confirmLatency,
			registry.manualReconcile,
			registry.laneWait,
		)
	})
	return registry
}

func (m *Metrics) PriceSnapshot(source string) {
	if m == nil {
		return
	}
	m.priceSnapshots.WithLabelValues(source).Inc()
}

func (m *Metrics) FeedFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.feedLatency.Observe(d.Seconds())
}

func (m *Metrics) QuoteCreated(asset, direction string) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(asset, direction).Inc()
}

func (m *Metrics) QuoteRedeemed(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Withdrawal(chain, status string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(chain, status).Inc()
}

func (m *Metrics) Confirmation(chain string, d time.Duration) {
	if m == nil {
		return
	}
	m.confirmLatency.WithLabelValues(chain).Observe(d.Seconds())
}

// ManualReconciliation counts an alert that needs an operator.
func (m *Metrics) ManualReconciliation(chain, reason string) {
	if m == nil {
		return
	}
	m.manualReconcile.WithLabelValues(chain, reason).Inc()
}

func (m *Metrics) LaneWait(chain string, d time.Duration) {
	if m == nil {
		return
	}
	m.laneWait.WithLabelValues(chain).Observe(d.Seconds())
}
