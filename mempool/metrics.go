package mempool

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "mempool"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Size of the pool.
	Size metrics.Gauge
	// Number of transactions that failed validation.
	FailedTxs metrics.Counter
	// Number of transactions evicted to enforce the capacity bound.
	EvictedTxs metrics.Counter
	// Number of pool transactions confirmed by new blocks.
	ConfirmedTxs metrics.Counter
	// Number of transactions resubmitted after a reorganization.
	ResubmittedTxs metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Size: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "size",
			Help:      "Size of the pool (number of unconfirmed transactions).",
		}, []string{}),
		FailedTxs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failed_txs",
			Help:      "Number of transactions that failed validation.",
		}, []string{}),
		EvictedTxs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "evicted_txs",
			Help:      "Number of transactions evicted to enforce the capacity bound.",
		}, []string{}),
		ConfirmedTxs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "confirmed_txs",
			Help:      "Number of pool transactions confirmed by new blocks.",
		}, []string{}),
		ResubmittedTxs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "resubmitted_txs",
			Help:      "Number of transactions resubmitted after a reorganization.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Size:           discard.NewGauge(),
		FailedTxs:      discard.NewCounter(),
		EvictedTxs:     discard.NewCounter(),
		ConfirmedTxs:   discard.NewCounter(),
		ResubmittedTxs: discard.NewCounter(),
	}
}
