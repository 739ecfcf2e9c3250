package netsync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "netsync"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of blocks requested via getdata.
	BlocksRequested metrics.Counter
	// Number of blocks stored to the chain.
	BlocksStored metrics.Counter
	// Number of transactions served to peers.
	TxsServed metrics.Counter
	// Number of blocks served to peers.
	BlocksServed metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		BlocksRequested: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_requested",
			Help:      "Number of blocks requested via getdata.",
		}, []string{}),
		BlocksStored: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_stored",
			Help:      "Number of blocks stored to the chain.",
		}, []string{}),
		TxsServed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "txs_served",
			Help:      "Number of transactions served to peers.",
		}, []string{}),
		BlocksServed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_served",
			Help:      "Number of blocks served to peers.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		BlocksRequested: discard.NewCounter(),
		BlocksStored:    discard.NewCounter(),
		TxsServed:       discard.NewCounter(),
		BlocksServed:    discard.NewCounter(),
	}
}
