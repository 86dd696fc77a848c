// Package kmetrics collects prometheus metrics for the routing table.
// Fields implementing prometheus.Collector are discovered by reflection
// instead of listed by hand at registration time.
package kmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gauss-project/kadtable/pkg/metrics"
)

const subsystem = "table"

// Metrics holds the counters and gauges the table updates as it serves
// Report*/Find* calls. Every exported field implementing
// prometheus.Collector is picked up by metrics.PrometheusCollectorsFromFields.
type Metrics struct {
	ExistenceReports  prometheus.Counter
	LivelinessReports prometheus.Counter
	FailureReports    prometheus.Counter
	Evictions         prometheus.Counter
	DesiredPromotions prometheus.Counter

	ActiveLogBuckets prometheus.Gauge
	KnownPeers       prometheus.Gauge
}

// New constructs a Metrics struct with every collector initialized.
func New() Metrics {
	return Metrics{
		ExistenceReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "existence_reports_total",
			Help:      "Number of ReportExistence calls handled.",
		}),
		LivelinessReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "liveliness_reports_total",
			Help:      "Number of ReportLiveliness calls handled.",
		}),
		FailureReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "failure_reports_total",
			Help:      "Number of ReportFailure calls handled.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "evictions_total",
			Help:      "Number of peers removed from the table, by full-bucket eviction or by ReportFailure at zero liveness.",
		}),
		DesiredPromotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "desired_promotions_total",
			Help:      "Number of desired-by-URI entries promoted to desired-by-address.",
		}),
		ActiveLogBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "active_log_buckets",
			Help:      "Number of non-empty logarithmic buckets.",
		}),
		KnownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "known_peers",
			Help:      "Number of peers currently held in the table.",
		}),
	}
}

// Collectors returns every metric as a prometheus.Collector, for
// registration with a prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return metrics.PrometheusCollectorsFromFields(m)
}
