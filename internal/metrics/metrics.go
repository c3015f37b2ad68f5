// Package metrics exposes the operator-visible signals spec §7 calls
// out via Prometheus (github.com/prometheus/client_golang), the
// metrics library the example pack's etalazz-vsa tfd-proxy registers
// its /metrics handler with via promhttp.Handler(). There is no
// teacher file to ground this on directly — the teacher never ran as a
// long-lived service — so the metric names and labels follow the
// operator-facing language of spec §7 verbatim (stash overflow,
// write-back cadence, inflight paths, auth failures).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every gauge/counter the proxy registers.
type Metrics struct {
	StashSize          prometheus.Gauge
	StashOverflowTotal prometheus.Counter
	WriteBackTotal     prometheus.Counter
	InflightPaths      prometheus.Gauge
	AuthFailureTotal   prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
}

// New constructs and registers the proxy's metrics against registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		StashSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pathoram",
			Name:      "stash_size",
			Help:      "Current number of blocks held in the stash.",
		}),
		StashOverflowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pathoram",
			Name:      "stash_overflow_total",
			Help:      "Number of flushes that left the stash over its configured limit.",
		}),
		WriteBackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pathoram",
			Name:      "write_back_total",
			Help:      "Number of write-back batches successfully acknowledged by all servers.",
		}),
		InflightPaths: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pathoram",
			Name:      "inflight_paths",
			Help:      "Current number of outstanding path fetches across all leaves.",
		}),
		AuthFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pathoram",
			Name:      "auth_failure_total",
			Help:      "Number of path decryptions that failed authentication.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pathoram",
			Name:      "requests_total",
			Help:      "Client requests served, labeled by operation and real/fake classification.",
		}, []string{"op", "kind"}),
	}

	registerer.MustRegister(
		m.StashSize,
		m.StashOverflowTotal,
		m.WriteBackTotal,
		m.InflightPaths,
		m.AuthFailureTotal,
		m.RequestsTotal,
	)
	return m
}
