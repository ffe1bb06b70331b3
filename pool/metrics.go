// SPDX-License-Identifier: MIT
//
// Pool metrics, exported both as a plain snapshot struct (for the api
// package's JSON endpoint, mirroring kexuedns/dns.ResolverExport) and as
// registered Prometheus collectors (for /metrics), per SPEC_FULL.md's
// DOMAIN STACK section.

package pool

import "github.com/prometheus/client_golang/prometheus"

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Endpoint      string  `json:"endpoint"`
	Generation    uint64  `json:"generation"`
	OwnerPID      int32   `json:"owner_pid"`
	IdleCount     int     `json:"idle_count"`
	MaxIdle       int     `json:"max_idle"`
	Checkouts     uint64  `json:"checkouts_total"`
	Returns       uint64  `json:"returns_total"`
	Discards      uint64  `json:"discards_total"`
	Resets        uint64  `json:"resets_total"`
	ConnectErrors uint64  `json:"connect_errors_total"`
}

// metrics bundles the Prometheus collectors a Pool updates as it runs. The
// collectors are updated whether or not anything registers them with a
// Prometheus registry. Stats() does not read them; it reads the Pool's own
// atomic counters.
type metrics struct {
	checkouts     prometheus.Counter
	returns       prometheus.Counter
	discards      prometheus.Counter
	resets        prometheus.Counter
	connectErrors prometheus.Counter
	checkoutTime  prometheus.Histogram
	idleGauge     prometheus.GaugeFunc
}

func newMetrics(name string, idleLen func() int) *metrics {
	labels := prometheus.Labels{"pool": name}
	m := &metrics{
		checkouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dbpool",
			Name:        "checkouts_total",
			Help:        "Total GetSocket calls that returned a socket.",
			ConstLabels: labels,
		}),
		returns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dbpool",
			Name:        "returns_total",
			Help:        "Total sockets returned to the idle set.",
			ConstLabels: labels,
		}),
		discards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dbpool",
			Name:        "discards_total",
			Help:        "Total sockets closed instead of returned (full idle set or explicit discard).",
			ConstLabels: labels,
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dbpool",
			Name:        "resets_total",
			Help:        "Total Reset calls (generation bumps).",
			ConstLabels: labels,
		}),
		connectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dbpool",
			Name:        "connect_errors_total",
			Help:        "Total failed connect attempts.",
			ConstLabels: labels,
		}),
		checkoutTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dbpool",
			Name:        "checkout_seconds",
			Help:        "Latency of GetSocket calls.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
	m.idleGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "dbpool",
		Name:        "idle_sockets",
		Help:        "Current number of idle sockets.",
		ConstLabels: labels,
	}, func() float64 { return float64(idleLen()) })
	return m
}

// Collectors returns every collector this Pool maintains, for registration
// with a prometheus.Registerer (see api.NewApiHandler).
func (m *metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.checkouts, m.returns, m.discards, m.resets, m.connectErrors,
		m.checkoutTime, m.idleGauge,
	}
}
